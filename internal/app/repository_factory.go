package app

import (
	"fmt"

	billingApp "github.com/helyar/helyar/internal/billing/application"
	billingDomain "github.com/helyar/helyar/internal/billing/domain"
	billingPersistence "github.com/helyar/helyar/internal/billing/infrastructure/persistence"
	"github.com/helyar/helyar/internal/shared/infrastructure/database"
	"github.com/helyar/helyar/internal/shared/infrastructure/outbox"
)

// ProcessedEventStore is the SQL dedup table: it both claims event ids and
// purges old ones.
type ProcessedEventStore interface {
	billingApp.EventDeduplicator
	billingApp.EventPurger
}

// RepositoryFactory creates repositories based on the database driver.
type RepositoryFactory struct {
	conn   database.Connection
	driver database.Driver
}

// NewRepositoryFactory creates a new repository factory.
func NewRepositoryFactory(conn database.Connection) *RepositoryFactory {
	return &RepositoryFactory{
		conn:   conn,
		driver: conn.Driver(),
	}
}

// SubscriptionRepository creates a subscription repository for the configured driver.
func (f *RepositoryFactory) SubscriptionRepository() (billingDomain.SubscriptionRepository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return billingPersistence.NewPostgresSubscriptionRepository(f.conn), nil
	case database.DriverSQLite:
		return billingPersistence.NewSQLiteSubscriptionRepository(f.conn), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// PaymentRepository creates a payment history repository for the configured driver.
func (f *RepositoryFactory) PaymentRepository() (billingDomain.PaymentRepository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return billingPersistence.NewPostgresPaymentRepository(f.conn), nil
	case database.DriverSQLite:
		return billingPersistence.NewSQLitePaymentRepository(f.conn), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// ProfileRepository creates a profile mirror repository for the configured driver.
func (f *RepositoryFactory) ProfileRepository() (billingDomain.ProfileRepository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return billingPersistence.NewPostgresProfileRepository(f.conn), nil
	case database.DriverSQLite:
		return billingPersistence.NewSQLiteProfileRepository(f.conn), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// ProcessedEventStore creates the SQL webhook dedup store for the configured driver.
func (f *RepositoryFactory) ProcessedEventStore() (ProcessedEventStore, error) {
	switch f.driver {
	case database.DriverPostgres:
		return billingPersistence.NewPostgresProcessedEventStore(f.conn), nil
	case database.DriverSQLite:
		return billingPersistence.NewSQLiteProcessedEventStore(f.conn), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// OutboxRepository creates an outbox repository for the configured driver.
func (f *RepositoryFactory) OutboxRepository() (outbox.Repository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return outbox.NewPostgresRepository(f.conn), nil
	case database.DriverSQLite:
		return outbox.NewSQLiteRepository(f.conn), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// Driver returns the database driver type.
func (f *RepositoryFactory) Driver() database.Driver {
	return f.driver
}
