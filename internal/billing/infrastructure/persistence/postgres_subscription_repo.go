package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/database"
)

// PostgresSubscriptionRepository implements domain.SubscriptionRepository with PostgreSQL.
type PostgresSubscriptionRepository struct {
	conn database.Connection
}

// NewPostgresSubscriptionRepository creates a new repository.
func NewPostgresSubscriptionRepository(conn database.Connection) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{conn: conn}
}

// Save inserts a new subscription or performs a version-checked update.
func (r *PostgresSubscriptionRepository) Save(ctx context.Context, s *domain.Subscription) error {
	db := database.ExecutorFromContext(ctx, r.conn)
	rec := newSubscriptionRecord(s)

	if s.IsNew() {
		_, err := db.Exec(ctx, `
			INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, 1, $20, $21)`,
			rec.id, rec.userID, rec.priceMinor, rec.currency, rec.paymentID, rec.remoteID,
			rec.status, rec.active, rec.flowID, rec.billingRequestID, rec.stateToken, rec.authorisationURL,
			rec.setupStartedAt, rec.startedAt, rec.expiresAt, rec.cancelledAt, rec.lastPaymentAt,
			rec.failedCount, rec.remindedFor, rec.createdAt, rec.updatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("insert subscription: %w", domain.ErrConcurrentUpdate)
			}
			return fmt.Errorf("insert subscription: %w", err)
		}
		s.MarkPersisted(1)
		return nil
	}

	res, err := db.Exec(ctx, `
		UPDATE subscriptions SET
			price_minor = $3, currency = $4, remote_subscription_id = $5, status = $6, is_active = $7,
			flow_id = $8, billing_request_id = $9, state_token = $10, authorisation_url = $11,
			setup_started_at = $12, started_at = $13, expires_at = $14, cancelled_at = $15,
			last_payment_at = $16, failed_payment_count = $17, reminded_for = $18,
			updated_at = $19, version = version + 1
		WHERE id = $1 AND version = $2`,
		rec.id, rec.version, rec.priceMinor, rec.currency, rec.remoteID, rec.status, rec.active,
		rec.flowID, rec.billingRequestID, rec.stateToken, rec.authorisationURL,
		rec.setupStartedAt, rec.startedAt, rec.expiresAt, rec.cancelledAt,
		rec.lastPaymentAt, rec.failedCount, rec.remindedFor, rec.updatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("update subscription: %w", domain.ErrConcurrentUpdate)
		}
		return fmt.Errorf("update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConcurrentUpdate
	}
	s.MarkPersisted(rec.version + 1)
	return nil
}

func (r *PostgresSubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return r.findOne(ctx, "id = $1", id)
}

func (r *PostgresSubscriptionRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return r.findOne(ctx, "user_id = $1", userID)
}

// FindByBillingRequestID matches in-flight setups only; completion clears the flow fields.
func (r *PostgresSubscriptionRepository) FindByBillingRequestID(ctx context.Context, billingRequestID string) (*domain.Subscription, error) {
	return r.findOne(ctx, "billing_request_id = $1", billingRequestID)
}

func (r *PostgresSubscriptionRepository) FindByRemoteID(ctx context.Context, remoteID string) (*domain.Subscription, error) {
	return r.findOne(ctx, "remote_subscription_id = $1", remoteID)
}

func (r *PostgresSubscriptionRepository) ListActiveExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, "is_active AND expires_at <= $1 ORDER BY expires_at LIMIT $2", cutoff, limit)
}

func (r *PostgresSubscriptionRepository) ListActiveExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, "status = 'active' AND expires_at >= $1 AND expires_at < $2 ORDER BY expires_at LIMIT $3", from, to, limit)
}

func (r *PostgresSubscriptionRepository) ListPendingStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, `status = 'pending' AND COALESCE(setup_started_at, updated_at) < $1
		ORDER BY updated_at LIMIT $2`, cutoff, limit)
}

func (r *PostgresSubscriptionRepository) ListPendingWithBillingRequest(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, `status = 'pending' AND billing_request_id IS NOT NULL
		AND COALESCE(setup_started_at, updated_at) < $1 ORDER BY updated_at LIMIT $2`, startedBefore, limit)
}

func (r *PostgresSubscriptionRepository) findOne(ctx context.Context, where string, arg any) (*domain.Subscription, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	row := db.QueryRow(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE "+where, arg)
	s, err := scanPostgresSubscription(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *PostgresSubscriptionRepository) list(ctx context.Context, where string, args ...any) ([]*domain.Subscription, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	rows, err := db.Query(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Subscription
	for rows.Next() {
		s, err := scanPostgresSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanPostgresSubscription(row database.Row) (*domain.Subscription, error) {
	var rec subscriptionRecord
	err := row.Scan(
		&rec.id, &rec.userID, &rec.priceMinor, &rec.currency, &rec.paymentID, &rec.remoteID,
		&rec.status, &rec.active, &rec.flowID, &rec.billingRequestID, &rec.stateToken, &rec.authorisationURL,
		&rec.setupStartedAt, &rec.startedAt, &rec.expiresAt, &rec.cancelledAt, &rec.lastPaymentAt,
		&rec.failedCount, &rec.remindedFor, &rec.version, &rec.createdAt, &rec.updatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec.toDomain()
}

var _ domain.SubscriptionRepository = (*PostgresSubscriptionRepository)(nil)
