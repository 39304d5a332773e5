package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/database"
)

// PostgresPaymentRepository implements domain.PaymentRepository with PostgreSQL.
type PostgresPaymentRepository struct {
	conn database.Connection
}

// NewPostgresPaymentRepository creates a new repository.
func NewPostgresPaymentRepository(conn database.Connection) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{conn: conn}
}

// Save upserts on the provider payment id. A replay only updates status,
// charge date and metadata.
func (r *PostgresPaymentRepository) Save(ctx context.Context, p *domain.Payment) error {
	rec, err := newPaymentRecord(p)
	if err != nil {
		return err
	}
	db := database.ExecutorFromContext(ctx, r.conn)
	_, err = db.Exec(ctx, `
		INSERT INTO payment_history (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (remote_payment_id) DO UPDATE SET
			status = EXCLUDED.status,
			charge_date = COALESCE(EXCLUDED.charge_date, payment_history.charge_date),
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		rec.id, rec.subscriptionID, rec.paymentID, rec.remoteID, rec.amountMinor, rec.currency,
		rec.status, rec.chargeDate, rec.metadata, rec.createdAt, rec.updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert payment %s: %w", rec.remoteID, err)
	}
	return nil
}

func (r *PostgresPaymentRepository) FindByRemoteID(ctx context.Context, remoteID string) (*domain.Payment, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	row := db.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payment_history WHERE remote_payment_id = $1", remoteID)
	p, err := scanPostgresPayment(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListBySubscription returns the history newest first.
func (r *PostgresPaymentRepository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.Payment, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	rows, err := db.Query(ctx, "SELECT "+paymentColumns+` FROM payment_history
		WHERE subscription_id = $1 ORDER BY created_at DESC`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanPostgresPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPostgresPayment(row database.Row) (*domain.Payment, error) {
	var rec paymentRecord
	if err := row.Scan(
		&rec.id, &rec.subscriptionID, &rec.paymentID, &rec.remoteID, &rec.amountMinor, &rec.currency,
		&rec.status, &rec.chargeDate, &rec.metadata, &rec.createdAt, &rec.updatedAt,
	); err != nil {
		return nil, err
	}
	return rec.toDomain()
}

var _ domain.PaymentRepository = (*PostgresPaymentRepository)(nil)
