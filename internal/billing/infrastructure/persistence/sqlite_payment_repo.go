package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/database"
)

// SQLitePaymentRepository implements domain.PaymentRepository with SQLite.
type SQLitePaymentRepository struct {
	conn database.Connection
}

// NewSQLitePaymentRepository creates a new repository.
func NewSQLitePaymentRepository(conn database.Connection) *SQLitePaymentRepository {
	return &SQLitePaymentRepository{conn: conn}
}

// Save upserts on the provider payment id.
func (r *SQLitePaymentRepository) Save(ctx context.Context, p *domain.Payment) error {
	rec, err := newPaymentRecord(p)
	if err != nil {
		return err
	}
	db := database.ExecutorFromContext(ctx, r.conn)
	_, err = db.Exec(ctx, `
		INSERT INTO payment_history (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (remote_payment_id) DO UPDATE SET
			status = excluded.status,
			charge_date = COALESCE(excluded.charge_date, payment_history.charge_date),
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		rec.id.String(), rec.subscriptionID.String(), rec.paymentID, rec.remoteID, rec.amountMinor, rec.currency,
		rec.status, formatOptionalTime(rec.chargeDate), string(rec.metadata),
		formatTime(rec.createdAt), formatTime(rec.updatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert payment %s: %w", rec.remoteID, err)
	}
	return nil
}

func (r *SQLitePaymentRepository) FindByRemoteID(ctx context.Context, remoteID string) (*domain.Payment, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	row := db.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payment_history WHERE remote_payment_id = ?", remoteID)
	p, err := scanSQLitePayment(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListBySubscription returns the history newest first.
func (r *SQLitePaymentRepository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.Payment, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	rows, err := db.Query(ctx, "SELECT "+paymentColumns+` FROM payment_history
		WHERE subscription_id = ? ORDER BY created_at DESC`, subscriptionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Payment
	for rows.Next() {
		p, err := scanSQLitePayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanSQLitePayment(row database.Row) (*domain.Payment, error) {
	var (
		rec                  paymentRecord
		idStr, subIDStr      string
		chargeDate           sql.NullString
		metadata             string
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&idStr, &subIDStr, &rec.paymentID, &rec.remoteID, &rec.amountMinor, &rec.currency,
		&rec.status, &chargeDate, &metadata, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if rec.id, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse payment id: %w", err)
	}
	if rec.subscriptionID, err = uuid.Parse(subIDStr); err != nil {
		return nil, fmt.Errorf("parse subscription id: %w", err)
	}
	if rec.chargeDate, err = parseOptionalTime(chargeDate); err != nil {
		return nil, err
	}
	if rec.createdAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.updatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	rec.metadata = []byte(metadata)
	return rec.toDomain()
}

var _ domain.PaymentRepository = (*SQLitePaymentRepository)(nil)
