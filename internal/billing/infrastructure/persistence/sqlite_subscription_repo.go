package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/database"
)

// SQLiteSubscriptionRepository implements domain.SubscriptionRepository with SQLite.
type SQLiteSubscriptionRepository struct {
	conn database.Connection
}

// NewSQLiteSubscriptionRepository creates a new repository.
func NewSQLiteSubscriptionRepository(conn database.Connection) *SQLiteSubscriptionRepository {
	return &SQLiteSubscriptionRepository{conn: conn}
}

// Save inserts a new subscription or performs a version-checked update.
func (r *SQLiteSubscriptionRepository) Save(ctx context.Context, s *domain.Subscription) error {
	db := database.ExecutorFromContext(ctx, r.conn)
	rec := newSubscriptionRecord(s)

	if s.IsNew() {
		_, err := db.Exec(ctx, `
			INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			rec.id.String(), rec.userID.String(), rec.priceMinor, rec.currency, rec.paymentID, rec.remoteID,
			rec.status, rec.active, rec.flowID, rec.billingRequestID, rec.stateToken, rec.authorisationURL,
			formatOptionalTime(rec.setupStartedAt), formatOptionalTime(rec.startedAt),
			formatOptionalTime(rec.expiresAt), formatOptionalTime(rec.cancelledAt),
			formatOptionalTime(rec.lastPaymentAt), rec.failedCount, formatOptionalTime(rec.remindedFor),
			formatTime(rec.createdAt), formatTime(rec.updatedAt),
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
			price_minor = ?, currency = ?, remote_subscription_id = ?, status = ?, is_active = ?,
			flow_id = ?, billing_request_id = ?, state_token = ?, authorisation_url = ?,
			setup_started_at = ?, started_at = ?, expires_at = ?, cancelled_at = ?,
			last_payment_at = ?, failed_payment_count = ?, reminded_for = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		rec.priceMinor, rec.currency, rec.remoteID, rec.status, rec.active,
		rec.flowID, rec.billingRequestID, rec.stateToken, rec.authorisationURL,
		formatOptionalTime(rec.setupStartedAt), formatOptionalTime(rec.startedAt),
		formatOptionalTime(rec.expiresAt), formatOptionalTime(rec.cancelledAt),
		formatOptionalTime(rec.lastPaymentAt), rec.failedCount, formatOptionalTime(rec.remindedFor),
		formatTime(rec.updatedAt), rec.id.String(), rec.version,
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

func (r *SQLiteSubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return r.findOne(ctx, "id = ?", id.String())
}

func (r *SQLiteSubscriptionRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return r.findOne(ctx, "user_id = ?", userID.String())
}

func (r *SQLiteSubscriptionRepository) FindByBillingRequestID(ctx context.Context, billingRequestID string) (*domain.Subscription, error) {
	return r.findOne(ctx, "billing_request_id = ?", billingRequestID)
}

func (r *SQLiteSubscriptionRepository) FindByRemoteID(ctx context.Context, remoteID string) (*domain.Subscription, error) {
	return r.findOne(ctx, "remote_subscription_id = ?", remoteID)
}

func (r *SQLiteSubscriptionRepository) ListActiveExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, "is_active = 1 AND expires_at <= ? ORDER BY expires_at LIMIT ?", formatTime(cutoff), limit)
}

func (r *SQLiteSubscriptionRepository) ListActiveExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, "status = 'active' AND expires_at >= ? AND expires_at < ? ORDER BY expires_at LIMIT ?",
		formatTime(from), formatTime(to), limit)
}

func (r *SQLiteSubscriptionRepository) ListPendingStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, `status = 'pending' AND COALESCE(setup_started_at, updated_at) < ?
		ORDER BY updated_at LIMIT ?`, formatTime(cutoff), limit)
}

func (r *SQLiteSubscriptionRepository) ListPendingWithBillingRequest(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, `status = 'pending' AND billing_request_id IS NOT NULL
		AND COALESCE(setup_started_at, updated_at) < ? ORDER BY updated_at LIMIT ?`, formatTime(startedBefore), limit)
}

func (r *SQLiteSubscriptionRepository) findOne(ctx context.Context, where string, arg any) (*domain.Subscription, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	row := db.QueryRow(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE "+where, arg)
	s, err := scanSQLiteSubscription(row)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *SQLiteSubscriptionRepository) list(ctx context.Context, where string, args ...any) ([]*domain.Subscription, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	rows, err := db.Query(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Subscription
	for rows.Next() {
		s, err := scanSQLiteSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSQLiteSubscription(row database.Row) (*domain.Subscription, error) {
	var (
		idStr, userIDStr                        string
		remoteID, flowID, billingRequestID      sql.NullString
		stateToken, authorisationURL            sql.NullString
		setupStartedAt, startedAt, expiresAt    sql.NullString
		cancelledAt, lastPaymentAt, remindedFor sql.NullString
		createdAt, updatedAt                    string
		rec                                     subscriptionRecord
	)
	err := row.Scan(
		&idStr, &userIDStr, &rec.priceMinor, &rec.currency, &rec.paymentID, &remoteID,
		&rec.status, &rec.active, &flowID, &billingRequestID, &stateToken, &authorisationURL,
		&setupStartedAt, &startedAt, &expiresAt, &cancelledAt, &lastPaymentAt,
		&rec.failedCount, &remindedFor, &rec.version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if rec.id, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse subscription id: %w", err)
	}
	if rec.userID, err = uuid.Parse(userIDStr); err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	rec.remoteID = nullableString(remoteID)
	rec.flowID = nullableString(flowID)
	rec.billingRequestID = nullableString(billingRequestID)
	rec.stateToken = nullableString(stateToken)
	rec.authorisationURL = nullableString(authorisationURL)

	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&rec.setupStartedAt, setupStartedAt},
		{&rec.startedAt, startedAt},
		{&rec.expiresAt, expiresAt},
		{&rec.cancelledAt, cancelledAt},
		{&rec.lastPaymentAt, lastPaymentAt},
		{&rec.remindedFor, remindedFor},
	} {
		if *f.dst, err = parseOptionalTime(f.src); err != nil {
			return nil, err
		}
	}
	if rec.createdAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.updatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return rec.toDomain()
}

var _ domain.SubscriptionRepository = (*SQLiteSubscriptionRepository)(nil)
