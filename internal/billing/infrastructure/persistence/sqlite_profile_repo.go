package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/database"
)

// SQLiteProfileRepository implements domain.ProfileRepository with SQLite.
type SQLiteProfileRepository struct {
	conn database.Connection
}

// NewSQLiteProfileRepository creates a new repository.
func NewSQLiteProfileRepository(conn database.Connection) *SQLiteProfileRepository {
	return &SQLiteProfileRepository{conn: conn}
}

// Save upserts the profile mirror.
func (r *SQLiteProfileRepository) Save(ctx context.Context, p *domain.Profile) error {
	db := database.ExecutorFromContext(ctx, r.conn)
	_, err := db.Exec(ctx, `
		INSERT INTO user_profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			email = excluded.email,
			given_name = excluded.given_name,
			family_name = excluded.family_name,
			mandate_id = excluded.mandate_id,
			customer_id = excluded.customer_id,
			subscription_status = excluded.subscription_status,
			updated_at = excluded.updated_at`,
		p.UserID.String(), p.Email, p.GivenName, p.FamilyName, optional(p.MandateID), optional(p.CustomerID),
		p.SubscriptionStatus, formatTime(p.UpdatedAt),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("save profile: %w", domain.ErrMandateExists)
		}
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (r *SQLiteProfileRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Profile, error) {
	return r.findOne(ctx, "user_id = ?", userID.String())
}

func (r *SQLiteProfileRepository) FindByMandateID(ctx context.Context, mandateID string) (*domain.Profile, error) {
	return r.findOne(ctx, "mandate_id = ?", mandateID)
}

func (r *SQLiteProfileRepository) findOne(ctx context.Context, where string, arg any) (*domain.Profile, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	var (
		p                     domain.Profile
		userID, updatedAt     string
		mandateID, customerID sql.NullString
	)
	err := db.QueryRow(ctx, "SELECT "+profileColumns+" FROM user_profiles WHERE "+where, arg).Scan(
		&userID, &p.Email, &p.GivenName, &p.FamilyName, &mandateID, &customerID,
		&p.SubscriptionStatus, &updatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrProfileNotFound
		}
		return nil, err
	}
	if p.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	p.MandateID = deref(nullableString(mandateID))
	p.CustomerID = deref(nullableString(customerID))
	return &p, nil
}

var _ domain.ProfileRepository = (*SQLiteProfileRepository)(nil)
