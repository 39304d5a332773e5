package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/database"
)

// PostgresProfileRepository implements domain.ProfileRepository with PostgreSQL.
type PostgresProfileRepository struct {
	conn database.Connection
}

// NewPostgresProfileRepository creates a new repository.
func NewPostgresProfileRepository(conn database.Connection) *PostgresProfileRepository {
	return &PostgresProfileRepository{conn: conn}
}

// Save upserts the profile mirror.
func (r *PostgresProfileRepository) Save(ctx context.Context, p *domain.Profile) error {
	db := database.ExecutorFromContext(ctx, r.conn)
	_, err := db.Exec(ctx, `
		INSERT INTO user_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			given_name = EXCLUDED.given_name,
			family_name = EXCLUDED.family_name,
			mandate_id = EXCLUDED.mandate_id,
			customer_id = EXCLUDED.customer_id,
			subscription_status = EXCLUDED.subscription_status,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Email, p.GivenName, p.FamilyName, optional(p.MandateID), optional(p.CustomerID),
		p.SubscriptionStatus, p.UpdatedAt.UTC(),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("save profile: %w", domain.ErrMandateExists)
		}
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (r *PostgresProfileRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Profile, error) {
	return r.findOne(ctx, "user_id = $1", userID)
}

func (r *PostgresProfileRepository) FindByMandateID(ctx context.Context, mandateID string) (*domain.Profile, error) {
	return r.findOne(ctx, "mandate_id = $1", mandateID)
}

func (r *PostgresProfileRepository) findOne(ctx context.Context, where string, arg any) (*domain.Profile, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	var (
		p                     domain.Profile
		mandateID, customerID *string
	)
	err := db.QueryRow(ctx, "SELECT "+profileColumns+" FROM user_profiles WHERE "+where, arg).Scan(
		&p.UserID, &p.Email, &p.GivenName, &p.FamilyName, &mandateID, &customerID,
		&p.SubscriptionStatus, &p.UpdatedAt,
	)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, domain.ErrProfileNotFound
		}
		return nil, err
	}
	p.MandateID = deref(mandateID)
	p.CustomerID = deref(customerID)
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

var _ domain.ProfileRepository = (*PostgresProfileRepository)(nil)
