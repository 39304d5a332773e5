package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/helyar/helyar/internal/shared/infrastructure/database"
)

// PostgresProcessedEventStore records handled webhook event ids in the
// processed_webhook_events table. The primary key makes Claim atomic
// across instances.
type PostgresProcessedEventStore struct {
	conn database.Connection
}

// NewPostgresProcessedEventStore creates a new store.
func NewPostgresProcessedEventStore(conn database.Connection) *PostgresProcessedEventStore {
	return &PostgresProcessedEventStore{conn: conn}
}

// Claim reports true when this caller is the first to see eventID.
func (s *PostgresProcessedEventStore) Claim(ctx context.Context, eventID, resourceType, action string) (bool, error) {
	db := database.ExecutorFromContext(ctx, s.conn)
	res, err := db.Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id, resource_type, action, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, resourceType, action, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release forgets eventID so a redelivery or replay is processed again.
func (s *PostgresProcessedEventStore) Release(ctx context.Context, eventID string) error {
	db := database.ExecutorFromContext(ctx, s.conn)
	_, err := db.Exec(ctx, "DELETE FROM processed_webhook_events WHERE event_id = $1", eventID)
	return err
}

// Purge drops ids recorded before cutoff.
func (s *PostgresProcessedEventStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	db := database.ExecutorFromContext(ctx, s.conn)
	res, err := db.Exec(ctx, "DELETE FROM processed_webhook_events WHERE processed_at < $1", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
