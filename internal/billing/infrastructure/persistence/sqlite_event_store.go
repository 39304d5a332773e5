package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/helyar/helyar/internal/shared/infrastructure/database"
)

// SQLiteProcessedEventStore is the SQLite variant of PostgresProcessedEventStore.
type SQLiteProcessedEventStore struct {
	conn database.Connection
}

// NewSQLiteProcessedEventStore creates a new store.
func NewSQLiteProcessedEventStore(conn database.Connection) *SQLiteProcessedEventStore {
	return &SQLiteProcessedEventStore{conn: conn}
}

// Claim reports true when this caller is the first to see eventID.
func (s *SQLiteProcessedEventStore) Claim(ctx context.Context, eventID, resourceType, action string) (bool, error) {
	db := database.ExecutorFromContext(ctx, s.conn)
	res, err := db.Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id, resource_type, action, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, resourceType, action, formatTime(time.Now()),
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
func (s *SQLiteProcessedEventStore) Release(ctx context.Context, eventID string) error {
	db := database.ExecutorFromContext(ctx, s.conn)
	_, err := db.Exec(ctx, "DELETE FROM processed_webhook_events WHERE event_id = ?", eventID)
	return err
}

// Purge drops ids recorded before cutoff.
func (s *SQLiteProcessedEventStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	db := database.ExecutorFromContext(ctx, s.conn)
	res, err := db.Exec(ctx, "DELETE FROM processed_webhook_events WHERE processed_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
