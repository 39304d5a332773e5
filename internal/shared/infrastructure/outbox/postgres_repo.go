package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/helyar/helyar/internal/shared/infrastructure/database"
)

const messageColumns = `id, event_id, aggregate_type, aggregate_id, event_type, routing_key,
	payload, metadata, created_at, published_at, next_retry_at, retry_count,
	last_error, dead_lettered_at, dead_letter_reason`

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	conn database.Connection
}

// NewPostgresRepository creates a new PostgreSQL outbox repository.
func NewPostgresRepository(conn database.Connection) *PostgresRepository {
	return &PostgresRepository{conn: conn}
}

// Save stores a new outbox message.
func (r *PostgresRepository) Save(ctx context.Context, msg *Message) error {
	db := database.ExecutorFromContext(ctx, r.conn)
	err := db.QueryRow(ctx, `
		INSERT INTO outbox (event_id, aggregate_type, aggregate_id, event_type, routing_key, payload, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		msg.EventID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.RoutingKey,
		msg.Payload, metadataOrEmpty(msg), msg.CreatedAt.UTC(),
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("insert outbox message %s: %w", msg.EventID, err)
	}
	return nil
}

// SaveBatch stores multiple outbox messages atomically.
func (r *PostgresRepository) SaveBatch(ctx context.Context, msgs []*Message) error {
	return saveBatch(ctx, r.conn, msgs, r.Save)
}

// GetUnpublished retrieves unpublished messages ordered by creation time.
func (r *PostgresRepository) GetUnpublished(ctx context.Context, limit int) ([]*Message, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	rows, err := db.Query(ctx, `SELECT `+messageColumns+` FROM outbox
		WHERE published_at IS NULL
		  AND dead_lettered_at IS NULL
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.ID, &msg.EventID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.RoutingKey,
			&msg.Payload, &msg.Metadata, &msg.CreatedAt, &msg.PublishedAt, &msg.NextRetryAt, &msg.RetryCount,
			&msg.LastError, &msg.DeadLetteredAt, &msg.DeadLetterReason,
		); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks a message as successfully published.
func (r *PostgresRepository) MarkPublished(ctx context.Context, id int64) error {
	db := database.ExecutorFromContext(ctx, r.conn)
	_, err := db.Exec(ctx, `UPDATE outbox SET published_at = NOW(), dead_lettered_at = NULL WHERE id = $1`, id)
	return err
}

// MarkFailed records a publish failure with error message.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	db := database.ExecutorFromContext(ctx, r.conn)
	_, err := db.Exec(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1,
			last_error = $2,
			next_retry_at = $3
		WHERE id = $1`, id, errMsg, nextRetryAt.UTC())
	return err
}

// MarkDead marks a message as dead-lettered.
func (r *PostgresRepository) MarkDead(ctx context.Context, id int64, reason string) error {
	db := database.ExecutorFromContext(ctx, r.conn)
	_, err := db.Exec(ctx, `
		UPDATE outbox
		SET dead_lettered_at = NOW(),
			dead_letter_reason = $2
		WHERE id = $1`, id, reason)
	return err
}

func (r *PostgresRepository) CountPending(ctx context.Context) (int64, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	var n int64
	err := db.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL AND dead_lettered_at IS NULL`).Scan(&n)
	return n, err
}

// DeleteOld removes successfully published messages older than the retention period.
func (r *PostgresRepository) DeleteOld(ctx context.Context, olderThanDays int) (int64, error) {
	db := database.ExecutorFromContext(ctx, r.conn)
	result, err := db.Exec(ctx, `
		DELETE FROM outbox
		WHERE published_at IS NOT NULL
		  AND published_at < NOW() - INTERVAL '1 day' * $1`, olderThanDays)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// saveBatch runs save for every message inside the caller's transaction,
// opening one when ctx carries none.
func saveBatch(ctx context.Context, conn database.Connection, msgs []*Message, save func(context.Context, *Message) error) error {
	if len(msgs) == 0 {
		return nil
	}
	uow := database.NewUnitOfWork(conn)
	txCtx, err := uow.Begin(ctx)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := save(txCtx, msg); err != nil {
			_ = uow.Rollback(txCtx)
			return err
		}
	}
	return uow.Commit(txCtx)
}

func metadataOrEmpty(msg *Message) []byte {
	if len(msg.Metadata) == 0 {
		return []byte("{}")
	}
	return msg.Metadata
}

var _ Repository = (*PostgresRepository)(nil)
