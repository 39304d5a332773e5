package outbox

import (
	"context"
	"time"
)

// Repository defines outbox persistence. Save and SaveBatch join the
// transaction carried by ctx so messages commit with the aggregate.
type Repository interface {
	Save(ctx context.Context, msg *Message) error
	SaveBatch(ctx context.Context, msgs []*Message) error

	// GetUnpublished returns messages due for publishing, oldest first.
	GetUnpublished(ctx context.Context, limit int) ([]*Message, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, err string, nextRetryAt time.Time) error
	MarkDead(ctx context.Context, id int64, reason string) error

	// CountPending reports how many messages are still waiting to be published.
	CountPending(ctx context.Context) (int64, error)

	// DeleteOld removes published messages older than the retention period.
	DeleteOld(ctx context.Context, olderThanDays int) (int64, error)
}
