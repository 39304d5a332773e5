package notify

import (
	"context"
	"fmt"

	"github.com/helyar/helyar/internal/billing/application"
	"github.com/helyar/helyar/internal/billing/domain"
	sharedApplication "github.com/helyar/helyar/internal/shared/application"
	sharedDomain "github.com/helyar/helyar/internal/shared/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/outbox"
	"github.com/helyar/helyar/pkg/observability"
)

// OutboxNotifier queues expiry reminders on the outbox. The message is
// written with the caller's transaction, so a reminder is published only if
// the subscription was marked as reminded.
type OutboxNotifier struct {
	outbox outbox.Repository
}

// NewOutboxNotifier creates a new OutboxNotifier.
func NewOutboxNotifier(repo outbox.Repository) *OutboxNotifier {
	return &OutboxNotifier{outbox: repo}
}

func (n *OutboxNotifier) SendExpiryReminder(ctx context.Context, reminder *domain.ExpiryReminder) error {
	sharedApplication.ApplyEventMetadata(
		[]sharedDomain.DomainEvent{reminder},
		sharedApplication.NewEventMetadata(observability.CorrelationIDFromContext(ctx), reminder.UserID),
	)
	msg, err := outbox.NewMessage(reminder)
	if err != nil {
		return fmt.Errorf("encode expiry reminder: %w", err)
	}
	if err := n.outbox.Save(ctx, msg); err != nil {
		return fmt.Errorf("queue expiry reminder: %w", err)
	}
	return nil
}

var _ application.Notifier = (*OutboxNotifier)(nil)
