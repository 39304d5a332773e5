package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/eventbus"
)

// Reminder is the payload of a billing.subscription.expiry_reminder event.
type Reminder struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	Email          string    `json:"email"`
	ExpiresAt      time.Time `json:"expires_at"`
	DaysLeft       int       `json:"days_left"`
}

// Sender hands a reminder to the delivery channel.
type Sender interface {
	SendReminder(ctx context.Context, r Reminder) error
}

// LogSender records reminders in the log. Used when no delivery channel is
// configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) SendReminder(ctx context.Context, r Reminder) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "expiry reminder dispatched",
		"user_id", r.UserID,
		"subscription_id", r.SubscriptionID,
		"email", r.Email,
		"expires_at", r.ExpiresAt,
		"days_left", r.DaysLeft,
	)
	return nil
}

// ReminderConsumer delivers queued expiry reminders.
type ReminderConsumer struct {
	sender Sender
	logger *slog.Logger
}

// NewReminderConsumer creates a new ReminderConsumer.
func NewReminderConsumer(sender Sender, logger *slog.Logger) *ReminderConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderConsumer{sender: sender, logger: logger}
}

func (c *ReminderConsumer) EventTypes() []string {
	return []string{domain.RoutingExpiryReminder}
}

func (c *ReminderConsumer) Handle(ctx context.Context, event *eventbus.ConsumedEvent) error {
	var r Reminder
	if err := event.Decode(&r); err != nil {
		return fmt.Errorf("decode reminder %s: %w", event.EventID, err)
	}
	if r.Email == "" {
		c.logger.Warn("expiry reminder without email, skipping", "user_id", r.UserID, "event_id", event.EventID)
		return nil
	}
	return c.sender.SendReminder(ctx, r)
}

var _ eventbus.EventConsumer = (*ReminderConsumer)(nil)
