package notify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/eventbus"
	"github.com/helyar/helyar/internal/shared/infrastructure/outbox"
	"github.com/helyar/helyar/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendReminder(ctx context.Context, r Reminder) error {
	return m.Called(ctx, r).Error(0)
}

func activeSubscription(t *testing.T, now time.Time) *domain.Subscription {
	t.Helper()
	price, err := domain.ParsePrice("4.99", "GBP")
	require.NoError(t, err)
	s, err := domain.NewSubscription(uuid.New(), price, now)
	require.NoError(t, err)
	require.NoError(t, s.BeginSetup("state", now))
	expires := now.AddDate(0, 0, 7)
	require.NoError(t, s.Activate("SB1", &expires, now))
	return s
}

func TestOutboxNotifier_QueuesReminder(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	s := activeSubscription(t, now)
	repo := outbox.NewInMemoryRepository()

	ctx := observability.WithCorrelationID(context.Background(), "corr-1")
	reminder := domain.NewExpiryReminder(s, "ada@example.com", now)
	require.NoError(t, NewOutboxNotifier(repo).SendExpiryReminder(ctx, reminder))

	msgs := repo.ByRoutingKey(domain.RoutingExpiryReminder)
	require.Len(t, msgs, 1)
	assert.Equal(t, s.ID(), msgs[0].AggregateID)
	assert.Equal(t, "corr-1", msgs[0].CorrelationID())
}

func TestReminderConsumer_DeliversQueuedReminder(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	s := activeSubscription(t, now)
	repo := outbox.NewInMemoryRepository()
	require.NoError(t, NewOutboxNotifier(repo).SendExpiryReminder(context.Background(),
		domain.NewExpiryReminder(s, "ada@example.com", now)))

	sender := new(mockSender)
	sender.On("SendReminder", mock.Anything, mock.MatchedBy(func(r Reminder) bool {
		return r.SubscriptionID == s.ID() && r.UserID == s.UserID() &&
			r.Email == "ada@example.com" && r.DaysLeft == 7 && r.ExpiresAt.Equal(*s.ExpiresAt())
	})).Return(nil).Once()

	bus := eventbus.NewInProcessEventBus(nil)
	bus.RegisterConsumer(NewReminderConsumer(sender, nil))

	body, err := outbox.Envelope(repo.Messages()[0])
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), domain.RoutingExpiryReminder, body))
	sender.AssertExpectations(t)
}

func TestReminderConsumer_SkipsMissingEmail(t *testing.T) {
	sender := new(mockSender)
	consumer := NewReminderConsumer(sender, nil)
	assert.Equal(t, []string{domain.RoutingExpiryReminder}, consumer.EventTypes())

	err := consumer.Handle(context.Background(), &eventbus.ConsumedEvent{
		EventID: uuid.New(),
		Payload: []byte(`{"subscription_id":"` + uuid.NewString() + `","days_left":7}`),
	})
	require.NoError(t, err)
	sender.AssertNotCalled(t, "SendReminder", mock.Anything, mock.Anything)
}

func TestReminderConsumer_RejectsEmptyPayload(t *testing.T) {
	err := NewReminderConsumer(LogSender{}, nil).Handle(context.Background(), &eventbus.ConsumedEvent{EventID: uuid.New()})
	assert.Error(t, err)
}
