package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/shared/infrastructure/eventbus"
	"github.com/helyar/helyar/internal/shared/infrastructure/outbox"
	"github.com/helyar/helyar/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mu          sync.Mutex
	published   []string
	failForKeys map[string]bool
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{failForKeys: make(map[string]bool)}
}

func (p *mockPublisher) Publish(_ context.Context, routingKey string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failForKeys[routingKey] {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, routingKey)
	return nil
}

func (p *mockPublisher) Close() error { return nil }

func (p *mockPublisher) PublishedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func createTestMessage(routingKey string) *outbox.Message {
	payload, _ := json.Marshal(map[string]string{"subscription_id": uuid.NewString()})
	return &outbox.Message{
		EventID:       uuid.New(),
		AggregateType: "Subscription",
		AggregateID:   uuid.New(),
		EventType:     routingKey,
		RoutingKey:    routingKey,
		Payload:       payload,
		CreatedAt:     time.Now(),
	}
}

func TestProcessor_ProcessOnce(t *testing.T) {
	ctx := context.Background()
	repo := outbox.NewInMemoryRepository()
	publisher := newMockPublisher()
	metrics := observability.NewInMemoryMetrics()
	processor := outbox.NewProcessor(repo, publisher, outbox.DefaultProcessorConfig(), nil).WithMetrics(metrics)

	require.NoError(t, repo.Save(ctx, createTestMessage("billing.subscription.activated")))
	require.NoError(t, repo.Save(ctx, createTestMessage("billing.subscription.renewed")))

	require.NoError(t, processor.ProcessOnce(ctx))

	assert.Equal(t, 2, publisher.PublishedCount())
	pending, err := repo.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, int64(2), metrics.GetCounter("outbox_messages_total", observability.T("outcome", "published")))

	stats := processor.GetStats()
	assert.Equal(t, uint64(2), stats.PublishedCount)
	assert.NotNil(t, stats.LastProcessedAt)
	assert.NotNil(t, stats.OldestMessageAt)
}

func TestProcessor_ProcessOnce_PublishFailure(t *testing.T) {
	ctx := context.Background()
	repo := outbox.NewInMemoryRepository()
	publisher := newMockPublisher()
	publisher.failForKeys["billing.webhook.dead_lettered"] = true
	processor := outbox.NewProcessor(repo, publisher, outbox.DefaultProcessorConfig(), nil)

	ok := createTestMessage("billing.subscription.cancelled")
	bad := createTestMessage("billing.webhook.dead_lettered")
	require.NoError(t, repo.SaveBatch(ctx, []*outbox.Message{ok, bad}))

	require.NoError(t, processor.ProcessOnce(ctx))

	assert.Equal(t, 1, publisher.PublishedCount())
	assert.True(t, ok.IsPublished())
	assert.False(t, bad.IsPublished())
	assert.Equal(t, 1, bad.RetryCount)
	require.NotNil(t, bad.NextRetryAt)
	assert.True(t, bad.NextRetryAt.After(time.Now()))

	// Backed-off messages are skipped until due.
	require.NoError(t, processor.ProcessOnce(ctx))
	assert.Equal(t, 1, bad.RetryCount)

	stats := processor.GetStats()
	assert.Equal(t, uint64(1), stats.FailedCount)
	assert.Equal(t, "broker unavailable", stats.LastError)
}

func TestProcessor_ProcessOnce_DeadLettersAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	repo := outbox.NewInMemoryRepository()
	publisher := newMockPublisher()
	publisher.failForKeys["billing.subscription.expired"] = true
	config := outbox.DefaultProcessorConfig()
	config.MaxRetries = 1
	processor := outbox.NewProcessor(repo, publisher, config, nil)

	msg := createTestMessage("billing.subscription.expired")
	require.NoError(t, repo.Save(ctx, msg))

	require.NoError(t, processor.ProcessOnce(ctx))

	assert.True(t, msg.IsDead())
	require.NotNil(t, msg.DeadLetterReason)
	assert.Equal(t, "broker unavailable", *msg.DeadLetterReason)
	assert.Equal(t, uint64(1), processor.GetStats().DeadCount)
}

func TestProcessor_StartStop(t *testing.T) {
	repo := outbox.NewInMemoryRepository()
	publisher := newMockPublisher()
	processor := outbox.NewProcessor(repo, publisher, outbox.ProcessorConfig{
		PollInterval:     5 * time.Millisecond,
		BatchSize:        10,
		MaxRetries:       3,
		RetryBackoffBase: time.Millisecond,
		RetryBackoffMax:  10 * time.Millisecond,
	}, nil)

	require.NoError(t, processor.Start(context.Background()))
	require.NoError(t, processor.Start(context.Background()))
	assert.True(t, processor.IsRunning())
	assert.True(t, processor.GetStats().IsRunning)

	require.NoError(t, repo.Save(context.Background(), createTestMessage("billing.subscription.activated")))
	assert.Eventually(t, func() bool { return publisher.PublishedCount() == 1 }, time.Second, 5*time.Millisecond)

	processor.Stop()
	processor.Stop()
	assert.False(t, processor.IsRunning())
}

func TestInMemoryRepository_DeleteOld(t *testing.T) {
	ctx := context.Background()
	repo := outbox.NewInMemoryRepository()

	old := createTestMessage("a")
	fresh := createTestMessage("b")
	require.NoError(t, repo.SaveBatch(ctx, []*outbox.Message{old, fresh}))
	require.NoError(t, repo.MarkPublished(ctx, old.ID))
	longAgo := time.Now().AddDate(0, 0, -10)
	old.PublishedAt = &longAgo

	removed, err := repo.DeleteOld(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Len(t, repo.Messages(), 1)
	assert.Len(t, repo.ByRoutingKey("b"), 1)
}

func TestEnvelope(t *testing.T) {
	msg := createTestMessage("billing.subscription.activated")
	msg.Metadata = json.RawMessage(`{"correlation_id":"req-1","user_id":"` + uuid.NewString() + `"}`)

	raw, err := outbox.Envelope(msg)
	require.NoError(t, err)

	var event eventbus.ConsumedEvent
	require.NoError(t, json.Unmarshal(raw, &event))
	assert.Equal(t, msg.EventID, event.EventID)
	assert.Equal(t, "billing.subscription.activated", event.RoutingKey)
	assert.Equal(t, "req-1", event.Metadata.CorrelationID)
	assert.JSONEq(t, string(msg.Payload), string(event.Payload))
}
