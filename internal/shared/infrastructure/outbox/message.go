package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/shared/domain"
)

// Message is one row of the transactional outbox.
type Message struct {
	ID               int64
	EventID          uuid.UUID
	AggregateType    string
	AggregateID      uuid.UUID
	EventType        string
	RoutingKey       string
	Payload          json.RawMessage
	Metadata         json.RawMessage
	CreatedAt        time.Time
	PublishedAt      *time.Time
	NextRetryAt      *time.Time
	RetryCount       int
	LastError        *string
	DeadLetteredAt   *time.Time
	DeadLetterReason *string
}

// NewMessage creates an outbox message from a domain event.
func NewMessage(event domain.DomainEvent) (*Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return newMessage(event.EventID(), event.AggregateType(), event.AggregateID(), event.RoutingKey(), payload, event.Metadata(), event.OccurredAt())
}

// NewRawMessage wraps a payload that is not a domain event, such as a
// webhook event parked for replay.
func NewRawMessage(aggregateType string, aggregateID uuid.UUID, routingKey string, payload any, metadata domain.EventMetadata, at time.Time) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return newMessage(uuid.New(), aggregateType, aggregateID, routingKey, body, metadata, at)
}

func newMessage(eventID uuid.UUID, aggregateType string, aggregateID uuid.UUID, routingKey string, payload []byte, metadata domain.EventMetadata, at time.Time) (*Message, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = time.Now()
	}
	return &Message{
		EventID:       eventID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     routingKey,
		RoutingKey:    routingKey,
		Payload:       payload,
		Metadata:      meta,
		CreatedAt:     at.UTC(),
	}, nil
}

// IsPublished returns true if the message has been published.
func (m *Message) IsPublished() bool {
	return m.PublishedAt != nil
}

// IsDead returns true once the processor gave up on the message.
func (m *Message) IsDead() bool {
	return m.DeadLetteredAt != nil
}

// CanRetry returns true if the message can be retried.
func (m *Message) CanRetry(maxRetries int) bool {
	return m.RetryCount < maxRetries
}

// CorrelationID returns the correlation id stored in the message metadata.
func (m *Message) CorrelationID() string {
	var meta domain.EventMetadata
	if len(m.Metadata) == 0 || json.Unmarshal(m.Metadata, &meta) != nil {
		return ""
	}
	return meta.CorrelationID
}
