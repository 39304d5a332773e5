package application

import (
	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/shared/domain"
)

type metadataSetter interface {
	SetMetadata(metadata domain.EventMetadata)
}

// NewEventMetadata builds metadata for events raised while handling one
// request or job run. An empty correlation id gets a fresh one.
func NewEventMetadata(correlationID string, userID uuid.UUID) domain.EventMetadata {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return domain.EventMetadata{
		CorrelationID: correlationID,
		CausationID:   uuid.NewString(),
		UserID:        userID,
	}
}

// ApplyEventMetadata sets metadata on every event that accepts it.
func ApplyEventMetadata(events []domain.DomainEvent, metadata domain.EventMetadata) {
	for _, event := range events {
		if setter, ok := event.(metadataSetter); ok {
			setter.SetMetadata(metadata)
		}
	}
}
