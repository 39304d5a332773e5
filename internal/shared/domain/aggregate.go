package domain

import (
	"time"

	"github.com/google/uuid"
)

// AggregateRoot is the consistency boundary persisted by a repository.
type AggregateRoot interface {
	ID() uuid.UUID
	Version() int
	DomainEvents() []DomainEvent
	ClearDomainEvents()
}

// BaseAggregateRoot holds identity, timestamps, pending events and the
// optimistic-lock version. Version 0 means the aggregate was never stored.
type BaseAggregateRoot struct {
	id        uuid.UUID
	createdAt time.Time
	updatedAt time.Time
	version   int
	events    []DomainEvent
}

// NewBaseAggregateRoot creates an unsaved aggregate root.
func NewBaseAggregateRoot(now time.Time) BaseAggregateRoot {
	now = now.UTC()
	return BaseAggregateRoot{
		id:        uuid.New(),
		createdAt: now,
		updatedAt: now,
	}
}

// RehydrateBaseAggregateRoot rebuilds an aggregate root from storage.
func RehydrateBaseAggregateRoot(id uuid.UUID, createdAt, updatedAt time.Time, version int) BaseAggregateRoot {
	return BaseAggregateRoot{
		id:        id,
		createdAt: createdAt,
		updatedAt: updatedAt,
		version:   version,
	}
}

func (a *BaseAggregateRoot) ID() uuid.UUID        { return a.id }
func (a *BaseAggregateRoot) CreatedAt() time.Time { return a.createdAt }
func (a *BaseAggregateRoot) UpdatedAt() time.Time { return a.updatedAt }
func (a *BaseAggregateRoot) Version() int         { return a.version }

// IsNew reports whether the aggregate has never been persisted.
func (a *BaseAggregateRoot) IsNew() bool { return a.version == 0 }

// Touch records a mutation time.
func (a *BaseAggregateRoot) Touch(now time.Time) {
	a.updatedAt = now.UTC()
}

// MarkPersisted is called by repositories after a successful write.
func (a *BaseAggregateRoot) MarkPersisted(version int) {
	a.version = version
}

// DomainEvents returns events recorded since the last clear.
func (a *BaseAggregateRoot) DomainEvents() []DomainEvent {
	return a.events
}

// ClearDomainEvents drops recorded events once they are in the outbox.
func (a *BaseAggregateRoot) ClearDomainEvents() {
	a.events = nil
}

// AddDomainEvent records an event.
func (a *BaseAggregateRoot) AddDomainEvent(event DomainEvent) {
	a.events = append(a.events, event)
}
