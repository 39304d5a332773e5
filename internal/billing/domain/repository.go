package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionRepository persists subscriptions. Save inserts new
// aggregates and otherwise performs a version-checked update, returning
// ErrConcurrentUpdate when another writer saved first.
type SubscriptionRepository interface {
	Save(ctx context.Context, subscription *Subscription) error
	FindByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	FindByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	FindByBillingRequestID(ctx context.Context, billingRequestID string) (*Subscription, error)
	FindByRemoteID(ctx context.Context, remoteID string) (*Subscription, error)
	ListActiveExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error)
	ListActiveExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]*Subscription, error)
	ListPendingStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error)
	ListPendingWithBillingRequest(ctx context.Context, startedBefore time.Time, limit int) ([]*Subscription, error)
}

// PaymentRepository persists PaymentHistory rows, upserting on the provider payment id.
type PaymentRepository interface {
	Save(ctx context.Context, payment *Payment) error
	FindByRemoteID(ctx context.Context, remoteID string) (*Payment, error)
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*Payment, error)
}

// ProfileRepository reads and writes the billing fields of the user profile mirror.
type ProfileRepository interface {
	Save(ctx context.Context, profile *Profile) error
	FindByUserID(ctx context.Context, userID uuid.UUID) (*Profile, error)
	FindByMandateID(ctx context.Context, mandateID string) (*Profile, error)
}
