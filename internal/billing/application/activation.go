package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	sharedApplication "github.com/helyar/helyar/internal/shared/application"
	"github.com/helyar/helyar/pkg/observability"
)

// ActivationResult describes a completed activation.
type ActivationResult struct {
	SubscriptionID       uuid.UUID
	UserID               uuid.UUID
	MandateID            string
	CustomerID           string
	PaymentID            string
	RemoteSubscriptionID string
	NextChargeDate       *time.Time
	ExpiresAt            *time.Time
	// AlreadyActive is true when another writer activated first.
	AlreadyActive bool
}

// Activator turns a fulfilled billing request into an active subscription.
// Flow completion, the webhook processor and the resume job share it.
type Activator struct {
	store   Store
	gateway PaymentGateway
	clock   sharedApplication.Clock
	logger  *slog.Logger
	metrics observability.Metrics
}

// NewActivator creates a new Activator.
func NewActivator(store Store, gateway PaymentGateway, clock sharedApplication.Clock, logger *slog.Logger, metrics observability.Metrics) *Activator {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = sharedApplication.SystemClock
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Activator{store: store, gateway: gateway, clock: clock, logger: logger, metrics: metrics}
}

// ActivateBillingRequest locates the pending subscription by billing request
// id. Once activation cleared the flow fields, the request is matched through
// the mandate it produced instead.
func (a *Activator) ActivateBillingRequest(ctx context.Context, br *BillingRequest) (*ActivationResult, error) {
	s, err := a.store.Subscriptions.FindByBillingRequestID(ctx, br.ID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return a.alreadyActivated(ctx, br, err)
	}
	if err != nil {
		return nil, err
	}
	return a.activate(ctx, s, br)
}

func (a *Activator) alreadyActivated(ctx context.Context, br *BillingRequest, notFound error) (*ActivationResult, error) {
	if br.MandateID == "" || !br.IsFulfilled() {
		return nil, notFound
	}
	profile, err := a.store.Profiles.FindByMandateID(ctx, br.MandateID)
	if errors.Is(err, domain.ErrProfileNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	s, err := a.store.Subscriptions.FindByUserID(ctx, profile.UserID)
	if err != nil {
		return nil, err
	}
	if s.Status() != domain.StatusActive {
		return nil, notFound
	}
	return a.existing(s, br)
}

// activate persists the mandate first, then creates the provider
// subscription with an idempotency key derived from the billing request,
// then flips the record to active under its version check.
func (a *Activator) activate(ctx context.Context, s *domain.Subscription, br *BillingRequest) (*ActivationResult, error) {
	if !br.IsFulfilled() {
		return nil, &NotFulfilledError{Status: br.Status}
	}
	if !s.IsPending() {
		return a.existing(s, br)
	}
	if br.MandateID == "" {
		return nil, fmt.Errorf("billing request %s: %w", br.ID, domain.ErrNoMandate)
	}
	now := a.clock()
	logger := a.logger.With("subscription_id", s.ID(), "billing_request_id", br.ID)

	profile, err := a.store.Profiles.FindByUserID(ctx, s.UserID())
	switch {
	case errors.Is(err, domain.ErrProfileNotFound):
		profile = &domain.Profile{UserID: s.UserID()}
	case err != nil:
		return nil, err
	}
	// Committed on its own, ahead of the provider call: a failed subscription
	// creation must still leave the mandate for the resume job to pick up.
	profile.LinkMandate(br.MandateID, br.CustomerID, now)
	if err := a.store.Profiles.Save(ctx, profile); err != nil {
		return nil, fmt.Errorf("store mandate: %w", err)
	}

	remote, err := a.gateway.CreateSubscription(ctx, SubscriptionInput{
		MandateID:      br.MandateID,
		Amount:         s.Price(),
		IntervalUnit:   IntervalYearly,
		Name:           SubscriptionName,
		IdempotencyKey: activationKeyPrefix + br.ID,
		Metadata:       map[string]string{"user_id": s.UserID().String()},
	})
	if err != nil {
		a.metrics.Counter("billing_activations_total", 1, observability.T("outcome", "provider_error"))
		logger.Error("provider subscription creation failed", "error", err)
		return nil, fmt.Errorf("create provider subscription: %w", err)
	}

	next := remote.NextChargeDate()
	err = sharedApplication.WithUnitOfWork(ctx, a.store.UnitOfWork, func(txCtx context.Context) error {
		if err := s.Activate(remote.ID, next, now); err != nil {
			return err
		}
		if br.PaymentID != "" {
			setup := domain.NewPayment(s.ID(), s.PaymentID(), br.PaymentID, s.Price(), domain.PaymentPending, now)
			setup.SetMetadata("billing_request_id", br.ID)
			if err := a.store.Payments.Save(txCtx, setup); err != nil {
				return err
			}
		}
		return a.store.persist(txCtx, s, profile, now)
	})
	if errors.Is(err, domain.ErrConcurrentUpdate) {
		logger.Info("activation lost the race, re-reading")
		fresh, ferr := a.store.Subscriptions.FindByID(ctx, s.ID())
		if ferr != nil {
			return nil, ferr
		}
		return a.existing(fresh, br)
	}
	if err != nil {
		return nil, err
	}

	a.metrics.Counter("billing_activations_total", 1, observability.T("outcome", "activated"))
	logger.Info("subscription activated",
		"user_id", s.UserID(),
		"remote_subscription_id", remote.ID,
		"expires_at", s.ExpiresAt(),
	)
	return &ActivationResult{
		SubscriptionID:       s.ID(),
		UserID:               s.UserID(),
		MandateID:            br.MandateID,
		CustomerID:           br.CustomerID,
		PaymentID:            br.PaymentID,
		RemoteSubscriptionID: remote.ID,
		NextChargeDate:       next,
		ExpiresAt:            s.ExpiresAt(),
	}, nil
}

// existing reports a subscription some other writer already activated.
func (a *Activator) existing(s *domain.Subscription, br *BillingRequest) (*ActivationResult, error) {
	if s.Status() != domain.StatusActive {
		return nil, fmt.Errorf("subscription %s is %s: %w", s.ID(), s.Status(), domain.ErrNotPending)
	}
	a.metrics.Counter("billing_activations_total", 1, observability.T("outcome", "already_active"))
	return &ActivationResult{
		SubscriptionID:       s.ID(),
		UserID:               s.UserID(),
		MandateID:            br.MandateID,
		CustomerID:           br.CustomerID,
		PaymentID:            br.PaymentID,
		RemoteSubscriptionID: s.RemoteID(),
		ExpiresAt:            s.ExpiresAt(),
		AlreadyActive:        true,
	}, nil
}

// NotFulfilledError rejects a completion whose billing request is not fulfilled.
type NotFulfilledError struct {
	Status string
}

func (e *NotFulfilledError) Error() string {
	return "billing request not fulfilled: " + e.Status
}
