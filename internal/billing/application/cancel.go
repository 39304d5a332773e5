package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	sharedApplication "github.com/helyar/helyar/internal/shared/application"
)

// CancelResult is returned after a successful cancellation.
type CancelResult struct {
	Status  string
	Message string
}

// CancelSubscriptionHandler cancels the provider subscription, then the
// local record and its profile mirror.
type CancelSubscriptionHandler struct {
	store   Store
	gateway PaymentGateway
	clock   sharedApplication.Clock
	logger  *slog.Logger
}

// NewCancelSubscriptionHandler creates a new CancelSubscriptionHandler.
func NewCancelSubscriptionHandler(store Store, gateway PaymentGateway, clock sharedApplication.Clock, logger *slog.Logger) *CancelSubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = sharedApplication.SystemClock
	}
	return &CancelSubscriptionHandler{store: store, gateway: gateway, clock: clock, logger: logger}
}

// Handle cancels the user's active subscription.
func (h *CancelSubscriptionHandler) Handle(ctx context.Context, userID uuid.UUID) (*CancelResult, error) {
	s, err := h.store.Subscriptions.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !s.IsActive() {
		return nil, domain.ErrNotActive
	}
	if !s.HasRemoteSubscription() {
		return nil, domain.ErrNoRemoteSubscription
	}

	logger := h.logger.With("user_id", userID, "subscription_id", s.ID(), "remote_subscription_id", s.RemoteID())
	if _, err := h.gateway.CancelSubscription(ctx, s.RemoteID(), map[string]string{"cancelled_by": userID.String()}); err != nil {
		logger.Error("provider cancellation failed", "error", err)
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}

	now := h.clock()
	if err := s.Cancel(now); err != nil {
		return nil, err
	}
	profile, err := h.store.profileFor(ctx, userID, logger)
	if err != nil {
		return nil, err
	}
	if err := h.store.saveInTx(ctx, s, profile, now); err != nil {
		return nil, err
	}

	logger.Info("subscription cancelled")
	return &CancelResult{
		Status:  string(domain.StatusCancelled),
		Message: "Subscription cancelled successfully. It will remain active until the end of the current period.",
	}, nil
}

// CancelMandateHandler cancels the user's mandate at the provider and
// unlinks it from the profile mirror.
type CancelMandateHandler struct {
	store   Store
	gateway PaymentGateway
	clock   sharedApplication.Clock
	logger  *slog.Logger
}

// NewCancelMandateHandler creates a new CancelMandateHandler.
func NewCancelMandateHandler(store Store, gateway PaymentGateway, clock sharedApplication.Clock, logger *slog.Logger) *CancelMandateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = sharedApplication.SystemClock
	}
	return &CancelMandateHandler{store: store, gateway: gateway, clock: clock, logger: logger}
}

// Handle cancels the mandate. The subscription record is left for the
// provider's follow-up webhooks to settle.
func (h *CancelMandateHandler) Handle(ctx context.Context, userID uuid.UUID) (*CancelResult, error) {
	profile, err := h.store.Profiles.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !profile.HasMandate() {
		return nil, domain.ErrNoMandate
	}

	mandateID := profile.MandateID
	logger := h.logger.With("user_id", userID, "mandate_id", mandateID)
	mandate, err := h.gateway.CancelMandate(ctx, mandateID)
	if err != nil {
		logger.Error("provider mandate cancellation failed", "error", err)
		return nil, fmt.Errorf("cancel mandate: %w", err)
	}

	profile.ClearMandate(h.clock())
	if err := h.store.Profiles.Save(ctx, profile); err != nil {
		return nil, err
	}

	logger.Info("mandate cancelled", "status", mandate.Status)
	return &CancelResult{Status: mandate.Status, Message: "Mandate cancelled successfully"}, nil
}
