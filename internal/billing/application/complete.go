package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/helyar/helyar/internal/billing/domain"
)

// CompleteCommand carries the client's flow id and anti-forgery token.
type CompleteCommand struct {
	FlowID string
	State  string
}

// CompleteHandler finishes a hosted flow ahead of the webhook.
type CompleteHandler struct {
	store     Store
	gateway   PaymentGateway
	activator *Activator
	logger    *slog.Logger
}

// NewCompleteHandler creates a new CompleteHandler.
func NewCompleteHandler(store Store, gateway PaymentGateway, activator *Activator, logger *slog.Logger) *CompleteHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompleteHandler{store: store, gateway: gateway, activator: activator, logger: logger}
}

// Handle completes the flow, checks the billing request is fulfilled and
// runs the activation sequence. The subscription is located by the stored
// billing request id, never by caller identity.
func (h *CompleteHandler) Handle(ctx context.Context, cmd CompleteCommand) (*ActivationResult, error) {
	brID, err := h.gateway.CompleteFlow(ctx, cmd.FlowID)
	if err != nil {
		return nil, fmt.Errorf("complete flow: %w", err)
	}
	br, err := h.gateway.GetBillingRequest(ctx, brID)
	if err != nil {
		return nil, fmt.Errorf("get billing request: %w", err)
	}
	if !br.IsFulfilled() {
		h.logger.Warn("flow completed without fulfilment",
			"flow_id", cmd.FlowID,
			"billing_request_id", brID,
			"status", br.Status,
		)
		return nil, &NotFulfilledError{Status: br.Status}
	}

	s, err := h.store.Subscriptions.FindByBillingRequestID(ctx, brID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		// The webhook may have activated it already.
		return h.activator.alreadyActivated(ctx, br, err)
	}
	if err != nil {
		return nil, err
	}
	if !s.MatchesState(cmd.State) {
		h.logger.Warn("state token mismatch on flow completion",
			"flow_id", cmd.FlowID,
			"subscription_id", s.ID(),
		)
		return nil, domain.ErrStateMismatch
	}
	return h.activator.activate(ctx, s, br)
}
