package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/application"
	"github.com/helyar/helyar/internal/billing/domain"
)

// Use case ports consumed by SubscriptionHandler.
type (
	Initiator interface {
		Handle(ctx context.Context, cmd application.InitiateCommand) (*application.InitiateResult, error)
	}
	Completer interface {
		Handle(ctx context.Context, cmd application.CompleteCommand) (*application.ActivationResult, error)
	}
	StatusReader interface {
		Handle(ctx context.Context, userID uuid.UUID) (*application.SetupStatus, error)
	}
	Canceller interface {
		Handle(ctx context.Context, userID uuid.UUID) (*application.CancelResult, error)
	}
)

// SubscriptionHandler serves the mandate and subscription endpoints.
type SubscriptionHandler struct {
	initiate           Initiator
	complete           Completer
	status             StatusReader
	cancelSubscription Canceller
	cancelMandate      Canceller
	logger             *slog.Logger
}

// SubscriptionHandlerConfig holds dependencies for the subscription handler.
type SubscriptionHandlerConfig struct {
	Initiate           Initiator
	Complete           Completer
	Status             StatusReader
	CancelSubscription Canceller
	CancelMandate      Canceller
	Logger             *slog.Logger
}

// NewSubscriptionHandler creates a new subscription handler.
func NewSubscriptionHandler(cfg SubscriptionHandlerConfig) *SubscriptionHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SubscriptionHandler{
		initiate:           cfg.Initiate,
		complete:           cfg.Complete,
		status:             cfg.Status,
		cancelSubscription: cfg.CancelSubscription,
		cancelMandate:      cfg.CancelMandate,
		logger:             cfg.Logger,
	}
}

// CreateMandateResponse opens the hosted payment flow.
type CreateMandateResponse struct {
	Status           string `json:"status"`
	BillingRequestID string `json:"billing_request_id"`
	AuthorisationURL string `json:"authorisation_url"`
	State            string `json:"state"`
	Resumed          bool   `json:"resumed,omitempty"`
}

// CreateMandate handles POST /api/subscriptions/create-mandate/
func (h *SubscriptionHandler) CreateMandate(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthenticated.Error())
		return
	}

	result, err := h.initiate.Handle(r.Context(), application.InitiateCommand{UserID: userID})
	if err != nil {
		h.fail(w, r, "create mandate", err)
		return
	}
	writeJSON(w, http.StatusOK, CreateMandateResponse{
		Status:           "started",
		BillingRequestID: result.BillingRequestID,
		AuthorisationURL: result.AuthorisationURL,
		State:            result.State,
		Resumed:          result.Resumed,
	})
}

// CompleteMandateRequest is posted by the client after the hosted flow.
type CompleteMandateRequest struct {
	FlowID string `json:"flow_id" validate:"required,max=64"`
	State  string `json:"state" validate:"omitempty,max=128"`
}

// ActivationResponse describes an activated subscription.
type ActivationResponse struct {
	Status         string     `json:"status"`
	MandateID      string     `json:"mandate_id"`
	CustomerID     string     `json:"customer_id"`
	PaymentID      string     `json:"payment_id"`
	SubscriptionID string     `json:"subscription_id"`
	NextChargeDate *time.Time `json:"next_charge_date"`
	ExpiresAt      *time.Time `json:"expires_at"`
	Message        string     `json:"message"`
}

// CompleteMandate handles POST /api/subscriptions/complete-mandate/
func (h *SubscriptionHandler) CompleteMandate(w http.ResponseWriter, r *http.Request) {
	var req CompleteMandateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.complete.Handle(r.Context(), application.CompleteCommand{FlowID: req.FlowID, State: req.State})
	if err != nil {
		h.fail(w, r, "complete mandate", err)
		return
	}

	msg := "Direct debit setup and subscription activated successfully!"
	if result.AlreadyActive {
		msg = "Subscription is already active."
	}
	writeJSON(w, http.StatusOK, ActivationResponse{
		Status:         "completed",
		MandateID:      result.MandateID,
		CustomerID:     result.CustomerID,
		PaymentID:      result.PaymentID,
		SubscriptionID: result.RemoteSubscriptionID,
		NextChargeDate: result.NextChargeDate,
		ExpiresAt:      result.ExpiresAt,
		Message:        msg,
	})
}

// StatusResponse is the polling view.
type StatusResponse struct {
	Status         string     `json:"status"`
	Message        string     `json:"message"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	MandateID      string     `json:"mandate_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// MandateStatus handles GET /api/subscriptions/mandate-status/
func (h *SubscriptionHandler) MandateStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthenticated.Error())
		return
	}

	view, err := h.status.Handle(r.Context(), userID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		writeJSON(w, http.StatusNotFound, StatusResponse{
			Status:  "not_found",
			Message: "No subscription found. Please start the subscription process.",
		})
		return
	}
	if err != nil {
		h.fail(w, r, "mandate status", err)
		return
	}

	code := http.StatusOK
	if view.TimedOut() {
		code = http.StatusRequestTimeout
	}
	writeJSON(w, code, StatusResponse{
		Status:         view.Status,
		Message:        view.Message,
		SubscriptionID: view.RemoteSubscriptionID,
		MandateID:      view.MandateID,
		ExpiresAt:      view.ExpiresAt,
	})
}

// CancelResponse acknowledges a cancellation.
type CancelResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CancelSubscription handles POST /api/subscriptions/cancel-subscription/
func (h *SubscriptionHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, "cancel subscription", h.cancelSubscription)
}

// CancelMandate handles POST /api/subscriptions/cancel-mandate/
func (h *SubscriptionHandler) CancelMandate(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, "cancel mandate", h.cancelMandate)
}

func (h *SubscriptionHandler) cancel(w http.ResponseWriter, r *http.Request, op string, uc Canceller) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errUnauthenticated.Error())
		return
	}
	result, err := uc.Handle(r.Context(), userID)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Status: result.Status, Message: result.Message})
}

func (h *SubscriptionHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), op+" failed", "error", err)
	} else {
		h.logger.WarnContext(r.Context(), op+" rejected", "status", status, "error", err)
	}
	writeError(w, status, msg)
}
