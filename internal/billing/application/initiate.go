package application

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	sharedApplication "github.com/helyar/helyar/internal/shared/application"
)

// InitiateCommand starts a mandate setup for the authenticated user.
type InitiateCommand struct {
	UserID uuid.UUID
}

// InitiateResult is returned to the client to open the hosted flow.
type InitiateResult struct {
	SubscriptionID   uuid.UUID
	BillingRequestID string
	AuthorisationURL string
	State            string
	// Resumed is true when an in-flight setup was returned unchanged.
	Resumed bool
}

// InitiateHandler creates the billing request and hosted flow of a setup.
type InitiateHandler struct {
	store    Store
	gateway  PaymentGateway
	settings Settings
	clock    sharedApplication.Clock
	logger   *slog.Logger
}

// NewInitiateHandler creates a new InitiateHandler.
func NewInitiateHandler(store Store, gateway PaymentGateway, settings Settings, clock sharedApplication.Clock, logger *slog.Logger) *InitiateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = sharedApplication.SystemClock
	}
	return &InitiateHandler{store: store, gateway: gateway, settings: settings, clock: clock, logger: logger}
}

// Handle runs the setup. Preconditions are checked before any provider call;
// the pending record is persisted before each call so a retry can resume.
func (h *InitiateHandler) Handle(ctx context.Context, cmd InitiateCommand) (*InitiateResult, error) {
	now := h.clock()

	profile, err := h.store.Profiles.FindByUserID(ctx, cmd.UserID)
	if err != nil {
		return nil, err
	}
	if profile.HasMandate() {
		return nil, domain.ErrMandateExists
	}

	s, err := h.store.Subscriptions.FindByUserID(ctx, cmd.UserID)
	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		if s, err = domain.NewSubscription(cmd.UserID, h.settings.Price, now); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if s.IsValid(now) {
		return nil, domain.ErrAlreadySubscribed
	}
	if s.HasLiveFlow(now, h.settings.SetupTimeout) {
		flow := s.Flow()
		h.logger.Info("returning in-flight setup",
			"user_id", cmd.UserID,
			"billing_request_id", flow.BillingRequestID,
		)
		return &InitiateResult{
			SubscriptionID:   s.ID(),
			BillingRequestID: flow.BillingRequestID,
			AuthorisationURL: flow.AuthorisationURL,
			State:            flow.StateToken,
			Resumed:          true,
		}, nil
	}

	token, err := newStateToken()
	if err != nil {
		return nil, err
	}
	s.ApplyExpiry(now)
	if err := s.BeginSetup(token, now); err != nil {
		return nil, err
	}
	if err := h.store.saveInTx(ctx, s, profile, now); err != nil {
		return nil, err
	}

	br, err := h.gateway.CreateBillingRequest(ctx, BillingRequestInput{
		Amount:      s.Price(),
		Description: SetupPaymentText,
		Scheme:      h.scheme(),
		Metadata: map[string]string{
			"user_id":         cmd.UserID.String(),
			"subscription_id": s.ID().String(),
		},
		MandateMetadata: map[string]string{
			"user_id": cmd.UserID.String(),
			"plan":    MandatePlanMetadata,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create billing request: %w", err)
	}
	if err := s.AttachBillingRequest(br.ID, now); err != nil {
		return nil, err
	}
	if err := h.store.saveInTx(ctx, s, nil, now); err != nil {
		return nil, err
	}

	flow, err := h.gateway.CreateBillingRequestFlow(ctx, FlowInput{
		BillingRequestID: br.ID,
		RedirectURI:      h.settings.RedirectURI,
		ExitURI:          h.settings.ExitURI,
		Customer: PrefilledCustomer{
			Email:      profile.Email,
			GivenName:  profile.GivenName,
			FamilyName: profile.FamilyName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create billing request flow: %w", err)
	}
	if err := s.AttachFlow(flow.ID, flow.AuthorisationURL, now); err != nil {
		return nil, err
	}
	if err := h.store.saveInTx(ctx, s, nil, now); err != nil {
		return nil, err
	}

	h.logger.Info("mandate setup started",
		"user_id", cmd.UserID,
		"subscription_id", s.ID(),
		"billing_request_id", br.ID,
		"flow_id", flow.ID,
	)
	return &InitiateResult{
		SubscriptionID:   s.ID(),
		BillingRequestID: br.ID,
		AuthorisationURL: flow.AuthorisationURL,
		State:            token,
	}, nil
}

func (h *InitiateHandler) scheme() string {
	if h.settings.MandateScheme == "" {
		return DefaultMandateScheme
	}
	return h.settings.MandateScheme
}

func newStateToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
