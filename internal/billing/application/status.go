package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sharedApplication "github.com/helyar/helyar/internal/shared/application"
)

// Setup states reported to a polling client besides the raw status.
const (
	SetupCompleted  = "completed"
	SetupProcessing = "processing"
	SetupTimeout    = "timeout"
)

// SetupStatus is the polling view of a user's subscription.
type SetupStatus struct {
	Status               string
	Message              string
	RemoteSubscriptionID string
	MandateID            string
	ExpiresAt            *time.Time
}

// TimedOut reports whether the pending setup ran past the client timeout.
func (s *SetupStatus) TimedOut() bool { return s.Status == SetupTimeout }

// StatusQuery answers setup polling from the stored record. It never calls
// the provider.
type StatusQuery struct {
	store    Store
	settings Settings
	clock    sharedApplication.Clock
	logger   *slog.Logger
}

// NewStatusQuery creates a new StatusQuery.
func NewStatusQuery(store Store, settings Settings, clock sharedApplication.Clock, logger *slog.Logger) *StatusQuery {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = sharedApplication.SystemClock
	}
	return &StatusQuery{store: store, settings: settings, clock: clock, logger: logger}
}

// Handle returns domain.ErrSubscriptionNotFound when no setup ever started.
func (q *StatusQuery) Handle(ctx context.Context, userID uuid.UUID) (*SetupStatus, error) {
	s, err := q.store.Subscriptions.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := q.clock()

	switch {
	case s.IsValid(now) && s.HasRemoteSubscription():
		view := &SetupStatus{
			Status:               SetupCompleted,
			Message:              "Subscription is active!",
			RemoteSubscriptionID: s.RemoteID(),
			ExpiresAt:            s.ExpiresAt(),
		}
		if profile, err := q.store.Profiles.FindByUserID(ctx, userID); err == nil {
			view.MandateID = profile.MandateID
		}
		return view, nil

	case s.IsPending():
		if age, ok := s.SetupAge(now); ok && age > q.settings.SetupTimeout {
			q.logger.Warn("subscription setup timed out", "user_id", userID, "setup_age", age)
			return &SetupStatus{Status: SetupTimeout, Message: "Setup timed out. Please try again."}, nil
		}
		return &SetupStatus{Status: SetupProcessing, Message: "Setting up your subscription... Please wait."}, nil
	}

	q.logger.Info("subscription in non-setup state", "user_id", userID, "status", s.Status())
	return &SetupStatus{
		Status:    string(s.Status()),
		Message:   fmt.Sprintf("Subscription status: %s", s.Status()),
		ExpiresAt: s.ExpiresAt(),
	}, nil
}
