package domain

import (
	"time"

	"github.com/google/uuid"
	sharedDomain "github.com/helyar/helyar/internal/shared/domain"
)

const aggregateType = "Subscription"

// Routing keys for subscription lifecycle events.
const (
	RoutingSetupStarted   = "billing.subscription.setup_started"
	RoutingSetupAbandoned = "billing.subscription.setup_abandoned"
	RoutingActivated      = "billing.subscription.activated"
	RoutingRenewed        = "billing.subscription.renewed"
	RoutingPaymentFailed  = "billing.subscription.payment_failed"
	RoutingDeactivated    = "billing.subscription.deactivated"
	RoutingCancelled      = "billing.subscription.cancelled"
	RoutingExpired        = "billing.subscription.expired"
	RoutingExpiryReminder = "billing.subscription.expiry_reminder"
	RoutingMandateRevoked = "billing.mandate.revoked"
)

// SubscriptionChanged is emitted for every lifecycle change. The routing key
// names the change; the payload is the state right after it.
type SubscriptionChanged struct {
	sharedDomain.BaseEvent
	SubscriptionID     uuid.UUID  `json:"subscription_id"`
	UserID             uuid.UUID  `json:"user_id"`
	Status             Status     `json:"status"`
	IsActive           bool       `json:"is_active"`
	RemoteID           string     `json:"remote_subscription_id,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	FailedPaymentCount int        `json:"failed_payment_count"`
}

func newSubscriptionEvent(s *Subscription, routingKey string, now time.Time) *SubscriptionChanged {
	return &SubscriptionChanged{
		BaseEvent:          sharedDomain.NewBaseEvent(s.ID(), aggregateType, routingKey, now),
		SubscriptionID:     s.ID(),
		UserID:             s.userID,
		Status:             s.status,
		IsActive:           s.active,
		RemoteID:           s.remoteID,
		ExpiresAt:          s.expiresAt,
		FailedPaymentCount: s.failedPayments,
	}
}

// ExpiryReminder asks the notification channel to tell a user their
// subscription ends soon.
type ExpiryReminder struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	Email          string    `json:"email,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	DaysLeft       int       `json:"days_left"`
}

// NewExpiryReminder creates an ExpiryReminder event.
func NewExpiryReminder(s *Subscription, email string, now time.Time) *ExpiryReminder {
	days, _ := s.DaysUntilExpiry(now)
	var expires time.Time
	if s.expiresAt != nil {
		expires = *s.expiresAt
	}
	return &ExpiryReminder{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingExpiryReminder, now),
		SubscriptionID: s.ID(),
		UserID:         s.userID,
		Email:          email,
		ExpiresAt:      expires,
		DaysLeft:       days,
	}
}

// MandateRevoked is emitted when a user's mandate is cancelled.
type MandateRevoked struct {
	sharedDomain.BaseEvent
	UserID    uuid.UUID `json:"user_id"`
	MandateID string    `json:"mandate_id"`
}

// NewMandateRevoked creates a MandateRevoked event keyed on the user.
func NewMandateRevoked(userID uuid.UUID, mandateID string, now time.Time) *MandateRevoked {
	return &MandateRevoked{
		BaseEvent: sharedDomain.NewBaseEvent(userID, "UserProfile", RoutingMandateRevoked, now),
		UserID:    userID,
		MandateID: mandateID,
	}
}
