package domain

import (
	"time"

	"github.com/google/uuid"
)

// Profile is the local mirror of the user profile owned by the surrounding
// system. Billing only reads contact details and writes the mandate,
// customer and subscription flag.
type Profile struct {
	UserID             uuid.UUID
	Email              string
	GivenName          string
	FamilyName         string
	MandateID          string
	CustomerID         string
	SubscriptionStatus bool
	UpdatedAt          time.Time
}

// HasMandate reports whether a mandate is recorded for the user.
func (p *Profile) HasMandate() bool { return p.MandateID != "" }

// LinkMandate stores the provider mandate and customer after a fulfilled flow.
func (p *Profile) LinkMandate(mandateID, customerID string, now time.Time) {
	if mandateID != "" {
		p.MandateID = mandateID
	}
	if customerID != "" {
		p.CustomerID = customerID
	}
	p.UpdatedAt = now.UTC()
}

// ClearMandate drops the mandate and customer references.
func (p *Profile) ClearMandate(now time.Time) {
	p.MandateID = ""
	p.CustomerID = ""
	p.UpdatedAt = now.UTC()
}

// MirrorSubscription copies the access flag of a subscription.
func (p *Profile) MirrorSubscription(s *Subscription, now time.Time) bool {
	want := HasActiveSubscription(s, now)
	if p.SubscriptionStatus == want {
		return false
	}
	p.SubscriptionStatus = want
	p.UpdatedAt = now.UTC()
	return true
}
