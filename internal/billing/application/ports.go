package application

import (
	"context"
	"errors"
	"time"

	"github.com/helyar/helyar/internal/billing/domain"
)

var (
	// ErrInvalidSignature is returned by a WebhookParser when the payload
	// signature does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedWebhook is returned for a correctly signed body that does
	// not decode.
	ErrMalformedWebhook = errors.New("malformed webhook payload")
)

// Billing request statuses reported by the provider.
const (
	BillingRequestFulfilled = "fulfilled"
)

// BillingRequestInput describes the setup payment and mandate request.
type BillingRequestInput struct {
	Amount          domain.Price
	Description     string
	Scheme          string
	Metadata        map[string]string
	MandateMetadata map[string]string
}

// BillingRequest is the provider's view of a billing request.
type BillingRequest struct {
	ID         string
	Status     string
	MandateID  string
	CustomerID string
	PaymentID  string
}

// IsFulfilled reports whether the payer completed the request.
func (b *BillingRequest) IsFulfilled() bool { return b.Status == BillingRequestFulfilled }

// PrefilledCustomer pre-populates the hosted flow.
type PrefilledCustomer struct {
	Email      string
	GivenName  string
	FamilyName string
}

// FlowInput wraps a billing request in a hosted flow.
type FlowInput struct {
	BillingRequestID string
	RedirectURI      string
	ExitURI          string
	Customer         PrefilledCustomer
}

// BillingRequestFlow is a created hosted flow.
type BillingRequestFlow struct {
	ID               string
	AuthorisationURL string
}

// SubscriptionInput creates a recurring provider subscription.
type SubscriptionInput struct {
	MandateID      string
	Amount         domain.Price
	IntervalUnit   string
	Name           string
	IdempotencyKey string
	Metadata       map[string]string
}

// UpcomingPayment is one scheduled charge of a provider subscription.
type UpcomingPayment struct {
	ChargeDate  time.Time
	AmountMinor int64
}

// RemoteSubscription is the provider's view of a subscription.
type RemoteSubscription struct {
	ID               string
	Status           string
	UpcomingPayments []UpcomingPayment
}

// NextChargeDate returns the first upcoming charge date, if any.
func (r *RemoteSubscription) NextChargeDate() *time.Time {
	if r == nil || len(r.UpcomingPayments) == 0 || r.UpcomingPayments[0].ChargeDate.IsZero() {
		return nil
	}
	d := r.UpcomingPayments[0].ChargeDate
	return &d
}

// Mandate is the provider's view of a mandate.
type Mandate struct {
	ID     string
	Status string
}

// PaymentInput creates a one-off payment against a mandate.
type PaymentInput struct {
	MandateID      string
	Amount         domain.Price
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// RemotePayment is the provider's view of a payment.
type RemotePayment struct {
	ID             string
	Status         string
	AmountMinor    int64
	Currency       string
	ChargeDate     *time.Time
	SubscriptionID string
	MandateID      string
}

// PaymentGateway is the payment provider capability the billing core needs.
type PaymentGateway interface {
	CreateBillingRequest(ctx context.Context, in BillingRequestInput) (*BillingRequest, error)
	CreateBillingRequestFlow(ctx context.Context, in FlowInput) (*BillingRequestFlow, error)
	// CompleteFlow finishes a hosted flow and returns its billing request id.
	CompleteFlow(ctx context.Context, flowID string) (string, error)
	GetBillingRequest(ctx context.Context, id string) (*BillingRequest, error)
	CreateSubscription(ctx context.Context, in SubscriptionInput) (*RemoteSubscription, error)
	GetSubscription(ctx context.Context, id string) (*RemoteSubscription, error)
	CancelSubscription(ctx context.Context, id string, metadata map[string]string) (*RemoteSubscription, error)
	CancelMandate(ctx context.Context, id string) (*Mandate, error)
	CreatePayment(ctx context.Context, in PaymentInput) (*RemotePayment, error)
	GetPayment(ctx context.Context, id string) (*RemotePayment, error)
}

// WebhookLinks are the resource ids an event refers to.
type WebhookLinks struct {
	BillingRequest string `json:"billing_request,omitempty"`
	Mandate        string `json:"mandate,omitempty"`
	Payment        string `json:"payment,omitempty"`
	Subscription   string `json:"subscription,omitempty"`
	Customer       string `json:"customer,omitempty"`
}

// WebhookDetails explains why the provider emitted an event.
type WebhookDetails struct {
	Origin      string `json:"origin,omitempty"`
	Cause       string `json:"cause,omitempty"`
	Description string `json:"description,omitempty"`
}

// WebhookEvent is one verified provider event.
type WebhookEvent struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	ResourceType string         `json:"resource_type"`
	Action       string         `json:"action"`
	Links        WebhookLinks   `json:"links"`
	Details      WebhookDetails `json:"details,omitempty"`
}

// WebhookParser verifies a delivery and decodes its events in order.
type WebhookParser interface {
	Parse(body []byte, signature string) ([]WebhookEvent, error)
}

// EventDeduplicator records processed webhook event ids. Claim reports
// false when the event was seen before.
type EventDeduplicator interface {
	Claim(ctx context.Context, eventID, resourceType, action string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// EventPurger drops dedup records older than cutoff.
type EventPurger interface {
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Notifier dispatches an expiry reminder. It runs inside the transaction
// that marks the subscription as reminded.
type Notifier interface {
	SendExpiryReminder(ctx context.Context, reminder *domain.ExpiryReminder) error
}
