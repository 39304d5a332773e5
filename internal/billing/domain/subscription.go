package domain

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sharedDomain "github.com/helyar/helyar/internal/shared/domain"
)

const (
	// MaxFailedPayments is the number of failures that deactivates a subscription.
	MaxFailedPayments = 3
	// DefaultTerm is used when the provider reports no upcoming payment.
	DefaultTerm = 365 * 24 * time.Hour
)

// Flow holds the transient correlation fields of an in-progress setup.
// They are only populated while the subscription is pending.
type Flow struct {
	FlowID           string
	BillingRequestID string
	StateToken       string
	AuthorisationURL string
	StartedAt        *time.Time
}

// IsZero reports whether no setup is being tracked.
func (f Flow) IsZero() bool {
	return f.FlowID == "" && f.BillingRequestID == "" && f.StateToken == "" &&
		f.AuthorisationURL == "" && f.StartedAt == nil
}

// Subscription is the per-user billing record. Each mutating method checks
// the transition table and records a domain event.
type Subscription struct {
	sharedDomain.BaseAggregateRoot
	userID         uuid.UUID
	price          Price
	paymentID      string
	remoteID       string
	status         Status
	active         bool
	flow           Flow
	startedAt      *time.Time
	expiresAt      *time.Time
	cancelledAt    *time.Time
	lastPaymentAt  *time.Time
	failedPayments int
	remindedFor    *time.Time
}

// NewSubscription creates the inactive placeholder for a user's first setup.
func NewSubscription(userID uuid.UUID, price Price, now time.Time) (*Subscription, error) {
	if userID == uuid.Nil {
		return nil, errors.New("subscription requires a user")
	}
	if price.IsZero() {
		return nil, ErrInvalidPrice
	}
	paymentID, err := newPaymentID(userID, now)
	if err != nil {
		return nil, err
	}
	return &Subscription{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(now),
		userID:            userID,
		price:             price,
		paymentID:         paymentID,
		status:            StatusInactive,
	}, nil
}

// SubscriptionState is the persisted form of a Subscription.
type SubscriptionState struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	Price              Price
	PaymentID          string
	RemoteID           string
	Status             Status
	Active             bool
	Flow               Flow
	StartedAt          *time.Time
	ExpiresAt          *time.Time
	CancelledAt        *time.Time
	LastPaymentAt      *time.Time
	FailedPaymentCount int
	RemindedFor        *time.Time
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RehydrateSubscription rebuilds a subscription from storage without events.
func RehydrateSubscription(st SubscriptionState) *Subscription {
	return &Subscription{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(st.ID, st.CreatedAt, st.UpdatedAt, st.Version),
		userID:            st.UserID,
		price:             st.Price,
		paymentID:         st.PaymentID,
		remoteID:          st.RemoteID,
		status:            st.Status,
		active:            st.Active,
		flow:              st.Flow,
		startedAt:         st.StartedAt,
		expiresAt:         st.ExpiresAt,
		cancelledAt:       st.CancelledAt,
		lastPaymentAt:     st.LastPaymentAt,
		failedPayments:    st.FailedPaymentCount,
		remindedFor:       st.RemindedFor,
	}
}

// Snapshot exports the persisted form.
func (s *Subscription) Snapshot() SubscriptionState {
	return SubscriptionState{
		ID:                 s.ID(),
		UserID:             s.userID,
		Price:              s.price,
		PaymentID:          s.paymentID,
		RemoteID:           s.remoteID,
		Status:             s.status,
		Active:             s.active,
		Flow:               s.flow,
		StartedAt:          s.startedAt,
		ExpiresAt:          s.expiresAt,
		CancelledAt:        s.cancelledAt,
		LastPaymentAt:      s.lastPaymentAt,
		FailedPaymentCount: s.failedPayments,
		RemindedFor:        s.remindedFor,
		Version:            s.Version(),
		CreatedAt:          s.CreatedAt(),
		UpdatedAt:          s.UpdatedAt(),
	}
}

func (s *Subscription) UserID() uuid.UUID           { return s.userID }
func (s *Subscription) Price() Price                { return s.price }
func (s *Subscription) PaymentID() string           { return s.paymentID }
func (s *Subscription) RemoteID() string            { return s.remoteID }
func (s *Subscription) Status() Status              { return s.status }
func (s *Subscription) IsActive() bool              { return s.active }
func (s *Subscription) Flow() Flow                  { return s.flow }
func (s *Subscription) StartedAt() *time.Time       { return s.startedAt }
func (s *Subscription) ExpiresAt() *time.Time       { return s.expiresAt }
func (s *Subscription) CancelledAt() *time.Time     { return s.cancelledAt }
func (s *Subscription) LastPaymentAt() *time.Time   { return s.lastPaymentAt }
func (s *Subscription) FailedPaymentCount() int     { return s.failedPayments }
func (s *Subscription) RemindedFor() *time.Time     { return s.remindedFor }
func (s *Subscription) IsPending() bool             { return s.status == StatusPending }
func (s *Subscription) HasRemoteSubscription() bool { return s.remoteID != "" }

// IsValid reports whether the subscription currently grants access.
func (s *Subscription) IsValid(now time.Time) bool {
	return s.active && s.status == StatusActive && s.expiresAt != nil && s.expiresAt.After(now)
}

// HasActiveSubscription reports whether a user's subscription, possibly nil,
// grants access and is not mid-setup.
func HasActiveSubscription(s *Subscription, now time.Time) bool {
	return s != nil && s.IsValid(now) && !s.IsPending()
}

// DaysUntilExpiry returns whole days left, floored at zero. ok is false without an expiry.
func (s *Subscription) DaysUntilExpiry(now time.Time) (days int, ok bool) {
	if s.expiresAt == nil {
		return 0, false
	}
	d := int(s.expiresAt.Sub(now) / (24 * time.Hour))
	if d < 0 {
		d = 0
	}
	return d, true
}

// SetupAge is how long the current setup cycle has been running.
func (s *Subscription) SetupAge(now time.Time) (time.Duration, bool) {
	if s.status != StatusPending || s.flow.StartedAt == nil {
		return 0, false
	}
	return now.Sub(*s.flow.StartedAt), true
}

// HasLiveFlow reports whether a complete, unexpired setup is in flight, in
// which case a repeated initiation should return it instead of starting over.
func (s *Subscription) HasLiveFlow(now time.Time, timeout time.Duration) bool {
	age, ok := s.SetupAge(now)
	if !ok || age >= timeout {
		return false
	}
	f := s.flow
	return f.FlowID != "" && f.BillingRequestID != "" && f.AuthorisationURL != "" && f.StateToken != ""
}

// MatchesState checks a client-supplied anti-forgery token. An empty token is
// accepted; correlation is already bound to the stored billing request id.
func (s *Subscription) MatchesState(token string) bool {
	if token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.flow.StateToken)) == 1
}

// BeginSetup starts a fresh pending cycle with a new anti-forgery token.
func (s *Subscription) BeginSetup(stateToken string, now time.Time) error {
	if s.IsValid(now) {
		return ErrAlreadySubscribed
	}
	if err := s.moveTo(StatusPending, now); err != nil {
		return err
	}
	started := now.UTC()
	s.active = false
	s.flow = Flow{StateToken: stateToken, StartedAt: &started}
	s.AddDomainEvent(newSubscriptionEvent(s, RoutingSetupStarted, now))
	return nil
}

// AttachBillingRequest stores the provider billing request of the current cycle.
func (s *Subscription) AttachBillingRequest(billingRequestID string, now time.Time) error {
	if s.status != StatusPending {
		return ErrNotPending
	}
	s.flow.BillingRequestID = billingRequestID
	s.Touch(now)
	return nil
}

// AttachFlow stores the hosted flow of the current cycle.
func (s *Subscription) AttachFlow(flowID, authorisationURL string, now time.Time) error {
	if s.status != StatusPending {
		return ErrNotPending
	}
	s.flow.FlowID = flowID
	s.flow.AuthorisationURL = authorisationURL
	s.Touch(now)
	return nil
}

// Activate completes a setup cycle with the newly created provider subscription.
// It fails with ErrAlreadyActive when another writer got there first.
func (s *Subscription) Activate(remoteID string, expiresAt *time.Time, now time.Time) error {
	if remoteID == "" {
		return ErrNoRemoteSubscription
	}
	if s.status == StatusActive {
		return ErrAlreadyActive
	}
	if s.status != StatusPending {
		return &TransitionError{From: s.status, To: StatusActive}
	}
	if err := s.moveTo(StatusActive, now); err != nil {
		return err
	}
	started := now.UTC()
	s.remoteID = remoteID
	s.active = true
	s.startedAt = &started
	s.expiresAt = expiryOrDefault(expiresAt, now)
	s.failedPayments = 0
	s.remindedFor = nil
	s.flow = Flow{}
	s.AddDomainEvent(newSubscriptionEvent(s, RoutingActivated, now))
	return nil
}

// Renew applies a successful payment on the existing provider subscription.
// It is refused while a new setup is pending and after cancellation.
func (s *Subscription) Renew(expiresAt *time.Time, paidAt time.Time, now time.Time) error {
	if s.remoteID == "" {
		return ErrNoRemoteSubscription
	}
	if s.status == StatusPending {
		return &TransitionError{From: s.status, To: StatusActive}
	}
	if err := s.moveTo(StatusActive, now); err != nil {
		return err
	}
	paid := paidAt.UTC()
	next := expiryOrDefault(expiresAt, now)
	if s.expiresAt == nil || !s.expiresAt.Equal(*next) {
		s.remindedFor = nil
	}
	if s.startedAt == nil {
		started := now.UTC()
		s.startedAt = &started
	}
	s.active = true
	s.expiresAt = next
	s.lastPaymentAt = &paid
	s.failedPayments = 0
	s.AddDomainEvent(newSubscriptionEvent(s, RoutingRenewed, now))
	return nil
}

// RefreshExpiry adopts the provider's view of an active subscription
// without recording a payment. A subscription that hit the failed payment
// limit stays deactivated.
func (s *Subscription) RefreshExpiry(expiresAt *time.Time, now time.Time) error {
	if s.remoteID == "" {
		return ErrNoRemoteSubscription
	}
	if s.failedPayments >= MaxFailedPayments {
		return ErrMaxRetriesReached
	}
	if s.status == StatusPending {
		return &TransitionError{From: s.status, To: StatusActive}
	}
	wasActive := s.status == StatusActive && s.active
	if err := s.moveTo(StatusActive, now); err != nil {
		return err
	}
	next := expiryOrDefault(expiresAt, now)
	if s.expiresAt == nil || !s.expiresAt.Equal(*next) {
		s.remindedFor = nil
	}
	s.active = true
	s.expiresAt = next
	if !wasActive {
		s.AddDomainEvent(newSubscriptionEvent(s, RoutingRenewed, now))
	}
	return nil
}

// RecordFailedPayment counts a failed charge and deactivates on the third.
// Only active or already-deactivated subscriptions accept failures.
func (s *Subscription) RecordFailedPayment(now time.Time) (deactivated bool, err error) {
	if s.status != StatusActive && s.status != StatusInactive {
		return false, &TransitionError{From: s.status, To: StatusInactive}
	}
	if s.status == StatusInactive && s.remoteID == "" {
		return false, ErrNoRemoteSubscription
	}
	s.failedPayments++
	s.Touch(now)
	s.AddDomainEvent(newSubscriptionEvent(s, RoutingPaymentFailed, now))

	if s.failedPayments >= MaxFailedPayments && s.status == StatusActive {
		if err := s.moveTo(StatusInactive, now); err != nil {
			return false, err
		}
		s.active = false
		s.AddDomainEvent(newSubscriptionEvent(s, RoutingDeactivated, now))
		return true, nil
	}
	return false, nil
}

// Cancel ends the subscription locally. The provider id is kept for audit.
// Cancelling an already cancelled subscription is a no-op.
func (s *Subscription) Cancel(now time.Time) error {
	if s.status == StatusCancelled {
		return nil
	}
	if err := s.moveTo(StatusCancelled, now); err != nil {
		return err
	}
	at := now.UTC()
	s.active = false
	s.cancelledAt = &at
	s.AddDomainEvent(newSubscriptionEvent(s, RoutingCancelled, now))
	return nil
}

// Expire ends an active subscription whose term has run out, or one the
// provider reports as finished.
func (s *Subscription) Expire(now time.Time) error {
	if s.status == StatusExpired {
		return nil
	}
	if err := s.moveTo(StatusExpired, now); err != nil {
		return err
	}
	s.active = false
	s.AddDomainEvent(newSubscriptionEvent(s, RoutingExpired, now))
	return nil
}

// ApplyExpiry is the save-time check: an active record past its expiry
// becomes expired. It reports whether anything changed.
func (s *Subscription) ApplyExpiry(now time.Time) bool {
	if !s.active || s.expiresAt == nil || s.expiresAt.After(now) {
		return false
	}
	if s.status != StatusActive {
		s.active = false
		s.Touch(now)
		return true
	}
	return s.Expire(now) == nil
}

// AbandonSetup neutralises a pending cycle that never completed.
func (s *Subscription) AbandonSetup(now time.Time) error {
	if s.status != StatusPending {
		return ErrNotPending
	}
	if err := s.moveTo(StatusInactive, now); err != nil {
		return err
	}
	s.active = false
	s.flow = Flow{}
	s.AddDomainEvent(newSubscriptionEvent(s, RoutingSetupAbandoned, now))
	return nil
}

// NeedsReminder reports whether no reminder was sent for the current expiry.
func (s *Subscription) NeedsReminder() bool {
	if s.expiresAt == nil {
		return false
	}
	return s.remindedFor == nil || !s.remindedFor.Equal(*s.expiresAt)
}

// MarkReminded records that the reminder for the current expiry went out.
func (s *Subscription) MarkReminded(now time.Time) {
	if s.expiresAt == nil {
		return
	}
	at := *s.expiresAt
	s.remindedFor = &at
	s.Touch(now)
}

// CheckInvariants verifies the record is internally consistent.
func (s *Subscription) CheckInvariants(now time.Time) error {
	if s.active && s.status != StatusActive {
		return fmt.Errorf("active flag set with status %s", s.status)
	}
	if s.active && (s.expiresAt == nil || !s.expiresAt.After(now)) {
		return errors.New("active flag set without a future expiry")
	}
	if s.status != StatusPending && !s.flow.IsZero() {
		return fmt.Errorf("flow fields set with status %s", s.status)
	}
	if s.failedPayments >= MaxFailedPayments && s.active {
		return errors.New("active despite reaching the failed payment limit")
	}
	return nil
}

func (s *Subscription) moveTo(to Status, now time.Time) error {
	if !CanTransition(s.status, to) {
		return &TransitionError{From: s.status, To: to}
	}
	s.status = to
	s.Touch(now)
	return nil
}

func expiryOrDefault(expiresAt *time.Time, now time.Time) *time.Time {
	if expiresAt != nil && !expiresAt.IsZero() {
		t := expiresAt.UTC()
		return &t
	}
	t := now.Add(DefaultTerm).UTC()
	return &t
}

func newPaymentID(userID uuid.UUID, now time.Time) (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate payment id: %w", err)
	}
	return fmt.Sprintf("PAYID-%s-%s-%s", userID, now.UTC().Format("20060102150405"), hex.EncodeToString(b[:])), nil
}
