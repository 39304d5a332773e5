// Package persistence stores billing aggregates in PostgreSQL or SQLite.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
)

const subscriptionColumns = `id, user_id, price_minor, currency, payment_id, remote_subscription_id,
	status, is_active, flow_id, billing_request_id, state_token, authorisation_url,
	setup_started_at, started_at, expires_at, cancelled_at, last_payment_at,
	failed_payment_count, reminded_for, version, created_at, updated_at`

const paymentColumns = `id, subscription_id, payment_id, remote_payment_id, amount_minor, currency,
	status, charge_date, metadata, created_at, updated_at`

const profileColumns = `user_id, email, given_name, family_name, mandate_id, customer_id,
	subscription_status, updated_at`

// subscriptionRecord is the driver-neutral row shape.
type subscriptionRecord struct {
	id               uuid.UUID
	userID           uuid.UUID
	priceMinor       int64
	currency         string
	paymentID        string
	remoteID         *string
	status           string
	active           bool
	flowID           *string
	billingRequestID *string
	stateToken       *string
	authorisationURL *string
	setupStartedAt   *time.Time
	startedAt        *time.Time
	expiresAt        *time.Time
	cancelledAt      *time.Time
	lastPaymentAt    *time.Time
	failedCount      int
	remindedFor      *time.Time
	version          int
	createdAt        time.Time
	updatedAt        time.Time
}

func newSubscriptionRecord(s *domain.Subscription) subscriptionRecord {
	st := s.Snapshot()
	return subscriptionRecord{
		id:               st.ID,
		userID:           st.UserID,
		priceMinor:       st.Price.MinorUnits(),
		currency:         st.Price.Currency(),
		paymentID:        st.PaymentID,
		remoteID:         optional(st.RemoteID),
		status:           st.Status.String(),
		active:           st.Active,
		flowID:           optional(st.Flow.FlowID),
		billingRequestID: optional(st.Flow.BillingRequestID),
		stateToken:       optional(st.Flow.StateToken),
		authorisationURL: optional(st.Flow.AuthorisationURL),
		setupStartedAt:   st.Flow.StartedAt,
		startedAt:        st.StartedAt,
		expiresAt:        st.ExpiresAt,
		cancelledAt:      st.CancelledAt,
		lastPaymentAt:    st.LastPaymentAt,
		failedCount:      st.FailedPaymentCount,
		remindedFor:      st.RemindedFor,
		version:          st.Version,
		createdAt:        st.CreatedAt,
		updatedAt:        st.UpdatedAt,
	}
}

func (r subscriptionRecord) toDomain() (*domain.Subscription, error) {
	status, err := domain.ParseStatus(r.status)
	if err != nil {
		return nil, err
	}
	price, err := domain.PriceFromMinorUnits(r.priceMinor, r.currency)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", r.id, err)
	}
	return domain.RehydrateSubscription(domain.SubscriptionState{
		ID:        r.id,
		UserID:    r.userID,
		Price:     price,
		PaymentID: r.paymentID,
		RemoteID:  deref(r.remoteID),
		Status:    status,
		Active:    r.active,
		Flow: domain.Flow{
			FlowID:           deref(r.flowID),
			BillingRequestID: deref(r.billingRequestID),
			StateToken:       deref(r.stateToken),
			AuthorisationURL: deref(r.authorisationURL),
			StartedAt:        utc(r.setupStartedAt),
		},
		StartedAt:          utc(r.startedAt),
		ExpiresAt:          utc(r.expiresAt),
		CancelledAt:        utc(r.cancelledAt),
		LastPaymentAt:      utc(r.lastPaymentAt),
		FailedPaymentCount: r.failedCount,
		RemindedFor:        utc(r.remindedFor),
		Version:            r.version,
		CreatedAt:          r.createdAt.UTC(),
		UpdatedAt:          r.updatedAt.UTC(),
	}), nil
}

type paymentRecord struct {
	id             uuid.UUID
	subscriptionID uuid.UUID
	paymentID      string
	remoteID       string
	amountMinor    int64
	currency       string
	status         string
	chargeDate     *time.Time
	metadata       []byte
	createdAt      time.Time
	updatedAt      time.Time
}

func newPaymentRecord(p *domain.Payment) (paymentRecord, error) {
	md, err := json.Marshal(p.Metadata())
	if err != nil {
		return paymentRecord{}, fmt.Errorf("encode payment metadata: %w", err)
	}
	return paymentRecord{
		id:             p.ID(),
		subscriptionID: p.SubscriptionID(),
		paymentID:      p.PaymentID(),
		remoteID:       p.RemoteID(),
		amountMinor:    p.Amount().MinorUnits(),
		currency:       p.Amount().Currency(),
		status:         p.Status().String(),
		chargeDate:     p.ChargeDate(),
		metadata:       md,
		createdAt:      p.CreatedAt(),
		updatedAt:      p.UpdatedAt(),
	}, nil
}

func (r paymentRecord) toDomain() (*domain.Payment, error) {
	status, err := domain.ParsePaymentStatus(r.status)
	if err != nil {
		return nil, err
	}
	amount, err := domain.PriceFromMinorUnits(r.amountMinor, r.currency)
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", r.remoteID, err)
	}
	md := map[string]string{}
	if len(r.metadata) > 0 {
		if err := json.Unmarshal(r.metadata, &md); err != nil {
			return nil, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return domain.RehydratePayment(domain.PaymentState{
		ID:             r.id,
		SubscriptionID: r.subscriptionID,
		PaymentID:      r.paymentID,
		RemoteID:       r.remoteID,
		Amount:         amount,
		Status:         status,
		ChargeDate:     utc(r.chargeDate),
		Metadata:       md,
		CreatedAt:      r.createdAt.UTC(),
		UpdatedAt:      r.updatedAt.UTC(),
	}), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// SQLite stores timestamps as fixed-width RFC3339 UTC text so that string
// comparison in WHERE clauses orders correctly.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

func parseOptionalTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableString(value sql.NullString) *string {
	if !value.Valid || value.String == "" {
		return nil
	}
	s := value.String
	return &s
}
