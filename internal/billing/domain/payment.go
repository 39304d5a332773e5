package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the audit status of a PaymentHistory row.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// rank orders statuses so a replayed, older event cannot regress a row.
// Terminal statuses share the top rank and may replace each other.
var paymentRank = map[PaymentStatus]int{
	PaymentPending:   0,
	PaymentConfirmed: 1,
	PaymentPaid:      2,
	PaymentFailed:    2,
	PaymentCancelled: 2,
}

// ParsePaymentStatus validates a stored or supplied status.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	s := PaymentStatus(value)
	if _, ok := paymentRank[s]; !ok {
		return "", fmt.Errorf("unknown payment status %q", value)
	}
	return s, nil
}

func (s PaymentStatus) String() string { return string(s) }

// Payment is one PaymentHistory audit row, keyed by the provider payment id.
type Payment struct {
	id             uuid.UUID
	subscriptionID uuid.UUID
	paymentID      string
	remoteID       string
	amount         Price
	status         PaymentStatus
	chargeDate     *time.Time
	metadata       map[string]string
	createdAt      time.Time
	updatedAt      time.Time
}

// NewPayment creates an audit row for a provider payment.
func NewPayment(subscriptionID uuid.UUID, paymentID, remoteID string, amount Price, status PaymentStatus, now time.Time) *Payment {
	now = now.UTC()
	return &Payment{
		id:             uuid.New(),
		subscriptionID: subscriptionID,
		paymentID:      paymentID,
		remoteID:       remoteID,
		amount:         amount,
		status:         status,
		metadata:       map[string]string{},
		createdAt:      now,
		updatedAt:      now,
	}
}

// PaymentState is the persisted form of a Payment.
type PaymentState struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	PaymentID      string
	RemoteID       string
	Amount         Price
	Status         PaymentStatus
	ChargeDate     *time.Time
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RehydratePayment rebuilds a Payment from storage.
func RehydratePayment(st PaymentState) *Payment {
	md := st.Metadata
	if md == nil {
		md = map[string]string{}
	}
	return &Payment{
		id:             st.ID,
		subscriptionID: st.SubscriptionID,
		paymentID:      st.PaymentID,
		remoteID:       st.RemoteID,
		amount:         st.Amount,
		status:         st.Status,
		chargeDate:     st.ChargeDate,
		metadata:       md,
		createdAt:      st.CreatedAt,
		updatedAt:      st.UpdatedAt,
	}
}

func (p *Payment) ID() uuid.UUID               { return p.id }
func (p *Payment) SubscriptionID() uuid.UUID   { return p.subscriptionID }
func (p *Payment) PaymentID() string           { return p.paymentID }
func (p *Payment) RemoteID() string            { return p.remoteID }
func (p *Payment) Amount() Price               { return p.amount }
func (p *Payment) Status() PaymentStatus       { return p.status }
func (p *Payment) ChargeDate() *time.Time      { return p.chargeDate }
func (p *Payment) Metadata() map[string]string { return p.metadata }
func (p *Payment) CreatedAt() time.Time        { return p.createdAt }
func (p *Payment) UpdatedAt() time.Time        { return p.updatedAt }
func (p *Payment) IsFailed() bool              { return p.status == PaymentFailed }

// SetChargeDate records the provider charge date.
func (p *Payment) SetChargeDate(date *time.Time) {
	if date == nil {
		return
	}
	d := date.UTC()
	p.chargeDate = &d
}

// SetMetadata adds a metadata entry.
func (p *Payment) SetMetadata(key, value string) {
	p.metadata[key] = value
}

// UpdateStatus applies a replayed or newer event. It refuses to move a row
// back to a less settled status and reports whether anything changed.
func (p *Payment) UpdateStatus(status PaymentStatus, now time.Time) bool {
	if status == p.status {
		return false
	}
	if paymentRank[status] < paymentRank[p.status] {
		return false
	}
	p.status = status
	p.updatedAt = now.UTC()
	return true
}
