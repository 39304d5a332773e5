package application

import (
	"time"

	"github.com/helyar/helyar/internal/billing/domain"
)

// Provider-facing constants of the yearly plan.
const (
	IntervalYearly        = "yearly"
	SubscriptionName      = "Helyar Yearly Subscription"
	SetupPaymentText      = "1 Year access fee"
	RetryPaymentText      = "Retry payment for Helyar subscription"
	MandatePlanMetadata   = "yearly subscription"
	DefaultMandateScheme  = "bacs"
	activationKeyPrefix   = "activation-"
	retryPaymentKeyPrefix = "retry-"
)

// Settings tune the billing use cases.
type Settings struct {
	Price         domain.Price
	MandateScheme string
	RedirectURI   string
	ExitURI       string

	// SetupTimeout is the client-visible limit on a pending setup.
	SetupTimeout time.Duration
	// StalePendingAfter is when cleanup abandons a pending setup.
	StalePendingAfter time.Duration
	// ActivationResumeAfter is when a pending setup with a billing request
	// is re-checked against the provider.
	ActivationResumeAfter time.Duration
	ReminderLeadDays      int
	DedupRetention        time.Duration
	BatchSize             int
}

// DefaultSettings returns the production timers for price.
func DefaultSettings(price domain.Price) Settings {
	return Settings{
		Price:                 price,
		MandateScheme:         DefaultMandateScheme,
		SetupTimeout:          10 * time.Minute,
		StalePendingAfter:     24 * time.Hour,
		ActivationResumeAfter: 15 * time.Minute,
		ReminderLeadDays:      7,
		DedupRetention:        30 * 24 * time.Hour,
		BatchSize:             100,
	}
}

func (s Settings) batchSize() int {
	if s.BatchSize <= 0 {
		return 100
	}
	return s.BatchSize
}
