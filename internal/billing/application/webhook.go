package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	sharedApplication "github.com/helyar/helyar/internal/shared/application"
	sharedDomain "github.com/helyar/helyar/internal/shared/domain"
	"github.com/helyar/helyar/internal/shared/infrastructure/outbox"
	"github.com/helyar/helyar/pkg/observability"
)

// Webhook resource types.
const (
	ResourceBillingRequests = "billing_requests"
	ResourcePayments        = "payments"
	ResourceMandates        = "mandates"
	ResourceSubscriptions   = "subscriptions"
)

// RoutingWebhookDeadLettered carries webhook events that failed processing.
const RoutingWebhookDeadLettered = "billing.webhook.dead_lettered"

// Time limits for one claimed event and for releasing it after a failure.
const (
	DefaultEventTimeout = 30 * time.Second
	cleanupTimeout      = 5 * time.Second
)

// errUnlinked marks an event whose resource was never linked locally.
var errUnlinked = errors.New("event references no local record")

// Outcome is the result of processing one webhook event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// WebhookResult tallies the outcomes of one delivery.
type WebhookResult struct {
	Events     int `json:"events"`
	Processed  int `json:"processed"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
	Ignored    int `json:"ignored"`
	Failed     int `json:"failed"`
}

func (r *WebhookResult) add(o Outcome) {
	r.Events++
	switch o {
	case OutcomeProcessed:
		r.Processed++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeDropped:
		r.Dropped++
	case OutcomeIgnored:
		r.Ignored++
	case OutcomeFailed:
		r.Failed++
	}
}

// DeadLetter is the payload parked on the dead-letter stream for replay.
type DeadLetter struct {
	Event    WebhookEvent `json:"event"`
	Error    string       `json:"error"`
	FailedAt time.Time    `json:"failed_at"`
}

// WebhookProcessor verifies deliveries and applies their events at least
// once, idempotently per event id.
type WebhookProcessor struct {
	store     Store
	gateway   PaymentGateway
	activator *Activator
	parser    WebhookParser
	dedup     EventDeduplicator
	clock     sharedApplication.Clock
	logger    *slog.Logger
	metrics   observability.Metrics
}

// NewWebhookProcessor creates a new WebhookProcessor.
func NewWebhookProcessor(
	store Store,
	gateway PaymentGateway,
	activator *Activator,
	parser WebhookParser,
	dedup EventDeduplicator,
	clock sharedApplication.Clock,
	logger *slog.Logger,
	metrics observability.Metrics,
) *WebhookProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = sharedApplication.SystemClock
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &WebhookProcessor{
		store:     store,
		gateway:   gateway,
		activator: activator,
		parser:    parser,
		dedup:     dedup,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// Handle verifies and processes one delivery. Only signature and decoding
// failures are returned; per-event failures are dead-lettered.
func (p *WebhookProcessor) Handle(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	events, err := p.parser.Parse(body, signature)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, ErrInvalidSignature) {
			outcome = "invalid_signature"
		}
		p.metrics.Counter("webhook_deliveries_total", 1, observability.T("outcome", outcome))
		return nil, err
	}
	p.metrics.Counter("webhook_deliveries_total", 1, observability.T("outcome", "accepted"))
	return p.Process(ctx, events), nil
}

// Process applies already verified events in order. The replay command
// uses it directly.
func (p *WebhookProcessor) Process(ctx context.Context, events []WebhookEvent) *WebhookResult {
	result := &WebhookResult{}
	for _, ev := range events {
		outcome := p.processDetached(ctx, ev)
		p.metrics.Counter("webhook_events_total", 1,
			observability.T("resource_type", ev.ResourceType),
			observability.T("outcome", string(outcome)),
		)
		result.add(outcome)
	}
	if result.Events > 0 {
		p.logger.Info("webhook delivery processed",
			"events", result.Events,
			"processed", result.Processed,
			"duplicates", result.Duplicates,
			"dropped", result.Dropped,
			"failed", result.Failed,
		)
	}
	return result
}

// processDetached keeps the caller's values but not its cancellation. Once
// an event is claimed it either completes or is released and dead-lettered.
func (p *WebhookProcessor) processDetached(ctx context.Context, ev WebhookEvent) Outcome {
	eventCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultEventTimeout)
	defer cancel()
	eventCtx = observability.WithOperation(eventCtx, "webhook."+ev.ResourceType+"."+ev.Action)
	eventCtx = observability.WithEventID(eventCtx, ev.ID)
	return p.processEvent(eventCtx, ev)
}

func (p *WebhookProcessor) processEvent(ctx context.Context, ev WebhookEvent) Outcome {
	logger := p.logger.With("event_id", ev.ID, "resource_type", ev.ResourceType, "action", ev.Action)
	if ev.ID == "" {
		logger.Warn("dropping webhook event without id")
		return OutcomeDropped
	}

	claimed, err := p.dedup.Claim(ctx, ev.ID, ev.ResourceType, ev.Action)
	if err != nil {
		logger.Error("dedup store unavailable", "error", err)
		p.deadLetter(ctx, ev, err, logger)
		return OutcomeFailed
	}
	if !claimed {
		logger.Debug("skipping duplicate webhook event")
		return OutcomeDuplicate
	}

	outcome, err := p.dispatch(ctx, ev, logger)
	if err == nil {
		return outcome
	}
	if errors.Is(err, errUnlinked) || errors.Is(err, domain.ErrSubscriptionNotFound) {
		logger.Warn("dropping webhook event", "error", err)
		return OutcomeDropped
	}

	logger.Error("webhook event failed", "error", err)
	// The event timeout may already have fired.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if rerr := p.dedup.Release(cleanupCtx, ev.ID); rerr != nil {
		logger.Error("failed to release dedup claim", "error", rerr)
	}
	p.deadLetter(cleanupCtx, ev, err, logger)
	return OutcomeFailed
}

func (p *WebhookProcessor) dispatch(ctx context.Context, ev WebhookEvent, logger *slog.Logger) (Outcome, error) {
	switch ev.ResourceType {
	case ResourceBillingRequests:
		if ev.Action == "fulfilled" {
			return p.billingRequestFulfilled(ctx, ev, logger)
		}
	case ResourcePayments:
		switch ev.Action {
		case "confirmed":
			return p.paymentSucceeded(ctx, ev, domain.PaymentConfirmed, logger)
		case "paid_out":
			return p.paymentSucceeded(ctx, ev, domain.PaymentPaid, logger)
		case "failed":
			return p.paymentFailed(ctx, ev, logger)
		case "created", "submitted":
			return p.recordPayment(ctx, ev, domain.PaymentPending)
		case "cancelled":
			return p.recordPayment(ctx, ev, domain.PaymentCancelled)
		}
	case ResourceMandates:
		switch ev.Action {
		case "cancelled", "failed", "expired":
			return p.mandateRevoked(ctx, ev, logger)
		}
	case ResourceSubscriptions:
		switch ev.Action {
		case "cancelled":
			return p.subscriptionEnded(ctx, ev, (*domain.Subscription).Cancel, logger)
		case "finished":
			return p.subscriptionEnded(ctx, ev, (*domain.Subscription).Expire, logger)
		}
	}
	logger.Debug("ignoring webhook event")
	return OutcomeIgnored, nil
}

func (p *WebhookProcessor) billingRequestFulfilled(ctx context.Context, ev WebhookEvent, logger *slog.Logger) (Outcome, error) {
	if ev.Links.BillingRequest == "" {
		return "", fmt.Errorf("no billing request link: %w", errUnlinked)
	}
	br, err := p.gateway.GetBillingRequest(ctx, ev.Links.BillingRequest)
	if err != nil {
		return "", fmt.Errorf("get billing request: %w", err)
	}
	if !br.IsFulfilled() {
		logger.Warn("fulfilled event for unfulfilled billing request", "status", br.Status)
		return OutcomeIgnored, nil
	}
	result, err := p.activator.ActivateBillingRequest(ctx, br)
	if err != nil {
		return "", err
	}
	if result.AlreadyActive {
		logger.Info("billing request already activated", "subscription_id", result.SubscriptionID)
	}
	return OutcomeProcessed, nil
}

// locatePayment finds the subscription a payment belongs to: through the
// provider subscription link, or through the history row of a one-off
// payment such as a retry.
func (p *WebhookProcessor) locatePayment(ctx context.Context, ev WebhookEvent) (*RemotePayment, *domain.Subscription, error) {
	if ev.Links.Payment == "" {
		return nil, nil, fmt.Errorf("no payment link: %w", errUnlinked)
	}
	payment, err := p.gateway.GetPayment(ctx, ev.Links.Payment)
	if err != nil {
		return nil, nil, fmt.Errorf("get payment: %w", err)
	}

	remoteID := ev.Links.Subscription
	if remoteID == "" {
		remoteID = payment.SubscriptionID
	}
	if remoteID != "" {
		s, err := p.store.Subscriptions.FindByRemoteID(ctx, remoteID)
		if err == nil {
			return payment, s, nil
		}
		if !errors.Is(err, domain.ErrSubscriptionNotFound) {
			return nil, nil, err
		}
	}

	history, err := p.store.Payments.FindByRemoteID(ctx, payment.ID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, nil, fmt.Errorf("payment %s: %w", payment.ID, errUnlinked)
	}
	if err != nil {
		return nil, nil, err
	}
	s, err := p.store.Subscriptions.FindByID(ctx, history.SubscriptionID())
	if err != nil {
		return nil, nil, err
	}
	return payment, s, nil
}

// upsertHistory records the payment and returns the status it had before.
func (p *WebhookProcessor) upsertHistory(txCtx context.Context, s *domain.Subscription, payment *RemotePayment, status domain.PaymentStatus, ev WebhookEvent, now time.Time) (domain.PaymentStatus, error) {
	row, err := p.store.Payments.FindByRemoteID(txCtx, payment.ID)
	var prior domain.PaymentStatus
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		row = domain.NewPayment(s.ID(), s.PaymentID(), payment.ID, paymentAmount(payment, s), status, now)
	case err != nil:
		return "", err
	default:
		prior = row.Status()
		row.UpdateStatus(status, now)
	}
	row.SetChargeDate(payment.ChargeDate)
	row.SetMetadata("event_id", ev.ID)
	row.SetMetadata("action", ev.Action)
	if ev.Details.Cause != "" {
		row.SetMetadata("cause", ev.Details.Cause)
	}
	return prior, p.store.Payments.Save(txCtx, row)
}

func (p *WebhookProcessor) paymentSucceeded(ctx context.Context, ev WebhookEvent, status domain.PaymentStatus, logger *slog.Logger) (Outcome, error) {
	payment, s, err := p.locatePayment(ctx, ev)
	if err != nil {
		return "", err
	}
	var next *time.Time
	if s.HasRemoteSubscription() {
		remote, err := p.gateway.GetSubscription(ctx, s.RemoteID())
		if err != nil {
			return "", fmt.Errorf("get subscription: %w", err)
		}
		next = remote.NextChargeDate()
	}
	profile, err := p.store.profileFor(ctx, s.UserID(), logger)
	if err != nil {
		return "", err
	}

	now := p.clock()
	logger = logger.With("subscription_id", s.ID(), "payment_id", payment.ID)
	err = sharedApplication.WithUnitOfWork(ctx, p.store.UnitOfWork, func(txCtx context.Context) error {
		prior, err := p.upsertHistory(txCtx, s, payment, status, ev, now)
		if err != nil {
			return err
		}
		if prior == domain.PaymentConfirmed || prior == domain.PaymentPaid {
			logger.Debug("payment already renewed the subscription", "prior_status", prior)
			return nil
		}
		if err := s.Renew(next, eventTime(ev, now), now); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNoRemoteSubscription) {
				logger.Info("payment does not renew subscription", "status", s.Status(), "reason", err)
				return nil
			}
			return err
		}
		return p.store.persist(txCtx, s, profile, now)
	})
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

// paymentFailed applies the failure gating rule: the counter moves only for
// an active or deactivated subscription, only on the first failure of a
// payment, and only when the event is not older than the last success.
func (p *WebhookProcessor) paymentFailed(ctx context.Context, ev WebhookEvent, logger *slog.Logger) (Outcome, error) {
	payment, s, err := p.locatePayment(ctx, ev)
	if err != nil {
		return "", err
	}
	profile, err := p.store.profileFor(ctx, s.UserID(), logger)
	if err != nil {
		return "", err
	}

	now := p.clock()
	at := eventTime(ev, now)
	logger = logger.With("subscription_id", s.ID(), "payment_id", payment.ID)
	err = sharedApplication.WithUnitOfWork(ctx, p.store.UnitOfWork, func(txCtx context.Context) error {
		prior, err := p.upsertHistory(txCtx, s, payment, domain.PaymentFailed, ev, now)
		if err != nil {
			return err
		}
		switch {
		case prior == domain.PaymentFailed:
			logger.Info("repeat failure for payment, counter unchanged")
			return nil
		case s.LastPaymentAt() != nil && at.Before(*s.LastPaymentAt()):
			logger.Info("stale payment failure, counter unchanged", "last_payment_at", s.LastPaymentAt())
			return nil
		}

		deactivated, err := s.RecordFailedPayment(now)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNoRemoteSubscription) {
				logger.Info("payment failure ignored", "status", s.Status(), "reason", err)
				return nil
			}
			return err
		}
		if deactivated {
			logger.Warn("subscription deactivated after failed payments", "failed_payment_count", s.FailedPaymentCount())
		}
		return p.store.persist(txCtx, s, profile, now)
	})
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (p *WebhookProcessor) recordPayment(ctx context.Context, ev WebhookEvent, status domain.PaymentStatus) (Outcome, error) {
	payment, s, err := p.locatePayment(ctx, ev)
	if err != nil {
		return "", err
	}
	now := p.clock()
	err = sharedApplication.WithUnitOfWork(ctx, p.store.UnitOfWork, func(txCtx context.Context) error {
		_, err := p.upsertHistory(txCtx, s, payment, status, ev, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

// mandateRevoked is logged and published for operators. The subscription is
// left alone since a replacement mandate may follow.
func (p *WebhookProcessor) mandateRevoked(ctx context.Context, ev WebhookEvent, logger *slog.Logger) (Outcome, error) {
	if ev.Links.Mandate == "" {
		return "", fmt.Errorf("no mandate link: %w", errUnlinked)
	}
	profile, err := p.store.Profiles.FindByMandateID(ctx, ev.Links.Mandate)
	if errors.Is(err, domain.ErrProfileNotFound) {
		return "", fmt.Errorf("mandate %s: %w", ev.Links.Mandate, errUnlinked)
	}
	if err != nil {
		return "", err
	}
	logger.Warn("mandate no longer usable",
		"user_id", profile.UserID,
		"mandate_id", ev.Links.Mandate,
		"cause", ev.Details.Cause,
	)
	event := domain.NewMandateRevoked(profile.UserID, ev.Links.Mandate, p.clock())
	if err := p.store.publish(ctx, profile.UserID, []sharedDomain.DomainEvent{event}); err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (p *WebhookProcessor) subscriptionEnded(ctx context.Context, ev WebhookEvent, end func(*domain.Subscription, time.Time) error, logger *slog.Logger) (Outcome, error) {
	if ev.Links.Subscription == "" {
		return "", fmt.Errorf("no subscription link: %w", errUnlinked)
	}
	s, err := p.store.Subscriptions.FindByRemoteID(ctx, ev.Links.Subscription)
	if err != nil {
		return "", err
	}
	now := p.clock()
	if err := end(s, now); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Info("subscription event does not apply", "subscription_id", s.ID(), "status", s.Status())
			return OutcomeIgnored, nil
		}
		return "", err
	}
	profile, err := p.store.profileFor(ctx, s.UserID(), logger)
	if err != nil {
		return "", err
	}
	if err := p.store.saveInTx(ctx, s, profile, now); err != nil {
		return "", err
	}
	logger.Info("provider ended subscription", "subscription_id", s.ID(), "status", s.Status())
	return OutcomeProcessed, nil
}

func (p *WebhookProcessor) deadLetter(ctx context.Context, ev WebhookEvent, cause error, logger *slog.Logger) {
	now := p.clock()
	meta := sharedApplication.NewEventMetadata(observability.CorrelationIDFromContext(ctx), uuid.Nil)
	msg, err := outbox.NewRawMessage("WebhookEvent", webhookEventUUID(ev.ID), RoutingWebhookDeadLettered,
		DeadLetter{Event: ev, Error: cause.Error(), FailedAt: now}, meta, now)
	if err == nil {
		err = p.store.Outbox.Save(ctx, msg)
	}
	if err != nil {
		logger.Error("failed to dead-letter webhook event", "error", err)
	}
}

// webhookEventUUID derives a stable aggregate id from a provider event id.
func webhookEventUUID(eventID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("gocardless:event:"+eventID))
}

func eventTime(ev WebhookEvent, now time.Time) time.Time {
	if ev.CreatedAt.IsZero() {
		return now
	}
	return ev.CreatedAt.UTC()
}

func paymentAmount(payment *RemotePayment, s *domain.Subscription) domain.Price {
	if payment.AmountMinor > 0 && payment.Currency != "" {
		if price, err := domain.PriceFromMinorUnits(payment.AmountMinor, payment.Currency); err == nil {
			return price
		}
	}
	return s.Price()
}
