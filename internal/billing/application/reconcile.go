package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/internal/billing/domain"
	sharedApplication "github.com/helyar/helyar/internal/shared/application"
	"github.com/helyar/helyar/pkg/observability"
)

// Reconciliation job names.
const (
	JobExpirySweep      = "expiry_sweep"
	JobExpiryReminders  = "expiry_reminders"
	JobPendingCleanup   = "pending_cleanup"
	JobResumeActivation = "resume_activation"
	JobPurgeEvents      = "purge_events"
)

// Provider subscription statuses the sync understands.
const (
	RemoteActive    = "active"
	RemoteCancelled = "cancelled"
	RemoteFinished  = "finished"
)

// JobResult summarises one run of a reconciliation job.
type JobResult struct {
	Job     string
	Scanned int
	Changed int
	Failed  int
}

// Reconciler heals local state against time and the provider. Every job is
// safe to re-run and to overlap with itself; each row is written in its own
// optimistic-locked transaction.
type Reconciler struct {
	store     Store
	gateway   PaymentGateway
	activator *Activator
	notifier  Notifier
	purger    EventPurger
	settings  Settings
	clock     sharedApplication.Clock
	logger    *slog.Logger
	metrics   observability.Metrics
}

// ReconcilerDeps are the collaborators of a Reconciler. Purger may be nil
// when the dedup store expires entries itself.
type ReconcilerDeps struct {
	Store     Store
	Gateway   PaymentGateway
	Activator *Activator
	Notifier  Notifier
	Purger    EventPurger
	Settings  Settings
	Clock     sharedApplication.Clock
	Logger    *slog.Logger
	Metrics   observability.Metrics
}

// NewReconciler creates a new Reconciler.
func NewReconciler(deps ReconcilerDeps) *Reconciler {
	r := &Reconciler{
		store:     deps.Store,
		gateway:   deps.Gateway,
		activator: deps.Activator,
		notifier:  deps.Notifier,
		purger:    deps.Purger,
		settings:  deps.Settings,
		clock:     deps.Clock,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.clock == nil {
		r.clock = sharedApplication.SystemClock
	}
	if r.metrics == nil {
		r.metrics = observability.NoopMetrics{}
	}
	return r
}

// ExpireSweep expires every active subscription whose term has ended.
func (r *Reconciler) ExpireSweep(ctx context.Context) (*JobResult, error) {
	now := r.clock()
	return r.drain(ctx, JobExpirySweep, func(ctx context.Context) ([]*domain.Subscription, error) {
		return r.store.Subscriptions.ListActiveExpiredBefore(ctx, now, r.settings.batchSize())
	}, func(ctx context.Context, s *domain.Subscription) (bool, error) {
		if !s.ApplyExpiry(now) {
			return false, nil
		}
		profile, err := r.store.profileFor(ctx, s.UserID(), r.logger)
		if err != nil {
			return false, err
		}
		return true, r.store.saveInTx(ctx, s, profile, now)
	})
}

// SendReminders notifies owners of active subscriptions expiring on the
// calendar day ReminderLeadDays ahead (UTC). A reminder is sent once per
// expiry date.
func (r *Reconciler) SendReminders(ctx context.Context) (*JobResult, error) {
	now := r.clock()
	today := now.UTC().Truncate(24 * time.Hour)
	from := today.AddDate(0, 0, r.settings.ReminderLeadDays)
	to := from.AddDate(0, 0, 1)

	subs, err := r.store.Subscriptions.ListActiveExpiringBetween(ctx, from, to, r.settings.batchSize())
	if err != nil {
		return nil, fmt.Errorf("list expiring subscriptions: %w", err)
	}
	result := &JobResult{Job: JobExpiryReminders}
	for _, s := range subs {
		result.Scanned++
		if !s.NeedsReminder() {
			continue
		}
		if err := r.remind(ctx, s, now); err != nil {
			result.Failed++
			r.logger.Error("failed to send expiry reminder", "subscription_id", s.ID(), "user_id", s.UserID(), "error", err)
			continue
		}
		result.Changed++
	}
	r.finish(result)
	return result, nil
}

func (r *Reconciler) remind(ctx context.Context, s *domain.Subscription, now time.Time) error {
	profile, err := r.store.profileFor(ctx, s.UserID(), r.logger)
	if err != nil {
		return err
	}
	var email string
	if profile != nil {
		email = profile.Email
	}
	reminder := domain.NewExpiryReminder(s, email, now)
	return sharedApplication.WithUnitOfWork(ctx, r.store.UnitOfWork, func(txCtx context.Context) error {
		if err := r.notifier.SendExpiryReminder(txCtx, reminder); err != nil {
			return err
		}
		s.MarkReminded(now)
		return r.store.persist(txCtx, s, profile, now)
	})
}

// CleanupStalePending abandons setups pending longer than StalePendingAfter.
func (r *Reconciler) CleanupStalePending(ctx context.Context) (*JobResult, error) {
	now := r.clock()
	cutoff := now.Add(-r.settings.StalePendingAfter)
	return r.drain(ctx, JobPendingCleanup, func(ctx context.Context) ([]*domain.Subscription, error) {
		return r.store.Subscriptions.ListPendingStartedBefore(ctx, cutoff, r.settings.batchSize())
	}, func(ctx context.Context, s *domain.Subscription) (bool, error) {
		if err := s.AbandonSetup(now); err != nil {
			return false, err
		}
		profile, err := r.store.profileFor(ctx, s.UserID(), r.logger)
		if err != nil {
			return false, err
		}
		if err := r.store.saveInTx(ctx, s, profile, now); err != nil {
			return false, err
		}
		r.logger.Info("abandoned stale pending setup", "subscription_id", s.ID(), "user_id", s.UserID())
		return true, nil
	})
}

// ResumeStalledActivations finishes setups whose billing request was
// fulfilled but whose activation never ran, for example after a lost
// completion call and a missed webhook.
func (r *Reconciler) ResumeStalledActivations(ctx context.Context) (*JobResult, error) {
	now := r.clock()
	cutoff := now.Add(-r.settings.ActivationResumeAfter)
	subs, err := r.store.Subscriptions.ListPendingWithBillingRequest(ctx, cutoff, r.settings.batchSize())
	if err != nil {
		return nil, fmt.Errorf("list stalled activations: %w", err)
	}

	result := &JobResult{Job: JobResumeActivation}
	for _, s := range subs {
		result.Scanned++
		logger := r.logger.With("subscription_id", s.ID(), "billing_request_id", s.Flow().BillingRequestID)
		br, err := r.gateway.GetBillingRequest(ctx, s.Flow().BillingRequestID)
		if err != nil {
			result.Failed++
			logger.Error("failed to fetch billing request", "error", err)
			continue
		}
		if !br.IsFulfilled() {
			continue
		}
		activation, err := r.activator.activate(ctx, s, br)
		if err != nil {
			result.Failed++
			logger.Error("failed to resume activation", "error", err)
			continue
		}
		if !activation.AlreadyActive {
			result.Changed++
			logger.Info("resumed stalled activation", "remote_subscription_id", activation.RemoteSubscriptionID)
		}
	}
	r.finish(result)
	return result, nil
}

// PurgeProcessedEvents drops dedup records older than DedupRetention.
func (r *Reconciler) PurgeProcessedEvents(ctx context.Context) (*JobResult, error) {
	result := &JobResult{Job: JobPurgeEvents}
	if r.purger == nil {
		return result, nil
	}
	n, err := r.purger.Purge(ctx, r.clock().Add(-r.settings.DedupRetention))
	if err != nil {
		return nil, fmt.Errorf("purge processed events: %w", err)
	}
	result.Changed = int(n)
	r.finish(result)
	return result, nil
}

// SyncWithProvider adopts the provider's status for one subscription:
// active refreshes the expiry, cancelled cancels and finished expires.
// Other provider statuses leave the record unchanged.
func (r *Reconciler) SyncWithProvider(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	s, err := r.store.Subscriptions.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !s.HasRemoteSubscription() {
		return nil, domain.ErrNoRemoteSubscription
	}
	remote, err := r.gateway.GetSubscription(ctx, s.RemoteID())
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	now := r.clock()
	logger := r.logger.With("subscription_id", s.ID(), "remote_subscription_id", s.RemoteID(), "remote_status", remote.Status)
	switch remote.Status {
	case RemoteActive:
		err = s.RefreshExpiry(remote.NextChargeDate(), now)
		if errors.Is(err, domain.ErrMaxRetriesReached) {
			logger.Warn("provider reports active but failed payment limit reached, keeping local state")
			return s, nil
		}
	case RemoteCancelled:
		err = s.Cancel(now)
	case RemoteFinished:
		err = s.Expire(now)
	default:
		logger.Info("provider status needs no local change")
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	profile, err := r.store.profileFor(ctx, s.UserID(), logger)
	if err != nil {
		return nil, err
	}
	if err := r.store.saveInTx(ctx, s, profile, now); err != nil {
		return nil, err
	}
	logger.Info("subscription synced with provider", "status", s.Status())
	return s, nil
}

// RetryFailedPayment charges the subscription price once more against the
// user's mandate. The payment's webhooks settle the subscription.
func (r *Reconciler) RetryFailedPayment(ctx context.Context, subscriptionID uuid.UUID) (*domain.Payment, error) {
	s, err := r.store.Subscriptions.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if s.FailedPaymentCount() >= domain.MaxFailedPayments {
		return nil, domain.ErrMaxRetriesReached
	}
	profile, err := r.store.Profiles.FindByUserID(ctx, s.UserID())
	if err != nil {
		return nil, err
	}
	if !profile.HasMandate() {
		return nil, domain.ErrNoMandate
	}

	attempt := strconv.Itoa(s.FailedPaymentCount() + 1)
	remote, err := r.gateway.CreatePayment(ctx, PaymentInput{
		MandateID:      profile.MandateID,
		Amount:         s.Price(),
		Description:    RetryPaymentText,
		IdempotencyKey: retryPaymentKeyPrefix + s.ID().String() + "-" + attempt,
		Metadata: map[string]string{
			"subscription_id": s.ID().String(),
			"user_id":         s.UserID().String(),
			"retry_attempt":   attempt,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create retry payment: %w", err)
	}

	now := r.clock()
	payment := domain.NewPayment(s.ID(), s.PaymentID(), remote.ID, s.Price(), domain.PaymentPending, now)
	payment.SetChargeDate(remote.ChargeDate)
	payment.SetMetadata("retry_attempt", attempt)
	if err := r.store.Payments.Save(ctx, payment); err != nil {
		return nil, err
	}
	r.logger.Info("created retry payment",
		"subscription_id", s.ID(),
		"payment_id", remote.ID,
		"retry_attempt", attempt,
	)
	return payment, nil
}

// drain applies fn to pages from list until a page comes back short or
// makes no progress. Rows that fail stay for the next run.
func (r *Reconciler) drain(
	ctx context.Context,
	job string,
	list func(context.Context) ([]*domain.Subscription, error),
	fn func(context.Context, *domain.Subscription) (bool, error),
) (*JobResult, error) {
	result := &JobResult{Job: job}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		subs, err := list(ctx)
		if err != nil {
			return result, fmt.Errorf("%s: %w", job, err)
		}
		changed := 0
		for _, s := range subs {
			result.Scanned++
			ok, err := fn(ctx, s)
			if err != nil {
				result.Failed++
				r.logger.Error("reconciliation row failed", "job", job, "subscription_id", s.ID(), "error", err)
				continue
			}
			if ok {
				changed++
			}
		}
		result.Changed += changed
		if len(subs) < r.settings.batchSize() || changed == 0 {
			break
		}
	}
	r.finish(result)
	return result, nil
}

func (r *Reconciler) finish(result *JobResult) {
	job := observability.T("job", result.Job)
	r.metrics.Counter("reconcile_rows_total", int64(result.Changed), job, observability.T("outcome", "changed"))
	r.metrics.Counter("reconcile_rows_total", int64(result.Failed), job, observability.T("outcome", "failed"))
	if result.Changed > 0 || result.Failed > 0 {
		r.logger.Info("reconciliation job completed",
			"job", result.Job,
			"scanned", result.Scanned,
			"changed", result.Changed,
			"failed", result.Failed,
		)
	}
}
