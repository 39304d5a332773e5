// Package app wires the billing services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	billingApp "github.com/helyar/helyar/internal/billing/application"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/internal/billing/infrastructure/dedup"
	"github.com/helyar/helyar/internal/billing/infrastructure/gocardless"
	"github.com/helyar/helyar/internal/billing/infrastructure/notify"
	sharedApplication "github.com/helyar/helyar/internal/shared/application"
	"github.com/helyar/helyar/internal/shared/infrastructure/convert"
	"github.com/helyar/helyar/internal/shared/infrastructure/database"
	_ "github.com/helyar/helyar/internal/shared/infrastructure/database/postgres"
	_ "github.com/helyar/helyar/internal/shared/infrastructure/database/sqlite"
	"github.com/helyar/helyar/internal/shared/infrastructure/eventbus"
	"github.com/helyar/helyar/internal/shared/infrastructure/migrations"
	"github.com/helyar/helyar/internal/shared/infrastructure/outbox"
	"github.com/helyar/helyar/pkg/config"
	"github.com/helyar/helyar/pkg/observability"
	"github.com/redis/go-redis/v9"
)

// MetricsNamespace prefixes every exported Prometheus series.
const MetricsNamespace = "helyar"

// JobOutboxCleanup is the scheduler job that prunes published outbox rows.
const JobOutboxCleanup = "outbox_cleanup"

const (
	// maxOutboxLag is when the outbox health check turns degraded.
	maxOutboxLag               = 5 * time.Minute
	defaultOutboxRetentionDays = 14
)

// Container holds all application dependencies.
type Container struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.PrometheusMetrics
	Health  *observability.HealthRegistry
	Clock   sharedApplication.Clock

	// Infrastructure
	DB             database.Connection
	RedisClient    *redis.Client
	EventPublisher eventbus.Publisher
	Gateway        *gocardless.Client

	// Persistence
	Store       billingApp.Store
	EventStore  ProcessedEventStore
	Dedup       billingApp.EventDeduplicator
	Settings    billingApp.Settings
	OutboxRepo  outbox.Repository
	repoFactory *RepositoryFactory

	// Use cases
	Activator          *billingApp.Activator
	Initiate           *billingApp.InitiateHandler
	Complete           *billingApp.CompleteHandler
	Status             *billingApp.StatusQuery
	CancelSubscription *billingApp.CancelSubscriptionHandler
	CancelMandate      *billingApp.CancelMandateHandler
	Webhooks           *billingApp.WebhookProcessor
	Reconciler         *billingApp.Reconciler
	Scheduler          *billingApp.Scheduler

	// Background
	OutboxProcessor *outbox.Processor
}

// NewContainer creates a new container with all dependencies wired up.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewPrometheusMetrics(MetricsNamespace),
		Health:  observability.NewHealthRegistry(),
		Clock:   sharedApplication.SystemClock,
	}

	if err := c.openDatabase(ctx); err != nil {
		return nil, err
	}
	if err := c.wireStore(); err != nil {
		c.Close()
		return nil, err
	}
	c.connectRedis(ctx)
	if err := c.connectPublisher(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.wireBilling(); err != nil {
		c.Close()
		return nil, err
	}
	c.wireOutbox()
	c.registerHealthChecks()

	return c, nil
}

// openDatabase connects to Postgres, or to SQLite in local mode. The
// SQLite schema is applied on open; Postgres is migrated explicitly.
func (c *Container) openDatabase(ctx context.Context) error {
	conn, err := database.NewConnection(ctx, database.Config{
		URL:        c.Config.DatabaseURL,
		SQLitePath: c.Config.SQLitePath,
		MaxConns:   c.Config.DatabaseMaxConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if conn.Driver() == database.DriverSQLite {
		if err := migrations.Apply(ctx, conn); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to migrate local database: %w", err)
		}
	}

	c.DB = conn
	c.repoFactory = NewRepositoryFactory(conn)
	c.Logger.Info("connected to database", "driver", conn.Driver())
	return nil
}

func (c *Container) wireStore() error {
	f := c.repoFactory
	subs, err := f.SubscriptionRepository()
	if err != nil {
		return err
	}
	payments, err := f.PaymentRepository()
	if err != nil {
		return err
	}
	profiles, err := f.ProfileRepository()
	if err != nil {
		return err
	}
	outboxRepo, err := f.OutboxRepository()
	if err != nil {
		return err
	}
	events, err := f.ProcessedEventStore()
	if err != nil {
		return err
	}

	c.OutboxRepo = outboxRepo
	c.EventStore = events
	c.Dedup = events
	c.Store = billingApp.Store{
		Subscriptions: subs,
		Payments:      payments,
		Profiles:      profiles,
		Outbox:        outboxRepo,
		UnitOfWork:    database.NewUnitOfWork(c.DB),
	}
	return nil
}

// connectRedis swaps the webhook dedup store for Redis when it is
// reachable. The SQL table stays the fallback.
func (c *Container) connectRedis(ctx context.Context) {
	if c.Config.RedisURL == "" {
		return
	}
	opt, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		c.Logger.Warn("invalid Redis URL, webhook dedup will use the database", "error", err)
		return
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		c.Logger.Warn("Redis not available, webhook dedup will use the database", "error", err)
		return
	}
	c.RedisClient = client
	c.Dedup = dedup.NewRedisStore(client, c.Config.WebhookDedupTTL)
	c.Logger.Info("connected to Redis")
}

func (c *Container) connectPublisher() error {
	if c.Config.RabbitMQURL == "" {
		bus := eventbus.NewInProcessEventBus(c.Logger)
		bus.RegisterConsumer(notify.NewReminderConsumer(notify.LogSender{Logger: c.Logger}, c.Logger))
		c.EventPublisher = bus
		c.Logger.Info("publishing events in-process")
		return nil
	}

	publisher, err := eventbus.NewRabbitMQPublisher(c.Config.RabbitMQURL, c.Logger)
	if err != nil {
		if c.Config.IsProduction() {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		c.Logger.Warn("RabbitMQ not available, using noop publisher", "error", err)
		c.EventPublisher = eventbus.NewNoopPublisher(c.Logger)
		return nil
	}
	c.EventPublisher = publisher
	return nil
}

// Settings builds the billing settings from configuration.
func Settings(cfg *config.Config) (billingApp.Settings, error) {
	price, err := domain.ParsePrice(cfg.SubscriptionPrice, cfg.SubscriptionCurrency)
	if err != nil {
		return billingApp.Settings{}, err
	}
	s := billingApp.DefaultSettings(price)
	s.RedirectURI = cfg.GoCardlessRedirectURI
	s.ExitURI = cfg.GoCardlessExitURI
	if cfg.MandateScheme != "" {
		s.MandateScheme = cfg.MandateScheme
	}
	if cfg.SetupTimeout > 0 {
		s.SetupTimeout = cfg.SetupTimeout
	}
	if cfg.StalePendingAfter > 0 {
		s.StalePendingAfter = cfg.StalePendingAfter
	}
	if cfg.ActivationResumeAfter > 0 {
		s.ActivationResumeAfter = cfg.ActivationResumeAfter
	}
	if cfg.ReminderLeadDays > 0 {
		s.ReminderLeadDays = cfg.ReminderLeadDays
	}
	if cfg.WebhookDedupTTL > 0 {
		s.DedupRetention = cfg.WebhookDedupTTL
	}
	return s, nil
}

func (c *Container) wireBilling() error {
	settings, err := Settings(c.Config)
	if err != nil {
		return err
	}
	c.Settings = settings

	gateway, err := gocardless.NewClient(gocardless.Config{
		AccessToken:     c.Config.GoCardlessAccessToken,
		Environment:     c.Config.GoCardlessEnvironment,
		BaseURL:         c.Config.GoCardlessBaseURL,
		Timeout:         c.Config.ProviderTimeout,
		BreakerFailures: convert.IntToUint32Clamped(c.Config.ProviderBreakerFailures, 1),
		BreakerTimeout:  c.Config.ProviderBreakerTimeout,
	}, c.Logger, c.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create payment provider client: %w", err)
	}
	c.Gateway = gateway

	// Redis expires its own keys; only the SQL table needs purging.
	var purger billingApp.EventPurger
	if c.RedisClient == nil {
		purger = c.EventStore
	}

	c.Activator = billingApp.NewActivator(c.Store, gateway, c.Clock, c.Logger, c.Metrics)
	c.Initiate = billingApp.NewInitiateHandler(c.Store, gateway, settings, c.Clock, c.Logger)
	c.Complete = billingApp.NewCompleteHandler(c.Store, gateway, c.Activator, c.Logger)
	c.Status = billingApp.NewStatusQuery(c.Store, settings, c.Clock, c.Logger)
	c.CancelSubscription = billingApp.NewCancelSubscriptionHandler(c.Store, gateway, c.Clock, c.Logger)
	c.CancelMandate = billingApp.NewCancelMandateHandler(c.Store, gateway, c.Clock, c.Logger)
	c.Webhooks = billingApp.NewWebhookProcessor(
		c.Store,
		gateway,
		c.Activator,
		gocardless.NewWebhookParser(c.Config.GoCardlessWebhookSecret),
		c.Dedup,
		c.Clock,
		c.Logger,
		c.Metrics,
	)
	c.Reconciler = billingApp.NewReconciler(billingApp.ReconcilerDeps{
		Store:     c.Store,
		Gateway:   gateway,
		Activator: c.Activator,
		Notifier:  notify.NewOutboxNotifier(c.OutboxRepo),
		Purger:    purger,
		Settings:  settings,
		Clock:     c.Clock,
		Logger:    c.Logger,
		Metrics:   c.Metrics,
	})
	jobs := billingApp.ReconcilerJobs(c.Reconciler,
		c.Config.ExpirySweepInterval,
		c.Config.ReminderInterval,
		c.Config.PendingCleanupInterval,
		c.Config.ActivationResumeInterval,
		c.Config.EventPurgeInterval,
	)
	if c.Config.OutboxCleanupInterval > 0 {
		jobs = append(jobs, billingApp.ScheduledJob{
			Name:     JobOutboxCleanup,
			Interval: c.Config.OutboxCleanupInterval,
			Run:      c.cleanupOutbox,
		})
	}
	c.Scheduler = billingApp.NewScheduler(jobs, billingApp.DefaultSchedulerConfig(), c.Logger)
	return nil
}

// cleanupOutbox deletes published messages past the retention period.
func (c *Container) cleanupOutbox(ctx context.Context) (*billingApp.JobResult, error) {
	days := c.Config.OutboxRetentionDays
	if days <= 0 {
		days = defaultOutboxRetentionDays
	}
	deleted, err := c.OutboxRepo.DeleteOld(ctx, days)
	if err != nil {
		return nil, fmt.Errorf("outbox cleanup: %w", err)
	}
	if deleted > 0 {
		c.Logger.Info("outbox cleanup completed", "deleted", deleted, "retention_days", days)
	}
	return &billingApp.JobResult{Job: JobOutboxCleanup, Changed: convert.Int64ToInt(deleted)}, nil
}

func (c *Container) wireOutbox() {
	cfg := outbox.DefaultProcessorConfig()
	if c.Config.OutboxPollInterval > 0 {
		cfg.PollInterval = c.Config.OutboxPollInterval
	}
	if c.Config.OutboxBatchSize > 0 {
		cfg.BatchSize = c.Config.OutboxBatchSize
	}
	if c.Config.OutboxMaxRetries > 0 {
		cfg.MaxRetries = c.Config.OutboxMaxRetries
	}
	c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, c.EventPublisher, cfg, c.Logger).WithMetrics(c.Metrics)
}

func (c *Container) registerHealthChecks() {
	c.Health.Register("database", observability.DatabaseHealthChecker(c.DB.Ping))
	if c.RedisClient != nil {
		c.Health.Register("redis", observability.RedisHealthChecker(func(ctx context.Context) error {
			return c.RedisClient.Ping(ctx).Err()
		}))
	}
	if checker, ok := c.EventPublisher.(interface {
		Check(ctx context.Context) error
	}); ok {
		c.Health.Register("rabbitmq", observability.RabbitMQHealthChecker(checker.Check))
	}
	c.Health.Register("outbox", observability.OutboxHealthChecker(func() time.Duration {
		return time.Duration(c.OutboxProcessor.GetStats().LagSeconds * float64(time.Second))
	}, maxOutboxLag))
}

// RepositoryFactory returns the driver-aware repository factory.
func (c *Container) RepositoryFactory() *RepositoryFactory {
	return c.repoFactory
}

// Close cleans up all resources.
func (c *Container) Close() {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.OutboxProcessor != nil {
		c.OutboxProcessor.Stop()
	}

	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("error closing event publisher", "error", err)
		}
	}

	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			c.Logger.Warn("error closing Redis connection", "error", err)
		} else {
			c.Logger.Info("Redis connection closed")
		}
	}

	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Logger.Warn("error closing database connection", "error", err)
		} else {
			c.Logger.Info("database connection closed", "driver", c.DB.Driver())
		}
	}
}
