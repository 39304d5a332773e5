package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv   string
	LogLevel string

	// Database. An empty DatabaseURL selects SQLite local mode.
	DatabaseURL      string
	SQLitePath       string
	DatabaseMaxConns int

	// Redis. Empty disables the Redis dedup store.
	RedisURL string

	// RabbitMQ. Empty publishes in-process.
	RabbitMQURL string

	// HTTP
	HTTPAddr  string
	JWTSecret string

	// Outbox
	OutboxPollInterval     time.Duration
	OutboxBatchSize        int
	OutboxMaxRetries       int
	OutboxRetentionDays    int
	OutboxCleanupInterval  time.Duration
	OutboxProcessorEnabled bool

	// Worker
	WorkerHealthAddr string

	// GoCardless
	GoCardlessAccessToken   string
	GoCardlessEnvironment   string
	GoCardlessBaseURL       string
	GoCardlessWebhookSecret string
	GoCardlessRedirectURI   string
	GoCardlessExitURI       string
	FrontendURL             string

	// Provider resilience
	ProviderTimeout         time.Duration
	ProviderBreakerFailures int
	ProviderBreakerTimeout  time.Duration

	// Billing
	SubscriptionPrice     string
	SubscriptionCurrency  string
	MandateScheme         string
	SetupTimeout          time.Duration
	StalePendingAfter     time.Duration
	ActivationResumeAfter time.Duration
	ReminderLeadDays      int
	WebhookDedupTTL       time.Duration

	// Reconciliation schedule. A zero interval disables the job.
	ExpirySweepInterval      time.Duration
	ReminderInterval         time.Duration
	PendingCleanupInterval   time.Duration
	ActivationResumeInterval time.Duration
	EventPurgeInterval       time.Duration
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		SQLitePath:       getEnv("SQLITE_PATH", ""),
		DatabaseMaxConns: getIntEnv("DATABASE_MAX_CONNS", 10),
		RedisURL:         getEnv("REDIS_URL", ""),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),

		HTTPAddr:  getEnv("HTTP_ADDR", "0.0.0.0:8080"),
		JWTSecret: getEnv("JWT_SECRET", ""),

		OutboxPollInterval:     getDurationEnv("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		OutboxBatchSize:        getIntEnv("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxRetries:       getIntEnv("OUTBOX_MAX_RETRIES", 5),
		OutboxRetentionDays:    getIntEnv("OUTBOX_RETENTION_DAYS", 14),
		OutboxCleanupInterval:  getDurationEnv("OUTBOX_CLEANUP_INTERVAL", 24*time.Hour),
		OutboxProcessorEnabled: getBoolEnv("OUTBOX_PROCESSOR_ENABLED", true),

		WorkerHealthAddr: getEnv("WORKER_HEALTH_ADDR", "0.0.0.0:8081"),

		GoCardlessAccessToken:   getEnv("GOCARDLESS_ACCESS_TOKEN", ""),
		GoCardlessEnvironment:   getEnv("GOCARDLESS_ENVIRONMENT", "sandbox"),
		GoCardlessBaseURL:       getEnv("GOCARDLESS_BASE_URL", ""),
		GoCardlessWebhookSecret: getEnv("GOCARDLESS_WEBHOOK_SECRET", ""),
		GoCardlessRedirectURI:   getEnv("GOCARDLESS_REDIRECT_URI", "http://localhost:8080/api/subscriptions/gocardless-complete/"),
		GoCardlessExitURI:       getEnv("GOCARDLESS_EXIT_URI", "http://localhost:3000/?error=user_cancelled"),
		FrontendURL:             getEnv("FRONTEND_URL", "http://localhost:3000"),

		ProviderTimeout:         getDurationEnv("PROVIDER_TIMEOUT", 30*time.Second),
		ProviderBreakerFailures: getIntEnv("PROVIDER_BREAKER_FAILURES", 5),
		ProviderBreakerTimeout:  getDurationEnv("PROVIDER_BREAKER_TIMEOUT", 30*time.Second),

		SubscriptionPrice:     getEnv("SUBSCRIPTION_PRICE", "4.99"),
		SubscriptionCurrency:  getEnv("SUBSCRIPTION_CURRENCY", "GBP"),
		MandateScheme:         getEnv("MANDATE_SCHEME", "bacs"),
		SetupTimeout:          getDurationEnv("SETUP_TIMEOUT", 10*time.Minute),
		StalePendingAfter:     getDurationEnv("STALE_PENDING_AFTER", 24*time.Hour),
		ActivationResumeAfter: getDurationEnv("ACTIVATION_RESUME_AFTER", 15*time.Minute),
		ReminderLeadDays:      getIntEnv("REMINDER_LEAD_DAYS", 7),
		WebhookDedupTTL:       getDurationEnv("WEBHOOK_DEDUP_TTL", 720*time.Hour),

		ExpirySweepInterval:      getDurationEnv("EXPIRY_SWEEP_INTERVAL", time.Hour),
		ReminderInterval:         getDurationEnv("REMINDER_INTERVAL", 24*time.Hour),
		PendingCleanupInterval:   getDurationEnv("PENDING_CLEANUP_INTERVAL", time.Hour),
		ActivationResumeInterval: getDurationEnv("ACTIVATION_RESUME_INTERVAL", 5*time.Minute),
		EventPurgeInterval:       getDurationEnv("EVENT_PURGE_INTERVAL", 24*time.Hour),
	}

	return cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	var errs []error
	price, err := decimal.NewFromString(c.SubscriptionPrice)
	if err != nil || !price.IsPositive() {
		errs = append(errs, fmt.Errorf("SUBSCRIPTION_PRICE %q is not a positive amount", c.SubscriptionPrice))
	}
	if len(c.SubscriptionCurrency) != 3 {
		errs = append(errs, fmt.Errorf("SUBSCRIPTION_CURRENCY %q is not an ISO 4217 code", c.SubscriptionCurrency))
	}
	if c.GoCardlessEnvironment != "sandbox" && c.GoCardlessEnvironment != "live" {
		errs = append(errs, fmt.Errorf("GOCARDLESS_ENVIRONMENT %q must be sandbox or live", c.GoCardlessEnvironment))
	}
	if c.IsProduction() {
		if c.GoCardlessAccessToken == "" {
			errs = append(errs, errors.New("GOCARDLESS_ACCESS_TOKEN is required in production"))
		}
		if c.GoCardlessWebhookSecret == "" {
			errs = append(errs, errors.New("GOCARDLESS_WEBHOOK_SECRET is required in production"))
		}
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required in production"))
		}
	}
	return errors.Join(errs...)
}

// LocalMode reports whether the embedded SQLite database is used.
func (c *Config) LocalMode() bool {
	return c.DatabaseURL == "" || strings.HasPrefix(c.DatabaseURL, "sqlite")
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
