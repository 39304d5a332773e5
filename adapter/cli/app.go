package cli

import (
	"context"
	"time"

	"github.com/google/uuid"
	billingApp "github.com/helyar/helyar/internal/billing/application"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/helyar/helyar/pkg/config"
	"github.com/helyar/helyar/pkg/observability"
)

// JobRunner runs reconciliation jobs on demand.
type JobRunner interface {
	RunOnce(ctx context.Context, name string) (*billingApp.JobResult, error)
	Status() []billingApp.JobStatus
}

// SubscriptionRepairer heals a single subscription against the provider.
type SubscriptionRepairer interface {
	SyncWithProvider(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error)
	RetryFailedPayment(ctx context.Context, subscriptionID uuid.UUID) (*domain.Payment, error)
}

// StatusReader returns the setup view of a user's subscription.
type StatusReader interface {
	Handle(ctx context.Context, userID uuid.UUID) (*billingApp.SetupStatus, error)
}

// EventReplayer applies already verified webhook events.
type EventReplayer interface {
	Process(ctx context.Context, events []billingApp.WebhookEvent) *billingApp.WebhookResult
}

// Service is a background loop started alongside the HTTP server.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

// HTTPServer is the API server run by the serve command.
type HTTPServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// TokenIssuer mints bearer tokens for local testing.
type TokenIssuer interface {
	IssueToken(userID uuid.UUID, ttl time.Duration) (string, error)
}

// App holds the CLI application dependencies.
type App struct {
	Config *config.Config

	Jobs     JobRunner
	Repair   SubscriptionRepairer
	Status   StatusReader
	Replayer EventReplayer

	Server     HTTPServer
	Background []Service
	Tokens     TokenIssuer
	Health     *observability.HealthRegistry
	Metrics    observability.Metrics
}

var app *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	app = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return app
}
