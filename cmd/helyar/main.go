package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/helyar/helyar/adapter/api"
	"github.com/helyar/helyar/adapter/cli"
	"github.com/helyar/helyar/adapter/cli/subscription"
	"github.com/helyar/helyar/adapter/cli/webhook"
	"github.com/helyar/helyar/internal/app"
	"github.com/helyar/helyar/pkg/config"
	"github.com/helyar/helyar/pkg/observability"
)

// devJWTSecret signs tokens when JWT_SECRET is unset outside production.
const devJWTSecret = "helyar-development-secret"

func main() {
	logger := observability.LoggerFromEnv()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cli.SetLogger(logger)
	cli.AddCommand(subscription.Cmd)
	cli.AddCommand(webhook.Cmd)

	// Commands such as migrate and version work without the full container.
	cliApp := &cli.App{Config: cfg}
	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		if cfg.IsProduction() {
			logger.Error("failed to initialize container", "error", err)
			os.Exit(1)
		}
		logger.Warn("failed to initialize container, running in limited mode", "error", err)
	} else {
		cliApp = newCLIApp(cfg, container, logger)
	}
	cli.SetApp(cliApp)

	err = cli.Execute(ctx)
	if container != nil {
		container.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func newCLIApp(cfg *config.Config, c *app.Container, logger *slog.Logger) *cli.App {
	secret := cfg.JWTSecret
	if secret == "" {
		logger.Warn("JWT_SECRET is not set, using the development signing key")
		secret = devJWTSecret
	}
	auth := api.NewAuthenticator(secret)

	serverCfg := api.DefaultServerConfig()
	if cfg.HTTPAddr != "" {
		serverCfg.Addr = cfg.HTTPAddr
	}
	server := api.NewServer(serverCfg, api.Dependencies{
		Subscriptions: api.NewSubscriptionHandler(api.SubscriptionHandlerConfig{
			Initiate:           c.Initiate,
			Complete:           c.Complete,
			Status:             c.Status,
			CancelSubscription: c.CancelSubscription,
			CancelMandate:      c.CancelMandate,
			Logger:             logger,
		}),
		Webhooks:       api.NewWebhookHandler(c.Webhooks, cfg.FrontendURL, logger),
		Auth:           auth,
		Health:         c.Health,
		Metrics:        c.Metrics,
		MetricsHandler: c.Metrics.Handler(),
	}, logger)

	var background []cli.Service
	if cfg.OutboxProcessorEnabled {
		background = append(background, c.OutboxProcessor)
	}
	background = append(background, c.Scheduler)

	return &cli.App{
		Config:     cfg,
		Jobs:       c.Scheduler,
		Repair:     c.Reconciler,
		Status:     c.Status,
		Replayer:   c.Webhooks,
		Server:     server,
		Background: background,
		Tokens:     auth,
		Health:     c.Health,
		Metrics:    c.Metrics,
	}
}
