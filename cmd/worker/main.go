package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helyar/helyar/internal/app"
	"github.com/helyar/helyar/internal/billing/infrastructure/notify"
	"github.com/helyar/helyar/internal/shared/infrastructure/eventbus"
	"github.com/helyar/helyar/pkg/config"
	"github.com/helyar/helyar/pkg/observability"
)

// reminderQueue is the durable queue the worker consumes reminders from.
const reminderQueue = "helyar.billing.reminders"

func main() {
	logger := observability.LoggerFromEnv()
	logger.Info("starting helyar worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, container, logger); err != nil {
		logger.Error("worker failed", "error", err)
		container.Close()
		os.Exit(1)
	}
	container.Close()
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, c *app.Container, logger *slog.Logger) error {
	if cfg.OutboxProcessorEnabled {
		if err := c.OutboxProcessor.Start(ctx); err != nil {
			return err
		}
	} else {
		logger.Info("outbox processor disabled")
	}

	if err := c.Scheduler.Start(ctx); err != nil {
		return err
	}

	if cfg.RabbitMQURL != "" {
		consumer, err := eventbus.NewRabbitMQConsumer(eventbus.RabbitMQConsumerConfig{
			URL:       cfg.RabbitMQURL,
			QueueName: reminderQueue,
			Logger:    logger,
		}, eventbus.NewConsumerRegistry(logger))
		if err != nil {
			if cfg.IsProduction() {
				return err
			}
			logger.Warn("RabbitMQ consumer not available, reminders will not be delivered", "error", err)
		} else {
			defer consumer.Close()
			consumer.RegisterConsumer(notify.NewReminderConsumer(notify.LogSender{Logger: logger}, logger))
			go func() {
				if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
					logger.Error("reminder consumer stopped", "error", err)
				}
			}()
		}
	}

	if cfg.WorkerHealthAddr != "" {
		srv := &http.Server{
			Addr:              cfg.WorkerHealthAddr,
			Handler:           healthMux(c, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("health server starting", "addr", cfg.WorkerHealthAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down worker")
	c.Scheduler.Stop()
	c.OutboxProcessor.Stop()
	return nil
}

func healthMux(c *app.Container, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := c.OutboxProcessor.GetStats()
		jobs := make(map[string]any)
		for _, job := range c.Scheduler.Status() {
			jobs[job.Name] = map[string]any{
				"last_run_at": job.LastRunAt,
				"last_error":  job.LastError,
			}
		}
		writeJSON(w, logger, http.StatusOK, map[string]any{
			"status": "ok",
			"outbox": map[string]any{
				"running":           stats.IsRunning,
				"published":         stats.PublishedCount,
				"failed":            stats.FailedCount,
				"dead":              stats.DeadCount,
				"lag_seconds":       stats.LagSeconds,
				"last_processed_at": stats.LastProcessedAt,
				"last_error":        stats.LastError,
			},
			"jobs": jobs,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		health := c.Health.GetOverallHealth(checkCtx)
		status := http.StatusOK
		if health.Status == observability.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, logger, status, health)
	})
	mux.Handle("GET /metrics", c.Metrics.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to write health response", "error", err)
	}
}
