// Package api provides the HTTP surface of the subscription service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/helyar/helyar/pkg/observability"
)

const subscriptionsPrefix = "/api/subscriptions"

// Server is the HTTP API server.
type Server struct {
	mux    *http.ServeMux
	server *http.Server
	logger *slog.Logger
	deps   Dependencies
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Dependencies are the handlers and collaborators behind the routes.
type Dependencies struct {
	Subscriptions  *SubscriptionHandler
	Webhooks       *WebhookHandler
	Auth           *Authenticator
	Health         *observability.HealthRegistry
	Metrics        observability.Metrics
	MetricsHandler http.Handler
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, deps Dependencies, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NoopMetrics{}
	}
	if deps.Health == nil {
		deps.Health = observability.NewHealthRegistry()
	}

	s := &Server{
		mux:    http.NewServeMux(),
		logger: logger,
		deps:   deps,
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		Recoverer(s.logger),
		RequestID,
		Instrument(s.deps.Metrics),
	)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleLiveness)
	s.mux.HandleFunc("GET /readyz", s.handleReadiness)
	if s.deps.MetricsHandler != nil {
		s.mux.Handle("GET /metrics", s.deps.MetricsHandler)
	}

	if h := s.deps.Subscriptions; h != nil {
		auth := s.deps.Auth.Middleware
		s.mux.Handle("POST "+subscriptionsPrefix+"/create-mandate/{$}", auth(operation("create_mandate", h.CreateMandate)))
		s.mux.Handle("POST "+subscriptionsPrefix+"/complete-mandate/{$}", operation("complete_mandate", h.CompleteMandate))
		s.mux.Handle("POST "+subscriptionsPrefix+"/cancel-mandate/{$}", auth(operation("cancel_mandate", h.CancelMandate)))
		s.mux.Handle("POST "+subscriptionsPrefix+"/cancel-subscription/{$}", auth(operation("cancel_subscription", h.CancelSubscription)))
		s.mux.Handle("GET "+subscriptionsPrefix+"/mandate-status/{$}", auth(operation("mandate_status", h.MandateStatus)))
	}

	if h := s.deps.Webhooks; h != nil {
		s.mux.Handle("POST "+subscriptionsPrefix+"/webhook/{$}", operation("webhook", h.Receive))
		s.mux.HandleFunc("GET "+subscriptionsPrefix+"/gocardless-complete/{$}", h.RedirectComplete)
	}
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := s.deps.Health.GetOverallHealth(ctx)
	status := http.StatusOK
	if health.Status == observability.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
