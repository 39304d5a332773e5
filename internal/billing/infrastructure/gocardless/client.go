package gocardless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/helyar/helyar/pkg/observability"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
)

// Environments and their API hosts.
const (
	EnvironmentSandbox = "sandbox"
	EnvironmentLive    = "live"

	SandboxBaseURL = "https://api-sandbox.gocardless.com"
	LiveBaseURL    = "https://api.gocardless.com"

	apiVersion = "2015-07-06"
)

// Config configures the API client.
type Config struct {
	AccessToken string
	Environment string
	// BaseURL overrides the environment's host.
	BaseURL string
	Timeout time.Duration

	// BreakerFailures is the consecutive failure count that opens the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

// Validate checks the token matches the environment.
func (c Config) Validate() error {
	if c.AccessToken == "" {
		return errors.New("gocardless access token is required")
	}
	switch c.Environment {
	case EnvironmentSandbox:
		if !strings.HasPrefix(c.AccessToken, "sandbox_") {
			return errors.New("sandbox environment requires a sandbox token (starts with 'sandbox_')")
		}
	case EnvironmentLive:
		if !strings.HasPrefix(c.AccessToken, "live_") {
			return errors.New("live environment requires a live token (starts with 'live_')")
		}
	default:
		return fmt.Errorf("unknown gocardless environment %q", c.Environment)
	}
	return nil
}

func (c Config) baseURL() string {
	switch {
	case c.BaseURL != "":
		return strings.TrimRight(c.BaseURL, "/")
	case c.Environment == EnvironmentLive:
		return LiveBaseURL
	default:
		return SandboxBaseURL
	}
}

// Client calls the GoCardless Pro REST API. Every call goes through one
// circuit breaker; client errors (4xx) do not count as failures.
type Client struct {
	http    *http.Client
	baseURL string
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
	metrics observability.Metrics
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger, metrics observability.Metrics) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	c := &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"}),
				Base:   http.DefaultTransport,
			},
		},
		baseURL: cfg.baseURL(),
		logger:  logger,
		metrics: metrics,
	}
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "gocardless",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			c.metrics.Counter("provider_breaker_transitions_total", 1, observability.T("to", to.String()))
		},
	})
	return c, nil
}

func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Retryable()
	}
	return false
}

// do sends one request through the breaker. in and out are JSON envelopes;
// either may be nil.
func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, in, out any) error {
	start := time.Now()
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, idempotencyKey, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.metrics.Counter("provider_calls_total", 1, observability.T("operation", op), observability.T("outcome", "circuit_open"))
		return ErrCircuitOpen
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		c.logger.Warn("provider call failed", "operation", op, "path", path, "error", err)
	}
	c.metrics.Counter("provider_calls_total", 1, observability.T("operation", op), observability.T("outcome", outcome))
	c.metrics.Timing("provider_call_duration", time.Since(start), observability.T("operation", op))
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("GoCardless-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
