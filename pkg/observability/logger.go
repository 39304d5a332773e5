// Package observability provides structured logging, metrics collection,
// health checks and request correlation for helyar.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogFormat specifies the output format for logs.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// LogLevel represents logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogConfig configures the logger.
type LogConfig struct {
	Level  LogLevel
	Format LogFormat
	// Output defaults to os.Stderr.
	Output    io.Writer
	AddSource bool
	// ServiceName and ServiceVersion are added to every record.
	ServiceName    string
	ServiceVersion string
}

// DefaultLogConfig is the development setup: text on stderr.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:          LogLevelInfo,
		Format:         LogFormatText,
		Output:         os.Stderr,
		ServiceName:    "helyar",
		ServiceVersion: "dev",
	}
}

// ProductionLogConfig is JSON on stdout with source locations.
func ProductionLogConfig() LogConfig {
	return LogConfig{
		Level:          LogLevelInfo,
		Format:         LogFormatJSON,
		Output:         os.Stdout,
		AddSource:      true,
		ServiceName:    "helyar",
		ServiceVersion: "unknown",
	}
}

// NewLogger creates a structured logger. Records pick up the correlation,
// request, user, operation and webhook event ids carried by their context,
// and subscriber contact details are masked.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       parseSlogLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	switch cfg.Format {
	case LogFormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	var attrs []slog.Attr
	if cfg.ServiceName != "" {
		attrs = append(attrs, slog.String("service", cfg.ServiceName))
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, slog.String("version", cfg.ServiceVersion))
	}
	return slog.New(&attributeHandler{handler: handler, attrs: attrs})
}

// LogConfigFromEnv builds a LogConfig from APP_ENV, LOG_LEVEL, LOG_FORMAT
// and APP_VERSION.
func LogConfigFromEnv(getenv func(string) string) LogConfig {
	cfg := DefaultLogConfig()
	if getenv("APP_ENV") == "production" {
		cfg = ProductionLogConfig()
	}
	if level := getenv("LOG_LEVEL"); level != "" {
		cfg.Level = LogLevel(strings.ToLower(level))
	}
	if format := getenv("LOG_FORMAT"); format != "" {
		cfg.Format = LogFormat(strings.ToLower(format))
	}
	if version := getenv("APP_VERSION"); version != "" {
		cfg.ServiceVersion = version
	}
	return cfg
}

// LoggerFromEnv is used by the entrypoints before configuration is loaded.
func LoggerFromEnv() *slog.Logger {
	return NewLogger(LogConfigFromEnv(os.Getenv))
}

func parseSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactedKeys never reach the log output.
var redactedKeys = map[string]bool{
	"authorization": true,
	"access_token":  true,
	"state":         true,
	"token":         true,
}

func redact(_ []string, a slog.Attr) slog.Attr {
	switch {
	case redactedKeys[a.Key]:
		return slog.String(a.Key, "[redacted]")
	case a.Key == "email" && a.Value.Kind() == slog.KindString:
		return slog.String(a.Key, MaskEmail(a.Value.String()))
	}
	return a
}

// MaskEmail keeps the first letter of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// attributeHandler adds service attributes and context ids to each record.
// A context id already bound with Logger.With or given on the call wins.
type attributeHandler struct {
	handler slog.Handler
	attrs   []slog.Attr
	bound   map[string]bool
}

func (h *attributeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *attributeHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.attrs...)

	present := make(map[string]bool, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		present[a.Key] = true
		return true
	})
	for _, key := range contextAttrs {
		if present[key] || h.bound[key] {
			continue
		}
		if v := valueFrom(ctx, key); v != "" {
			r.AddAttrs(slog.String(key, v))
		}
	}
	return h.handler.Handle(ctx, r)
}

func (h *attributeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]bool, len(h.bound)+len(attrs))
	for k := range h.bound {
		bound[k] = true
	}
	for _, a := range attrs {
		bound[a.Key] = true
	}
	return &attributeHandler{handler: h.handler.WithAttrs(attrs), attrs: h.attrs, bound: bound}
}

func (h *attributeHandler) WithGroup(name string) slog.Handler {
	return &attributeHandler{handler: h.handler.WithGroup(name), attrs: h.attrs, bound: h.bound}
}
