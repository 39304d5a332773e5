package observability

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// Attribute keys, shared by context values, log records and metric tags.
const (
	CorrelationIDKey = "correlation_id"
	RequestIDKey     = "request_id"
	UserIDKey        = "user_id"
	OperationKey     = "operation"
	EventIDKey       = "event_id"
)

// contextAttrs lists, in log order, the context values the logger copies
// onto every record.
var contextAttrs = []string{CorrelationIDKey, RequestIDKey, UserIDKey, OperationKey, EventIDKey}

func withValue(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, contextKey(key), value)
}

func valueFrom(ctx context.Context, key string) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(contextKey(key)).(string)
	return v
}

// WithCorrelationID tags ctx with the id that ties an HTTP request, a CLI
// run or a job run to the outbox events it produces. An empty id is replaced
// with a new UUID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return withValue(ctx, CorrelationIDKey, id)
}

// CorrelationIDFromContext returns the correlation id, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, CorrelationIDKey)
}

// WithRequestID tags ctx with an HTTP request id, generating one when empty.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return withValue(ctx, RequestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, RequestIDKey)
}

// WithUserID tags ctx with the authenticated subscriber.
func WithUserID(ctx context.Context, userID string) context.Context {
	return withValue(ctx, UserIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, UserIDKey)
}

// WithOperation names the use case, job or command ctx is running, e.g.
// "job.expiry_sweep" or "webhook.payments.confirmed".
func WithOperation(ctx context.Context, operation string) context.Context {
	return withValue(ctx, OperationKey, operation)
}

func OperationFromContext(ctx context.Context) string {
	return valueFrom(ctx, OperationKey)
}

// WithEventID tags ctx with the provider webhook event being applied.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return withValue(ctx, EventIDKey, eventID)
}

func EventIDFromContext(ctx context.Context) string {
	return valueFrom(ctx, EventIDKey)
}
