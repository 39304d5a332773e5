package observability

import (
	"context"
	"log/slog"
	"time"
)

// TimeOperationResult runs fn with ctx tagged by operation and records its
// duration and outcome. logger and metrics may be nil.
func TimeOperationResult[T any](ctx context.Context, logger *slog.Logger, metrics Metrics, operation string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	result, err := fn(WithOperation(ctx, operation))
	recordOperation(ctx, logger, metrics, operation, time.Since(start), err)
	return result, err
}

// TimeOperation is TimeOperationResult for functions without a result.
func TimeOperation(ctx context.Context, logger *slog.Logger, metrics Metrics, operation string, fn func(context.Context) error) error {
	_, err := TimeOperationResult(ctx, logger, metrics, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func recordOperation(ctx context.Context, logger *slog.Logger, metrics Metrics, operation string, d time.Duration, err error) {
	if logger != nil {
		if err != nil {
			logger.ErrorContext(ctx, "operation failed",
				OperationKey, operation,
				"duration_ms", d.Milliseconds(),
				"error", err.Error(),
			)
		} else {
			logger.InfoContext(ctx, "operation completed",
				OperationKey, operation,
				"duration_ms", d.Milliseconds(),
			)
		}
	}
	if metrics == nil {
		return
	}
	tag := T(OperationKey, operation)
	metrics.Timing(MetricOperationDuration, d, tag)
	metrics.Counter(MetricOperationTotal, 1, tag)
	if err != nil {
		metrics.Counter(MetricOperationErrors, 1, tag)
	}
}
