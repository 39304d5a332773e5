package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pingOK(context.Context) error { return nil }

func TestHealthRegistry_OverallHealth(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]HealthChecker
		want   HealthStatus
	}{
		{"no checks", nil, HealthStatusHealthy},
		{"all healthy", map[string]HealthChecker{
			"database": DatabaseHealthChecker(pingOK),
			"redis":    RedisHealthChecker(pingOK),
		}, HealthStatusHealthy},
		{"broker down degrades", map[string]HealthChecker{
			"database": DatabaseHealthChecker(pingOK),
			"rabbitmq": RabbitMQHealthChecker(func(context.Context) error { return errors.New("closed") }),
		}, HealthStatusDegraded},
		{"database down wins", map[string]HealthChecker{
			"database": DatabaseHealthChecker(func(context.Context) error { return errors.New("refused") }),
			"redis":    RedisHealthChecker(func(context.Context) error { return errors.New("refused") }),
		}, HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewHealthRegistry()
			for name, c := range tt.checks {
				r.Register(name, c)
			}
			health := r.GetOverallHealth(context.Background())
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Checks, len(tt.checks))

			body, err := health.ToJSON()
			require.NoError(t, err)
			assert.Contains(t, string(body), `"status":"`+string(tt.want)+`"`)
		})
	}
}

func TestHealthRegistry_CheckTimeout(t *testing.T) {
	r := NewHealthRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("database", DatabaseHealthChecker(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	results := r.Check(context.Background())
	require.Contains(t, results, "database")
	assert.Equal(t, HealthStatusUnhealthy, results["database"].Status)
	assert.Contains(t, results["database"].Message, "deadline exceeded")
}

func TestOutboxHealthChecker(t *testing.T) {
	lagging := OutboxHealthChecker(func() time.Duration { return 10 * time.Minute }, 5*time.Minute)
	assert.Equal(t, HealthStatusDegraded, lagging(context.Background()).Status)

	fine := OutboxHealthChecker(func() time.Duration { return time.Second }, 5*time.Minute)
	result := fine(context.Background())
	assert.Equal(t, HealthStatusHealthy, result.Status)
	assert.Equal(t, 1.0, result.Details["lag_seconds"])
}
