package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/helyar/helyar/internal/billing/application"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL keeps processed event ids for the provider's retry window.
const DefaultTTL = 30 * 24 * time.Hour

// RedisStore records processed webhook event ids as keys with a TTL.
// Keys are namespaced: billing:webhook:event:{event_id}
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(eventID string) string {
	return "billing:webhook:event:" + eventID
}

// Claim sets the event key only if it is absent.
func (s *RedisStore) Claim(ctx context.Context, eventID, resourceType, action string) (bool, error) {
	value := resourceType + "." + action + "@" + time.Now().UTC().Format(time.RFC3339)
	ok, err := s.client.SetNX(ctx, s.key(eventID), value, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	return ok, nil
}

// Release forgets an event so a redelivery is processed again.
func (s *RedisStore) Release(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, s.key(eventID)).Err(); err != nil {
		return fmt.Errorf("release event %s: %w", eventID, err)
	}
	return nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ application.EventDeduplicator = (*RedisStore)(nil)
