// Package health provides health check implementations for external dependencies.
package health

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the part of a Redis client the checker needs.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisChecker implements health checking for the Redis rate-limit store.
type RedisChecker struct {
	client Pinger
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client Pinger) *RedisChecker {
	return &RedisChecker{
		client: client,
	}
}

// HealthCheck performs a health check on Redis by sending a PING command.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
