package redis

import (
	"context"
	"fmt"
)

// HealthCheck implements the health.HealthCheck interface for Redis
type HealthCheck struct {
	client *RedisClient
}

// NewHealthCheck creates a new Redis health check
func NewHealthCheck(client *RedisClient) *HealthCheck {
	return &HealthCheck{
		client: client,
	}
}

// Check performs the health check for Redis
func (hc *HealthCheck) Check(ctx context.Context) error {
	if hc.client == nil {
		return fmt.Errorf("redis client is nil")
	}

	if err := hc.client.Health(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	return nil
}
