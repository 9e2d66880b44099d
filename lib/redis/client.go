package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client errors
var (
	ErrClientClosed = errors.New("redis client is closed")
	ErrInvalidURL   = errors.New("invalid Redis URL")
)

// Config holds Redis client configuration
type Config struct {
	// Native Redis connection URL (rediss://...)
	URL string

	// Connection pool settings
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	MaxIdleTime     time.Duration
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 3 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		MaxIdleTime:     5 * time.Minute,
	}
}

// RedisClient is a thin wrapper over go-redis's native client: the
// EmbeddingCache only ever needs Get/Set/Health/Close, so that's the whole
// surface this type exposes.
type RedisClient struct {
	config Config
	native *redis.Client

	mu     sync.RWMutex
	closed bool
}

// NewRedisClient dials config.URL and pings it once before returning.
func NewRedisClient(config Config) (*RedisClient, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: URL must be provided", ErrInvalidURL)
	}

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.MaxRetries = config.MaxRetries
	opts.MinRetryBackoff = config.MinRetryBackoff
	opts.MaxRetryBackoff = config.MaxRetryBackoff
	opts.DialTimeout = config.DialTimeout
	opts.ReadTimeout = config.ReadTimeout
	opts.WriteTimeout = config.WriteTimeout
	opts.PoolSize = config.PoolSize
	opts.MinIdleConns = config.MinIdleConns
	opts.ConnMaxIdleTime = config.MaxIdleTime

	native := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := native.Ping(ctx).Err(); err != nil {
		native.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{config: config, native: native}, nil
}

// Get retrieves a value from Redis. A missing key returns ("", nil) rather
// than an error, matching redis.Nil's meaning to EmbeddingCache.Get.
func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return "", ErrClientClosed
	}
	c.mu.RUnlock()

	val, err := c.native.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Set stores a value in Redis with optional TTL.
func (c *RedisClient) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClientClosed
	}
	c.mu.RUnlock()

	return c.native.Set(ctx, key, value, ttl).Err()
}

// Health pings the connection.
func (c *RedisClient) Health() error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClientClosed
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.native.Ping(ctx).Err()
}

// Close gracefully shuts down the Redis client.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.native.Close()
}
