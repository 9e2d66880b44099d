package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/llmops/fleetbalancer/lib/domain"
	"github.com/llmops/fleetbalancer/lib/metrics"
)

const embeddingCacheMetricName = "embedding"

// EmbeddingCache is an optional cross-request correlation cache: it lets the
// balancer answer a repeated GenerateEmbeddingBatch request for identical
// document text without redispatching to an agent (testable property:
// "two requests with the same document content must yield identical
// vectors" — caching makes that property free instead of merely true).
//
// A nil *EmbeddingCache is valid and behaves as an always-miss cache; the
// dispatch path never needs a nil check beyond constructing one.
type EmbeddingCache struct {
	client  *RedisClient
	ttl     time.Duration
	metrics *metrics.MetricsRegistry
}

// NewEmbeddingCache wraps client with entries that expire after ttl (10
// minutes when ttl <= 0). Pass
// client == nil to get a cache that is always a miss (used when no Redis
// address is configured at startup). registry times every Get/Put round
// trip (lib/metrics.MetricsRegistry.RecordCacheOperation); a nil registry
// disables that timing.
func NewEmbeddingCache(client *RedisClient, ttl time.Duration, registry *metrics.MetricsRegistry) *EmbeddingCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &EmbeddingCache{client: client, ttl: ttl, metrics: registry}
}

func embeddingCacheKey(text string, norm domain.EmbeddingNormalizationMethod) string {
	h := sha256.New()
	h.Write([]byte(norm.Method))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%g", norm.Epsilon)
	h.Write([]byte{0})
	h.Write([]byte(text))
	return "fleetbalancer:embedding:" + hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached embedding for text under the given normalization
// method, or ok == false on a cache miss (including "cache disabled").
func (c *EmbeddingCache) Get(ctx context.Context, text string, norm domain.EmbeddingNormalizationMethod) (domain.Embedding, bool) {
	if c == nil || c.client == nil {
		return domain.Embedding{}, false
	}
	if c.metrics != nil {
		defer c.metrics.CacheOperationTimer(embeddingCacheMetricName, "get")()
	}
	raw, err := c.client.Get(ctx, embeddingCacheKey(text, norm))
	if err != nil || raw == "" {
		return domain.Embedding{}, false
	}
	var emb domain.Embedding
	if err := json.Unmarshal([]byte(raw), &emb); err != nil {
		return domain.Embedding{}, false
	}
	return emb, true
}

// Put stores an embedding keyed by its source text and normalization
// method. Errors are not fatal to the caller — the cache is a performance
// hint, not a source of truth — so Put only returns an error for logging.
func (c *EmbeddingCache) Put(ctx context.Context, text string, emb domain.Embedding) error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.metrics != nil {
		defer c.metrics.CacheOperationTimer(embeddingCacheMetricName, "put")()
	}
	raw, err := json.Marshal(emb)
	if err != nil {
		return fmt.Errorf("marshal cached embedding: %w", err)
	}
	return c.client.Set(ctx, embeddingCacheKey(text, emb.Normalization), string(raw), c.ttl)
}
