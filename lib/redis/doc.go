// Package redis provides the balancer's embedding cache backend: a thin
// native-protocol Redis client (Get/Set/Health/Close) plus EmbeddingCache,
// which keys cached embeddings by a sha256 of their source text and
// normalization method.
//
// Basic Usage:
//
//	config := redis.DefaultConfig()
//	config.URL = os.Getenv("REDIS_URL")
//
//	client, err := redis.NewRedisClient(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	ctx := context.Background()
//	err = client.Set(ctx, "key", "value", 1*time.Hour)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Health Checks:
//
// The package integrates with the health check system:
//
//	healthCheck := redis.NewHealthCheck(client)
//	if err := healthCheck.Check(ctx); err != nil {
//	    log.Printf("Redis unhealthy: %v", err)
//	}
package redis
