// Package cache provides the caching layer for the segment engine: a
// Redis-backed summary cache with update pub/sub, and an in-process L1
// cache of decoded rule trees. It handles serialization, key namespacing,
// and connection management.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces all segment keys in Redis.
// Example: "segment:7b0e..."
const KeyPrefix = "segment"

// UpdateChannel is the pub/sub channel carrying segment-updated events.
// API replicas subscribe to it to invalidate their L1 rule cache.
const UpdateChannel = "segmenta:segment-updates"

// Service defines the cache operations the engine depends on. An
// interface keeps the membership and API layers mockable in tests.
type Service interface {
	// SetSegmentSummary updates the cached summary hash for a segment
	// (member_count, rule_hash, synced_at).
	SetSegmentSummary(ctx context.Context, segmentID string, fields map[string]interface{}) error

	// PublishUpdate broadcasts that a segment's rule or membership
	// changed, so subscribers drop cached state for it.
	PublishUpdate(ctx context.Context, segmentID string) error

	// Subscribe delivers segment IDs published via PublishUpdate until
	// the context is cancelled.
	Subscribe(ctx context.Context, fn func(segmentID string)) error

	// HealthCheck pings the redis server to ensure connectivity.
	HealthCheck(ctx context.Context) error

	// Close terminates the connection.
	Close() error
}

// RedisCache implements Service using the go-redis library.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache initializes a new Redis-backed cache service.
func NewRedisCache(ctx context.Context, addr string) (*RedisCache, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	opts := &redis.Options{
		Addr: addr,
		// Timeouts prevent cascading failures
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		// Connection Pool settings
		PoolSize:     10,
		MinIdleConns: 2,
	}

	client := redis.NewClient(opts)

	// Fail Fast: Verify connection immediately
	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(initCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheWithClient wraps an existing client, for callers that
// built the client through NewRedisClient's retry/TLS path.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	return &RedisCache{client: client}
}

// SetSegmentSummary stores the summary as a Hash (HSET).
func (c *RedisCache) SetSegmentSummary(ctx context.Context, segmentID string, fields map[string]interface{}) error {
	redisKey := fmt.Sprintf("%s:%s", KeyPrefix, segmentID)

	if err := c.client.HSet(ctx, redisKey, fields).Err(); err != nil {
		return fmt.Errorf("failed to set segment summary %q in cache: %w", segmentID, err)
	}
	return nil
}

// PublishUpdate broadcasts a segment-updated event.
func (c *RedisCache) PublishUpdate(ctx context.Context, segmentID string) error {
	if err := c.client.Publish(ctx, UpdateChannel, segmentID).Err(); err != nil {
		return fmt.Errorf("failed to publish update for segment %q: %w", segmentID, err)
	}
	return nil
}

// Subscribe blocks delivering updates until ctx is cancelled.
func (c *RedisCache) Subscribe(ctx context.Context, fn func(segmentID string)) error {
	sub := c.client.Subscribe(ctx, UpdateChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("update subscription channel closed")
			}
			fn(msg.Payload)
		}
	}
}

// HealthCheck verifies the connection to the Redis server.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
