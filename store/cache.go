package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis connection used for three narrow jobs: idempotency
// guards on external writes, short-lived advisory locks on a run, and the
// per-incident automation pause flag set by the "/copilot stop" command.
type Cache struct {
	client *redis.Client
	prefix string
}

// CacheConfig configures the Redis connection backing Cache.
type CacheConfig struct {
	RedisURL  string
	KeyPrefix string // defaults to "opsrunbook:"
}

// NewCache connects to Redis and verifies the connection with a ping.
func NewCache(ctx context.Context, cfg CacheConfig) (*Cache, error) {
	url := cfg.RedisURL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "opsrunbook:"
	}
	return &Cache{client: client, prefix: prefix}, nil
}

// NewCacheFromClient wraps an already-constructed client, used by tests to
// inject a miniredis-backed *redis.Client.
func NewCacheFromClient(client *redis.Client, prefix string) *Cache {
	if prefix == "" {
		prefix = "opsrunbook:"
	}
	return &Cache{client: client, prefix: prefix}
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) key(parts ...string) string {
	k := c.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// AcquireLock sets a run-scoped lock with a TTL, returning false without
// error if another caller already holds it. Used to serialize concurrent
// attempts at the same pipeline phase for one incident run.
func (c *Cache) AcquireLock(ctx context.Context, runID, phase string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key("lock", runID, phase), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s/%s: %w", runID, phase, err)
	}
	return ok, nil
}

// ReleaseLock drops a lock acquired by AcquireLock.
func (c *Cache) ReleaseLock(ctx context.Context, runID, phase string) error {
	if err := c.client.Del(ctx, c.key("lock", runID, phase)).Err(); err != nil {
		return fmt.Errorf("release lock %s/%s: %w", runID, phase, err)
	}
	return nil
}

// MarkOnce records that idempotencyKey has been seen, returning true the
// first time it's called for that key and false on every subsequent call
// within ttl. This backs the "query-before-write" guard on ticket/notify/PR
// actions and webhook delivery-ID dedupe.
func (c *Cache) MarkOnce(ctx context.Context, idempotencyKey string, ttl time.Duration) (bool, error) {
	first, err := c.client.SetNX(ctx, c.key("once", idempotencyKey), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark once %s: %w", idempotencyKey, err)
	}
	return first, nil
}

// SetPaused sets or clears the automation-paused flag for an incident,
// driven by the "/copilot stop" / "/copilot resume" webhook commands.
func (c *Cache) SetPaused(ctx context.Context, incidentID string, paused bool) error {
	key := c.key("paused", incidentID)
	if !paused {
		return c.client.Del(ctx, key).Err()
	}
	return c.client.Set(ctx, key, "1", 0).Err()
}

// IsPaused reports the current automation-paused state for an incident.
func (c *Cache) IsPaused(ctx context.Context, incidentID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key("paused", incidentID)).Result()
	if err != nil {
		return false, fmt.Errorf("check paused %s: %w", incidentID, err)
	}
	return n > 0, nil
}
