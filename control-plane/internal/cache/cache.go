// Package cache provides Redis-backed caching for admin API responses.
//
// Cached surfaces are the read-heavy dashboard views: the fleet overview,
// the challenge list, and the recording list. Writes that change those
// views invalidate the matching keys; TTLs bound staleness when an
// invalidation is missed.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fieldsignal/rf-range/control-plane/internal/config"
)

const keyPrefix = "rfrange:cache:"

// Domain cache keys. List keys are suffixed with their pagination window.
const (
	KeyFleetOverview = "fleet:overview"
	KeyChallenges    = "challenges"
	KeyRecordings    = "recordings"
)

// Cache provides Redis-backed response caching.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a Redis-backed cache and verifies the connection.
func New(redisURL string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), config.RedisConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Cache{
		client: client,
		logger: logger.With("component", "cache"),
	}, nil
}

// Close releases the Redis connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Get retrieves a cached value. Returns nil on a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores a value in the cache with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, data, ttl).Err()
}

// GetJSON retrieves and unmarshals a cached JSON value. The bool reports a
// hit.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals and stores a JSON value in the cache.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// Delete removes a key from the cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// DeletePattern removes all keys matching a pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	keys, err := c.client.Keys(ctx, keyPrefix+pattern).Result()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return c.client.Del(ctx, keys...).Err()
	}
	return nil
}

// PageKey derives a list cache key for one pagination window.
func PageKey(base string, limit, offset int) string {
	return fmt.Sprintf("%s:%d:%d", base, limit, offset)
}

// InvalidateFleet drops the fleet overview after agent or assignment state
// changes. Invalidation failures are logged, never surfaced: the TTL
// bounds the damage.
func (c *Cache) InvalidateFleet(ctx context.Context) {
	if err := c.Delete(ctx, KeyFleetOverview); err != nil {
		c.logger.Warn("invalidating fleet overview", "error", err)
	}
}

// InvalidateChallenges drops all cached challenge list pages.
func (c *Cache) InvalidateChallenges(ctx context.Context) {
	if err := c.DeletePattern(ctx, KeyChallenges+":*"); err != nil {
		c.logger.Warn("invalidating challenge lists", "error", err)
	}
}

// InvalidateRecordings drops all cached recording list pages and the fleet
// overview, whose recording counters just moved.
func (c *Cache) InvalidateRecordings(ctx context.Context) {
	if err := c.DeletePattern(ctx, KeyRecordings+":*"); err != nil {
		c.logger.Warn("invalidating recording lists", "error", err)
	}
	c.InvalidateFleet(ctx)
}
