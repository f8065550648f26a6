// Package cache is a key-value layer over Redis with TTLs, get-or-compute
// and pattern invalidation. When the backing store is unreachable the layer
// degrades to pass-through no-ops instead of failing requests.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	scanBatch    = 100
	warnInterval = time.Minute
)

// Cache wraps a Redis client. A nil client means the layer is disabled and
// every operation is a no-op.
type Cache struct {
	client *redis.Client
	logger *slog.Logger

	mu       sync.Mutex
	lastWarn time.Time
}

// New connects to Redis at the given URL, selecting the DB index. A failed
// connection is not fatal: the returned cache is a pass-through.
func New(ctx context.Context, url string, db int, enabled bool, logger *slog.Logger) *Cache {
	c := &Cache{logger: logger}
	if !enabled || url == "" {
		logger.Info("cache disabled, running pass-through")
		return c
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("cache url invalid, running pass-through", "err", err)
		return c
	}
	if db > 0 {
		opts.DB = db
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("cache unreachable, running pass-through", "err", err)
		_ = client.Close()
		return c
	}

	c.client = client
	logger.Info("cache connected", "db", opts.DB)
	return c
}

// Enabled reports whether a backing store is attached.
func (c *Cache) Enabled() bool { return c.client != nil }

// Close releases the underlying connection.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Get loads a JSON value into dest. Returns false on miss, on backend
// failure, and when the layer is disabled.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if c.client == nil {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.warn("cache get failed", key, err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.warn("cache value corrupt", key, err)
		return false
	}
	return true
}

// Set stores a JSON-encodable value with a TTL. Errors are swallowed.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.warn("cache value not encodable", key, err)
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.warn("cache set failed", key, err)
	}
}

// Delete removes keys. Errors are swallowed.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if c.client == nil || len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.warn("cache delete failed", keys[0], err)
	}
}

// DeletePattern removes every key matching a glob pattern using a bounded
// SCAN so large keyspaces are never blocked on.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) {
	if c.client == nil {
		return
	}
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			c.warn("cache scan failed", pattern, err)
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.warn("cache delete failed", pattern, err)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// GetOrCompute returns the cached value for key when present; otherwise it
// runs compute, stores the result best-effort, and decodes it into dest.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (any, error), dest any) error {
	if c.Get(ctx, key, dest) {
		return nil
	}
	value, err := compute(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.Set(ctx, key, json.RawMessage(raw), ttl)
	return json.Unmarshal(raw, dest)
}

// warn logs a backend failure at most once per minute to keep a degraded
// store from flooding the log.
func (c *Cache) warn(msg, key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastWarn) < warnInterval {
		return
	}
	c.lastWarn = time.Now()
	c.logger.Warn(msg, "key", key, "err", err)
}
