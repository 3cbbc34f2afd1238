// Package cache provides a small pass-through key-value cache used to keep
// upstream CMS and price API traffic down. It is best-effort: failures are
// logged and callers fall through to the source.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradeboard/tradeboard/internal/config"
)

// Cache is a byte-oriented key-value store with per-entry TTLs.
type Cache interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns a Redis-backed cache when an address is configured and
// reachable, otherwise an in-memory cache.
func Open(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) Cache {
	logger = logger.With("component", "cache")
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			logger.Info("using redis cache", "addr", cfg.RedisAddr)
			return NewRedis(client, "tradeboard:")
		}
		_ = client.Close()
		logger.Warn("redis unavailable, falling back to in-memory cache", "addr", cfg.RedisAddr, "error", err)
	}
	logger.Info("using in-memory cache", "entries", cfg.MemoryEntries)
	return NewMemory(cfg.MemoryEntries)
}

// Remember returns the cached JSON value for key, or calls load and caches
// its result for ttl. Cache errors never fail the call; they are logged to
// logger, or to the default logger when it is nil.
func Remember[T any](ctx context.Context, c Cache, logger *slog.Logger, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if c != nil {
		data, ok, err := c.Get(ctx, key)
		if err != nil {
			logger.WarnContext(ctx, "cache get failed", "key", key, "error", err)
		} else if ok {
			var v T
			if err := json.Unmarshal(data, &v); err == nil {
				return v, nil
			}
			logger.WarnContext(ctx, "cache entry undecodable, reloading", "key", key)
		}
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}

	if c != nil && ttl > 0 {
		data, err := json.Marshal(v)
		if err != nil {
			return v, nil
		}
		if err := c.Set(ctx, key, data, ttl); err != nil {
			logger.WarnContext(ctx, "cache set failed", "key", key, "error", err)
		}
	}
	return v, nil
}

// Key joins parts into a cache key. Parts are query-escaped so a separator
// inside a caller-supplied value cannot collide with another key.
func Key(parts ...any) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.QueryEscape(fmt.Sprint(p))
	}
	return strings.Join(escaped, ":")
}
