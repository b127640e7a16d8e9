// Package cache provides the short-lived cache used by the rule catalog and the
// license gate.
//
// Two backends implement Cache: Redis for deployments that share a cache
// across processes, and Memory for a single process. Values are opaque bytes;
// GetJSON, SetJSON and Cached layer JSON encoding on top.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const (
	// DefaultTTL applies when a caller passes a non-positive TTL.
	DefaultTTL = 30 * time.Second

	// MinTTL is the shortest TTL honored; shorter values are raised to it.
	MinTTL = time.Second
)

// Cache is a keyed byte cache with prefix invalidation.
type Cache interface {
	// Get returns the cached value, or nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	// Invalidate drops every key starting with prefix. An empty prefix clears the cache.
	Invalidate(ctx context.Context, prefix string) error
}

// NormalizeTTL applies the default and minimum TTL.
func NormalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	if ttl < MinTTL {
		return MinTTL
	}
	return ttl
}

// GetJSON retrieves and unmarshals a cached JSON value.
// It reports false on a miss.
func GetJSON(ctx context.Context, c Cache, key string, v any) (bool, error) {
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

// SetJSON marshals and stores a JSON value.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// Cached returns the cached value for key, or calls build and caches its result.
//
// Cache failures never fail the call: a read error falls through to build and
// a write error is logged.
func Cached[T any](ctx context.Context, c Cache, logger *slog.Logger, key string, ttl time.Duration, build func(context.Context) (T, error)) (T, error) {
	var v T
	if hit, err := GetJSON(ctx, c, key, &v); err == nil && hit {
		return v, nil
	} else if err != nil {
		logger.Warn("cache read failed", "key", key, "error", err)
	}

	v, err := build(ctx)
	if err != nil {
		return v, err
	}
	if err := SetJSON(ctx, c, key, v, ttl); err != nil {
		logger.Warn("cache write failed", "key", key, "error", err)
	}
	return v, nil
}
