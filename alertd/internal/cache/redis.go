package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "alertd:cache:"
	leasePrefix = "alertd:lease:"

	scanBatch = 200
)

// releaseScript deletes a lease only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Cache shared across processes.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(redisURL string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisFromClient(client, logger), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With("component", "cache"),
	}
}

// Get retrieves a cached value. Returns nil if not found or expired.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores a value with the normalized TTL.
func (r *Redis) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return r.client.Set(ctx, keyPrefix+key, data, NormalizeTTL(ttl)).Err()
}

// Invalidate removes all keys starting with prefix, scanning in batches.
func (r *Redis) Invalidate(ctx context.Context, prefix string) error {
	pattern := keyPrefix + prefix + "*"
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scanning %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("deleting keys: %w", err)
			}
			removed += len(keys)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	r.logger.Debug("cache invalidated", "prefix", prefix, "removed", removed)
	return nil
}

// Lease acquires a named lease for owner if no one else holds it.
// It reports whether the lease is now held by owner; an existing lease held
// by the same owner is extended.
func (r *Redis) Lease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	key := leasePrefix + name
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	if ok {
		return true, nil
	}

	current, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading lease %s: %w", name, err)
	}
	if current != owner {
		return false, nil
	}
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return false, fmt.Errorf("extending lease %s: %w", name, err)
	}
	return true, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (r *Redis) ReleaseLease(ctx context.Context, name, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{leasePrefix + name}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("releasing lease %s: %w", name, err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
