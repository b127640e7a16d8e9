package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/autointelli/alertd/alertd/internal/cache"
	"github.com/autointelli/alertd/pkg/types"
)

const (
	// CatalogPrefix is the cache key prefix of cached rule lists.
	CatalogPrefix = "rules:"

	// CatalogTTL is how long a rule list is served from cache.
	CatalogTTL = 30 * time.Second
)

// CachedCatalog serves rule lists from a cache in front of another catalog.
// Rule changes invalidate CatalogPrefix through the change bus.
type CachedCatalog struct {
	next   RuleCatalog
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedCatalog wraps next. A ttl of zero uses CatalogTTL.
func NewCachedCatalog(next RuleCatalog, c cache.Cache, ttl time.Duration, logger *slog.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = CatalogTTL
	}
	return &CachedCatalog{
		next:   next,
		cache:  c,
		ttl:    ttl,
		logger: logger.With("component", "rule_catalog"),
	}
}

// ListEnabledRules returns the cached rule list for filter, loading it on a miss.
func (c *CachedCatalog) ListEnabledRules(ctx context.Context, filter types.RuleFilter) ([]*types.Rule, error) {
	return cache.Cached(ctx, c.cache, c.logger, CatalogPrefix+filter.CacheKey(), c.ttl, func(ctx context.Context) ([]*types.Rule, error) {
		return c.next.ListEnabledRules(ctx, filter)
	})
}

// Invalidate drops every cached rule list.
func (c *CachedCatalog) Invalidate(ctx context.Context) error {
	return c.cache.Invalidate(ctx, CatalogPrefix)
}
