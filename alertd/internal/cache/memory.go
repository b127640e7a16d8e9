package cache

import (
	"context"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process Cache.
type Memory struct {
	c *gocache.Cache
}

// NewMemory creates a Memory cache that sweeps expired items every cleanup interval.
func NewMemory(cleanup time.Duration) *Memory {
	return &Memory{c: gocache.New(DefaultTTL, cleanup)}
}

// Get returns a copy of the cached value, or nil on a miss.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, nil
	}
	data := v.([]byte)
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Set stores a copy of data.
func (m *Memory) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	stored := make([]byte, len(data))
	copy(stored, data)
	m.c.Set(key, stored, NormalizeTTL(ttl))
	return nil
}

// Invalidate removes keys starting with prefix.
func (m *Memory) Invalidate(ctx context.Context, prefix string) error {
	if prefix == "" {
		m.c.Flush()
		return nil
	}
	for key := range m.c.Items() {
		if strings.HasPrefix(key, prefix) {
			m.c.Delete(key)
		}
	}
	return nil
}

// Len returns the item count, including expired items not yet swept.
func (m *Memory) Len() int {
	return m.c.ItemCount()
}
