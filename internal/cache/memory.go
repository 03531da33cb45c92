package cache

import (
	"context"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries is the default number of tables kept in memory.
const DefaultMemoryEntries = 8

// MemoryCache keeps the most recently used tables in process memory.
// Tables are copied on the way in and out.
type MemoryCache struct {
	entries *lru.Cache[Key, *types.Table]
	metrics Metrics
}

// NewMemoryCache creates an LRU cache holding up to size tables.
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	entries, err := lru.New[Key, *types.Table](size)
	if err != nil {
		return nil, perrors.NewCacheError(perrors.CodeCacheWriteFailed, "failed to create memory cache", err)
	}
	return &MemoryCache{entries: entries}, nil
}

// Metrics returns the cache statistics.
func (c *MemoryCache) Metrics() *Metrics { return &c.metrics }

// Len returns the number of cached tables.
func (c *MemoryCache) Len() int { return c.entries.Len() }

func (c *MemoryCache) Load(_ context.Context, key Key) (*types.Table, bool, error) {
	t, ok := c.entries.Get(key)
	c.metrics.record(ok, nil)
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func (c *MemoryCache) Store(_ context.Context, key Key, t *types.Table) error {
	c.entries.Add(key, t.Clone())
	c.metrics.Stores.Add(1)
	return nil
}
