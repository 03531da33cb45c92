package cache

import (
	"context"
	"io"

	"github.com/demolyzer/demolyzer/internal/logging"
	"github.com/demolyzer/demolyzer/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TieredCache consults its tiers in order, fastest first. A hit in a lower
// tier is copied into every tier above it.
type TieredCache struct {
	tiers  []TableCache
	logger *zap.SugaredLogger
}

// NewTieredCache creates a cache over tiers, fastest first.
func NewTieredCache(logger *zap.SugaredLogger, tiers ...TableCache) *TieredCache {
	return &TieredCache{tiers: tiers, logger: logging.OrNop(logger)}
}

// Tiers returns the number of tiers.
func (c *TieredCache) Tiers() int { return len(c.tiers) }

// Load returns the first hit. Tier errors are skipped over; they are
// returned only when no tier hits.
func (c *TieredCache) Load(ctx context.Context, key Key) (*types.Table, bool, error) {
	var errs error
	for i, tier := range c.tiers {
		t, found, err := tier.Load(ctx, key)
		if err != nil {
			c.logger.Warnw("cache tier load failed", "tier", i, "key", key, "error", err)
			errs = multierr.Append(errs, err)
			continue
		}
		if !found {
			c.logger.Debugw("cache tier miss", "tier", i, "key", key)
			continue
		}

		for j := 0; j < i; j++ {
			if err := c.tiers[j].Store(ctx, key, t); err != nil {
				c.logger.Warnw("cache backfill failed", "tier", j, "key", key, "error", err)
				continue
			}
			c.logger.Debugw("cache backfill", "tier", j, "key", key)
		}
		return t, true, nil
	}
	return nil, false, errs
}

// Store writes t to every tier and reports all failures.
func (c *TieredCache) Store(ctx context.Context, key Key, t *types.Table) error {
	var errs error
	for i, tier := range c.tiers {
		if err := tier.Store(ctx, key, t); err != nil {
			c.logger.Warnw("cache tier store failed", "tier", i, "key", key, "error", err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Close closes every tier that holds resources.
func (c *TieredCache) Close() error {
	var errs error
	for _, tier := range c.tiers {
		if closer, ok := tier.(io.Closer); ok {
			errs = multierr.Append(errs, closer.Close())
		}
	}
	return errs
}
