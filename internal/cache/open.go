package cache

import (
	"context"
	"fmt"
	"path/filepath"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/internal/storage"
	"go.uber.org/zap"
)

// Backend types accepted by Open.
const (
	TypeNone  = "none"
	TypeLocal = "local"
	TypeS3    = "s3"
)

// Options selects and configures the cache tiers.
type Options struct {
	// Type is the persistent tier: none, local or s3
	Type string

	// Path is the local cache directory, or the scratch directory for s3
	Path string

	// MemoryEntries sizes the in-memory LRU tier; 0 disables it
	MemoryEntries int

	Bucket string
	Prefix string
	S3     storage.S3Config
}

// Open builds the cache described by opts: an optional memory tier in
// front of the persistent tier.
func Open(ctx context.Context, opts Options, logger *zap.SugaredLogger) (TableCache, error) {
	var tiers []TableCache

	if opts.MemoryEntries > 0 {
		mem, err := NewMemoryCache(opts.MemoryEntries)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, mem)
	}

	switch opts.Type {
	case "", TypeNone:
	case TypeLocal:
		c, err := NewSQLiteCache(opts.Path, logger)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, c)
	case TypeS3:
		s3Cfg := opts.S3
		s3Cfg.Prefix = ""
		store, err := storage.NewS3Storage(ctx, opts.Bucket, s3Cfg)
		if err != nil {
			return nil, perrors.NewStorageError(perrors.CodeDownloadFailed, "failed to create S3 storage", err)
		}
		c, err := NewObjectCache(store, opts.Prefix, filepath.Join(opts.Path, "scratch"), logger)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, c)
	default:
		return nil, perrors.NewValidationError(perrors.CodeInvalidOptions,
			fmt.Sprintf("unknown cache type %q", opts.Type))
	}

	switch len(tiers) {
	case 0:
		return Nop{}, nil
	case 1:
		return tiers[0], nil
	default:
		return NewTieredCache(logger, tiers...), nil
	}
}
