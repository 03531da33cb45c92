// Package analyzer ties decoding, table building, caching and the analyses
// together into per-session handles.
package analyzer

import (
	"context"
	"io"

	"github.com/demolyzer/demolyzer/internal/cache"
	"github.com/demolyzer/demolyzer/internal/config"
	"github.com/demolyzer/demolyzer/internal/decoder"
	"github.com/demolyzer/demolyzer/internal/identity"
	"github.com/demolyzer/demolyzer/internal/logging"
	"github.com/demolyzer/demolyzer/internal/stats"
	"github.com/demolyzer/demolyzer/internal/table"
	"github.com/demolyzer/demolyzer/internal/window"
	"github.com/demolyzer/demolyzer/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Analyzer opens sessions. It is safe for concurrent use.
type Analyzer struct {
	tickFrequency int
	workers       int

	decoder    decoder.Decoder
	cache      cache.TableCache
	builder    *table.Builder
	resolver   *identity.Resolver
	windowOpts window.Options
	aggregator *stats.Aggregator

	logger *zap.SugaredLogger
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithDecoder replaces the decoder chosen from the configuration.
func WithDecoder(d decoder.Decoder) Option {
	return func(a *Analyzer) { a.decoder = d }
}

// WithCache replaces the cache opened from the configuration.
func WithCache(c cache.TableCache) Option {
	return func(a *Analyzer) { a.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// New creates an analyzer from cfg. cfg must be resolved and valid.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Analyzer, error) {
	a := &Analyzer{
		tickFrequency: cfg.Decoder.TickFrequency,
		workers:       cfg.Pipeline.Workers,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrNop(a.logger)

	identityOpts, err := IdentityOptions(cfg)
	if err != nil {
		return nil, err
	}
	if a.resolver, err = identity.NewResolver(identityOpts, a.logger); err != nil {
		return nil, err
	}
	if a.windowOpts, err = WindowOptions(cfg); err != nil {
		return nil, err
	}
	if a.aggregator, err = stats.NewAggregator(StatsOptions(cfg)); err != nil {
		return nil, err
	}
	a.builder = table.NewBuilder(a.workers, a.logger)

	if a.decoder == nil {
		if len(cfg.Decoder.Command) > 0 {
			d, err := decoder.NewCommandDecoder(cfg.Decoder.Command)
			if err != nil {
				return nil, err
			}
			a.decoder = d
		} else {
			a.decoder = decoder.FileDecoder{}
		}
	}

	if a.cache == nil {
		c, err := cache.Open(ctx, CacheOptions(cfg), a.logger)
		if err != nil {
			return nil, err
		}
		a.cache = c
	}
	return a, nil
}

// Close releases the cache.
func (a *Analyzer) Close() error {
	if c, ok := a.cache.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Open returns the session decoded from source. The canonical table comes
// from the cache when present; otherwise it is decoded, built and stored.
// Cache failures are logged and never fail the open.
func (a *Analyzer) Open(ctx context.Context, source string) (*Session, error) {
	logger := a.logger.With("session", uuid.NewString(), "source", source)

	key, err := cache.KeyFor(source, a.tickFrequency)
	if err != nil {
		return nil, err
	}

	t, found, err := a.cache.Load(ctx, key)
	if err != nil {
		logger.Warnw("cache load failed", "key", key, "error", err)
	}
	if found {
		logger.Debugw("loaded session from cache", "key", key, "rows", t.Len())
		return a.newSession(source, key, t, true, logger), nil
	}

	t, info, err := a.build(ctx, source)
	if err != nil {
		return nil, err
	}
	logger.Infow("decoded session",
		"key", key,
		"records", info.Records,
		"rows", info.RowCount,
		"columns", info.Columns,
	)

	if err := a.cache.Store(ctx, key, t); err != nil {
		logger.Warnw("cache store failed", "key", key, "error", err)
	}
	return a.newSession(source, key, t, false, logger), nil
}

// OpenRecords builds a session from already decoded records. Nothing is
// cached.
func (a *Analyzer) OpenRecords(ctx context.Context, name string, records []types.TickRecord) (*Session, error) {
	logger := a.logger.With("session", uuid.NewString(), "source", name)

	t, err := a.builder.Build(ctx, records)
	if err != nil {
		return nil, err
	}
	return a.newSession(name, "", t, false, logger), nil
}

// build decodes source into a canonical table. Sequential builds consume
// the record stream directly; parallel builds collect it first.
func (a *Analyzer) build(ctx context.Context, source string) (*types.Table, *table.BuildInfo, error) {
	if a.workers > 1 {
		records, err := decoder.Collect(ctx, a.decoder, source, a.tickFrequency)
		if err != nil {
			return nil, nil, err
		}
		return a.builder.BuildWithInfo(ctx, records)
	}

	stream := table.NewStream()
	if err := a.decoder.Decode(ctx, source, a.tickFrequency, stream.Add); err != nil {
		return nil, nil, err
	}
	t, info := stream.Finish()
	return t, info, nil
}

func (a *Analyzer) newSession(source string, key cache.Key, t *types.Table, cached bool, logger *zap.SugaredLogger) *Session {
	return &Session{
		analyzer: a,
		source:   source,
		key:      key,
		table:    t,
		cached:   cached,
		logger:   logger,
	}
}
