package analyzer

import (
	"fmt"
	"sync"

	"github.com/demolyzer/demolyzer/internal/cache"
	"github.com/demolyzer/demolyzer/internal/identity"
	"github.com/demolyzer/demolyzer/internal/stats"
	"github.com/demolyzer/demolyzer/internal/window"
	"github.com/demolyzer/demolyzer/pkg/types"
	"go.uber.org/zap"
)

// Session is one decoded demo. Derived results are computed on first use
// and memoized. A Session is safe for concurrent use; callers must not
// modify returned tables or maps.
type Session struct {
	analyzer *Analyzer
	source   string
	key      cache.Key
	table    *types.Table
	cached   bool
	logger   *zap.SugaredLogger

	resolveOnce sync.Once
	resolved    *types.Table
	report      *identity.Report
	resolveErr  error

	playersOnce sync.Once
	players     map[types.Value]string
	playersErr  error

	deathOnce  sync.Once
	deathStats map[types.Value]stats.DeathStat
	deathErr   error
}

// Summary describes a session.
type Summary struct {
	Source   string
	Key      cache.Key
	Cached   bool
	Rows     int
	Columns  int
	Players  int
	MinTick  *int64
	MaxTick  *int64
	TickSpan int64
}

// Source returns the source the session was opened from.
func (s *Session) Source() string { return s.source }

// Key returns the cache key, empty for sessions opened from records.
func (s *Session) Key() cache.Key { return s.key }

// Cached reports whether the table was loaded from the cache.
func (s *Session) Cached() bool { return s.cached }

// Table returns the canonical table.
func (s *Session) Table() *types.Table { return s.table }

// ResolvedTable returns the canonical table with identity columns rewritten
// to persistent identities.
func (s *Session) ResolvedTable() (*types.Table, *identity.Report, error) {
	s.resolveOnce.Do(func() {
		s.resolved, s.report, s.resolveErr = s.analyzer.resolver.Resolve(s.table)
		if s.resolveErr == nil && s.report.TotalUnresolved() > 0 {
			s.logger.Infow("unresolved identities", "counts", s.report.Unresolved)
		}
	})
	return s.resolved, s.report, s.resolveErr
}

// Players maps each persistent identity to its display name.
func (s *Session) Players() (map[types.Value]string, error) {
	s.playersOnce.Do(func() {
		s.players, s.playersErr = s.analyzer.aggregator.Players(s.table)
	})
	return s.players, s.playersErr
}

// PlayerCount returns the number of distinct persistent identities.
func (s *Session) PlayerCount() (int, error) {
	players, err := s.Players()
	if err != nil {
		return 0, err
	}
	return len(players), nil
}

// Identities returns the persistent identities in first-appearance order.
func (s *Session) Identities() ([]types.Value, error) {
	return s.analyzer.aggregator.Identities(s.table)
}

// DeathStats returns the alive and dead tick counts per identity.
func (s *Session) DeathStats() (map[types.Value]stats.DeathStat, error) {
	s.deathOnce.Do(func() {
		s.deathStats, s.deathErr = s.analyzer.aggregator.DeathStats(s.table)
	})
	return s.deathStats, s.deathErr
}

// EventTable extracts the windows of ticksBefore and ticksAfter ticks
// around every kill, using the configured participants.
func (s *Session) EventTable(ticksBefore, ticksAfter int64) (*types.Table, *window.Summary, error) {
	return s.EventTableWith(s.analyzer.windowOpts.WithWindow(ticksBefore, ticksAfter))
}

// WindowOptions returns the configured window options.
func (s *Session) WindowOptions() window.Options { return s.analyzer.windowOpts }

// EventTableWith extracts event windows with explicit options.
func (s *Session) EventTableWith(opts window.Options) (*types.Table, *window.Summary, error) {
	resolved, _, err := s.ResolvedTable()
	if err != nil {
		return nil, nil, err
	}
	extractor, err := window.NewExtractor(opts, s.logger)
	if err != nil {
		return nil, nil, err
	}
	return extractor.Extract(resolved)
}

// Summary describes the session.
func (s *Session) Summary() (*Summary, error) {
	count, err := s.PlayerCount()
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		Source:  s.source,
		Key:     s.key,
		Cached:  s.cached,
		Rows:    s.table.Len(),
		Columns: len(s.table.Columns),
		Players: count,
	}
	for i := range s.table.Rows {
		tick, ok := s.table.Tick(i)
		if !ok {
			continue
		}
		if sum.MinTick == nil || tick < *sum.MinTick {
			t := tick
			sum.MinTick = &t
		}
		if sum.MaxTick == nil || tick > *sum.MaxTick {
			t := tick
			sum.MaxTick = &t
		}
	}
	if sum.MinTick != nil {
		sum.TickSpan = *sum.MaxTick - *sum.MinTick
	}
	return sum, nil
}

func (s *Session) String() string {
	sum, err := s.Summary()
	if err != nil {
		return fmt.Sprintf("%s (%v)", s.source, err)
	}
	return fmt.Sprintf("%s with %d players and duration of %d ticks", sum.Source, sum.Players, sum.TickSpan)
}
