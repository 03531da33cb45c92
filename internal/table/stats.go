package table

import (
	"sort"

	"github.com/demolyzer/demolyzer/internal/normalize"
)

// StatsTracker tracks row statistics while a canonical table is built.
type StatsTracker struct {
	records  int64
	rowCount int64

	minTick *int64
	maxTick *int64

	rowsPerField map[string]int64
	worlds       map[string]struct{}
}

// NewStatsTracker creates a new statistics tracker.
func NewStatsTracker() *StatsTracker {
	return &StatsTracker{
		rowsPerField: make(map[string]int64),
		worlds:       make(map[string]struct{}),
	}
}

// Record counts one tick record, whether or not it produced rows.
func (s *StatsTracker) Record(tick int64) {
	s.records++
	if s.minTick == nil || tick < *s.minTick {
		t := tick
		s.minTick = &t
	}
	if s.maxTick == nil || tick > *s.maxTick {
		t := tick
		s.maxTick = &t
	}
}

// Update updates statistics with a flattened entity.
func (s *StatsTracker) Update(e normalize.Entity) {
	s.rowCount++
	s.rowsPerField[e.Field]++
	s.worlds[e.World] = struct{}{}
}

// Info returns the collected statistics.
func (s *StatsTracker) Info(columns int) *BuildInfo {
	rows := make(map[string]int64, len(s.rowsPerField))
	for f, n := range s.rowsPerField {
		rows[f] = n
	}
	worlds := make([]string, 0, len(s.worlds))
	for w := range s.worlds {
		worlds = append(worlds, w)
	}
	sort.Strings(worlds)

	return &BuildInfo{
		Records:      s.records,
		RowCount:     s.rowCount,
		Columns:      columns,
		MinTick:      s.minTick,
		MaxTick:      s.maxTick,
		RowsPerField: rows,
		Worlds:       worlds,
	}
}

// BuildInfo describes a built canonical table.
type BuildInfo struct {
	Records      int64
	RowCount     int64
	Columns      int
	MinTick      *int64
	MaxTick      *int64
	RowsPerField map[string]int64
	Worlds       []string
}

// TickSpan returns max tick minus min tick, or 0 for an empty session.
func (i *BuildInfo) TickSpan() int64 {
	if i.MinTick == nil || i.MaxTick == nil {
		return 0
	}
	return *i.MaxTick - *i.MinTick
}
