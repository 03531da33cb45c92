// Package table builds the canonical, tick-sorted sparse table from the
// decoder's tick records.
package table

import (
	"context"
	"fmt"
	"sort"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/internal/logging"
	"github.com/demolyzer/demolyzer/internal/normalize"
	"github.com/demolyzer/demolyzer/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TableBuilder creates canonical tables from tick records.
type TableBuilder interface {
	// Build creates the canonical table from the decoder's full record sequence
	Build(ctx context.Context, records []types.TickRecord) (*types.Table, error)

	// BuildWithInfo also returns statistics about the built table
	BuildWithInfo(ctx context.Context, records []types.TickRecord) (*types.Table, *BuildInfo, error)
}

// Builder implements TableBuilder.
type Builder struct {
	workers int
	logger  *zap.SugaredLogger
}

// NewBuilder creates a new table builder. workers > 1 normalizes ticks in
// parallel; the result is identical to the sequential build.
func NewBuilder(workers int, logger *zap.SugaredLogger) *Builder {
	if workers < 1 {
		workers = 1
	}
	return &Builder{
		workers: workers,
		logger:  logging.OrNop(logger),
	}
}

// Build creates the canonical table.
func (b *Builder) Build(ctx context.Context, records []types.TickRecord) (*types.Table, error) {
	t, _, err := b.BuildWithInfo(ctx, records)
	return t, err
}

// BuildWithInfo creates the canonical table and reports build statistics.
func (b *Builder) BuildWithInfo(ctx context.Context, records []types.TickRecord) (*types.Table, *BuildInfo, error) {
	stream := NewStream()

	if b.workers == 1 || len(records) < 2 {
		if err := addAll(ctx, stream, records); err != nil {
			return nil, nil, err
		}
	} else {
		batches, err := b.normalizeParallel(ctx, records)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, err
			}
			// Replay in order so the error is the one the sequential build reports.
			if seqErr := addAll(ctx, NewStream(), records); seqErr != nil {
				return nil, nil, seqErr
			}
			return nil, nil, err
		}
		for i, entities := range batches {
			if err := stream.addEntities(*records[i].Tick, entities); err != nil {
				return nil, nil, err
			}
		}
	}

	t, info := stream.finish()
	b.logger.Debugw("built canonical table",
		"records", info.Records,
		"rows", info.RowCount,
		"columns", info.Columns,
		"workers", b.workers,
	)
	return t, info, nil
}

// normalizeParallel flattens records concurrently into per-record slots so
// that the original sequence order survives reassembly.
func (b *Builder) normalizeParallel(ctx context.Context, records []types.TickRecord) ([][]normalize.Entity, error) {
	slots := make([][]normalize.Entity, len(records))
	errs := make([]error, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i := range records {
		idx := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entities, err := normalize.Normalize(records[idx], idx)
			if err != nil {
				errs[idx] = err
				return err
			}
			slots[idx] = entities
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, recErr := range errs {
			if recErr != nil {
				return nil, recErr
			}
		}
		return nil, err
	}
	return slots, nil
}

func addAll(ctx context.Context, stream *Stream, records []types.TickRecord) error {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stream.Add(rec); err != nil {
			return err
		}
	}
	return nil
}

// Stream accumulates tick records one at a time, so a decoder can feed the
// builder without materializing the whole record sequence first. The
// resulting table is identical to Builder.Build over the same sequence.
type Stream struct {
	index    int
	entities []normalize.Entity
	owners   map[string]string // column -> field that produced it
	stats    *StatsTracker
	finished bool

	table *types.Table
	info  *BuildInfo
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{
		owners: make(map[string]string),
		stats:  NewStatsTracker(),
	}
}

// Add normalizes and appends one tick record.
func (s *Stream) Add(rec types.TickRecord) error {
	if s.finished {
		return fmt.Errorf("table: stream already finished")
	}
	entities, err := normalize.Normalize(rec, s.index)
	if err != nil {
		return err
	}
	return s.addEntities(*rec.Tick, entities)
}

func (s *Stream) addEntities(tick int64, entities []normalize.Entity) error {
	for _, e := range entities {
		for col := range e.Cells {
			owner, seen := s.owners[col]
			if !seen {
				s.owners[col] = e.Field
				continue
			}
			if owner != e.Field {
				return perrors.NewValidationError(perrors.CodeColumnCollision,
					fmt.Sprintf("column %q produced by fields %q and %q", col, owner, e.Field)).
					WithDetails(map[string]interface{}{"tick_index": s.index, "column": col})
			}
		}
		s.stats.Update(e)
	}
	s.stats.Record(tick)
	s.entities = append(s.entities, entities...)
	s.index++
	return nil
}

// Table finishes the stream and returns the canonical table. Later calls
// return the same table.
func (s *Stream) Table() *types.Table {
	t, _ := s.finish()
	return t
}

// Info finishes the stream and returns the build statistics.
func (s *Stream) Info() *BuildInfo {
	_, info := s.finish()
	return info
}

// Finish finishes the stream and returns the table with its statistics.
func (s *Stream) Finish() (*types.Table, *BuildInfo) {
	return s.finish()
}

func (s *Stream) finish() (*types.Table, *BuildInfo) {
	if s.finished {
		return s.table, s.info
	}
	s.finished = true

	columns := CanonicalColumns(s.owners)
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[c] = i
	}
	tickIdx, worldIdx := index[types.TickColumn], index[types.WorldColumn]

	rows := make([]types.Row, len(s.entities))
	for i, e := range s.entities {
		values := make([]types.Value, len(columns))
		values[tickIdx] = types.Int(e.Tick)
		values[worldIdx] = types.String(e.World)
		for col, v := range e.Cells {
			values[index[col]] = v
		}
		rows[i] = types.Row{Field: e.Field, Values: values}
	}

	sort.SliceStable(rows, func(a, b int) bool {
		ta, _ := rows[a].Values[tickIdx].AsInt()
		tb, _ := rows[b].Values[tickIdx].AsInt()
		return ta < tb
	})

	s.table = &types.Table{Columns: columns, Rows: rows}
	s.info = s.stats.Info(len(columns))
	s.entities = nil
	return s.table, s.info
}

// CanonicalColumns returns tick first, then world and every field column
// in lexicographic order.
func CanonicalColumns(fieldColumns map[string]string) []string {
	rest := make([]string, 0, len(fieldColumns)+1)
	rest = append(rest, types.WorldColumn)
	for c := range fieldColumns {
		rest = append(rest, c)
	}
	sort.Strings(rest)
	return append([]string{types.TickColumn}, rest...)
}
