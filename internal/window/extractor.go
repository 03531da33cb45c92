// Package window extracts fixed tick windows of player telemetry around
// each kill interaction.
package window

import (
	"fmt"
	"math"
	"sort"
	"strings"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/internal/logging"
	"github.com/demolyzer/demolyzer/pkg/types"
	"go.uber.org/zap"
)

// Participants selects whose rows make up a window.
type Participants string

const (
	Attacker Participants = "attacker"
	Victim   Participants = "victim"
	Both     Participants = "both"
)

// ParseParticipants parses a participants option.
func ParseParticipants(s string) (Participants, error) {
	switch p := Participants(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Attacker, nil
	case Attacker, Victim, Both:
		return p, nil
	default:
		return "", perrors.NewValidationError(perrors.CodeInvalidOptions,
			fmt.Sprintf("unknown participants %q", s))
	}
}

// Options configures an Extractor.
type Options struct {
	TicksBefore int64
	TicksAfter  int64

	AttackerColumn string
	VictimColumn   string

	// IdentityColumn is the player-state column compared with the
	// participant identity
	IdentityColumn string

	Participants Participants
}

// DefaultOptions returns the default window of 100 ticks either side of
// the kill, attacker rows only.
func DefaultOptions() Options {
	return Options{
		TicksBefore:    100,
		TicksAfter:     100,
		AttackerColumn: "kills_attacker_id",
		VictimColumn:   "kills_victim_id",
		IdentityColumn: "players_info.steamId",
		Participants:   Attacker,
	}
}

// WithWindow returns a copy of o with the given window sizes.
func (o Options) WithWindow(ticksBefore, ticksAfter int64) Options {
	o.TicksBefore = ticksBefore
	o.TicksAfter = ticksAfter
	return o
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.TicksBefore < 0 || o.TicksAfter < 0 {
		return perrors.NewValidationError(perrors.CodeInvalidOptions,
			fmt.Sprintf("window sizes must be non-negative, got before=%d after=%d", o.TicksBefore, o.TicksAfter)).
			WithDetails(map[string]interface{}{"ticks_before": o.TicksBefore, "ticks_after": o.TicksAfter})
	}
	if o.AttackerColumn == "" || o.VictimColumn == "" || o.IdentityColumn == "" {
		return perrors.NewValidationError(perrors.CodeInvalidOptions, "attacker, victim and identity columns are required")
	}
	if _, err := ParseParticipants(string(o.Participants)); err != nil {
		return err
	}
	return nil
}

// Summary describes one extraction.
type Summary struct {
	// Pairs is the number of distinct (attacker, victim) pairs
	Pairs int

	// Events is the number of kill rows, which equals the number of event
	// ids allocated
	Events int

	// EmptyEvents counts events whose window matched no rows
	EmptyEvents int

	// Rows is the number of rows in the event table
	Rows int
}

// Extractor builds event tables from resolved tables.
type Extractor struct {
	opts   Options
	logger *zap.SugaredLogger
}

// NewExtractor creates an extractor.
func NewExtractor(opts Options, logger *zap.SugaredLogger) (*Extractor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Participants == "" {
		opts.Participants = Attacker
	}
	return &Extractor{opts: opts, logger: logging.OrNop(logger)}, nil
}

// Options returns the extractor's options.
func (e *Extractor) Options() Options { return e.opts }

// pair is one distinct (attacker, victim) interaction and its kill rows in
// table order.
type pair struct {
	attacker types.Value
	victim   types.Value
	kills    []int
}

// Extract returns the event table: the rows of every window, each tagged
// with an event_id column appended after the input columns.
func (e *Extractor) Extract(t *types.Table) (*types.Table, *Summary, error) {
	tickIdx := t.Index(types.TickColumn)
	if tickIdx < 0 {
		return nil, nil, perrors.NewValidationError(perrors.CodeMissingColumn,
			"table has no tick column").WithDetails(map[string]interface{}{"column": types.TickColumn})
	}

	columns := make([]string, 0, len(t.Columns)+1)
	columns = append(columns, t.Columns...)
	columns = append(columns, types.EventIDColumn)
	out := &types.Table{Columns: columns, Rows: []types.Row{}}

	pairs := collectPairs(t, t.Index(e.opts.AttackerColumn), t.Index(e.opts.VictimColumn))
	idx := newIdentityIndex(t, t.Index(e.opts.IdentityColumn), tickIdx)

	summary := &Summary{Pairs: len(pairs)}
	eventID := int64(0)
	for _, p := range pairs {
		for _, k := range p.kills {
			killTick, ok := t.Rows[k].Values[tickIdx].AsInt()

			var rows []int
			if ok {
				lo, hi := bounds(killTick, e.opts.TicksBefore, e.opts.TicksAfter)
				switch e.opts.Participants {
				case Victim:
					rows = idx.window(p.victim, lo, hi)
				case Both:
					rows = mergeRows(idx.window(p.attacker, lo, hi), idx.window(p.victim, lo, hi))
				default:
					rows = idx.window(p.attacker, lo, hi)
				}
			}

			if len(rows) == 0 {
				summary.EmptyEvents++
				e.logger.Debugw("EmptyWindowNotice",
					"code", perrors.CodeEmptyWindow,
					"event_id", eventID,
					"attacker", p.attacker.Interface(),
					"victim", p.victim.Interface(),
					"kill_tick", killTick,
				)
			}
			for _, r := range rows {
				values := make([]types.Value, 0, len(columns))
				values = append(values, t.Rows[r].Values...)
				values = append(values, types.Int(eventID))
				out.Rows = append(out.Rows, types.Row{Field: t.Rows[r].Field, Values: values})
			}
			eventID++
		}
	}

	summary.Events = int(eventID)
	summary.Rows = out.Len()
	e.logger.Debugw("extracted event windows",
		"pairs", summary.Pairs,
		"events", summary.Events,
		"empty_events", summary.EmptyEvents,
		"rows", summary.Rows,
	)
	return out, summary, nil
}

// bounds returns the inclusive tick range around tick, saturating at the
// int64 limits.
func bounds(tick, before, after int64) (lo, hi int64) {
	lo, hi = math.MinInt64, math.MaxInt64
	if tick >= math.MinInt64+before {
		lo = tick - before
	}
	if tick <= math.MaxInt64-after {
		hi = tick + after
	}
	return lo, hi
}

// collectPairs returns the distinct pairs in order of first appearance.
func collectPairs(t *types.Table, attackerIdx, victimIdx int) []*pair {
	if attackerIdx < 0 || victimIdx < 0 {
		return nil
	}
	var pairs []*pair
	seen := make(map[string]*pair)
	for i, row := range t.Rows {
		a, v := row.Values[attackerIdx], row.Values[victimIdx]
		if a.IsNull() || v.IsNull() {
			continue
		}
		key := a.Key() + "\x00" + v.Key()
		p, ok := seen[key]
		if !ok {
			p = &pair{attacker: a, victim: v}
			seen[key] = p
			pairs = append(pairs, p)
		}
		p.kills = append(p.kills, i)
	}
	return pairs
}

// identityIndex lists, per identity, the rows carrying it in table order.
type identityIndex struct {
	rows   map[string][]int
	ticks  []int64
	valid  []bool
	sorted bool
}

func newIdentityIndex(t *types.Table, identityIdx, tickIdx int) *identityIndex {
	idx := &identityIndex{
		rows:   make(map[string][]int),
		ticks:  make([]int64, t.Len()),
		valid:  make([]bool, t.Len()),
		sorted: true,
	}
	for i, row := range t.Rows {
		idx.ticks[i], idx.valid[i] = row.Values[tickIdx].AsInt()
		if !idx.valid[i] || (i > 0 && idx.ticks[i] < idx.ticks[i-1]) {
			idx.sorted = false
		}
		if identityIdx < 0 {
			continue
		}
		id := row.Values[identityIdx]
		if id.IsNull() {
			continue
		}
		idx.rows[id.Key()] = append(idx.rows[id.Key()], i)
	}
	return idx
}

// window returns the rows of id with tick in [lo, hi], in table order.
func (x *identityIndex) window(id types.Value, lo, hi int64) []int {
	candidates := x.rows[id.Key()]
	if x.sorted {
		start := sort.Search(len(candidates), func(i int) bool { return x.ticks[candidates[i]] >= lo })
		end := sort.Search(len(candidates), func(i int) bool { return x.ticks[candidates[i]] > hi })
		if start >= end {
			return nil
		}
		return candidates[start:end]
	}

	var out []int
	for _, r := range candidates {
		if x.valid[r] && x.ticks[r] >= lo && x.ticks[r] <= hi {
			out = append(out, r)
		}
	}
	return out
}

// mergeRows merges two ascending row lists, dropping duplicates.
func mergeRows(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			out = append(out, a[i])
			i++
		case i >= len(a) || b[j] < a[i]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
