// Package identity resolves transient per-session player identifiers to
// persistent player identities.
package identity

import (
	"fmt"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/pkg/types"
)

// Observation is one player-state row pairing a transient identifier with
// the persistent identity it carried at that tick.
type Observation struct {
	Row        int
	Tick       int64
	Transient  types.Value
	Persistent types.Value
}

// Log is the time-ordered record of (transient, persistent, tick)
// observations taken from the player-state rows of a table, in row order.
type Log struct {
	observations []Observation
	byTransient  map[string][]int
	order        []string
}

// BuildLog scans the rows of playerField and records every observation
// with a non-null transient identifier.
func BuildLog(t *types.Table, playerField, transientColumn, persistentColumn string) (*Log, error) {
	log := &Log{byTransient: make(map[string][]int)}

	tIdx, pIdx := t.Index(transientColumn), t.Index(persistentColumn)
	tickIdx := t.Index(types.TickColumn)

	for i, row := range t.Rows {
		if row.Field != playerField {
			continue
		}
		if tIdx < 0 || pIdx < 0 || tickIdx < 0 {
			missing := transientColumn
			switch {
			case tIdx >= 0 && pIdx < 0:
				missing = persistentColumn
			case tIdx >= 0 && pIdx >= 0:
				missing = types.TickColumn
			}
			return nil, perrors.NewValidationError(perrors.CodeMissingColumn,
				fmt.Sprintf("player rows present but column %q is missing", missing)).
				WithDetails(map[string]interface{}{"column": missing})
		}

		transient := row.Values[tIdx]
		if transient.IsNull() {
			continue
		}
		tick, _ := row.Values[tickIdx].AsInt()
		log.add(Observation{Row: i, Tick: tick, Transient: transient, Persistent: row.Values[pIdx]})
	}
	return log, nil
}

func (l *Log) add(o Observation) {
	key := o.Transient.Key()
	if _, seen := l.byTransient[key]; !seen {
		l.order = append(l.order, key)
	}
	l.byTransient[key] = append(l.byTransient[key], len(l.observations))
	l.observations = append(l.observations, o)
}

// Len returns the number of observations.
func (l *Log) Len() int { return len(l.observations) }

// Identities returns the number of distinct transient identifiers.
func (l *Log) Identities() int { return len(l.order) }

// Observations returns all observations in row order.
func (l *Log) Observations() []Observation {
	return append([]Observation(nil), l.observations...)
}

// For returns the observations of one transient identifier in row order.
func (l *Log) For(transient types.Value) []Observation {
	idx := l.byTransient[transient.Key()]
	out := make([]Observation, len(idx))
	for i, j := range idx {
		out[i] = l.observations[j]
	}
	return out
}

// Mapping returns the last-write-wins transient -> persistent mapping keyed
// by transient Value.Key(). Null persistent values are included.
func (l *Log) Mapping() map[string]types.Value {
	out := make(map[string]types.Value, len(l.byTransient))
	for key, idx := range l.byTransient {
		out[key] = l.observations[idx[len(idx)-1]].Persistent
	}
	return out
}

// each calls fn for every transient identifier in first-seen order.
func (l *Log) each(fn func(key string, obs []int) error) error {
	for _, key := range l.order {
		if err := fn(key, l.byTransient[key]); err != nil {
			return err
		}
	}
	return nil
}
