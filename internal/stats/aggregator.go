// Package stats aggregates per-player statistics from resolved tables.
package stats

import (
	"fmt"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/pkg/types"
)

// Options names the player-state columns the aggregator reads.
type Options struct {
	PlayerField    string
	IdentityColumn string
	NameColumn     string
	StatusColumn   string
	AliveStatus    string
	DeathStatus    string
}

// DefaultOptions returns the demo decoder's column layout.
func DefaultOptions() Options {
	return Options{
		PlayerField:    "players",
		IdentityColumn: "players_info.steamId",
		NameColumn:     "players_info.name",
		StatusColumn:   "players_state",
		AliveStatus:    "Alive",
		DeathStatus:    "Death",
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.PlayerField == "" || o.IdentityColumn == "" || o.StatusColumn == "" {
		return perrors.NewValidationError(perrors.CodeInvalidOptions,
			"player field, identity column and status column are required")
	}
	if o.AliveStatus == "" || o.DeathStatus == "" {
		return perrors.NewValidationError(perrors.CodeInvalidOptions, "alive and death statuses are required")
	}
	if o.AliveStatus == o.DeathStatus {
		return perrors.NewValidationError(perrors.CodeInvalidOptions,
			fmt.Sprintf("alive and death statuses must differ, both are %q", o.AliveStatus))
	}
	return nil
}

// DeathStat holds the tick counts of one player. A nil count means the
// status was never observed for that player.
type DeathStat struct {
	AliveTicks *int64
	DeathTicks *int64
}

// Aggregator computes player statistics.
type Aggregator struct {
	opts Options
}

// NewAggregator creates an aggregator.
func NewAggregator(opts Options) (*Aggregator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{opts: opts}, nil
}

// Options returns the aggregator's options.
func (a *Aggregator) Options() Options { return a.opts }

// group is one persistent identity and the player rows carrying it.
type group struct {
	id   types.Value
	rows []int
}

// groupPlayers groups the player-state rows of t by non-null identity, in
// order of first appearance. The first value seen represents each group.
func (a *Aggregator) groupPlayers(t *types.Table) ([]*group, error) {
	idIdx := t.Index(a.opts.IdentityColumn)

	var groups []*group
	byKey := make(map[string]*group)
	for i, row := range t.Rows {
		if row.Field != a.opts.PlayerField {
			continue
		}
		if idIdx < 0 {
			return nil, perrors.NewValidationError(perrors.CodeMissingColumn,
				fmt.Sprintf("player rows present but column %q is missing", a.opts.IdentityColumn)).
				WithDetails(map[string]interface{}{"column": a.opts.IdentityColumn})
		}
		id := row.Values[idIdx]
		if id.IsNull() {
			continue
		}
		g, ok := byKey[id.Key()]
		if !ok {
			g = &group{id: id}
			byKey[id.Key()] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, i)
	}
	return groups, nil
}

// Identities returns the distinct non-null persistent identities in order
// of first appearance.
func (a *Aggregator) Identities(t *types.Table) ([]types.Value, error) {
	groups, err := a.groupPlayers(t)
	if err != nil {
		return nil, err
	}
	ids := make([]types.Value, len(groups))
	for i, g := range groups {
		ids[i] = g.id
	}
	return ids, nil
}

// Players maps every persistent identity to the display name on its first
// row. A missing or null name maps to the empty string.
func (a *Aggregator) Players(t *types.Table) (map[types.Value]string, error) {
	groups, err := a.groupPlayers(t)
	if err != nil {
		return nil, err
	}
	nameIdx := t.Index(a.opts.NameColumn)

	players := make(map[types.Value]string, len(groups))
	for _, g := range groups {
		name := ""
		if nameIdx >= 0 {
			name = t.Rows[g.rows[0]].Values[nameIdx].String()
		}
		players[g.id] = name
	}
	return players, nil
}

// PlayerCount returns the number of distinct non-null persistent identities.
func (a *Aggregator) PlayerCount(t *types.Table) (int, error) {
	groups, err := a.groupPlayers(t)
	if err != nil {
		return 0, err
	}
	return len(groups), nil
}

// DeathStats counts, per persistent identity, the player rows whose status
// is alive and dead.
func (a *Aggregator) DeathStats(t *types.Table) (map[types.Value]DeathStat, error) {
	groups, err := a.groupPlayers(t)
	if err != nil {
		return nil, err
	}
	statusIdx := t.Index(a.opts.StatusColumn)

	out := make(map[types.Value]DeathStat, len(groups))
	for _, g := range groups {
		var alive, dead int64
		if statusIdx >= 0 {
			for _, r := range g.rows {
				status, ok := t.Rows[r].Values[statusIdx].AsString()
				if !ok {
					continue
				}
				switch status {
				case a.opts.AliveStatus:
					alive++
				case a.opts.DeathStatus:
					dead++
				}
			}
		}
		out[g.id] = DeathStat{AliveTicks: countOrNil(alive), DeathTicks: countOrNil(dead)}
	}
	return out, nil
}

func countOrNil(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}
