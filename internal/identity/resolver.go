package identity

import (
	"fmt"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/internal/logging"
	"github.com/demolyzer/demolyzer/pkg/types"
	"go.uber.org/zap"
)

// Options configures a Resolver.
type Options struct {
	// PlayerField is the field whose rows carry identity observations
	PlayerField string

	// TransientColumn holds the per-session identifier on player rows
	TransientColumn string

	// PersistentColumn holds the session-spanning identity on player rows
	PersistentColumn string

	// RewriteColumns are the identity-bearing columns to rewrite. Columns
	// absent from the table are skipped.
	RewriteColumns []string

	// Strategy picks the persistent identity; nil means LastWriteWins
	Strategy Strategy
}

// DefaultOptions returns the column layout produced by the demo decoder.
func DefaultOptions() Options {
	return Options{
		PlayerField:      "players",
		TransientColumn:  "players_info.userId",
		PersistentColumn: "players_info.steamId",
		RewriteColumns:   []string{"kills_assister_id", "kills_attacker_id", "kills_victim_id"},
		Strategy:         LastWriteWins{},
	}
}

// Validate checks the options for completeness.
func (o Options) Validate() error {
	switch {
	case o.PlayerField == "":
		return perrors.NewValidationError(perrors.CodeInvalidOptions, "player field is required")
	case o.TransientColumn == "":
		return perrors.NewValidationError(perrors.CodeInvalidOptions, "transient column is required")
	case o.PersistentColumn == "":
		return perrors.NewValidationError(perrors.CodeInvalidOptions, "persistent column is required")
	}
	for _, c := range o.RewriteColumns {
		if c == "" {
			return perrors.NewValidationError(perrors.CodeInvalidOptions, "rewrite column names must not be empty")
		}
		if c == types.TickColumn || c == types.WorldColumn {
			return perrors.NewValidationError(perrors.CodeInvalidOptions,
				fmt.Sprintf("column %q cannot be rewritten", c))
		}
	}
	return nil
}

// Report summarizes one resolution pass.
type Report struct {
	Strategy string

	// Identities is the number of distinct transient identifiers observed
	Identities int

	// Rewritten counts values replaced per column
	Rewritten map[string]int

	// Unresolved counts non-null values left in place per column
	Unresolved map[string]int

	// Skipped lists rewrite columns absent from the table
	Skipped []string
}

// TotalUnresolved returns the number of unresolved values across columns.
func (r *Report) TotalUnresolved() int {
	n := 0
	for _, c := range r.Unresolved {
		n += c
	}
	return n
}

// Resolver rewrites transient identifiers to persistent identities.
type Resolver struct {
	opts   Options
	logger *zap.SugaredLogger
}

// NewResolver creates a resolver.
func NewResolver(opts Options, logger *zap.SugaredLogger) (*Resolver, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Strategy == nil {
		opts.Strategy = LastWriteWins{}
	}
	opts.RewriteColumns = append([]string(nil), opts.RewriteColumns...)
	return &Resolver{opts: opts, logger: logging.OrNop(logger)}, nil
}

// Options returns the resolver's options.
func (r *Resolver) Options() Options { return r.opts }

// Log builds the observation log for t.
func (r *Resolver) Log(t *types.Table) (*Log, error) {
	return BuildLog(t, r.opts.PlayerField, r.opts.TransientColumn, r.opts.PersistentColumn)
}

// Resolve returns a copy of t with every identity-bearing column rewritten.
// Values with no applicable observation pass through unchanged and are
// logged once per (column, value).
func (r *Resolver) Resolve(t *types.Table) (*types.Table, *Report, error) {
	log, err := r.Log(t)
	if err != nil {
		return nil, nil, err
	}
	strategy := r.opts.Strategy
	if err := strategy.Prepare(log); err != nil {
		return nil, nil, err
	}

	out := t.Clone()
	report := &Report{
		Strategy:   strategy.Name(),
		Identities: log.Identities(),
		Rewritten:  make(map[string]int),
		Unresolved: make(map[string]int),
	}
	tickIdx := t.Index(types.TickColumn)

	for _, col := range r.opts.RewriteColumns {
		ci := out.Index(col)
		if ci < 0 {
			report.Skipped = append(report.Skipped, col)
			continue
		}
		warned := make(map[string]struct{})

		for i := range out.Rows {
			v := out.Rows[i].Values[ci]
			if v.IsNull() {
				continue
			}
			var tick int64
			if tickIdx >= 0 {
				tick, _ = out.Rows[i].Values[tickIdx].AsInt()
			}

			p, ok := strategy.Resolve(log, v, tick)
			if !ok {
				report.Unresolved[col]++
				if _, seen := warned[v.Key()]; !seen {
					warned[v.Key()] = struct{}{}
					r.logger.Warnw("UnresolvableIdentityWarning",
						"code", perrors.CodeUnresolvableIdentity,
						"column", col,
						"value", v.Interface(),
					)
				}
				continue
			}
			out.Rows[i].Values[ci] = p
			report.Rewritten[col]++
		}
	}

	r.logger.Debugw("resolved identities",
		"strategy", report.Strategy,
		"identities", report.Identities,
		"unresolved", report.TotalUnresolved(),
	)
	return out, report, nil
}
