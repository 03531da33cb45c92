package identity

import (
	"fmt"
	"strings"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/pkg/types"
)

// Strategy names accepted by ParseStrategy.
const (
	StrategyLastWriteWins    = "last_write_wins"
	StrategyAsOfTick         = "as_of_tick"
	StrategyRejectOnConflict = "reject_on_conflict"
)

// Strategy decides which persistent identity a transient reference resolves
// to.
type Strategy interface {
	// Name returns the configuration name of the strategy
	Name() string

	// Prepare inspects the whole log before any lookup and may reject it
	Prepare(log *Log) error

	// Resolve returns the persistent identity for transient referenced by a
	// row at tick. ok is false when no non-null identity applies.
	Resolve(log *Log, transient types.Value, tick int64) (persistent types.Value, ok bool)
}

// ParseStrategy returns the strategy with the given name.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyLastWriteWins:
		return LastWriteWins{}, nil
	case StrategyAsOfTick:
		return AsOfTick{}, nil
	case StrategyRejectOnConflict:
		return RejectOnConflict{}, nil
	default:
		return nil, perrors.NewValidationError(perrors.CodeInvalidOptions,
			fmt.Sprintf("unknown identity strategy %q", name))
	}
}

// LastWriteWins maps every transient identifier to the persistent identity
// of its last observation in row order, whatever tick the reference has.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return StrategyLastWriteWins }

func (LastWriteWins) Prepare(*Log) error { return nil }

func (LastWriteWins) Resolve(log *Log, transient types.Value, _ int64) (types.Value, bool) {
	idx := log.byTransient[transient.Key()]
	if len(idx) == 0 {
		return types.Null(), false
	}
	p := log.observations[idx[len(idx)-1]].Persistent
	return p, !p.IsNull()
}

// AsOfTick resolves a reference using the latest observation at or before
// the referencing tick. A reference that precedes every observation falls
// back to the earliest later one.
type AsOfTick struct{}

func (AsOfTick) Name() string { return StrategyAsOfTick }

func (AsOfTick) Prepare(*Log) error { return nil }

func (AsOfTick) Resolve(log *Log, transient types.Value, tick int64) (types.Value, bool) {
	idx := log.byTransient[transient.Key()]
	before, after := -1, -1
	for _, j := range idx {
		o := log.observations[j]
		if o.Tick <= tick {
			if before < 0 || o.Tick >= log.observations[before].Tick {
				before = j
			}
			continue
		}
		if after < 0 || o.Tick < log.observations[after].Tick {
			after = j
		}
	}

	pick := before
	if pick < 0 {
		pick = after
	}
	if pick < 0 {
		return types.Null(), false
	}
	p := log.observations[pick].Persistent
	return p, !p.IsNull()
}

// RejectOnConflict fails when any transient identifier was observed with
// two different non-null persistent identities; otherwise it behaves like
// LastWriteWins.
type RejectOnConflict struct{}

func (RejectOnConflict) Name() string { return StrategyRejectOnConflict }

func (RejectOnConflict) Prepare(log *Log) error {
	return log.each(func(_ string, idx []int) error {
		var first types.Value
		for _, j := range idx {
			o := log.observations[j]
			if o.Persistent.IsNull() {
				continue
			}
			if first.IsNull() {
				first = o.Persistent
				continue
			}
			if !first.Equal(o.Persistent) {
				return perrors.NewIdentityError(perrors.CodeIdentityConflict,
					fmt.Sprintf("transient id %s maps to both %s and %s", o.Transient, first, o.Persistent)).
					WithDetails(map[string]interface{}{
						"transient": o.Transient.Interface(),
						"first":     first.Interface(),
						"second":    o.Persistent.Interface(),
						"tick":      o.Tick,
					})
			}
		}
		return nil
	})
}

func (RejectOnConflict) Resolve(log *Log, transient types.Value, tick int64) (types.Value, bool) {
	return LastWriteWins{}.Resolve(log, transient, tick)
}
