package identity

import (
	"testing"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testColumns = []string{
	"tick",
	"kills_assister_id",
	"kills_attacker_id",
	"kills_victim_id",
	"players_info.steamId",
	"players_info.userId",
	"world",
}

// row builds a row for testColumns from the non-null cells given.
func row(field string, tick int64, cells map[string]types.Value) types.Row {
	values := make([]types.Value, len(testColumns))
	values[0] = types.Int(tick)
	values[len(testColumns)-1] = types.String("w")
	for i, c := range testColumns {
		if v, ok := cells[c]; ok {
			values[i] = v
		}
	}
	return types.Row{Field: field, Values: values}
}

func player(tick int64, userID, steamID types.Value) types.Row {
	return row("players", tick, map[string]types.Value{
		"players_info.userId":  userID,
		"players_info.steamId": steamID,
	})
}

func kill(tick int64, attacker, victim types.Value) types.Row {
	return row("kills", tick, map[string]types.Value{
		"kills_attacker_id": attacker,
		"kills_victim_id":   victim,
	})
}

func scenarioTable() *types.Table {
	return &types.Table{
		Columns: testColumns,
		Rows: []types.Row{
			player(10, types.String("5"), types.String("S1")),
			kill(10, types.String("5"), types.String("6")),
			player(11, types.String("6"), types.String("S2")),
		},
	}
}

func newResolver(t *testing.T, strategy Strategy, logger *zap.SugaredLogger) *Resolver {
	t.Helper()
	opts := DefaultOptions()
	opts.Strategy = strategy
	r, err := NewResolver(opts, logger)
	require.NoError(t, err)
	return r
}

func TestResolve_KillScenario(t *testing.T) {
	in := scenarioTable()
	out, report, err := newResolver(t, nil, nil).Resolve(in)
	require.NoError(t, err)

	assert.Equal(t, types.String("S1"), out.Get(1, "kills_attacker_id"))
	assert.Equal(t, types.String("S2"), out.Get(1, "kills_victim_id"))
	assert.Equal(t, 2, report.Identities)
	assert.Equal(t, 1, report.Rewritten["kills_attacker_id"])
	assert.Equal(t, 1, report.Rewritten["kills_victim_id"])
	assert.Zero(t, report.TotalUnresolved())

	// The input table is untouched.
	assert.Equal(t, types.String("5"), in.Get(1, "kills_attacker_id"))
}

func TestResolve_LastOccurrenceWins(t *testing.T) {
	in := &types.Table{
		Columns: testColumns,
		Rows: []types.Row{
			player(1, types.Int(3), types.String("OLD")),
			kill(2, types.Int(3), types.Int(4)),
			player(5, types.Int(3), types.String("A")),
			player(5, types.Int(3), types.String("B")),
		},
	}
	out, _, err := newResolver(t, LastWriteWins{}, nil).Resolve(in)
	require.NoError(t, err)

	// Ties on tick are broken by row order.
	assert.Equal(t, types.String("B"), out.Get(1, "kills_attacker_id"))
}

func TestResolve_PassThroughAndWarnOnce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core).Sugar()

	in := &types.Table{
		Columns: testColumns,
		Rows: []types.Row{
			player(1, types.Int(1), types.String("S1")),
			kill(2, types.Int(1), types.String("STEAM_X")),
			kill(3, types.Int(1), types.String("STEAM_X")),
			row("kills", 4, map[string]types.Value{"kills_attacker_id": types.Int(1)}),
		},
	}
	out, report, err := newResolver(t, nil, logger).Resolve(in)
	require.NoError(t, err)

	assert.Equal(t, types.String("STEAM_X"), out.Get(1, "kills_victim_id"))
	assert.Equal(t, types.String("STEAM_X"), out.Get(2, "kills_victim_id"))
	assert.True(t, out.Get(3, "kills_victim_id").IsNull(), "nulls stay null")
	assert.Equal(t, 2, report.Unresolved["kills_victim_id"])
	assert.Equal(t, 3, report.Rewritten["kills_attacker_id"])

	warnings := logs.FilterMessage("UnresolvableIdentityWarning").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "kills_victim_id", warnings[0].ContextMap()["column"])
}

func TestResolve_NumericIdentityMatchesAcrossKinds(t *testing.T) {
	in := &types.Table{
		Columns: testColumns,
		Rows: []types.Row{
			player(1, types.Int(7), types.String("S7")),
			kill(2, types.Float(7), types.String("7")),
		},
	}
	out, _, err := newResolver(t, nil, nil).Resolve(in)
	require.NoError(t, err)

	assert.Equal(t, types.String("S7"), out.Get(1, "kills_attacker_id"))
	// A string "7" is not the integer identity 7.
	assert.Equal(t, types.String("7"), out.Get(1, "kills_victim_id"))
}

func TestResolve_NullPersistentPassesThrough(t *testing.T) {
	in := &types.Table{
		Columns: testColumns,
		Rows: []types.Row{
			player(1, types.Int(2), types.String("S2")),
			player(2, types.Int(2), types.Null()),
			kill(3, types.Int(2), types.Null()),
		},
	}
	out, report, err := newResolver(t, nil, nil).Resolve(in)
	require.NoError(t, err)
	assert.Equal(t, types.Int(2), out.Get(2, "kills_attacker_id"))
	assert.Equal(t, 1, report.Unresolved["kills_attacker_id"])
}

func TestResolve_AsOfTick(t *testing.T) {
	in := &types.Table{
		Columns: testColumns,
		Rows: []types.Row{
			kill(1, types.Int(3), types.Int(9)),
			player(2, types.Int(3), types.String("A")),
			kill(3, types.Int(3), types.Int(9)),
			player(5, types.Int(3), types.String("B")),
			kill(5, types.Int(3), types.Int(9)),
			kill(8, types.Int(3), types.Int(9)),
		},
	}
	out, _, err := newResolver(t, AsOfTick{}, nil).Resolve(in)
	require.NoError(t, err)

	want := map[int]string{0: "A", 2: "A", 4: "B", 5: "B"}
	for i, id := range want {
		assert.Equal(t, types.String(id), out.Get(i, "kills_attacker_id"), "row %d", i)
	}

	lww, _, err := newResolver(t, LastWriteWins{}, nil).Resolve(in)
	require.NoError(t, err)
	assert.Equal(t, types.String("B"), lww.Get(2, "kills_attacker_id"))
}

func TestResolve_RejectOnConflict(t *testing.T) {
	in := &types.Table{
		Columns: testColumns,
		Rows: []types.Row{
			player(1, types.Int(3), types.String("A")),
			player(2, types.Int(3), types.Null()),
			player(3, types.Int(3), types.String("B")),
		},
	}
	_, _, err := newResolver(t, RejectOnConflict{}, nil).Resolve(in)
	require.Error(t, err)
	assert.Equal(t, perrors.CodeIdentityConflict, perrors.GetCode(err))
	assert.Equal(t, perrors.ErrCategoryIdentity, perrors.GetCategory(err))

	out, _, err := newResolver(t, RejectOnConflict{}, nil).Resolve(scenarioTable())
	require.NoError(t, err)
	assert.Equal(t, types.String("S1"), out.Get(1, "kills_attacker_id"))
}

func TestResolve_MissingColumns(t *testing.T) {
	t.Run("rewrite column absent is skipped", func(t *testing.T) {
		in := &types.Table{
			Columns: []string{"tick", "players_info.steamId", "players_info.userId", "world"},
			Rows: []types.Row{{Field: "players", Values: []types.Value{
				types.Int(1), types.String("S1"), types.Int(1), types.String("w"),
			}}},
		}
		_, report, err := newResolver(t, nil, nil).Resolve(in)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"kills_assister_id", "kills_attacker_id", "kills_victim_id"}, report.Skipped)
	})

	t.Run("player rows without persistent column", func(t *testing.T) {
		in := &types.Table{
			Columns: []string{"tick", "players_info.userId", "world"},
			Rows: []types.Row{{Field: "players", Values: []types.Value{
				types.Int(1), types.Int(1), types.String("w"),
			}}},
		}
		_, _, err := newResolver(t, nil, nil).Resolve(in)
		require.Error(t, err)
		assert.Equal(t, perrors.CodeMissingColumn, perrors.GetCode(err))
	})

	t.Run("no player rows", func(t *testing.T) {
		in := &types.Table{Columns: []string{"tick", "world"}}
		out, report, err := newResolver(t, nil, nil).Resolve(in)
		require.NoError(t, err)
		assert.Equal(t, 0, out.Len())
		assert.Equal(t, 0, report.Identities)
	})
}

func TestParseStrategy(t *testing.T) {
	for name, want := range map[string]string{
		"":                   StrategyLastWriteWins,
		"last_write_wins":    StrategyLastWriteWins,
		"AS_OF_TICK":         StrategyAsOfTick,
		"reject_on_conflict": StrategyRejectOnConflict,
	} {
		s, err := ParseStrategy(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, s.Name())
	}

	_, err := ParseStrategy("first_write_wins")
	assert.ErrorIs(t, err, perrors.ErrInvalidOptions)
}

func TestNewResolver_InvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.RewriteColumns = []string{"tick"}
	_, err := NewResolver(opts, nil)
	assert.ErrorIs(t, err, perrors.ErrInvalidOptions)

	opts = DefaultOptions()
	opts.TransientColumn = ""
	_, err = NewResolver(opts, nil)
	assert.ErrorIs(t, err, perrors.ErrInvalidOptions)
}

func TestLog_Observations(t *testing.T) {
	log, err := BuildLog(scenarioTable(), "players", "players_info.userId", "players_info.steamId")
	require.NoError(t, err)

	assert.Equal(t, 2, log.Len())
	obs := log.For(types.String("5"))
	require.Len(t, obs, 1)
	assert.Equal(t, Observation{Row: 0, Tick: 10, Transient: types.String("5"), Persistent: types.String("S1")}, obs[0])
	assert.Equal(t, types.String("S2"), log.Mapping()[types.String("6").Key()])
}
