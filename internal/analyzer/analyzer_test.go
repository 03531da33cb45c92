package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/demolyzer/demolyzer/internal/cache"
	"github.com/demolyzer/demolyzer/internal/config"
	"github.com/demolyzer/demolyzer/internal/decoder"
	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/internal/window"
	"github.com/demolyzer/demolyzer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const match = `[
  {"tick": 0, "world": "cp_badlands", "players": [
    {"info": {"userId": 5, "steamId": "S1", "name": "alice"}, "state": "Alive"},
    {"info": {"userId": 6, "steamId": "S2", "name": "bob"}, "state": "Alive"}]},
  {"tick": 100, "world": "cp_badlands", "players": [
    {"info": {"userId": 5, "steamId": "S1", "name": "alice"}, "state": "Alive"},
    {"info": {"userId": 6, "steamId": "S2", "name": "bob"}, "state": "Alive"}],
   "kills": [{"attacker_id": 5, "victim_id": 6}]},
  {"tick": 200, "world": "cp_badlands", "players": [
    {"info": {"userId": 5, "steamId": "S1", "name": "alice"}, "state": "Alive"},
    {"info": {"userId": 6, "steamId": "S2", "name": "bob"}, "state": "Death"}]}
]`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	return cfg
}

func writeMatch(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "match.json")
	require.NoError(t, os.WriteFile(path, []byte(match), 0644))
	return path
}

func openMatch(t *testing.T, cfg *config.Config, opts ...Option) (*Analyzer, *Session) {
	t.Helper()
	a, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	s, err := a.Open(context.Background(), writeMatch(t))
	require.NoError(t, err)
	return a, s
}

func TestOpen_BuildsCanonicalTable(t *testing.T) {
	_, s := openMatch(t, testConfig(t))

	tbl := s.Table()
	assert.False(t, s.Cached())
	assert.Equal(t, 7, tbl.Len())
	assert.Equal(t, []string{
		"tick", "kills_attacker_id", "kills_victim_id",
		"players_info.name", "players_info.steamId", "players_info.userId",
		"players_state", "world",
	}, tbl.Columns)
	assert.Equal(t, "kills", tbl.Rows[4].Field)
}

func TestOpen_ReusesCachedTable(t *testing.T) {
	cfg := testConfig(t)
	source := writeMatch(t)

	first, err := New(context.Background(), cfg)
	require.NoError(t, err)
	s1, err := first.Open(context.Background(), source)
	require.NoError(t, err)
	require.False(t, s1.Cached())

	second, err := New(context.Background(), cfg)
	require.NoError(t, err)
	s2, err := second.Open(context.Background(), source)
	require.NoError(t, err)

	assert.True(t, s2.Cached())
	assert.Equal(t, s1.Key(), s2.Key())
	assert.Equal(t, s1.Table(), s2.Table())
}

func TestOpen_ParallelBuildMatchesSequential(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Enabled = false
	_, sequential := openMatch(t, cfg)

	cfg.Pipeline.Workers = 4
	_, parallel := openMatch(t, cfg)

	assert.Equal(t, sequential.Table(), parallel.Table())
}

type failingCache struct{}

func (failingCache) Load(context.Context, cache.Key) (*types.Table, bool, error) {
	return nil, false, errors.New("load failed")
}

func (failingCache) Store(context.Context, cache.Key, *types.Table) error {
	return errors.New("store failed")
}

func TestOpen_CacheFailuresAreNotFatal(t *testing.T) {
	_, s := openMatch(t, testConfig(t), WithCache(failingCache{}))
	assert.Equal(t, 7, s.Table().Len())
}

func TestOpen_MissingSource(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)

	_, err = a.Open(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, perrors.CodeObjectNotFound, perrors.GetCode(err))
}

func TestSession_Players(t *testing.T) {
	_, s := openMatch(t, testConfig(t))

	players, err := s.Players()
	require.NoError(t, err)
	assert.Equal(t, map[types.Value]string{
		types.String("S1"): "alice",
		types.String("S2"): "bob",
	}, players)

	count, err := s.PlayerCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ids, err := s.Identities()
	require.NoError(t, err)
	assert.Equal(t, []types.Value{types.String("S1"), types.String("S2")}, ids)
}

func TestSession_DeathStats(t *testing.T) {
	_, s := openMatch(t, testConfig(t))

	stats, err := s.DeathStats()
	require.NoError(t, err)

	s1 := stats[types.String("S1")]
	require.NotNil(t, s1.AliveTicks)
	assert.Equal(t, int64(3), *s1.AliveTicks)
	assert.Nil(t, s1.DeathTicks)

	s2 := stats[types.String("S2")]
	require.NotNil(t, s2.AliveTicks)
	require.NotNil(t, s2.DeathTicks)
	assert.Equal(t, int64(2), *s2.AliveTicks)
	assert.Equal(t, int64(1), *s2.DeathTicks)
}

func TestSession_ResolvedTable(t *testing.T) {
	_, s := openMatch(t, testConfig(t))

	resolved, report, err := s.ResolvedTable()
	require.NoError(t, err)
	assert.Equal(t, types.String("S1"), resolved.Get(4, "kills_attacker_id"))
	assert.Equal(t, types.String("S2"), resolved.Get(4, "kills_victim_id"))
	assert.Equal(t, 0, report.TotalUnresolved())

	// The canonical table is untouched.
	assert.Equal(t, types.Int(5), s.Table().Get(4, "kills_attacker_id"))
}

func TestSession_EventTable(t *testing.T) {
	_, s := openMatch(t, testConfig(t))

	events, summary, err := s.EventTable(100, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, events.Len())
	assert.Equal(t, types.EventIDColumn, events.Columns[len(events.Columns)-1])
	for i := range events.Rows {
		assert.Equal(t, types.Int(1), events.Get(i, types.EventIDColumn))
		assert.Equal(t, types.String("S1"), events.Get(i, "players_info.steamId"))
	}
	assert.Equal(t, 1, summary.Events)
	assert.Equal(t, 0, summary.EmptyEvents)

	narrow, _, err := s.EventTable(0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, narrow.Len())
	tick, _ := narrow.Tick(0)
	assert.Equal(t, int64(100), tick)

	opts := window.DefaultOptions()
	opts.Participants = window.Both
	both, _, err := s.EventTableWith(opts)
	require.NoError(t, err)
	assert.Equal(t, 6, both.Len())

	_, _, err = s.EventTable(-1, 0)
	assert.True(t, errors.Is(err, perrors.ErrInvalidOptions))
}

func TestSession_SummaryAndString(t *testing.T) {
	source := writeMatch(t)
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	s, err := a.Open(context.Background(), source)
	require.NoError(t, err)

	sum, err := s.Summary()
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Players)
	assert.Equal(t, int64(200), sum.TickSpan)
	assert.Equal(t, source+" with 2 players and duration of 200 ticks", s.String())
}

func TestOpenRecords(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)

	records := []types.TickRecord{
		types.NewTickRecord(10, "w", types.FieldEntities{Name: "players", Entities: []types.EntityRecord{
			{"info": map[string]any{"userId": int64(1), "steamId": "S9", "name": "eve"}, "state": "Alive"},
		}}),
	}
	s, err := a.OpenRecords(context.Background(), "remote", records)
	require.NoError(t, err)
	assert.Equal(t, cache.Key(""), s.Key())
	assert.Equal(t, "remote with 1 players and duration of 0 ticks", s.String())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Identity.Strategy = "newest"
	_, err := New(context.Background(), cfg)
	assert.True(t, errors.Is(err, perrors.ErrInvalidOptions))

	cfg = testConfig(t)
	cfg.Decoder.Command = []string{"unspool", "{source}"}
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &decoder.CommandDecoder{}, a.decoder)
}
