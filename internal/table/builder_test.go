package table

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/pkg/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func players(entities ...types.EntityRecord) types.FieldEntities {
	return types.FieldEntities{Name: "players", Entities: entities}
}

func kills(entities ...types.EntityRecord) types.FieldEntities {
	return types.FieldEntities{Name: "kills", Entities: entities}
}

func TestBuilder_Build(t *testing.T) {
	records := []types.TickRecord{
		types.NewTickRecord(11, "cp_badlands",
			players(types.EntityRecord{"info": map[string]any{"userId": int64(6), "steamId": "S2"}, "state": "Alive"}),
		),
		types.NewTickRecord(10, "cp_badlands",
			players(types.EntityRecord{"info": map[string]any{"userId": int64(5), "steamId": "S1"}, "state": "Alive"}),
			kills(types.EntityRecord{"attacker_id": int64(5), "victim_id": int64(6)}),
		),
	}

	table, info, err := NewBuilder(1, nil).BuildWithInfo(context.Background(), records)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	wantCols := []string{
		"tick",
		"kills_attacker_id",
		"kills_victim_id",
		"players_info.steamId",
		"players_info.userId",
		"players_state",
		"world",
	}
	if !reflect.DeepEqual(table.Columns, wantCols) {
		t.Fatalf("columns: got %v, want %v", table.Columns, wantCols)
	}
	if table.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", table.Len())
	}

	// Tick 10 rows come first and keep their intra-tick order.
	wantFields := []string{"players", "kills", "players"}
	wantTicks := []int64{10, 10, 11}
	for i := range table.Rows {
		if table.Rows[i].Field != wantFields[i] {
			t.Errorf("row %d: field %q, want %q", i, table.Rows[i].Field, wantFields[i])
		}
		if tick, _ := table.Tick(i); tick != wantTicks[i] {
			t.Errorf("row %d: tick %d, want %d", i, tick, wantTicks[i])
		}
	}

	if got := table.Get(1, "kills_attacker_id"); got != types.Int(5) {
		t.Errorf("attacker: got %#v", got)
	}
	if got := table.Get(1, "players_state"); !got.IsNull() {
		t.Errorf("kill row must not carry player columns, got %#v", got)
	}
	if got := table.Get(2, "world"); got != types.String("cp_badlands") {
		t.Errorf("world not broadcast: %#v", got)
	}

	if info.Records != 2 || info.RowCount != 3 {
		t.Errorf("info: records=%d rows=%d", info.Records, info.RowCount)
	}
	if info.TickSpan() != 1 {
		t.Errorf("expected tick span 1, got %d", info.TickSpan())
	}
	if info.RowsPerField["players"] != 2 || info.RowsPerField["kills"] != 1 {
		t.Errorf("rows per field: %v", info.RowsPerField)
	}
}

func TestBuilder_EmptyInput(t *testing.T) {
	table, err := NewBuilder(1, nil).Build(context.Background(), nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(table.Columns, []string{"tick", "world"}) {
		t.Errorf("columns: got %v", table.Columns)
	}
	if table.Len() != 0 {
		t.Errorf("expected no rows, got %d", table.Len())
	}
}

func TestBuilder_MissingTick(t *testing.T) {
	world := "w"
	records := []types.TickRecord{
		types.NewTickRecord(1, "w", kills(types.EntityRecord{"attacker_id": 1})),
		{World: &world, Fields: []types.FieldEntities{kills(types.EntityRecord{"attacker_id": 2})}},
	}

	for _, workers := range []int{1, 4} {
		_, err := NewBuilder(workers, nil).Build(context.Background(), records)
		if err == nil {
			t.Fatalf("workers=%d: expected error", workers)
		}
		if !errors.Is(err, perrors.ErrMalformedInput) {
			t.Errorf("workers=%d: expected MALFORMED_INPUT, got %v", workers, err)
		}
	}
}

func TestBuilder_ColumnCollision(t *testing.T) {
	records := []types.TickRecord{
		types.NewTickRecord(1, "w",
			types.FieldEntities{Name: "a_b", Entities: []types.EntityRecord{{"c": 1}}},
			types.FieldEntities{Name: "a", Entities: []types.EntityRecord{{"b_c": 2}}},
		),
	}
	_, err := NewBuilder(1, nil).Build(context.Background(), records)
	if perrors.GetCode(err) != perrors.CodeColumnCollision {
		t.Fatalf("expected COLUMN_COLLISION, got %v", err)
	}
}

func TestBuilder_ParallelReportsSequentialError(t *testing.T) {
	world := "w"
	collision := types.NewTickRecord(1, "w",
		types.FieldEntities{Name: "a_b", Entities: []types.EntityRecord{{"c": 1}}},
		types.FieldEntities{Name: "a", Entities: []types.EntityRecord{{"b_c": 2}}},
	)
	noTick := types.TickRecord{World: &world}
	valid := types.NewTickRecord(2, "w", kills(types.EntityRecord{"attacker_id": 1}))

	layouts := map[string][]types.TickRecord{
		"collision before malformed": {valid, collision, noTick, valid},
		"malformed before malformed": {valid, noTick, valid, valid, valid, valid, valid, noTick},
		"malformed before collision": {noTick, collision, valid},
	}
	for name, records := range layouts {
		t.Run(name, func(t *testing.T) {
			_, seqErr := NewBuilder(1, nil).Build(context.Background(), records)
			if seqErr == nil {
				t.Fatal("expected sequential error")
			}
			for _, workers := range []int{2, 4, 8} {
				_, parErr := NewBuilder(workers, nil).Build(context.Background(), records)
				if parErr == nil || parErr.Error() != seqErr.Error() {
					t.Errorf("workers=%d: got %v, want %v", workers, parErr, seqErr)
				}
			}
		})
	}
}

func TestBuilder_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	records := []types.TickRecord{types.NewTickRecord(1, "w"), types.NewTickRecord(2, "w")}
	if _, err := NewBuilder(1, nil).Build(ctx, records); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStream_MatchesBuild(t *testing.T) {
	records := randomRecords(rand.New(rand.NewSource(42)), []int64{5, 3, 5, 1, 3, 3, 9})

	stream := NewStream()
	for _, rec := range records {
		if err := stream.Add(rec); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	streamed := stream.Table()

	built, err := NewBuilder(1, nil).Build(context.Background(), records)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(streamed, built) {
		t.Error("streamed table differs from built table")
	}
	if err := stream.Add(records[0]); err == nil {
		t.Error("expected error adding to a finished stream")
	}

	again, info := stream.Finish()
	if again != streamed {
		t.Error("finishing twice rebuilt the table")
	}
	if info != stream.Info() {
		t.Error("finishing twice rebuilt the build info")
	}
}

var fieldAttributes = map[string][]string{
	"players": {"state", "health", "info"},
	"kills":   {"attacker_id", "victim_id", "assister_id"},
	"damages": {"amount", "weapon"},
}

var fieldNames = []string{"players", "kills", "damages"}

// randomRecords builds one record per tick. Every entity carries a "seq"
// attribute that increases across the whole sequence so tests can check
// stable ordering.
func randomRecords(rng *rand.Rand, ticks []int64) []types.TickRecord {
	seq := int64(0)
	records := make([]types.TickRecord, len(ticks))
	for i, tick := range ticks {
		var fields []types.FieldEntities
		for _, name := range fieldNames {
			if rng.Intn(3) == 0 {
				continue
			}
			n := rng.Intn(3)
			f := types.FieldEntities{Name: name}
			for j := 0; j < n; j++ {
				e := types.EntityRecord{"seq": seq}
				seq++
				for _, attr := range fieldAttributes[name] {
					if rng.Intn(2) == 0 {
						continue
					}
					if attr == "info" {
						e[attr] = map[string]any{"userId": int64(rng.Intn(4)), "name": fmt.Sprintf("p%d", rng.Intn(4))}
						continue
					}
					e[attr] = int64(rng.Intn(10))
				}
				f.Entities = append(f.Entities, e)
			}
			fields = append(fields, f)
		}
		records[i] = types.NewTickRecord(tick, "w", fields...)
	}
	return records
}

func observedColumns(records []types.TickRecord) map[string]bool {
	cols := map[string]bool{"tick": true, "world": true}
	for _, rec := range records {
		for _, f := range rec.Fields {
			for _, e := range f.Entities {
				for k, v := range e {
					if nested, ok := v.(map[string]any); ok {
						for nk := range nested {
							cols[f.Name+"_"+k+"."+nk] = true
						}
						continue
					}
					cols[f.Name+"_"+k] = true
				}
			}
		}
	}
	return cols
}

// TestProperty_CanonicalTable validates the canonical table invariants:
// sorted ticks, stable ties, a single home field per row, the exact column
// union, and determinism across worker counts.
func TestProperty_CanonicalTable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	build := func(ticks []int64, seed int64, workers int) ([]types.TickRecord, *types.Table, error) {
		records := randomRecords(rand.New(rand.NewSource(seed)), ticks)
		table, err := NewBuilder(workers, nil).Build(context.Background(), records)
		return records, table, err
	}

	properties.Property("ticks are non-decreasing and ties keep sequence order", prop.ForAll(
		func(ticks []int64, seed int64) bool {
			_, table, err := build(ticks, seed, 1)
			if err != nil {
				return false
			}
			for i := 1; i < table.Len(); i++ {
				prev, _ := table.Tick(i - 1)
				cur, _ := table.Tick(i)
				if cur < prev {
					return false
				}
				if cur == prev {
					a, _ := table.Get(i-1, table.Rows[i-1].Field+"_seq").AsInt()
					b, _ := table.Get(i, table.Rows[i].Field+"_seq").AsInt()
					if b < a {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 20)),
		gen.Int64(),
	))

	properties.Property("every row populates only its home field", prop.ForAll(
		func(ticks []int64, seed int64) bool {
			_, table, err := build(ticks, seed, 1)
			if err != nil {
				return false
			}
			for i, row := range table.Rows {
				for j, v := range row.Values {
					col := table.Columns[j]
					if col == types.TickColumn || col == types.WorldColumn || v.IsNull() {
						continue
					}
					if !strings.HasPrefix(col, row.Field+"_") {
						t.Logf("row %d (%s) has value in %s", i, row.Field, col)
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 20)),
		gen.Int64(),
	))

	properties.Property("columns are tick then the sorted observed union", prop.ForAll(
		func(ticks []int64, seed int64) bool {
			records, table, err := build(ticks, seed, 1)
			if err != nil {
				return false
			}
			want := observedColumns(records)
			if len(want) != len(table.Columns) || table.Columns[0] != types.TickColumn {
				return false
			}
			for i, c := range table.Columns {
				if !want[c] {
					return false
				}
				if i > 1 && table.Columns[i-1] >= c {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 20)),
		gen.Int64(),
	))

	properties.Property("parallel and repeated builds are identical", prop.ForAll(
		func(ticks []int64, seed int64, workers int) bool {
			_, first, err1 := build(ticks, seed, 1)
			_, again, err2 := build(ticks, seed, 1)
			_, parallel, err3 := build(ticks, seed, workers)
			if err1 != nil || err2 != nil || err3 != nil {
				return false
			}
			return reflect.DeepEqual(first, again) && reflect.DeepEqual(first, parallel)
		},
		gen.SliceOf(gen.Int64Range(0, 20)),
		gen.Int64(),
		gen.IntRange(2, 8),
	))

	properties.TestingRun(t)
}
