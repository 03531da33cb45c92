package types

import "fmt"

// Reserved column names shared by every table.
const (
	TickColumn    = "tick"
	WorldColumn   = "world"
	EventIDColumn = "event_id"
)

// ColumnName returns the flattened column name for an attribute of a field.
func ColumnName(field, attribute string) string {
	return field + "_" + attribute
}

// Row is one row of a sparse wide table. Field names the row's home field:
// only the tick, world and that field's columns carry values.
type Row struct {
	// Field is the entity field this row was flattened from
	Field string `json:"field"`

	// Values are aligned with the owning Table's Columns
	Values []Value `json:"-"`
}

// Table is a materialized, sparse, wide table. Tables are treated as
// immutable once built; transformations return new tables.
type Table struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Index returns the position of the named column, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// HasColumn reports whether the table has the named column.
func (t *Table) HasColumn(name string) bool {
	return t.Index(name) >= 0
}

// Get returns the value of the named column in row i. Absent columns read
// as null.
func (t *Table) Get(i int, column string) Value {
	idx := t.Index(column)
	if idx < 0 {
		return Null()
	}
	return t.Rows[i].Values[idx]
}

// Column returns a copy of the named column's values.
func (t *Table) Column(name string) ([]Value, error) {
	idx := t.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("table: no column %q", name)
	}
	out := make([]Value, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Values[idx]
	}
	return out, nil
}

// Tick returns the tick of row i.
func (t *Table) Tick(i int) (int64, bool) {
	idx := t.Index(TickColumn)
	if idx < 0 {
		return 0, false
	}
	return t.Rows[i].Values[idx].AsInt()
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := &Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([]Row, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// Clone returns a copy of the row that shares no storage with r.
func (r Row) Clone() Row {
	return Row{Field: r.Field, Values: append([]Value(nil), r.Values...)}
}

// Map returns the row's non-null cells keyed by column name.
func (t *Table) Map(i int) map[string]Value {
	out := make(map[string]Value)
	for j, v := range t.Rows[i].Values {
		if !v.IsNull() {
			out[t.Columns[j]] = v
		}
	}
	return out
}
