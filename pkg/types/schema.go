package types

// Column types reported by InferSchema.
const (
	ColumnTypeNull    = "NULL"
	ColumnTypeInteger = "INTEGER"
	ColumnTypeReal    = "REAL"
	ColumnTypeText    = "TEXT"
	ColumnTypeBoolean = "BOOLEAN"
	ColumnTypeMixed   = "MIXED"
)

// SchemaVersion is bumped whenever the persisted table layout changes.
const SchemaVersion = 1

// Schema describes the columns of a table.
type Schema struct {
	// Version tracks the persisted layout for cache compatibility
	Version int `json:"version"`

	// Columns defines the columns in table order
	Columns []ColumnDef `json:"columns"`
}

// ColumnDef defines a single column in the schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is one of the ColumnType constants
	Type string `json:"type"`

	// Nullable indicates whether the column contains NULL values
	Nullable bool `json:"nullable"`
}

// InferSchema derives a schema from the values present in a table. A
// column holding both integers and floats is REAL; any other mix is MIXED.
func InferSchema(t *Table) Schema {
	schema := Schema{Version: SchemaVersion, Columns: make([]ColumnDef, len(t.Columns))}
	for j, name := range t.Columns {
		def := ColumnDef{Name: name, Type: ColumnTypeNull}
		for _, r := range t.Rows {
			v := r.Values[j]
			if v.IsNull() {
				def.Nullable = true
				continue
			}
			def.Type = mergeColumnType(def.Type, columnTypeOf(v.Kind()))
		}
		if len(t.Rows) == 0 {
			def.Nullable = true
		}
		schema.Columns[j] = def
	}
	return schema
}

func columnTypeOf(k Kind) string {
	switch k {
	case KindInt:
		return ColumnTypeInteger
	case KindFloat:
		return ColumnTypeReal
	case KindString:
		return ColumnTypeText
	case KindBool:
		return ColumnTypeBoolean
	default:
		return ColumnTypeNull
	}
}

func mergeColumnType(current, next string) string {
	switch {
	case current == ColumnTypeNull:
		return next
	case current == next:
		return current
	case (current == ColumnTypeInteger && next == ColumnTypeReal) ||
		(current == ColumnTypeReal && next == ColumnTypeInteger):
		return ColumnTypeReal
	default:
		return ColumnTypeMixed
	}
}
