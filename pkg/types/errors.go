package types

import "errors"

// ErrRaggedRow is returned when a row's values do not line up with the table's columns
var ErrRaggedRow = errors.New("row width does not match column count")

// Validate checks that every row has exactly one value per column.
func (t *Table) Validate() error {
	for _, r := range t.Rows {
		if len(r.Values) != len(t.Columns) {
			return ErrRaggedRow
		}
	}
	return nil
}
