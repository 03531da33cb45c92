// Package normalize flattens one tick's nested entity records into tagged
// sparse rows.
package normalize

import (
	"errors"
	"fmt"
	"sort"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/pkg/types"
)

// Separator joins nested attribute keys ("info" + "steamId" -> "info.steamId").
const Separator = "."

var (
	// ErrUnsupportedValue marks a leaf that is neither a scalar nor a mapping.
	ErrUnsupportedValue = errors.New("not a scalar or mapping")

	// ErrDuplicateAttribute marks two attribute paths that flatten to the
	// same column, such as {"info.id": 1} and {"info": {"id": 2}}.
	ErrDuplicateAttribute = errors.New("flattens to an existing column")
)

// Entity is one flattened entity record tagged with the field it came from.
// It is the row before it is widened into the table's column set.
type Entity struct {
	Field string
	Tick  int64
	World string

	// Cells maps full column names (field_attribute) to values. Null
	// attributes are kept so the column still appears in the table.
	Cells map[string]types.Value
}

// Columns returns the entity's column names in sorted order.
func (e Entity) Columns() []string {
	cols := make([]string, 0, len(e.Cells))
	for c := range e.Cells {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Normalize flattens rec into one Entity per entity record, in field order
// then entity order. index is the record's position in the decoder's
// sequence and is only used in error details.
func Normalize(rec types.TickRecord, index int) ([]Entity, error) {
	if rec.Tick == nil {
		return nil, malformed(index, "", -1, "", "record has no tick")
	}
	if rec.World == nil {
		return nil, malformed(index, "", -1, "", "record has no world")
	}
	tick, world := *rec.Tick, *rec.World

	var out []Entity
	for _, f := range rec.Fields {
		if f.Name == "" {
			return nil, malformed(index, "", -1, "", "field with empty name")
		}
		if f.Name == types.TickColumn || f.Name == types.WorldColumn {
			return nil, malformed(index, f.Name, -1, "", fmt.Sprintf("field %q shadows a reserved column", f.Name))
		}
		for i, entity := range f.Entities {
			if entity == nil {
				return nil, malformed(index, f.Name, i, "", "entry is not an attribute mapping")
			}
			cells := make(map[string]types.Value, len(entity))
			if bad, err := Flatten(f.Name+"_", entity, cells); err != nil {
				return nil, malformed(index, f.Name, i, bad, fmt.Sprintf("attribute %q %v", bad, err))
			}
			out = append(out, Entity{Field: f.Name, Tick: tick, World: world, Cells: cells})
		}
	}
	return out, nil
}

// Flatten writes every leaf of rec into dst under prefix + dotted path.
// On an unsupported leaf or a column already present in dst it stops and
// returns that leaf's dotted path.
func Flatten(prefix string, rec map[string]any, dst map[string]types.Value) (string, error) {
	return flatten(prefix, "", rec, dst)
}

func flatten(prefix, path string, rec map[string]any, dst map[string]types.Value) (string, error) {
	for k, raw := range rec {
		attr := k
		if path != "" {
			attr = path + Separator + k
		}
		switch nested := raw.(type) {
		case map[string]any:
			if bad, err := flatten(prefix, attr, nested, dst); err != nil {
				return bad, err
			}
			continue
		case types.EntityRecord:
			if bad, err := flatten(prefix, attr, nested, dst); err != nil {
				return bad, err
			}
			continue
		}
		v, ok := types.FromAny(raw)
		if !ok {
			return attr, ErrUnsupportedValue
		}
		if _, exists := dst[prefix+attr]; exists {
			return attr, ErrDuplicateAttribute
		}
		dst[prefix+attr] = v
	}
	return "", nil
}

func malformed(index int, field string, entity int, attribute, message string) error {
	details := map[string]interface{}{"tick_index": index}
	if field != "" {
		details["field"] = field
	}
	if entity >= 0 {
		details["entity_index"] = entity
	}
	if attribute != "" {
		details["attribute"] = attribute
	}
	return perrors.NewMalformedInput(fmt.Sprintf("record %d: %s", index, message)).WithDetails(details)
}
