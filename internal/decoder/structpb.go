package decoder

import (
	"fmt"
	"sort"

	"github.com/demolyzer/demolyzer/pkg/types"
	"google.golang.org/protobuf/types/known/structpb"
)

// FromStructList converts protobuf-encoded tick records. Protobuf structs
// do not keep member order, so fields are taken in name order, and all
// numbers arrive as doubles.
func FromStructList(list *structpb.ListValue) ([]types.TickRecord, error) {
	records := make([]types.TickRecord, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			return nil, malformed(i, "tick record is not an object")
		}

		var rec types.TickRecord
		names := make([]string, 0, len(s.GetFields()))
		for name := range s.GetFields() {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			raw := s.GetFields()[name].AsInterface()
			switch name {
			case types.TickColumn:
				tick, err := tickValue(raw, i)
				if err != nil {
					return nil, err
				}
				rec.Tick = tick
			case types.WorldColumn:
				world, err := worldValue(raw, i)
				if err != nil {
					return nil, err
				}
				rec.World = world
			default:
				entities, err := FieldEntities(name, raw, i)
				if err != nil {
					return nil, err
				}
				rec.Fields = append(rec.Fields, entities)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// ToStructList is the inverse of FromStructList.
func ToStructList(records []types.TickRecord) (*structpb.ListValue, error) {
	values := make([]any, len(records))
	for i, rec := range records {
		m := make(map[string]any, len(rec.Fields)+2)
		if rec.Tick != nil {
			m[types.TickColumn] = float64(*rec.Tick)
		}
		if rec.World != nil {
			m[types.WorldColumn] = *rec.World
		}
		for _, f := range rec.Fields {
			entities := make([]any, len(f.Entities))
			for j, e := range f.Entities {
				entities[j] = map[string]any(e)
			}
			m[f.Name] = entities
		}
		values[i] = m
	}
	list, err := structpb.NewList(values)
	if err != nil {
		return nil, fmt.Errorf("decoder: encode records: %w", err)
	}
	return list, nil
}
