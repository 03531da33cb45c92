package types

// EntityRecord is one entity instance within a field of a tick, as produced
// by the decoder. Values are scalars or nested map[string]any.
type EntityRecord map[string]any

// FieldEntities holds the entity records of one named field.
type FieldEntities struct {
	// Name is the field name (e.g. "players", "kills")
	Name string `json:"name"`

	// Entities are the records in decoder order
	Entities []EntityRecord `json:"entities"`
}

// TickRecord is the decoder's output for one simulation tick.
type TickRecord struct {
	// Tick is the simulation tick; nil when the decoder omitted it
	Tick *int64 `json:"tick"`

	// World identifies the map/world the tick was recorded on; nil when omitted
	World *string `json:"world"`

	// Fields preserves the decoder's field order
	Fields []FieldEntities `json:"fields"`
}

// NewTickRecord builds a record with tick and world set.
func NewTickRecord(tick int64, world string, fields ...FieldEntities) TickRecord {
	return TickRecord{Tick: &tick, World: &world, Fields: fields}
}

// Field returns the entities of the named field and whether it is present.
func (r TickRecord) Field(name string) ([]EntityRecord, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Entities, true
		}
	}
	return nil, false
}
