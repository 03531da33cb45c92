// Package decoder turns decoded demo output into tick records.
//
// A record stream is either a JSON array of tick objects or a sequence of
// tick objects (for example one per line). Each tick object carries "tick",
// "world" and one list of entity objects per field:
//
//	{"tick": 100, "world": "cp_badlands", "players": [{...}], "kills": [{...}]}
//
// Field order inside a tick object is preserved.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/pkg/types"
	"github.com/goccy/go-json"
)

// RecordFunc receives tick records in stream order.
type RecordFunc func(types.TickRecord) error

// ReadRecords decodes a record stream from r and calls fn for every tick
// record. Numbers keep their integer form. An error from fn stops the read
// and is returned unchanged.
func ReadRecords(ctx context.Context, r io.Reader, fn RecordFunc) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return perrors.NewDecodeError("failed to read record stream", err)
	}

	index := 0
	emit := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := readRecord(dec, index)
		if err != nil {
			return err
		}
		index++
		return fn(rec)
	}

	switch tok {
	case json.Delim('['):
		for dec.More() {
			if err := expectDelim(dec, '{', index); err != nil {
				return err
			}
			if err := emit(); err != nil {
				return err
			}
		}
		if err := expectDelim(dec, ']', index); err != nil {
			return err
		}
	case json.Delim('{'):
		for {
			if err := emit(); err != nil {
				return err
			}
			tok, err := dec.Token()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return perrors.NewDecodeError(fmt.Sprintf("failed to read tick record %d", index), err)
			}
			if tok != json.Delim('{') {
				return malformed(index, fmt.Sprintf("expected tick object, got %v", tok))
			}
		}
	default:
		return malformed(0, fmt.Sprintf("record stream must start with an array or object, got %v", tok))
	}
	return nil
}

// readRecord reads the members of a tick object whose opening brace has
// already been consumed.
func readRecord(dec *json.Decoder, index int) (types.TickRecord, error) {
	var rec types.TickRecord
	seen := make(map[string]bool)

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return rec, perrors.NewDecodeError(fmt.Sprintf("failed to read tick record %d", index), err)
		}
		key, ok := tok.(string)
		if !ok {
			return rec, malformed(index, fmt.Sprintf("expected member name, got %v", tok))
		}
		if seen[key] {
			return rec, malformed(index, fmt.Sprintf("duplicate member %q", key))
		}
		seen[key] = true

		var raw any
		if err := dec.Decode(&raw); err != nil {
			return rec, perrors.NewDecodeError(fmt.Sprintf("failed to read %q of tick record %d", key, index), err)
		}

		switch key {
		case types.TickColumn:
			tick, err := tickValue(raw, index)
			if err != nil {
				return rec, err
			}
			rec.Tick = tick
		case types.WorldColumn:
			world, err := worldValue(raw, index)
			if err != nil {
				return rec, err
			}
			rec.World = world
		default:
			entities, err := FieldEntities(key, raw, index)
			if err != nil {
				return rec, err
			}
			rec.Fields = append(rec.Fields, entities)
		}
	}
	if err := expectDelim(dec, '}', index); err != nil {
		return rec, err
	}
	return rec, nil
}

// FieldEntities converts a decoded field value into its entity list. The
// value must be a list of objects.
func FieldEntities(name string, raw any, index int) (types.FieldEntities, error) {
	list, ok := raw.([]any)
	if !ok {
		return types.FieldEntities{}, malformed(index, fmt.Sprintf("field %q is not a list", name)).
			WithDetails(map[string]interface{}{"tick_index": index, "field": name})
	}
	f := types.FieldEntities{Name: name, Entities: make([]types.EntityRecord, len(list))}
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return types.FieldEntities{}, malformed(index, fmt.Sprintf("entity %d of field %q is not an object", i, name)).
				WithDetails(map[string]interface{}{"tick_index": index, "field": name, "entity_index": i})
		}
		f.Entities[i] = types.EntityRecord(obj)
	}
	return f, nil
}

func tickValue(raw any, index int) (*int64, error) {
	if raw == nil {
		return nil, nil
	}
	v, ok := types.FromAny(raw)
	if !ok {
		return nil, malformed(index, "tick is not a number")
	}
	tick, ok := v.AsInt()
	if !ok {
		return nil, malformed(index, fmt.Sprintf("tick %v is not an integer", raw))
	}
	return &tick, nil
}

func worldValue(raw any, index int) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	world, ok := raw.(string)
	if !ok {
		return nil, malformed(index, fmt.Sprintf("world %v is not a string", raw))
	}
	return &world, nil
}

func expectDelim(dec *json.Decoder, want json.Delim, index int) error {
	tok, err := dec.Token()
	if err != nil {
		return perrors.NewDecodeError(fmt.Sprintf("failed to read tick record %d", index), err)
	}
	if tok != want {
		return malformed(index, fmt.Sprintf("expected %v, got %v", want, tok))
	}
	return nil
}

func malformed(index int, msg string) *perrors.PipelineError {
	return perrors.NewMalformedInput(msg).WithDetails(map[string]interface{}{"tick_index": index})
}
