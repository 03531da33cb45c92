// Package types provides core data types for demolyzer.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the scalar type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
)

// String returns the kind name used in cache payloads and schemas.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "null":
		return KindNull, nil
	case "int":
		return KindInt, nil
	case "float":
		return KindFloat, nil
	case "string":
		return KindString, nil
	case "bool":
		return KindBool, nil
	default:
		return KindNull, fmt.Errorf("unknown value kind %q", s)
	}
}

// Value is a single cell of a table. The zero Value is null.
//
// Value is comparable and may be used as a map key. Keys built that way
// distinguish Int(5) from Float(5); use Key when numeric equivalence matters.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
}

// Null returns the null value.
func Null() Value { return Value{} }

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a floating point value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// String returns a string value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsNumeric reports whether the value is an Int or a Float.
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// AsInt returns the integer held by v. Integral floats convert; anything
// else reports false.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if v.f == math.Trunc(v.f) && !math.IsInf(v.f, 0) && math.Abs(v.f) < 1<<63 {
			return int64(v.f), true
		}
	}
	return 0, false
}

// AsFloat returns the numeric value of v as a float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// Equal compares two values. Numbers compare numerically across Int and
// Float; a string never equals a number. Null equals nothing, not even null.
func (v Value) Equal(other Value) bool {
	if v.kind == KindNull || other.kind == KindNull {
		return false
	}
	if v.IsNumeric() && other.IsNumeric() {
		if v.kind == KindInt && other.kind == KindInt {
			return v.i == other.i
		}
		a, _ := v.AsFloat()
		b, _ := other.AsFloat()
		return a == b
	}
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == other.s
	case KindBool:
		return v.b == other.b
	}
	return false
}

// Key returns a canonical grouping key. Values that are Equal share a key.
func (v Value) Key() string {
	switch v.kind {
	case KindInt:
		return "n:" + strconv.FormatInt(v.i, 10)
	case KindFloat:
		if i, ok := v.AsInt(); ok {
			return "n:" + strconv.FormatInt(i, 10)
		}
		return "n:" + strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return "s:" + v.s
	case KindBool:
		return "b:" + strconv.FormatBool(v.b)
	default:
		return "null"
	}
}

// String renders the value for display. Null renders as the empty string.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Interface returns the value as a plain Go value (nil, int64, float64,
// string or bool).
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Compare orders two non-null values of the same family. Numbers order
// numerically, strings lexicographically, false before true. Values of
// different families order by kind.
func (v Value) Compare(other Value) int {
	if v.IsNumeric() && other.IsNumeric() {
		if v.kind == KindInt && other.kind == KindInt {
			return cmpOrdered(v.i, other.i)
		}
		a, _ := v.AsFloat()
		b, _ := other.AsFloat()
		return cmpOrdered(a, b)
	}
	if v.kind != other.kind {
		return cmpOrdered(v.kind, other.kind)
	}
	switch v.kind {
	case KindString:
		return cmpOrdered(v.s, other.s)
	case KindBool:
		switch {
		case v.b == other.b:
			return 0
		case !v.b:
			return -1
		default:
			return 1
		}
	}
	return 0
}

func cmpOrdered[T ~int64 | ~float64 | ~string | ~uint8](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Encode renders the value as a string that Decode restores exactly,
// including the int/float distinction and non-finite floats.
func (v Value) Encode() string {
	switch v.kind {
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		return v.String()
	}
}

// Decode rebuilds a value from its kind and Encode output.
func Decode(kind Kind, s string) (Value, error) {
	switch kind {
	case KindNull:
		return Null(), nil
	case KindInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("decode int %q: %w", s, err)
		}
		return Int(i), nil
	case KindFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("decode float %q: %w", s, err)
		}
		return Float(f), nil
	case KindString:
		return String(s), nil
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("decode bool %q: %w", s, err)
		}
		return Bool(b), nil
	default:
		return Value{}, fmt.Errorf("decode: unknown kind %d", kind)
	}
}

// FromAny converts a decoded scalar into a Value. json.Number values become
// Int when they parse as int64 and Float otherwise. The second return is
// false for anything that is not a scalar.
func FromAny(x any) (Value, bool) {
	switch t := x.(type) {
	case nil:
		return Null(), true
	case Value:
		return t, true
	case bool:
		return Bool(t), true
	case string:
		return String(t), true
	case int:
		return Int(int64(t)), true
	case int8:
		return Int(int64(t)), true
	case int16:
		return Int(int64(t)), true
	case int32:
		return Int(int64(t)), true
	case int64:
		return Int(t), true
	case uint:
		return Int(int64(t)), true
	case uint8:
		return Int(int64(t)), true
	case uint16:
		return Int(int64(t)), true
	case uint32:
		return Int(int64(t)), true
	case uint64:
		if t > math.MaxInt64 {
			return Float(float64(t)), true
		}
		return Int(int64(t)), true
	case float32:
		return Float(float64(t)), true
	case float64:
		return Float(t), true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), true
		}
		if f, err := t.Float64(); err == nil {
			return Float(f), true
		}
		return Value{}, false
	default:
		return Value{}, false
	}
}
