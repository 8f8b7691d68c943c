package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// TagKind is the scalar variant held by a TagValue.
type TagKind uint8

const (
	KindInvalid TagKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

// TagValue is a tag or metadata value: a string, an integer, a float or a bool.
type TagValue struct {
	kind TagKind
	s    string
	i    int64
	f    float64
	b    bool
}

func StringTag(v string) TagValue { return TagValue{kind: KindString, s: v} }
func IntTag(v int64) TagValue     { return TagValue{kind: KindInt, i: v} }
func FloatTag(v float64) TagValue { return TagValue{kind: KindFloat, f: v} }
func BoolTag(v bool) TagValue     { return TagValue{kind: KindBool, b: v} }

// TagOf converts a Go scalar into a TagValue.
func TagOf(v any) (TagValue, error) {
	switch val := v.(type) {
	case TagValue:
		return val, nil
	case string:
		return StringTag(val), nil
	case bool:
		return BoolTag(val), nil
	case int:
		return IntTag(int64(val)), nil
	case int32:
		return IntTag(int64(val)), nil
	case int64:
		return IntTag(val), nil
	case uint32:
		return IntTag(int64(val)), nil
	case float32:
		return TagOf(float64(val))
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return TagValue{}, fmt.Errorf("tag value %v is not finite", val)
		}
		return FloatTag(val), nil
	default:
		return TagValue{}, fmt.Errorf("unsupported tag value type %T", v)
	}
}

func (v TagValue) Kind() TagKind { return v.kind }

// Valid reports whether v holds a value that can be stored: any string, int
// or bool, or a finite float.
func (v TagValue) Valid() bool {
	switch v.kind {
	case KindString, KindInt, KindBool:
		return true
	case KindFloat:
		return !math.IsNaN(v.f) && !math.IsInf(v.f, 0)
	default:
		return false
	}
}

// Interface returns the held scalar as a plain Go value.
func (v TagValue) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v TagValue) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

func (v TagValue) MarshalJSON() ([]byte, error) {
	if v.kind == KindInvalid {
		return []byte("null"), nil
	}
	return json.Marshal(v.Interface())
}

func (v *TagValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch val := raw.(type) {
	case string:
		*v = StringTag(val)
	case bool:
		*v = BoolTag(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			*v = IntTag(i)
			return nil
		}
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("invalid numeric tag %q: %w", val, err)
		}
		*v = FloatTag(f)
	default:
		return fmt.Errorf("tag value must be a string, number or bool, got %s", string(data))
	}
	return nil
}

// Tags maps tag keys to scalar values.
type Tags map[string]TagValue

// Clone returns a copy that shares nothing with t.
func (t Tags) Clone() Tags {
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// TagsOf builds Tags from a map of plain Go scalars.
func TagsOf(m map[string]any) (Tags, error) {
	out := make(Tags, len(m))
	for k, raw := range m {
		v, err := TagOf(raw)
		if err != nil {
			return nil, fmt.Errorf("tag %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
