package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/pkg/errors"
)

// Kind is the tag of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// Value is an opaque structured payload: null, bool, number, string, array or map.
// Workflow context, task input/output and audit details are carried as Values and
// never interpreted by the engine. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	m    map[string]Value
}

func Null() Value             { return Value{} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func Number(n float64) Value  { return Value{kind: KindNumber, n: n} }
func String(s string) Value   { return Value{kind: KindString, s: s} }
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Object builds a map Value from native Go values.
func Object(fields map[string]any) Value {
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		m[k] = ValueOf(v)
	}
	return Map(m)
}

// ValueOf converts a native Go value (as produced by encoding/json, or plain
// scalars, slices and string-keyed maps) into a Value. Anything else is
// round-tripped through JSON.
func ValueOf(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case *Value:
		if t == nil {
			return Null()
		}
		return *t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case []Value:
		return Array(t...)
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = ValueOf(e)
		}
		return Array(arr...)
	case []string:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = String(e)
		}
		return Array(arr...)
	case map[string]Value:
		return Map(t)
	case map[string]any:
		return Object(t)
	case map[string]string:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = String(e)
		}
		return Map(m)
	case error:
		return String(t.Error())
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return String(fmt.Sprint(v))
	}
	var out Value
	if err := out.UnmarshalJSON(raw); err != nil {
		return String(string(raw))
	}
	return out
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Value) AsString() (string, bool)  { return v.s, v.kind == KindString }
func (v Value) AsArray() ([]Value, bool)  { return v.arr, v.kind == KindArray }

func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Get returns the field of a map Value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Null(), false
	}
	f, ok := v.m[key]
	return f, ok
}

// Interface returns the Value as plain Go data (nil, bool, float64, string,
// []any, map[string]any).
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal reports whether both values hold the same data.
func (v Value) Equal(other Value) bool {
	return reflect.DeepEqual(v.Interface(), other.Interface())
}

// Keys returns the sorted field names of a map Value.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Value) String() string {
	raw, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(raw)
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return errors.Wrap(err, "decode value")
	}
	*v = ValueOf(raw)
	return nil
}

// Scan implements sql.Scanner for JSON/JSONB columns.
func (v *Value) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		*v = Null()
		return nil
	case []byte:
		if len(t) == 0 {
			*v = Null()
			return nil
		}
		return v.UnmarshalJSON(t)
	case string:
		if t == "" {
			*v = Null()
			return nil
		}
		return v.UnmarshalJSON([]byte(t))
	default:
		return errors.Errorf("cannot scan %T into models.Value", src)
	}
}

// Value implements driver.Valuer; the payload is stored as JSON text.
func (v Value) Value() (driver.Value, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
