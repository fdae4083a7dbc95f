// Package value implements the tagged-union tree used for node parameters and
// item payloads: null, bool, number, string, list and map.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/wehubfusion/Daedalus/internal/xjson"
)

// Kind identifies which member of the union a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is an immutable node of a structured document. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	l    []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// Int returns a numeric value from an integer.
func Int(n int) Value { return Value{kind: KindNumber, n: float64(n)} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List returns a list value holding items in order.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, l: items}
}

// Map returns a map value. A nil map yields an empty map.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// EmptyMap returns a map value with no keys.
func EmptyMap() Value { return Map(nil) }

// Kind reports the union member held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number held by v.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsList returns the elements of a list value.
func (v Value) AsList() ([]Value, bool) { return v.l, v.kind == KindList }

// AsMap returns the entries of a map value. Callers must not mutate the result.
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Len returns the number of elements of a list or map, and zero otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.l)
	case KindMap:
		return len(v.m)
	default:
		return 0
	}
}

// Get returns the entry stored under key when v is a map.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	e, ok := v.m[key]
	return e, ok
}

// Index returns the i-th element when v is a list.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.l) {
		return Value{}, false
	}
	return v.l[i], true
}

// Keys returns the sorted keys of a map value.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of map v with key set to e. Non-map values are treated as empty maps.
func (v Value) With(key string, e Value) Value {
	m := make(map[string]Value, v.Len()+1)
	if v.kind == KindMap {
		for k, x := range v.m {
			m[k] = x
		}
	}
	m[key] = e
	return Map(m)
}

// Truthy follows the usual scripting rules: null, false, 0, "" and empty
// collections are false.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0 && !math.IsNaN(v.n)
	case KindString:
		return v.s != ""
	case KindList:
		return len(v.l) > 0
	case KindMap:
		return len(v.m) > 0
	default:
		return false
	}
}

// String renders v for display and template substitution. Strings render
// unquoted, everything else as JSON.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	default:
		data, err := v.MarshalJSON()
		if err != nil {
			return fmt.Sprintf("<%s>", v.kind)
		}
		return string(data)
	}
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, x := range v.m {
			y, ok := o.m[k]
			if !ok || !x.Equal(y) {
				return false
			}
		}
		return true
	}
	return false
}

// Transform rebuilds the tree bottom-up, replacing every node with fn's result.
// Children are transformed before their parent is passed to fn.
func (v Value) Transform(fn func(Value) Value) Value {
	switch v.kind {
	case KindList:
		out := make([]Value, len(v.l))
		for i, e := range v.l {
			out[i] = e.Transform(fn)
		}
		return fn(List(out...))
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			out[k] = e.Transform(fn)
		}
		return fn(Map(out))
	default:
		return fn(v)
	}
}

// ToAny converts v into plain Go values: nil, bool, float64, string,
// []interface{} and map[string]interface{}.
func (v Value) ToAny() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.l))
		for i, e := range v.l {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts plain Go values into a Value. Unknown types are round-tripped
// through JSON; values that cannot be encoded become their fmt representation.
func FromAny(x interface{}) Value {
	switch t := x.(type) {
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
	case int8:
		return Number(float64(t))
	case int16:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
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
		return List(t...)
	case map[string]Value:
		return Map(t)
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromAny(e)
		}
		return List(out...)
	case []string:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = String(e)
		}
		return List(out...)
	case []map[string]interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromAny(e)
		}
		return List(out...)
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = FromAny(e)
		}
		return Map(out)
	case map[string]string:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = String(e)
		}
		return Map(out)
	}

	rv := reflect.ValueOf(x)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return Null()
	}
	data, err := xjson.Marshal(x)
	if err != nil {
		return String(fmt.Sprint(x))
	}
	var decoded interface{}
	if err := xjson.Unmarshal(data, &decoded); err != nil {
		return String(fmt.Sprint(x))
	}
	return FromAny(decoded)
}

// Parse decodes a JSON document into a Value.
func Parse(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, err
	}
	return v, nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return xjson.Marshal(v.ToAny())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var decoded interface{}
	if err := xjson.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	*v = FromAny(decoded)
	return nil
}

// MarshalYAML lets yaml.v3 encode values as plain documents.
func (v Value) MarshalYAML() (interface{}, error) {
	return v.ToAny(), nil
}

// UnmarshalYAML lets yaml.v3 decode plain documents into values.
func (v *Value) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var decoded interface{}
	if err := unmarshal(&decoded); err != nil {
		return err
	}
	*v = FromAny(normalizeYAML(decoded))
	return nil
}

// yaml.v3 decodes nested maps as map[string]interface{} already, but keys of
// non-string maps (map[interface{}]interface{}) still appear for exotic documents.
func normalizeYAML(x interface{}) interface{} {
	switch t := x.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalizeYAML(e)
		}
		return out
	case map[string]interface{}:
		for k, e := range t {
			t[k] = normalizeYAML(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = normalizeYAML(e)
		}
		return t
	default:
		return x
	}
}
