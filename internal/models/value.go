// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

/*
value.go - Tagged request payload values

Value is a closed sum type over the JSON shapes (null, bool, number, string,
array, object). Request payloads are converted into a Value tree once, and
scanners walk the tree with Walk instead of type-switching over interface{}
at every level. Conversion is depth-limited, so cyclic Go maps cannot make a
walk run forever.
*/

package models

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
)

// Kind tags the shape held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
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
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// maxValueDepth bounds conversion of nested Go values.
const maxValueDepth = 64

// Value is an immutable tagged JSON-shaped value. The zero Value is null.
type Value struct {
	kind   Kind
	b      bool
	n      float64
	s      string
	items  []Value
	fields map[string]Value
}

// NullValue returns the null value.
func NullValue() Value { return Value{} }

// BoolValue wraps b.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// NumberValue wraps n.
func NumberValue(n float64) Value { return Value{kind: KindNumber, n: n} }

// StringValue wraps s.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// ArrayValue wraps items.
func ArrayValue(items ...Value) Value { return Value{kind: KindArray, items: items} }

// ObjectValue wraps fields.
func ObjectValue(fields map[string]Value) Value { return Value{kind: KindObject, fields: fields} }

// Kind returns the tag.
func (v Value) Kind() Kind { return v.kind }

// Text returns the string payload and whether v is a string.
func (v Value) Text() (string, bool) { return v.s, v.kind == KindString }

// Len returns the number of array items or object fields.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.items)
	case KindObject:
		return len(v.fields)
	default:
		return 0
	}
}

// Field returns the named object field.
func (v Value) Field(name string) (Value, bool) {
	f, ok := v.fields[name]
	return f, ok
}

// VisitFunc receives each scalar leaf with its dotted path.
type VisitFunc func(path string, leaf Value)

// Walk visits every scalar leaf below v in depth-first order. Object keys are
// visited in sorted order and array elements by index, so
// {"user":{"tags":["a"]}} walked with prefix "body" yields "body.user.tags.0".
// Empty arrays and objects have no leaves.
func (v Value) Walk(prefix string, visit VisitFunc) {
	switch v.kind {
	case KindArray:
		for i, item := range v.items {
			item.Walk(joinPath(prefix, strconv.Itoa(i)), visit)
		}
	case KindObject:
		keys := make([]string, 0, len(v.fields))
		for k := range v.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v.fields[k].Walk(joinPath(prefix, k), visit)
		}
	default:
		visit(prefix, v)
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// ParseValue decodes raw JSON into a Value.
func ParseValue(data []byte) (Value, error) {
	if len(data) == 0 {
		return NullValue(), nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return NullValue(), fmt.Errorf("decode payload: %w", err)
	}
	return ValueOf(decoded), nil
}

// ValueOf converts an arbitrary Go value into a Value. Decoded JSON
// (map[string]any, []any, float64, ...) converts directly; query-string maps
// (map[string][]string) become objects of arrays; anything else goes through
// a JSON round trip, and unencodable values become their fmt representation.
func ValueOf(v any) Value {
	return valueOf(v, 0)
}

func valueOf(v any, depth int) Value {
	if depth > maxValueDepth {
		return NullValue()
	}
	switch x := v.(type) {
	case nil:
		return NullValue()
	case Value:
		return x
	case bool:
		return BoolValue(x)
	case string:
		return StringValue(x)
	case float64:
		return NumberValue(x)
	case float32:
		return NumberValue(float64(x))
	case int:
		return NumberValue(float64(x))
	case int32:
		return NumberValue(float64(x))
	case int64:
		return NumberValue(float64(x))
	case uint:
		return NumberValue(float64(x))
	case uint64:
		return NumberValue(float64(x))
	case json.Number:
		if f, err := x.Float64(); err == nil && !math.IsInf(f, 0) {
			return NumberValue(f)
		}
		return StringValue(x.String())
	case json.RawMessage:
		parsed, err := ParseValue(x)
		if err != nil {
			return StringValue(string(x))
		}
		return parsed
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			items[i] = valueOf(item, depth+1)
		}
		return ArrayValue(items...)
	case []string:
		items := make([]Value, len(x))
		for i, item := range x {
			items[i] = StringValue(item)
		}
		return ArrayValue(items...)
	case map[string]any:
		fields := make(map[string]Value, len(x))
		for k, item := range x {
			fields[k] = valueOf(item, depth+1)
		}
		return ObjectValue(fields)
	case map[string]string:
		fields := make(map[string]Value, len(x))
		for k, item := range x {
			fields[k] = StringValue(item)
		}
		return ObjectValue(fields)
	case map[string][]string:
		fields := make(map[string]Value, len(x))
		for k, item := range x {
			fields[k] = valueOf(item, depth+1)
		}
		return ObjectValue(fields)
	}

	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return NullValue()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return StringValue(fmt.Sprint(v))
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return StringValue(string(data))
	}
	return valueOf(decoded, depth+1)
}

// MarshalJSON encodes the value back into JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		items := v.items
		if items == nil {
			items = []Value{}
		}
		return json.Marshal(items)
	case KindObject:
		fields := v.fields
		if fields == nil {
			fields = map[string]Value{}
		}
		return json.Marshal(fields)
	default:
		return []byte("null"), nil
	}
}
