// Package smartobject implements the tagged variant tree used for routed
// RPC payloads, plus a validating schema visitor. Payload content is data
// routed by the core, not interpreted: the tree carries it between JSON on
// the HMI side and the mobile codec without assigning meaning.
package smartobject

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Type tags the variant.
type Type int

const (
	TypeNull Type = iota
	TypeBool
	TypeInt
	TypeDouble
	TypeString
	TypeArray
	TypeMap
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	case TypeMap:
		return "map"
	default:
		return "invalid"
	}
}

// Object is one node of the variant tree. The zero value is Null.
type Object struct {
	typ Type
	b   bool
	i   int64
	d   float64
	s   string
	arr []*Object
	m   map[string]*Object
}

func Null() *Object            { return &Object{} }
func Bool(v bool) *Object      { return &Object{typ: TypeBool, b: v} }
func Int(v int64) *Object      { return &Object{typ: TypeInt, i: v} }
func Double(v float64) *Object { return &Object{typ: TypeDouble, d: v} }
func String(v string) *Object  { return &Object{typ: TypeString, s: v} }

func Array(items ...*Object) *Object {
	return &Object{typ: TypeArray, arr: items}
}

func Map() *Object {
	return &Object{typ: TypeMap, m: make(map[string]*Object)}
}

func (o *Object) Type() Type { return o.typ }

func (o *Object) AsBool() (bool, bool) {
	return o.b, o.typ == TypeBool
}

func (o *Object) AsInt() (int64, bool) {
	switch o.typ {
	case TypeInt:
		return o.i, true
	case TypeDouble:
		if o.d == math.Trunc(o.d) {
			return int64(o.d), true
		}
	}
	return 0, false
}

func (o *Object) AsDouble() (float64, bool) {
	switch o.typ {
	case TypeDouble:
		return o.d, true
	case TypeInt:
		return float64(o.i), true
	}
	return 0, false
}

func (o *Object) AsString() (string, bool) {
	return o.s, o.typ == TypeString
}

// Len returns the element count of an array or map, zero otherwise.
func (o *Object) Len() int {
	switch o.typ {
	case TypeArray:
		return len(o.arr)
	case TypeMap:
		return len(o.m)
	}
	return 0
}

// At returns the i-th array element.
func (o *Object) At(i int) (*Object, bool) {
	if o.typ != TypeArray || i < 0 || i >= len(o.arr) {
		return nil, false
	}
	return o.arr[i], true
}

// Append adds an element to an array node.
func (o *Object) Append(item *Object) *Object {
	if o.typ == TypeArray {
		o.arr = append(o.arr, item)
	}
	return o
}

// Get returns a map member.
func (o *Object) Get(key string) (*Object, bool) {
	if o.typ != TypeMap {
		return nil, false
	}
	v, ok := o.m[key]
	return v, ok
}

// Set stores a map member, returning o for chaining.
func (o *Object) Set(key string, v *Object) *Object {
	if o.typ == TypeMap {
		o.m[key] = v
	}
	return o
}

// Keys lists map member names in unspecified order.
func (o *Object) Keys() []string {
	if o.typ != TypeMap {
		return nil
	}
	keys := make([]string, 0, len(o.m))
	for k := range o.m {
		keys = append(keys, k)
	}
	return keys
}

// MarshalJSON implements json.Marshaler.
func (o *Object) MarshalJSON() ([]byte, error) {
	switch o.typ {
	case TypeNull:
		return []byte("null"), nil
	case TypeBool:
		return json.Marshal(o.b)
	case TypeInt:
		return json.Marshal(o.i)
	case TypeDouble:
		return json.Marshal(o.d)
	case TypeString:
		return json.Marshal(o.s)
	case TypeArray:
		if o.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(o.arr)
	case TypeMap:
		return json.Marshal(o.m)
	default:
		return nil, fmt.Errorf("carlink: invalid object type %d", o.typ)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Object) UnmarshalJSON(data []byte) error {
	var raw any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromAny(raw)
	if err != nil {
		return err
	}
	*o = *parsed
	return nil
}

// FromJSON parses a JSON document into a variant tree.
func FromJSON(data []byte) (*Object, error) {
	o := &Object{}
	if err := o.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("carlink: invalid payload json: %w", err)
	}
	return o, nil
}

func fromAny(raw any) (*Object, error) {
	switch v := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("carlink: unrepresentable number %q", v.String())
		}
		return Double(f), nil
	case string:
		return String(v), nil
	case []any:
		arr := Array()
		for _, item := range v {
			child, err := fromAny(item)
			if err != nil {
				return nil, err
			}
			arr.Append(child)
		}
		return arr, nil
	case map[string]any:
		m := Map()
		for key, item := range v {
			child, err := fromAny(item)
			if err != nil {
				return nil, err
			}
			m.Set(key, child)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("carlink: unsupported json value %T", raw)
	}
}
