package model

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// ValueKind identifies the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBoolean
	KindInteger
	KindDouble
	KindTimestamp
	KindString
	KindBytes
	KindReference
	KindGeoPoint
	KindArray
	KindVector
	KindMap
)

var kindNames = map[ValueKind]string{
	KindNull:      "null",
	KindBoolean:   "boolean",
	KindInteger:   "integer",
	KindDouble:    "double",
	KindTimestamp: "timestamp",
	KindString:    "string",
	KindBytes:     "bytes",
	KindReference: "reference",
	KindGeoPoint:  "geopoint",
	KindArray:     "array",
	KindVector:    "vector",
	KindMap:       "map",
}

func (k ValueKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Reference is a document path used as a field value.
type Reference string

// Vector is a dense float vector. ValueOf maps it to KindVector, whereas a
// plain []float64 becomes an array.
type Vector []float64

// Value is an immutable document field value. The zero Value is null.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	d    float64
	s    string
	t    time.Time
	raw  []byte
	geo  GeoPoint
	arr  []Value
	vec  []float64
	m    map[string]Value
}

func Null() Value                { return Value{} }
func Bool(b bool) Value          { return Value{kind: KindBoolean, b: b} }
func Int(i int64) Value          { return Value{kind: KindInteger, i: i} }
func Double(d float64) Value     { return Value{kind: KindDouble, d: d} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Ref(path string) Value      { return Value{kind: KindReference, s: path} }
func Geo(lat, lng float64) Value { return Value{kind: KindGeoPoint, geo: GeoPoint{lat, lng}} }

// Timestamp keeps microsecond precision in UTC.
func Timestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, t: t.UTC().Truncate(time.Microsecond)}
}

func Bytes(b []byte) Value {
	return Value{kind: KindBytes, raw: append([]byte{}, b...)}
}

func Array(vs ...Value) Value {
	return Value{kind: KindArray, arr: append([]Value{}, vs...)}
}

func VectorOf(fs ...float64) Value {
	return Value{kind: KindVector, vec: append([]float64{}, fs...)}
}

func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) IsNumber() bool  { return v.kind == KindInteger || v.kind == KindDouble }

// IsNaN reports whether v is a double NaN.
func (v Value) IsNaN() bool { return v.kind == KindDouble && math.IsNaN(v.d) }

func (v Value) BoolValue() bool           { return v.b }
func (v Value) IntegerValue() int64       { return v.i }
func (v Value) StringValue() string       { return v.s }
func (v Value) ReferenceValue() string    { return v.s }
func (v Value) TimestampValue() time.Time { return v.t }
func (v Value) GeoPointValue() GeoPoint   { return v.geo }
func (v Value) BytesValue() []byte        { return append([]byte{}, v.raw...) }
func (v Value) ArrayValue() []Value       { return append([]Value{}, v.arr...) }
func (v Value) VectorValue() []float64    { return append([]float64{}, v.vec...) }

// DoubleValue returns the value as float64 for either numeric kind.
func (v Value) DoubleValue() float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.d
}

// MapValue returns a copy of the map entries.
func (v Value) MapValue() map[string]Value {
	cp := make(map[string]Value, len(v.m))
	for k, e := range v.m {
		cp[k] = e
	}
	return cp
}

// Len is the element count of arrays, vectors and maps.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindVector:
		return len(v.vec)
	case KindMap:
		return len(v.m)
	}
	return 0
}

// Field looks up a map entry.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	e, ok := v.m[name]
	return e, ok
}

// SortedKeys returns map keys in byte order.
func (v Value) SortedKeys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValueOf converts a native Go value. Nested maps and slices are converted recursively.
func ValueOf(x interface{}) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Null(), nil
		}
		return *t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return Value{}, fmt.Errorf("uint %d overflows int64", t)
		}
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, fmt.Errorf("uint64 %d overflows int64", t)
		}
		return Int(int64(t)), nil
	case float32:
		return Double(float64(t)), nil
	case float64:
		return Double(t), nil
	case string:
		return String(t), nil
	case time.Time:
		return Timestamp(t), nil
	case *time.Time:
		if t == nil {
			return Null(), nil
		}
		return Timestamp(*t), nil
	case []byte:
		return Bytes(t), nil
	case Reference:
		return Ref(string(t)), nil
	case GeoPoint:
		return Geo(t.Latitude, t.Longitude), nil
	case Vector:
		return VectorOf(t...), nil
	case []Value:
		return Array(t...), nil
	case map[string]Value:
		return Map(t), nil
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			v, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return Value{kind: KindArray, arr: out}, nil
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := ValueOf(e)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = v
		}
		return Value{kind: KindMap, m: out}, nil
	}
	return reflectValueOf(reflect.ValueOf(x))
}

// reflectValueOf handles typed slices and maps such as []string or map[string]int.
func reflectValueOf(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]Value, rv.Len())
		for i := range out {
			v, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return Value{kind: KindArray, arr: out}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		out := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, err := ValueOf(iter.Value().Interface())
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = v
		}
		return Value{kind: KindMap, m: out}, nil
	case reflect.Ptr:
		if rv.IsNil() {
			return Null(), nil
		}
		return ValueOf(rv.Elem().Interface())
	}
	return Value{}, fmt.Errorf("unsupported value type %T", rv.Interface())
}

// MustValueOf panics when ValueOf fails. Intended for literals in tests and fixtures.
func MustValueOf(x interface{}) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

// Fields converts a native map into document fields.
func Fields(data map[string]interface{}) (map[string]Value, error) {
	out := make(map[string]Value, len(data))
	for k, x := range data {
		v, err := ValueOf(x)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// MustFields is Fields for literals known to convert.
func MustFields(data map[string]interface{}) map[string]Value {
	out, err := Fields(data)
	if err != nil {
		panic(err)
	}
	return out
}

// Interface returns the native Go form: nil, bool, int64, float64, time.Time,
// string, []byte, Reference, GeoPoint, Vector, []interface{} or map[string]interface{}.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBoolean:
		return v.b
	case KindInteger:
		return v.i
	case KindDouble:
		return v.d
	case KindTimestamp:
		return v.t
	case KindString:
		return v.s
	case KindBytes:
		return v.BytesValue()
	case KindReference:
		return Reference(v.s)
	case KindGeoPoint:
		return v.geo
	case KindVector:
		return Vector(v.VectorValue())
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		return FieldsToNative(v.m)
	}
	return nil
}

// FieldsToNative converts document fields back to native Go values.
func FieldsToNative(fields map[string]Value) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v.Interface()
	}
	return out
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindReference:
		return "ref(" + v.s + ")"
	case KindTimestamp:
		return v.t.Format(time.RFC3339Nano)
	case KindBytes:
		return fmt.Sprintf("bytes(%x)", v.raw)
	}
	return fmt.Sprintf("%v", v.Interface())
}
