package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	vectorTypeKey   = "__type__"
	vectorTypeValue = "__vector__"
	vectorValueKey  = "value"
)

// wireValue is the typed JSON form used by the Firestore REST API.
type wireValue struct {
	BooleanValue   *bool           `json:"booleanValue,omitempty"`
	IntegerValue   *string         `json:"integerValue,omitempty"`
	DoubleValue    json.RawMessage `json:"doubleValue,omitempty"`
	TimestampValue *string         `json:"timestampValue,omitempty"`
	StringValue    *string         `json:"stringValue,omitempty"`
	BytesValue     *string         `json:"bytesValue,omitempty"`
	ReferenceValue *string         `json:"referenceValue,omitempty"`
	GeoPointValue  *GeoPoint       `json:"geoPointValue,omitempty"`
	ArrayValue     *wireArray      `json:"arrayValue,omitempty"`
	MapValue       *wireMap        `json:"mapValue,omitempty"`
}

type wireArray struct {
	Values []Value `json:"values"`
}

type wireMap struct {
	Fields map[string]Value `json:"fields"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte(`{"nullValue":null}`), nil
	case KindBoolean:
		return json.Marshal(wireValue{BooleanValue: &v.b})
	case KindInteger:
		s := strconv.FormatInt(v.i, 10)
		return json.Marshal(wireValue{IntegerValue: &s})
	case KindDouble:
		return json.Marshal(wireValue{DoubleValue: encodeDouble(v.d)})
	case KindTimestamp:
		s := v.t.Format(time.RFC3339Nano)
		return json.Marshal(wireValue{TimestampValue: &s})
	case KindString:
		return json.Marshal(wireValue{StringValue: &v.s})
	case KindBytes:
		s := base64.StdEncoding.EncodeToString(v.raw)
		return json.Marshal(wireValue{BytesValue: &s})
	case KindReference:
		return json.Marshal(wireValue{ReferenceValue: &v.s})
	case KindGeoPoint:
		return json.Marshal(wireValue{GeoPointValue: &v.geo})
	case KindArray:
		return json.Marshal(wireValue{ArrayValue: &wireArray{Values: v.arr}})
	case KindVector:
		elems := make([]Value, len(v.vec))
		for i, f := range v.vec {
			elems[i] = Double(f)
		}
		return json.Marshal(wireValue{MapValue: &wireMap{Fields: map[string]Value{
			vectorTypeKey:  String(vectorTypeValue),
			vectorValueKey: Array(elems...),
		}}})
	default:
		return json.Marshal(wireValue{MapValue: &wireMap{Fields: v.m}})
	}
}

func encodeDouble(d float64) json.RawMessage {
	switch {
	case math.IsNaN(d):
		return json.RawMessage(`"NaN"`)
	case math.IsInf(d, 1):
		return json.RawMessage(`"Infinity"`)
	case math.IsInf(d, -1):
		return json.RawMessage(`"-Infinity"`)
	}
	return json.RawMessage(strconv.FormatFloat(d, 'g', -1, 64))
}

func decodeDouble(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	if _, ok := probe["nullValue"]; ok {
		*v = Null()
		return nil
	}

	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}

	switch {
	case w.BooleanValue != nil:
		*v = Bool(*w.BooleanValue)
	case w.IntegerValue != nil:
		i, err := strconv.ParseInt(*w.IntegerValue, 10, 64)
		if err != nil {
			return fmt.Errorf("decode integerValue: %w", err)
		}
		*v = Int(i)
	case len(w.DoubleValue) > 0:
		d, err := decodeDouble(w.DoubleValue)
		if err != nil {
			return fmt.Errorf("decode doubleValue: %w", err)
		}
		*v = Double(d)
	case w.TimestampValue != nil:
		t, err := time.Parse(time.RFC3339Nano, *w.TimestampValue)
		if err != nil {
			return fmt.Errorf("decode timestampValue: %w", err)
		}
		*v = Timestamp(t)
	case w.StringValue != nil:
		*v = String(*w.StringValue)
	case w.BytesValue != nil:
		b, err := base64.StdEncoding.DecodeString(*w.BytesValue)
		if err != nil {
			return fmt.Errorf("decode bytesValue: %w", err)
		}
		*v = Value{kind: KindBytes, raw: b}
	case w.ReferenceValue != nil:
		*v = Ref(*w.ReferenceValue)
	case w.GeoPointValue != nil:
		*v = Geo(w.GeoPointValue.Latitude, w.GeoPointValue.Longitude)
	case w.ArrayValue != nil:
		*v = Value{kind: KindArray, arr: w.ArrayValue.Values}
	case w.MapValue != nil:
		*v = mapOrVector(w.MapValue.Fields)
	default:
		return fmt.Errorf("decode value: no recognised value key in %s", string(data))
	}
	return nil
}

// mapOrVector recognises the {__type__: "__vector__", value: [...]} encoding.
func mapOrVector(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	t, ok := fields[vectorTypeKey]
	arr, hasArr := fields[vectorValueKey]
	if len(fields) == 2 && ok && hasArr && t.kind == KindString && t.s == vectorTypeValue && arr.kind == KindArray {
		vec := make([]float64, 0, len(arr.arr))
		for _, e := range arr.arr {
			if !e.IsNumber() {
				return Value{kind: KindMap, m: fields}
			}
			vec = append(vec, e.DoubleValue())
		}
		return Value{kind: KindVector, vec: vec}
	}
	return Value{kind: KindMap, m: fields}
}
