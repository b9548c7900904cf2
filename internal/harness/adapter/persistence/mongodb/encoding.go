package mongodb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"firestore-harness/internal/harness/domain/model"

	"go.mongodb.org/mongo-driver/bson"
)

// Stored document layout. Data keeps the exact typed field map; Sort keeps
// a queryable projection where every value is {t: class, x: native} so
// that filters and sorts respect the cross-class ordering.
const (
	keyID         = "_id"
	keyParent     = "parent"
	keyData       = "data"
	keySort       = "v"
	keyCreateTime = "createTime"
	keyUpdateTime = "updateTime"
	keyExpireAt   = "expireAt"

	keyClass  = "t"
	keyNative = "x"
)

// mongoDocument is the BSON form of one Firestore document.
type mongoDocument struct {
	Path       string     `bson:"_id"`
	Parent     string     `bson:"parent"`
	Data       string     `bson:"data"`
	Sort       bson.D     `bson:"v"`
	CreateTime int64      `bson:"createTime"`
	UpdateTime int64      `bson:"updateTime"`
	ExpireAt   *time.Time `bson:"expireAt,omitempty"`
}

// sortable encodes v as {t, x}. Nulls carry no native part.
func sortable(v model.Value) bson.D {
	d := bson.D{{Key: keyClass, Value: v.TypeOrder()}}
	if v.IsNull() {
		return d
	}
	return append(d, bson.E{Key: keyNative, Value: native(v)})
}

func native(v model.Value) interface{} {
	switch v.Kind() {
	case model.KindBoolean:
		return v.BoolValue()
	case model.KindInteger:
		return v.IntegerValue()
	case model.KindDouble:
		return v.DoubleValue()
	case model.KindTimestamp:
		return v.TimestampValue().UTC()
	case model.KindString:
		return v.StringValue()
	case model.KindBytes:
		return v.BytesValue()
	case model.KindReference:
		return v.ReferenceValue()
	case model.KindGeoPoint:
		g := v.GeoPointValue()
		return bson.D{{Key: "lat", Value: g.Latitude}, {Key: "lng", Value: g.Longitude}}
	case model.KindArray:
		elems := v.ArrayValue()
		out := make(bson.A, len(elems))
		for i, e := range elems {
			out[i] = sortable(e)
		}
		return out
	case model.KindVector:
		vec := v.VectorValue()
		out := make(bson.A, len(vec))
		for i, f := range vec {
			out[i] = f
		}
		return out
	case model.KindMap:
		m := v.MapValue()
		out := make(bson.D, 0, len(m))
		for _, k := range v.SortedKeys() {
			out = append(out, bson.E{Key: k, Value: sortable(m[k])})
		}
		return out
	}
	return nil
}

// sortFields encodes the top-level field map in key order.
func sortFields(fields map[string]model.Value) bson.D {
	return native(model.Map(fields)).(bson.D)
}

// fieldKey maps a dotted field path onto the sortable projection:
// "a.b" becomes "v.a.x.b". DocumentIDField maps to _id.
func fieldKey(field string) (string, error) {
	if field == model.DocumentIDField {
		return keyID, nil
	}
	segs, err := model.SplitFieldPath(field)
	if err != nil {
		return "", err
	}
	for _, s := range segs {
		if strings.HasPrefix(s, "$") || strings.Contains(s, ".") {
			return "", fmt.Errorf("field %q cannot be stored in MongoDB", field)
		}
	}
	return keySort + "." + strings.Join(segs, "."+keyNative+"."), nil
}

func encodeDocument(path, parent string, fields map[string]model.Value, created, updated time.Time, expireField string) (*mongoDocument, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	md := &mongoDocument{
		Path:       path,
		Parent:     parent,
		Data:       string(data),
		Sort:       sortFields(fields),
		CreateTime: created.UnixNano(),
		UpdateTime: updated.UnixNano(),
	}
	if v, ok := fields[expireField]; ok && v.Kind() == model.KindTimestamp {
		t := v.TimestampValue().UTC()
		md.ExpireAt = &t
	}
	return md, nil
}

func decodeDocument(md *mongoDocument, readTime time.Time) (*model.Document, error) {
	fields := map[string]model.Value{}
	if md.Data != "" {
		if err := json.Unmarshal([]byte(md.Data), &fields); err != nil {
			return nil, fmt.Errorf("decode %s: %w", md.Path, err)
		}
	}
	doc := model.NewDocument(md.Path, fields)
	doc.CreateTime = time.Unix(0, md.CreateTime).UTC()
	doc.UpdateTime = time.Unix(0, md.UpdateTime).UTC()
	doc.ReadTime = readTime
	return doc, nil
}
