package mongodb

import (
	"fmt"
	"math"

	"firestore-harness/internal/harness/domain/model"

	"go.mongodb.org/mongo-driver/bson"
)

// numberClass is the TypeOrder shared by integers and doubles.
var numberClass = model.Int(0).TypeOrder()

// matchNothing is a predicate no stored document satisfies.
var matchNothing = bson.D{{Key: keyID, Value: bson.D{{Key: "$exists", Value: false}}}}

// buildFilter translates a filter into a find predicate over the sortable
// projection.
func buildFilter(f model.Filter) (bson.D, error) {
	if f.IsComposite() {
		parts := make(bson.A, 0, len(f.Filters))
		for _, sub := range f.Filters {
			p, err := buildFilter(sub)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		op := "$and"
		if f.Composite == model.CompositeOr {
			op = "$or"
		}
		if len(parts) == 0 {
			if op == "$or" {
				return matchNothing, nil
			}
			return bson.D{}, nil
		}
		return bson.D{{Key: op, Value: parts}}, nil
	}

	key, err := fieldKey(f.Field)
	if err != nil {
		return nil, err
	}
	if key == keyID {
		return buildNameFilter(f)
	}
	t, x := key+"."+keyClass, key+"."+keyNative
	present := bson.E{Key: t, Value: bson.D{{Key: "$exists", Value: true}, {Key: "$ne", Value: 0}}}

	switch f.Operator {
	case model.OpExists:
		return bson.D{{Key: t, Value: bson.D{{Key: "$exists", Value: true}}}}, nil
	case model.OpEqual:
		return equalTo(t, x, f.Value), nil
	case model.OpNotEqual:
		return bson.D{present, {Key: "$nor", Value: bson.A{equalTo(t, x, f.Value)}}}, nil
	case model.OpLessThan, model.OpLessThanOrEqual, model.OpGreaterThan, model.OpGreaterThanOrEqual:
		cond := bson.D{{Key: comparisonOperator(f.Operator), Value: native(f.Value)}}
		if f.Value.IsNumber() {
			cond = append(cond, bson.E{Key: "$ne", Value: math.NaN()})
		}
		return bson.D{{Key: t, Value: f.Value.TypeOrder()}, {Key: x, Value: cond}}, nil
	case model.OpAfter, model.OpBefore:
		return pastValue(key, f.Value, f.Operator == model.OpAfter), nil
	case model.OpIn:
		return anyOf(t, x, f.Value.ArrayValue()), nil
	case model.OpNotIn:
		elems := f.Value.ArrayValue()
		for _, e := range elems {
			if e.IsNull() {
				return matchNothing, nil
			}
		}
		if len(elems) == 0 {
			return bson.D{present}, nil
		}
		return bson.D{present, {Key: "$nor", Value: equalities(t, x, elems)}}, nil
	case model.OpArrayContains:
		return bson.D{
			{Key: t, Value: model.Array().TypeOrder()},
			{Key: x, Value: bson.D{{Key: "$elemMatch", Value: elementMatch(f.Value)}}},
		}, nil
	case model.OpArrayContainsAny:
		elems := f.Value.ArrayValue()
		if len(elems) == 0 {
			return matchNothing, nil
		}
		alts := make(bson.A, len(elems))
		for i, e := range elems {
			alts[i] = elementMatch(e)
		}
		return bson.D{
			{Key: t, Value: model.Array().TypeOrder()},
			{Key: x, Value: bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "$or", Value: alts}}}}},
		}, nil
	}
	return nil, fmt.Errorf("unsupported operator %q", f.Operator)
}

// buildNameFilter compares document paths. Query.Where already turned
// plain IDs into references.
func buildNameFilter(f model.Filter) (bson.D, error) {
	name := func(v model.Value) interface{} {
		if v.Kind() == model.KindReference {
			return v.ReferenceValue()
		}
		return native(v)
	}
	switch f.Operator {
	case model.OpExists:
		return bson.D{}, nil
	case model.OpEqual:
		return bson.D{{Key: keyID, Value: name(f.Value)}}, nil
	case model.OpNotEqual:
		return bson.D{{Key: keyID, Value: bson.D{{Key: "$ne", Value: name(f.Value)}}}}, nil
	case model.OpLessThan, model.OpLessThanOrEqual, model.OpGreaterThan, model.OpGreaterThanOrEqual:
		if f.Value.Kind() != model.KindReference {
			return matchNothing, nil
		}
		return bson.D{{Key: keyID, Value: bson.D{{Key: comparisonOperator(f.Operator), Value: name(f.Value)}}}}, nil
	case model.OpAfter, model.OpBefore:
		return pastValue(keyID, f.Value, f.Operator == model.OpAfter), nil
	case model.OpIn, model.OpNotIn:
		elems := f.Value.ArrayValue()
		names := make(bson.A, len(elems))
		for i, e := range elems {
			names[i] = name(e)
		}
		op := "$in"
		if f.Operator == model.OpNotIn {
			op = "$nin"
		}
		return bson.D{{Key: keyID, Value: bson.D{{Key: op, Value: names}}}}, nil
	}
	return nil, fmt.Errorf("operator %q is not supported on %s", f.Operator, model.DocumentIDField)
}

func equalTo(t, x string, v model.Value) bson.D {
	if v.IsNull() {
		return bson.D{{Key: t, Value: 0}}
	}
	return bson.D{{Key: t, Value: v.TypeOrder()}, {Key: x, Value: native(v)}}
}

func equalities(t, x string, elems []model.Value) bson.A {
	out := make(bson.A, len(elems))
	for i, e := range elems {
		out[i] = equalTo(t, x, e)
	}
	return out
}

func anyOf(t, x string, elems []model.Value) bson.D {
	if len(elems) == 0 {
		return matchNothing
	}
	return bson.D{{Key: "$or", Value: equalities(t, x, elems)}}
}

// elementMatch matches one {t, x} array element equal to v.
func elementMatch(v model.Value) bson.D {
	return equalTo(keyClass, keyNative, v)
}

func comparisonOperator(op model.Operator) string {
	switch op {
	case model.OpLessThan:
		return "$lt"
	case model.OpLessThanOrEqual:
		return "$lte"
	case model.OpGreaterThan:
		return "$gt"
	}
	return "$gte"
}

// buildSort orders by class first and native value second, so the
// database sort agrees with the cross-class ordering for scalar values.
func buildSort(orders []model.Order) (bson.D, error) {
	out := bson.D{}
	for _, o := range orders {
		dir := 1
		if o.Direction == model.Desc {
			dir = -1
		}
		key, err := fieldKey(o.Field)
		if err != nil {
			return nil, err
		}
		if key == keyID {
			out = append(out, bson.E{Key: keyID, Value: dir})
			continue
		}
		out = append(out,
			bson.E{Key: key + "." + keyClass, Value: dir},
			bson.E{Key: key + "." + keyNative, Value: dir})
	}
	return out, nil
}

// buildCursor expresses a bound as a lexicographic predicate over orders.
// Unlike model.CursorFilter it crosses classes: a value of a later class
// is past any value of an earlier one.
func buildCursor(orders []model.Order, b *model.Bound, start bool) (bson.D, error) {
	if b == nil || len(b.Values) == 0 {
		return nil, nil
	}
	n := len(b.Values)
	if n > len(orders) {
		n = len(orders)
	}

	var terms bson.A
	var prefix bson.A
	for i := 0; i < n; i++ {
		key, err := fieldKey(orders[i].Field)
		if err != nil {
			return nil, err
		}
		forward := (orders[i].Direction == model.Asc) == start
		past := pastValue(key, b.Values[i], forward)
		terms = append(terms, bson.D{{Key: "$and", Value: append(append(bson.A{}, prefix...), past)}})
		prefix = append(prefix, boundEqual(key, b.Values[i]))
	}
	if b.Inclusive {
		terms = append(terms, bson.D{{Key: "$and", Value: prefix}})
	}
	return bson.D{{Key: "$or", Value: terms}}, nil
}

// pastValue is "strictly after v" when forward, else "strictly before v".
func pastValue(key string, v model.Value, forward bool) bson.D {
	op := "$lt"
	if forward {
		op = "$gt"
	}
	if key == keyID {
		return bson.D{{Key: keyID, Value: bson.D{{Key: op, Value: v.ReferenceValue()}}}}
	}
	t, x := key+"."+keyClass, key+"."+keyNative
	otherClass := bson.D{{Key: t, Value: bson.D{{Key: op, Value: v.TypeOrder()}}}}
	if v.IsNull() {
		return otherClass
	}
	sameClass := bson.D{{Key: t, Value: v.TypeOrder()}, {Key: x, Value: bson.D{{Key: op, Value: native(v)}}}}
	return bson.D{{Key: "$or", Value: bson.A{otherClass, sameClass}}}
}

func boundEqual(key string, v model.Value) bson.D {
	if key == keyID {
		return bson.D{{Key: keyID, Value: v.ReferenceValue()}}
	}
	return equalTo(key+"."+keyClass, key+"."+keyNative, v)
}
