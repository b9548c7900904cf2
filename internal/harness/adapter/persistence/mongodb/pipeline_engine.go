package mongodb

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// PipelineEngine runs pipelines as aggregations. Where stages become $expr
// matches built from aggregation operators, a different code path from the
// find predicates used by QueryEngine.
type PipelineEngine struct {
	coll *mongo.Collection
	now  func() time.Time
	log  logger.Logger
}

func newPipelineEngine(coll *mongo.Collection, now func() time.Time, log logger.Logger) *PipelineEngine {
	return &PipelineEngine{coll: coll, now: now, log: log.WithComponent("mongo-pipeline-engine")}
}

func (e *PipelineEngine) ExecutePipeline(ctx context.Context, p model.Pipeline) ([]*model.Document, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	stages, selects, err := translatePipeline(p)
	if err != nil {
		return nil, err
	}

	e.log.Debugf("aggregate on %s: %d stages", p.Collection, len(stages))
	cur, err := e.coll.Aggregate(ctx, stages)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", p.Collection, err)
	}
	docs, err := decodeCursor(ctx, cur, e.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, fields := range selects {
		for i, d := range docs {
			docs[i] = model.ProjectFields(d, fields)
		}
	}
	return docs, nil
}

// translatePipeline returns the aggregation stages and, in order, the field
// lists of every select stage. Selections are applied to the decoded data
// after the aggregation since the exact field map is stored as one blob.
func translatePipeline(p model.Pipeline) (mongo.Pipeline, [][]string, error) {
	out := mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: keyParent, Value: p.Collection}}}}}
	var selects [][]string

	for i, s := range p.Stages {
		switch s.Kind {
		case model.StageWhere:
			expr, err := filterExpr(*s.Filter)
			if err != nil {
				return nil, nil, stageError(i, s, err)
			}
			out = append(out, bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: expr}}}})
		case model.StageSort:
			sort, err := buildSort(s.Orders)
			if err != nil {
				return nil, nil, stageError(i, s, err)
			}
			out = append(out, bson.D{{Key: "$sort", Value: sort}})
		case model.StageOffset:
			if s.Count > 0 {
				out = append(out, bson.D{{Key: "$skip", Value: int64(s.Count)}})
			}
		case model.StageLimit:
			if s.Count == 0 {
				out = append(out, bson.D{{Key: "$match", Value: matchNothing}})
				continue
			}
			out = append(out, bson.D{{Key: "$limit", Value: int64(s.Count)}})
		case model.StageSelect:
			proj, err := selectProjection(s.Fields)
			if err != nil {
				return nil, nil, stageError(i, s, err)
			}
			out = append(out, bson.D{{Key: "$project", Value: proj}})
			selects = append(selects, s.Fields)
		case model.StageFindNearest:
			return nil, nil, errors.NewUnsupportedError("MongoDB backend does not support vector search")
		}
	}
	return out, selects, nil
}

func stageError(i int, s model.Stage, err error) error {
	return errors.NewValidationError(fmt.Sprintf("stage %d (%s): %v", i, s.Kind, err))
}

// selectProjection keeps the bookkeeping keys and the sortable projection
// of the selected fields so later stages can still filter and sort on them.
func selectProjection(fields []string) (bson.D, error) {
	proj := bson.D{
		{Key: keyParent, Value: 1},
		{Key: keyData, Value: 1},
		{Key: keyCreateTime, Value: 1},
		{Key: keyUpdateTime, Value: 1},
	}
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		k, err := fieldKey(f)
		if err != nil {
			return nil, err
		}
		if k != keyID {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		if covered(k, keys) {
			continue
		}
		proj = append(proj, bson.E{Key: k, Value: 1})
	}
	return proj, nil
}

// covered reports whether a strict prefix of k is also selected. MongoDB
// rejects projections naming both.
func covered(k string, keys []string) bool {
	for _, other := range keys {
		if other != k && strings.HasPrefix(k, other+".") {
			return true
		}
	}
	return false
}

// filterExpr translates f into an aggregation expression evaluated per
// document. Values are wrapped in $literal so strings starting with "$" are
// never read as field paths.
func filterExpr(f model.Filter) (interface{}, error) {
	if f.IsComposite() {
		parts := make(bson.A, 0, len(f.Filters))
		for _, sub := range f.Filters {
			p, err := filterExpr(sub)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			return f.Composite != model.CompositeOr, nil
		}
		op := "$and"
		if f.Composite == model.CompositeOr {
			op = "$or"
		}
		return bson.D{{Key: op, Value: parts}}, nil
	}

	key, err := fieldKey(f.Field)
	if err != nil {
		return nil, err
	}
	if key == keyID {
		return nameExpr(f)
	}
	t, x := "$"+key+"."+keyClass, "$"+key+"."+keyNative
	present := bson.D{{Key: "$gt", Value: bson.A{t, 0}}}

	switch f.Operator {
	case model.OpExists:
		return bson.D{{Key: "$ne", Value: bson.A{bson.D{{Key: "$type", Value: t}}, "missing"}}}, nil
	case model.OpEqual:
		return eqExpr(t, x, f.Value), nil
	case model.OpNotEqual:
		return all(present, not(eqExpr(t, x, f.Value))), nil
	case model.OpLessThan, model.OpLessThanOrEqual, model.OpGreaterThan, model.OpGreaterThanOrEqual:
		conds := bson.A{
			bson.D{{Key: "$eq", Value: bson.A{t, f.Value.TypeOrder()}}},
			bson.D{{Key: comparisonOperator(f.Operator), Value: bson.A{x, literal(native(f.Value))}}},
		}
		if f.Value.IsNumber() {
			conds = append(conds, bson.D{{Key: "$ne", Value: bson.A{x, literal(math.NaN())}}})
		}
		return bson.D{{Key: "$and", Value: conds}}, nil
	case model.OpAfter, model.OpBefore:
		return pastExpr(t, x, f.Value, f.Operator == model.OpAfter), nil
	case model.OpIn:
		return anyExpr(t, x, f.Value.ArrayValue()), nil
	case model.OpNotIn:
		elems := f.Value.ArrayValue()
		for _, e := range elems {
			if e.IsNull() {
				return false, nil
			}
		}
		return all(present, not(anyExpr(t, x, elems))), nil
	case model.OpArrayContains, model.OpArrayContainsAny:
		elems := []model.Value{f.Value}
		if f.Operator == model.OpArrayContainsAny {
			elems = f.Value.ArrayValue()
		}
		alts := make(bson.A, len(elems))
		for i, e := range elems {
			alts[i] = bson.D{{Key: "$in", Value: bson.A{literal(sortable(e)), x}}}
		}
		isArray := bson.D{{Key: "$eq", Value: bson.A{t, model.Array().TypeOrder()}}}
		return all(isArray, bson.D{{Key: "$or", Value: alts}}), nil
	}
	return nil, fmt.Errorf("unsupported operator %q", f.Operator)
}

func nameExpr(f model.Filter) (interface{}, error) {
	name := func(v model.Value) interface{} {
		if v.Kind() == model.KindReference {
			return literal(v.ReferenceValue())
		}
		return literal(native(v))
	}
	id := "$" + keyID
	switch f.Operator {
	case model.OpExists:
		return true, nil
	case model.OpEqual:
		return bson.D{{Key: "$eq", Value: bson.A{id, name(f.Value)}}}, nil
	case model.OpNotEqual:
		return bson.D{{Key: "$ne", Value: bson.A{id, name(f.Value)}}}, nil
	case model.OpLessThan, model.OpLessThanOrEqual, model.OpGreaterThan, model.OpGreaterThanOrEqual:
		if f.Value.Kind() != model.KindReference {
			return false, nil
		}
		return bson.D{{Key: comparisonOperator(f.Operator), Value: bson.A{id, name(f.Value)}}}, nil
	case model.OpAfter, model.OpBefore:
		if f.Value.Kind() != model.KindReference {
			return false, nil
		}
		op := "$lt"
		if f.Operator == model.OpAfter {
			op = "$gt"
		}
		return bson.D{{Key: op, Value: bson.A{id, name(f.Value)}}}, nil
	case model.OpIn, model.OpNotIn:
		elems := f.Value.ArrayValue()
		names := make(bson.A, len(elems))
		for i, e := range elems {
			if e.Kind() == model.KindReference {
				names[i] = e.ReferenceValue()
			} else {
				names[i] = native(e)
			}
		}
		in := bson.D{{Key: "$in", Value: bson.A{id, literal(names)}}}
		if f.Operator == model.OpNotIn {
			return not(in), nil
		}
		return in, nil
	}
	return nil, fmt.Errorf("operator %q is not supported on %s", f.Operator, model.DocumentIDField)
}

// pastExpr is pastValue as an aggregation expression: a later (earlier)
// class, or the same class and a greater (smaller) native value. A missing
// field sorts below everything in aggregation comparisons, so presence is
// checked first.
func pastExpr(t, x string, v model.Value, forward bool) bson.D {
	op := "$lt"
	if forward {
		op = "$gt"
	}
	present := bson.D{{Key: "$ne", Value: bson.A{bson.D{{Key: "$type", Value: t}}, "missing"}}}
	otherClass := bson.D{{Key: op, Value: bson.A{t, v.TypeOrder()}}}
	if v.IsNull() {
		return all(present, otherClass)
	}
	sameClass := all(
		bson.D{{Key: "$eq", Value: bson.A{t, v.TypeOrder()}}},
		bson.D{{Key: op, Value: bson.A{x, literal(native(v))}}},
	)
	return all(present, bson.D{{Key: "$or", Value: bson.A{otherClass, sameClass}}})
}

func eqExpr(t, x string, v model.Value) bson.D {
	if v.IsNull() {
		return bson.D{{Key: "$eq", Value: bson.A{t, 0}}}
	}
	return all(
		bson.D{{Key: "$eq", Value: bson.A{t, v.TypeOrder()}}},
		bson.D{{Key: "$eq", Value: bson.A{x, literal(native(v))}}},
	)
}

func anyExpr(t, x string, elems []model.Value) interface{} {
	if len(elems) == 0 {
		return false
	}
	alts := make(bson.A, len(elems))
	for i, e := range elems {
		alts[i] = eqExpr(t, x, e)
	}
	return bson.D{{Key: "$or", Value: alts}}
}

// all is a short-circuiting $and.
func all(exprs ...interface{}) bson.D {
	return bson.D{{Key: "$and", Value: bson.A(exprs)}}
}

func not(expr interface{}) bson.D {
	return bson.D{{Key: "$not", Value: bson.A{expr}}}
}

func literal(v interface{}) bson.D {
	return bson.D{{Key: "$literal", Value: v}}
}
