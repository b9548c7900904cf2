package mongodb

import (
	"testing"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestBuildFilter_FieldOperators(t *testing.T) {
	eq, err := buildFilter(model.FieldFilter("n", model.OpEqual, model.Int(1)))
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "v.n.t", Value: 2}, {Key: "v.n.x", Value: int64(1)}}, eq)

	isNull, err := buildFilter(model.FieldFilter("n", model.OpEqual, model.Null()))
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "v.n.t", Value: 0}}, isNull)

	gt, err := buildFilter(model.FieldFilter("profile.age", model.OpGreaterThan, model.Int(18)))
	require.NoError(t, err)
	require.Len(t, gt, 2)
	assert.Equal(t, bson.E{Key: "v.profile.x.age.t", Value: 2}, gt[0])
	assert.Equal(t, "v.profile.x.age.x", gt[1].Key)
	cond := gt[1].Value.(bson.D)
	assert.Equal(t, "$gt", cond[0].Key)
	assert.Equal(t, int64(18), cond[0].Value)
	assert.Equal(t, "$ne", cond[1].Key, "numeric ranges exclude NaN")

	str, err := buildFilter(model.FieldFilter("name", model.OpLessThan, model.String("m")))
	require.NoError(t, err)
	assert.Len(t, str[1].Value.(bson.D), 1)

	exists, err := buildFilter(model.Exists("n"))
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "v.n.t", Value: bson.D{{Key: "$exists", Value: true}}}}, exists)
}

func TestBuildFilter_Disjunctions(t *testing.T) {
	in, err := buildFilter(model.FieldFilter("n", model.OpIn, model.Array(model.Int(1), model.Int(2))))
	require.NoError(t, err)
	assert.Equal(t, "$or", in[0].Key)
	assert.Len(t, in[0].Value.(bson.A), 2)

	notInNull, err := buildFilter(model.FieldFilter("n", model.OpNotIn, model.Array(model.Int(1), model.Null())))
	require.NoError(t, err)
	assert.Equal(t, matchNothing, notInNull)

	notIn, err := buildFilter(model.FieldFilter("n", model.OpNotIn, model.Array(model.Int(1))))
	require.NoError(t, err)
	require.Len(t, notIn, 2)
	assert.Equal(t, "v.n.t", notIn[0].Key)
	assert.Equal(t, "$nor", notIn[1].Key)

	contains, err := buildFilter(model.FieldFilter("tags", model.OpArrayContains, model.String("a")))
	require.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "v.tags.t", Value: 8},
		{Key: "v.tags.x", Value: bson.D{{Key: "$elemMatch", Value: bson.D{{Key: "t", Value: 4}, {Key: "x", Value: "a"}}}}},
	}, contains)

	none, err := buildFilter(model.FieldFilter("tags", model.OpArrayContainsAny, model.Array()))
	require.NoError(t, err)
	assert.Equal(t, matchNothing, none)

	or, err := buildFilter(model.Or())
	require.NoError(t, err)
	assert.Equal(t, matchNothing, or)
}

func TestBuildFilter_DocumentName(t *testing.T) {
	eq, err := buildFilter(model.FieldFilter(model.DocumentIDField, model.OpEqual, model.Ref("users/a")))
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "_id", Value: "users/a"}}, eq)

	in, err := buildFilter(model.FieldFilter(model.DocumentIDField, model.OpIn, model.Array(model.Ref("users/a"), model.Ref("users/b"))))
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{"users/a", "users/b"}}}}}, in)

	lt, err := buildFilter(model.FieldFilter(model.DocumentIDField, model.OpLessThan, model.Int(1)))
	require.NoError(t, err)
	assert.Equal(t, matchNothing, lt)
}

func TestBuildSort(t *testing.T) {
	sort, err := buildSort([]model.Order{
		{Field: "n", Direction: model.Desc},
		{Field: model.DocumentIDField, Direction: model.Asc},
	})
	require.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "v.n.t", Value: -1},
		{Key: "v.n.x", Value: -1},
		{Key: "_id", Value: 1},
	}, sort)
}

func TestBuildCursor(t *testing.T) {
	orders := []model.Order{
		{Field: "n", Direction: model.Asc},
		{Field: model.DocumentIDField, Direction: model.Asc},
	}

	none, err := buildCursor(orders, nil, true)
	require.NoError(t, err)
	assert.Nil(t, none)

	after, err := buildCursor(orders, &model.Bound{Values: []model.Value{model.Int(5), model.Ref("c/b")}}, true)
	require.NoError(t, err)
	terms := after[0].Value.(bson.A)
	require.Len(t, terms, 2, "one term per bound value, none for equality")

	first := terms[0].(bson.D)[0].Value.(bson.A)
	require.Len(t, first, 1)
	alts := first[0].(bson.D)[0].Value.(bson.A)
	assert.Equal(t, bson.D{{Key: "v.n.t", Value: bson.D{{Key: "$gt", Value: 2}}}}, alts[0], "later classes are past the bound")

	second := terms[1].(bson.D)[0].Value.(bson.A)
	require.Len(t, second, 2)
	assert.Equal(t, bson.D{{Key: "_id", Value: bson.D{{Key: "$gt", Value: "c/b"}}}}, second[1])

	atEnd, err := buildCursor(orders, &model.Bound{Values: []model.Value{model.Int(5)}, Inclusive: true}, false)
	require.NoError(t, err)
	endTerms := atEnd[0].Value.(bson.A)
	require.Len(t, endTerms, 2)
	endFirst := endTerms[0].(bson.D)[0].Value.(bson.A)
	endAlts := endFirst[0].(bson.D)[0].Value.(bson.A)
	assert.Equal(t, bson.D{{Key: "v.n.t", Value: bson.D{{Key: "$lt", Value: 2}}}}, endAlts[0])
}

func TestReverseOrders(t *testing.T) {
	in := []model.Order{{Field: "n", Direction: model.Asc}, {Field: "m", Direction: model.Desc}}
	out := reverseOrders(in)
	assert.Equal(t, model.Desc, out[0].Direction)
	assert.Equal(t, model.Asc, out[1].Direction)
	assert.Equal(t, model.Asc, in[0].Direction)
}

func TestTranslatePipeline(t *testing.T) {
	p := model.NewPipeline("users").
		Where(model.FieldFilter("n", model.OpGreaterThan, model.Int(1))).
		Sort(model.Order{Field: "n", Direction: model.Asc}).
		Offset(0).
		Limit(0).
		Select("profile", "profile.zip", "n")

	stages, selects, err := translatePipeline(p)
	require.NoError(t, err)
	require.Len(t, stages, 5, "a zero offset adds no stage")
	assert.Equal(t, bson.D{{Key: "$match", Value: bson.D{{Key: "parent", Value: "users"}}}}, stages[0])
	assert.Equal(t, "$expr", stages[1][0].Value.(bson.D)[0].Key)
	assert.Equal(t, "$sort", stages[2][0].Key)
	assert.Equal(t, bson.D{{Key: "$match", Value: matchNothing}}, stages[3], "limit 0 matches nothing")

	proj := stages[4][0].Value.(bson.D)
	var keys []string
	for _, e := range proj {
		keys = append(keys, e.Key)
	}
	assert.Contains(t, keys, "v.profile")
	assert.Contains(t, keys, "v.n")
	assert.NotContains(t, keys, "v.profile.x.zip", "covered by its parent")
	assert.Equal(t, [][]string{{"profile", "profile.zip", "n"}}, selects)
}

func TestTranslatePipeline_FindNearestUnsupported(t *testing.T) {
	p := model.NewPipeline("docs").FindNearest(model.VectorQuery{
		Field:   "embedding",
		Vector:  []float64{1, 0},
		Limit:   3,
		Measure: model.DistanceEuclidean,
	})
	_, _, err := translatePipeline(p)
	require.Error(t, err)
	assert.True(t, errors.IsUnsupported(err))
}

func TestFilterExpr(t *testing.T) {
	exists, err := filterExpr(model.Exists("n"))
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "$ne", Value: bson.A{bson.D{{Key: "$type", Value: "$v.n.t"}}, "missing"}}}, exists)

	empty, err := filterExpr(model.And())
	require.NoError(t, err)
	assert.Equal(t, true, empty)

	notIn, err := filterExpr(model.FieldFilter("n", model.OpNotIn, model.Array(model.Null())))
	require.NoError(t, err)
	assert.Equal(t, false, notIn)

	eq, err := filterExpr(model.FieldFilter("name", model.OpEqual, model.String("$n")))
	require.NoError(t, err)
	conds := eq.(bson.D)[0].Value.(bson.A)
	assert.Equal(t, bson.D{{Key: "$eq", Value: bson.A{"$v.name.x", bson.D{{Key: "$literal", Value: "$n"}}}}}, conds[1])

	contains, err := filterExpr(model.FieldFilter("tags", model.OpArrayContains, model.Int(1)))
	require.NoError(t, err)
	parts := contains.(bson.D)[0].Value.(bson.A)
	assert.Equal(t, bson.D{{Key: "$eq", Value: bson.A{"$v.tags.t", 8}}}, parts[0])
}

func TestBuildFilter_OrderedAcrossClasses(t *testing.T) {
	after, err := buildFilter(model.FieldFilter("n", model.OpAfter, model.Int(1)))
	require.NoError(t, err)
	assert.Equal(t, pastValue("v.n", model.Int(1), true), after)
	alts := after[0].Value.(bson.A)
	assert.Equal(t, bson.D{{Key: "v.n.t", Value: bson.D{{Key: "$gt", Value: 2}}}}, alts[0], "later classes pass")

	afterNull, err := buildFilter(model.FieldFilter("n", model.OpAfter, model.Null()))
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "v.n.t", Value: bson.D{{Key: "$gt", Value: 0}}}}, afterNull)

	beforeName, err := buildFilter(model.FieldFilter(model.DocumentIDField, model.OpBefore, model.Ref("users/b")))
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "_id", Value: bson.D{{Key: "$lt", Value: "users/b"}}}}, beforeName)
}

func TestFilterExpr_OrderedAcrossClasses(t *testing.T) {
	present := bson.D{{Key: "$ne", Value: bson.A{bson.D{{Key: "$type", Value: "$v.n.t"}}, "missing"}}}

	afterNull, err := filterExpr(model.FieldFilter("n", model.OpAfter, model.Null()))
	require.NoError(t, err)
	assert.Equal(t, all(present, bson.D{{Key: "$gt", Value: bson.A{"$v.n.t", 0}}}), afterNull)

	before, err := filterExpr(model.FieldFilter("n", model.OpBefore, model.String("a")))
	require.NoError(t, err)
	parts := before.(bson.D)[0].Value.(bson.A)
	require.Len(t, parts, 2)
	assert.Equal(t, present, parts[0], "a missing field is never before a bound")
	alts := parts[1].(bson.D)[0].Value.(bson.A)
	assert.Equal(t, bson.D{{Key: "$lt", Value: bson.A{"$v.n.t", 4}}}, alts[0])
	assert.Equal(t, all(
		bson.D{{Key: "$eq", Value: bson.A{"$v.n.t", 4}}},
		bson.D{{Key: "$lt", Value: bson.A{"$v.n.x", literal("a")}}},
	), alts[1])
}
