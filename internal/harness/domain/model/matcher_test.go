package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func doc(path string, data map[string]interface{}) *Document {
	fields, err := Fields(data)
	if err != nil {
		panic(err)
	}
	return NewDocument(path, fields)
}

func TestFilter_Matches(t *testing.T) {
	d := doc("c/d1", map[string]interface{}{
		"n":     1,
		"f":     2.5,
		"s":     "bar",
		"null":  nil,
		"tags":  []interface{}{"x", "y"},
		"inner": map[string]interface{}{"deep": "v"},
	})
	arr := func(xs ...interface{}) Value { return MustValueOf(xs) }

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq string", FieldFilter("s", OpEqual, String("bar")), true},
		{"eq int vs double", FieldFilter("n", OpEqual, Double(1)), true},
		{"eq wrong class", FieldFilter("n", OpEqual, String("1")), false},
		{"eq null", FieldFilter("null", OpEqual, Null()), true},
		{"eq missing null", FieldFilter("missing", OpEqual, Null()), false},
		{"nested path", FieldFilter("inner.deep", OpEqual, String("v")), true},
		{"lt number", FieldFilter("f", OpLessThan, Int(3)), true},
		{"gt crosses class", FieldFilter("s", OpGreaterThan, Int(0)), false},
		{"gte equal", FieldFilter("n", OpGreaterThanOrEqual, Int(1)), true},
		{"after crosses class", FieldFilter("s", OpAfter, Int(0)), true},
		{"after null", FieldFilter("n", OpAfter, Null()), true},
		{"after same value", FieldFilter("n", OpAfter, Double(1)), false},
		{"before crosses class", FieldFilter("n", OpBefore, String("a")), true},
		{"before earlier class", FieldFilter("s", OpBefore, Int(9)), false},
		{"after array", FieldFilter("tags", OpAfter, arr("x")), true},
		{"after missing", FieldFilter("missing", OpAfter, Null()), false},
		{"neq matches other", FieldFilter("s", OpNotEqual, String("baz")), true},
		{"neq excludes null", FieldFilter("null", OpNotEqual, Int(1)), false},
		{"neq excludes missing", FieldFilter("missing", OpNotEqual, Int(1)), false},
		{"in", FieldFilter("s", OpIn, arr("foo", "bar")), true},
		{"in miss", FieldFilter("s", OpIn, arr("foo")), false},
		{"not-in", FieldFilter("s", OpNotIn, arr("foo")), true},
		{"not-in hit", FieldFilter("s", OpNotIn, arr("bar")), false},
		{"not-in list with null", FieldFilter("s", OpNotIn, arr("foo", nil)), false},
		{"not-in null field", FieldFilter("null", OpNotIn, arr("foo")), false},
		{"array-contains", FieldFilter("tags", OpArrayContains, String("y")), true},
		{"array-contains non-array", FieldFilter("s", OpArrayContains, String("bar")), false},
		{"array-contains-any", FieldFilter("tags", OpArrayContainsAny, arr("q", "x")), true},
		{"array-contains-any miss", FieldFilter("tags", OpArrayContainsAny, arr("q")), false},
		{"exists", Exists("inner"), true},
		{"exists missing", Exists("nope"), false},
		{"name eq", FieldFilter(DocumentIDField, OpEqual, Ref("c/d1")), true},
		{"or", Or(FieldFilter("s", OpEqual, String("no")), FieldFilter("n", OpEqual, Int(1))), true},
		{"and", And(FieldFilter("s", OpEqual, String("bar")), FieldFilter("n", OpEqual, Int(2))), false},
		{"nested composite", And(Or(FieldFilter("n", OpEqual, Int(9)), Exists("tags")), FieldFilter("f", OpGreaterThan, Int(2))), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(d), tt.filter.String())
		})
	}
}

func TestFilter_Validate(t *testing.T) {
	assert.NoError(t, FieldFilter("a", OpEqual, Null()).Validate())
	assert.Error(t, FieldFilter("a", OpLessThan, Null()).Validate())
	assert.NoError(t, FieldFilter("a", OpAfter, Null()).Validate())
	assert.NoError(t, FieldFilter("a", OpBefore, MustValueOf([]interface{}{1})).Validate())
	assert.Error(t, FieldFilter("a", OpIn, String("x")).Validate())
	assert.Error(t, FieldFilter("a", OpIn, Array()).Validate())
	assert.Error(t, FieldFilter("", OpEqual, Int(1)).Validate())
	assert.Error(t, FieldFilter("a", Operator("~"), Int(1)).Validate())
	assert.Error(t, FieldFilter(DocumentIDField, OpEqual, Int(1)).Validate())
	assert.Error(t, Or().Validate())
}
