package mongodb

import (
	"testing"
	"time"

	"firestore-harness/internal/harness/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestFieldKey(t *testing.T) {
	cases := map[string]string{
		"n":                   "v.n",
		"profile.zip":         "v.profile.x.zip",
		"a.b.c":               "v.a.x.b.x.c",
		model.DocumentIDField: "_id",
	}
	for in, want := range cases {
		got, err := fieldKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := fieldKey("$where")
	assert.Error(t, err)
	_, err = fieldKey("`a.b`")
	assert.Error(t, err)
}

func TestSortable(t *testing.T) {
	assert.Equal(t, bson.D{{Key: "t", Value: 0}}, sortable(model.Null()))
	assert.Equal(t, bson.D{{Key: "t", Value: 2}, {Key: "x", Value: int64(5)}}, sortable(model.Int(5)))
	assert.Equal(t, bson.D{{Key: "t", Value: 2}, {Key: "x", Value: 2.5}}, sortable(model.Double(2.5)))

	m := sortable(model.Map(map[string]model.Value{
		"b": model.String("x"),
		"a": model.Bool(true),
	}))
	assert.Equal(t, bson.D{
		{Key: "t", Value: 10},
		{Key: "x", Value: bson.D{
			{Key: "a", Value: bson.D{{Key: "t", Value: 1}, {Key: "x", Value: true}}},
			{Key: "b", Value: bson.D{{Key: "t", Value: 4}, {Key: "x", Value: "x"}}},
		}},
	}, m)

	arr := sortable(model.Array(model.Int(1), model.Null()))
	assert.Equal(t, bson.D{
		{Key: "t", Value: 8},
		{Key: "x", Value: bson.A{
			bson.D{{Key: "t", Value: 2}, {Key: "x", Value: int64(1)}},
			bson.D{{Key: "t", Value: 0}},
		}},
	}, arr)
}

func TestEncodeDecodeDocument(t *testing.T) {
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	updated := created.Add(time.Minute)
	expire := created.Add(24 * time.Hour)
	fields := map[string]model.Value{
		"name":     model.String("alice"),
		"n":        model.Int(3),
		"tags":     model.Array(model.String("a"), model.String("b")),
		"expireAt": model.Timestamp(expire),
	}

	md, err := encodeDocument("users/a", "users", fields, created, updated, "expireAt")
	require.NoError(t, err)
	assert.Equal(t, "users/a", md.Path)
	assert.Equal(t, "users", md.Parent)
	require.NotNil(t, md.ExpireAt)
	assert.True(t, expire.Equal(*md.ExpireAt))

	readTime := updated.Add(time.Second)
	doc, err := decodeDocument(md, readTime)
	require.NoError(t, err)
	assert.Equal(t, "users/a", doc.Path)
	assert.True(t, model.FieldsEqual(fields, doc.Fields))
	assert.True(t, created.Equal(doc.CreateTime))
	assert.True(t, updated.Equal(doc.UpdateTime))
	assert.True(t, readTime.Equal(doc.ReadTime))
}

func TestEncodeDocument_IgnoresNonTimestampExpiry(t *testing.T) {
	now := time.Now()
	md, err := encodeDocument("users/a", "users", map[string]model.Value{"expireAt": model.String("soon")}, now, now, "expireAt")
	require.NoError(t, err)
	assert.Nil(t, md.ExpireAt)
}
