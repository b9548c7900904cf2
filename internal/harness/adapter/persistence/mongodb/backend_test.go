package mongodb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

var fixedNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestBackend(mt *mtest.T) *Backend {
	return NewBackend(mt.DB, logger.NewNopLogger(), WithClock(func() time.Time { return fixedNow }))
}

func namespace(mt *mtest.T) string {
	return fmt.Sprintf("%s.%s", mt.DB.Name(), DefaultCollection)
}

// stored renders a document the way the store writes it.
func stored(t *testing.T, path string, data map[string]interface{}) bson.D {
	t.Helper()
	fields := model.MustFields(data)
	parent := path[:strings.LastIndex(path, "/")]
	md, err := encodeDocument(path, parent, fields, fixedNow, fixedNow, "expireAt")
	require.NoError(t, err)
	raw, err := bson.Marshal(md)
	require.NoError(t, err)
	var out bson.D
	require.NoError(t, bson.Unmarshal(raw, &out))
	return out
}

func TestStore_GetDocument(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("found", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch,
			stored(t, "users/a", map[string]interface{}{"name": "alice", "n": 1})))

		doc, err := b.GetDocument(context.Background(), "users/a")
		require.NoError(t, err)
		assert.Equal(t, "users/a", doc.Path)
		assert.Equal(t, "alice", doc.Fields["name"].StringValue())
		assert.True(t, fixedNow.Equal(doc.UpdateTime))
	})

	mt.Run("missing", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch))

		_, err := b.GetDocument(context.Background(), "users/zz")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})

	mt.Run("invalid path", func(mt *mtest.T) {
		b := newTestBackend(mt)
		_, err := b.GetDocument(context.Background(), "users")
		assert.Error(t, err)
	})
}

func TestStore_CreateDocument(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		doc, err := b.CreateDocument(context.Background(), "/users/a/", model.MustFields(map[string]interface{}{"n": 2}))
		require.NoError(t, err)
		assert.Equal(t, "users/a", doc.Path)
		assert.Equal(t, int64(2), doc.Fields["n"].IntegerValue())
		assert.True(t, doc.CreateTime.Equal(doc.UpdateTime))
	})

	mt.Run("duplicate", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))

		_, err := b.CreateDocument(context.Background(), "users/a", model.MustFields(map[string]interface{}{"n": 2}))
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))
	})
}

func TestStore_SetAndDelete(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("set returns stored document", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "value", Value: stored(t, "users/a", map[string]interface{}{"n": 3})},
		))

		doc, err := b.SetDocument(context.Background(), "users/a", model.MustFields(map[string]interface{}{"n": 3}))
		require.NoError(t, err)
		assert.Equal(t, int64(3), doc.Fields["n"].IntegerValue())
	})

	mt.Run("delete is idempotent", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(1)}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(0)}),
		)
		require.NoError(t, b.DeleteDocument(context.Background(), "users/a"))
		require.NoError(t, b.DeleteDocument(context.Background(), "users/a"))
	})
}

func TestStore_UpdateDocument(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("merges nested fields", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch,
				stored(t, "users/a", map[string]interface{}{"name": "alice", "profile": map[string]interface{}{"city": "x"}})),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(1)}, bson.E{Key: "nModified", Value: int32(1)}),
		)

		doc, err := b.UpdateDocument(context.Background(), "users/a", model.MustFields(map[string]interface{}{"profile.zip": "123"}))
		require.NoError(t, err)
		zip, ok := doc.Get("profile.zip")
		require.True(t, ok)
		assert.Equal(t, "123", zip.StringValue())
		city, ok := doc.Get("profile.city")
		require.True(t, ok)
		assert.Equal(t, "x", city.StringValue())
	})

	mt.Run("concurrent write conflicts", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch,
				stored(t, "users/a", map[string]interface{}{"n": 1})),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(0)}, bson.E{Key: "nModified", Value: int32(0)}),
		)

		_, err := b.UpdateDocument(context.Background(), "users/a", model.MustFields(map[string]interface{}{"n": 2}))
		require.Error(t, err)
		assert.True(t, errors.IsConflict(err))
	})

	mt.Run("missing document", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch))

		_, err := b.UpdateDocument(context.Background(), "users/a", model.MustFields(map[string]interface{}{"n": 2}))
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestQueryEngine_RunQuery(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("projects results", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch,
			stored(t, "users/a", map[string]interface{}{"n": 1, "name": "alice"}),
			stored(t, "users/b", map[string]interface{}{"n": 2, "name": "bob"}),
		))

		q := model.NewQuery("users").Where("n", model.OpGreaterThan, 0).OrderBy("n", model.Asc).Select("name")
		docs, err := b.RunQuery(context.Background(), q)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "users/a", docs[0].Path)
		assert.NotContains(t, docs[0].Fields, "n")
		assert.Equal(t, "bob", docs[1].Fields["name"].StringValue())
	})

	mt.Run("limit to last restores order", func(mt *mtest.T) {
		b := newTestBackend(mt)
		// The engine reads in reversed order, so the mock answers descending.
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch,
			stored(t, "users/c", map[string]interface{}{"n": 3}),
			stored(t, "users/b", map[string]interface{}{"n": 2}),
		))

		q := model.NewQuery("users").OrderBy("n", model.Asc).LimitToLast(2)
		docs, err := b.RunQuery(context.Background(), q)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "users/b", docs[0].Path)
		assert.Equal(t, "users/c", docs[1].Path)
	})

	mt.Run("vector search unsupported", func(mt *mtest.T) {
		b := newTestBackend(mt)
		q := model.NewQuery("docs").FindNearest(model.VectorQuery{
			Field:   "embedding",
			Vector:  []float64{1, 0},
			Limit:   2,
			Measure: model.DistanceCosine,
		})
		_, err := b.RunQuery(context.Background(), q)
		require.Error(t, err)
		assert.True(t, errors.IsUnsupported(err))
	})

	mt.Run("invalid query", func(mt *mtest.T) {
		b := newTestBackend(mt)
		_, err := b.RunQuery(context.Background(), model.NewQuery("users").Limit(-1))
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})
}

func TestPipelineEngine_ExecutePipeline(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("applies select to decoded data", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch,
			stored(t, "users/a", map[string]interface{}{"n": 1, "name": "alice", "tags": []interface{}{"x"}}),
		))

		p := model.NewPipeline("users").
			Where(model.FieldFilter("tags", model.OpArrayContains, model.String("x"))).
			Sort(model.Order{Field: "n", Direction: model.Asc}).
			Select("name")
		docs, err := b.ExecutePipeline(context.Background(), p)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.True(t, model.FieldsEqual(map[string]model.Value{"name": model.String("alice")}, docs[0].Fields))
	})

	mt.Run("aggregate error", func(mt *mtest.T) {
		b := newTestBackend(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Message: "bad stage"}))

		_, err := b.ExecutePipeline(context.Background(), model.NewPipeline("users").Limit(1))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "aggregate users")
	})

	mt.Run("invalid pipeline", func(mt *mtest.T) {
		b := newTestBackend(mt)
		_, err := b.ExecutePipeline(context.Background(), model.NewPipeline("users").Limit(-1))
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})
}

func TestStoredDocumentIsPlainJSON(t *testing.T) {
	d := stored(t, "users/a", map[string]interface{}{"n": 1})
	var data string
	for _, e := range d {
		if e.Key == keyData {
			data = e.Value.(string)
		}
	}
	var fields map[string]model.Value
	require.NoError(t, json.Unmarshal([]byte(data), &fields))
	assert.Equal(t, int64(1), fields["n"].IntegerValue())
}
