package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/eventbus"
	"firestore-harness/internal/shared/logger"
)

func newTestBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	b, err := NewBackend(logger.NewNopLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func seed(t *testing.T, b *Backend, collection string, docs map[string]map[string]interface{}) {
	t.Helper()
	for id, data := range docs {
		_, err := b.SetDocument(context.Background(), collection+"/"+id, model.MustFields(data))
		require.NoError(t, err)
	}
}

func ids(docs []*model.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}

func TestStore_CreateGetConflict(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	created, err := b.CreateDocument(ctx, "users/u1", model.MustFields(map[string]interface{}{"name": "ada"}))
	require.NoError(t, err)
	assert.Equal(t, "users/u1", created.Path)
	assert.False(t, created.CreateTime.IsZero())
	assert.Equal(t, created.CreateTime, created.UpdateTime)

	got, err := b.GetDocument(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Fields["name"].StringValue())
	assert.False(t, got.ReadTime.Before(got.UpdateTime))

	_, err = b.CreateDocument(ctx, "users/u1", nil)
	assert.True(t, errors.IsConflict(err))

	_, err = b.GetDocument(ctx, "users/missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_SetKeepsCreateTimeAndAdvancesUpdateTime(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBackend(t, WithClock(func() time.Time { return fixed }))

	first, err := b.SetDocument(ctx, "c/d", model.MustFields(map[string]interface{}{"v": 1}))
	require.NoError(t, err)
	second, err := b.SetDocument(ctx, "c/d", model.MustFields(map[string]interface{}{"v": 2}))
	require.NoError(t, err)

	assert.Equal(t, first.CreateTime, second.CreateTime)
	assert.True(t, second.UpdateTime.After(first.UpdateTime), "update times must be strictly increasing under a frozen clock")
	_, hasOld := second.Fields["w"]
	assert.False(t, hasOld)
}

func TestStore_UpdateMergesFieldPaths(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, err := b.SetDocument(ctx, "c/d", model.MustFields(map[string]interface{}{
		"a":     1,
		"inner": map[string]interface{}{"x": "keep", "y": "old"},
	}))
	require.NoError(t, err)

	doc, err := b.UpdateDocument(ctx, "c/d", model.MustFields(map[string]interface{}{
		"inner.y": "new",
		"b":       true,
	}))
	require.NoError(t, err)

	y, _ := doc.Get("inner.y")
	x, _ := doc.Get("inner.x")
	assert.Equal(t, "new", y.StringValue())
	assert.Equal(t, "keep", x.StringValue())
	assert.Equal(t, int64(1), doc.Fields["a"].IntegerValue())
	assert.True(t, doc.Fields["b"].BoolValue())

	_, err = b.UpdateDocument(ctx, "c/missing", model.MustFields(map[string]interface{}{"a": 1}))
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seed(t, b, "c", map[string]map[string]interface{}{"d": {"v": 1}})

	require.NoError(t, b.DeleteDocument(ctx, "c/d"))
	require.NoError(t, b.DeleteDocument(ctx, "c/d"))
	assert.Equal(t, 0, b.Len())
}

func TestStore_RejectsInvalidPaths(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for _, path := range []string{"", "onlycollection", "c/d/e", "c/__reserved__"} {
		_, err := b.SetDocument(ctx, path, nil)
		assert.True(t, errors.IsValidation(err), "path %q", path)
	}
}

func TestStore_ReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seed(t, b, "c", map[string]map[string]interface{}{"d": {"v": 1}})

	got, err := b.GetDocument(ctx, "c/d")
	require.NoError(t, err)
	got.Fields["v"] = model.Int(99)

	again, err := b.GetDocument(ctx, "c/d")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Fields["v"].IntegerValue())
}

func TestStore_PublishesEvents(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.NewEventBus(logger.NewNopLogger())
	var seen []string
	bus.Subscribe(eventbus.EventTypeDocumentWritten, func(_ context.Context, ev eventbus.Event) error {
		seen = append(seen, "written:"+ev.Data().(DocumentEvent).Path)
		return nil
	})
	bus.Subscribe(eventbus.EventTypeDocumentDeleted, func(_ context.Context, ev eventbus.Event) error {
		seen = append(seen, "deleted:"+ev.Data().(DocumentEvent).Collection)
		return nil
	})
	b := newTestBackend(t, WithBus(bus))

	_, err := b.SetDocument(ctx, "c/d", nil)
	require.NoError(t, err)
	require.NoError(t, b.DeleteDocument(ctx, "c/d"))
	require.NoError(t, b.DeleteDocument(ctx, "c/d"))

	assert.Equal(t, []string{"written:c/d", "deleted:c"}, seen)
}

func TestStore_Collections(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b, "b", map[string]map[string]interface{}{"1": {}})
	seed(t, b, "a", map[string]map[string]interface{}{"1": {}, "2": {}})
	seed(t, b, "a/1/sub", map[string]map[string]interface{}{"x": {}})

	assert.Equal(t, []string{"a", "a/1/sub", "b"}, b.Collections())
}

func TestBackend_CloseRejectsCalls(t *testing.T) {
	ctx := context.Background()
	b, err := NewBackend(nil)
	require.NoError(t, err)
	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Close(ctx))

	assert.Error(t, b.Ping(ctx))
	_, err = b.GetDocument(ctx, "c/d")
	assert.ErrorIs(t, err, errors.ErrBackendClosed)
	_, err = b.RunQuery(ctx, model.NewQuery("c"))
	assert.ErrorIs(t, err, errors.ErrBackendClosed)
	assert.Equal(t, "memory", b.Name())
}
