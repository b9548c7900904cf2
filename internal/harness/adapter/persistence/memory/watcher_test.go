package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/metrics"
)

func nextSnapshot(t *testing.T, l repository.Listener) *model.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-l.Snapshots():
		require.True(t, ok, "listener closed: %v", l.Err())
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestWatcher_EmptyCollectionThenInsert(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	l, err := b.Listen(ctx, model.NewQuery("c"))
	require.NoError(t, err)
	defer l.Stop()

	first := nextSnapshot(t, l)
	assert.Empty(t, first.Documents)
	assert.Empty(t, first.Changes)

	_, err = b.SetDocument(ctx, "c/d1", model.MustFields(map[string]interface{}{"foo": "bar"}))
	require.NoError(t, err)

	snap := nextSnapshot(t, l)
	require.Len(t, snap.Documents, 1)
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, model.ChangeAdded, snap.Changes[0].Type)
	assert.Equal(t, -1, snap.Changes[0].OldIndex)
	assert.Equal(t, 0, snap.Changes[0].NewIndex)
	assert.Equal(t, "c/d1", snap.Changes[0].Document.Path)
}

func TestWatcher_ModifyAndRemove(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seed(t, b, "c", map[string]map[string]interface{}{"d1": {"v": 1}, "d2": {"v": 2}})

	l, err := b.Listen(ctx, model.NewQuery("c").OrderBy("v", model.Asc))
	require.NoError(t, err)
	defer l.Stop()
	require.Len(t, nextSnapshot(t, l).Documents, 2)

	_, err = b.UpdateDocument(ctx, "c/d1", model.MustFields(map[string]interface{}{"v": 3}))
	require.NoError(t, err)
	snap := nextSnapshot(t, l)
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, model.ChangeModified, snap.Changes[0].Type)
	assert.Equal(t, 0, snap.Changes[0].OldIndex)
	assert.Equal(t, 1, snap.Changes[0].NewIndex)

	require.NoError(t, b.DeleteDocument(ctx, "c/d2"))
	snap = nextSnapshot(t, l)
	require.Len(t, snap.Changes, 1)
	assert.Equal(t, model.ChangeRemoved, snap.Changes[0].Type)
	assert.Equal(t, []string{"d1"}, ids(snap.Documents))
}

func TestWatcher_IgnoresOtherCollections(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	l, err := b.Listen(ctx, model.NewQuery("watched"))
	require.NoError(t, err)
	defer l.Stop()
	nextSnapshot(t, l)

	_, err = b.SetDocument(ctx, "other/x", nil)
	require.NoError(t, err)
	_, err = b.SetDocument(ctx, "watched/y", nil)
	require.NoError(t, err)

	snap := nextSnapshot(t, l)
	assert.Equal(t, []string{"y"}, ids(snap.Documents))
}

func TestWatcher_StopAndClose(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	b, err := NewBackend(nil, WithMetrics(m))
	require.NoError(t, err)

	l1, err := b.Listen(ctx, model.NewQuery("c"))
	require.NoError(t, err)
	l2, err := b.Listen(ctx, model.NewQuery("c"))
	require.NoError(t, err)
	nextSnapshot(t, l1)
	nextSnapshot(t, l2)
	assert.Equal(t, 2, b.Active())

	l1.Stop()
	l1.Stop()
	assert.Eventually(t, func() bool { return b.Active() == 1 }, time.Second, 5*time.Millisecond)
	_, open := <-l1.Snapshots()
	assert.False(t, open)
	assert.NoError(t, l1.Err())

	require.NoError(t, b.Close(ctx))
	_, open = <-l2.Snapshots()
	assert.False(t, open)
	assert.Eventually(t, func() bool { return b.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatcher_RejectsInvalidQuery(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Listen(context.Background(), model.NewQuery("c").Limit(-1))
	assert.Error(t, err)
}
