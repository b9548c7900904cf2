package persistence

import (
	"context"
	"testing"
	"time"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/logger"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:         "localhost:6379",
		DB:           15,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skip("Redis not available for testing:", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSnapshotRecorder_RecordAndReplay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := createTestRedisClient(t)
	stream := "harness:test:record-replay"
	client.Del(ctx, stream)
	defer client.Del(context.Background(), stream)

	rec := NewRedisSnapshotRecorder(client, 100, time.Minute, logger.NewNopLogger())

	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	d := model.NewDocument("users/a", model.MustFields(map[string]interface{}{"n": 1, "name": "alice"}))
	d.CreateTime, d.UpdateTime, d.ReadTime = now, now, now

	first := &model.Snapshot{ReadTime: now}
	second := &model.Snapshot{
		Documents: []*model.Document{d},
		Changes:   []model.DocumentChange{{Type: model.ChangeAdded, Document: d, OldIndex: -1, NewIndex: 0}},
		ReadTime:  now.Add(time.Second),
	}
	require.NoError(t, rec.Record(ctx, stream, first))
	require.NoError(t, rec.Record(ctx, stream, second))

	n, err := rec.Len(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl, err := client.TTL(ctx, stream).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	replayed, err := rec.Replay(ctx, stream)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Empty(t, replayed[0].Documents)
	require.Len(t, replayed[1].Changes, 1)
	assert.Equal(t, model.ChangeAdded, replayed[1].Changes[0].Type)
	assert.Equal(t, "users/a", replayed[1].Documents[0].Path)
	assert.True(t, model.FieldsEqual(d.Fields, replayed[1].Documents[0].Fields))
	assert.True(t, second.ReadTime.Equal(replayed[1].ReadTime))

	require.NoError(t, rec.Delete(ctx, stream))
	replayed, err = rec.Replay(ctx, stream)
	require.NoError(t, err)
	assert.Empty(t, replayed)
}

func TestRedisSnapshotRecorder_MissingStreamReplaysEmpty(t *testing.T) {
	client := createTestRedisClient(t)
	rec := NewRedisSnapshotRecorder(client, 0, 0, nil)

	replayed, err := rec.Replay(context.Background(), "harness:test:never-written")
	require.NoError(t, err)
	assert.Empty(t, replayed)
	assert.NoError(t, rec.Ping(context.Background()))
}

func TestParseSnapshot_RejectsMissingPayload(t *testing.T) {
	_, err := parseSnapshot(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"readTime": "1"}})
	assert.Error(t, err)

	snap, err := parseSnapshot(redis.XMessage{ID: "1-0", Values: map[string]interface{}{
		"snapshot": `{"documents":[],"changes":[]}`,
		"readTime": "1714550400000000000",
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(1714550400000000000), snap.ReadTime.UnixNano())
}
