package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/shared/logger"

	"github.com/redis/go-redis/v9"
)

// RedisSnapshotRecorder persists watch snapshots in Redis Streams, one
// stream per listener, so a run can be replayed and inspected after the fact.
type RedisSnapshotRecorder struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
	logger logger.Logger
}

var _ repository.SnapshotRecorder = (*RedisSnapshotRecorder)(nil)

// NewRedisSnapshotRecorder creates a recorder. maxLen caps each stream
// (approximate trimming, 0 disables) and ttl expires idle streams (0 keeps them).
func NewRedisSnapshotRecorder(client *redis.Client, maxLen int64, ttl time.Duration, log logger.Logger) *RedisSnapshotRecorder {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &RedisSnapshotRecorder{
		client: client,
		maxLen: maxLen,
		ttl:    ttl,
		logger: log.WithComponent("snapshot-recorder"),
	}
}

// Record appends snap to stream.
func (r *RedisSnapshotRecorder) Record(ctx context.Context, stream string, snap *model.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"readTime":  snap.ReadTime.UnixNano(),
			"documents": len(snap.Documents),
			"changes":   len(snap.Changes),
			"snapshot":  payload,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	pipe := r.client.TxPipeline()
	id := pipe.XAdd(ctx, args)
	if r.ttl > 0 {
		pipe.Expire(ctx, stream, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WithFields(map[string]interface{}{
			"stream": stream,
			"error":  err,
		}).Error("Failed to record snapshot")
		return err
	}

	r.logger.WithFields(map[string]interface{}{
		"stream":    stream,
		"entry_id":  id.Val(),
		"documents": len(snap.Documents),
		"changes":   len(snap.Changes),
	}).Debug("Recorded snapshot")
	return nil
}

// Replay returns every recorded snapshot of stream, oldest first. A missing
// stream replays as empty.
func (r *RedisSnapshotRecorder) Replay(ctx context.Context, stream string) ([]*model.Snapshot, error) {
	msgs, err := r.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		if err == redis.Nil {
			return []*model.Snapshot{}, nil
		}
		return nil, err
	}

	out := make([]*model.Snapshot, 0, len(msgs))
	for _, msg := range msgs {
		snap, err := parseSnapshot(msg)
		if err != nil {
			return nil, fmt.Errorf("stream %s entry %s: %w", stream, msg.ID, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// Len is the number of recorded snapshots on stream.
func (r *RedisSnapshotRecorder) Len(ctx context.Context, stream string) (int64, error) {
	return r.client.XLen(ctx, stream).Result()
}

// Delete drops stream.
func (r *RedisSnapshotRecorder) Delete(ctx context.Context, stream string) error {
	return r.client.Del(ctx, stream).Err()
}

// Ping checks the connection.
func (r *RedisSnapshotRecorder) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func parseSnapshot(msg redis.XMessage) (*model.Snapshot, error) {
	raw, ok := msg.Values["snapshot"].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("missing snapshot payload")
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, err
	}
	if snap.ReadTime.IsZero() {
		if s, ok := msg.Values["readTime"].(string); ok {
			if ns, err := strconv.ParseInt(s, 10, 64); err == nil && ns > 0 {
				snap.ReadTime = time.Unix(0, ns).UTC()
			}
		}
	}
	return &snap, nil
}
