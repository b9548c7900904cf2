package usecase

import (
	"context"
	"fmt"
	"sync"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/logger"
)

// WatchSession is a blocking reader over a Listener: each Next call waits
// for exactly one snapshot.
type WatchSession struct {
	listener repository.Listener
	recorder repository.SnapshotRecorder
	stream   string
	log      logger.Logger

	mu       sync.Mutex
	received int
}

// SessionOption customizes a WatchSession.
type SessionOption func(*WatchSession)

// WithRecorder persists every received snapshot under stream.
func WithRecorder(r repository.SnapshotRecorder, stream string) SessionOption {
	return func(s *WatchSession) {
		s.recorder = r
		s.stream = stream
	}
}

func NewWatchSession(l repository.Listener, log logger.Logger, opts ...SessionOption) *WatchSession {
	if log == nil {
		log = logger.NewNopLogger()
	}
	s := &WatchSession{listener: l, log: log.WithComponent("watch-session")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next blocks until the next snapshot, the listener ends or ctx is done.
func (s *WatchSession) Next(ctx context.Context) (*model.Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case snap, ok := <-s.listener.Snapshots():
		if !ok {
			if err := s.listener.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", errors.ErrListenerDone, err)
			}
			return nil, errors.ErrListenerDone
		}
		s.mu.Lock()
		s.received++
		s.mu.Unlock()
		if s.recorder != nil {
			if err := s.recorder.Record(ctx, s.stream, snap); err != nil {
				s.log.WithFields(map[string]interface{}{
					"stream": s.stream,
					"error":  err,
				}).Warn("Failed to record snapshot")
			}
		}
		return snap, nil
	}
}

// Received counts snapshots returned by Next.
func (s *WatchSession) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Replay returns the recorded snapshots, oldest first.
func (s *WatchSession) Replay(ctx context.Context) ([]*model.Snapshot, error) {
	if s.recorder == nil {
		return nil, errors.NewUnsupportedError("watch session has no recorder")
	}
	return s.recorder.Replay(ctx, s.stream)
}

// Stream is the recorder stream name, empty when not recording.
func (s *WatchSession) Stream() string { return s.stream }

// Stop unsubscribes the underlying listener.
func (s *WatchSession) Stop() { s.listener.Stop() }
