package repository

import (
	"context"

	"firestore-harness/internal/harness/domain/model"
)

// Listener is one live query subscription.
type Listener interface {
	// Snapshots yields one event per observed change of the result set. The
	// first event carries the initial result. The channel closes after Stop,
	// context cancellation or a terminal error.
	Snapshots() <-chan *model.Snapshot
	// Err reports the terminal error once Snapshots is closed.
	Err() error
	// Stop unsubscribes. Safe to call more than once.
	Stop()
}

// Watcher opens listeners on queries.
type Watcher interface {
	Listen(ctx context.Context, q model.Query) (Listener, error)
}

// SnapshotRecorder persists observed snapshots per stream for later replay.
type SnapshotRecorder interface {
	Record(ctx context.Context, stream string, snap *model.Snapshot) error
	Replay(ctx context.Context, stream string) ([]*model.Snapshot, error)
	Delete(ctx context.Context, stream string) error
}
