package mongodb

import (
	"context"
	"sync"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/domain/service"
	"firestore-harness/internal/shared/firestore"
	"firestore-harness/internal/shared/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Watcher re-runs live queries when their collection changes. Writes made
// through this process notify directly; writes from other processes arrive
// through a change stream, which needs a replica set. Without one the
// watcher logs a warning and keeps the local notifications.
type Watcher struct {
	coll   *mongo.Collection
	engine *QueryEngine
	hub    *service.ListenerHub

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}

	log logger.Logger
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

func newWatcher(coll *mongo.Collection, engine *QueryEngine, onChange func(int), log logger.Logger) *Watcher {
	return &Watcher{
		coll:   coll,
		engine: engine,
		hub:    service.NewListenerHub(log, onChange),
		log:    log.WithComponent("mongo-watcher"),
	}
}

func (w *Watcher) Listen(ctx context.Context, q model.Query) (repository.Listener, error) {
	if err := q.Err(); err != nil {
		return nil, err
	}
	w.once.Do(w.startStream)
	fetch := func(ctx context.Context) ([]*model.Document, error) {
		return w.engine.RunQuery(ctx, q)
	}
	return w.hub.Listen(ctx, q, fetch), nil
}

// Active is the number of live listeners.
func (w *Watcher) Active() int { return w.hub.Active() }

func (w *Watcher) notify(collection string) { w.hub.Notify(collection) }

func (w *Watcher) startStream() {
	ctx, cancel := context.WithCancel(context.Background())
	match := mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{
		{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}},
	}}}}}}
	stream, err := w.coll.Watch(ctx, match)
	if err != nil {
		cancel()
		w.log.WithFields(map[string]interface{}{"error": err}).Warn("Change stream unavailable, only local writes will notify listeners")
		return
	}
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.consume(ctx, stream)
}

func (w *Watcher) consume(ctx context.Context, stream *mongo.ChangeStream) {
	defer close(w.done)
	defer stream.Close(context.Background())
	for stream.Next(ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			w.log.WithFields(map[string]interface{}{"error": err}).Warn("Undecodable change event")
			continue
		}
		parent, _, err := firestore.SplitDocumentPath(ev.DocumentKey.ID)
		if err != nil {
			continue
		}
		w.hub.Notify(parent)
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		w.log.WithFields(map[string]interface{}{"error": err}).Error("Change stream ended")
		w.hub.NotifyAll()
	}
}

func (w *Watcher) close() {
	// Prevents a stream from starting after close and orders the read of cancel.
	w.once.Do(func() {})
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.hub.StopAll()
}
