package memory

import (
	"context"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/domain/service"
	"firestore-harness/internal/shared/eventbus"
	"firestore-harness/internal/shared/logger"
)

// Watcher re-runs live queries whenever the store publishes a write or a
// delete in their collection.
type Watcher struct {
	engine *QueryEngine
	hub    *service.ListenerHub
	unsubs []func()
	log    logger.Logger
}

func newWatcher(bus eventbus.Bus, engine *QueryEngine, onChange func(int), log logger.Logger) *Watcher {
	w := &Watcher{
		engine: engine,
		hub:    service.NewListenerHub(log, onChange),
		log:    log.WithComponent("memory-watcher"),
	}
	for _, t := range []string{eventbus.EventTypeDocumentWritten, eventbus.EventTypeDocumentDeleted} {
		w.unsubs = append(w.unsubs, bus.Subscribe(t, w.handle))
	}
	return w
}

func (w *Watcher) Listen(ctx context.Context, q model.Query) (repository.Listener, error) {
	if err := q.Err(); err != nil {
		return nil, err
	}
	fetch := func(ctx context.Context) ([]*model.Document, error) {
		return w.engine.RunQuery(ctx, q)
	}
	return w.hub.Listen(ctx, q, fetch), nil
}

// Active is the number of live listeners.
func (w *Watcher) Active() int { return w.hub.Active() }

func (w *Watcher) handle(_ context.Context, ev eventbus.Event) error {
	if de, ok := ev.Data().(DocumentEvent); ok {
		w.hub.Notify(de.Collection)
	}
	return nil
}

func (w *Watcher) close() {
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil
	w.hub.StopAll()
}
