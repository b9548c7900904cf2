package service

import (
	"context"
	"sync"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/logger"
)

// ListenerHub tracks live query listeners by collection path and wakes the
// ones affected by a write.
type ListenerHub struct {
	mu        sync.RWMutex
	listeners map[string]map[uint64]*QueryListener
	nextID    uint64
	log       logger.Logger
	onChange  func(active int)
}

// NewListenerHub creates an empty hub. onChange, when set, observes the
// number of active listeners after every registration change.
func NewListenerHub(log logger.Logger, onChange func(active int)) *ListenerHub {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ListenerHub{
		listeners: make(map[string]map[uint64]*QueryListener),
		log:       log.WithComponent("listener-hub"),
		onChange:  onChange,
	}
}

// Listen starts a listener for q that re-runs fetch whenever the query's
// collection is notified. The listener unregisters itself when it stops.
func (h *ListenerHub) Listen(ctx context.Context, q model.Query, fetch FetchFunc) *QueryListener {
	coll := q.Collection()

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	l := NewQueryListener(ctx, q, fetch, h.log, WithOnStop(func() { h.remove(coll, id) }))

	h.mu.Lock()
	select {
	case <-l.Done():
		// Already terminated; onStop ran before we could register.
		h.mu.Unlock()
		return l
	default:
	}
	if h.listeners[coll] == nil {
		h.listeners[coll] = make(map[uint64]*QueryListener)
	}
	h.listeners[coll][id] = l
	n := h.countLocked()
	h.mu.Unlock()

	h.log.Debugf("listener %d registered on %s", id, coll)
	h.report(n)
	return l
}

func (h *ListenerHub) remove(coll string, id uint64) {
	h.mu.Lock()
	subs, ok := h.listeners[coll]
	if ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.listeners, coll)
		}
	}
	n := h.countLocked()
	h.mu.Unlock()

	if ok {
		h.log.Debugf("listener %d removed from %s", id, coll)
		h.report(n)
	}
}

// Notify wakes every listener on the collection.
func (h *ListenerHub) Notify(collection string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, l := range h.listeners[collection] {
		l.Notify()
	}
}

// NotifyAll wakes every listener.
func (h *ListenerHub) NotifyAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subs := range h.listeners {
		for _, l := range subs {
			l.Notify()
		}
	}
}

// Active is the number of registered listeners.
func (h *ListenerHub) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

// StopAll stops every registered listener.
func (h *ListenerHub) StopAll() {
	h.mu.RLock()
	var all []*QueryListener
	for _, subs := range h.listeners {
		for _, l := range subs {
			all = append(all, l)
		}
	}
	h.mu.RUnlock()
	for _, l := range all {
		l.Stop()
	}
}

func (h *ListenerHub) countLocked() int {
	n := 0
	for _, subs := range h.listeners {
		n += len(subs)
	}
	return n
}

func (h *ListenerHub) report(n int) {
	if h.onChange != nil {
		h.onChange(n)
	}
}
