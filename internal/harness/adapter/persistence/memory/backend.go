// Package memory is an in-process reference backend. It has no indexes and
// no durability; it exists so the harness can be exercised without a
// database.
package memory

import (
	"context"
	"time"

	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/metrics"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/eventbus"
	"firestore-harness/internal/shared/logger"
)

// Name identifies this backend in configuration and logs.
const Name = "memory"

// Backend combines the store, both query surfaces and the watcher.
type Backend struct {
	*Store
	*QueryEngine
	*PipelineEngine
	*Watcher

	bus eventbus.Bus
	log logger.Logger
}

var _ repository.Backend = (*Backend)(nil)

type options struct {
	bus     eventbus.Bus
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option customizes a Backend.
type Option func(*options)

// WithBus shares an event bus with other components. By default the backend
// creates its own.
func WithBus(bus eventbus.Bus) Option {
	return func(o *options) { o.bus = bus }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics reports the number of active listeners.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func NewBackend(log logger.Logger, opts ...Option) (*Backend, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = eventbus.NewEventBus(log)
	}

	store := newStore(o.bus, o.now, log)
	queries := newQueryEngine(store, log)
	pipelines, err := newPipelineEngine(store, log)
	if err != nil {
		return nil, err
	}
	watcher := newWatcher(o.bus, queries, o.metrics.SetActiveListeners, log)

	return &Backend{
		Store:          store,
		QueryEngine:    queries,
		PipelineEngine: pipelines,
		Watcher:        watcher,
		bus:            o.bus,
		log:            log.WithComponent("memory-backend"),
	}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Store.mu.RLock()
	defer b.Store.mu.RUnlock()
	if b.Store.closed {
		return errors.NewUnavailableError("memory backend closed").WithCause(errors.ErrBackendClosed)
	}
	return nil
}

// Close stops every listener and rejects further calls.
func (b *Backend) Close(context.Context) error {
	b.Watcher.close()
	b.Store.close()
	b.log.Infof("memory backend closed with %d documents", b.Store.Len())
	return nil
}
