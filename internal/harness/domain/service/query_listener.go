package service

import (
	"context"
	"sync"
	"time"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/logger"
)

// FetchFunc runs the watched query once and returns its ordered result.
type FetchFunc func(ctx context.Context) ([]*model.Document, error)

// QueryListener turns "something may have changed" notifications into
// snapshot events. Every notification re-runs the query and diffs the
// result against the last emitted one; empty diffs are skipped except for
// the first snapshot. Snapshots are queued in an unbounded mailbox so a
// slow consumer never blocks the notifier and never loses an event.
type QueryListener struct {
	orders []model.Order
	fetch  FetchFunc
	log    logger.Logger
	now    func() time.Time

	notify chan struct{}
	stop   chan struct{}
	out    chan *model.Snapshot
	done   chan struct{}

	stopOnce sync.Once
	onStop   func()

	mu  sync.Mutex
	err error
}

// ListenerOption customizes a QueryListener.
type ListenerOption func(*QueryListener)

// WithClock overrides the read-time clock.
func WithClock(now func() time.Time) ListenerOption {
	return func(l *QueryListener) { l.now = now }
}

// WithOnStop registers a callback run once when the listener terminates.
func WithOnStop(fn func()) ListenerOption {
	return func(l *QueryListener) { l.onStop = fn }
}

// NewQueryListener starts a listener for q. The first snapshot is fetched
// immediately; later ones follow Notify calls.
func NewQueryListener(ctx context.Context, q model.Query, fetch FetchFunc, log logger.Logger, opts ...ListenerOption) *QueryListener {
	if log == nil {
		log = logger.NewNopLogger()
	}
	l := &QueryListener{
		orders: q.NormalizedOrders(),
		fetch:  fetch,
		log:    log.WithComponent("query-listener").WithFields(map[string]interface{}{"query": q.String()}),
		now:    time.Now,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan *model.Snapshot),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run(ctx)
	return l
}

// Snapshots implements repository.Listener.
func (l *QueryListener) Snapshots() <-chan *model.Snapshot { return l.out }

// Err implements repository.Listener.
func (l *QueryListener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Done is closed once the listener has terminated.
func (l *QueryListener) Done() <-chan struct{} { return l.done }

// Stop implements repository.Listener.
func (l *QueryListener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Notify asks for a re-run. Concurrent notifications coalesce into one.
func (l *QueryListener) Notify() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *QueryListener) setErr(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
}

func (l *QueryListener) run(ctx context.Context) {
	defer func() {
		close(l.out)
		close(l.done)
		if l.onStop != nil {
			l.onStop()
		}
	}()

	var (
		prev    []*model.Document
		mailbox []*model.Snapshot
		first   = true
		pending = true
	)
	for {
		if pending {
			pending = false
			docs, err := l.fetch(ctx)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					l.setErr(ctxErr)
				} else {
					l.log.WithFields(map[string]interface{}{"error": err}).Warn("Listener query failed")
					l.setErr(err)
				}
				return
			}
			changes := model.ComputeChanges(l.orders, prev, docs)
			if first || len(changes) > 0 {
				mailbox = append(mailbox, &model.Snapshot{Documents: docs, Changes: changes, ReadTime: l.now().UTC()})
				l.log.Debugf("queued snapshot with %d documents and %d changes", len(docs), len(changes))
			}
			prev, first = docs, false
		}

		var out chan *model.Snapshot
		var head *model.Snapshot
		if len(mailbox) > 0 {
			out, head = l.out, mailbox[0]
		}
		select {
		case <-ctx.Done():
			l.setErr(ctx.Err())
			return
		case <-l.stop:
			return
		case <-l.notify:
			pending = true
		case out <- head:
			mailbox[0] = nil
			mailbox = mailbox[1:]
		}
	}
}
