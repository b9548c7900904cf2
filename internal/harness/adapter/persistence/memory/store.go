package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/eventbus"
	"firestore-harness/internal/shared/firestore"
	"firestore-harness/internal/shared/logger"
)

// eventSource tags bus events published by this package.
const eventSource = "memory"

// DocumentEvent is the payload of write and delete events.
type DocumentEvent struct {
	Path       string
	Collection string
}

// clock hands out strictly increasing microsecond timestamps so that every
// write gets a distinct update time.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

func (c *clock) read() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if t.Before(c.last) {
		return c.last
	}
	return t
}

// Store keeps documents in a map keyed by full path.
type Store struct {
	mu     sync.RWMutex
	docs   map[string]*model.Document
	closed bool

	clock *clock
	bus   eventbus.Bus
	log   logger.Logger
}

func newStore(bus eventbus.Bus, now func() time.Time, log logger.Logger) *Store {
	return &Store{
		docs:  make(map[string]*model.Document),
		clock: &clock{now: now},
		bus:   bus,
		log:   log.WithComponent("memory-store"),
	}
}

func (s *Store) GetDocument(ctx context.Context, path string) (*model.Document, error) {
	path, err := s.check(ctx, path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	doc, ok := s.docs[path]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("document " + path)
	}
	out := doc.Clone()
	out.ReadTime = s.clock.read()
	return out, nil
}

func (s *Store) CreateDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error) {
	path, err := s.check(ctx, path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.docs[path]; ok {
		s.mu.Unlock()
		return nil, errors.NewConflictError("document " + path + " already exists").WithCode("ALREADY_EXISTS")
	}
	doc := s.putLocked(path, fields, time.Time{})
	s.mu.Unlock()

	s.publish(ctx, eventbus.EventTypeDocumentWritten, path)
	return doc, nil
}

func (s *Store) SetDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error) {
	path, err := s.check(ctx, path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	var created time.Time
	if prev, ok := s.docs[path]; ok {
		created = prev.CreateTime
	}
	doc := s.putLocked(path, fields, created)
	s.mu.Unlock()

	s.publish(ctx, eventbus.EventTypeDocumentWritten, path)
	return doc, nil
}

// UpdateDocument treats every key of fields as a dotted field path.
func (s *Store) UpdateDocument(ctx context.Context, path string, fields map[string]model.Value) (*model.Document, error) {
	path, err := s.check(ctx, path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	prev, ok := s.docs[path]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NewNotFoundError("document " + path)
	}
	merged := prev.Fields
	for _, key := range model.Map(fields).SortedKeys() {
		next, err := model.SetPath(merged, key, fields[key])
		if err != nil {
			s.mu.Unlock()
			return nil, errors.NewValidationError("update " + path + ": " + err.Error())
		}
		merged = next
	}
	doc := s.putLocked(path, merged, prev.CreateTime)
	s.mu.Unlock()

	s.publish(ctx, eventbus.EventTypeDocumentWritten, path)
	return doc, nil
}

func (s *Store) DeleteDocument(ctx context.Context, path string) error {
	path, err := s.check(ctx, path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, ok := s.docs[path]
	delete(s.docs, path)
	s.mu.Unlock()

	if ok {
		s.publish(ctx, eventbus.EventTypeDocumentDeleted, path)
	}
	return nil
}

// Collections lists every collection path holding at least one document.
func (s *Store) Collections() []string {
	s.mu.RLock()
	seen := make(map[string]struct{})
	for _, d := range s.docs {
		seen[d.Collection()] = struct{}{}
	}
	s.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Len is the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// scan returns copies of the documents directly under collection, stamped
// with one read time.
func (s *Store) scan(ctx context.Context, collection string) ([]*model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := firestore.ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errors.ErrBackendClosed
	}
	out := make([]*model.Document, 0, len(s.docs))
	for _, d := range s.docs {
		if d.Collection() == collection {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()

	readTime := s.clock.read()
	for _, d := range out {
		d.ReadTime = readTime
	}
	return out, nil
}

func (s *Store) putLocked(path string, fields map[string]model.Value, created time.Time) *model.Document {
	now := s.clock.next()
	if created.IsZero() {
		created = now
	}
	doc := model.NewDocument(path, fields)
	doc.CreateTime = created
	doc.UpdateTime = now
	s.docs[path] = doc

	out := doc.Clone()
	out.ReadTime = now
	return out
}

// check validates path and returns it without surrounding slashes.
func (s *Store) check(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := firestore.ValidateDocumentPath(path); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", errors.ErrBackendClosed
	}
	return firestore.JoinPath(path), nil
}

func (s *Store) publish(ctx context.Context, eventType, path string) {
	coll, _, _ := firestore.SplitDocumentPath(path)
	ev := eventbus.NewBasicEvent(eventType, DocumentEvent{Path: path, Collection: coll}, eventSource)
	if err := s.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.log.WithFields(map[string]interface{}{
			"event_type": eventType,
			"path":       path,
			"error":      err,
		}).Warn("Failed to publish document event")
	}
}

func (s *Store) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
