package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/metrics"
	"firestore-harness/internal/shared/logger"
	"firestore-harness/internal/shared/utils"
)

// HelperOptions configures a TestHelper. Zero values select defaults.
type HelperOptions struct {
	RunID         string
	TTL           time.Duration
	RunIDField    string
	ExpireAtField string
	MaxPages      int
	Metrics       *metrics.Metrics
	Recorder      repository.SnapshotRecorder
	Logger        logger.Logger
}

// TestHelper bundles the harness for one test run on one collection: every
// write is tagged, every read is scoped and stripped, and Cleanup removes
// what the run wrote.
type TestHelper struct {
	backend    repository.Backend
	collection string
	tagger     *IdentityTagger
	scope      *ScopedQueryBuilder
	walker     *PaginationWalker
	comparator *DualExecutionComparator
	recorder   repository.SnapshotRecorder
	metrics    *metrics.Metrics
	log        logger.Logger

	mu       sync.Mutex
	written  map[string]struct{}
	sessions []*WatchSession
}

func NewTestHelper(backend repository.Backend, collection string, opts HelperOptions) *TestHelper {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	tagger := NewIdentityTagger(opts.RunID,
		WithTTL(opts.TTL),
		WithBookkeepingFields(opts.RunIDField, opts.ExpireAtField))
	log = log.WithComponent("test-helper").WithFields(map[string]interface{}{
		"run_id":     tagger.RunID(),
		"collection": collection,
	})

	return &TestHelper{
		backend:    backend,
		collection: collection,
		tagger:     tagger,
		scope:      NewScopedQueryBuilder(tagger),
		walker: NewPaginationWalker(backend, log,
			WithMaxPages(opts.MaxPages), WithWalkerMetrics(opts.Metrics)),
		comparator: NewDualExecutionComparator(backend, backend, log,
			WithStripping(tagger), WithComparatorMetrics(opts.Metrics)),
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		log:      log,
		written:  make(map[string]struct{}),
	}
}

func (h *TestHelper) RunID() string                        { return h.tagger.RunID() }
func (h *TestHelper) Collection() string                   { return h.collection }
func (h *TestHelper) Tagger() *IdentityTagger              { return h.tagger }
func (h *TestHelper) Builder() *ScopedQueryBuilder         { return h.scope }
func (h *TestHelper) Walker() *PaginationWalker            { return h.walker }
func (h *TestHelper) Comparator() *DualExecutionComparator { return h.comparator }
func (h *TestHelper) Backend() repository.Backend          { return h.backend }

func (h *TestHelper) scopedCtx(ctx context.Context) context.Context {
	return utils.WithRunID(ctx, h.RunID())
}

// Path is the storage path of a logical key.
func (h *TestHelper) Path(key string) string {
	return h.collection + "/" + h.tagger.DocumentID(key)
}

// Expect builds the document a watch or query should report for key, without
// bookkeeping fields. Use it with SnapshotDiffValidator.
func (h *TestHelper) Expect(key string, data map[string]interface{}) *model.Document {
	return model.NewDocument(h.Path(key), model.MustFields(data))
}

// Set writes key with data, replacing any previous content.
func (h *TestHelper) Set(ctx context.Context, key string, data map[string]interface{}) (*model.Document, error) {
	fields, err := h.tagger.TagNative(data)
	if err != nil {
		return nil, err
	}
	doc, err := h.backend.SetDocument(h.scopedCtx(ctx), h.Path(key), fields)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", key, err)
	}
	h.track(doc.Path)
	return h.tagger.Strip(doc), nil
}

// Create writes key and fails when it already exists.
func (h *TestHelper) Create(ctx context.Context, key string, data map[string]interface{}) (*model.Document, error) {
	fields, err := h.tagger.TagNative(data)
	if err != nil {
		return nil, err
	}
	doc, err := h.backend.CreateDocument(h.scopedCtx(ctx), h.Path(key), fields)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", key, err)
	}
	h.track(doc.Path)
	return h.tagger.Strip(doc), nil
}

// Update merges dotted field paths into an existing document.
func (h *TestHelper) Update(ctx context.Context, key string, data map[string]interface{}) (*model.Document, error) {
	fields, err := model.Fields(data)
	if err != nil {
		return nil, err
	}
	doc, err := h.backend.UpdateDocument(h.scopedCtx(ctx), h.Path(key), fields)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", key, err)
	}
	return h.tagger.Strip(doc), nil
}

// Get reads key without bookkeeping fields.
func (h *TestHelper) Get(ctx context.Context, key string) (*model.Document, error) {
	doc, err := h.backend.GetDocument(h.scopedCtx(ctx), h.Path(key))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return h.tagger.Strip(doc), nil
}

// Delete removes key.
func (h *TestHelper) Delete(ctx context.Context, key string) error {
	path := h.Path(key)
	if err := h.backend.DeleteDocument(h.scopedCtx(ctx), path); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	h.mu.Lock()
	delete(h.written, path)
	h.mu.Unlock()
	return nil
}

// Query is a scoped query over the helper's collection.
func (h *TestHelper) Query(extra ...model.Filter) model.Query {
	return h.scope.Collection(h.collection, extra...)
}

// Scoped restricts an arbitrary query to this run.
func (h *TestHelper) Scoped(q model.Query, extra ...model.Filter) model.Query {
	return h.scope.Build(q, extra...)
}

// Run executes q directly and strips the results.
func (h *TestHelper) Run(ctx context.Context, q model.Query) ([]*model.Document, error) {
	docs, err := h.backend.RunQuery(h.scopedCtx(ctx), q)
	if err != nil {
		return nil, err
	}
	return h.tagger.StripAll(docs), nil
}

// RunPipeline executes p and strips the results.
func (h *TestHelper) RunPipeline(ctx context.Context, p model.Pipeline) ([]*model.Document, error) {
	docs, err := h.backend.ExecutePipeline(h.scopedCtx(ctx), p)
	if err != nil {
		return nil, err
	}
	return h.tagger.StripAll(docs), nil
}

// Walk paginates q and strips the collected documents.
func (h *TestHelper) Walk(ctx context.Context, q model.Query) (*PageResult, error) {
	res, err := h.walker.Walk(h.scopedCtx(ctx), q)
	if res != nil {
		res.Documents = h.tagger.StripAll(res.Documents)
	}
	return res, err
}

// Compare runs q on both execution surfaces.
func (h *TestHelper) Compare(ctx context.Context, q model.Query) (*Comparison, error) {
	return h.comparator.Compare(h.scopedCtx(ctx), q)
}

// Verify is Compare that fails with *MismatchError on divergence.
func (h *TestHelper) Verify(ctx context.Context, q model.Query) ([]Record, error) {
	return h.comparator.Verify(h.scopedCtx(ctx), q)
}

// Listen opens a watch session on q. Cleanup stops it if the test does not.
func (h *TestHelper) Listen(ctx context.Context, q model.Query) (*WatchSession, error) {
	l, err := h.backend.Listen(h.scopedCtx(ctx), q)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	var opts []SessionOption
	h.mu.Lock()
	n := len(h.sessions)
	h.mu.Unlock()
	if h.recorder != nil {
		opts = append(opts, WithRecorder(h.recorder, fmt.Sprintf("harness:watch:%s:%d", h.RunID(), n)))
	}
	s := NewWatchSession(l, h.log, opts...)
	h.mu.Lock()
	h.sessions = append(h.sessions, s)
	h.mu.Unlock()
	return s, nil
}

// Validator returns a snapshot validator for q that ignores bookkeeping fields.
func (h *TestHelper) Validator(q model.Query) *SnapshotDiffValidator {
	return NewSnapshotDiffValidator(q, WithValidatorTagger(h.tagger), WithValidatorMetrics(h.metrics))
}

// Cleanup stops open sessions and deletes every document of this run: the
// ones written through the helper and any other scoped match. The first
// error is returned after all deletions were attempted.
func (h *TestHelper) Cleanup(ctx context.Context) error {
	ctx = h.scopedCtx(ctx)

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = nil
	paths := make(map[string]struct{}, len(h.written))
	for p := range h.written {
		paths[p] = struct{}{}
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
		if s.recorder != nil {
			if err := s.recorder.Delete(ctx, s.stream); err != nil {
				h.log.WithFields(map[string]interface{}{
					"stream": s.stream,
					"error":  err,
				}).Warn("Failed to delete snapshot stream")
			}
		}
	}

	var firstErr error
	if docs, err := h.backend.RunQuery(ctx, h.Query()); err != nil {
		firstErr = fmt.Errorf("cleanup query: %w", err)
	} else {
		for _, d := range docs {
			paths[d.Path] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)
	for _, p := range sorted {
		if err := h.backend.DeleteDocument(ctx, p); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cleanup %s: %w", p, err)
		}
	}

	h.mu.Lock()
	h.written = make(map[string]struct{})
	h.mu.Unlock()
	h.log.Debugf("cleanup removed %d documents", len(sorted))
	return firstErr
}

func (h *TestHelper) track(path string) {
	h.mu.Lock()
	h.written[path] = struct{}{}
	h.mu.Unlock()
}
