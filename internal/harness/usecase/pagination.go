package usecase

import (
	"context"
	"fmt"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/metrics"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/logger"
)

// PageResult is the outcome of a pagination walk.
type PageResult struct {
	// Pages counts the non-empty pages.
	Pages     int
	PageSizes []int
	Documents []*model.Document
}

// PaginationWalker pages through an ordered, limited query with
// startAfter(last document) until a page comes back empty.
type PaginationWalker struct {
	engine   repository.QueryEngine
	maxPages int
	metrics  *metrics.Metrics
	log      logger.Logger
}

// WalkerOption customizes a PaginationWalker.
type WalkerOption func(*PaginationWalker)

// WithMaxPages stops a walk with an error after n non-empty pages. Zero
// means no limit.
func WithMaxPages(n int) WalkerOption {
	return func(w *PaginationWalker) { w.maxPages = n }
}

// WithWalkerMetrics records walks on m.
func WithWalkerMetrics(m *metrics.Metrics) WalkerOption {
	return func(w *PaginationWalker) { w.metrics = m }
}

func NewPaginationWalker(engine repository.QueryEngine, log logger.Logger, opts ...WalkerOption) *PaginationWalker {
	if log == nil {
		log = logger.NewNopLogger()
	}
	w := &PaginationWalker{engine: engine, log: log.WithComponent("pagination-walker")}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Walk executes q, then q.StartAfterDocument(last) for as long as pages are
// non-empty. Pages are fetched strictly one after another. Writes racing
// with the walk may cause skipped or repeated documents.
func (w *PaginationWalker) Walk(ctx context.Context, q model.Query) (*PageResult, error) {
	res, err := w.walk(ctx, q)
	pages := 0
	if res != nil {
		pages = res.Pages
	}
	w.metrics.ObserveWalk(pages, err)
	return res, err
}

func (w *PaginationWalker) walk(ctx context.Context, q model.Query) (*PageResult, error) {
	if err := q.Err(); err != nil {
		return nil, err
	}
	if q.LimitValue() <= 0 {
		return nil, errors.NewValidationError("pagination requires a query with a positive limit")
	}
	if q.IsLimitToLast() {
		return nil, errors.NewValidationError("pagination does not support limitToLast queries")
	}
	if q.Nearest() != nil {
		return nil, errors.NewValidationError("pagination does not support findNearest queries")
	}

	res := &PageResult{}
	page := q
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		docs, err := w.engine.RunQuery(ctx, page)
		if err != nil {
			return res, fmt.Errorf("page %d: %w", res.Pages+1, err)
		}
		if len(docs) == 0 {
			w.log.Debugf("walk finished after %d pages and %d documents", res.Pages, len(res.Documents))
			return res, nil
		}
		if len(docs) > q.LimitValue() {
			return res, errors.NewMismatchError(fmt.Sprintf("page %d returned %d documents, limit is %d",
				res.Pages+1, len(docs), q.LimitValue()))
		}
		if w.maxPages > 0 && res.Pages >= w.maxPages {
			return res, errors.NewValidationError(fmt.Sprintf("walk exceeded %d pages", w.maxPages)).
				WithCode("MAX_PAGES_EXCEEDED")
		}
		res.Pages++
		res.PageSizes = append(res.PageSizes, len(docs))
		res.Documents = append(res.Documents, docs...)
		page = q.StartAfterDocument(docs[len(docs)-1])
	}
}
