package repository

import (
	"context"

	"firestore-harness/internal/harness/domain/model"
)

// QueryEngine is the direct query execution surface.
type QueryEngine interface {
	RunQuery(ctx context.Context, q model.Query) ([]*model.Document, error)
}

// PipelineEngine is the declarative pipeline execution surface. It must be
// implemented independently of QueryEngine; the comparator relies on that.
type PipelineEngine interface {
	ExecutePipeline(ctx context.Context, p model.Pipeline) ([]*model.Document, error)
}
