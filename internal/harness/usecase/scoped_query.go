package usecase

import "firestore-harness/internal/harness/domain/model"

// ScopedQueryBuilder restricts queries to the documents of one test run.
type ScopedQueryBuilder struct {
	tagger *IdentityTagger
}

func NewScopedQueryBuilder(tagger *IdentityTagger) *ScopedQueryBuilder {
	return &ScopedQueryBuilder{tagger: tagger}
}

// Build returns q AND runIdField == runID AND every extra filter. q is not
// modified; queries are values.
func (b *ScopedQueryBuilder) Build(q model.Query, extra ...model.Filter) model.Query {
	scope := model.FieldFilter(b.tagger.RunIDField(), model.OpEqual, model.String(b.tagger.RunID()))
	return q.WhereFilter(append([]model.Filter{scope}, extra...)...)
}

// Collection starts a scoped query over a collection.
func (b *ScopedQueryBuilder) Collection(collection string, extra ...model.Filter) model.Query {
	return b.Build(model.NewQuery(collection), extra...)
}

// Pipeline starts a pipeline over a collection that is already restricted
// to this run.
func (b *ScopedQueryBuilder) Pipeline(collection string) model.Pipeline {
	return model.NewPipeline(collection).
		Where(model.FieldFilter(b.tagger.RunIDField(), model.OpEqual, model.String(b.tagger.RunID())))
}
