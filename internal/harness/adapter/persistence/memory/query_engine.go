package memory

import (
	"context"
	"sort"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/logger"
)

// QueryEngine evaluates queries the way the client SDKs do: match, sort
// under the normalized orders, apply cursors, then offset and limit.
type QueryEngine struct {
	store *Store
	log   logger.Logger
}

func newQueryEngine(store *Store, log logger.Logger) *QueryEngine {
	return &QueryEngine{store: store, log: log.WithComponent("memory-query-engine")}
}

func (e *QueryEngine) RunQuery(ctx context.Context, q model.Query) ([]*model.Document, error) {
	if err := q.Err(); err != nil {
		return nil, err
	}
	docs, err := e.store.scan(ctx, q.Collection())
	if err != nil {
		return nil, err
	}

	matched := docs[:0]
	for _, d := range docs {
		if q.Matches(d) {
			matched = append(matched, d)
		}
	}

	if vq := q.Nearest(); vq != nil {
		out := nearest(matched, *vq)
		for i, d := range out {
			out[i] = q.Project(d)
		}
		return out, nil
	}

	orders := q.NormalizedOrders()
	sort.SliceStable(matched, func(i, j int) bool {
		return model.CompareDocuments(orders, matched[i], matched[j]) < 0
	})

	bounded := matched[:0]
	for _, d := range matched {
		if model.AfterStart(q.StartBound(), orders, d) && model.BeforeEnd(q.EndBound(), orders, d) {
			bounded = append(bounded, d)
		}
	}

	out := window(bounded, q.OffsetValue(), q.LimitValue(), q.IsLimitToLast())
	for i, d := range out {
		out[i] = q.Project(d)
	}
	e.log.Debugf("%s returned %d of %d documents", q, len(out), len(docs))
	return out, nil
}

// window applies offset and limit to sorted documents. For limitToLast the
// offset is counted from the end and the kept tail stays in query order.
func window(docs []*model.Document, offset, limit int, fromEnd bool) []*model.Document {
	if fromEnd {
		end := len(docs) - offset
		if end < 0 {
			end = 0
		}
		start := end - limit
		if start < 0 {
			start = 0
		}
		return append([]*model.Document(nil), docs[start:end]...)
	}
	if offset > len(docs) {
		offset = len(docs)
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return append([]*model.Document(nil), docs...)
}

type scored struct {
	doc      *model.Document
	distance float64
}

// nearest ranks documents holding a vector of matching dimension by distance
// to vq.Vector. Ties keep document name order.
func nearest(docs []*model.Document, vq model.VectorQuery) []*model.Document {
	var candidates []scored
	for _, d := range docs {
		v, ok := d.Get(vq.Field)
		if !ok || v.Kind() != model.KindVector {
			continue
		}
		dist, err := model.Distance(vq.Measure, v.VectorValue(), vq.Vector)
		if err != nil || !vq.WithinThreshold(dist) {
			continue
		}
		candidates = append(candidates, scored{doc: d, distance: dist})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.distance != b.distance {
			return vq.Measure.Closer(a.distance, b.distance)
		}
		return a.doc.Path < b.doc.Path
	})
	if len(candidates) > vq.Limit {
		candidates = candidates[:vq.Limit]
	}

	out := make([]*model.Document, len(candidates))
	for i, c := range candidates {
		d := c.doc
		if vq.DistanceResultField != "" {
			if fields, err := model.SetPath(d.Fields, vq.DistanceResultField, model.Double(c.distance)); err == nil {
				d = d.WithFields(fields)
			}
		}
		out[i] = d
	}
	return out
}
