package mongodb

import (
	"context"
	"fmt"
	"time"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// QueryEngine runs queries with a single Find: filters, cursors and the
// ordered-field existence rule become one predicate, orders become the
// sort, and offset/limit map onto skip/limit.
type QueryEngine struct {
	coll *mongo.Collection
	now  func() time.Time
	log  logger.Logger
}

func newQueryEngine(coll *mongo.Collection, now func() time.Time, log logger.Logger) *QueryEngine {
	return &QueryEngine{coll: coll, now: now, log: log.WithComponent("mongo-query-engine")}
}

func (e *QueryEngine) RunQuery(ctx context.Context, q model.Query) ([]*model.Document, error) {
	if err := q.Err(); err != nil {
		return nil, err
	}
	if q.Nearest() != nil {
		return nil, errors.NewUnsupportedError("MongoDB backend does not support vector search")
	}

	filter, err := e.buildQueryFilter(q)
	if err != nil {
		return nil, errors.NewValidationError(err.Error()).WithCause(errors.ErrInvalidQuery)
	}

	orders := q.NormalizedOrders()
	if q.IsLimitToLast() {
		orders = reverseOrders(orders)
	}
	sort, err := buildSort(orders)
	if err != nil {
		return nil, errors.NewValidationError(err.Error()).WithCause(errors.ErrInvalidQuery)
	}

	opts := options.Find().SetSort(sort)
	if n := q.OffsetValue(); n > 0 {
		opts.SetSkip(int64(n))
	}
	if n := q.LimitValue(); n > 0 {
		opts.SetLimit(int64(n))
	}

	e.log.Debugf("find on %s: filter=%v sort=%v", q.Collection(), filter, sort)
	cur, err := e.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", q.Collection(), err)
	}
	docs, err := decodeCursor(ctx, cur, e.now().UTC())
	if err != nil {
		return nil, err
	}

	if q.IsLimitToLast() {
		for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
			docs[i], docs[j] = docs[j], docs[i]
		}
	}
	for i, d := range docs {
		docs[i] = q.Project(d)
	}
	return docs, nil
}

func (e *QueryEngine) buildQueryFilter(q model.Query) (bson.D, error) {
	parts := bson.A{bson.D{{Key: keyParent, Value: q.Collection()}}}
	for _, f := range q.Filters() {
		p, err := buildFilter(f)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	for _, o := range q.Orders() {
		if o.Field == model.DocumentIDField {
			continue
		}
		p, err := buildFilter(model.Exists(o.Field))
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}

	orders := q.NormalizedOrders()
	for _, c := range []struct {
		bound *model.Bound
		start bool
	}{{q.StartBound(), true}, {q.EndBound(), false}} {
		p, err := buildCursor(orders, c.bound, c.start)
		if err != nil {
			return nil, err
		}
		if p != nil {
			parts = append(parts, p)
		}
	}
	return bson.D{{Key: "$and", Value: parts}}, nil
}

func reverseOrders(orders []model.Order) []model.Order {
	out := make([]model.Order, len(orders))
	for i, o := range orders {
		o.Direction = model.Asc
		if orders[i].Direction == model.Asc {
			o.Direction = model.Desc
		}
		out[i] = o
	}
	return out
}

func decodeCursor(ctx context.Context, cur *mongo.Cursor, readTime time.Time) ([]*model.Document, error) {
	defer cur.Close(ctx)
	docs := []*model.Document{}
	for cur.Next(ctx) {
		var md mongoDocument
		if err := cur.Decode(&md); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		d, err := decodeDocument(&md, readTime)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}
