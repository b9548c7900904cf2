// Package mongodb stores Firestore-shaped documents in MongoDB. Every value
// is kept twice: the exact typed field map, and a {class, native} projection
// that lets MongoDB filter and sort with the cross-type ordering.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/metrics"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Name identifies this backend in configuration and logs.
const Name = "mongodb"

// DefaultCollection holds the documents unless WithCollection says otherwise.
const DefaultCollection = "documents"

// Backend combines the store, both query surfaces and the watcher.
type Backend struct {
	*Store
	*QueryEngine
	*PipelineEngine
	*Watcher

	coll   *mongo.Collection
	client *mongo.Client
	owned  bool
	log    logger.Logger
}

var _ repository.Backend = (*Backend)(nil)

type config struct {
	collection  string
	expireField string
	now         func() time.Time
	metrics     *metrics.Metrics
}

// Option customizes a Backend.
type Option func(*config)

func WithCollection(name string) Option {
	return func(c *config) { c.collection = name }
}

// WithExpireAtField names the timestamp field copied into the TTL-indexed
// expireAt key. Defaults to "expireAt".
func WithExpireAtField(field string) Option {
	return func(c *config) { c.expireField = field }
}

func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithMetrics reports the number of active listeners.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// NewBackend builds a backend on db. The caller keeps ownership of the client.
func NewBackend(db *mongo.Database, log logger.Logger, opts ...Option) *Backend {
	if log == nil {
		log = logger.NewNopLogger()
	}
	c := config{collection: DefaultCollection, expireField: "expireAt", now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}

	coll := db.Collection(c.collection)
	store := newStore(coll, c.expireField, c.now, log)
	queries := newQueryEngine(coll, c.now, log)
	watcher := newWatcher(coll, queries, c.metrics.SetActiveListeners, log)
	store.notify = watcher.notify

	return &Backend{
		Store:          store,
		QueryEngine:    queries,
		PipelineEngine: newPipelineEngine(coll, c.now, log),
		Watcher:        watcher,
		coll:           coll,
		client:         db.Client(),
		log:            log.WithComponent("mongo-backend"),
	}
}

// Connect dials uri, checks the connection and returns a backend that
// disconnects the client on Close.
func Connect(ctx context.Context, uri, database string, log logger.Logger, opts ...Option) (*Backend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.NewUnavailableError("connect to MongoDB").WithCause(err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.NewUnavailableError("ping MongoDB").WithCause(err)
	}
	b := NewBackend(client.Database(database), log, opts...)
	b.owned = true
	return b, nil
}

// EnsureIndexes creates the parent index used by every query and a TTL
// index that lets MongoDB expire abandoned test documents on its own.
func (b *Backend) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: keyParent, Value: 1}}},
		{
			Keys:    bson.D{{Key: keyExpireAt, Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	names, err := b.coll.Indexes().CreateMany(ctx, models)
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	b.log.Infof("indexes ready on %s: %v", b.coll.Name(), names)
	return nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx, readpref.Primary()); err != nil {
		return errors.NewUnavailableError("MongoDB unreachable").WithCause(err)
	}
	return nil
}

// Close stops every listener and disconnects the client when Connect made it.
func (b *Backend) Close(ctx context.Context) error {
	b.Watcher.close()
	if b.owned {
		return b.client.Disconnect(ctx)
	}
	return nil
}
