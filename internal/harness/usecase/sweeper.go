package usecase

import (
	"context"
	"fmt"
	"time"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/metrics"
	"firestore-harness/internal/shared/logger"
)

// sweepBatch bounds how many expired documents one query pass fetches.
const sweepBatch = 500

// Sweeper deletes documents whose expiration field lies in the past, for
// backends without a native TTL policy.
type Sweeper struct {
	store   repository.DocumentStore
	engine  repository.QueryEngine
	field   string
	now     func() time.Time
	metrics *metrics.Metrics
	log     logger.Logger
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func NewSweeper(store repository.DocumentStore, engine repository.QueryEngine, expireAtField string, log logger.Logger, opts ...SweeperOption) *Sweeper {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if expireAtField == "" {
		expireAtField = DefaultExpireAtField
	}
	s := &Sweeper{
		store:  store,
		engine: engine,
		field:  expireAtField,
		now:    time.Now,
		log:    log.WithComponent("sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep deletes every expired document of collection and returns how many
// were removed.
func (s *Sweeper) Sweep(ctx context.Context, collection string) (int, error) {
	cutoff := s.now()
	deleted := 0
	defer func() { s.metrics.ObserveSweep(deleted) }()

	for {
		q := model.NewQuery(collection).
			Where(s.field, model.OpLessThan, cutoff).
			OrderBy(s.field, model.Asc).
			Limit(sweepBatch)
		docs, err := s.engine.RunQuery(ctx, q)
		if err != nil {
			return deleted, fmt.Errorf("sweep %s: %w", collection, err)
		}
		for _, d := range docs {
			if err := s.store.DeleteDocument(ctx, d.Path); err != nil {
				return deleted, fmt.Errorf("sweep %s: %w", d.Path, err)
			}
			deleted++
		}
		if len(docs) < sweepBatch {
			break
		}
	}
	if deleted > 0 {
		s.log.WithFields(map[string]interface{}{
			"collection": collection,
			"deleted":    deleted,
		}).Info("Swept expired documents")
	}
	return deleted, nil
}

// Run sweeps the collections every interval until ctx is done. Errors are
// logged and the loop continues.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, collections func() []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range collections() {
				if _, err := s.Sweep(ctx, c); err != nil {
					s.log.WithFields(map[string]interface{}{"error": err}).Warn("Sweep failed")
				}
			}
		}
	}
}
