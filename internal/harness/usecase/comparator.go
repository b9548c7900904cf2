package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/metrics"
	"firestore-harness/internal/shared/errors"
	"firestore-harness/internal/shared/logger"

	"golang.org/x/sync/errgroup"
)

// MismatchKind classifies a divergence between the two surfaces.
type MismatchKind string

const (
	MismatchLength MismatchKind = "length"
	MismatchID     MismatchKind = "id"
	MismatchField  MismatchKind = "field"
)

// Record is the comparable projection of one result document.
type Record struct {
	ID     string                 `json:"id"`
	Fields map[string]model.Value `json:"fields"`
}

// Mismatch is one divergence. Index is the result position, or -1 for
// length mismatches.
type Mismatch struct {
	Kind     MismatchKind `json:"kind"`
	Index    int          `json:"index"`
	Field    string       `json:"field,omitempty"`
	Direct   string       `json:"direct"`
	Pipeline string       `json:"pipeline"`
}

func (m Mismatch) String() string {
	switch m.Kind {
	case MismatchLength:
		return fmt.Sprintf("result length: query returned %s, pipeline returned %s", m.Direct, m.Pipeline)
	case MismatchID:
		return fmt.Sprintf("[%d] document: query %s, pipeline %s", m.Index, m.Direct, m.Pipeline)
	}
	return fmt.Sprintf("[%d] field %s: query %s, pipeline %s", m.Index, m.Field, m.Direct, m.Pipeline)
}

// Comparison is the outcome of running one logical query on both surfaces.
type Comparison struct {
	Query      model.Query
	Pipeline   model.Pipeline
	Direct     []Record
	Piped      []Record
	Mismatches []Mismatch
	Elapsed    time.Duration
}

// Equivalent reports whether both surfaces agreed.
func (c *Comparison) Equivalent() bool { return len(c.Mismatches) == 0 }

// MismatchError is returned by Verify when the surfaces disagree.
type MismatchError struct {
	Comparison *Comparison
}

func (e *MismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "query and pipeline results differ for %s:", e.Comparison.Query)
	for _, m := range e.Comparison.Mismatches {
		b.WriteString("\n  ")
		b.WriteString(m.String())
	}
	return b.String()
}

// Unwrap exposes a mismatch AppError so errors.IsMismatch matches.
func (e *MismatchError) Unwrap() error {
	return errors.NewMismatchError("query and pipeline results differ").WithComponent("comparator")
}

// DualExecutionComparator runs a query directly and as a pipeline and
// compares the ordered projections.
type DualExecutionComparator struct {
	queries   repository.QueryEngine
	pipelines repository.PipelineEngine
	tagger    *IdentityTagger
	metrics   *metrics.Metrics
	log       logger.Logger
}

// ComparatorOption customizes a DualExecutionComparator.
type ComparatorOption func(*DualExecutionComparator)

// WithStripping removes the tagger's bookkeeping fields before comparing.
func WithStripping(t *IdentityTagger) ComparatorOption {
	return func(c *DualExecutionComparator) { c.tagger = t }
}

// WithComparatorMetrics records comparisons on m.
func WithComparatorMetrics(m *metrics.Metrics) ComparatorOption {
	return func(c *DualExecutionComparator) { c.metrics = m }
}

func NewDualExecutionComparator(queries repository.QueryEngine, pipelines repository.PipelineEngine, log logger.Logger, opts ...ComparatorOption) *DualExecutionComparator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	c := &DualExecutionComparator{queries: queries, pipelines: pipelines, log: log.WithComponent("comparator")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compare translates q into its pipeline form and compares both results.
func (c *DualExecutionComparator) Compare(ctx context.Context, q model.Query) (*Comparison, error) {
	p, err := model.PipelineFromQuery(q)
	if err != nil {
		return nil, err
	}
	return c.ComparePipeline(ctx, q, p)
}

// ComparePipeline compares q with a hand-written pipeline p. Both surfaces
// run concurrently; the first error cancels the other and is returned.
func (c *DualExecutionComparator) ComparePipeline(ctx context.Context, q model.Query, p model.Pipeline) (*Comparison, error) {
	start := time.Now()
	var direct, piped []*model.Document

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := c.queries.RunQuery(gctx, q)
		if err != nil {
			return fmt.Errorf("direct query: %w", err)
		}
		direct = docs
		return nil
	})
	g.Go(func() error {
		docs, err := c.pipelines.ExecutePipeline(gctx, p)
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		piped = docs
		return nil
	})
	if err := g.Wait(); err != nil {
		c.metrics.ObserveComparison(metrics.ResultError, time.Since(start))
		return nil, err
	}

	cmp := &Comparison{
		Query:    q,
		Pipeline: p,
		Direct:   c.records(direct),
		Piped:    c.records(piped),
		Elapsed:  time.Since(start),
	}
	cmp.Mismatches = diffRecords(cmp.Direct, cmp.Piped)

	result := metrics.ResultMatch
	if !cmp.Equivalent() {
		result = metrics.ResultMismatch
		c.log.WithFields(map[string]interface{}{
			"query":      q.String(),
			"mismatches": len(cmp.Mismatches),
		}).Warn("Query surfaces diverged")
	}
	c.metrics.ObserveComparison(result, cmp.Elapsed)
	return cmp, nil
}

// Verify compares and turns a divergence into a *MismatchError. On success
// the shared result is returned.
func (c *DualExecutionComparator) Verify(ctx context.Context, q model.Query) ([]Record, error) {
	cmp, err := c.Compare(ctx, q)
	if err != nil {
		return nil, err
	}
	if !cmp.Equivalent() {
		return nil, &MismatchError{Comparison: cmp}
	}
	return cmp.Direct, nil
}

func (c *DualExecutionComparator) records(docs []*model.Document) []Record {
	out := make([]Record, len(docs))
	for i, d := range docs {
		if c.tagger != nil {
			d = c.tagger.Strip(d)
		}
		out[i] = Record{ID: d.ID(), Fields: d.Fields}
	}
	return out
}

func diffRecords(direct, piped []Record) []Mismatch {
	var out []Mismatch
	if len(direct) != len(piped) {
		out = append(out, Mismatch{
			Kind:     MismatchLength,
			Index:    -1,
			Direct:   fmt.Sprint(len(direct)),
			Pipeline: fmt.Sprint(len(piped)),
		})
	}
	n := len(direct)
	if len(piped) < n {
		n = len(piped)
	}
	for i := 0; i < n; i++ {
		a, b := direct[i], piped[i]
		if a.ID != b.ID {
			out = append(out, Mismatch{Kind: MismatchID, Index: i, Direct: a.ID, Pipeline: b.ID})
			continue
		}
		for _, k := range unionKeys(a.Fields, b.Fields) {
			av, aok := a.Fields[k]
			bv, bok := b.Fields[k]
			if aok && bok && identical(av, bv) {
				continue
			}
			out = append(out, Mismatch{
				Kind:     MismatchField,
				Index:    i,
				Field:    k,
				Direct:   describe(av, aok),
				Pipeline: describe(bv, bok),
			})
		}
	}
	return out
}

func unionKeys(a, b map[string]model.Value) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// identical is stricter than model.Equal: integer 1 and double 1.0 differ.
func identical(a, b model.Value) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return model.Equal(a, b) && a.Kind() == b.Kind()
	}
	return bytes.Equal(ja, jb)
}

func describe(v model.Value, ok bool) string {
	if !ok {
		return "<missing>"
	}
	return v.String()
}

// IDs lists record IDs in order.
func IDs(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
