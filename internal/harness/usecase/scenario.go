package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/shared/logger"

	"gopkg.in/yaml.v3"
)

// Scenario is a declarative harness check: seed documents under a fresh
// run, then run queries and compare against expected keys.
type Scenario struct {
	Name       string                            `yaml:"name"`
	Collection string                            `yaml:"collection"`
	Documents  map[string]map[string]interface{} `yaml:"documents"`
	Queries    []ScenarioQuery                   `yaml:"queries"`
}

// ScenarioQuery is one query of a scenario. Expect lists logical keys in
// result order; nil skips the check. PageSize > 0 also walks the query.
type ScenarioQuery struct {
	Name        string           `yaml:"name"`
	Where       []ScenarioFilter `yaml:"where"`
	OrderBy     []ScenarioOrder  `yaml:"orderBy"`
	Limit       int              `yaml:"limit"`
	LimitToLast bool             `yaml:"limitToLast"`
	StartAt     []interface{}    `yaml:"startAt"`
	StartAfter  []interface{}    `yaml:"startAfter"`
	EndAt       []interface{}    `yaml:"endAt"`
	EndBefore   []interface{}    `yaml:"endBefore"`
	Expect      []string         `yaml:"expect"`
	PageSize    int              `yaml:"pageSize"`
	Compare     *bool            `yaml:"compare"`
}

// ScenarioFilter is a field filter, or a composite when Or or And is set.
type ScenarioFilter struct {
	Field string           `yaml:"field"`
	Op    string           `yaml:"op"`
	Value interface{}      `yaml:"value"`
	Or    []ScenarioFilter `yaml:"or"`
	And   []ScenarioFilter `yaml:"and"`
}

type ScenarioOrder struct {
	Field     string `yaml:"field"`
	Direction string `yaml:"direction"`
}

// QueryReport is the outcome of one scenario query.
type QueryReport struct {
	Name     string
	Keys     []string
	Pages    int
	Failures []string
}

func (r QueryReport) Passed() bool { return len(r.Failures) == 0 }

// ScenarioReport is the outcome of one scenario.
type ScenarioReport struct {
	Name    string
	RunID   string
	Queries []QueryReport
}

// Passed reports whether every query passed.
func (r *ScenarioReport) Passed() bool {
	for _, q := range r.Queries {
		if !q.Passed() {
			return false
		}
	}
	return true
}

// Failures flattens all query failures, prefixed with the query name.
func (r *ScenarioReport) Failures() []string {
	var out []string
	for _, q := range r.Queries {
		for _, f := range q.Failures {
			out = append(out, q.Name+": "+f)
		}
	}
	return out
}

// ParseScenarios decodes one or more YAML documents.
func ParseScenarios(r io.Reader) ([]Scenario, error) {
	dec := yaml.NewDecoder(r)
	var out []Scenario
	for {
		var sc Scenario
		err := dec.Decode(&sc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode scenario %d: %w", len(out)+1, err)
		}
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// LoadScenarios reads scenarios from a YAML file.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScenarios(bytes.NewReader(data))
}

// Validate checks the scenario shape.
func (s Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario has no name")
	}
	if s.Collection == "" {
		return fmt.Errorf("scenario %s has no collection", s.Name)
	}
	for i, q := range s.Queries {
		if q.Name == "" {
			return fmt.Errorf("scenario %s: query %d has no name", s.Name, i)
		}
		if q.PageSize < 0 {
			return fmt.Errorf("scenario %s: query %s has a negative page size", s.Name, q.Name)
		}
	}
	return nil
}

// Build turns the query description into a model query on top of base.
func (sq ScenarioQuery) Build(base model.Query) (model.Query, error) {
	q := base
	for _, f := range sq.Where {
		filter, err := f.filter()
		if err != nil {
			return q, fmt.Errorf("query %s: %w", sq.Name, err)
		}
		q = q.WhereFilter(filter)
	}
	for _, o := range sq.OrderBy {
		dir := model.Asc
		if strings.EqualFold(o.Direction, "desc") {
			dir = model.Desc
		}
		q = q.OrderBy(o.Field, dir)
	}
	if sq.Limit > 0 {
		if sq.LimitToLast {
			q = q.LimitToLast(sq.Limit)
		} else {
			q = q.Limit(sq.Limit)
		}
	}
	if sq.StartAt != nil {
		q = q.StartAt(sq.StartAt...)
	}
	if sq.StartAfter != nil {
		q = q.StartAfter(sq.StartAfter...)
	}
	if sq.EndAt != nil {
		q = q.EndAt(sq.EndAt...)
	}
	if sq.EndBefore != nil {
		q = q.EndBefore(sq.EndBefore...)
	}
	return q, q.Err()
}

func (f ScenarioFilter) filter() (model.Filter, error) {
	if len(f.Or) > 0 || len(f.And) > 0 {
		subs := f.Or
		combine := model.Or
		if len(f.And) > 0 {
			subs, combine = f.And, model.And
		}
		out := make([]model.Filter, len(subs))
		for i, s := range subs {
			sf, err := s.filter()
			if err != nil {
				return model.Filter{}, err
			}
			out[i] = sf
		}
		return combine(out...), nil
	}
	op := model.Operator(f.Op)
	if op == model.OpExists {
		return model.Exists(f.Field), nil
	}
	v, err := model.ValueOf(f.Value)
	if err != nil {
		return model.Filter{}, fmt.Errorf("filter %s %s: %w", f.Field, f.Op, err)
	}
	return model.FieldFilter(f.Field, op, v), nil
}

// ScenarioRunner executes scenarios against a backend, each under a fresh
// run identifier.
type ScenarioRunner struct {
	backend  repository.Backend
	options  HelperOptions
	pipeline bool
	log      logger.Logger
}

// NewScenarioRunner builds a runner. comparePipelines enables the
// dual-execution check for queries that do not set compare explicitly.
func NewScenarioRunner(backend repository.Backend, opts HelperOptions, comparePipelines bool, log logger.Logger) *ScenarioRunner {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ScenarioRunner{backend: backend, options: opts, pipeline: comparePipelines, log: log.WithComponent("scenario-runner")}
}

// Run seeds, checks and tears down one scenario. The error is reserved for
// setup or teardown failures; query failures land in the report.
func (r *ScenarioRunner) Run(ctx context.Context, sc Scenario) (report *ScenarioReport, err error) {
	opts := r.options
	opts.RunID = ""
	h := NewTestHelper(r.backend, sc.Collection, opts)
	report = &ScenarioReport{Name: sc.Name, RunID: h.RunID()}
	defer func() {
		if cerr := h.Cleanup(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for key, data := range sc.Documents {
		if _, err := h.Set(ctx, key, data); err != nil {
			return report, fmt.Errorf("scenario %s: seed %s: %w", sc.Name, key, err)
		}
	}

	for _, sq := range sc.Queries {
		report.Queries = append(report.Queries, r.runQuery(ctx, h, sq))
	}
	r.log.WithFields(map[string]interface{}{
		"scenario": sc.Name,
		"passed":   report.Passed(),
	}).Info("Scenario finished")
	return report, nil
}

func (r *ScenarioRunner) runQuery(ctx context.Context, h *TestHelper, sq ScenarioQuery) QueryReport {
	rep := QueryReport{Name: sq.Name}
	fail := func(format string, args ...interface{}) {
		rep.Failures = append(rep.Failures, fmt.Sprintf(format, args...))
	}

	q, err := sq.Build(h.Query())
	if err != nil {
		fail("build: %v", err)
		return rep
	}

	docs, err := h.Run(ctx, q)
	if err != nil {
		fail("run: %v", err)
		return rep
	}
	rep.Keys = h.keys(docs)
	if sq.Expect != nil && !equalStrings(sq.Expect, rep.Keys) {
		fail("expected keys %v, got %v", sq.Expect, rep.Keys)
	}

	compare := r.pipeline
	if sq.Compare != nil {
		compare = *sq.Compare
	}
	if compare {
		cmp, err := h.Compare(ctx, q)
		switch {
		case err != nil:
			fail("compare: %v", err)
		case !cmp.Equivalent():
			fail("%v", (&MismatchError{Comparison: cmp}).Error())
		}
	}

	if sq.PageSize > 0 {
		r.walk(ctx, h, sq, &rep, fail)
	}
	return rep
}

func (r *ScenarioRunner) walk(ctx context.Context, h *TestHelper, sq ScenarioQuery, rep *QueryReport, fail func(string, ...interface{})) {
	unlimited := sq
	unlimited.Limit, unlimited.LimitToLast = 0, false
	full, err := unlimited.Build(h.Query())
	if err != nil {
		fail("walk: %v", err)
		return
	}
	all, err := h.Run(ctx, full)
	if err != nil {
		fail("walk: %v", err)
		return
	}
	res, err := h.Walk(ctx, full.Limit(sq.PageSize))
	if err != nil {
		fail("walk: %v", err)
		return
	}
	rep.Pages = res.Pages
	if want := (len(all) + sq.PageSize - 1) / sq.PageSize; res.Pages != want {
		fail("walk: expected %d pages of %d for %d documents, got %d", want, sq.PageSize, len(all), res.Pages)
	}
	if got, want := h.keys(res.Documents), h.keys(all); !equalStrings(got, want) {
		fail("walk: pages concatenate to %v, unlimited query returns %v", got, want)
	}
}

func (h *TestHelper) keys(docs []*model.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = h.tagger.Key(d.ID())
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
