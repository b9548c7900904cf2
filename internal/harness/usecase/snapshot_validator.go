package usecase

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"firestore-harness/internal/harness/domain/model"
	"firestore-harness/internal/harness/metrics"
	"firestore-harness/internal/shared/errors"
)

// ValidatorState is where a SnapshotDiffValidator is in its lifecycle.
type ValidatorState string

const (
	StateAwaitingFirst ValidatorState = "awaiting-first-snapshot"
	StateSteady        ValidatorState = "steady"
)

// expectedChange is the net change of one document since the last
// validated snapshot. base is the document as that snapshot held it, nil
// when it was absent.
type expectedChange struct {
	kind model.ChangeType
	doc  *model.Document
	base *model.Document
}

// SnapshotError lists every way one snapshot differed from expectations.
type SnapshotError struct {
	Sequence int
	Problems []string
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %d does not match expectations:\n  %s", e.Sequence, strings.Join(e.Problems, "\n  "))
}

// Unwrap exposes a mismatch AppError so errors.IsMismatch matches.
func (e *SnapshotError) Unwrap() error {
	return errors.NewMismatchError("snapshot does not match expectations").WithComponent("snapshot-validator")
}

// SnapshotDiffValidator keeps the expected document list and pending
// change list of one watched query and checks observed snapshots against
// them. Expectations are declared with Add, Modify and Remove between
// snapshots. Several declarations for one document collapse into its net
// change, as a watch reports it: added then modified is added with the
// latest data, added then removed is nothing, modified then removed is
// removed, removed then added is modified.
type SnapshotDiffValidator struct {
	mu       sync.Mutex
	orders   []model.Order
	tagger   *IdentityTagger
	metrics  *metrics.Metrics
	state    ValidatorState
	docs     []*model.Document
	changes  []expectedChange
	observed []*model.Document
	seq      int
	buildErr []string
}

// ValidatorOption customizes a SnapshotDiffValidator.
type ValidatorOption func(*SnapshotDiffValidator)

// WithValidatorTagger strips bookkeeping fields from observed documents.
func WithValidatorTagger(t *IdentityTagger) ValidatorOption {
	return func(v *SnapshotDiffValidator) { v.tagger = t }
}

// WithValidatorMetrics records validations on m.
func WithValidatorMetrics(m *metrics.Metrics) ValidatorOption {
	return func(v *SnapshotDiffValidator) { v.metrics = m }
}

// NewSnapshotDiffValidator builds a validator for snapshots of q.
func NewSnapshotDiffValidator(q model.Query, opts ...ValidatorOption) *SnapshotDiffValidator {
	v := &SnapshotDiffValidator{orders: q.NormalizedOrders(), state: StateAwaitingFirst}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// State reports the lifecycle state.
func (v *SnapshotDiffValidator) State() ValidatorState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Expected returns the expected document list.
func (v *SnapshotDiffValidator) Expected() []*model.Document {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]*model.Document(nil), v.docs...)
}

// Add expects doc to enter the result.
func (v *SnapshotDiffValidator) Add(doc *model.Document) *SnapshotDiffValidator {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.indexOf(doc.ID()) >= 0 {
		v.buildErr = append(v.buildErr, fmt.Sprintf("Add(%s): document already expected", doc.ID()))
		return v
	}
	v.insert(doc)
	if p := v.pending(doc.ID()); p != nil {
		// Only a pending removal can precede an add.
		p.kind, p.doc = model.ChangeModified, doc
		return v
	}
	v.changes = append(v.changes, expectedChange{kind: model.ChangeAdded, doc: doc})
	return v
}

// Modify expects an already present document to change to doc.
func (v *SnapshotDiffValidator) Modify(doc *model.Document) *SnapshotDiffValidator {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(doc.ID())
	if i < 0 {
		v.buildErr = append(v.buildErr, fmt.Sprintf("Modify(%s): document not expected", doc.ID()))
		return v
	}
	prev := v.docs[i]
	v.docs = append(v.docs[:i], v.docs[i+1:]...)
	v.insert(doc)
	if p := v.pending(doc.ID()); p != nil {
		p.doc = doc
		return v
	}
	v.changes = append(v.changes, expectedChange{kind: model.ChangeModified, doc: doc, base: prev})
	return v
}

// Remove expects the document with the given ID to leave the result.
func (v *SnapshotDiffValidator) Remove(id string) *SnapshotDiffValidator {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexOf(id)
	if i < 0 {
		v.buildErr = append(v.buildErr, fmt.Sprintf("Remove(%s): document not expected", id))
		return v
	}
	removed := v.docs[i]
	v.docs = append(v.docs[:i], v.docs[i+1:]...)
	if p := v.pending(id); p != nil {
		if p.kind == model.ChangeAdded {
			v.drop(id)
			return v
		}
		p.kind, p.doc = model.ChangeRemoved, p.base
		return v
	}
	v.changes = append(v.changes, expectedChange{kind: model.ChangeRemoved, doc: removed, base: removed})
	return v
}

// pending returns the net change already declared for id, if any.
func (v *SnapshotDiffValidator) pending(id string) *expectedChange {
	for i := range v.changes {
		if v.changes[i].doc.ID() == id {
			return &v.changes[i]
		}
	}
	return nil
}

func (v *SnapshotDiffValidator) drop(id string) {
	for i := range v.changes {
		if v.changes[i].doc.ID() == id {
			v.changes = append(v.changes[:i], v.changes[i+1:]...)
			return
		}
	}
}

// Reset returns to the awaiting-first-snapshot state with no expectations.
func (v *SnapshotDiffValidator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = StateAwaitingFirst
	v.docs, v.changes, v.observed, v.buildErr = nil, nil, nil, nil
	v.seq = 0
}

// Validate checks snap against the expectations: the document list in
// order, the change list in order and type, timestamps on every changed
// document, and that the changes replayed onto the previous snapshot yield
// the current one. Pending changes are cleared only on success.
func (v *SnapshotDiffValidator) Validate(snap *model.Snapshot) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.seq++
	var problems []string
	problems = append(problems, v.buildErr...)

	if snap == nil {
		problems = append(problems, "snapshot is nil")
		return v.finish(problems, nil)
	}

	for _, m := range diffRecords(v.recordsOf(v.docs), v.recordsOf(snap.Documents)) {
		problems = append(problems, "documents: "+describeExpectation(m))
	}

	want := v.sortedChanges()
	if len(want) != len(snap.Changes) {
		problems = append(problems, fmt.Sprintf("changes: expected %d, got %d (%s)",
			len(want), len(snap.Changes), summarizeChanges(snap.Changes)))
	}
	for i := 0; i < len(want) && i < len(snap.Changes); i++ {
		got := snap.Changes[i]
		if got.Type != want[i].kind || got.Document == nil || got.Document.ID() != want[i].doc.ID() {
			problems = append(problems, fmt.Sprintf("changes[%d]: expected %s %s, got %s", i, want[i].kind, want[i].doc.ID(), describeChange(got)))
			continue
		}
		for _, m := range diffRecords(v.recordsOf([]*model.Document{want[i].doc}), v.recordsOf([]*model.Document{got.Document})) {
			problems = append(problems, fmt.Sprintf("changes[%d]: %s", i, describeExpectation(m)))
		}
	}

	for i, c := range snap.Changes {
		if c.Document == nil {
			problems = append(problems, fmt.Sprintf("changes[%d]: missing document", i))
			continue
		}
		d := c.Document
		if d.ReadTime.IsZero() || d.CreateTime.IsZero() || d.UpdateTime.IsZero() {
			problems = append(problems, fmt.Sprintf("changes[%d] %s: missing timestamps (read=%v create=%v update=%v)",
				i, d.ID(), !d.ReadTime.IsZero(), !d.CreateTime.IsZero(), !d.UpdateTime.IsZero()))
		}
	}

	if applied, err := model.ApplyChanges(v.observed, snap.Changes); err != nil {
		problems = append(problems, "replay: "+err.Error())
	} else if !samePaths(applied, snap.Documents) {
		problems = append(problems, "replay: previous snapshot plus changes does not reproduce the document list")
	}

	return v.finish(problems, snap)
}

func (v *SnapshotDiffValidator) finish(problems []string, snap *model.Snapshot) error {
	if len(problems) > 0 {
		err := &SnapshotError{Sequence: v.seq, Problems: problems}
		v.metrics.ObserveSnapshot(err)
		return err
	}
	v.state = StateSteady
	v.changes = nil
	v.observed = append([]*model.Document(nil), snap.Documents...)
	v.metrics.ObserveSnapshot(nil)
	return nil
}

func (v *SnapshotDiffValidator) indexOf(id string) int {
	for i, d := range v.docs {
		if d.ID() == id {
			return i
		}
	}
	return -1
}

func (v *SnapshotDiffValidator) insert(doc *model.Document) {
	i := sort.Search(len(v.docs), func(i int) bool {
		return model.CompareDocuments(v.orders, doc, v.docs[i]) < 0
	})
	v.docs = append(v.docs, nil)
	copy(v.docs[i+1:], v.docs[i:])
	v.docs[i] = doc
}

// sortedChanges puts pending changes in watch order: removed, added,
// modified, each group in query order.
func (v *SnapshotDiffValidator) sortedChanges() []expectedChange {
	rank := map[model.ChangeType]int{model.ChangeRemoved: 0, model.ChangeAdded: 1, model.ChangeModified: 2}
	out := append([]expectedChange(nil), v.changes...)
	sort.SliceStable(out, func(i, j int) bool {
		if rank[out[i].kind] != rank[out[j].kind] {
			return rank[out[i].kind] < rank[out[j].kind]
		}
		return model.CompareDocuments(v.orders, out[i].doc, out[j].doc) < 0
	})
	return out
}

func (v *SnapshotDiffValidator) recordsOf(docs []*model.Document) []Record {
	out := make([]Record, len(docs))
	for i, d := range docs {
		if v.tagger != nil {
			d = v.tagger.Strip(d)
		}
		out[i] = Record{ID: d.ID(), Fields: d.Fields}
	}
	return out
}

func describeExpectation(m Mismatch) string {
	switch m.Kind {
	case MismatchLength:
		return fmt.Sprintf("expected %s documents, got %s", m.Direct, m.Pipeline)
	case MismatchID:
		return fmt.Sprintf("[%d] expected %s, got %s", m.Index, m.Direct, m.Pipeline)
	}
	return fmt.Sprintf("[%d] field %s: expected %s, got %s", m.Index, m.Field, m.Direct, m.Pipeline)
}

func describeChange(c model.DocumentChange) string {
	if c.Document == nil {
		return string(c.Type) + " <nil>"
	}
	return string(c.Type) + " " + c.Document.ID()
}

func summarizeChanges(changes []model.DocumentChange) string {
	parts := make([]string, len(changes))
	for i, c := range changes {
		parts[i] = describeChange(c)
	}
	return strings.Join(parts, ", ")
}

func samePaths(a, b []*model.Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Path != b[i].Path {
			return false
		}
	}
	return true
}
