package model

import (
	"fmt"
	"sort"
	"time"
)

// ChangeType is the kind of transition a document made within a query result.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

func (t ChangeType) rank() int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	}
	return 2
}

// DocumentChange is one change record. OldIndex is -1 for added documents
// and NewIndex is -1 for removed ones.
type DocumentChange struct {
	Type     ChangeType `json:"type"`
	Document *Document  `json:"document"`
	OldIndex int        `json:"oldIndex"`
	NewIndex int        `json:"newIndex"`
}

// Snapshot is one watch event: the full ordered result and the changes since the previous event.
type Snapshot struct {
	Documents []*Document      `json:"documents"`
	Changes   []DocumentChange `json:"changes"`
	ReadTime  time.Time        `json:"readTime"`
}

// Size is the number of documents in the snapshot.
func (s *Snapshot) Size() int { return len(s.Documents) }

// ComputeChanges diffs two ordered results. Changes come out removed first,
// then added, then modified, each group in result order, with indices
// computed as if the changes were applied one at a time.
func ComputeChanges(orders []Order, prev, next []*Document) []DocumentChange {
	prevByPath := make(map[string]*Document, len(prev))
	for _, d := range prev {
		prevByPath[d.Path] = d
	}
	nextByPath := make(map[string]*Document, len(next))
	for _, d := range next {
		nextByPath[d.Path] = d
	}

	var pending []DocumentChange
	for _, d := range prev {
		if _, ok := nextByPath[d.Path]; !ok {
			pending = append(pending, DocumentChange{Type: ChangeRemoved, Document: d})
		}
	}
	for _, d := range next {
		old, ok := prevByPath[d.Path]
		switch {
		case !ok:
			pending = append(pending, DocumentChange{Type: ChangeAdded, Document: d})
		case !old.UpdateTime.Equal(d.UpdateTime) || !FieldsEqual(old.Fields, d.Fields):
			pending = append(pending, DocumentChange{Type: ChangeModified, Document: d})
		}
	}

	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Type.rank() != b.Type.rank() {
			return a.Type.rank() < b.Type.rank()
		}
		return CompareDocuments(orders, a.Document, b.Document) < 0
	})

	tracker := newIndexTracker(orders, prev)
	for i := range pending {
		c := &pending[i]
		c.OldIndex, c.NewIndex = -1, -1
		if c.Type != ChangeAdded {
			c.OldIndex = tracker.remove(c.Document.Path)
		}
		if c.Type != ChangeRemoved {
			c.NewIndex = tracker.add(c.Document)
		}
	}
	return pending
}

// ApplyChanges replays changes by index onto prev.
func ApplyChanges(prev []*Document, changes []DocumentChange) ([]*Document, error) {
	out := append([]*Document(nil), prev...)
	for i, c := range changes {
		if c.Type != ChangeAdded {
			if c.OldIndex < 0 || c.OldIndex >= len(out) || out[c.OldIndex].Path != c.Document.Path {
				return nil, fmt.Errorf("change %d (%s %s): old index %d does not hold the document", i, c.Type, c.Document.Path, c.OldIndex)
			}
			out = append(out[:c.OldIndex], out[c.OldIndex+1:]...)
		}
		if c.Type != ChangeRemoved {
			if c.NewIndex < 0 || c.NewIndex > len(out) {
				return nil, fmt.Errorf("change %d (%s %s): new index %d out of range", i, c.Type, c.Document.Path, c.NewIndex)
			}
			out = append(out, nil)
			copy(out[c.NewIndex+1:], out[c.NewIndex:])
			out[c.NewIndex] = c.Document
		}
	}
	return out, nil
}

// indexTracker is a sorted document list keyed by path.
type indexTracker struct {
	orders []Order
	docs   []*Document
}

func newIndexTracker(orders []Order, docs []*Document) *indexTracker {
	return &indexTracker{orders: orders, docs: append([]*Document(nil), docs...)}
}

func (t *indexTracker) remove(path string) int {
	for i, d := range t.docs {
		if d.Path == path {
			t.docs = append(t.docs[:i], t.docs[i+1:]...)
			return i
		}
	}
	return -1
}

func (t *indexTracker) add(doc *Document) int {
	i := sort.Search(len(t.docs), func(i int) bool {
		return CompareDocuments(t.orders, doc, t.docs[i]) < 0
	})
	t.docs = append(t.docs, nil)
	copy(t.docs[i+1:], t.docs[i:])
	t.docs[i] = doc
	return i
}
