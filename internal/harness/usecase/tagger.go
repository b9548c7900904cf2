package usecase

import (
	"strings"
	"time"

	"firestore-harness/internal/harness/domain/model"

	"github.com/google/uuid"
)

// Default bookkeeping fields and lifetime of tagged documents.
const (
	DefaultRunIDField    = "testId"
	DefaultExpireAtField = "expireAt"
	DefaultDocumentTTL   = 24 * time.Hour
)

// NewRunID mints an opaque run identifier.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IdentityTagger stamps documents written by one test run and removes the
// stamps before results reach assertions. It is immutable after construction.
type IdentityTagger struct {
	runID         string
	runIDField    string
	expireAtField string
	ttl           time.Duration
	now           func() time.Time
}

// TaggerOption customizes an IdentityTagger.
type TaggerOption func(*IdentityTagger)

// WithTTL sets how far in the future expireAt lies.
func WithTTL(ttl time.Duration) TaggerOption {
	return func(t *IdentityTagger) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithBookkeepingFields renames the run-id and expiration fields.
func WithBookkeepingFields(runIDField, expireAtField string) TaggerOption {
	return func(t *IdentityTagger) {
		if runIDField != "" {
			t.runIDField = runIDField
		}
		if expireAtField != "" {
			t.expireAtField = expireAtField
		}
	}
}

// WithNow overrides the clock used for expireAt.
func WithNow(now func() time.Time) TaggerOption {
	return func(t *IdentityTagger) { t.now = now }
}

// NewIdentityTagger builds a tagger for runID. An empty runID mints one.
func NewIdentityTagger(runID string, opts ...TaggerOption) *IdentityTagger {
	if runID == "" {
		runID = NewRunID()
	}
	t := &IdentityTagger{
		runID:         runID,
		runIDField:    DefaultRunIDField,
		expireAtField: DefaultExpireAtField,
		ttl:           DefaultDocumentTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *IdentityTagger) RunID() string         { return t.runID }
func (t *IdentityTagger) RunIDField() string    { return t.runIDField }
func (t *IdentityTagger) ExpireAtField() string { return t.expireAtField }
func (t *IdentityTagger) TTL() time.Duration    { return t.ttl }

// Tag returns a copy of data carrying the run identifier and an expiration
// timestamp of now + TTL. Existing bookkeeping values are overwritten.
func (t *IdentityTagger) Tag(data map[string]model.Value) map[string]model.Value {
	out := make(map[string]model.Value, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	out[t.runIDField] = model.String(t.runID)
	out[t.expireAtField] = model.Timestamp(t.now().Add(t.ttl))
	return out
}

// TagNative converts native Go data and tags it.
func (t *IdentityTagger) TagNative(data map[string]interface{}) (map[string]model.Value, error) {
	fields, err := model.Fields(data)
	if err != nil {
		return nil, err
	}
	return t.Tag(fields), nil
}

// DocumentID derives the storage ID of a logical key for this run.
func (t *IdentityTagger) DocumentID(key string) string {
	return key + t.runID
}

// Key maps a storage ID back to its logical key. IDs from other runs are
// returned unchanged.
func (t *IdentityTagger) Key(id string) string {
	return strings.TrimSuffix(id, t.runID)
}

// Owns reports whether a storage ID was derived by this run.
func (t *IdentityTagger) Owns(id string) bool {
	return len(id) > len(t.runID) && strings.HasSuffix(id, t.runID)
}

// Strip returns a copy of doc without the bookkeeping fields. Metadata and
// the document path are kept.
func (t *IdentityTagger) Strip(doc *model.Document) *model.Document {
	if doc == nil {
		return nil
	}
	fields := make(map[string]model.Value, len(doc.Fields))
	for k, v := range doc.Fields {
		if k == t.runIDField || k == t.expireAtField {
			continue
		}
		fields[k] = v
	}
	return doc.WithFields(fields)
}

// StripAll applies Strip to every document, keeping order.
func (t *IdentityTagger) StripAll(docs []*model.Document) []*model.Document {
	out := make([]*model.Document, len(docs))
	for i, d := range docs {
		out[i] = t.Strip(d)
	}
	return out
}
