package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Document is one stored record as observed by a read.
type Document struct {
	Path       string           `json:"path"`
	Fields     map[string]Value `json:"fields"`
	CreateTime time.Time        `json:"createTime"`
	UpdateTime time.Time        `json:"updateTime"`
	ReadTime   time.Time        `json:"readTime"`
}

// NewDocument builds a document with copied fields and no timestamps.
func NewDocument(path string, fields map[string]Value) *Document {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return &Document{Path: path, Fields: cp}
}

// ID is the last path segment.
func (d *Document) ID() string {
	return d.Path[strings.LastIndex(d.Path, "/")+1:]
}

// Collection is the parent collection path.
func (d *Document) Collection() string {
	if i := strings.LastIndex(d.Path, "/"); i >= 0 {
		return d.Path[:i]
	}
	return ""
}

// Get resolves a dotted field path. DocumentIDField yields the document reference.
func (d *Document) Get(path string) (Value, bool) {
	if path == DocumentIDField {
		return Ref(d.Path), true
	}
	segs, err := SplitFieldPath(path)
	if err != nil {
		return Value{}, false
	}
	return lookup(d.Fields, segs)
}

// Data returns the fields as native Go values.
func (d *Document) Data() map[string]interface{} {
	return FieldsToNative(d.Fields)
}

// DataTo decodes the fields into a struct using `firestore` tags.
func (d *Document) DataTo(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "firestore",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(d.Data()); err != nil {
		return fmt.Errorf("decode document %s: %w", d.Path, err)
	}
	return nil
}

// Clone returns a copy that shares no maps with d.
func (d *Document) Clone() *Document {
	c := *d
	c.Fields = make(map[string]Value, len(d.Fields))
	for k, v := range d.Fields {
		c.Fields[k] = v
	}
	return &c
}

// WithFields returns a copy carrying the given fields and the same metadata.
func (d *Document) WithFields(fields map[string]Value) *Document {
	c := *d
	c.Fields = fields
	return &c
}

func (d *Document) String() string {
	var b strings.Builder
	b.WriteString(d.Path)
	b.WriteString("{")
	for i, k := range Map(d.Fields).SortedKeys() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", k, d.Fields[k])
	}
	b.WriteString("}")
	return b.String()
}
