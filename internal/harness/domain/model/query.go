package model

import (
	"fmt"
	"strings"

	"firestore-harness/internal/shared/errors"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Order is one order-by clause.
type Order struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Bound is a cursor position: a prefix of values aligned with the normalized orders.
type Bound struct {
	Values    []Value `json:"values"`
	Inclusive bool    `json:"inclusive"`
}

// Query is an immutable query over one collection. Builder methods return
// modified copies; conversion errors are kept and reported by Err.
type Query struct {
	collection    string
	filters       []Filter
	orders        []Order
	limit         int
	limitToLast   bool
	offset        int
	start         *Bound
	end           *Bound
	projection    []string
	hasProjection bool
	nearest       *VectorQuery
	err           error
}

// NewQuery starts a query over a collection path.
func NewQuery(collection string) Query {
	return Query{collection: strings.Trim(collection, "/")}
}

func (q Query) clone() Query {
	c := q
	c.filters = append([]Filter(nil), q.filters...)
	c.orders = append([]Order(nil), q.orders...)
	c.projection = append([]string(nil), q.projection...)
	return c
}

func (q Query) withErr(err error) Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

func (q Query) Collection() string    { return q.collection }
func (q Query) Filters() []Filter     { return append([]Filter(nil), q.filters...) }
func (q Query) Orders() []Order       { return append([]Order(nil), q.orders...) }
func (q Query) LimitValue() int       { return q.limit }
func (q Query) IsLimitToLast() bool   { return q.limitToLast }
func (q Query) OffsetValue() int      { return q.offset }
func (q Query) StartBound() *Bound    { return q.start }
func (q Query) EndBound() *Bound      { return q.end }
func (q Query) Nearest() *VectorQuery { return q.nearest }
func (q Query) Projection() ([]string, bool) {
	return append([]string(nil), q.projection...), q.hasProjection
}

// Where adds a field filter. Values go through ValueOf; string operands on
// DocumentIDField are read as document IDs within the collection.
func (q Query) Where(field string, op Operator, value interface{}) Query {
	var v Value
	if op != OpExists {
		var err error
		if v, err = ValueOf(value); err != nil {
			return q.withErr(errors.NewValidationError(fmt.Sprintf("where %s %s: %v", field, op, err)))
		}
	}
	return q.WhereFilter(FieldFilter(field, op, v))
}

// WhereFilter ANDs a prebuilt filter onto the query.
func (q Query) WhereFilter(filters ...Filter) Query {
	c := q.clone()
	for _, f := range filters {
		c.filters = append(c.filters, q.resolveNames(f))
	}
	return c
}

func (q Query) resolveNames(f Filter) Filter {
	if f.IsComposite() {
		subs := make([]Filter, len(f.Filters))
		for i, s := range f.Filters {
			subs[i] = q.resolveNames(s)
		}
		f.Filters = subs
		return f
	}
	if f.Field != DocumentIDField {
		return f
	}
	switch f.Value.Kind() {
	case KindString:
		f.Value = q.nameValue(f.Value)
	case KindArray:
		elems := make([]Value, len(f.Value.arr))
		for i, e := range f.Value.arr {
			elems[i] = q.nameValue(e)
		}
		f.Value = Value{kind: KindArray, arr: elems}
	}
	return f
}

func (q Query) nameValue(v Value) Value {
	if v.Kind() == KindString && !strings.Contains(v.s, "/") {
		return Ref(q.collection + "/" + v.s)
	}
	if v.Kind() == KindString {
		return Ref(v.s)
	}
	return v
}

func (q Query) OrderBy(field string, dir Direction) Query {
	if dir == "" {
		dir = Asc
	}
	c := q.clone()
	c.orders = append(c.orders, Order{Field: field, Direction: dir})
	return c
}

func (q Query) Limit(n int) Query {
	q.limit, q.limitToLast = n, false
	return q
}

func (q Query) LimitToLast(n int) Query {
	q.limit, q.limitToLast = n, true
	return q
}

func (q Query) Offset(n int) Query {
	q.offset = n
	return q
}

// Select restricts returned fields. Select() with no fields returns names only.
func (q Query) Select(fields ...string) Query {
	c := q.clone()
	c.projection = append([]string{}, fields...)
	c.hasProjection = true
	return c
}

func (q Query) FindNearest(vq VectorQuery) Query {
	vq.Vector = append([]float64{}, vq.Vector...)
	q.nearest = &vq
	return q
}

func (q Query) StartAt(values ...interface{}) Query    { return q.setBound(true, true, values) }
func (q Query) StartAfter(values ...interface{}) Query { return q.setBound(true, false, values) }
func (q Query) EndAt(values ...interface{}) Query      { return q.setBound(false, true, values) }
func (q Query) EndBefore(values ...interface{}) Query  { return q.setBound(false, false, values) }

func (q Query) StartAtDocument(doc *Document) Query    { return q.setDocBound(true, true, doc) }
func (q Query) StartAfterDocument(doc *Document) Query { return q.setDocBound(true, false, doc) }
func (q Query) EndAtDocument(doc *Document) Query      { return q.setDocBound(false, true, doc) }
func (q Query) EndBeforeDocument(doc *Document) Query  { return q.setDocBound(false, false, doc) }

func (q Query) setBound(start, inclusive bool, values []interface{}) Query {
	orders := q.NormalizedOrders()
	b := &Bound{Inclusive: inclusive, Values: make([]Value, len(values))}
	for i, x := range values {
		v, err := ValueOf(x)
		if err != nil {
			return q.withErr(errors.NewValidationError(fmt.Sprintf("cursor value %d: %v", i, err)))
		}
		if i < len(orders) && orders[i].Field == DocumentIDField {
			v = q.nameValue(v)
		}
		b.Values[i] = v
	}
	return q.assignBound(start, b)
}

// setDocBound takes every normalized order value from doc, ending with its name.
func (q Query) setDocBound(start, inclusive bool, doc *Document) Query {
	if doc == nil {
		return q.withErr(errors.NewValidationError("cursor document is nil"))
	}
	orders := q.NormalizedOrders()
	b := &Bound{Inclusive: inclusive, Values: make([]Value, len(orders))}
	for i, o := range orders {
		v, ok := doc.Get(o.Field)
		if !ok {
			return q.withErr(errors.NewValidationError(
				fmt.Sprintf("cursor document %s has no value for ordered field %s", doc.Path, o.Field)))
		}
		b.Values[i] = v
	}
	return q.assignBound(start, b)
}

func (q Query) assignBound(start bool, b *Bound) Query {
	if start {
		q.start = b
	} else {
		q.end = b
	}
	return q
}

// NormalizedOrders is the explicit order list followed by unordered inequality
// fields and finally the document name, all in the last explicit direction.
func (q Query) NormalizedOrders() []Order {
	out := append([]Order(nil), q.orders...)
	seen := make(map[string]bool, len(out))
	for _, o := range out {
		seen[o.Field] = true
	}
	last := Asc
	if len(q.orders) > 0 {
		last = q.orders[len(q.orders)-1].Direction
	}
	for _, f := range inequalityFields(q.filters) {
		if !seen[f] {
			out = append(out, Order{Field: f, Direction: last})
			seen[f] = true
		}
	}
	if !seen[DocumentIDField] {
		out = append(out, Order{Field: DocumentIDField, Direction: last})
	}
	return out
}

// Compare orders two documents under the normalized orders.
func (q Query) Compare(a, b *Document) int {
	return CompareDocuments(q.NormalizedOrders(), a, b)
}

// CompareDocuments orders documents field by field. Missing fields sort as null.
func CompareDocuments(orders []Order, a, b *Document) int {
	for _, o := range orders {
		av, _ := a.Get(o.Field)
		bv, _ := b.Get(o.Field)
		c := Compare(av, bv)
		if o.Direction == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// BoundCompare compares a cursor with a document over the bound's prefix of orders.
func BoundCompare(b *Bound, orders []Order, doc *Document) int {
	for i, bv := range b.Values {
		if i >= len(orders) {
			break
		}
		dv, _ := doc.Get(orders[i].Field)
		c := Compare(bv, dv)
		if orders[i].Direction == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// AfterStart reports whether doc is at or past the start bound.
func AfterStart(b *Bound, orders []Order, doc *Document) bool {
	if b == nil {
		return true
	}
	c := BoundCompare(b, orders, doc)
	if b.Inclusive {
		return c <= 0
	}
	return c < 0
}

// BeforeEnd reports whether doc is at or before the end bound.
func BeforeEnd(b *Bound, orders []Order, doc *Document) bool {
	if b == nil {
		return true
	}
	c := BoundCompare(b, orders, doc)
	if b.Inclusive {
		return c >= 0
	}
	return c > 0
}

// Matches applies every filter and requires each explicitly ordered field to exist.
func (q Query) Matches(doc *Document) bool {
	for _, f := range q.filters {
		if !f.Matches(doc) {
			return false
		}
	}
	for _, o := range q.orders {
		if _, ok := doc.Get(o.Field); !ok {
			return false
		}
	}
	return true
}

// Err returns the first construction error or a validation failure.
func (q Query) Err() error {
	if q.err != nil {
		return q.err
	}
	if err := q.validate(); err != nil {
		return errors.NewValidationError(err.Error())
	}
	return nil
}

func (q Query) validate() error {
	if q.collection == "" {
		return fmt.Errorf("query has no collection")
	}
	notIn, notEqual, arrayOps := 0, 0, 0
	for _, f := range q.filters {
		if err := f.Validate(); err != nil {
			return err
		}
		for _, leaf := range f.fieldFilters() {
			switch leaf.Operator {
			case OpNotIn:
				notIn++
			case OpNotEqual:
				notEqual++
			case OpArrayContains, OpArrayContainsAny:
				arrayOps++
			}
		}
	}
	if notIn > 1 {
		return fmt.Errorf("a query may contain at most one not-in filter")
	}
	if notIn > 0 && notEqual > 0 {
		return fmt.Errorf("not-in cannot be combined with != filters")
	}
	if arrayOps > 1 {
		return fmt.Errorf("a query may contain at most one array-contains or array-contains-any filter")
	}
	for _, o := range q.orders {
		if err := ValidateFieldPath(o.Field); err != nil {
			return fmt.Errorf("order by: %w", err)
		}
		if o.Direction != Asc && o.Direction != Desc {
			return fmt.Errorf("unknown direction %q", o.Direction)
		}
	}
	if q.limit < 0 || q.offset < 0 {
		return fmt.Errorf("limit and offset must not be negative")
	}
	if q.limitToLast && (q.limit == 0 || len(q.orders) == 0) {
		return fmt.Errorf("limitToLast requires a positive limit and at least one orderBy")
	}
	n := len(q.NormalizedOrders())
	for _, b := range []*Bound{q.start, q.end} {
		if b != nil && len(b.Values) > n {
			return fmt.Errorf("cursor has %d values but query orders by %d fields", len(b.Values), n)
		}
	}
	for _, p := range q.projection {
		if err := ValidateFieldPath(p); err != nil {
			return fmt.Errorf("select: %w", err)
		}
	}
	if q.nearest != nil {
		if err := q.nearest.Validate(); err != nil {
			return err
		}
		if len(q.orders) > 0 || q.start != nil || q.end != nil || q.limit > 0 || q.offset > 0 {
			return fmt.Errorf("findNearest cannot be combined with orderBy, cursors, limit or offset")
		}
	}
	return nil
}

// Project applies the query's field selection to a document.
func (q Query) Project(doc *Document) *Document {
	if !q.hasProjection {
		return doc
	}
	return ProjectFields(doc, q.projection)
}

// ProjectFields keeps only the listed field paths.
func ProjectFields(doc *Document, fields []string) *Document {
	kept := map[string]Value{}
	for _, p := range fields {
		if p == DocumentIDField {
			continue
		}
		if v, ok := doc.Get(p); ok {
			kept, _ = SetPath(kept, p, v)
		}
	}
	return doc.WithFields(kept)
}

func (q Query) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "from %s", q.collection)
	for _, f := range q.filters {
		fmt.Fprintf(&b, " where %s", f)
	}
	for _, o := range q.orders {
		fmt.Fprintf(&b, " order by %s %s", o.Field, o.Direction)
	}
	if q.limit > 0 {
		if q.limitToLast {
			fmt.Fprintf(&b, " limit to last %d", q.limit)
		} else {
			fmt.Fprintf(&b, " limit %d", q.limit)
		}
	}
	if q.offset > 0 {
		fmt.Fprintf(&b, " offset %d", q.offset)
	}
	return b.String()
}
