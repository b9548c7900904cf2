package model

import (
	"fmt"
	"sort"
)

// Operator is a field filter comparison.
type Operator string

const (
	OpEqual              Operator = "=="
	OpNotEqual           Operator = "!="
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="
	OpGreaterThan        Operator = ">"
	OpGreaterThanOrEqual Operator = ">="
	OpArrayContains      Operator = "array-contains"
	OpArrayContainsAny   Operator = "array-contains-any"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not-in"
	// OpExists only tests presence. Pipelines use it to guard ordered fields.
	OpExists Operator = "exists"
	// OpAfter and OpBefore compare in the total value order, across value
	// classes: any number is after any boolean, any string after any number.
	// Cursor predicates use them so a bound keeps its place in a result
	// that mixes types.
	OpAfter  Operator = "after"
	OpBefore Operator = "before"
)

// CompositeOperator joins sub-filters.
type CompositeOperator string

const (
	CompositeAnd CompositeOperator = "and"
	CompositeOr  CompositeOperator = "or"
)

// maxDisjunctionValues bounds in, not-in and array-contains-any lists.
const maxDisjunctionValues = 30

// Filter is either a field filter (Field, Operator, Value) or a composite
// (Composite, Filters).
type Filter struct {
	Field     string            `json:"field,omitempty"`
	Operator  Operator          `json:"op,omitempty"`
	Value     Value             `json:"value"`
	Composite CompositeOperator `json:"composite,omitempty"`
	Filters   []Filter          `json:"filters,omitempty"`
}

// FieldFilter builds a single comparison.
func FieldFilter(field string, op Operator, v Value) Filter {
	return Filter{Field: field, Operator: op, Value: v}
}

// Exists builds a presence filter.
func Exists(field string) Filter {
	return Filter{Field: field, Operator: OpExists}
}

func And(filters ...Filter) Filter {
	return Filter{Composite: CompositeAnd, Filters: append([]Filter{}, filters...)}
}

func Or(filters ...Filter) Filter {
	return Filter{Composite: CompositeOr, Filters: append([]Filter{}, filters...)}
}

func (f Filter) IsComposite() bool { return f.Composite != "" }

// IsInequality reports operators that imply an ordering on the field.
func (op Operator) IsInequality() bool {
	switch op {
	case OpNotEqual, OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual, OpNotIn,
		OpAfter, OpBefore:
		return true
	}
	return false
}

func (op Operator) isOrdering() bool {
	switch op {
	case OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual:
		return true
	}
	return false
}

func (op Operator) valid() bool {
	switch op {
	case OpEqual, OpNotEqual, OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual,
		OpArrayContains, OpArrayContainsAny, OpIn, OpNotIn, OpExists, OpAfter, OpBefore:
		return true
	}
	return false
}

// fieldFilters flattens the tree into its leaves.
func (f Filter) fieldFilters() []Filter {
	if !f.IsComposite() {
		return []Filter{f}
	}
	var out []Filter
	for _, sub := range f.Filters {
		out = append(out, sub.fieldFilters()...)
	}
	return out
}

// inequalityFields returns the sorted, distinct fields carrying inequality operators.
func inequalityFields(filters []Filter) []string {
	seen := make(map[string]bool)
	for _, f := range filters {
		for _, leaf := range f.fieldFilters() {
			if leaf.Operator.IsInequality() && leaf.Field != DocumentIDField {
				seen[leaf.Field] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks a filter tree in isolation.
func (f Filter) Validate() error {
	if f.IsComposite() {
		if f.Composite != CompositeAnd && f.Composite != CompositeOr {
			return fmt.Errorf("unknown composite operator %q", f.Composite)
		}
		if len(f.Filters) == 0 {
			return fmt.Errorf("composite %s filter needs at least one sub-filter", f.Composite)
		}
		for _, sub := range f.Filters {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
		return nil
	}

	if err := ValidateFieldPath(f.Field); err != nil {
		return fmt.Errorf("filter field: %w", err)
	}
	if !f.Operator.valid() {
		return fmt.Errorf("unknown operator %q", f.Operator)
	}

	switch {
	case f.Operator.isOrdering() && (f.Value.IsNull() || f.Value.IsNaN()):
		return fmt.Errorf("operator %s does not accept %s", f.Operator, f.Value)
	case f.Operator == OpIn || f.Operator == OpNotIn || f.Operator == OpArrayContainsAny:
		if f.Value.Kind() != KindArray {
			return fmt.Errorf("operator %s requires an array value", f.Operator)
		}
		if n := f.Value.Len(); n == 0 || n > maxDisjunctionValues {
			return fmt.Errorf("operator %s requires 1 to %d values, got %d", f.Operator, maxDisjunctionValues, n)
		}
	}
	if f.Field == DocumentIDField && f.Operator != OpExists {
		if err := validateNameOperand(f); err != nil {
			return err
		}
	}
	return nil
}

func validateNameOperand(f Filter) error {
	switch f.Operator {
	case OpArrayContains, OpArrayContainsAny:
		return fmt.Errorf("operator %s is not valid on %s", f.Operator, DocumentIDField)
	case OpIn, OpNotIn:
		for _, e := range f.Value.arr {
			if e.Kind() != KindReference {
				return fmt.Errorf("%s values must be references, got %s", DocumentIDField, e.Kind())
			}
		}
		return nil
	}
	if f.Value.Kind() != KindReference {
		return fmt.Errorf("%s values must be references, got %s", DocumentIDField, f.Value.Kind())
	}
	return nil
}

func (f Filter) String() string {
	if !f.IsComposite() {
		if f.Operator == OpExists {
			return fmt.Sprintf("exists(%s)", f.Field)
		}
		return fmt.Sprintf("%s %s %s", f.Field, f.Operator, f.Value)
	}
	s := "("
	for i, sub := range f.Filters {
		if i > 0 {
			s += " " + string(f.Composite) + " "
		}
		s += sub.String()
	}
	return s + ")"
}
