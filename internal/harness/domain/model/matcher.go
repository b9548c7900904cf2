package model

// Matches evaluates the filter against doc with client SDK semantics.
func (f Filter) Matches(doc *Document) bool {
	if f.IsComposite() {
		if f.Composite == CompositeOr {
			for _, sub := range f.Filters {
				if sub.Matches(doc) {
					return true
				}
			}
			return false
		}
		for _, sub := range f.Filters {
			if !sub.Matches(doc) {
				return false
			}
		}
		return true
	}

	v, ok := doc.Get(f.Field)
	if !ok {
		return false
	}

	switch f.Operator {
	case OpExists:
		return true
	case OpEqual:
		return SameClass(v, f.Value) && Equal(v, f.Value)
	case OpNotEqual:
		return !v.IsNull() && !Equal(v, f.Value)
	case OpLessThan:
		return SameClass(v, f.Value) && Compare(v, f.Value) < 0
	case OpLessThanOrEqual:
		return SameClass(v, f.Value) && Compare(v, f.Value) <= 0
	case OpGreaterThan:
		return SameClass(v, f.Value) && Compare(v, f.Value) > 0
	case OpGreaterThanOrEqual:
		return SameClass(v, f.Value) && Compare(v, f.Value) >= 0
	case OpAfter:
		return Compare(v, f.Value) > 0
	case OpBefore:
		return Compare(v, f.Value) < 0
	case OpIn:
		return containsValue(f.Value.arr, v)
	case OpNotIn:
		if containsValue(f.Value.arr, Null()) {
			return false
		}
		return !v.IsNull() && !containsValue(f.Value.arr, v)
	case OpArrayContains:
		return v.Kind() == KindArray && containsValue(v.arr, f.Value)
	case OpArrayContainsAny:
		if v.Kind() != KindArray {
			return false
		}
		for _, want := range f.Value.arr {
			if containsValue(v.arr, want) {
				return true
			}
		}
		return false
	}
	return false
}

func containsValue(list []Value, v Value) bool {
	for _, e := range list {
		if Equal(e, v) {
			return true
		}
	}
	return false
}
