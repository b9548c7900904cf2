package model

// CursorFilter expresses a bound as a predicate over the normalized orders:
// a lexicographic comparison written as OR over positions i of
// (orders[0..i) equal AND orders[i] strictly past), plus the all-equal
// term when the bound is inclusive. start selects which side is kept.
// "Strictly past" is OpAfter or OpBefore, so a value of a later class is
// past any value of an earlier one and null bounds need no special case.
func CursorFilter(orders []Order, b *Bound, start bool) (Filter, bool) {
	if b == nil || len(b.Values) == 0 {
		return Filter{}, false
	}
	n := len(b.Values)
	if n > len(orders) {
		n = len(orders)
	}

	var terms []Filter
	for i := 0; i < n; i++ {
		conj := make([]Filter, 0, i+1)
		for j := 0; j < i; j++ {
			conj = append(conj, FieldFilter(orders[j].Field, OpEqual, b.Values[j]))
		}
		conj = append(conj, FieldFilter(orders[i].Field, pastOperator(orders[i].Direction, start), b.Values[i]))
		terms = append(terms, and(conj))
	}
	if b.Inclusive {
		conj := make([]Filter, 0, n)
		for j := 0; j < n; j++ {
			conj = append(conj, FieldFilter(orders[j].Field, OpEqual, b.Values[j]))
		}
		terms = append(terms, and(conj))
	}
	if len(terms) == 1 {
		return terms[0], true
	}
	return Or(terms...), true
}

// pastOperator is the strict comparison that moves away from the bound in
// result order: forward of a start bound, backward of an end bound.
func pastOperator(dir Direction, start bool) Operator {
	if (dir == Desc) == start {
		return OpBefore
	}
	return OpAfter
}

func and(fs []Filter) Filter {
	if len(fs) == 1 {
		return fs[0]
	}
	return And(fs...)
}
