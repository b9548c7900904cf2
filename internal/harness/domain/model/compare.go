package model

import (
	"bytes"
	"math"
	"strings"
)

// TypeOrder is the position of a value's class in the cross-type ordering.
func (v Value) TypeOrder() int {
	switch v.kind {
	case KindNull:
		return 0
	case KindBoolean:
		return 1
	case KindInteger, KindDouble:
		return 2
	case KindTimestamp:
		return 3
	case KindString:
		return 4
	case KindBytes:
		return 5
	case KindReference:
		return 6
	case KindGeoPoint:
		return 7
	case KindArray:
		return 8
	case KindVector:
		return 9
	default:
		return 10
	}
}

// SameClass reports whether a and b are comparable without crossing classes.
func SameClass(a, b Value) bool { return a.TypeOrder() == b.TypeOrder() }

// Compare orders two values: negative when a sorts first, zero when equal.
func Compare(a, b Value) int {
	if oa, ob := a.TypeOrder(), b.TypeOrder(); oa != ob {
		return cmpInt(oa, ob)
	}

	switch a.kind {
	case KindNull:
		return 0
	case KindBoolean:
		return cmpBool(a.b, b.b)
	case KindInteger, KindDouble:
		return compareNumbers(a, b)
	case KindTimestamp:
		return a.t.Compare(b.t)
	case KindString:
		return strings.Compare(a.s, b.s)
	case KindBytes:
		return bytes.Compare(a.raw, b.raw)
	case KindReference:
		return compareReferences(a.s, b.s)
	case KindGeoPoint:
		if c := cmpFloat(a.geo.Latitude, b.geo.Latitude); c != 0 {
			return c
		}
		return cmpFloat(a.geo.Longitude, b.geo.Longitude)
	case KindArray:
		for i := 0; i < len(a.arr) && i < len(b.arr); i++ {
			if c := Compare(a.arr[i], b.arr[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(a.arr), len(b.arr))
	case KindVector:
		if c := cmpInt(len(a.vec), len(b.vec)); c != 0 {
			return c
		}
		for i := range a.vec {
			if c := cmpFloat(a.vec[i], b.vec[i]); c != 0 {
				return c
			}
		}
		return 0
	default:
		ak, bk := a.SortedKeys(), b.SortedKeys()
		for i := 0; i < len(ak) && i < len(bk); i++ {
			if c := strings.Compare(ak[i], bk[i]); c != 0 {
				return c
			}
			if c := Compare(a.m[ak[i]], b.m[bk[i]]); c != 0 {
				return c
			}
		}
		return cmpInt(len(ak), len(bk))
	}
}

// Equal is Compare(a, b) == 0, so Int(1) equals Double(1).
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// FieldsEqual compares two field maps entry by entry.
func FieldsEqual(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}

func compareNumbers(a, b Value) int {
	if a.kind == KindInteger && b.kind == KindInteger {
		return cmpInt64(a.i, b.i)
	}
	return cmpFloat(a.DoubleValue(), b.DoubleValue())
}

// cmpFloat places NaN before every other number and treats NaN as equal to itself.
func cmpFloat(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareReferences(a, b string) int {
	as, bs := strings.Split(a, "/"), strings.Split(b, "/")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(as), len(bs))
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

func cmpInt(a, b int) int { return cmpInt64(int64(a), int64(b)) }

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
