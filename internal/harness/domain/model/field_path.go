package model

import (
	"errors"
	"fmt"
	"strings"
)

// DocumentIDField orders and filters on the document name.
const DocumentIDField = "__name__"

const maxFieldPathDepth = 20

var (
	ErrEmptyFieldPath         = errors.New("field path cannot be empty")
	ErrInvalidFieldPathFormat = errors.New("invalid field path format")
	ErrFieldPathTooDeep       = errors.New("field path exceeds maximum depth")
)

// SplitFieldPath parses a dotted path such as "customer.address.city".
func SplitFieldPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrEmptyFieldPath
	}
	if path == DocumentIDField {
		return []string{path}, nil
	}
	segs := strings.Split(path, ".")
	if len(segs) > maxFieldPathDepth {
		return nil, fmt.Errorf("%w: %d segments", ErrFieldPathTooDeep, len(segs))
	}
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, "[]*`/") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFieldPathFormat, path)
		}
	}
	return segs, nil
}

// ValidateFieldPath checks a dotted path without returning its segments.
func ValidateFieldPath(path string) error {
	_, err := SplitFieldPath(path)
	return err
}

// lookup walks nested maps along segs.
func lookup(fields map[string]Value, segs []string) (Value, bool) {
	cur, ok := fields[segs[0]]
	if !ok {
		return Value{}, false
	}
	for _, s := range segs[1:] {
		if cur, ok = cur.Field(s); !ok {
			return Value{}, false
		}
	}
	return cur, true
}

// SetPath returns a copy of fields with path set to v, creating intermediate maps.
func SetPath(fields map[string]Value, path string, v Value) (map[string]Value, error) {
	segs, err := SplitFieldPath(path)
	if err != nil {
		return nil, err
	}
	return setSegments(fields, segs, v), nil
}

func setSegments(fields map[string]Value, segs []string, v Value) map[string]Value {
	out := make(map[string]Value, len(fields)+1)
	for k, e := range fields {
		out[k] = e
	}
	if len(segs) == 1 {
		out[segs[0]] = v
		return out
	}
	var child map[string]Value
	if cur, ok := out[segs[0]]; ok && cur.kind == KindMap {
		child = cur.m
	}
	out[segs[0]] = Value{kind: KindMap, m: setSegments(child, segs[1:], v)}
	return out
}

// DeletePath returns a copy of fields without path. Missing paths are ignored.
func DeletePath(fields map[string]Value, path string) (map[string]Value, error) {
	segs, err := SplitFieldPath(path)
	if err != nil {
		return nil, err
	}
	return deleteSegments(fields, segs), nil
}

func deleteSegments(fields map[string]Value, segs []string) map[string]Value {
	out := make(map[string]Value, len(fields))
	for k, e := range fields {
		out[k] = e
	}
	if len(segs) == 1 {
		delete(out, segs[0])
		return out
	}
	if cur, ok := out[segs[0]]; ok && cur.kind == KindMap {
		out[segs[0]] = Value{kind: KindMap, m: deleteSegments(cur.m, segs[1:])}
	}
	return out
}
