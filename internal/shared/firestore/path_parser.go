package firestore

import (
	"regexp"
	"strings"

	"firestore-harness/internal/shared/errors"
)

const maxSegmentBytes = 1500

var reservedIDRegex = regexp.MustCompile(`^__.*__$`)

// Segments splits a slash separated path, dropping empty segments.
func Segments(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateID applies the document and collection ID rules.
func validateID(id string) error {
	switch {
	case id == "":
		return errors.NewValidationError("id cannot be empty")
	case id == "." || id == "..":
		return errors.NewValidationError("id cannot be '.' or '..'").WithDetail("id", id)
	case len(id) > maxSegmentBytes:
		return errors.NewValidationError("id exceeds 1500 bytes").WithDetail("id", id)
	case strings.Contains(id, "/"):
		return errors.NewValidationError("id cannot contain '/'").WithDetail("id", id)
	case reservedIDRegex.MatchString(id):
		return errors.NewValidationError("id matches reserved pattern __.*__").WithDetail("id", id)
	}
	return nil
}

func validate(path string, wantEven bool, kind string) ([]string, error) {
	segs := Segments(path)
	if len(segs) == 0 {
		return nil, errors.NewValidationError(kind + " path cannot be empty")
	}
	if (len(segs)%2 == 0) != wantEven {
		return nil, errors.NewValidationError("invalid "+kind+" path: wrong number of segments").
			WithDetail("path", path)
	}
	for i, s := range segs {
		if err := validateID(s); err != nil {
			return nil, errors.NewValidationError("invalid segment in "+kind+" path").
				WithDetail("segment", s).
				WithDetail("position", i).
				WithCause(err)
		}
	}
	return segs, nil
}

// ValidateDocumentPath requires an even, non-zero number of valid segments.
func ValidateDocumentPath(path string) error {
	_, err := validate(path, true, "document")
	return err
}

// ValidateCollectionPath requires an odd number of valid segments.
func ValidateCollectionPath(path string) error {
	_, err := validate(path, false, "collection")
	return err
}

// SplitDocumentPath returns the parent collection path and the document ID.
func SplitDocumentPath(path string) (collection, id string, err error) {
	segs, err := validate(path, true, "document")
	if err != nil {
		return "", "", err
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

// JoinPath joins non-empty segments with '/'.
func JoinPath(segments ...string) string {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		if s = strings.Trim(s, "/"); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}
