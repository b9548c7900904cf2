package model

import (
	"fmt"
	"math"
)

// DistanceMeasure selects how FindNearest scores candidates.
type DistanceMeasure string

const (
	DistanceEuclidean  DistanceMeasure = "euclidean"
	DistanceCosine     DistanceMeasure = "cosine"
	DistanceDotProduct DistanceMeasure = "dot_product"
)

// maxVectorLimit caps FindNearest results.
const maxVectorLimit = 1000

// VectorQuery is a nearest-neighbour search over a vector field.
type VectorQuery struct {
	Field               string          `json:"field"`
	Vector              []float64       `json:"vector"`
	Limit               int             `json:"limit"`
	Measure             DistanceMeasure `json:"measure"`
	DistanceResultField string          `json:"distanceResultField,omitempty"`
	DistanceThreshold   *float64        `json:"distanceThreshold,omitempty"`
}

func (vq VectorQuery) Validate() error {
	if err := ValidateFieldPath(vq.Field); err != nil {
		return fmt.Errorf("findNearest field: %w", err)
	}
	if len(vq.Vector) == 0 {
		return fmt.Errorf("findNearest query vector cannot be empty")
	}
	if vq.Limit <= 0 || vq.Limit > maxVectorLimit {
		return fmt.Errorf("findNearest limit must be in 1..%d, got %d", maxVectorLimit, vq.Limit)
	}
	switch vq.Measure {
	case DistanceEuclidean, DistanceCosine, DistanceDotProduct:
	default:
		return fmt.Errorf("unknown distance measure %q", vq.Measure)
	}
	if vq.DistanceResultField != "" {
		if err := ValidateFieldPath(vq.DistanceResultField); err != nil {
			return fmt.Errorf("findNearest result field: %w", err)
		}
	}
	return nil
}

// Distance scores a against b. Vectors must have the same length.
func Distance(measure DistanceMeasure, a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d vs %d", len(a), len(b))
	}
	switch measure {
	case DistanceEuclidean:
		var sum float64
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return math.Sqrt(sum), nil
	case DistanceDotProduct:
		return dot(a, b), nil
	case DistanceCosine:
		na, nb := math.Sqrt(dot(a, a)), math.Sqrt(dot(b, b))
		if na == 0 || nb == 0 {
			return 0, fmt.Errorf("cosine distance undefined for zero vector")
		}
		return 1 - dot(a, b)/(na*nb), nil
	}
	return 0, fmt.Errorf("unknown distance measure %q", measure)
}

// Closer reports whether distance x ranks ahead of y. Dot product ranks larger first.
func (m DistanceMeasure) Closer(x, y float64) bool {
	if m == DistanceDotProduct {
		return x > y
	}
	return x < y
}

// WithinThreshold applies the optional distance threshold.
func (vq VectorQuery) WithinThreshold(d float64) bool {
	if vq.DistanceThreshold == nil {
		return true
	}
	if vq.Measure == DistanceDotProduct {
		return d >= *vq.DistanceThreshold
	}
	return d <= *vq.DistanceThreshold
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
