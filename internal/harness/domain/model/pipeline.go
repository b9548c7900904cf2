package model

import (
	"fmt"
	"strings"

	"firestore-harness/internal/shared/errors"
)

// StageKind names a pipeline stage.
type StageKind string

const (
	StageWhere       StageKind = "where"
	StageSort        StageKind = "sort"
	StageOffset      StageKind = "offset"
	StageLimit       StageKind = "limit"
	StageSelect      StageKind = "select"
	StageFindNearest StageKind = "findNearest"
)

// Stage is one step of a pipeline. Only the fields relevant to Kind are set.
type Stage struct {
	Kind    StageKind    `json:"kind"`
	Filter  *Filter      `json:"filter,omitempty"`
	Orders  []Order      `json:"orders,omitempty"`
	Count   int          `json:"count,omitempty"`
	Fields  []string     `json:"fields,omitempty"`
	Nearest *VectorQuery `json:"nearest,omitempty"`
}

// Pipeline is a declarative, stage-by-stage read over one collection.
type Pipeline struct {
	Collection string  `json:"collection"`
	Stages     []Stage `json:"stages"`
}

func NewPipeline(collection string) Pipeline {
	return Pipeline{Collection: strings.Trim(collection, "/")}
}

func (p Pipeline) with(s Stage) Pipeline {
	p.Stages = append(append([]Stage(nil), p.Stages...), s)
	return p
}

func (p Pipeline) Where(f Filter) Pipeline {
	return p.with(Stage{Kind: StageWhere, Filter: &f})
}

func (p Pipeline) Sort(orders ...Order) Pipeline {
	return p.with(Stage{Kind: StageSort, Orders: append([]Order(nil), orders...)})
}

func (p Pipeline) Offset(n int) Pipeline { return p.with(Stage{Kind: StageOffset, Count: n}) }
func (p Pipeline) Limit(n int) Pipeline  { return p.with(Stage{Kind: StageLimit, Count: n}) }

func (p Pipeline) Select(fields ...string) Pipeline {
	return p.with(Stage{Kind: StageSelect, Fields: append([]string{}, fields...)})
}

func (p Pipeline) FindNearest(vq VectorQuery) Pipeline {
	return p.with(Stage{Kind: StageFindNearest, Nearest: &vq})
}

// Validate checks every stage.
func (p Pipeline) Validate() error {
	if p.Collection == "" {
		return errors.NewValidationError("pipeline has no collection")
	}
	for i, s := range p.Stages {
		if err := s.validate(); err != nil {
			return errors.NewValidationError(fmt.Sprintf("stage %d (%s): %v", i, s.Kind, err))
		}
	}
	return nil
}

func (s Stage) validate() error {
	switch s.Kind {
	case StageWhere:
		if s.Filter == nil {
			return fmt.Errorf("missing filter")
		}
		return s.Filter.Validate()
	case StageSort:
		if len(s.Orders) == 0 {
			return fmt.Errorf("sort needs at least one order")
		}
		for _, o := range s.Orders {
			if err := ValidateFieldPath(o.Field); err != nil {
				return err
			}
		}
	case StageOffset, StageLimit:
		if s.Count < 0 {
			return fmt.Errorf("count must not be negative")
		}
	case StageSelect:
		for _, f := range s.Fields {
			if err := ValidateFieldPath(f); err != nil {
				return err
			}
		}
	case StageFindNearest:
		if s.Nearest == nil {
			return fmt.Errorf("missing vector query")
		}
		return s.Nearest.Validate()
	default:
		return fmt.Errorf("unknown stage")
	}
	return nil
}

// PipelineFromQuery writes q as the equivalent pipeline. Cursors become
// predicates, ordered fields gain existence guards, and limitToLast becomes
// a reversed sort and limit followed by a re-sort.
func PipelineFromQuery(q Query) (Pipeline, error) {
	if err := q.Err(); err != nil {
		return Pipeline{}, err
	}
	p := NewPipeline(q.collection)

	var preds []Filter
	preds = append(preds, q.filters...)
	for _, o := range q.orders {
		if o.Field != DocumentIDField {
			preds = append(preds, Exists(o.Field))
		}
	}
	orders := q.NormalizedOrders()
	if f, ok := CursorFilter(orders, q.start, true); ok {
		preds = append(preds, f)
	}
	if f, ok := CursorFilter(orders, q.end, false); ok {
		preds = append(preds, f)
	}
	if len(preds) > 0 {
		p = p.Where(and(preds))
	}

	if q.nearest != nil {
		p = p.FindNearest(*q.nearest)
	} else if q.limitToLast {
		p = p.Sort(reverse(orders)...)
		if q.offset > 0 {
			p = p.Offset(q.offset)
		}
		p = p.Limit(q.limit).Sort(orders...)
	} else {
		p = p.Sort(orders...)
		if q.offset > 0 {
			p = p.Offset(q.offset)
		}
		if q.limit > 0 {
			p = p.Limit(q.limit)
		}
	}

	if q.hasProjection {
		p = p.Select(q.projection...)
	}
	return p, nil
}

func reverse(orders []Order) []Order {
	out := make([]Order, len(orders))
	for i, o := range orders {
		if o.Direction == Desc {
			o.Direction = Asc
		} else {
			o.Direction = Desc
		}
		out[i] = o
	}
	return out
}
