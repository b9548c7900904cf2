package model

import "encoding/json"

// StructuredQuery is the transport form of a Query.
type StructuredQuery struct {
	Collection  string       `json:"collection"`
	Where       []Filter     `json:"where,omitempty"`
	OrderBy     []Order      `json:"orderBy,omitempty"`
	Limit       int          `json:"limit,omitempty"`
	LimitToLast bool         `json:"limitToLast,omitempty"`
	Offset      int          `json:"offset,omitempty"`
	StartAt     *Bound       `json:"startAt,omitempty"`
	EndAt       *Bound       `json:"endAt,omitempty"`
	Select      []string     `json:"select,omitempty"`
	NamesOnly   bool         `json:"namesOnly,omitempty"`
	FindNearest *VectorQuery `json:"findNearest,omitempty"`
}

// Structured returns the transport form of q.
func (q Query) Structured() StructuredQuery {
	return StructuredQuery{
		Collection:  q.collection,
		Where:       q.Filters(),
		OrderBy:     q.Orders(),
		Limit:       q.limit,
		LimitToLast: q.limitToLast,
		Offset:      q.offset,
		StartAt:     q.start,
		EndAt:       q.end,
		Select:      append([]string(nil), q.projection...),
		NamesOnly:   q.hasProjection && len(q.projection) == 0,
		FindNearest: q.nearest,
	}
}

// Query rebuilds the query. Validation happens in Query.Err.
func (s StructuredQuery) Query() Query {
	q := Query{
		collection:    s.Collection,
		filters:       append([]Filter(nil), s.Where...),
		orders:        append([]Order(nil), s.OrderBy...),
		limit:         s.Limit,
		limitToLast:   s.LimitToLast,
		offset:        s.Offset,
		start:         s.StartAt,
		end:           s.EndAt,
		projection:    append([]string(nil), s.Select...),
		hasProjection: len(s.Select) > 0 || s.NamesOnly,
		nearest:       s.FindNearest,
	}
	return q
}

func (q Query) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.Structured())
}

func (q *Query) UnmarshalJSON(data []byte) error {
	var s StructuredQuery
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*q = s.Query()
	return nil
}
