// Package soql builds the selectors used by pull ingestion to poll the
// remote CRM for changed records.
//
// A selector is a small structured query (object, fields, predicate,
// order, limit). The REST client renders it to SOQL text with Compile; the
// in-memory client evaluates it directly with Match.
package soql

import "time"

// Predicate is a filter condition. Sealed to this package.
//
// Predicate types:
//   - Compare: field <op> literal
//   - And: all predicates must hold
//   - Raw: SOQL text passed through verbatim
type Predicate interface {
	predicateNode()
}

// Operator is a comparison operator.
type Operator string

const (
	OpEq  Operator = "="
	OpNe  Operator = "!="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpLt  Operator = "<"
	OpLte Operator = "<="
)

// Compare compares a field against a literal.
// Value may be a string, bool, int, int64, float64, time.Time or nil.
type Compare struct {
	Field string
	Op    Operator
	Value any
}

func (Compare) predicateNode() {}

// And is a conjunction. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Raw is a SOQL condition supplied by configuration.
// The in-memory client cannot evaluate it and treats it as true.
type Raw struct {
	Text string
}

func (Raw) predicateNode() {}

// Order is one ORDER BY term.
type Order struct {
	Field string
	Desc  bool
}

// Select is a selector over one remote object type.
type Select struct {
	From    string
	Fields  []string
	Filter  Predicate
	OrderBy []Order
	Limit   int
}

// NewSelect starts a selector over objectType.
func NewSelect(objectType string) *Select {
	return &Select{From: objectType}
}

// AddField adds field unless already present.
func (s *Select) AddField(field string) *Select {
	for _, f := range s.Fields {
		if f == field {
			return s
		}
	}
	s.Fields = append(s.Fields, field)
	return s
}

// Where appends p to the selector's conjunction.
func (s *Select) Where(p Predicate) *Select {
	switch cur := s.Filter.(type) {
	case nil:
		s.Filter = p
	case And:
		s.Filter = And{Predicates: append(append([]Predicate{}, cur.Predicates...), p)}
	default:
		s.Filter = And{Predicates: []Predicate{cur, p}}
	}
	return s
}

// ChangedSince restricts the selector to records whose field is after t.
func (s *Select) ChangedSince(field string, t time.Time) *Select {
	return s.Where(Compare{Field: field, Op: OpGt, Value: t})
}

// Order appends an ORDER BY term.
func (s *Select) Order(field string, desc bool) *Select {
	s.OrderBy = append(s.OrderBy, Order{Field: field, Desc: desc})
	return s
}
