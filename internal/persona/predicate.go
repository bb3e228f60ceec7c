package persona

import (
	"strings"
	"time"
)

type Op int

const (
	// OpIn matches when the field equals one of Values.
	OpIn Op = iota
	// OpContainsFold matches when the field contains any of Values, ignoring case.
	OpContainsFold
	// OpDateBetween matches birth dates within [From, To], compared by calendar day.
	OpDateBetween
)

type Clause struct {
	Field  Field
	Op     Op
	Values []string
	From   time.Time
	To     time.Time
}

// Predicate is a conjunction of clauses over personas. The zero value matches everything.
// Predicates are values: And never mutates the receiver.
type Predicate struct {
	clauses []Clause
}

func NewPredicate(clauses ...Clause) Predicate {
	return Predicate{}.And(clauses...)
}

// BasePredicate scopes to a population tag. An empty tag matches every persona.
func BasePredicate(populationTag string) Predicate {
	tag := strings.TrimSpace(populationTag)
	if tag == "" {
		return Predicate{}
	}
	return NewPredicate(Clause{Field: FieldTags, Op: OpContainsFold, Values: []string{tag}})
}

func (p Predicate) And(clauses ...Clause) Predicate {
	if len(clauses) == 0 {
		return p
	}
	next := make([]Clause, 0, len(p.clauses)+len(clauses))
	next = append(next, p.clauses...)
	for _, c := range clauses {
		c.Values = append([]string(nil), c.Values...)
		next = append(next, c)
	}
	return Predicate{clauses: next}
}

func (p Predicate) Clauses() []Clause {
	out := make([]Clause, len(p.clauses))
	copy(out, p.clauses)
	return out
}

func (p Predicate) IsEmpty() bool {
	return len(p.clauses) == 0
}

func (p Predicate) Match(x Persona) bool {
	for _, c := range p.clauses {
		if !c.match(x) {
			return false
		}
	}
	return true
}

func (c Clause) match(x Persona) bool {
	switch c.Op {
	case OpIn:
		v := x.Attribute(c.Field)
		for _, want := range c.Values {
			if v == want {
				return true
			}
		}
		return false
	case OpContainsFold:
		v := strings.ToLower(x.Attribute(c.Field))
		for _, want := range c.Values {
			if strings.Contains(v, strings.ToLower(want)) {
				return true
			}
		}
		return false
	case OpDateBetween:
		d := dateOnly(x.BirthDate)
		return !d.Before(dateOnly(c.From)) && !d.After(dateOnly(c.To))
	}
	return false
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
