// Package query defines the navigable query state and the compiler seam
// used to turn raw query text into its structured form.
package query

import (
	"github.com/leapstack-labs/leapexplore/internal/sqltables"
)

// Kind discriminates the variants of State.
type Kind int

const (
	// KindEmpty means no query is selected.
	KindEmpty Kind = iota
	// KindRaw is query text that has not been compiled.
	KindRaw
	// KindStructured is a compiled query.
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindStructured:
		return "structured"
	default:
		return "empty"
	}
}

// Turtle is the compiled, structured form of a query.
type Turtle struct {
	// Name is the query name carried from a named view, if any.
	Name string `json:"name,omitempty"`
	// Source is the model source the query reads, if it reads one.
	Source string `json:"source,omitempty"`
	// SQL is the canonical query text.
	SQL string `json:"sql"`
	// Tables are the base tables the query reads.
	Tables []string `json:"tables"`
	// Limit is the query's own top-level LIMIT, 0 when unbounded.
	Limit int `json:"limit,omitempty"`
}

// State is an immutable query state: empty, raw text, or structured.
// The zero value is the empty state.
type State struct {
	kind   Kind
	text   string
	turtle *Turtle
}

// Empty returns the state with no query selected.
func Empty() State {
	return State{}
}

// RawText returns an uncompiled query state. Blank text is the empty state.
func RawText(text string) State {
	if sqltables.Normalize(text) == "" {
		return State{}
	}
	return State{kind: KindRaw, text: text}
}

// Structured returns a compiled query state.
func Structured(t *Turtle) State {
	if t == nil {
		return State{}
	}
	cp := *t
	cp.Tables = append([]string(nil), t.Tables...)
	return State{kind: KindStructured, text: t.SQL, turtle: &cp}
}

// Kind returns the variant of the state.
func (s State) Kind() Kind { return s.kind }

// IsEmpty reports whether no query is selected.
func (s State) IsEmpty() bool { return s.kind == KindEmpty }

// Text returns the query text as written (raw) or compiled (structured).
func (s State) Text() string { return s.text }

// Canonical returns the text used for equality and for the external location.
func (s State) Canonical() string {
	return sqltables.Normalize(s.text)
}

// Turtle returns a copy of the structured form, if the state has one.
func (s State) Turtle() (*Turtle, bool) {
	if s.turtle == nil {
		return nil, false
	}
	cp := *s.turtle
	cp.Tables = append([]string(nil), s.turtle.Tables...)
	return &cp, true
}

// Name returns the query name, or "" for unnamed and raw queries.
func (s State) Name() string {
	if s.turtle == nil {
		return ""
	}
	return s.turtle.Name
}

// WithName returns a copy of a structured state carrying name.
// Non-structured states are returned unchanged.
func (s State) WithName(name string) State {
	t, ok := s.Turtle()
	if !ok {
		return s
	}
	t.Name = name
	return Structured(t)
}

// Equal reports whether two states select the same query.
func (s State) Equal(o State) bool {
	if s.IsEmpty() || o.IsEmpty() {
		return s.IsEmpty() == o.IsEmpty()
	}
	return s.Canonical() == o.Canonical()
}

func (s State) String() string {
	if s.IsEmpty() {
		return "<empty>"
	}
	return s.kind.String() + ":" + s.Canonical()
}
