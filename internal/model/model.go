// Package model describes the sources a session can query.
//
// A Model is loaded from a YAML file and is immutable once loaded: a refresh
// produces a new Model with a higher Version rather than mutating the old one,
// so a query that is still running against the previous Model keeps a
// consistent view of it.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Field types recognised by the enrichment and navigation helpers.
const (
	FieldTypeString    = "string"
	FieldTypeNumber    = "number"
	FieldTypeBoolean   = "boolean"
	FieldTypeDate      = "date"
	FieldTypeTimestamp = "timestamp"
)

// Model is a loaded model definition.
type Model struct {
	Name     string
	Path     string
	Version  int64
	LoadedAt time.Time
	Sources  []*Source
}

// Source is a queryable source backed by a single table.
type Source struct {
	Name        string  `koanf:"name" json:"name" yaml:"name"`
	Table       string  `koanf:"table" json:"table" yaml:"table"`
	Description string  `koanf:"description" json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []Field `koanf:"fields" json:"fields,omitempty" yaml:"fields,omitempty"`
	Views       []View  `koanf:"views" json:"views,omitempty" yaml:"views,omitempty"`
}

// Field is a column or a calculated measure of a source.
// A field with an Expression is an aggregate measure such as count(*).
type Field struct {
	Name        string `koanf:"name" json:"name" yaml:"name"`
	Type        string `koanf:"type" json:"type,omitempty" yaml:"type,omitempty"`
	Expression  string `koanf:"expression" json:"expression,omitempty" yaml:"expression,omitempty"`
	Description string `koanf:"description" json:"description,omitempty" yaml:"description,omitempty"`
	Hidden      bool   `koanf:"hidden" json:"hidden,omitempty" yaml:"hidden,omitempty"`
}

// View is a named query defined on a source.
type View struct {
	Name        string `koanf:"name" json:"name" yaml:"name"`
	Query       string `koanf:"query" json:"query" yaml:"query"`
	Description string `koanf:"description" json:"description,omitempty" yaml:"description,omitempty"`
}

// IsAggregate reports whether the field is a calculated measure.
func (f Field) IsAggregate() bool {
	return f.Expression != ""
}

// Source returns the source with the given name.
func (m *Model) Source(name string) (*Source, bool) {
	if m == nil {
		return nil, false
	}
	for _, s := range m.Sources {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return nil, false
}

// SourceForTable returns the first source backed by table.
func (m *Model) SourceForTable(table string) (*Source, bool) {
	if m == nil {
		return nil, false
	}
	for _, s := range m.Sources {
		if strings.EqualFold(s.Table, table) {
			return s, true
		}
	}
	return nil, false
}

// Tables returns the distinct backing tables of all sources, sorted.
func (m *Model) Tables() []string {
	seen := make(map[string]struct{})
	for _, s := range m.Sources {
		seen[strings.ToLower(s.Table)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Field returns the named field of the source.
func (s *Source) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// View returns the named view of the source.
func (s *Source) View(name string) (View, bool) {
	for _, v := range s.Views {
		if strings.EqualFold(v.Name, name) {
			return v, true
		}
	}
	return View{}, false
}

// StringFields returns the visible, non-aggregate string fields.
func (s *Source) StringFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Hidden || f.IsAggregate() {
			continue
		}
		if f.Type == FieldTypeString {
			out = append(out, f.Name)
		}
	}
	return out
}

// FieldQuery returns the query shown when a field is picked from the schema:
// measures are aggregated over the whole source, dimensions are selected.
func (m *Model) FieldQuery(source, field string) (string, error) {
	src, ok := m.Source(source)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	f, ok := src.Field(field)
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownField, source, field)
	}
	if f.IsAggregate() {
		return fmt.Sprintf("SELECT %s AS %s FROM %s", f.Expression, QuoteIdent(f.Name), QuoteIdent(src.Table)), nil
	}
	return fmt.Sprintf("SELECT %s FROM %s", QuoteIdent(f.Name), QuoteIdent(src.Table)), nil
}

// ViewQuery returns the query text of a named view.
func (m *Model) ViewQuery(source, view string) (string, error) {
	src, ok := m.Source(source)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	v, ok := src.View(view)
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", ErrUnknownView, source, view)
	}
	return v.Query, nil
}

// QuoteIdent quotes an identifier when it is not a plain lower-case name.
func QuoteIdent(name string) string {
	plain := name != ""
	for i, r := range name {
		isLower := r >= 'a' && r <= 'z'
		isDigit := r >= '0' && r <= '9'
		if !(isLower || r == '_' || (isDigit && i > 0)) {
			plain = false
			break
		}
	}
	if plain {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
