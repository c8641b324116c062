package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapexplore/internal/model"
	"github.com/leapstack-labs/leapexplore/internal/sqltables"
)

// Compiler turns query text into a State against a model.
// Implementations must not retain or mutate the model.
type Compiler interface {
	CompileQuery(ctx context.Context, m *model.Model, text string) (State, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(ctx context.Context, m *model.Model, text string) (State, error)

// CompileQuery calls f.
func (f CompilerFunc) CompileQuery(ctx context.Context, m *model.Model, text string) (State, error) {
	return f(ctx, m, text)
}

// Compile failures.
var (
	ErrEmptyQuery         = errors.New("query is empty")
	ErrMultipleStatements = errors.New("only one statement can be run at a time")
	ErrNotAQuery          = errors.New("statement does not return rows")
	ErrUnknownTable       = errors.New("table is not part of the model")
)

// CompileError wraps a compile failure with the offending text.
type CompileError struct {
	Query string
	Err   error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed: %v", e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// readLeaders are the leading keywords of statements that return rows.
var readLeaders = map[string]bool{
	"select":    true,
	"with":      true,
	"from":      true,
	"values":    true,
	"pivot":     true,
	"unpivot":   true,
	"describe":  true,
	"summarize": true,
	"show":      true,
	"table":     true,
}

// SQLCompiler compiles DuckDB SQL into structured states. It checks the
// statement shape lexically; the engine remains the authority on validity.
type SQLCompiler struct {
	// Strict rejects queries that read tables the model does not declare.
	Strict bool
}

// NewSQLCompiler creates a compiler.
func NewSQLCompiler(strict bool) *SQLCompiler {
	return &SQLCompiler{Strict: strict}
}

// CompileQuery implements Compiler.
func (c *SQLCompiler) CompileQuery(ctx context.Context, m *model.Model, text string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	canonical := sqltables.Normalize(text)
	if canonical == "" {
		return State{}, &CompileError{Query: text, Err: ErrEmptyQuery}
	}

	a, err := sqltables.Analyze(canonical)
	if err != nil {
		return State{}, &CompileError{Query: text, Err: err}
	}
	if a.Statements > 1 {
		return State{}, &CompileError{Query: text, Err: ErrMultipleStatements}
	}
	if leader := firstWord(canonical); !readLeaders[leader] && !strings.HasPrefix(canonical, "(") {
		return State{}, &CompileError{Query: text, Err: fmt.Errorf("%w: %s", ErrNotAQuery, strings.ToUpper(leader))}
	}

	turtle := &Turtle{
		SQL:    canonical,
		Tables: a.Tables,
		Limit:  a.Limit,
	}
	for _, table := range a.Tables {
		src, ok := m.SourceForTable(table)
		if !ok {
			if c.Strict {
				return State{}, &CompileError{Query: text, Err: fmt.Errorf("%w: %s", ErrUnknownTable, table)}
			}
			continue
		}
		if turtle.Source == "" {
			turtle.Source = src.Name
		}
	}

	return Structured(turtle), nil
}

func firstWord(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end < 0 {
		end = len(s)
	}
	return strings.ToLower(s[:end])
}
