// Package executor runs a query end to end: materialize the tables it reads,
// compile it, and execute it on the engine with a bounded row count.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/leapexplore/internal/engine"
	"github.com/leapstack-labs/leapexplore/internal/model"
	"github.com/leapstack-labs/leapexplore/internal/query"
)

// DefaultRowLimit bounds queries that carry no limit of their own.
const DefaultRowLimit = 1000

// Kind classifies an execution failure.
type Kind int

const (
	// CompileFailed means the query text was rejected before execution.
	CompileFailed Kind = iota + 1
	// RuntimeFailed means the engine failed while running the query.
	RuntimeFailed
)

func (k Kind) String() string {
	switch k {
	case CompileFailed:
		return "compile_failed"
	case RuntimeFailed:
		return "runtime_failed"
	default:
		return "unknown"
	}
}

// ExecutionError reports a query that could not be compiled or run.
type ExecutionError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Materializer makes the tables of a query available to the engine.
type Materializer interface {
	EnsureMaterialized(ctx context.Context, queryText string) error
}

// Engine runs SQL and returns a bounded result.
type Engine interface {
	Query(ctx context.Context, sqlStr string, maxRows int) (*engine.Result, error)
}

// Config configures an Executor.
type Config struct {
	Materializer Materializer
	Compiler     query.Compiler
	Engine       Engine
	// DefaultRowLimit applies when neither the caller nor the query sets one.
	DefaultRowLimit int
	// QueryTimeout bounds each execution; 0 disables the timeout.
	QueryTimeout time.Duration
	Logger       *slog.Logger
}

// Executor runs queries. It never retries.
type Executor struct {
	materializer Materializer
	compiler     query.Compiler
	engine       Engine
	defaultLimit int
	timeout      time.Duration
	logger       *slog.Logger
}

// New creates an Executor.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	limit := cfg.DefaultRowLimit
	if limit <= 0 {
		limit = DefaultRowLimit
	}
	return &Executor{
		materializer: cfg.Materializer,
		compiler:     cfg.Compiler,
		engine:       cfg.Engine,
		defaultLimit: limit,
		timeout:      cfg.QueryTimeout,
		logger:       logger,
	}
}

// Run materializes, compiles and executes queryText. rowLimit overrides
// every other limit when non-nil. Materialization errors are returned as is.
func (e *Executor) Run(ctx context.Context, queryText string, m *model.Model, rowLimit *int) (*engine.Result, error) {
	if err := e.materializer.EnsureMaterialized(ctx, queryText); err != nil {
		return nil, err
	}

	state, err := e.compiler.CompileQuery(ctx, m, queryText)
	if err != nil {
		return nil, &ExecutionError{Kind: CompileFailed, Detail: err.Error(), Err: err}
	}
	turtle, ok := state.Turtle()
	if !ok {
		err := fmt.Errorf("compiler returned %s state", state.Kind())
		return nil, &ExecutionError{Kind: CompileFailed, Detail: err.Error(), Err: err}
	}

	limit := e.EffectiveLimit(turtle, rowLimit)

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := e.engine.Query(runCtx, Bounded(turtle.SQL, limit), limit)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ExecutionError{Kind: RuntimeFailed, Detail: err.Error(), Err: err}
	}

	e.logger.Debug("query executed",
		"rows", res.RowCount,
		"limit", limit,
		"truncated", res.Truncated,
		"duration", time.Since(start))
	return res, nil
}

// EffectiveLimit resolves the row limit: the caller's override, then the
// query's own top-level LIMIT, then the configured default.
func (e *Executor) EffectiveLimit(t *query.Turtle, override *int) int {
	switch {
	case override != nil && *override > 0:
		return *override
	case t != nil && t.Limit > 0:
		return t.Limit
	default:
		return e.defaultLimit
	}
}

// Bounded wraps sqlStr so the engine produces at most limit+1 rows, one more
// than needed to detect truncation.
func Bounded(sqlStr string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlStr, limit+1)
}
