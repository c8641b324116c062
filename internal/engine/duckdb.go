// Package engine runs queries against an embedded DuckDB database and holds
// the tables materialized for a session.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leapstack-labs/leapexplore/internal/model"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

// ErrNotConnected is returned when the engine has no open database.
var ErrNotConnected = errors.New("database connection not established")

// Config configures a DuckDB engine.
type Config struct {
	// Path is the database file; empty or ":memory:" for an in-memory database.
	Path string
	// Threads caps DuckDB worker threads; 0 keeps the DuckDB default.
	Threads int
	// TempDir receives staged CSV files; defaults to os.TempDir().
	TempDir string
}

// Column describes a result or table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

// Result is a bounded query result.
type Result struct {
	Columns   []Column      `json:"columns"`
	Rows      [][]any       `json:"rows"`
	RowCount  int           `json:"row_count"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration"`
}

// ValueCount is a distinct value of a column and how often it occurs.
type ValueCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// DuckDB is a query engine backed by a single DuckDB connection.
type DuckDB struct {
	db      *sql.DB
	tempDir string
	logger  *slog.Logger
}

// Open opens a DuckDB database.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DuckDB, error) {
	path := cfg.Path
	if path == ":memory:" {
		path = ""
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb connection: %w", err)
	}

	// Session settings do not propagate across pooled connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	if cfg.Threads > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET threads = %d", cfg.Threads)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set threads: %w", err)
		}
	}

	e := NewWithDB(db, logger)
	if cfg.TempDir != "" {
		e.tempDir = cfg.TempDir
	}
	return e, nil
}

// NewWithDB wraps an already open database handle.
func NewWithDB(db *sql.DB, logger *slog.Logger) *DuckDB {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DuckDB{db: db, tempDir: os.TempDir(), logger: logger}
}

// Close closes the database.
func (e *DuckDB) Close() error {
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

// Exec executes a statement that doesn't return rows.
func (e *DuckDB) Exec(ctx context.Context, sqlStr string) error {
	if e.db == nil {
		return ErrNotConnected
	}
	if _, err := e.db.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	return nil
}

// Tables lists the tables of the main schema, lower-cased.
func (e *DuckDB) Tables(ctx context.Context) ([]string, error) {
	if e.db == nil {
		return nil, ErrNotConnected
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'main'
		ORDER BY table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, strings.ToLower(name))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	return tables, nil
}

// RegisterCSV creates or replaces table name from CSV data with a header row.
// DuckDB infers the schema.
func (e *DuckDB) RegisterCSV(ctx context.Context, name string, data io.Reader) error {
	if e.db == nil {
		return ErrNotConnected
	}

	staged := filepath.Join(e.tempDir, "leapexplore-"+uuid.NewString()+".csv")
	f, err := os.Create(staged)
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", name, err)
	}
	defer func() { _ = os.Remove(staged) }()

	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stage %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to stage %s: %w", name, err)
	}

	query := fmt.Sprintf(
		"CREATE OR REPLACE TABLE %s AS SELECT * FROM read_csv_auto('%s', header=true)",
		model.QuoteIdent(strings.ToLower(name)),
		strings.ReplaceAll(staged, "'", "''"),
	)
	if err := e.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to load %s: %w", name, err)
	}

	e.logger.Debug("table registered", "table", name)
	return nil
}

// Query runs sqlStr and reads at most maxRows rows. Truncated is set when
// the statement produced more. maxRows <= 0 reads everything.
func (e *DuckDB) Query(ctx context.Context, sqlStr string, maxRows int) (*Result, error) {
	if e.db == nil {
		return nil, ErrNotConnected
	}

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	res := &Result{Columns: make([]Column, len(types)), Rows: [][]any{}}
	for i, ct := range types {
		nullable, _ := ct.Nullable()
		res.Columns[i] = Column{Name: ct.Name(), Type: ct.DatabaseTypeName(), Nullable: nullable}
	}

	for rows.Next() {
		if maxRows > 0 && len(res.Rows) == maxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	res.RowCount = len(res.Rows)
	res.Duration = time.Since(start)
	return res, nil
}

// TopValues returns the n most frequent values of column in table.
func (e *DuckDB) TopValues(ctx context.Context, table, column string, n int) ([]ValueCount, error) {
	if e.db == nil {
		return nil, ErrNotConnected
	}

	//nolint:gosec // identifiers are quoted
	query := fmt.Sprintf(
		"SELECT CAST(%s AS VARCHAR) AS value, COUNT(*) AS n FROM %s GROUP BY 1 ORDER BY 2 DESC, 1 LIMIT %d",
		model.QuoteIdent(column), model.QuoteIdent(table), n,
	)
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query top values of %s.%s: %w", table, column, err)
	}
	defer func() { _ = rows.Close() }()

	var out []ValueCount
	for rows.Next() {
		var v sql.NullString
		var vc ValueCount
		if err := rows.Scan(&v, &vc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan top value: %w", err)
		}
		if v.Valid {
			vc.Value = v.String
		}
		out = append(out, vc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating top values: %w", err)
	}
	return out, nil
}

// TableColumns describes the columns of a main-schema table.
func (e *DuckDB) TableColumns(ctx context.Context, table string) ([]Column, error) {
	if e.db == nil {
		return nil, ErrNotConnected
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'main' AND lower(table_name) = lower(?)
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var columns []Column
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		col.Nullable = nullable == "YES"
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}
	return columns, nil
}
