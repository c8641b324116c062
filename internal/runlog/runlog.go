// Package runlog records every completed query run in a SQLite database. It
// is an audit trail: nothing is ever read back into a session's history.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNotOpen is returned when the store has no open database.
var ErrNotOpen = errors.New("run log not opened")

// Status is the outcome of a run.
type Status string

// Run outcomes.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is one recorded query execution.
type Run struct {
	ID        string        `json:"id"`
	Session   string        `json:"session"`
	Query     string        `json:"query"`
	Name      string        `json:"name,omitempty"`
	Status    Status        `json:"status"`
	Rows      int           `json:"rows"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// ListOptions filters List.
type ListOptions struct {
	Session string
	Limit   int
}

// Store is a SQLite-backed run log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the run log at path and migrates it.
// Use ":memory:" for an in-memory log.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping run log: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("run log opened", slog.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores run, assigning an ID and start time when missing.
func (s *Store) Record(ctx context.Context, run Run) error {
	if s.db == nil {
		return ErrNotOpen
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	var errMsg *string
	if run.Error != "" {
		errMsg = &run.Error
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, session_id, query_text, query_name, status, row_count, truncated, duration_ms, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Session, run.Query, run.Name, string(run.Status), run.Rows, run.Truncated,
		run.Duration.Milliseconds(), errMsg, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	s.logger.Debug("run recorded", slog.String("id", run.ID), slog.String("status", string(run.Status)))
	return nil
}

// List returns recorded runs, newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Run, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, query_text, query_name, status, row_count, truncated, duration_ms, error, started_at
		FROM runs
		WHERE ? = '' OR session_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, opts.Session, opts.Session, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			status     string
			durationMS int64
			errMsg     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Session, &r.Query, &r.Name, &status, &r.Rows, &r.Truncated,
			&durationMS, &errMsg, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = Status(status)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}
