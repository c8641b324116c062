// Package tablestore fetches the content of backing tables that are not yet
// resident in the engine. Every table lives at a location derived from its
// name alone: <base>/<name>.csv.
package tablestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Store fetches CSV content for a table.
type Store interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

var (
	// ErrNotFound is wrapped by FetchError when the table does not exist in the store.
	ErrNotFound = errors.New("table not found in store")
	// ErrInvalidName is wrapped by FetchError when a table name cannot map to a
	// location inside the store.
	ErrInvalidName = errors.New("invalid table name")
)

// FetchError describes a failed table fetch.
type FetchError struct {
	Table    string
	Location string
	// Status is the HTTP status code, when the store speaks HTTP.
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s from %s: status %d", e.Table, e.Location, e.Status)
	}
	return fmt.Sprintf("fetch %s from %s: %v", e.Table, e.Location, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ObjectName returns the object name holding table's content.
func ObjectName(table string) string {
	return strings.ToLower(table) + ".csv"
}

// ValidateName rejects table names that would escape the store's base
// location once turned into a path, key or URL.
func ValidateName(table string) error {
	switch {
	case table == "", table == ".", strings.Contains(table, ".."):
	case strings.ContainsAny(table, "/\\\x00"):
	default:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidName, table)
}

// Store types.
const (
	TypeHTTP     = "http"
	TypeS3       = "s3"
	TypePostgres = "postgres"
	TypeDir      = "dir"
)

// Config selects and configures a store.
type Config struct {
	Type     string         `koanf:"type"`
	URL      string         `koanf:"url"`
	Dir      string         `koanf:"dir"`
	RetryMax int            `koanf:"retry_max"`
	Timeout  time.Duration  `koanf:"timeout"`
	S3       S3Config       `koanf:"s3"`
	Postgres PostgresConfig `koanf:"postgres"`
}

// New creates the store selected by cfg.Type. Stores holding connections
// implement io.Closer.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	switch cfg.Type {
	case TypeHTTP:
		return NewHTTP(cfg.URL, HTTPOptions{RetryMax: cfg.RetryMax, Timeout: cfg.Timeout, Logger: logger})
	case TypeS3:
		return NewS3(cfg.S3, logger)
	case TypePostgres:
		return NewPostgres(ctx, cfg.Postgres, logger)
	case TypeDir, "":
		return NewDir(cfg.Dir), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
