package tablestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	DSN    string `koanf:"dsn"`
	Schema string `koanf:"schema"`
}

// Postgres exports tables from a Postgres schema as CSV via COPY.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	logger *slog.Logger
}

// NewPostgres connects to Postgres.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Debug("connected to postgres", slog.String("schema", schema))
	return &Postgres{pool: pool, schema: schema, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// Fetch implements Store.
func (s *Postgres) Fetch(ctx context.Context, name string) ([]byte, error) {
	loc := "postgres://" + s.schema + "/" + name
	if err := ValidateName(name); err != nil {
		return nil, &FetchError{Table: name, Location: loc, Err: err}
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, &FetchError{Table: name, Location: loc, Err: err}
	}
	defer conn.Release()

	var buf bytes.Buffer
	if _, err := conn.Conn().PgConn().CopyTo(ctx, &buf, copyStatement(s.schema, name)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			err = fmt.Errorf("%w: %s", ErrNotFound, pgErr.Message)
		}
		return nil, &FetchError{Table: name, Location: loc, Err: err}
	}
	return buf.Bytes(), nil
}

func copyStatement(schema, table string) string {
	ident := pgx.Identifier{schema, table}.Sanitize()
	return fmt.Sprintf("COPY (SELECT * FROM %s) TO STDOUT WITH (FORMAT csv, HEADER true)", ident)
}
