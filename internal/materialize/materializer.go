// Package materialize makes sure every table a query reads is registered in
// the engine before the query runs, fetching only the tables that are missing.
package materialize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/leapstack-labs/leapexplore/internal/sqltables"
	"github.com/leapstack-labs/leapexplore/internal/tablestore"
	"golang.org/x/sync/errgroup"
)

// Kind classifies a materialization failure.
type Kind int

const (
	// FetchFailed means the table could not be fetched or registered.
	FetchFailed Kind = iota + 1
	// Cancelled means the caller gave up before the table was registered.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case FetchFailed:
		return "fetch_failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MaterializationError reports a table that could not be made available.
type MaterializationError struct {
	Kind  Kind
	Table string
	Err   error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("materialize %s: %s: %v", e.Table, e.Kind, e.Err)
}

func (e *MaterializationError) Unwrap() error {
	return e.Err
}

// Catalog is the engine side of materialization.
type Catalog interface {
	Tables(ctx context.Context) ([]string, error)
	RegisterCSV(ctx context.Context, name string, data io.Reader) error
}

// Config configures a Materializer.
type Config struct {
	Catalog Catalog
	Store   tablestore.Store
	Logger  *slog.Logger
}

// flight is one fetch shared by every caller waiting on the same table.
type flight struct {
	done    chan struct{}
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Materializer fetches and registers missing tables and remembers which
// tables are registered. Safe for concurrent use.
type Materializer struct {
	catalog Catalog
	store   tablestore.Store
	logger  *slog.Logger

	mu       sync.Mutex
	gen      uint64
	cached   map[string]struct{}
	inflight map[string]*flight
}

// New creates a Materializer.
func New(cfg Config) *Materializer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Materializer{
		catalog:  cfg.Catalog,
		store:    cfg.Store,
		logger:   logger,
		cached:   make(map[string]struct{}),
		inflight: make(map[string]*flight),
	}
}

// EnsureMaterialized registers every table queryText reads. Text that cannot
// be scanned is left for the compiler to reject.
func (m *Materializer) EnsureMaterialized(ctx context.Context, queryText string) error {
	names, err := sqltables.Extract(queryText)
	if err != nil {
		m.logger.Debug("skipping materialization of unscannable query", "error", err)
		return nil
	}
	return m.EnsureTables(ctx, names...)
}

// EnsureTables registers the named tables, fetching the ones that are
// neither cached nor already in the engine. Fetches run concurrently and a
// failing table does not stop the others; tables registered before a
// failure stay registered.
func (m *Materializer) EnsureTables(ctx context.Context, names ...string) error {
	missing := m.missing(names)
	if len(missing) == 0 {
		if len(names) > 0 {
			cacheHitsTotal.Add(float64(len(names)))
		}
		return nil
	}

	missing = m.syncCatalog(ctx, missing)
	if len(missing) == 0 {
		return nil
	}

	m.logger.Debug("materializing tables", "tables", missing)

	errs := make([]error, len(missing))
	var g errgroup.Group
	for i, name := range missing {
		g.Go(func() error {
			errs[i] = m.ensure(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		for i, e := range errs {
			if e != nil {
				return &MaterializationError{Kind: Cancelled, Table: missing[i], Err: err}
			}
		}
	}
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// Cached returns the registered tables, sorted.
func (m *Materializer) Cached() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.cached))
	for name := range m.cached {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Reset forgets every registration. Call it when the engine connection is
// replaced. Fetches in flight at the time are not cached when they finish.
func (m *Materializer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.cached = make(map[string]struct{})
	m.inflight = make(map[string]*flight)
}

func (m *Materializer) missing(names []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if _, ok := m.cached[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// syncCatalog marks tables already present in the engine as cached and
// returns the ones still missing. A catalog failure is not fatal: every
// table is treated as missing.
func (m *Materializer) syncCatalog(ctx context.Context, missing []string) []string {
	present, err := m.catalog.Tables(ctx)
	if err != nil {
		m.logger.Warn("failed to read engine catalog", "error", err)
		return missing
	}

	inEngine := make(map[string]struct{}, len(present))
	for _, t := range present {
		inEngine[t] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var still []string
	for _, name := range missing {
		if _, ok := inEngine[name]; ok {
			m.cached[name] = struct{}{}
			continue
		}
		still = append(still, name)
	}
	return still
}

// ensure waits for name to be registered, starting or joining its fetch.
func (m *Materializer) ensure(ctx context.Context, name string) error {
	m.mu.Lock()
	if _, ok := m.cached[name]; ok {
		m.mu.Unlock()
		cacheHitsTotal.Inc()
		return nil
	}
	f, ok := m.inflight[name]
	if ok {
		joinedTotal.Inc()
	} else {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{done: make(chan struct{}), cancel: cancel}
		m.inflight[name] = f
		go m.run(fctx, name, f, m.gen)
	}
	f.waiters++
	m.mu.Unlock()

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		m.mu.Lock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
			if m.inflight[name] == f {
				delete(m.inflight, name)
			}
		}
		m.mu.Unlock()
		return &MaterializationError{Kind: Cancelled, Table: name, Err: ctx.Err()}
	}
}

func (m *Materializer) run(ctx context.Context, name string, f *flight, gen uint64) {
	defer f.cancel()

	fetchesTotal.Inc()
	start := time.Now()

	data, err := m.store.Fetch(ctx, name)
	if err == nil {
		err = m.catalog.RegisterCSV(ctx, name, bytes.NewReader(data))
	}
	fetchDuration.Observe(time.Since(start).Seconds())

	m.mu.Lock()
	switch {
	case err == nil:
		if gen == m.gen {
			m.cached[name] = struct{}{}
		}
	case ctx.Err() != nil:
		f.err = &MaterializationError{Kind: Cancelled, Table: name, Err: err}
	default:
		f.err = &MaterializationError{Kind: FetchFailed, Table: name, Err: err}
	}
	if m.inflight[name] == f {
		delete(m.inflight, name)
	}
	m.mu.Unlock()

	var me *MaterializationError
	if errors.As(f.err, &me) {
		fetchFailuresTotal.WithLabelValues(me.Kind.String()).Inc()
		m.logger.Warn("table materialization failed", "table", name, "error", err)
	} else {
		m.logger.Debug("table materialized", "table", name, "bytes", len(data), "duration", time.Since(start))
	}
	close(f.done)
}
