package materialize

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]error
	gate    chan struct{}
	started chan string
	ctxErrs map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		calls:   make(map[string]int),
		fail:    make(map[string]error),
		ctxErrs: make(map[string]error),
		started: make(chan string, 16),
	}
}

func (s *fakeStore) Fetch(ctx context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	s.calls[name]++
	err := s.fail[name]
	gate := s.gate
	s.mu.Unlock()

	s.started <- name

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			s.mu.Lock()
			s.ctxErrs[name] = ctx.Err()
			s.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte("id\n1\n"), nil
}

func (s *fakeStore) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *fakeStore) setFail(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, name)
		return
	}
	s.fail[name] = err
}

type fakeCatalog struct {
	mu         sync.Mutex
	tables     map[string]bool
	catalogErr error
	lookups    int
}

func newFakeCatalog(tables ...string) *fakeCatalog {
	c := &fakeCatalog{tables: make(map[string]bool)}
	for _, t := range tables {
		c.tables[t] = true
	}
	return c
}

func (c *fakeCatalog) Tables(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if c.catalogErr != nil {
		return nil, c.catalogErr
	}
	var out []string
	for t := range c.tables {
		out = append(out, t)
	}
	return out, nil
}

func (c *fakeCatalog) RegisterCSV(_ context.Context, name string, data io.Reader) error {
	if _, err := io.ReadAll(data); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[name] = true
	return nil
}

func (m *Materializer) waiters(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.inflight[name]; ok {
		return f.waiters
	}
	return 0
}

func TestEnsureMaterialized_FetchesOnlyMissing(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	catalog := newFakeCatalog()
	m := New(Config{Catalog: catalog, Store: store})

	require.NoError(t, m.EnsureMaterialized(ctx, "SELECT * FROM orders o JOIN customers c ON o.cid = c.id"))
	assert.Equal(t, 1, store.count("orders"))
	assert.Equal(t, 1, store.count("customers"))
	assert.Equal(t, []string{"customers", "orders"}, m.Cached())

	// Repeat queries against cached tables never fetch or consult the catalog.
	lookups := catalog.lookups
	require.NoError(t, m.EnsureMaterialized(ctx, "SELECT count(*) FROM orders"))
	require.NoError(t, m.EnsureMaterialized(ctx, "SELECT * FROM customers, orders"))
	assert.Equal(t, 1, store.count("orders"))
	assert.Equal(t, 1, store.count("customers"))
	assert.Equal(t, lookups, catalog.lookups)
}

func TestEnsureMaterialized_IgnoresCTEsAndFunctions(t *testing.T) {
	store := newFakeStore()
	m := New(Config{Catalog: newFakeCatalog(), Store: store})

	err := m.EnsureMaterialized(context.Background(),
		"WITH recent AS (SELECT * FROM orders) SELECT * FROM recent, range(10) r")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, m.Cached())
	assert.Equal(t, 0, store.count("recent"))
}

func TestEnsureMaterialized_UnscannableQuery(t *testing.T) {
	store := newFakeStore()
	m := New(Config{Catalog: newFakeCatalog(), Store: store})

	require.NoError(t, m.EnsureMaterialized(context.Background(), "SELECT * FROM (orders"))
	assert.Empty(t, m.Cached())
}

func TestEnsureTables_CatalogHit(t *testing.T) {
	store := newFakeStore()
	m := New(Config{Catalog: newFakeCatalog("orders"), Store: store})

	require.NoError(t, m.EnsureTables(context.Background(), "orders"))
	assert.Equal(t, 0, store.count("orders"))
	assert.Equal(t, []string{"orders"}, m.Cached())
}

func TestEnsureTables_CatalogFailureStillFetches(t *testing.T) {
	store := newFakeStore()
	catalog := newFakeCatalog()
	catalog.catalogErr = errors.New("catalog down")
	m := New(Config{Catalog: catalog, Store: store})

	require.NoError(t, m.EnsureTables(context.Background(), "orders"))
	assert.Equal(t, 1, store.count("orders"))
}

func TestEnsureTables_FailureKeepsSuccessesAndRetriesOnlyFailed(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.setFail("customers", errors.New("503"))
	m := New(Config{Catalog: newFakeCatalog(), Store: store})

	err := m.EnsureTables(ctx, "orders", "customers")
	var me *MaterializationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, FetchFailed, me.Kind)
	assert.Equal(t, "customers", me.Table)
	assert.Equal(t, []string{"orders"}, m.Cached(), "no rollback of tables that succeeded")

	store.setFail("customers", nil)
	require.NoError(t, m.EnsureTables(ctx, "orders", "customers"))
	assert.Equal(t, 1, store.count("orders"))
	assert.Equal(t, 2, store.count("customers"))
}

func TestEnsureTables_ConcurrentCallersShareFetch(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.gate = make(chan struct{})
	m := New(Config{Catalog: newFakeCatalog(), Store: store})

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = m.EnsureTables(ctx, "orders")
	}()
	require.Equal(t, "orders", <-store.started)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[1] = m.EnsureTables(ctx, "orders", "customers")
	}()
	require.Equal(t, "customers", <-store.started)
	require.Eventually(t, func() bool { return m.waiters("orders") == 2 }, time.Second, 5*time.Millisecond)

	close(store.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, store.count("orders"))
	assert.Equal(t, 1, store.count("customers"))
}

func TestEnsureTables_LastWaiterCancelsFetch(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	defer close(store.gate)
	m := New(Config{Catalog: newFakeCatalog(), Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.EnsureTables(ctx, "orders") }()
	<-store.started

	cancel()
	err := <-done

	var me *MaterializationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, Cancelled, me.Kind)
	assert.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.ctxErrs["orders"] != nil
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.Cached())
	assert.Equal(t, 0, m.waiters("orders"))
}

func TestEnsureTables_WaiterLeavingKeepsSharedFetch(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	m := New(Config{Catalog: newFakeCatalog(), Store: store})

	leaverCtx, leave := context.WithCancel(context.Background())
	leaver := make(chan error, 1)
	go func() { leaver <- m.EnsureTables(leaverCtx, "orders") }()
	<-store.started

	stayer := make(chan error, 1)
	go func() { stayer <- m.EnsureTables(context.Background(), "orders") }()
	require.Eventually(t, func() bool { return m.waiters("orders") == 2 }, time.Second, 5*time.Millisecond)

	leave()
	assert.Error(t, <-leaver)

	close(store.gate)
	require.NoError(t, <-stayer)
	assert.Equal(t, 1, store.count("orders"))
	assert.Equal(t, []string{"orders"}, m.Cached())
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	catalog := newFakeCatalog()
	m := New(Config{Catalog: catalog, Store: store})

	require.NoError(t, m.EnsureTables(ctx, "orders"))
	m.Reset()
	assert.Empty(t, m.Cached())

	// A replaced connection starts with an empty catalog.
	catalog.mu.Lock()
	catalog.tables = make(map[string]bool)
	catalog.mu.Unlock()

	require.NoError(t, m.EnsureTables(ctx, "orders"))
	assert.Equal(t, 2, store.count("orders"))
}

func TestMaterializationError(t *testing.T) {
	cause := errors.New("boom")
	err := &MaterializationError{Kind: FetchFailed, Table: "orders", Err: cause}
	assert.Equal(t, "materialize orders: fetch_failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}
