// Package session coordinates one interactive exploration session: the query
// history, the external location mirroring it, and query execution.
//
// All history and location changes happen under one lock, so the location is
// read back (hydrated) before any user action can push an entry. Runs execute
// outside the lock. Every run takes a sequence number; a newer submit, edit,
// undo or redo supersedes the run in flight, cancelling it and discarding its
// outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leapstack-labs/leapexplore/internal/engine"
	"github.com/leapstack-labs/leapexplore/internal/executor"
	"github.com/leapstack-labs/leapexplore/internal/history"
	"github.com/leapstack-labs/leapexplore/internal/location"
	"github.com/leapstack-labs/leapexplore/internal/model"
	"github.com/leapstack-labs/leapexplore/internal/notifier"
	"github.com/leapstack-labs/leapexplore/internal/query"
	"github.com/leapstack-labs/leapexplore/internal/runlog"
	"github.com/leapstack-labs/leapexplore/internal/topvalues"
)

// DefaultQueryName names results of queries that carry no name.
const DefaultQueryName = "new_query"

// Controller errors.
var (
	ErrNotStarted = errors.New("session not started")
	ErrStarted    = errors.New("session already started")
	ErrClosed     = errors.New("session closed")
	ErrSuperseded = errors.New("run superseded by a newer action")
)

// Executor runs a query end to end.
type Executor interface {
	Run(ctx context.Context, queryText string, m *model.Model, rowLimit *int) (*engine.Result, error)
}

// TopValues provides cached field value summaries.
type TopValues interface {
	Get(ctx context.Context, m *model.Model, source string, refresh bool) []topvalues.FieldValues
	Invalidate(m *model.Model)
}

// ModelLoader loads the current model definition.
type ModelLoader interface {
	Load(ctx context.Context) (*model.Model, error)
}

// RunRecorder receives every finished run.
type RunRecorder interface {
	Record(ctx context.Context, run runlog.Run) error
}

// Config configures a Controller.
type Config struct {
	// ID identifies the session in logs and the run log.
	ID string
	// Source is the source selected when the current query names none.
	Source string
	// Model is the initial model. When nil, Start loads one with Loader.
	Model  *model.Model
	Loader ModelLoader

	Compiler  query.Compiler
	Executor  Executor
	Location  location.Location
	TopValues TopValues
	Recorder  RunRecorder

	// RowLimit overrides every other row limit when set.
	RowLimit *int
	// AutoRunOnNavigate runs the restored query after undo and redo.
	AutoRunOnNavigate bool

	Logger *slog.Logger
}

// run is one execution of a query.
type run struct {
	seq     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	state   query.State
	model   *model.Model
	started time.Time
}

// Controller is a single logical session. Safe for concurrent use.
type Controller struct {
	id       string
	source   string
	loader   ModelLoader
	compiler query.Compiler
	executor Executor
	topVals  TopValues
	recorder RunRecorder
	rowLimit *int
	autoRun  bool
	logger   *slog.Logger
	notifier *notifier.Notifier

	mu        sync.Mutex
	started   bool
	closed    bool
	model     *model.Model
	history   *history.Stack
	sync      *location.Synchronizer
	result    *engine.Result
	err       error
	running   bool
	seq       uint64
	cancelRun context.CancelFunc

	baseCtx    context.Context
	cancelBase context.CancelFunc
	stopWatch  func()
	watchDone  chan struct{}
	wg         sync.WaitGroup
}

// New creates a Controller. Call Start before any other operation.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Compiler == nil:
		return nil, fmt.Errorf("session: compiler is required")
	case cfg.Executor == nil:
		return nil, fmt.Errorf("session: executor is required")
	case cfg.Location == nil:
		return nil, fmt.Errorf("session: location is required")
	case cfg.Model == nil && cfg.Loader == nil:
		return nil, fmt.Errorf("session: a model or a model loader is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ID != "" {
		logger = logger.With(slog.String("session", cfg.ID))
	}

	return &Controller{
		id:       cfg.ID,
		source:   cfg.Source,
		loader:   cfg.Loader,
		compiler: cfg.Compiler,
		executor: cfg.Executor,
		topVals:  cfg.TopValues,
		recorder: cfg.Recorder,
		rowLimit: cfg.RowLimit,
		autoRun:  cfg.AutoRunOnNavigate,
		logger:   logger,
		notifier: notifier.New(),
		model:    cfg.Model,
		history:  history.New(),
		sync:     location.NewSynchronizer(cfg.Location),
	}, nil
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.id
}

// Start loads the model if needed, hydrates from the location and starts
// following external navigation. When the location asks for a run, Start
// returns after that run finishes.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrStarted
	}
	if c.model == nil {
		m, err := c.loader.Load(ctx)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to load model: %w", err)
		}
		c.model = m
	}
	c.started = true
	c.baseCtx, c.cancelBase = context.WithCancel(context.WithoutCancel(ctx))

	r := c.hydrateLocked(ctx)

	ch, stop := c.sync.Subscribe()
	c.stopWatch = stop
	c.watchDone = make(chan struct{})
	c.mu.Unlock()

	go c.watch(ch)

	c.notifier.Broadcast()
	if r != nil {
		_ = c.execute(r)
	}
	return nil
}

// watch hydrates on every external navigation until the location
// subscription is closed.
func (c *Controller) watch(ch <-chan struct{}) {
	defer close(c.watchDone)
	for range ch {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.Hydrate(c.baseCtx); err != nil && !errors.Is(err, ErrSuperseded) {
				c.logger.Debug("navigation run failed", "error", err)
			}
		}()
	}
}

// Hydrate applies the location's parameters to the session: the query it
// names becomes current (pushed only when it differs from the current entry)
// and runs when the location asks for it.
func (c *Controller) Hydrate(ctx context.Context) (State, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return State{}, err
	}
	r := c.hydrateLocked(ctx)
	c.mu.Unlock()
	c.notifier.Broadcast()

	var err error
	if r != nil {
		err = c.execute(r)
	}
	return c.State(), err
}

func (c *Controller) hydrateLocked(ctx context.Context) *run {
	p := c.sync.Read()

	if !p.HasQuery {
		if c.history.Push(history.Empty) {
			c.supersedeLocked()
			c.result, c.err = nil, nil
		}
		c.sync.Clear()
		return nil
	}

	st, err := c.compiler.CompileQuery(ctx, c.model, p.Query)
	if err != nil {
		c.logger.Debug("location query does not compile", "error", err)
		entry := history.NewEntry(query.RawText(p.Query))
		if !c.history.Current().Equal(entry) {
			c.history.Push(entry)
		}
		c.supersedeLocked()
		c.result = nil
		c.err = &executor.ExecutionError{Kind: executor.CompileFailed, Detail: err.Error(), Err: err}
		return nil
	}
	if p.Name != "" {
		st = st.WithName(p.Name)
	}

	entry := history.NewEntry(st)
	if c.history.Current().Equal(entry) {
		c.history.Replace(entry)
	} else {
		c.history.Push(entry)
		c.supersedeLocked()
		c.result, c.err = nil, nil
	}

	if !p.Run {
		return nil
	}
	return c.beginRunLocked(c.runParent(ctx), st)
}

// SubmitQuery compiles text, makes it the current entry, mirrors it to the
// location with the run flag and runs it. A query that does not compile
// becomes the session error and leaves the history unchanged.
func (c *Controller) SubmitQuery(ctx context.Context, text string) (State, error) {
	st, err := c.compile(ctx, text)
	if err != nil {
		return c.State(), err
	}

	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return State{}, err
	}
	c.history.Push(history.NewEntry(st))
	c.sync.Publish(st, true)
	r := c.beginRunLocked(ctx, st)
	c.mu.Unlock()
	c.notifier.Broadcast()

	err = c.execute(r)
	return c.State(), err
}

// EditQuery records text as the current query without running it.
func (c *Controller) EditQuery(ctx context.Context, text string) (State, error) {
	st, err := c.compile(ctx, text)
	if err != nil {
		return c.State(), err
	}

	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return State{}, err
	}
	if c.history.Push(history.NewEntry(st)) {
		c.supersedeLocked()
		c.result, c.err = nil, nil
	}
	c.sync.Publish(st, false)
	c.mu.Unlock()
	c.notifier.Broadcast()

	return c.State(), nil
}

// Undo restores the previous entry. The location is not written and the
// query does not run unless AutoRunOnNavigate is set.
func (c *Controller) Undo(ctx context.Context) (State, error) {
	return c.navigate(ctx, (*history.Stack).Undo)
}

// Redo restores the next entry, like Undo.
func (c *Controller) Redo(ctx context.Context) (State, error) {
	return c.navigate(ctx, (*history.Stack).Redo)
}

func (c *Controller) navigate(ctx context.Context, move func(*history.Stack) (history.Entry, bool)) (State, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return State{}, err
	}
	entry, moved := move(c.history)
	if !moved {
		c.mu.Unlock()
		return c.State(), nil
	}

	c.supersedeLocked()
	c.result, c.err = nil, nil

	st := entry.State
	if st.Kind() == query.KindRaw {
		compiled, err := c.compiler.CompileQuery(ctx, c.model, st.Text())
		if err != nil {
			c.err = &executor.ExecutionError{Kind: executor.CompileFailed, Detail: err.Error(), Err: err}
		} else {
			st = compiled
			c.history.Replace(history.NewEntry(st))
		}
	}

	var r *run
	if c.autoRun && st.Kind() == query.KindStructured {
		r = c.beginRunLocked(ctx, st)
	}
	c.mu.Unlock()
	c.notifier.Broadcast()

	var err error
	if r != nil {
		err = c.execute(r)
	}
	return c.State(), err
}

// RefreshModel reloads the model and applies it.
func (c *Controller) RefreshModel(ctx context.Context, reloadTopValues bool) error {
	if c.loader == nil {
		return fmt.Errorf("session: no model loader")
	}
	m, err := c.loader.Load(ctx)
	if err != nil {
		c.logger.Warn("model refresh failed", "error", err)
		return fmt.Errorf("failed to refresh model: %w", err)
	}
	return c.ApplyModel(ctx, m, reloadTopValues)
}

// ApplyModel replaces the model wholesale. Top values computed for the old
// model are dropped; materialized tables are kept.
func (c *Controller) ApplyModel(ctx context.Context, m *model.Model, reloadTopValues bool) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	old := c.model
	c.model = m
	source := c.currentSourceLocked()
	c.mu.Unlock()

	c.logger.Info("model refreshed", "version", m.Version)
	if c.topVals != nil {
		if old != nil && old != m {
			c.topVals.Invalidate(old)
		}
		if reloadTopValues {
			c.topVals.Get(ctx, m, source, true)
		}
	}
	c.notifier.Broadcast()
	return nil
}

// Model returns the model the session currently uses.
func (c *Controller) Model() *model.Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// TopValues returns value summaries for the current source, or nil when
// there is no source or no data.
func (c *Controller) TopValues(ctx context.Context) []topvalues.FieldValues {
	if c.topVals == nil {
		return nil
	}
	c.mu.Lock()
	m := c.model
	source := c.currentSourceLocked()
	c.mu.Unlock()
	return c.topVals.Get(ctx, m, source, false)
}

// Subscribe returns a channel pinged whenever the observable state changes,
// and a function to unsubscribe.
func (c *Controller) Subscribe() (<-chan struct{}, func()) {
	return c.notifier.Subscribe()
}

// Close cancels any run, stops following navigation and waits for
// background work.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.supersedeLocked()
	stop, done := c.stopWatch, c.watchDone
	cancelBase := c.cancelBase
	c.mu.Unlock()

	if cancelBase != nil {
		cancelBase()
	}
	if stop != nil {
		stop()
		<-done
	}
	c.wg.Wait()
	return nil
}

func (c *Controller) usableLocked() error {
	switch {
	case c.closed:
		return ErrClosed
	case !c.started:
		return ErrNotStarted
	}
	return nil
}

// compile compiles text against the current model. A failure becomes the
// session error and supersedes the run in flight.
func (c *Controller) compile(ctx context.Context, text string) (query.State, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return query.State{}, err
	}
	m := c.model
	c.mu.Unlock()

	st, err := c.compiler.CompileQuery(ctx, m, text)
	if err == nil {
		return st, nil
	}

	execErr := &executor.ExecutionError{Kind: executor.CompileFailed, Detail: err.Error(), Err: err}
	c.mu.Lock()
	c.supersedeLocked()
	c.result = nil
	c.err = execErr
	c.mu.Unlock()
	c.notifier.Broadcast()
	return query.State{}, execErr
}

// supersedeLocked cancels the run in flight, if any, and invalidates its
// sequence number.
func (c *Controller) supersedeLocked() {
	c.seq++
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.running = false
}

func (c *Controller) beginRunLocked(parent context.Context, st query.State) *run {
	c.supersedeLocked()
	ctx, cancel := context.WithCancel(parent)
	c.cancelRun = cancel
	c.running = true
	c.result, c.err = nil, nil
	return &run{seq: c.seq, ctx: ctx, cancel: cancel, state: st, model: c.model, started: time.Now()}
}

// runParent keeps hydration runs alive past the request that triggered them.
func (c *Controller) runParent(ctx context.Context) context.Context {
	if c.baseCtx != nil {
		return c.baseCtx
	}
	return ctx
}

// execute runs r and publishes its outcome unless a newer action
// superseded it.
func (c *Controller) execute(r *run) error {
	res, err := c.executor.Run(r.ctx, r.state.Text(), r.model, c.rowLimit)

	c.mu.Lock()
	current := r.seq == c.seq && !c.closed
	if current {
		c.running = false
		c.cancelRun = nil
		if err != nil {
			c.result, c.err = nil, err
		} else {
			c.result, c.err = res, nil
		}
	}
	c.mu.Unlock()
	r.cancel()

	c.record(r, res, err, current)

	if !current {
		c.logger.Debug("discarding superseded run", "seq", r.seq)
		return ErrSuperseded
	}
	c.notifier.Broadcast()
	if err != nil {
		c.logger.Info("query failed", "error", err, "duration", time.Since(r.started))
		return err
	}
	c.logger.Info("query finished", "rows", res.RowCount, "duration", time.Since(r.started))
	return nil
}

func (c *Controller) record(r *run, res *engine.Result, err error, current bool) {
	if c.recorder == nil {
		return
	}

	entry := runlog.Run{
		Session:   c.id,
		Query:     r.state.Canonical(),
		Name:      r.state.Name(),
		Status:    runlog.StatusSucceeded,
		Duration:  time.Since(r.started),
		StartedAt: r.started.UTC(),
	}
	switch {
	case !current || errors.Is(err, context.Canceled):
		entry.Status = runlog.StatusCancelled
	case err != nil:
		entry.Status = runlog.StatusFailed
		entry.Error = err.Error()
	default:
		entry.Rows = res.RowCount
		entry.Truncated = res.Truncated
	}

	if err := c.recorder.Record(context.WithoutCancel(r.ctx), entry); err != nil {
		c.logger.Warn("failed to record run", "error", err)
	}
}

func (c *Controller) currentSourceLocked() string {
	if t, ok := c.history.Current().State.Turtle(); ok && t.Source != "" {
		return t.Source
	}
	return c.source
}
