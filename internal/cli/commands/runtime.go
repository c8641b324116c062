package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/leapstack-labs/leapexplore/internal/cli/config"
	"github.com/leapstack-labs/leapexplore/internal/engine"
	"github.com/leapstack-labs/leapexplore/internal/executor"
	"github.com/leapstack-labs/leapexplore/internal/location"
	"github.com/leapstack-labs/leapexplore/internal/materialize"
	"github.com/leapstack-labs/leapexplore/internal/model"
	"github.com/leapstack-labs/leapexplore/internal/query"
	"github.com/leapstack-labs/leapexplore/internal/runlog"
	"github.com/leapstack-labs/leapexplore/internal/session"
	"github.com/leapstack-labs/leapexplore/internal/tablestore"
	"github.com/leapstack-labs/leapexplore/internal/topvalues"
	"github.com/spf13/cobra"
)

// errNoConfig is returned when a command runs without the root command's
// configuration in its context.
var errNoConfig = errors.New("configuration not loaded")

// Runtime holds the services shared by every session of one process.
type Runtime struct {
	Cfg          *config.Config
	Logger       *slog.Logger
	Engine       *engine.DuckDB
	Store        tablestore.Store
	Materializer *materialize.Materializer
	Compiler     query.Compiler
	Executor     *executor.Executor
	TopValues    *topvalues.Service
	Models       *model.Loader
	// RunLog is nil when run recording is disabled.
	RunLog *runlog.Store
	// RowLimit overrides every other row limit in new sessions when set.
	RowLimit *int
}

// commandConfig returns the configuration loaded by the root command.
func commandConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return nil, nil, errNoConfig
	}
	return cfg, config.GetLogger(cmd.Context()), nil
}

// NewRuntime builds the runtime from the command's configuration.
// Returns the runtime and a cleanup function that must be called (typically via defer).
func NewRuntime(cmd *cobra.Command) (*Runtime, func(), error) {
	cfg, logger, err := commandConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	return newRuntime(cmd.Context(), cfg, logger)
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("failed to release resource", "error", err)
			}
		}
	}

	if dir := filepath.Dir(cfg.Database); cfg.Database != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	eng, err := engine.Open(ctx, engine.Config{Path: cfg.Database}, logger)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, eng.Close)

	store, err := tablestore.New(ctx, cfg.Store, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, c.Close)
	}

	rt := &Runtime{
		Cfg:      cfg,
		Logger:   logger,
		Engine:   eng,
		Store:    store,
		Compiler: query.NewSQLCompiler(cfg.Executor.Strict),
		Models:   model.NewLoader(cfg.Model, logger),
	}
	rt.Materializer = materialize.New(materialize.Config{
		Catalog: eng,
		Store:   store,
		Logger:  logger,
	})
	rt.Executor = executor.New(executor.Config{
		Materializer:    rt.Materializer,
		Compiler:        rt.Compiler,
		Engine:          eng,
		DefaultRowLimit: cfg.Executor.DefaultRowLimit,
		QueryTimeout:    cfg.Executor.QueryTimeout,
		Logger:          logger,
	})
	rt.TopValues = topvalues.New(topvalues.Config{
		Engine:       eng,
		Materializer: rt.Materializer,
		Limit:        cfg.TopValues.Limit,
		Timeout:      cfg.TopValues.Timeout,
		Logger:       logger,
	})

	if cfg.RunLog != "" {
		if dir := filepath.Dir(cfg.RunLog); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("failed to create run log directory: %w", err)
			}
		}
		rl, err := runlog.Open(ctx, cfg.RunLog, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, rl.Close)
		rt.RunLog = rl
	}

	return rt, cleanup, nil
}

// NewSession creates an unstarted session over loc. m may be nil, in which
// case the session loads the model itself.
func (rt *Runtime) NewSession(id, source string, m *model.Model, loc location.Location) (*session.Controller, error) {
	if source == "" {
		source = rt.Cfg.Session.Source
	}
	cfg := session.Config{
		ID:                id,
		Source:            source,
		Model:             m,
		Loader:            rt.Models,
		Compiler:          rt.Compiler,
		Executor:          rt.Executor,
		Location:          loc,
		TopValues:         rt.TopValues,
		RowLimit:          rt.RowLimit,
		AutoRunOnNavigate: rt.Cfg.Session.AutoRunOnNavigate,
		Logger:            rt.Logger,
	}
	if rt.RunLog != nil {
		cfg.Recorder = rt.RunLog
	}
	return session.New(cfg)
}

// LoadModel loads the configured model. A missing model file yields an empty
// model so ad hoc queries work without one.
func (rt *Runtime) LoadModel(ctx context.Context) (*model.Model, error) {
	if _, err := os.Stat(rt.Models.Path()); errors.Is(err, os.ErrNotExist) {
		rt.Logger.Debug("model file not found, using an empty model", "path", rt.Models.Path())
		return &model.Model{Name: "adhoc", Path: rt.Models.Path()}, nil
	}
	return rt.Models.Load(ctx)
}
