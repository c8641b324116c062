// Package topvalues computes the most frequent values of the string fields of
// a source, used to suggest filter values while a query is being built.
package topvalues

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leapstack-labs/leapexplore/internal/engine"
	"github.com/leapstack-labs/leapexplore/internal/model"
	"golang.org/x/sync/singleflight"
)

// DefaultLimit is the number of values kept per field.
const DefaultLimit = 10

// FieldValues is the frequency summary of one field.
type FieldValues struct {
	Field  string              `json:"field"`
	Values []engine.ValueCount `json:"values"`
}

// Engine computes value frequencies.
type Engine interface {
	TopValues(ctx context.Context, table, column string, n int) ([]engine.ValueCount, error)
}

// Materializer makes a table available to the engine.
type Materializer interface {
	EnsureTables(ctx context.Context, names ...string) error
}

// Config configures a Service.
type Config struct {
	Engine       Engine
	Materializer Materializer
	Limit        int
	// Timeout bounds one computation; 0 disables it.
	Timeout time.Duration
	Logger  *slog.Logger
}

type cacheKey struct {
	version int64
	source  string
	path    string
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s@%d:%s", k.path, k.version, k.source)
}

// Service computes and caches top values per model version and source.
// Safe for concurrent use.
type Service struct {
	engine  Engine
	mat     Materializer
	limit   int
	timeout time.Duration
	logger  *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[cacheKey][]FieldValues
}

// New creates a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Service{
		engine:  cfg.Engine,
		mat:     cfg.Materializer,
		limit:   limit,
		timeout: cfg.Timeout,
		logger:  logger,
		cache:   make(map[cacheKey][]FieldValues),
	}
}

// Get returns the top values of source's string fields. refresh skips the
// cache. A nil result means no data: no source, or the computation failed.
func (s *Service) Get(ctx context.Context, m *model.Model, source string, refresh bool) []FieldValues {
	if m == nil || source == "" {
		return nil
	}
	src, ok := m.Source(source)
	if !ok {
		return nil
	}
	key := cacheKey{version: m.Version, source: src.Name, path: m.Path}

	if !refresh {
		s.mu.RLock()
		cached, ok := s.cache[key]
		s.mu.RUnlock()
		if ok {
			return cached
		}
	}

	ch := s.group.DoChan(key.String(), func() (any, error) {
		computeCtx := context.WithoutCancel(ctx)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			computeCtx, cancel = context.WithTimeout(computeCtx, s.timeout)
			defer cancel()
		}

		values, err := s.compute(computeCtx, src)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[key] = values
		s.mu.Unlock()
		return values, nil
	})

	select {
	case <-ctx.Done():
		return nil
	case res := <-ch:
		if res.Err != nil {
			s.logger.Warn("top values unavailable", "source", src.Name, "error", res.Err)
			return nil
		}
		values, ok := res.Val.([]FieldValues)
		if !ok {
			s.logger.Error("unexpected type from top values group", "type", fmt.Sprintf("%T", res.Val))
			return nil
		}
		return values
	}
}

// Invalidate drops every cached summary of model m.
func (s *Service) Invalidate(m *model.Model) {
	if m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cache {
		if k.version == m.Version && k.path == m.Path {
			delete(s.cache, k)
		}
	}
}

func (s *Service) compute(ctx context.Context, src *model.Source) ([]FieldValues, error) {
	fields := src.StringFields()
	if len(fields) == 0 {
		return []FieldValues{}, nil
	}

	if err := s.mat.EnsureTables(ctx, src.Table); err != nil {
		return nil, err
	}

	out := make([]FieldValues, 0, len(fields))
	for _, field := range fields {
		values, err := s.engine.TopValues(ctx, src.Table, field, s.limit)
		if err != nil {
			return nil, err
		}
		out = append(out, FieldValues{Field: field, Values: values})
	}
	s.logger.Debug("top values computed", "source", src.Name, "fields", len(out))
	return out, nil
}
