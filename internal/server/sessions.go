package server

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leapstack-labs/leapexplore/internal/location"
	"github.com/leapstack-labs/leapexplore/internal/model"
	"github.com/leapstack-labs/leapexplore/internal/session"
)

// Session limits applied when SessionsConfig leaves them unset.
const (
	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultMaxSessions        = 1000
)

// SessionFactory builds an unstarted controller for one browser session
// exploring one source.
type SessionFactory func(id, source string, m *model.Model, loc location.Location) (*session.Controller, error)

// SessionsConfig configures a session set.
type SessionsConfig struct {
	Factory SessionFactory
	// IdleTimeout is how long an unused session lives; negative disables it.
	IdleTimeout time.Duration
	// MaxSessions caps live sessions; the least recently used idle ones are
	// closed first. Negative disables the cap.
	MaxSessions int
	Logger      *slog.Logger
}

type sessionKey struct {
	id     string
	source string
}

// liveSession is a started controller and the location it mirrors into.
type liveSession struct {
	ctrl  *session.Controller
	loc   *location.Memory
	ready chan struct{}
	err   error

	// Guarded by Sessions.mu.
	key      sessionKey
	refs     int
	lastUsed time.Time
	elem     *list.Element
}

// Sessions owns the live controllers, keyed by cookie id and source.
// Sessions held by a request are never evicted.
type Sessions struct {
	factory     SessionFactory
	idleTimeout time.Duration
	maxSessions int
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[sessionKey]*liveSession
	lru      *list.List // front is most recently used
	closed   bool
}

// NewSessions creates an empty session set.
func NewSessions(cfg SessionsConfig) *Sessions {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultSessionIdleTimeout
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	return &Sessions{
		factory:     cfg.Factory,
		idleTimeout: cfg.IdleTimeout,
		maxSessions: cfg.MaxSessions,
		logger:      cfg.Logger,
		now:         time.Now,
		sessions:    make(map[sessionKey]*liveSession),
		lru:         list.New(),
	}
}

// Acquire returns the session for id and source, creating and starting it
// from rawQuery when it does not exist yet. created reports whether this
// call started it. A successful Acquire must be paired with Release.
func (s *Sessions) Acquire(ctx context.Context, id, source string, m *model.Model, rawQuery string) (ls *liveSession, created bool, err error) {
	key := sessionKey{id: id, source: source}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, session.ErrClosed
	}
	if existing, ok := s.sessions[key]; ok {
		s.touchLocked(existing)
		existing.refs++
		s.mu.Unlock()
		select {
		case <-existing.ready:
		case <-ctx.Done():
			s.Release(existing)
			return nil, false, ctx.Err()
		}
		if existing.err != nil {
			s.Release(existing)
			return nil, false, existing.err
		}
		return existing, false, nil
	}
	ls = &liveSession{ready: make(chan struct{}), key: key, refs: 1}
	s.sessions[key] = ls
	s.touchLocked(ls)
	s.mu.Unlock()

	ls.err = s.start(ctx, ls, key, m, rawQuery)
	if ls.err != nil {
		s.mu.Lock()
		s.removeLocked(ls)
		s.mu.Unlock()
		close(ls.ready)
		return nil, false, ls.err
	}
	close(ls.ready)
	sessionsActive.Inc()
	s.logger.Debug("session started", "session", id, "source", source)

	s.mu.Lock()
	victims := s.overCapacityLocked()
	s.mu.Unlock()
	s.evict(victims, "capacity")
	return ls, true, nil
}

// Release returns a session taken by Acquire.
func (s *Sessions) Release(ls *liveSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls.refs > 0 {
		ls.refs--
	}
	if ls.elem != nil {
		s.touchLocked(ls)
	}
}

func (s *Sessions) start(ctx context.Context, ls *liveSession, key sessionKey, m *model.Model, rawQuery string) error {
	loc, err := location.NewMemory(rawQuery)
	if err != nil {
		return fmt.Errorf("invalid location: %w", err)
	}
	ctrl, err := s.factory(key.id, key.source, m, loc)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Close()
		return fmt.Errorf("failed to start session: %w", err)
	}
	ls.ctrl, ls.loc = ctrl, loc
	return nil
}

func (s *Sessions) touchLocked(ls *liveSession) {
	ls.lastUsed = s.now()
	if ls.elem == nil {
		ls.elem = s.lru.PushFront(ls)
		return
	}
	s.lru.MoveToFront(ls.elem)
}

func (s *Sessions) removeLocked(ls *liveSession) {
	delete(s.sessions, ls.key)
	if ls.elem != nil {
		s.lru.Remove(ls.elem)
		ls.elem = nil
	}
}

// evictableLocked reports whether ls finished starting and nobody holds it.
func evictableLocked(ls *liveSession) bool {
	if ls.refs > 0 {
		return false
	}
	select {
	case <-ls.ready:
		return ls.err == nil
	default:
		return false
	}
}

// overCapacityLocked removes least recently used idle sessions until the
// cap holds and returns them.
func (s *Sessions) overCapacityLocked() []*liveSession {
	if s.maxSessions < 0 {
		return nil
	}
	var victims []*liveSession
	excess := len(s.sessions) - s.maxSessions
	for e := s.lru.Back(); e != nil && excess > 0; {
		prev := e.Prev()
		if ls := e.Value.(*liveSession); evictableLocked(ls) {
			s.removeLocked(ls)
			victims = append(victims, ls)
			excess--
		}
		e = prev
	}
	return victims
}

// Sweep closes sessions unused for longer than the idle timeout and
// returns how many it closed.
func (s *Sessions) Sweep() int {
	if s.idleTimeout < 0 {
		return 0
	}
	s.mu.Lock()
	cutoff := s.now().Add(-s.idleTimeout)
	var victims []*liveSession
	for e := s.lru.Back(); e != nil; {
		prev := e.Prev()
		if ls := e.Value.(*liveSession); !ls.lastUsed.After(cutoff) && evictableLocked(ls) {
			s.removeLocked(ls)
			victims = append(victims, ls)
		}
		e = prev
	}
	s.mu.Unlock()

	s.evict(victims, "idle")
	return len(victims)
}

// sweepLoop runs Sweep until ctx is done.
func (s *Sessions) sweepLoop(ctx context.Context) error {
	if s.idleTimeout < 0 {
		return nil
	}
	interval := s.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("closed idle sessions", "count", n, "live", s.Len())
			}
		}
	}
}

func (s *Sessions) evict(victims []*liveSession, reason string) {
	for _, ls := range victims {
		_ = ls.ctrl.Close()
		sessionsActive.Dec()
		sessionsEvictedTotal.WithLabelValues(reason).Inc()
		s.logger.Debug("session evicted", "session", ls.key.id, "source", ls.key.source, "reason", reason)
	}
}

// ready returns the sessions that finished starting.
func (s *Sessions) ready() []*liveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*liveSession, 0, len(s.sessions))
	for _, ls := range s.sessions {
		select {
		case <-ls.ready:
			if ls.err == nil {
				out = append(out, ls)
			}
		default:
		}
	}
	return out
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	return len(s.ready())
}

// ApplyModel hands m to every live session.
func (s *Sessions) ApplyModel(ctx context.Context, m *model.Model) {
	for _, ls := range s.ready() {
		if err := ls.ctrl.ApplyModel(ctx, m, false); err != nil {
			s.logger.Debug("skipping model refresh", "session", ls.ctrl.ID(), "error", err)
		}
	}
}

// Close closes every session. Later Acquire calls fail with
// session.ErrClosed.
func (s *Sessions) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, ls := range s.ready() {
		_ = ls.ctrl.Close()
		sessionsActive.Dec()
	}
}
