// Package server exposes exploration sessions over HTTP. The request URL of
// GET /explore/{source} is the session's external location: its query
// parameters are hydrated into the session, and every response carries the
// location the client should show next.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"github.com/leapstack-labs/leapexplore/internal/model"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const cookieName = "leapexplore"

// ModelSource loads the model the server serves.
type ModelSource interface {
	Load(ctx context.Context) (*model.Model, error)
	Path() string
}

// Config configures a Server.
type Config struct {
	Port          int
	SessionSecret string
	// Watch reloads the model whenever its file changes.
	Watch bool
	// SessionIdleTimeout and MaxSessions bound the live sessions; see
	// SessionsConfig.
	SessionIdleTimeout time.Duration
	MaxSessions        int
	// Model is the initial model; loaded from Models when nil.
	Model      *model.Model
	Models     ModelSource
	NewSession SessionFactory
	Logger     *slog.Logger
}

// Server serves exploration sessions.
type Server struct {
	port     int
	watch    bool
	models   ModelSource
	cookies  *sessions.CookieStore
	sessions *Sessions
	model    atomic.Pointer[model.Model]
	logger   *slog.Logger
}

// New creates a Server.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.NewSession == nil {
		return nil, errors.New("server: session factory is required")
	}
	if cfg.Model == nil && cfg.Models == nil {
		return nil, errors.New("server: a model or a model source is required")
	}
	if cfg.SessionSecret == "" {
		return nil, errors.New("server: session secret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cookies := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	cookies.MaxAge(86400 * 30) // 30 days
	cookies.Options.Path = "/"
	cookies.Options.HttpOnly = true
	cookies.Options.SameSite = http.SameSiteLaxMode

	s := &Server{
		port:    cfg.Port,
		watch:   cfg.Watch,
		models:  cfg.Models,
		cookies: cookies,
		sessions: NewSessions(SessionsConfig{
			Factory:     cfg.NewSession,
			IdleTimeout: cfg.SessionIdleTimeout,
			MaxSessions: cfg.MaxSessions,
			Logger:      logger,
		}),
		logger: logger,
	}

	m := cfg.Model
	if m == nil {
		var err error
		if m, err = cfg.Models.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load model: %w", err)
		}
	}
	s.model.Store(m)
	return s, nil
}

// Model returns the model new sessions start with.
func (s *Server) Model() *model.Model {
	return s.model.Load()
}

// Sessions returns the live sessions.
func (s *Server) Sessions() *Sessions {
	return s.sessions
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		s.observe,
	)

	r.Get("/api/model", s.handleModel)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/explore/{source}", func(r chi.Router) {
		r.Get("/", s.handleExplore)
		r.Get("/updates", s.handleUpdates)
		r.Get("/top-values", s.handleTopValues)
		r.Get("/fields/{field}", s.handleField)
		r.Get("/views/{view}", s.handleView)
		r.Post("/query", s.handleSubmit)
		r.Post("/edit", s.handleEdit)
		r.Post("/undo", s.handleUndo)
		r.Post("/redo", s.handleRedo)
		r.Post("/refresh", s.handleRefresh)
	})
	return r
}

// Serve starts the server and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("starting server", "addr", fmt.Sprintf("http://localhost:%d", s.port))

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.watch && s.models != nil {
		eg.Go(func() error {
			return s.watchModel(egctx)
		})
	}

	eg.Go(func() error {
		return s.sessions.sweepLoop(egctx)
	})

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down server...")
		err := srv.Shutdown(shutdownCtx)
		s.sessions.Close()
		return err
	})

	return eg.Wait()
}

// Reload loads the model again and hands it to every live session.
func (s *Server) Reload(ctx context.Context) (*model.Model, error) {
	if s.models == nil {
		return nil, errors.New("server: no model source")
	}
	m, err := s.models.Load(ctx)
	if err != nil {
		modelReloadsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	modelReloadsTotal.WithLabelValues("succeeded").Inc()
	s.model.Store(m)
	s.sessions.ApplyModel(ctx, m)
	s.logger.Info("model reloaded", "version", m.Version, "sessions", s.sessions.Len())
	return m, nil
}

// observe logs requests and records request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(route, r.Method, fmt.Sprint(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())

		s.logger.Debug("request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
