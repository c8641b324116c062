package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/leapstack-labs/leapexplore/internal/location"
	"github.com/leapstack-labs/leapexplore/internal/model"
	"github.com/leapstack-labs/leapexplore/internal/session"
	"github.com/leapstack-labs/leapexplore/internal/topvalues"
	"github.com/starfederation/datastar-go/datastar"
)

// QuerySignals is the body of query and edit requests.
type QuerySignals struct {
	Query string `json:"query"`
}

// TopValuesResponse is returned by the top-values endpoint. Fields is nil
// when no summaries are available.
type TopValuesResponse struct {
	Source string                  `json:"source"`
	Fields []topvalues.FieldValues `json:"fields"`
}

// ModelResponse describes the served model.
type ModelResponse struct {
	Name    string          `json:"name"`
	Path    string          `json:"path"`
	Version int64           `json:"version"`
	Sources []*model.Source `json:"sources"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeState answers with the session state. Query failures are part of
// the state; only failures of the session itself change the status code.
func writeState(w http.ResponseWriter, st session.State, err error) {
	switch {
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusGone, err)
	case errors.Is(err, session.ErrSuperseded):
		writeJSON(w, http.StatusConflict, st)
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, err)
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

// sessionID returns the cookie session id, assigning one on first contact.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	sess, err := s.cookies.Get(r, cookieName)
	if err != nil {
		s.logger.Debug("discarding unreadable session cookie", "error", err)
	}
	if id, ok := sess.Values["id"].(string); ok && id != "" {
		return id, nil
	}
	id := uuid.NewString()
	sess.Values["id"] = id
	if err := sess.Save(r, w); err != nil {
		return "", err
	}
	return id, nil
}

// acquire resolves the caller's session for the source in the URL, writing
// an error response and returning nil when it cannot. The caller releases a
// returned session.
func (s *Server) acquire(w http.ResponseWriter, r *http.Request, rawQuery string) (*liveSession, bool) {
	source := chi.URLParam(r, "source")
	m := s.Model()
	if _, ok := m.Source(source); !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown source "+strconv.Quote(source)))
		return nil, false
	}

	id, err := s.sessionID(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}

	ls, created, err := s.sessions.Acquire(r.Context(), id, source, m, rawQuery)
	if err != nil {
		s.logger.Warn("failed to acquire session", "source", source, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return ls, created
}

// handleExplore treats the request URL as navigation: a new session starts
// from it, an existing one is hydrated when the URL differs from what the
// session last showed.
func (s *Server) handleExplore(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.RawQuery
	ls, created := s.acquire(w, r, raw)
	if ls == nil {
		return
	}
	defer s.sessions.Release(ls)
	if created || !navigated(ls.loc, raw) {
		writeState(w, ls.ctrl.State(), nil)
		return
	}

	if err := ls.loc.Replace(raw); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := ls.ctrl.Hydrate(r.Context())
	writeState(w, st, err)
}

// navigated reports whether raw names different parameters than loc holds.
func navigated(loc *location.Memory, raw string) bool {
	next, err := location.NewMemory(raw)
	if err != nil {
		return true
	}
	return location.Encode(next) != location.Encode(loc)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var signals QuerySignals
	if err := datastar.ReadSignals(r, &signals); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ls, _ := s.acquire(w, r, "")
	if ls == nil {
		return
	}
	defer s.sessions.Release(ls)
	st, err := ls.ctrl.SubmitQuery(r.Context(), signals.Query)
	writeState(w, st, err)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var signals QuerySignals
	if err := datastar.ReadSignals(r, &signals); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ls, _ := s.acquire(w, r, "")
	if ls == nil {
		return
	}
	defer s.sessions.Release(ls)
	st, err := ls.ctrl.EditQuery(r.Context(), signals.Query)
	writeState(w, st, err)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	ls, _ := s.acquire(w, r, "")
	if ls == nil {
		return
	}
	defer s.sessions.Release(ls)
	st, err := ls.ctrl.Undo(r.Context())
	writeState(w, st, err)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	ls, _ := s.acquire(w, r, "")
	if ls == nil {
		return
	}
	defer s.sessions.Release(ls)
	st, err := ls.ctrl.Redo(r.Context())
	writeState(w, st, err)
}

// handleRefresh reloads the model for every session. With top_values=true
// the caller's top values are recomputed too.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ls, _ := s.acquire(w, r, "")
	if ls == nil {
		return
	}
	defer s.sessions.Release(ls)
	m, err := s.Reload(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if reload, _ := strconv.ParseBool(r.URL.Query().Get("top_values")); reload {
		if err := ls.ctrl.ApplyModel(r.Context(), m, true); err != nil {
			writeState(w, session.State{}, err)
			return
		}
	}
	writeState(w, ls.ctrl.State(), nil)
}

func (s *Server) handleTopValues(w http.ResponseWriter, r *http.Request) {
	ls, _ := s.acquire(w, r, "")
	if ls == nil {
		return
	}
	defer s.sessions.Release(ls)
	writeJSON(w, http.StatusOK, TopValuesResponse{
		Source: ls.ctrl.State().Source,
		Fields: ls.ctrl.TopValues(r.Context()),
	})
}

// handleField redirects to a location that runs a query selecting the field.
func (s *Server) handleField(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	q, err := s.Model().FieldQuery(source, chi.URLParam(r, "field"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.redirect(w, r, source, location.Params{Query: q, HasQuery: true, Run: true})
}

// handleView redirects to a location that runs the named view.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	view := chi.URLParam(r, "view")
	q, err := s.Model().ViewQuery(source, view)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.redirect(w, r, source, location.Params{Query: q, HasQuery: true, Name: view, Run: true})
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request, source string, p location.Params) {
	target := "/explore/" + url.PathEscape(source) + "?" + location.Build(p)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// handleUpdates streams the session state as datastar signals whenever it
// changes.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	ls, _ := s.acquire(w, r, "")
	if ls == nil {
		return
	}
	defer s.sessions.Release(ls)
	updates, unsubscribe := ls.ctrl.Subscribe()
	defer unsubscribe()

	sse := datastar.NewSSE(w, r)
	if err := sse.MarshalAndPatchSignals(ls.ctrl.State()); err != nil {
		_ = sse.ConsoleError(err)
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
			if err := sse.MarshalAndPatchSignals(ls.ctrl.State()); err != nil {
				_ = sse.ConsoleError(err)
			}
		}
	}
}

func (s *Server) handleModel(w http.ResponseWriter, _ *http.Request) {
	m := s.Model()
	writeJSON(w, http.StatusOK, ModelResponse{
		Name:    m.Name,
		Path:    m.Path,
		Version: m.Version,
		Sources: m.Sources,
	})
}
