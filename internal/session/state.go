package session

import (
	"github.com/leapstack-labs/leapexplore/internal/engine"
	"github.com/leapstack-labs/leapexplore/internal/query"
)

// State is a snapshot of what a session shows.
type State struct {
	ID string `json:"id"`
	// Query is the query at the history cursor.
	Query     query.State `json:"-"`
	QueryText string      `json:"query"`
	QueryName string      `json:"query_name"`
	Source    string      `json:"source,omitempty"`

	Result  *engine.Result `json:"result,omitempty"`
	Err     error          `json:"-"`
	Error   string         `json:"error,omitempty"`
	Running bool           `json:"running"`

	CanUndo    bool `json:"can_undo"`
	CanRedo    bool `json:"can_redo"`
	Cursor     int  `json:"cursor"`
	HistoryLen int  `json:"history_len"`

	// Location is the shareable encoding of the external location.
	Location     string `json:"location"`
	ModelVersion int64  `json:"model_version"`
}

// State returns a snapshot of the session.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.history.Current().State
	name := current.Name()
	if name == "" {
		name = DefaultQueryName
	}

	s := State{
		ID:         c.id,
		Query:      current,
		QueryText:  current.Text(),
		QueryName:  name,
		Source:     c.currentSourceLocked(),
		Result:     c.result,
		Err:        c.err,
		Running:    c.running,
		CanUndo:    c.history.CanUndo(),
		CanRedo:    c.history.CanRedo(),
		Cursor:     c.history.Cursor(),
		HistoryLen: c.history.Len(),
		Location:   c.sync.Encode(),
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	if c.model != nil {
		s.ModelVersion = c.model.Version
	}
	return s
}
