package location

import "github.com/leapstack-labs/leapexplore/internal/query"

// Params is what a location says about the query to show.
type Params struct {
	Query    string
	HasQuery bool
	Name     string
	Run      bool
}

// Synchronizer translates between query states and location parameters.
type Synchronizer struct {
	loc Location
}

// NewSynchronizer wraps loc.
func NewSynchronizer(loc Location) *Synchronizer {
	return &Synchronizer{loc: loc}
}

// Location returns the wrapped location.
func (s *Synchronizer) Location() Location {
	return s.loc
}

// Read returns the current parameters.
func (s *Synchronizer) Read() Params {
	var p Params
	p.Query, p.HasQuery = s.loc.Get(ParamQuery)
	p.Name, _ = s.loc.Get(ParamName)
	run, _ := s.loc.Get(ParamRun)
	p.Run = run == "true"
	return p
}

// Publish writes state and the run flag to the location. A changed query
// drops the name, since the name belonged to the query it replaces. Writes
// that would not change a parameter are skipped; Publish reports whether
// anything was written.
func (s *Synchronizer) Publish(state query.State, run bool) bool {
	changed := false

	current, has := s.loc.Get(ParamQuery)
	if state.IsEmpty() {
		if has {
			s.loc.Delete(ParamQuery)
			changed = true
		}
	} else if canonical := state.Canonical(); !has || current != canonical {
		s.loc.Set(ParamQuery, canonical)
		changed = true
	}
	if changed {
		if _, ok := s.loc.Get(ParamName); ok {
			s.loc.Delete(ParamName)
		}
	}

	runValue, hasRun := s.loc.Get(ParamRun)
	switch {
	case run && runValue != "true":
		s.loc.Set(ParamRun, "true")
		changed = true
	case !run && hasRun:
		s.loc.Delete(ParamRun)
		changed = true
	}
	return changed
}

// Clear removes the run flag and the name, leaving the query alone.
func (s *Synchronizer) Clear() {
	for _, key := range []string{ParamRun, ParamName} {
		if _, ok := s.loc.Get(key); ok {
			s.loc.Delete(key)
		}
	}
}

// Subscribe forwards to the location.
func (s *Synchronizer) Subscribe() (<-chan struct{}, func()) {
	return s.loc.Subscribe()
}

// Encode returns the shareable query string of the location.
func (s *Synchronizer) Encode() string {
	return Encode(s.loc)
}
