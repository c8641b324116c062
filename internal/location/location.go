// Package location mirrors the session's current query into an externally
// addressable location, such as the query string of a URL, and reads it back.
package location

import (
	"net/url"
	"sync"

	"github.com/leapstack-labs/leapexplore/internal/notifier"
)

// Parameter names.
const (
	ParamQuery = "query"
	ParamRun   = "run"
	ParamName  = "name"
)

// Location is a set of named string parameters that outlive the process
// showing them. Set and Delete are writes made by the session itself and do
// not notify subscribers; subscribers are notified of external navigation.
type Location interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	Subscribe() (<-chan struct{}, func())
}

// Memory is an in-process Location backed by url.Values.
type Memory struct {
	mu     sync.Mutex
	values url.Values
	writes int
	n      *notifier.Notifier
}

// NewMemory creates a Memory location from an encoded query string.
func NewMemory(rawQuery string) (*Memory, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, err
	}
	return &Memory{values: values, n: notifier.New()}, nil
}

// Get implements Location.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.values.Has(key) {
		return "", false
	}
	return m.values.Get(key), true
}

// Set implements Location.
func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values.Set(key, value)
	m.writes++
}

// Delete implements Location.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values.Del(key)
	m.writes++
}

// Subscribe implements Location.
func (m *Memory) Subscribe() (<-chan struct{}, func()) {
	return m.n.Subscribe()
}

// Navigate replaces every parameter, as a user editing the address or
// following a link would, and notifies subscribers.
func (m *Memory) Navigate(rawQuery string) error {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values = values
	m.mu.Unlock()
	m.n.Broadcast()
	return nil
}

// Replace replaces every parameter like Navigate but notifies nobody. The
// caller is expected to hydrate the session itself.
func (m *Memory) Replace(rawQuery string) error {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values = values
	m.mu.Unlock()
	return nil
}

// Encode returns the parameters as a query string.
func (m *Memory) Encode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values.Encode()
}

// Writes returns how many Set and Delete calls have been made.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Encode returns the query string for the known parameters of any Location.
func Encode(loc Location) string {
	values := url.Values{}
	for _, key := range []string{ParamQuery, ParamName, ParamRun} {
		if v, ok := loc.Get(key); ok {
			values.Set(key, v)
		}
	}
	return values.Encode()
}

// Build returns the query string that selects p.
func Build(p Params) string {
	values := url.Values{}
	if p.HasQuery {
		values.Set(ParamQuery, p.Query)
	}
	if p.Name != "" {
		values.Set(ParamName, p.Name)
	}
	if p.Run {
		values.Set(ParamRun, "true")
	}
	return values.Encode()
}
