package location

import (
	"net/url"
	"testing"
	"time"

	"github.com/leapstack-labs/leapexplore/internal/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T, raw string) *Memory {
	t.Helper()
	m, err := NewMemory(raw)
	require.NoError(t, err)
	return m
}

func TestMemory_GetSetDelete(t *testing.T) {
	m := newMemory(t, "query=SELECT+1&run=true")

	v, ok := m.Get(ParamQuery)
	require.True(t, ok)
	assert.Equal(t, "SELECT 1", v)

	_, ok = m.Get(ParamName)
	assert.False(t, ok)

	m.Set(ParamName, "by_category")
	m.Delete(ParamRun)
	assert.Equal(t, 2, m.Writes())
	assert.Equal(t, "name=by_category&query=SELECT+1", m.Encode())
}

func TestMemory_OnlyNavigationNotifies(t *testing.T) {
	m := newMemory(t, "")
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(ParamQuery, "SELECT 1")
	m.Delete(ParamQuery)
	select {
	case <-ch:
		t.Fatal("internal writes must not notify")
	default:
	}

	require.NoError(t, m.Navigate("query=SELECT+2"))
	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("navigation did not notify")
	}
	v, _ := m.Get(ParamQuery)
	assert.Equal(t, "SELECT 2", v)

	require.NoError(t, m.Replace("query=SELECT+3&run=true"))
	select {
	case <-ch:
		t.Fatal("replace must not notify")
	default:
	}
	assert.Equal(t, "query=SELECT+3&run=true", m.Encode())
	assert.Equal(t, 2, m.Writes())

	assert.Error(t, m.Replace("%zz"))
}

func TestSynchronizer_Publish(t *testing.T) {
	tests := []struct {
		name      string
		initial   string
		state     query.State
		run       bool
		want      url.Values
		wantWrite bool
	}{
		{
			name:      "new query with run",
			initial:   "",
			state:     query.RawText("SELECT * FROM orders"),
			run:       true,
			want:      url.Values{"query": {"SELECT * FROM orders"}, "run": {"true"}},
			wantWrite: true,
		},
		{
			name:      "changed query drops name and run",
			initial:   "query=SELECT+1&name=by_category&run=true",
			state:     query.RawText("SELECT 2"),
			run:       false,
			want:      url.Values{"query": {"SELECT 2"}},
			wantWrite: true,
		},
		{
			name:      "same query keeps name",
			initial:   "query=SELECT+1&name=by_category&run=true",
			state:     query.RawText("SELECT  1;"),
			run:       true,
			want:      url.Values{"query": {"SELECT 1"}, "name": {"by_category"}, "run": {"true"}},
			wantWrite: false,
		},
		{
			name:      "empty state deletes query",
			initial:   "query=SELECT+1",
			state:     query.Empty(),
			run:       false,
			want:      url.Values{},
			wantWrite: true,
		},
		{
			name:      "identical empty is suppressed",
			initial:   "",
			state:     query.Empty(),
			run:       false,
			want:      url.Values{},
			wantWrite: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMemory(t, tt.initial)
			s := NewSynchronizer(m)

			wrote := s.Publish(tt.state, tt.run)
			assert.Equal(t, tt.wantWrite, wrote)
			if !tt.wantWrite {
				assert.Equal(t, 0, m.Writes())
			}
			assert.Equal(t, tt.want.Encode(), m.Encode())
		})
	}
}

func TestSynchronizer_RoundTrip(t *testing.T) {
	texts := []string{
		"SELECT * FROM orders",
		"SELECT 'a & b = c?' AS x FROM orders WHERE name = 'O''Brien'",
		"SELECT \"weird col\" FROM \"Table\" WHERE x LIKE '%#%'",
	}

	for _, text := range texts {
		m := newMemory(t, "")
		s := NewSynchronizer(m)
		state := query.RawText(text)

		s.Publish(state, true)

		// Reading back through a fresh location parsed from the encoding.
		shared := newMemory(t, m.Encode())
		p := NewSynchronizer(shared).Read()
		require.True(t, p.HasQuery)
		assert.True(t, p.Run)
		assert.True(t, query.RawText(p.Query).Equal(state), text)
	}
}

func TestSynchronizer_ReadAndClear(t *testing.T) {
	m := newMemory(t, "query=SELECT+1&name=v&run=false")
	s := NewSynchronizer(m)

	p := s.Read()
	assert.Equal(t, Params{Query: "SELECT 1", HasQuery: true, Name: "v", Run: false}, p)

	s.Clear()
	assert.Equal(t, "query=SELECT+1", s.Encode())

	p = NewSynchronizer(newMemory(t, "")).Read()
	assert.False(t, p.HasQuery)
}

func TestBuild(t *testing.T) {
	raw := Build(Params{Query: "SELECT 1", HasQuery: true, Name: "by_category", Run: true})
	assert.Equal(t, "name=by_category&query=SELECT+1&run=true", raw)
	assert.Equal(t, "", Build(Params{}))
}
