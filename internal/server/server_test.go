package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leapstack-labs/leapexplore/internal/engine"
	"github.com/leapstack-labs/leapexplore/internal/location"
	"github.com/leapstack-labs/leapexplore/internal/model"
	"github.com/leapstack-labs/leapexplore/internal/query"
	"github.com/leapstack-labs/leapexplore/internal/session"
	"github.com/leapstack-labs/leapexplore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = `name: sales
sources:
  - name: orders
    fields:
      - name: category
        type: string
      - name: order_count
        expression: count(*)
    views:
      - name: by_category
        query: SELECT category, count(*) AS n FROM orders GROUP BY 1
`

type echoExecutor struct{}

func (echoExecutor) Run(_ context.Context, text string, _ *model.Model, _ *int) (*engine.Result, error) {
	return &engine.Result{
		Columns:  []engine.Column{{Name: "query", Type: "VARCHAR"}},
		Rows:     [][]any{{text}},
		RowCount: 1,
	}, nil
}

// stateResponse mirrors the JSON form of session.State.
type stateResponse struct {
	Query        string         `json:"query"`
	QueryName    string         `json:"query_name"`
	Source       string         `json:"source"`
	Result       *engine.Result `json:"result"`
	Error        string         `json:"error"`
	CanUndo      bool           `json:"can_undo"`
	CanRedo      bool           `json:"can_redo"`
	HistoryLen   int            `json:"history_len"`
	Location     string         `json:"location"`
	ModelVersion int64          `json:"model_version"`
}

func (s stateResponse) resultText() string {
	if s.Result == nil || len(s.Result.Rows) == 0 {
		return ""
	}
	v, _ := s.Result.Rows[0][0].(string)
	return v
}

type fixture struct {
	srv       *Server
	http      *httptest.Server
	modelPath string
}

func setupServer(t *testing.T) *fixture {
	t.Helper()
	logger := testutil.NewTestLogger(t)

	modelPath := filepath.Join(t.TempDir(), "sales.yaml")
	require.NoError(t, os.WriteFile(modelPath, []byte(testModel), 0o644))
	loader := model.NewLoader(modelPath, logger)

	factory := func(id, source string, m *model.Model, loc location.Location) (*session.Controller, error) {
		return session.New(session.Config{
			ID:       id,
			Source:   source,
			Model:    m,
			Loader:   loader,
			Compiler: query.NewSQLCompiler(false),
			Executor: echoExecutor{},
			Location: loc,
			Logger:   logger,
		})
	}

	srv, err := New(context.Background(), Config{
		SessionSecret: "test-secret",
		Models:        loader,
		NewSession:    factory,
		Logger:        logger,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Sessions().Close()
	})
	return &fixture{srv: srv, http: ts, modelPath: modelPath}
}

func (f *fixture) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func doJSON(t *testing.T, c *http.Client, method, url, body string, out any) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_ExploreHydratesFromURL(t *testing.T) {
	f := setupServer(t)
	c := f.client(t)

	var st stateResponse
	code := doJSON(t, c, http.MethodGet, f.http.URL+"/explore/orders?query=SELECT+*+FROM+orders&name=all&run=true", "", &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SELECT * FROM orders", st.Query)
	assert.Equal(t, "all", st.QueryName)
	assert.Equal(t, "SELECT * FROM orders", st.resultText())
	assert.Equal(t, "orders", st.Source)

	// The same URL again is not a navigation.
	code = doJSON(t, c, http.MethodGet, f.http.URL+"/explore/orders?query=SELECT+*+FROM+orders&name=all&run=true", "", &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, st.HistoryLen)

	// A different URL is.
	code = doJSON(t, c, http.MethodGet, f.http.URL+"/explore/orders?query=SELECT+1&run=true", "", &st)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SELECT 1", st.resultText())
	assert.Equal(t, 3, st.HistoryLen)
	assert.Equal(t, 1, f.srv.Sessions().Len())
}

func TestServer_SubmitUndoRedo(t *testing.T) {
	f := setupServer(t)
	c := f.client(t)
	base := f.http.URL + "/explore/orders"

	var st stateResponse
	require.Equal(t, http.StatusOK, doJSON(t, c, http.MethodPost, base+"/query", `{"query":"SELECT 1"}`, &st))
	assert.Equal(t, "SELECT 1", st.resultText())
	assert.Equal(t, "query=SELECT+1&run=true", st.Location)

	require.Equal(t, http.StatusOK, doJSON(t, c, http.MethodPost, base+"/query", `{"query":"SELECT 2"}`, &st))
	assert.Equal(t, 3, st.HistoryLen)

	require.Equal(t, http.StatusOK, doJSON(t, c, http.MethodPost, base+"/undo", "", &st))
	assert.Equal(t, "SELECT 1", st.Query)
	assert.Nil(t, st.Result)
	assert.True(t, st.CanRedo)
	assert.Equal(t, "query=SELECT+2&run=true", st.Location, "undo does not write the location")

	require.Equal(t, http.StatusOK, doJSON(t, c, http.MethodPost, base+"/redo", "", &st))
	assert.Equal(t, "SELECT 2", st.Query)

	require.Equal(t, http.StatusOK, doJSON(t, c, http.MethodPost, base+"/edit", `{"query":"SELECT 3"}`, &st))
	assert.Equal(t, "query=SELECT+3", st.Location)
	assert.Nil(t, st.Result)

	require.Equal(t, http.StatusOK, doJSON(t, c, http.MethodPost, base+"/query", `{"query":"DROP TABLE orders"}`, &st))
	assert.Contains(t, st.Error, "compile_failed")
	assert.Equal(t, "SELECT 3", st.Query)
}

func TestServer_SessionsAreIsolated(t *testing.T) {
	f := setupServer(t)
	a, b := f.client(t), f.client(t)
	base := f.http.URL + "/explore/orders"

	var st stateResponse
	doJSON(t, a, http.MethodPost, base+"/query", `{"query":"SELECT 1"}`, &st)
	doJSON(t, b, http.MethodGet, base, "", &st)
	assert.Empty(t, st.Query)
	assert.Equal(t, 2, f.srv.Sessions().Len())
}

func TestServer_UnknownSource(t *testing.T) {
	f := setupServer(t)
	var body errorResponse
	code := doJSON(t, f.client(t), http.MethodGet, f.http.URL+"/explore/nope", "", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body.Error, "nope")
}

func TestServer_NavigationRedirects(t *testing.T) {
	f := setupServer(t)
	c := f.client(t)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantLoc  string
	}{
		{
			name:     "field",
			path:     "/explore/orders/fields/category",
			wantCode: http.StatusSeeOther,
			wantLoc:  "/explore/orders?query=SELECT+category+FROM+orders&run=true",
		},
		{
			name:     "view",
			path:     "/explore/orders/views/by_category",
			wantCode: http.StatusSeeOther,
			wantLoc:  "/explore/orders?name=by_category&query=SELECT+category%2C+count%28%2A%29+AS+n+FROM+orders+GROUP+BY+1&run=true",
		},
		{
			name:     "unknown field",
			path:     "/explore/orders/fields/missing",
			wantCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.Get(f.http.URL + tt.path)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			if tt.wantLoc != "" {
				assert.Equal(t, tt.wantLoc, resp.Header.Get("Location"))
			}
		})
	}
}

func TestServer_ModelAndReload(t *testing.T) {
	f := setupServer(t)
	c := f.client(t)

	var st stateResponse
	doJSON(t, c, http.MethodGet, f.http.URL+"/explore/orders", "", &st)
	assert.Equal(t, int64(1), st.ModelVersion)

	var m ModelResponse
	require.Equal(t, http.StatusOK, doJSON(t, c, http.MethodGet, f.http.URL+"/api/model", "", &m))
	assert.Equal(t, "sales", m.Name)
	require.Len(t, m.Sources, 1)

	require.Equal(t, http.StatusOK, doJSON(t, c, http.MethodPost, f.http.URL+"/explore/orders/refresh", "", &st))
	assert.Equal(t, int64(2), st.ModelVersion)
	assert.Equal(t, int64(2), f.srv.Model().Version)
}

func TestServer_TopValuesWithoutService(t *testing.T) {
	f := setupServer(t)
	var resp TopValuesResponse
	require.Equal(t, http.StatusOK, doJSON(t, f.client(t), http.MethodGet, f.http.URL+"/explore/orders/top-values", "", &resp))
	assert.Equal(t, "orders", resp.Source)
	assert.Nil(t, resp.Fields)
}

func TestServer_Metrics(t *testing.T) {
	f := setupServer(t)
	c := f.client(t)
	doJSON(t, c, http.MethodGet, f.http.URL+"/api/model", "", &ModelResponse{})

	resp, err := c.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `leapexplore_http_requests_total{code="200",method="GET",route="/api/model"}`)
}

func TestServer_WatchReloadsModel(t *testing.T) {
	f := setupServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.watchModel(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	updated := strings.Replace(testModel, "name: sales", "name: sales_v2", 1)
	require.NoError(t, os.WriteFile(f.modelPath, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return f.srv.Model().Name == "sales_v2"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(context.Background(), Config{SessionSecret: "x"})
	assert.Error(t, err)
}
