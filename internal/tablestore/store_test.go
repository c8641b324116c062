package tablestore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectName(t *testing.T) {
	assert.Equal(t, "orders.csv", ObjectName("orders"))
	assert.Equal(t, "orders.csv", ObjectName("ORDERS"))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		table string
		valid bool
	}{
		{"plain", "orders", true},
		{"underscores and digits", "orders_2024", true},
		{"dots inside", "v1.orders", true},
		{"empty", "", false},
		{"dot", ".", false},
		{"parent", "../secrets", false},
		{"nested parent", "a..b", false},
		{"slash", "nested/orders", false},
		{"backslash", `..\orders`, false},
		{"nul", "orders\x00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.table)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidName)
		})
	}
}

func TestHTTP_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data/orders.csv":
			_, _ = w.Write([]byte("id\n1\n"))
		case "/data/broken.csv":
			w.WriteHeader(http.StatusInternalServerError)
		case "/data/forbidden.csv":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store, err := NewHTTP(srv.URL+"/data", HTTPOptions{RetryMax: 0, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/data/orders.csv", store.Location("orders"))

	t.Run("success", func(t *testing.T) {
		data, err := store.Fetch(context.Background(), "orders")
		require.NoError(t, err)
		assert.Equal(t, "id\n1\n", string(data))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := store.Fetch(context.Background(), "ghost")
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, http.StatusNotFound, fe.Status)
		assert.Equal(t, "ghost", fe.Table)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("non-2xx", func(t *testing.T) {
		_, err := store.Fetch(context.Background(), "forbidden")
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, http.StatusForbidden, fe.Status)
	})

	t.Run("server error", func(t *testing.T) {
		_, err := store.Fetch(context.Background(), "broken")
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := store.Fetch(ctx, "orders")
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
	})
}

func TestHTTP_Retries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("id\n"))
	}))
	defer srv.Close()

	store, err := NewHTTP(srv.URL, HTTPOptions{RetryMax: 2})
	require.NoError(t, err)

	data, err := store.Fetch(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "id\n", string(data))
	assert.Equal(t, int32(2), hits.Load())
}

func TestNewHTTP_InvalidURL(t *testing.T) {
	_, err := NewHTTP("ftp://example.com", HTTPOptions{})
	assert.Error(t, err)
}

func TestDir_Fetch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "orders.csv"), []byte("id\n1\n"), 0o644))

	store := NewDir(root)

	data, err := store.Fetch(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "id\n1\n", string(data))

	_, err = store.Fetch(context.Background(), "ghost")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, filepath.Join(root, "ghost.csv"), fe.Location)
}

func TestDir_FetchRejectsEscapingNames(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "data")
	require.NoError(t, os.MkdirAll(root, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secrets.csv"), []byte("key\nhunter2\n"), 0o644))

	_, err := NewDir(root).Fetch(context.Background(), "../secrets")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestHTTP_FetchRejectsEscapingNames(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("id\n1\n"))
	}))
	defer srv.Close()

	store, err := NewHTTP(srv.URL+"/data/", HTTPOptions{})
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), "../admin/export")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.Zero(t, hits.Load(), "no request leaves for an invalid name")
}

func TestS3_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tables/exports/orders.csv" {
			w.Header().Set("Content-Type", "text/csv")
			w.Header().Set("Content-Length", "5")
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			w.Header().Set("ETag", `"abc"`)
			_, _ = w.Write([]byte("id\n1\n"))
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
	}))
	defer srv.Close()

	store, err := NewS3(S3Config{
		Endpoint: strings.TrimPrefix(srv.URL, "http://"),
		Bucket:   "tables",
		Prefix:   "exports",
		Region:   "us-east-1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "exports/orders.csv", store.Key("orders"))

	data, err := store.Fetch(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "id\n1\n", string(data))

	_, err = store.Fetch(context.Background(), "ghost")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(S3Config{Endpoint: "localhost:9000"}, nil)
	assert.Error(t, err)
}

func TestCopyStatement(t *testing.T) {
	assert.Equal(t,
		`COPY (SELECT * FROM "analytics"."orders") TO STDOUT WITH (FORMAT csv, HEADER true)`,
		copyStatement("analytics", "orders"))
}

func TestNew(t *testing.T) {
	store, err := New(context.Background(), Config{Type: TypeDir, Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Dir{}, store)

	store, err = New(context.Background(), Config{Type: TypeHTTP, URL: "https://example.com/tables"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, store)

	_, err = New(context.Background(), Config{Type: "ftp"}, nil)
	assert.Error(t, err)
}
