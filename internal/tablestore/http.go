package tablestore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPOptions tunes the HTTP store.
type HTTPOptions struct {
	RetryMax int
	Timeout  time.Duration
	Logger   *slog.Logger
}

// HTTP fetches tables from <base>/<name>.csv over HTTP(S).
type HTTP struct {
	base   *url.URL
	client *retryablehttp.Client
}

// NewHTTP creates an HTTP store rooted at base.
func NewHTTP(base string, opts HTTPOptions) (*HTTP, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid store url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid store url %q: scheme must be http or https", base)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	client.Logger = nil
	if opts.Logger != nil {
		client.Logger = opts.Logger
	}

	return &HTTP{base: u, client: client}, nil
}

// Location returns the URL of a table.
func (s *HTTP) Location(name string) string {
	return s.base.ResolveReference(&url.URL{Path: ObjectName(name)}).String()
}

// Fetch implements Store.
func (s *HTTP) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, &FetchError{Table: name, Location: s.base.String(), Err: err}
	}
	loc := s.Location(name)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, &FetchError{Table: name, Location: loc, Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{Table: name, Location: loc, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fe := &FetchError{Table: name, Location: loc, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
		if resp.StatusCode == http.StatusNotFound {
			fe.Err = ErrNotFound
		}
		return nil, fe
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Table: name, Location: loc, Err: err}
	}
	return body, nil
}
