package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hoard/hoard/pkg/metrics"
)

// ErrHTTPStatus matches any *StatusError with errors.Is.
var ErrHTTPStatus = errors.New("unexpected HTTP status")

// StatusError is returned for a non-200 response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Is makes a 404 match ErrNotFound and every status match ErrHTTPStatus.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrHTTPStatus:
		return true
	case ErrNotFound:
		return e.Code == http.StatusNotFound || e.Code == http.StatusGone
	}
	return false
}

// HTTPOptions configures an HTTPFetcher.
type HTTPOptions struct {
	Timeout       time.Duration
	UserAgent     string
	Headers       map[string]string
	MaxObjectSize int64
	// Client overrides the default client; used by tests.
	Client *http.Client
}

// HTTPFetcher GETs http and https locators.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	headers   map[string]string
	maxSize   int64
}

// NewHTTPFetcher creates an HTTP fetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPFetcher{
		client:    client,
		userAgent: opts.UserAgent,
		headers:   opts.Headers,
		maxSize:   opts.MaxObjectSize,
	}
}

// Fetch downloads the full body of url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("backend.HTTPFetcher: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.BackendErrors.WithLabelValues("http", "io").Inc()
		return nil, fmt.Errorf("backend.HTTPFetcher: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.BackendErrors.WithLabelValues("http", "status").Inc()
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	if f.maxSize > 0 && resp.ContentLength > f.maxSize {
		metrics.BackendErrors.WithLabelValues("http", "too_large").Inc()
		return nil, fmt.Errorf("backend.HTTPFetcher: %s: %w: %d bytes", url, ErrTooLarge, resp.ContentLength)
	}

	data, err := readLimited(resp.Body, f.maxSize)
	metrics.BackendRequestDuration.WithLabelValues("http", "get").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BackendErrors.WithLabelValues("http", "io").Inc()
		return nil, fmt.Errorf("backend.HTTPFetcher: %s: %w", url, err)
	}
	metrics.BackendBytesRead.WithLabelValues("http").Add(float64(len(data)))
	slog.Debug("http fetch", "component", "backend", "url", url,
		"bytes", len(data), "elapsed", time.Since(start))
	return data, nil
}
