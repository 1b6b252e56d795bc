// Package backend fetches the bytes behind a locator: plain HTTP(S) URLs go
// through HTTPFetcher, and locators under a configured prefix are read from
// an rclone remote.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when an object or directory does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoRoute is returned for locators no backend can serve.
	ErrNoRoute = errors.New("no backend for locator")
	// ErrTooLarge is returned when an object exceeds the configured size cap.
	ErrTooLarge = errors.New("object too large")
)

// ObjectInfo describes a remote object or directory.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	ETag    string
	IsDir   bool
}

// Backend abstracts a remote storage system.
// Implementations wrap rclone backends.
type Backend interface {
	// Name returns the configured name of this backend.
	Name() string

	// Type returns the backend type (e.g. "azureblob", "s3", "local").
	Type() string

	// List returns objects and directories under the given prefix.
	// Returns direct children only (delimiter-based listing).
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Stat returns info for a single object or directory.
	Stat(ctx context.Context, path string) (ObjectInfo, error)

	// Open returns a reader for the entire object.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Close releases resources held by this backend.
	Close() error
}

// Registry manages named backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry, keyed by its Name().
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend.Registry: backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend.Registry: backend %q not found", name)
	}
	return b, nil
}

// All returns a copy of all registered backends.
func (r *Registry) All() map[string]Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := make(map[string]Backend, len(r.backends))
	for k, v := range r.backends {
		m[k] = v
	}
	return m
}

// Close closes all registered backends.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// readLimited reads r to the end, failing with ErrTooLarge once more than
// max bytes arrive. max <= 0 means no limit.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, max)
	}
	return data, nil
}
