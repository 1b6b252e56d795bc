package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/hoard/hoard/pkg/config"
	"github.com/hoard/hoard/pkg/namespace"
)

// Fetcher routes a locator to the backend whose prefix matches it, falling
// back to HTTP for http and https locators. It satisfies cache.Fetcher.
type Fetcher struct {
	ns      *namespace.Namespace
	reg     *Registry
	http    *HTTPFetcher
	maxSize int64
}

// NewFetcher assembles a fetcher from its parts. http may be nil to refuse
// plain URLs.
func NewFetcher(ns *namespace.Namespace, reg *Registry, http *HTTPFetcher, maxSize int64) *Fetcher {
	if ns == nil {
		ns = namespace.New(nil)
	}
	if reg == nil {
		reg = NewRegistry()
	}
	return &Fetcher{ns: ns, reg: reg, http: http, maxSize: maxSize}
}

// FromConfig creates one rclone backend per configured backend, keyed by
// name and routed by prefix, plus the HTTP fetcher. The remote path inside
// a backend comes from its "root" config key.
func FromConfig(cfg *config.Config) (*Fetcher, error) {
	reg := NewRegistry()
	for _, bcfg := range cfg.Backends {
		be, err := NewRcloneBackend(bcfg.Name, bcfg.Type, bcfg.Config["root"], bcfg.Config)
		if err != nil {
			reg.Close()
			return nil, err
		}
		if err := reg.Register(be); err != nil {
			reg.Close()
			return nil, err
		}
		slog.Info("registered backend", "component", "backend",
			"name", bcfg.Name, "type", bcfg.Type, "prefix", bcfg.Prefix)
	}
	httpF := NewHTTPFetcher(HTTPOptions{
		Timeout:       cfg.HTTP.Timeout,
		UserAgent:     cfg.HTTP.UserAgent,
		Headers:       cfg.HTTP.Headers,
		MaxObjectSize: cfg.HTTP.MaxObjectSize,
	})
	return NewFetcher(namespace.New(cfg.Backends), reg, httpF, cfg.HTTP.MaxObjectSize), nil
}

// Registry returns the backends the fetcher routes to.
func (f *Fetcher) Registry() *Registry { return f.reg }

// Fetch reads the whole object behind locator.
func (f *Fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if res, err := f.ns.Resolve(locator); err == nil {
		b, err := f.reg.Get(res.BackendName)
		if err != nil {
			return nil, fmt.Errorf("backend.Fetcher: %s: %w", locator, err)
		}
		rc, err := b.Open(ctx, res.RemotePath)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := readLimited(rc, f.maxSize)
		if err != nil {
			return nil, fmt.Errorf("backend %s: read %q: %w", b.Name(), res.RemotePath, err)
		}
		return data, nil
	}

	if f.http != nil && isHTTP(locator) {
		return f.http.Fetch(ctx, locator)
	}
	return nil, fmt.Errorf("backend.Fetcher: %q: %w", locator, ErrNoRoute)
}

// List returns the locators of the objects directly under a routed prefix
// locator. Directories are skipped. Plain URLs cannot be listed.
func (f *Fetcher) List(ctx context.Context, locator string) ([]string, error) {
	res, err := f.ns.Resolve(locator)
	if err != nil {
		if errors.Is(err, namespace.ErrNoRoute) {
			return nil, fmt.Errorf("backend.Fetcher.List: %q: %w", locator, ErrNoRoute)
		}
		return nil, err
	}
	b, err := f.reg.Get(res.BackendName)
	if err != nil {
		return nil, fmt.Errorf("backend.Fetcher.List: %w", err)
	}
	entries, err := b.List(ctx, res.RemotePath)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if l, ok := f.ns.Locator(res.BackendName, path.Join(res.RemotePath, e.Path)); ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// Close closes every backend.
func (f *Fetcher) Close() error {
	return f.reg.Close()
}

func isHTTP(locator string) bool {
	l := strings.ToLower(locator)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}
