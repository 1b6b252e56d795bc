// Package namespace maps locators onto configured backends by prefix.
package namespace

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hoard/hoard/pkg/config"
)

// ErrNoRoute is returned when no configured prefix matches a locator.
var ErrNoRoute = errors.New("no route")

// ResolveResult holds the backend a locator routes to and the path of the
// object inside that backend.
type ResolveResult struct {
	BackendName string
	RemotePath  string
}

// Route describes one configured prefix.
type Route struct {
	Name   string
	Prefix string
}

// Namespace maps locators to (backend, remote-path) pairs.
type Namespace struct {
	routes []routeEntry
}

type routeEntry struct {
	prefix      string // trailing "/" trimmed, e.g. "s3://datasets"
	raw         string // as configured
	backendName string
}

// New creates a Namespace from backend configurations. Prefixes are sorted
// longest first so the most specific match wins.
func New(backends []config.BackendConfig) *Namespace {
	entries := make([]routeEntry, 0, len(backends))
	for _, b := range backends {
		p := strings.TrimRight(b.Prefix, "/")
		if p == "" {
			continue
		}
		entries = append(entries, routeEntry{prefix: p, raw: b.Prefix, backendName: b.Name})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].prefix) > len(entries[j].prefix)
	})
	return &Namespace{routes: entries}
}

// Resolve maps a locator to a backend name and remote path. A prefix only
// matches on a path boundary: "s3://data" routes "s3://data/x" but not
// "s3://database/x".
func (ns *Namespace) Resolve(locator string) (*ResolveResult, error) {
	for _, r := range ns.routes {
		if locator == r.prefix || strings.HasPrefix(locator, r.prefix+"/") {
			remote := strings.TrimPrefix(locator, r.prefix)
			remote = strings.TrimLeft(remote, "/")
			return &ResolveResult{
				BackendName: r.backendName,
				RemotePath:  remote,
			}, nil
		}
	}
	return nil, fmt.Errorf("namespace: %q: %w", locator, ErrNoRoute)
}

// Locator is the inverse of Resolve: it builds the locator for a remote path
// inside the named backend.
func (ns *Namespace) Locator(backendName, remotePath string) (string, bool) {
	for _, r := range ns.routes {
		if r.backendName == backendName {
			remotePath = strings.TrimLeft(remotePath, "/")
			if remotePath == "" {
				return r.raw, true
			}
			if strings.HasSuffix(r.raw, "/") {
				return r.raw + remotePath, true
			}
			return r.raw + "/" + remotePath, true
		}
	}
	return "", false
}

// Routes returns all configured routes, most specific first.
func (ns *Namespace) Routes() []Route {
	result := make([]Route, len(ns.routes))
	for i, r := range ns.routes {
		result[i] = Route{Name: r.backendName, Prefix: r.raw}
	}
	return result
}
