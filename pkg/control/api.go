package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hoard/hoard/pkg/cache"
	"github.com/hoard/hoard/pkg/config"
)

// RegisterAPIRoutes registers all REST API routes on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/caches", s.handleCacheList)
	mux.HandleFunc("GET /api/v1/caches/{name}", s.handleCacheStats)
	mux.HandleFunc("POST /api/v1/caches/{name}/prune", s.handlePrune)
	mux.HandleFunc("POST /api/v1/caches/{name}/nuke", s.handleNuke)
	mux.HandleFunc("POST /api/v1/caches/{name}/pressure", s.handlePressure)
	mux.HandleFunc("POST /api/v1/caches/{name}/prefetch", s.handlePrefetch)
	mux.HandleFunc("GET /api/v1/caches/{name}/objects", s.handleObjectStatus)
	mux.HandleFunc("DELETE /api/v1/caches/{name}/objects", s.handleObjectRemove)
	mux.HandleFunc("GET /api/v1/coordinator", s.handleCoordinator)
	mux.HandleFunc("PUT /api/v1/coordinator", s.handleCoordinatorSet)
}

// GET /api/v1/caches
func (s *Server) handleCacheList(w http.ResponseWriter, r *http.Request) {
	caches := s.src.Caches()
	stats := make([]cache.Stats, 0, len(caches))
	for _, c := range caches {
		stats = append(stats, c.Stats())
	}
	writeJSON(w, stats)
}

// GET /api/v1/caches/{name}
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, c.Stats())
}

// POST /api/v1/caches/{name}/prune?memory=<size>&disk=<size>
// A missing or zero target prunes that tier to its max size.
func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	memTarget, err := parseSizeParam(r, "memory", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	diskTarget, err := parseSizeParam(r, "disk", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.Prune(memTarget, diskTarget)
	slog.Info("prune requested", "component", "control", "cache", c.Name(),
		"memory_target", memTarget, "disk_target", diskTarget)
	writeJSON(w, map[string]string{"status": "ok"})
}

// POST /api/v1/caches/{name}/nuke
func (s *Server) handleNuke(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	c.Nuke()
	writeJSON(w, map[string]string{"status": "ok"})
}

// POST /api/v1/caches/{name}/pressure
func (s *Server) handlePressure(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	c.HandleMemoryPressure()
	writeJSON(w, map[string]string{"status": "ok"})
}

type prefetchRequest struct {
	Locators []string `json:"locators"`
	// Prefix is a routed locator whose direct children are added.
	Prefix   string `json:"prefix"`
	ValidFor string `json:"valid_for"`
	Workers  int    `json:"workers"`
}

// POST /api/v1/caches/{name}/prefetch
// Runs to completion (or until the client goes away) and returns the
// final progress.
func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req prefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	var opts cache.PrefetchOptions
	if req.ValidFor != "" {
		d, err := time.ParseDuration(req.ValidFor)
		if err != nil || d <= 0 {
			http.Error(w, fmt.Sprintf("invalid valid_for %q", req.ValidFor), http.StatusBadRequest)
			return
		}
		opts.ValidUntil = time.Now().Add(d)
	}
	opts.Workers = req.Workers

	locators := req.Locators
	if req.Prefix != "" {
		if s.lister == nil {
			http.Error(w, "prefix listing is not configured", http.StatusBadRequest)
			return
		}
		listed, err := s.lister.List(r.Context(), req.Prefix)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		locators = append(locators, listed...)
	}
	if len(locators) == 0 {
		http.Error(w, "locators or prefix is required", http.StatusBadRequest)
		return
	}

	progress, err := c.Prefetch(r.Context(), locators, opts)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cache.ErrDiskUnavailable) || errors.Is(err, cache.ErrNoFetcher) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, progress)
}

// GET /api/v1/caches/{name}/objects?locator=<locator>
func (s *Server) handleObjectStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	locator := r.URL.Query().Get("locator")
	if locator == "" {
		http.Error(w, "locator is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"locator":   locator,
		"key":       cache.KeyFor(locator),
		"available": c.IsAvailable(locator),
	})
}

// DELETE /api/v1/caches/{name}/objects?locator=<locator>
func (s *Server) handleObjectRemove(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	locator := r.URL.Query().Get("locator")
	if locator == "" {
		http.Error(w, "locator is required", http.StatusBadRequest)
		return
	}
	c.Remove(locator)
	writeJSON(w, map[string]string{"status": "ok"})
}

// GET /api/v1/coordinator
func (s *Server) handleCoordinator(w http.ResponseWriter, r *http.Request) {
	if s.coord == nil {
		http.Error(w, "no coordinator", http.StatusNotFound)
		return
	}
	writeJSON(w, s.coord.Stats())
}

// PUT /api/v1/coordinator?max_concurrent=N
func (s *Server) handleCoordinatorSet(w http.ResponseWriter, r *http.Request) {
	if s.coord == nil {
		http.Error(w, "no coordinator", http.StatusNotFound)
		return
	}
	n := parseIntParam(r, "max_concurrent", 0)
	if n < 1 {
		http.Error(w, "max_concurrent must be a positive integer", http.StatusBadRequest)
		return
	}
	s.coord.SetMaxConcurrent(n)
	slog.Info("download ceiling changed", "component", "control", "max_concurrent", n)
	writeJSON(w, s.coord.Stats())
}

// ─── Helpers ──────────────────────────────────────────────────

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (cache.Admin, bool) {
	name := r.PathValue("name")
	c, ok := s.src.Lookup(name)
	if !ok {
		http.Error(w, fmt.Sprintf("cache %q not found", name), http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

// parseSizeParam accepts plain byte counts and human sizes ("512MB").
func parseSizeParam(r *http.Request, name string, defaultVal int64) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal, nil
	}
	n, err := config.ParseSize(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}
