// Package control serves the admin REST API over a set of caches.
package control

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hoard/hoard/pkg/cache"
)

// Source is the set of caches the API administers. cache.Registry
// implements it.
type Source interface {
	Caches() []cache.Admin
	Lookup(name string) (cache.Admin, bool)
}

// Lister expands a prefix locator into the locators under it. The backend
// fetcher implements it.
type Lister interface {
	List(ctx context.Context, locator string) ([]string, error)
}

// Server is the hoard admin API server.
type Server struct {
	addr    string
	src     Source
	coord   *cache.Coordinator
	lister  Lister
	httpSrv *http.Server
}

// NewServer creates an admin server. coord may be nil when the caller has
// no coordinator to expose.
func NewServer(addr string, src Source, coord *cache.Coordinator) *Server {
	if addr == "" {
		addr = ":8070"
	}
	return &Server{addr: addr, src: src, coord: coord}
}

// SetLister enables prefix expansion in prefetch requests.
func (s *Server) SetLister(l Lister) { s.lister = l }

// Handler returns the API routes on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterAPIRoutes(mux)
	return mux
}

// Run starts the HTTP server. It blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin API listening", "component", "control", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("admin API shutting down", "component", "control")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}
