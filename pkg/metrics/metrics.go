package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hoard_cache_hit_total",
		Help: "Cache hits by tier (memory, disk)",
	}, []string{"tier"})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoard_cache_miss_total",
		Help: "Lookups that found nothing in memory or on disk",
	})
	CacheSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hoard_cache_size_bytes",
		Help: "Current accounted size per cache and tier (memory cost units, disk bytes)",
	}, []string{"cache", "tier"})
	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hoard_cache_evictions_total",
		Help: "Entries evicted by prune, by tier",
	}, []string{"tier"})
	CacheUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hoard_cache_utilization_ratio",
		Help: "Disk utilization against the configured maximum (0-1)",
	}, []string{"cache"})
	MemoryPressureEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoard_memory_pressure_total",
		Help: "Memory pressure notifications handled",
	})

	// Coordinator metrics
	FetchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hoard_fetch_active",
		Help: "Network fetches currently running",
	})
	FetchPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hoard_fetch_pending",
		Help: "Network fetches waiting for a slot",
	})
	FetchDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoard_fetch_deduplicated_total",
		Help: "Requests attached to an in-flight fetch instead of starting a new one",
	})
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hoard_fetch_duration_seconds",
		Help:    "Time from request to resolution, by source",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"source"})
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hoard_fetch_errors_total",
		Help: "Requests that resolved with an error, by kind",
	}, []string{"kind"})
	Generated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoard_generated_total",
		Help: "Objects produced by a local generator",
	})
	PrefetchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hoard_prefetch_items_total",
		Help: "Prefetch items by result",
	}, []string{"result"})

	// Backend metrics
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hoard_backend_request_duration_seconds",
		Help:    "Backend request duration",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"backend", "operation"})

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hoard_backend_errors_total",
		Help: "Backend errors by type",
	}, []string{"backend", "error_type"})

	BackendBytesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hoard_backend_bytes_read_total",
		Help: "Total bytes read from backends",
	}, []string{"backend"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	CacheHits.WithLabelValues("memory")
	CacheHits.WithLabelValues("disk")
	CacheEvictions.WithLabelValues("memory")
	CacheEvictions.WithLabelValues("disk")
	FetchDuration.WithLabelValues("network")
	FetchErrors.WithLabelValues("fetch")
	PrefetchItems.WithLabelValues("fetched")
	BackendRequestDuration.WithLabelValues("http", "get")
	BackendErrors.WithLabelValues("http", "io")
	BackendBytesRead.WithLabelValues("http")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// healthChecker holds registered health checks.
type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

// runChecks runs all registered health checks.
func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// DirHealthCheck returns a check function that fails when dir is missing or
// not a directory.
func DirHealthCheck(dir string) func() error {
	return func() error {
		fi, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
}

// MetricsServer starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until the provided stop channel is closed, then shuts down gracefully.
func MetricsServer(addr string, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
