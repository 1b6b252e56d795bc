package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHealthzHandler_AllHealthy(t *testing.T) {
	defaultHealthChecker.mu.Lock()
	defaultHealthChecker.checks = nil
	defaultHealthChecker.mu.Unlock()
	RegisterHealthCheck("test-ok", func() error { return nil })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthzHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "ok" {
		t.Fatalf("expected ok, got %q", status.Status)
	}
}

func TestHealthzHandler_Degraded(t *testing.T) {
	defaultHealthChecker.mu.Lock()
	defaultHealthChecker.checks = nil
	defaultHealthChecker.mu.Unlock()
	RegisterHealthCheck("healthy", func() error { return nil })
	RegisterHealthCheck("broken", func() error { return errors.New("db down") })
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthzHandler(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", status.Status)
	}
}

func TestHealthzHandler_NoChecks(t *testing.T) {
	defaultHealthChecker.mu.Lock()
	defaultHealthChecker.checks = nil
	defaultHealthChecker.mu.Unlock()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthzHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMetricsCounters(t *testing.T) {
	CacheHits.WithLabelValues("memory").Inc()
	CacheMisses.Inc()
	CacheEvictions.WithLabelValues("disk").Inc()
	CacheSize.WithLabelValues("test", "disk").Set(1024)
	CacheUtilization.WithLabelValues("test").Set(0.5)
	FetchActive.Set(3)
	FetchPending.Set(7)
	FetchDeduplicated.Inc()
	FetchDuration.WithLabelValues("memory").Observe(0.0001)
	BackendRequestDuration.WithLabelValues("test-be", "get").Observe(0.01)
	BackendErrors.WithLabelValues("test-be", "timeout").Inc()
	BackendBytesRead.WithLabelValues("test-be").Add(4096)

	if got := testutil.ToFloat64(FetchPending); got != 7 {
		t.Errorf("FetchPending = %v, want 7", got)
	}
	if got := testutil.ToFloat64(CacheSize.WithLabelValues("test", "disk")); got != 1024 {
		t.Errorf("CacheSize = %v, want 1024", got)
	}
}

func TestDirHealthCheck(t *testing.T) {
	dir := t.TempDir()
	if err := DirHealthCheck(dir)(); err != nil {
		t.Fatalf("existing dir: %v", err)
	}
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := DirHealthCheck(file)(); err == nil {
		t.Error("regular file should fail the check")
	}
	if err := DirHealthCheck(filepath.Join(dir, "missing"))(); err == nil {
		t.Error("missing dir should fail the check")
	}
}

func TestRegisterHealthCheck_Concurrent(t *testing.T) {
	defaultHealthChecker.mu.Lock()
	defaultHealthChecker.checks = nil
	defaultHealthChecker.mu.Unlock()
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			RegisterHealthCheck("test", func() error { return nil })
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	status := runChecks()
	if status.Status != "ok" {
		t.Fatalf("expected ok, got %s", status.Status)
	}
}
