package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hoard/hoard/pkg/app"
	"github.com/hoard/hoard/pkg/backend"
	"github.com/hoard/hoard/pkg/cache"
	"github.com/hoard/hoard/pkg/config"
	"github.com/hoard/hoard/pkg/control"
	"github.com/hoard/hoard/pkg/metrics"
	"github.com/hoard/hoard/pkg/telemetry"
)

const localPrefix = "local://photos"

// testEnv holds all the moving parts for one e2e scenario: an HTTP origin,
// a local directory served through rclone, the image cache stack and its
// admin API.
type testEnv struct {
	sourceDir string
	cfg       *config.Config
	stack     *app.Stack[*cache.Image]
	api       *httptest.Server

	origin     *httptest.Server
	originHits atomic.Int64
	gate       chan struct{} // when non-nil, origin requests for /slow/ block on it
}

func newTestEnv(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in -short mode")
	}

	env := &testEnv{sourceDir: t.TempDir()}
	seedTestFiles(t, env.sourceDir)

	env.origin = httptest.NewServer(http.HandlerFunc(env.serveOrigin))
	t.Cleanup(env.origin.Close)

	cfg := config.Default()
	cfg.Cache.Root = t.TempDir()
	cfg.Cache.AttributeStore = "index"
	cfg.Cache.StorageFormat = "png"
	cfg.Cache.MemoryMaxSize = 1 << 20
	cfg.Cache.DiskMaxSize = 64 << 20
	cfg.Cache.MaxConcurrentDownloads = 4
	cfg.Backends = []config.BackendConfig{{
		Name:   "photos",
		Type:   "local",
		Prefix: localPrefix,
		Config: map[string]string{"root": env.sourceDir},
	}}
	if tweak != nil {
		tweak(cfg)
	}
	env.cfg = cfg

	stack, err := app.Build(cfg, cache.Codec[*cache.Image](cache.ImageCodec{}))
	if err != nil {
		t.Fatalf("build stack: %v", err)
	}
	env.stack = stack

	srv := control.NewServer("", stack.Registry, stack.Runtime.Coordinator())
	srv.SetLister(stack.Fetcher)
	env.api = httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		env.api.Close()
		if env.gate != nil {
			select {
			case <-env.gate:
			default:
				close(env.gate)
			}
		}
		stack.Close()
	})
	return env
}

func (e *testEnv) serveOrigin(w http.ResponseWriter, r *http.Request) {
	e.originHits.Add(1)
	switch {
	case strings.HasPrefix(r.URL.Path, "/missing"):
		http.NotFound(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/broken"):
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	case strings.HasPrefix(r.URL.Path, "/garbage"):
		w.Write([]byte("definitely not an image"))
		return
	case strings.HasPrefix(r.URL.Path, "/slow/") && e.gate != nil:
		<-e.gate
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(pngBytes(16, 16, color.RGBA{R: 200, A: 255}))
}

func (e *testEnv) cache() *cache.Cache[*cache.Image] {
	return e.stack.Default()
}

func (e *testEnv) request(t *testing.T, locator string) (*cache.Image, bool, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := e.cache().Request(locator, cache.RequestOptions[*cache.Image]{}, nil)
	if _, err := p.Wait(ctx); err != nil {
		return nil, false, err
	}
	return p.Result()
}

func (e *testEnv) apiCall(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.api.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func pngBytes(w, h int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

// seedTestFiles writes a flat set of PNGs plus a nested directory that a
// prefix prefetch must not descend into.
func seedTestFiles(t *testing.T, dir string) {
	t.Helper()
	for i := 0; i < 5; i++ {
		writeFile(t, dir, fmt.Sprintf("img%02d.png", i), pngBytes(8+i, 8+i, color.Gray{Y: uint8(40 * i)}))
	}
	writeFile(t, dir, "nested/deep.png", pngBytes(4, 4, color.White))
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// ─── Request path ───

func TestE2E_RequestAcrossBackends(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, loc := range []string{env.origin.URL + "/a.png", localPrefix + "/img02.png"} {
		img, fromCache, err := env.request(t, loc)
		if err != nil {
			t.Fatalf("request %s: %v", loc, err)
		}
		if fromCache {
			t.Errorf("%s: first request should come from the network", loc)
		}
		if img.Format != "png" {
			t.Errorf("%s: format = %q", loc, img.Format)
		}

		// Memory hit.
		if _, fromCache, err = env.request(t, loc); err != nil || !fromCache {
			t.Errorf("%s: second request fromCache=%v err=%v", loc, fromCache, err)
		}

		// Disk hit once memory is gone.
		env.cache().Drain()
		env.cache().HandleMemoryPressure()
		img, fromCache, err = env.request(t, loc)
		if err != nil || !fromCache {
			t.Fatalf("%s: disk request fromCache=%v err=%v", loc, fromCache, err)
		}
		if img.Cost() == 0 {
			t.Errorf("%s: decoded image from disk is empty", loc)
		}
	}

	if got := env.originHits.Load(); got != 1 {
		t.Errorf("origin hits = %d, want 1", got)
	}
	if got := env.cache().Stats().DiskSize; got == 0 {
		t.Error("disk tier should hold both images")
	}
}

func TestE2E_ConcurrentRequestsShareOneFetch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gate = make(chan struct{})
	loc := env.origin.URL + "/slow/shared.png"

	const n = 16
	pendings := make([]*cache.PendingFetch[*cache.Image], n)
	for i := range pendings {
		pendings[i] = env.cache().Request(loc, cache.RequestOptions[*cache.Image]{}, nil)
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.stack.Runtime.Coordinator().Stats().Deduplicated < n-1 {
		if time.Now().After(deadline) {
			t.Fatalf("coordinator stats = %+v", env.stack.Runtime.Coordinator().Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(env.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, p := range pendings {
		if _, err := p.Wait(ctx); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if got := env.originHits.Load(); got != 1 {
		t.Errorf("origin hits = %d, want 1", got)
	}
}

func TestE2E_ConcurrencyCeiling(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Cache.MaxConcurrentDownloads = 2 })
	env.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		p := env.cache().Request(fmt.Sprintf("%s/slow/%d.png", env.origin.URL, i), cache.RequestOptions[*cache.Image]{}, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := p.Wait(ctx); err != nil {
				errs <- err
			}
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st := env.stack.Runtime.Coordinator().Stats()
		if st.Active == 2 && st.Pending == 4 {
			break
		}
		if st.Active > 2 {
			t.Fatalf("active = %d, ceiling is 2", st.Active)
		}
		if time.Now().After(deadline) {
			t.Fatalf("coordinator stats = %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Raise the ceiling through the admin API.
	if code := env.apiCall(t, http.MethodPut, "/api/v1/coordinator?max_concurrent=6", "", nil); code != http.StatusOK {
		t.Fatalf("set max_concurrent status = %d", code)
	}
	deadline = time.Now().Add(5 * time.Second)
	for env.stack.Runtime.Coordinator().Stats().Pending != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("coordinator stats = %+v", env.stack.Runtime.Coordinator().Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(env.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// ─── Failure isolation ───

func TestE2E_FailureIsolation(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []struct {
		name    string
		locator string
		check   func(error) bool
	}{
		{"http 404", env.origin.URL + "/missing.png", func(err error) bool { return errors.Is(err, backend.ErrNotFound) }},
		{"http 500", env.origin.URL + "/broken.png", func(err error) bool { return errors.Is(err, backend.ErrHTTPStatus) }},
		{"undecodable", env.origin.URL + "/garbage.png", func(err error) bool { return errors.Is(err, cache.ErrDecode) }},
		{"missing local file", localPrefix + "/nope.png", func(err error) bool { return errors.Is(err, backend.ErrNotFound) }},
		{"no route", "ftp://elsewhere/x.png", func(err error) bool { return errors.Is(err, backend.ErrNoRoute) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := env.request(t, tc.locator)
			if err == nil || !tc.check(err) {
				t.Errorf("err = %v", err)
			}
			if env.cache().IsAvailable(tc.locator) {
				t.Error("failed fetch must not leave a disk entry")
			}
		})
	}

	// Healthy locators still work after the failures.
	if _, _, err := env.request(t, localPrefix+"/img00.png"); err != nil {
		t.Fatalf("healthy request: %v", err)
	}
}

// ─── Admin API ───

func TestE2E_PrefetchPrefixThroughAPI(t *testing.T) {
	env := newTestEnv(t, nil)
	name := env.cache().Name()

	var first cache.PrefetchProgress
	body := fmt.Sprintf(`{"prefix":%q,"valid_for":"1h","workers":3}`, localPrefix)
	if code := env.apiCall(t, http.MethodPost, "/api/v1/caches/"+name+"/prefetch", body, &first); code != http.StatusOK {
		t.Fatalf("prefetch status = %d", code)
	}
	if first.Total != 5 || first.Fetched != 5 || first.Failed != 0 {
		t.Errorf("first prefetch = %+v", first)
	}

	var status struct {
		Available bool `json:"available"`
	}
	env.apiCall(t, http.MethodGet, "/api/v1/caches/"+name+"/objects?locator="+localPrefix+"/img03.png", "", &status)
	if !status.Available {
		t.Error("img03 should be on disk after prefetch")
	}
	if env.cache().IsAvailable(localPrefix + "/nested/deep.png") {
		t.Error("prefetch must not descend into subdirectories")
	}

	var second cache.PrefetchProgress
	env.apiCall(t, http.MethodPost, "/api/v1/caches/"+name+"/prefetch", body, &second)
	if second.Skipped != 5 || second.Fetched != 0 {
		t.Errorf("second prefetch = %+v", second)
	}

	// Prefetched entries serve from disk without touching memory first.
	if st := env.cache().Stats(); st.Objects != 0 {
		t.Errorf("prefetch populated memory: %+v", st)
	}
	if _, fromCache, err := env.request(t, localPrefix+"/img01.png"); err != nil || !fromCache {
		t.Errorf("request after prefetch fromCache=%v err=%v", fromCache, err)
	}
}

func TestE2E_PrefetchBadPrefix(t *testing.T) {
	env := newTestEnv(t, nil)
	name := env.cache().Name()

	code := env.apiCall(t, http.MethodPost, "/api/v1/caches/"+name+"/prefetch", `{"prefix":"ftp://nowhere"}`, nil)
	if code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", code, http.StatusBadGateway)
	}
}

func TestE2E_PruneAndNukeThroughAPI(t *testing.T) {
	env := newTestEnv(t, nil)
	name := env.cache().Name()

	for i := 0; i < 5; i++ {
		if _, _, err := env.request(t, fmt.Sprintf("%s/img%02d.png", localPrefix, i)); err != nil {
			t.Fatal(err)
		}
	}
	env.cache().Drain()

	var before cache.Stats
	env.apiCall(t, http.MethodGet, "/api/v1/caches/"+name, "", &before)
	if before.DiskSize == 0 || before.Objects != 5 {
		t.Fatalf("before = %+v", before)
	}

	target := before.DiskSize / 2
	if code := env.apiCall(t, http.MethodPost, fmt.Sprintf("/api/v1/caches/%s/prune?memory=0&disk=%d", name, target), "", nil); code != http.StatusOK {
		t.Fatalf("prune status = %d", code)
	}
	env.cache().Drain()
	st := env.cache().Stats()
	if st.DiskSize > target {
		t.Errorf("disk size after prune = %d, target %d", st.DiskSize, target)
	}
	if st.MemorySize > st.MemoryMaxSize {
		t.Errorf("memory size after prune = %d, max %d", st.MemorySize, st.MemoryMaxSize)
	}

	if code := env.apiCall(t, http.MethodPost, "/api/v1/caches/"+name+"/nuke", "", nil); code != http.StatusOK {
		t.Fatalf("nuke status = %d", code)
	}
	env.cache().Drain()
	if st := env.cache().Stats(); st.DiskSize != 0 || st.Objects != 0 {
		t.Errorf("after nuke = %+v", st)
	}
	if env.cache().IsAvailable(localPrefix + "/img00.png") {
		t.Error("entry survived nuke")
	}
}

func TestE2E_NamedCachesAreIsolated(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Caches = []config.CacheOverride{{Name: "thumbs", StorageFormat: "jpeg"}}
	})
	thumbs, err := env.stack.Cache("thumbs")
	if err != nil {
		t.Fatal(err)
	}

	loc := localPrefix + "/img04.png"
	if _, err := thumbs.Get(context.Background(), loc); err != nil {
		t.Fatal(err)
	}
	thumbs.Drain()
	if !thumbs.IsAvailable(loc) {
		t.Error("thumbs should hold the entry")
	}
	if env.cache().IsAvailable(loc) {
		t.Error("default cache should not see an entry stored in thumbs")
	}

	var list []cache.Stats
	env.apiCall(t, http.MethodGet, "/api/v1/caches", "", &list)
	if len(list) != 2 {
		t.Errorf("caches = %+v", list)
	}
}

// ─── Telemetry and metrics ───

func TestE2E_TelemetryFileSink(t *testing.T) {
	eventsPath := filepath.Join(t.TempDir(), "events.jsonl")
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Telemetry = config.TelemetryConfig{
			Enabled:          true,
			Sink:             "file",
			FilePath:         eventsPath,
			SampleMemoryHits: 1,
			BatchSize:        1,
			FlushInterval:    10 * time.Millisecond,
		}
	})

	loc := env.origin.URL + "/tele.png"
	for i := 0; i < 2; i++ {
		if _, _, err := env.request(t, loc); err != nil {
			t.Fatal(err)
		}
	}
	env.cache().Drain()
	if err := env.stack.Telemetry.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(eventsPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var sources []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var evt telemetry.FetchEvent
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			t.Fatalf("bad event line %q: %v", sc.Text(), err)
		}
		if evt.Locator != loc {
			t.Errorf("event locator = %q", evt.Locator)
		}
		sources = append(sources, evt.Source)
	}
	if len(sources) != 2 || sources[0] != telemetry.SourceNetwork || sources[1] != telemetry.SourceMemory {
		t.Errorf("event sources = %v", sources)
	}
}

func TestE2E_MetricsAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, _, err := env.request(t, env.origin.URL+"/m.png"); err != nil {
		t.Fatal(err)
	}
	env.stack.RegisterHealthChecks()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", metrics.HealthzHandler)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	text, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{
		"hoard_cache_miss_total",
		"hoard_cache_size_bytes",
		"hoard_fetch_duration_seconds",
		"hoard_backend_bytes_read_total",
		"hoard_backend_request_duration_seconds",
	} {
		if !bytes.Contains(text, []byte(name)) {
			t.Errorf("missing metric %q in /metrics output", name)
		}
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health metrics.HealthStatus
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || health.Status != "ok" {
		t.Errorf("healthz = %d %+v", resp.StatusCode, health)
	}
	if _, ok := health.Checks["disk:"+env.cache().Name()]; !ok {
		t.Errorf("missing disk check in %+v", health.Checks)
	}

	// A failing check degrades health.
	metrics.RegisterHealthCheck("scratch", metrics.DirHealthCheck(filepath.Join(t.TempDir(), "gone")))
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("healthz with a failing check = %d", resp.StatusCode)
	}
}
