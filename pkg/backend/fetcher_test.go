package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/hoard/hoard/pkg/config"
	"github.com/hoard/hoard/pkg/namespace"
)

func newTestFetcher(t *testing.T, dir string) *Fetcher {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(newLocalTestBackend(t, dir)); err != nil {
		t.Fatal(err)
	}
	ns := namespace.New([]config.BackendConfig{
		{Name: "test_local", Type: "local", Prefix: "assets://local/"},
	})
	f := NewFetcher(ns, reg, NewHTTPFetcher(HTTPOptions{}), 0)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFetcherRoutesToBackend(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	f := newTestFetcher(t, dir)

	data, err := f.Fetch(context.Background(), "assets://local/subdir/nested.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "nested content" {
		t.Errorf("Fetch = %q", data)
	}

	if _, err := f.Fetch(context.Background(), "assets://local/nope.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing object = %v, want ErrNotFound", err)
	}
}

func TestFetcherHTTPFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from origin"))
	}))
	defer srv.Close()
	f := newTestFetcher(t, t.TempDir())

	data, err := f.Fetch(context.Background(), srv.URL+"/a.jpg")
	if err != nil || string(data) != "from origin" {
		t.Errorf("Fetch = %q, %v", data, err)
	}

	if _, err := f.Fetch(context.Background(), "ftp://elsewhere/x"); !errors.Is(err, ErrNoRoute) {
		t.Errorf("unroutable locator = %v, want ErrNoRoute", err)
	}
}

func TestFetcherSizeCap(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	reg := NewRegistry()
	reg.Register(newLocalTestBackend(t, dir))
	ns := namespace.New([]config.BackendConfig{{Name: "test_local", Prefix: "assets://local"}})
	f := NewFetcher(ns, reg, nil, 1024)
	defer f.Close()

	if _, err := f.Fetch(context.Background(), "assets://local/large.bin"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("large object = %v, want ErrTooLarge", err)
	}
	if _, err := f.Fetch(context.Background(), "https://example.com/x"); !errors.Is(err, ErrNoRoute) {
		t.Errorf("http without an HTTP fetcher = %v, want ErrNoRoute", err)
	}
}

func TestFetcherList(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	f := newTestFetcher(t, dir)

	got, err := f.List(context.Background(), "assets://local/")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(got)
	want := []string{"assets://local/file1.txt", "assets://local/file2.txt", "assets://local/large.bin"}
	if len(got) != len(want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	nested, err := f.List(context.Background(), "assets://local/subdir")
	if err != nil || len(nested) != 1 || nested[0] != "assets://local/subdir/nested.txt" {
		t.Errorf("List(subdir) = %v, %v", nested, err)
	}

	if _, err := f.List(context.Background(), "https://example.com/"); !errors.Is(err, ErrNoRoute) {
		t.Errorf("List of a plain URL = %v, want ErrNoRoute", err)
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	populateTestDir(t, dir)
	cfg := config.Default()
	cfg.Backends = []config.BackendConfig{
		{Name: "files", Type: "local", Prefix: "files://", Config: map[string]string{"root": dir}},
	}

	f, err := FromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	data, err := f.Fetch(context.Background(), "files://file2.txt")
	if err != nil || string(data) != "goodbye world" {
		t.Errorf("Fetch = %q, %v", data, err)
	}
	if _, err := f.Registry().Get("files"); err != nil {
		t.Error(err)
	}

	cfg.Backends[0].Type = "no-such-rclone-type"
	if _, err := FromConfig(cfg); err == nil {
		t.Error("expected error for unknown backend type")
	}
}
