package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupDiskStore(t *testing.T, maxSize int64, attrMode string) (*DiskStore, *Worker, *fakeClock) {
	t.Helper()
	w := NewWorker("test-maintenance")
	d := NewDiskStore(DiskOptions{
		Name:           "test",
		Dir:            t.TempDir(),
		MaxSize:        maxSize,
		AttributeStore: attrMode,
	}, w)
	clock := newFakeClock()
	d.now = clock.Now
	t.Cleanup(func() {
		d.Close()
		w.Close()
	})
	if !d.Valid() {
		t.Fatal("disk store should be valid")
	}
	d.Drain()
	return d, w, clock
}

func payload(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

// ──────────────── Disk Store Tests ────────────────

func TestDiskStoreRoundTrip(t *testing.T) {
	for _, mode := range []string{AttrStoreAuto, AttrStoreIndex} {
		t.Run(mode, func(t *testing.T) {
			d, _, _ := setupDiskStore(t, 1<<20, mode)
			key := KeyFor("https://example.com/img/cat.png")

			d.StoreData(key, []byte("meow"), time.Time{})
			d.Drain()

			got, ok := d.FetchData(key, time.Time{})
			if !ok || string(got) != "meow" {
				t.Fatalf("FetchData = %q, %v; want meow, true", got, ok)
			}
			if !d.IsAvailable(key) {
				t.Error("IsAvailable should be true")
			}
			if d.CurrentSize() != 4 {
				t.Errorf("CurrentSize = %d, want 4", d.CurrentSize())
			}
		})
	}
}

func TestDiskStoreReplaceAdjustsSize(t *testing.T) {
	d, _, _ := setupDiskStore(t, 1<<20, AttrStoreIndex)
	key := KeyFor("blob")

	d.StoreData(key, payload(100, 'a'), time.Time{})
	d.StoreData(key, payload(40, 'b'), time.Time{})
	d.Drain()

	if d.CurrentSize() != 40 {
		t.Errorf("CurrentSize = %d, want 40", d.CurrentSize())
	}
}

func TestDiskStoreNilDataRemoves(t *testing.T) {
	d, _, _ := setupDiskStore(t, 1<<20, AttrStoreIndex)
	key := KeyFor("blob")

	d.StoreData(key, payload(10, 'a'), time.Time{})
	d.StoreData(key, nil, time.Time{})
	d.Drain()

	if d.IsAvailable(key) {
		t.Error("nil data should remove the entry")
	}
	if d.CurrentSize() != 0 {
		t.Errorf("CurrentSize = %d, want 0", d.CurrentSize())
	}
}

func TestDiskStorePruneOrder(t *testing.T) {
	d, _, _ := setupDiskStore(t, 200, AttrStoreIndex)
	a, b, c := KeyFor("a"), KeyFor("b"), KeyFor("c")

	d.StoreData(a, payload(100, 'a'), time.Time{})
	d.StoreData(b, payload(100, 'b'), time.Time{})
	// 300 > 250 triggers a prune down to 200.
	d.StoreData(c, payload(100, 'c'), time.Time{})
	d.Drain()

	if d.IsAvailable(a) {
		t.Error("oldest entry a should be pruned")
	}
	if !d.IsAvailable(b) || !d.IsAvailable(c) {
		t.Error("b and c should remain")
	}
	if d.CurrentSize() != 200 {
		t.Errorf("CurrentSize = %d, want 200", d.CurrentSize())
	}
}

func TestDiskStorePrunesUnknownAccessFirst(t *testing.T) {
	d, _, _ := setupDiskStore(t, 1<<20, AttrStoreIndex)
	a, b := KeyFor("a"), KeyFor("b")

	d.StoreData(a, payload(100, 'a'), time.Time{})
	d.StoreData(b, payload(100, 'b'), time.Time{})
	d.Drain()

	// A file that appeared without going through the store has no
	// recorded access time.
	stray := KeyFor("stray")
	if err := os.WriteFile(d.Path(stray), payload(100, 's'), 0o644); err != nil {
		t.Fatal(err)
	}

	d.Prune(200)
	d.Drain()

	if d.IsAvailable(stray) {
		t.Error("file with unknown access time should be pruned first")
	}
	if !d.IsAvailable(a) || !d.IsAvailable(b) {
		t.Error("a and b should remain")
	}
	if d.CurrentSize() != 200 {
		t.Errorf("CurrentSize = %d, want 200", d.CurrentSize())
	}
}

func TestDiskStoreReadRefreshesAccess(t *testing.T) {
	d, w, _ := setupDiskStore(t, 200, AttrStoreIndex)
	a, b, c := KeyFor("a"), KeyFor("b"), KeyFor("c")

	d.StoreData(a, payload(100, 'a'), time.Time{})
	d.StoreData(b, payload(100, 'b'), time.Time{})
	d.Drain()

	if _, ok := d.FetchData(a, time.Time{}); !ok {
		t.Fatal("a should be readable")
	}
	w.Drain() // access time refresh lands on the maintenance worker

	d.StoreData(c, payload(100, 'c'), time.Time{})
	d.Drain()

	if !d.IsAvailable(a) {
		t.Error("a was read after b was written and should survive")
	}
	if d.IsAvailable(b) {
		t.Error("b should be pruned")
	}
}

func TestDiskStoreExplicitPrune(t *testing.T) {
	d, _, _ := setupDiskStore(t, 1<<20, AttrStoreIndex)
	keys := []Key{KeyFor("1"), KeyFor("2"), KeyFor("3"), KeyFor("4")}
	for _, k := range keys {
		d.StoreData(k, payload(100, 'x'), time.Time{})
	}
	d.Prune(250)
	d.Drain()

	if d.CurrentSize() != 200 {
		t.Errorf("CurrentSize = %d, want 200", d.CurrentSize())
	}
	if d.IsAvailable(keys[0]) || d.IsAvailable(keys[1]) {
		t.Error("the two oldest entries should be pruned")
	}

	d.SetMaxSize(100)
	d.Drain()
	if d.CurrentSize() != 100 || !d.IsAvailable(keys[3]) {
		t.Errorf("after SetMaxSize(100): size=%d newest present=%v", d.CurrentSize(), d.IsAvailable(keys[3]))
	}
}

func TestDiskStoreFreshnessGate(t *testing.T) {
	d, _, clock := setupDiskStore(t, 1<<20, AttrStoreIndex)
	key := KeyFor("fresh")

	d.StoreData(key, []byte("v1"), time.Time{})
	d.Drain()
	stored := clock.Peek()

	if _, ok := d.FetchData(key, stored.Add(time.Hour)); ok {
		t.Error("entry stored before moreRecentThan should be a miss")
	}
	if _, ok := d.FetchData(key, stored.Add(-time.Hour)); !ok {
		t.Error("entry stored after moreRecentThan should be a hit")
	}
	if _, ok := d.FetchData(KeyFor("missing"), stored.Add(-time.Hour)); ok {
		t.Error("missing entry should be a miss")
	}
}

func TestDiskStoreExpiry(t *testing.T) {
	d, _, clock := setupDiskStore(t, 1<<20, AttrStoreIndex)
	expiring, lasting := KeyFor("expiring"), KeyFor("lasting")

	d.StoreData(expiring, []byte("x"), clock.Peek().Add(2*time.Second))
	d.StoreData(lasting, []byte("y"), clock.Peek().Add(time.Hour))
	d.Drain()

	// Each clock read advances a second; the store consumed several.
	for i := 0; i < 5; i++ {
		clock.Now()
	}
	if _, ok := d.FetchData(expiring, time.Time{}); ok {
		t.Error("expired entry should be a miss")
	}
	if _, ok := d.FetchData(lasting, time.Time{}); !ok {
		t.Error("unexpired entry should be a hit")
	}

	// Rewriting without expiry clears it.
	d.StoreData(expiring, []byte("x2"), time.Time{})
	d.Drain()
	if got, ok := d.FetchData(expiring, time.Time{}); !ok || string(got) != "x2" {
		t.Errorf("rewritten entry = %q, %v; want x2, true", got, ok)
	}
}

func TestDiskStoreClearAll(t *testing.T) {
	d, _, _ := setupDiskStore(t, 1<<20, AttrStoreIndex)
	for _, l := range []string{"a", "b", "c"} {
		d.StoreData(KeyFor(l), payload(10, 'z'), time.Time{})
	}
	d.Drain()

	d.ClearAll()
	d.Drain()

	if d.CurrentSize() != 0 {
		t.Errorf("CurrentSize = %d, want 0", d.CurrentSize())
	}
	entries, err := os.ReadDir(d.Dir())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != indexDirName {
			t.Errorf("unexpected leftover %s", e.Name())
		}
	}
	// Still usable after a clear.
	d.StoreData(KeyFor("a"), []byte("again"), time.Time{})
	d.Drain()
	if _, ok := d.FetchData(KeyFor("a"), time.Time{}); !ok {
		t.Error("store should accept writes after ClearAll")
	}
}

func TestDiskStoreStartupScan(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"x-one.dat", "x-two.dat"} {
		if err := os.WriteFile(filepath.Join(dir, name), payload(50*(i+1), 'q'), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	w := NewWorker("test-maintenance")
	defer w.Close()
	d := NewDiskStore(DiskOptions{Name: "scan", Dir: dir, MaxSize: 1 << 20, AttributeStore: AttrStoreIndex}, w)
	defer d.Close()
	d.Drain()

	if d.CurrentSize() != 150 {
		t.Errorf("CurrentSize = %d, want 150 from existing files", d.CurrentSize())
	}
}

func TestDiskStoreInvalidDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("not a dir"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := NewWorker("test-maintenance")
	defer w.Close()
	d := NewDiskStore(DiskOptions{Name: "bad", Dir: filepath.Join(blocker, "cache")}, w)
	defer d.Close()

	if d.Valid() {
		t.Fatal("store under a regular file should be invalid")
	}
	key := KeyFor("k")
	d.StoreData(key, []byte("data"), time.Time{})
	d.Prune(0)
	d.ClearAll()
	d.Drain()

	if _, ok := d.FetchData(key, time.Time{}); ok {
		t.Error("invalid store should always miss")
	}
	if d.IsAvailable(key) {
		t.Error("invalid store should report nothing available")
	}
}

func TestDiskStoreFormatExtension(t *testing.T) {
	w := NewWorker("test-maintenance")
	defer w.Close()
	d := NewDiskStore(DiskOptions{Name: "png", Dir: t.TempDir(), MaxSize: 1 << 20,
		Format: FormatLossless, AttributeStore: AttrStoreIndex}, w)
	defer d.Close()

	key := KeyFor("https://example.com/photos/beach.jpeg")
	if got := filepath.Ext(d.Path(key)); got != ".png" {
		t.Errorf("extension = %q, want .png", got)
	}
}

func TestDefaultDiskSize(t *testing.T) {
	if n := DefaultDiskSize(t.TempDir()); n <= 0 {
		t.Errorf("DefaultDiskSize = %d, want > 0", n)
	}
}
