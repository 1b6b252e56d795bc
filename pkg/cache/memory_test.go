package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock hands out strictly increasing instants, one second apart.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// Peek returns the last instant handed out.
func (c *fakeClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type sized struct {
	name string
	cost int64
}

func (s *sized) Cost() int64 { return s.cost }

func setupMemoryStore(t *testing.T, maxSize int64) (*MemoryStore[*sized], *Worker) {
	t.Helper()
	w := NewWorker("test-maintenance")
	t.Cleanup(w.Close)
	m := NewMemoryStore[*sized]("test", maxSize, w)
	m.now = newFakeClock().Now
	return m, w
}

// ──────────────── Memory Store Tests ────────────────

func TestMemoryStoreLRUPrune(t *testing.T) {
	m, w := setupMemoryStore(t, 200)

	m.Store("A", &sized{"A", 100})
	m.Store("B", &sized{"B", 100})
	w.Drain()
	if m.Len() != 2 || m.CurrentSize() != 200 {
		t.Fatalf("after A,B: len=%d size=%d, want 2/200", m.Len(), m.CurrentSize())
	}

	// 300 > 250 (1.25 x 200) schedules a prune back to 200.
	m.Store("C", &sized{"C", 100})
	w.Drain()

	if m.Contains("A") {
		t.Error("A should have been evicted as least recently accessed")
	}
	if !m.Contains("B") || !m.Contains("C") {
		t.Error("B and C should remain")
	}
	if m.CurrentSize() != 200 {
		t.Errorf("CurrentSize = %d, want 200", m.CurrentSize())
	}
}

func TestMemoryStoreFetchRefreshesAccess(t *testing.T) {
	m, w := setupMemoryStore(t, 200)

	m.Store("A", &sized{"A", 100})
	m.Store("B", &sized{"B", 100})
	if _, ok := m.Fetch("A"); !ok {
		t.Fatal("A should be present")
	}
	m.Store("C", &sized{"C", 100})
	w.Drain()

	if !m.Contains("A") {
		t.Error("A was fetched most recently before C and should survive")
	}
	if m.Contains("B") {
		t.Error("B should have been evicted")
	}
}

func TestMemoryStoreUnderLimitDoesNotPrune(t *testing.T) {
	m, w := setupMemoryStore(t, 200)

	m.Store("A", &sized{"A", 100})
	m.Store("B", &sized{"B", 100})
	m.Store("C", &sized{"C", 50}) // 250 == limit, not above it
	w.Drain()

	if m.Len() != 3 {
		t.Errorf("Len = %d, want 3 (no prune at exactly the limit)", m.Len())
	}
}

func TestMemoryStoreNeverEvictsLastEntry(t *testing.T) {
	m, w := setupMemoryStore(t, 100)

	m.Store("huge", &sized{"huge", 1000})
	w.Drain()

	if !m.Contains("huge") {
		t.Fatal("a single oversized entry must survive a prune")
	}
	if m.CurrentSize() != 1000 {
		t.Errorf("CurrentSize = %d, want 1000", m.CurrentSize())
	}
}

func TestMemoryStoreReplace(t *testing.T) {
	m, _ := setupMemoryStore(t, 1000)

	a := &sized{"A", 100}
	m.Store("k", a)
	m.Store("k", a) // identical: no-op
	if m.CurrentSize() != 100 {
		t.Fatalf("CurrentSize = %d after identical store, want 100", m.CurrentSize())
	}

	m.Store("k", &sized{"A2", 300})
	if m.CurrentSize() != 300 {
		t.Errorf("CurrentSize = %d after replace, want 300", m.CurrentSize())
	}
	got, _ := m.Fetch("k")
	if got.name != "A2" {
		t.Errorf("Fetch = %s, want A2", got.name)
	}
}

func TestMemoryStoreRemoveAndFlush(t *testing.T) {
	m, _ := setupMemoryStore(t, 1000)

	for i := 0; i < 5; i++ {
		m.Store(Key(fmt.Sprint(i)), &sized{fmt.Sprint(i), 10})
	}
	if !m.Remove("2") {
		t.Error("Remove should report a present key")
	}
	if m.Remove("2") {
		t.Error("second Remove should report absence")
	}
	if m.CurrentSize() != 40 {
		t.Errorf("CurrentSize = %d, want 40", m.CurrentSize())
	}

	m.HandleMemoryPressure()
	if m.Len() != 0 || m.CurrentSize() != 0 {
		t.Errorf("after pressure: len=%d size=%d, want 0/0", m.Len(), m.CurrentSize())
	}
}

func TestMemoryStoreExplicitPruneAndSetMaxSize(t *testing.T) {
	m, w := setupMemoryStore(t, 1000)

	for i := 0; i < 10; i++ {
		m.Store(Key(fmt.Sprintf("k%02d", i)), &sized{"", 100})
	}
	m.Prune(500)
	w.Drain()
	if m.CurrentSize() != 500 {
		t.Fatalf("CurrentSize = %d after Prune(500), want 500", m.CurrentSize())
	}
	for i := 0; i < 5; i++ {
		if m.Contains(Key(fmt.Sprintf("k%02d", i))) {
			t.Errorf("k%02d should have been evicted first", i)
		}
	}

	m.SetMaxSize(200)
	w.Drain()
	if m.MaxSize() != 200 || m.CurrentSize() != 200 {
		t.Errorf("after SetMaxSize(200): max=%d size=%d", m.MaxSize(), m.CurrentSize())
	}
}

func TestMemoryStoreDefaultSize(t *testing.T) {
	m, _ := setupMemoryStore(t, 0)
	if m.MaxSize() <= 0 || m.MaxSize() > 50*mib {
		t.Errorf("default MaxSize = %d, want in (0, 50Mi]", m.MaxSize())
	}
}

func TestSameObject(t *testing.T) {
	a := &sized{"a", 1}
	b := &sized{"a", 1}
	if !sameObject(a, a) {
		t.Error("same pointer should match")
	}
	if sameObject(a, b) {
		t.Error("distinct pointers should not match")
	}
}
