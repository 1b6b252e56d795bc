package cache

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/hoard/hoard/pkg/metrics"
)

type memoryEntry[T Object] struct {
	key        Key
	object     T
	cost       int64
	accessedAt time.Time
}

// MemoryStore is the in-process tier. It is bounded by the sum of entry
// costs; once that sum passes 1.25x the max size a prune is scheduled on the
// maintenance worker which evicts least recently accessed entries until the
// sum is back at or under the max size. The most recent entry is never
// evicted by a prune.
type MemoryStore[T Object] struct {
	name        string
	maintenance *Worker
	now         func() time.Time

	mu             sync.Mutex
	entries        map[Key]*memoryEntry[T]
	currentSize    int64
	maxSize        int64
	pruneScheduled bool
}

// NewMemoryStore creates an empty store. maxSize <= 0 picks a default from
// host memory.
func NewMemoryStore[T Object](name string, maxSize int64, maintenance *Worker) *MemoryStore[T] {
	if maxSize <= 0 {
		maxSize = DefaultMemorySize()
	}
	return &MemoryStore[T]{
		name:        name,
		maintenance: maintenance,
		now:         time.Now,
		entries:     make(map[Key]*memoryEntry[T]),
		maxSize:     maxSize,
	}
}

// Store inserts or replaces the entry for key. Storing the identical object
// again is a no-op.
func (m *MemoryStore[T]) Store(key Key, obj T) {
	cost := obj.Cost()

	m.mu.Lock()
	if old, ok := m.entries[key]; ok {
		if sameObject(old.object, obj) {
			m.mu.Unlock()
			return
		}
		m.currentSize -= old.cost
	}
	m.entries[key] = &memoryEntry[T]{key: key, object: obj, cost: cost, accessedAt: m.now()}
	m.currentSize += cost
	over := m.currentSize > limitFor(m.maxSize)
	size := m.currentSize
	m.mu.Unlock()

	metrics.CacheSize.WithLabelValues(m.name, "memory").Set(float64(size))
	if over {
		m.schedulePrune()
	}
}

// Fetch returns the object for key and marks it as just accessed.
func (m *MemoryStore[T]) Fetch(key Key) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	e.accessedAt = m.now()
	return e.object, true
}

// Contains reports presence without touching the access time.
func (m *MemoryStore[T]) Contains(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// Remove drops key and reports whether it was present.
func (m *MemoryStore[T]) Remove(key Key) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
		m.currentSize -= e.cost
	}
	size := m.currentSize
	m.mu.Unlock()
	if ok {
		metrics.CacheSize.WithLabelValues(m.name, "memory").Set(float64(size))
	}
	return ok
}

// Flush empties the store.
func (m *MemoryStore[T]) Flush() {
	m.mu.Lock()
	m.entries = make(map[Key]*memoryEntry[T])
	m.currentSize = 0
	m.mu.Unlock()
	metrics.CacheSize.WithLabelValues(m.name, "memory").Set(0)
}

// HandleMemoryPressure drops every entry.
func (m *MemoryStore[T]) HandleMemoryPressure() {
	n := m.Len()
	m.Flush()
	metrics.MemoryPressureEvents.Inc()
	slog.Info("memory pressure: flushed memory tier", "component", "cache", "cache", m.name, "entries", n)
}

// Prune schedules an eviction down to target on the maintenance worker.
// target <= 0 means the max size.
func (m *MemoryStore[T]) Prune(target int64) {
	m.maintenance.Submit(func() { m.pruneTo(target) })
}

// SetMaxSize changes the budget and prunes to it.
func (m *MemoryStore[T]) SetMaxSize(n int64) {
	if n <= 0 {
		n = DefaultMemorySize()
	}
	m.mu.Lock()
	m.maxSize = n
	m.mu.Unlock()
	m.Prune(0)
}

func (m *MemoryStore[T]) MaxSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSize
}

func (m *MemoryStore[T]) CurrentSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSize
}

func (m *MemoryStore[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryStore[T]) schedulePrune() {
	m.mu.Lock()
	if m.pruneScheduled {
		m.mu.Unlock()
		return
	}
	m.pruneScheduled = true
	m.mu.Unlock()

	if !m.maintenance.Submit(func() {
		m.mu.Lock()
		m.pruneScheduled = false
		m.mu.Unlock()
		m.pruneTo(0)
	}) {
		m.mu.Lock()
		m.pruneScheduled = false
		m.mu.Unlock()
	}
}

// pruneTo evicts least recently accessed entries while the store is above
// target and holds more than one entry.
func (m *MemoryStore[T]) pruneTo(target int64) {
	m.mu.Lock()
	if target <= 0 {
		target = m.maxSize
	}
	if m.currentSize <= target {
		m.mu.Unlock()
		return
	}

	byAge := make([]*memoryEntry[T], 0, len(m.entries))
	for _, e := range m.entries {
		byAge = append(byAge, e)
	}
	sort.Slice(byAge, func(i, j int) bool {
		if byAge[i].accessedAt.Equal(byAge[j].accessedAt) {
			return byAge[i].key < byAge[j].key
		}
		return byAge[i].accessedAt.Before(byAge[j].accessedAt)
	})

	evicted := 0
	for _, e := range byAge {
		if m.currentSize <= target || len(m.entries) <= 1 {
			break
		}
		delete(m.entries, e.key)
		m.currentSize -= e.cost
		evicted++
	}
	size := m.currentSize
	m.mu.Unlock()

	if evicted > 0 {
		metrics.CacheEvictions.WithLabelValues("memory").Add(float64(evicted))
		metrics.CacheSize.WithLabelValues(m.name, "memory").Set(float64(size))
		slog.Debug("memory prune completed", "component", "cache", "cache", m.name,
			"evicted", evicted, "remaining", size, "target", target)
	}
}

// sameObject reports whether a and b are the same object: identical pointers
// for reference types, equal values for comparable value types.
func sameObject[T Object](a, b T) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() {
		return !va.IsValid() && !vb.IsValid()
	}
	switch va.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Kind() == vb.Kind() && va.Pointer() == vb.Pointer()
	}
	if va.Type() != vb.Type() || !va.Type().Comparable() {
		return false
	}
	return va.Interface() == vb.Interface()
}
