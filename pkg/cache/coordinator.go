package cache

import (
	"log/slog"

	"github.com/hoard/hoard/pkg/metrics"
)

// DefaultMaxConcurrentDownloads bounds network fetches when nothing else is
// configured.
const DefaultMaxConcurrentDownloads = 400

// job is what the coordinator schedules. PendingFetch implements it for
// every object type, so one coordinator can serve caches of different types.
type job interface {
	dedupKey() string
	priority() int
	// start begins the network fetch. It must not block.
	start()
	// attach makes dupe wait on this job's result. It fails once the job
	// has completed or been cancelled.
	attach(dupe job) bool
	isComplete() bool
}

// CoordinatorStats is a point-in-time view of the coordinator.
type CoordinatorStats struct {
	Active        int   `json:"active"`
	Pending       int   `json:"pending"`
	MaxConcurrent int   `json:"max_concurrent"`
	Deduplicated  int64 `json:"deduplicated"`
}

// Coordinator admits network fetches: at most MaxConcurrent run at once,
// the rest wait in priority order, and a fetch for a locator that is already
// pending or running is attached to the existing one instead of starting.
//
// All bookkeeping happens on a single serializer worker, so none of the
// fields below need locking.
type Coordinator struct {
	serializer *Worker

	maxConcurrent int
	active        map[job]struct{}
	pending       []job
	deduplicated  int64
}

// NewCoordinator creates a coordinator. maxConcurrent < 1 selects
// DefaultMaxConcurrentDownloads.
func NewCoordinator(maxConcurrent int) *Coordinator {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrentDownloads
	}
	return &Coordinator{
		serializer:    NewWorker("coordinator"),
		maxConcurrent: maxConcurrent,
		active:        make(map[job]struct{}),
	}
}

// submit hands j to the coordinator. It reports false after Close.
func (c *Coordinator) submit(j job) bool {
	return c.serializer.Submit(func() {
		if c.attachToExisting(j) {
			c.deduplicated++
			metrics.FetchDeduplicated.Inc()
			return
		}
		c.enqueue(j)
	})
}

// completed is called when j finished or was cancelled. A cancelled job that
// is still running keeps its slot until its transfer returns.
func (c *Coordinator) completed(j job) {
	c.serializer.Submit(func() {
		c.removePending(j)
		if j.isComplete() {
			delete(c.active, j)
		}
		c.enqueue(nil)
	})
}

// SetMaxConcurrent changes the ceiling. Raising it starts waiting fetches;
// lowering it lets running ones finish.
func (c *Coordinator) SetMaxConcurrent(n int) {
	if n < 1 {
		n = DefaultMaxConcurrentDownloads
	}
	c.serializer.Submit(func() {
		c.maxConcurrent = n
		c.enqueue(nil)
	})
}

// Stats queries the serializer for current counts.
func (c *Coordinator) Stats() CoordinatorStats {
	out := make(chan CoordinatorStats, 1)
	if !c.serializer.Submit(func() {
		out <- CoordinatorStats{
			Active:        len(c.active),
			Pending:       len(c.pending),
			MaxConcurrent: c.maxConcurrent,
			Deduplicated:  c.deduplicated,
		}
	}) {
		return CoordinatorStats{}
	}
	return <-out
}

// Drain waits until every submit and completion issued so far has been
// processed.
func (c *Coordinator) Drain() {
	c.serializer.Drain()
}

// Close stops accepting work. Running fetches still complete; their results
// are delivered but no further fetches are started.
func (c *Coordinator) Close() {
	c.serializer.Close()
}

func (c *Coordinator) attachToExisting(j job) bool {
	key := j.dedupKey()
	for _, p := range c.pending {
		if p.dedupKey() == key && p.attach(j) {
			return true
		}
	}
	for a := range c.active {
		if a.dedupKey() == key && a.attach(j) {
			return true
		}
	}
	return false
}

// enqueue inserts j (if any) after every pending job of equal or higher
// priority, then starts pending jobs while there is room.
func (c *Coordinator) enqueue(j job) {
	if j != nil {
		i := len(c.pending)
		for i > 0 && c.pending[i-1].priority() < j.priority() {
			i--
		}
		c.pending = append(c.pending, nil)
		copy(c.pending[i+1:], c.pending[i:])
		c.pending[i] = j
	}

	for len(c.active) < c.maxConcurrent && len(c.pending) > 0 {
		next := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.active[next] = struct{}{}
		next.start()
	}

	metrics.FetchActive.Set(float64(len(c.active)))
	metrics.FetchPending.Set(float64(len(c.pending)))
	if j != nil && len(c.pending) > 0 && len(c.pending)%1000 == 0 {
		slog.Warn("fetch backlog growing", "component", "coordinator",
			"pending", len(c.pending), "active", len(c.active), "max", c.maxConcurrent)
	}
}

func (c *Coordinator) removePending(j job) {
	for i, p := range c.pending {
		if p == j {
			copy(c.pending[i:], c.pending[i+1:])
			c.pending[len(c.pending)-1] = nil
			c.pending = c.pending[:len(c.pending)-1]
			return
		}
	}
}
