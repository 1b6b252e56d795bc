package cache

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/hoard/hoard/pkg/telemetry"
)

// RuntimeOptions configures the machinery shared by every cache.
type RuntimeOptions struct {
	MaxConcurrentDownloads int
	GenerationWorkers      int
}

// Runtime owns the coordinator, the maintenance worker and the generation
// pool. Caches built on the same Runtime share one download ceiling.
type Runtime struct {
	coord       *Coordinator
	maintenance *Worker
	generation  *Pool
	hostname    string
	tel         atomic.Pointer[telemetry.Collector]
	closeOnce   sync.Once
}

// NewRuntime starts the shared workers.
func NewRuntime(opts RuntimeOptions) *Runtime {
	host, _ := os.Hostname()
	gen := opts.GenerationWorkers
	if gen < 1 {
		gen = 4
	}
	return &Runtime{
		coord:       NewCoordinator(opts.MaxConcurrentDownloads),
		maintenance: NewWorker("maintenance"),
		generation:  NewPool(gen),
		hostname:    host,
	}
}

// Coordinator returns the shared fetch coordinator.
func (r *Runtime) Coordinator() *Coordinator { return r.coord }

// SetTelemetry routes fetch events to tc. Passing nil disables them.
func (r *Runtime) SetTelemetry(tc *telemetry.Collector) { r.tel.Store(tc) }

func (r *Runtime) telemetry() *telemetry.Collector { return r.tel.Load() }

// Drain waits for coordinator bookkeeping and maintenance work submitted so
// far. Network fetches already running are not waited for.
func (r *Runtime) Drain() {
	r.coord.Drain()
	r.maintenance.Drain()
}

// Close stops the coordinator, lets generation jobs finish and runs the
// remaining maintenance backlog.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		r.coord.Close()
		r.generation.Wait()
		r.maintenance.Close()
	})
}
