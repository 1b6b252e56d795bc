package cache

import (
	"log/slog"
	"sync"
)

// Worker runs submitted jobs one at a time in submission order on a single
// goroutine. Submit never blocks the caller; the backlog is unbounded.
type Worker struct {
	name string

	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// NewWorker starts a serial worker.
func NewWorker(name string) *Worker {
	w := &Worker{
		name:    name,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Submit queues fn. It reports false when the worker has been closed.
func (w *Worker) Submit(fn func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, fn)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Drain blocks until every job submitted before the call has run. It must not
// be called from a job running on the same worker.
func (w *Worker) Drain() {
	done := make(chan struct{})
	if !w.Submit(func() { close(done) }) {
		<-w.stopped
		return
	}
	<-done
}

// Close runs the remaining backlog, then stops the goroutine.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.stopped
		return
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.stopped
}

func (w *Worker) loop() {
	defer close(w.stopped)
	for range w.wake {
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				closed := w.closed
				w.mu.Unlock()
				if closed {
					slog.Debug("worker stopped", "component", "worker", "name", w.name)
					return
				}
				break
			}
			batch := w.queue
			w.queue = nil
			w.mu.Unlock()

			for _, fn := range batch {
				fn()
			}
		}
	}
}

// Pool runs jobs concurrently with at most size in flight. Used for object
// generation, which may be CPU heavy and must not stall the serial workers.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool creates a bounded pool. size < 1 is treated as 1.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Go runs fn on its own goroutine once a slot is free.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		fn()
	}()
}

// Wait blocks until every job started with Go has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
