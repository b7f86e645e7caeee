// Package scheduler runs tasks on a fixed pool of workers.
//
// Each worker is a goroutine locked to its own OS thread for its whole
// lifetime, optionally pinned to a CPU. A worker owns a FIFO queue and runs
// its tasks one at a time with its worker context. Schedule places a task on
// the least loaded worker; ScheduleOnWorker and ScheduleOnAllWorkers address
// workers explicitly.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-zones/errors"
	"github.com/wippyai/wasm-zones/task"
	"github.com/wippyai/wasm-zones/worker"
)

// ErrClosed is returned when scheduling on a closed scheduler.
var ErrClosed = errors.Closed(errors.PhaseSchedule, "scheduler")

// Initializer builds the context of worker id. It runs on the worker's
// thread before the worker accepts tasks.
type Initializer func(id worker.ID) (*worker.Context, error)

// Config holds scheduler configuration.
type Config struct {
	Logger *zap.Logger

	// Workers is the pool size. 0 means runtime.NumCPU().
	Workers int

	// PinWorkers pins worker i to CPU i modulo the CPU count.
	PinWorkers bool
}

// Scheduler is a fixed pool of workers.
type Scheduler struct {
	log     *zap.Logger
	workers []*slot
	wg      sync.WaitGroup
	next    atomic.Uint32
	closed  atomic.Bool
}

type slot struct {
	ctx     *worker.Context
	queue   *queue.Queue
	log     *zap.Logger
	cond    *sync.Cond
	id      worker.ID
	mu      sync.Mutex
	pending atomic.Int32
	closing bool
}

// New starts the workers and waits until every initializer has returned.
// When any initializer fails the started workers are shut down and the
// first error is returned.
func New(cfg Config, initFn Initializer) (*Scheduler, error) {
	if cfg.Workers < 0 {
		return nil, errors.InvalidInput(errors.PhaseSchedule, "worker count cannot be negative")
	}
	if initFn == nil {
		return nil, errors.InvalidInput(errors.PhaseSchedule, "initializer is required")
	}
	n := cfg.Workers
	if n == 0 {
		n = runtime.NumCPU()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Scheduler{
		log:     log,
		workers: make([]*slot, n),
	}

	errs := make([]error, n)
	var ready sync.WaitGroup
	ready.Add(n)
	for i := range s.workers {
		w := &slot{
			id:    worker.ID(i),
			queue: queue.New(),
			log:   log.With(zap.Int("worker", i)),
		}
		w.cond = sync.NewCond(&w.mu)
		s.workers[i] = w

		s.wg.Add(1)
		go s.run(w, cfg.PinWorkers, initFn, &ready, &errs[i])
	}
	ready.Wait()

	for _, err := range errs {
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	log.Debug("scheduler started", zap.Int("workers", n))
	return s, nil
}

func (s *Scheduler) run(w *slot, pin bool, initFn Initializer, ready *sync.WaitGroup, initErr *error) {
	defer s.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if pin {
		cpu := int(w.id) % runtime.NumCPU()
		if err := setAffinity(cpu); err != nil {
			w.log.Warn("cpu pinning failed", zap.Int("cpu", cpu), zap.Error(err))
		}
	}

	ctx, err := initFn(w.id)
	if err == nil && ctx == nil {
		err = errors.NotInitialized(errors.PhaseSchedule, "worker context")
	}
	if err != nil {
		*initErr = err
		ready.Done()
		return
	}
	w.ctx = ctx
	ready.Done()

	for {
		t, ok := w.take()
		if !ok {
			break
		}
		w.execute(t)
	}

	if err := ctx.Close(context.Background()); err != nil {
		w.log.Warn("close worker context", zap.Error(err))
	}
}

// take blocks for the next task. It returns false once the worker is
// closing and its queue is drained.
func (w *slot) take() (task.Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.queue.Length() == 0 {
		if w.closing {
			return nil, false
		}
		w.cond.Wait()
	}
	return w.queue.Remove().(task.Task), true
}

func (w *slot) execute(t task.Task) {
	defer w.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("task panicked", zap.Any("panic", r))
		}
	}()
	t.Run(w.ctx)
}

func (w *slot) push(t task.Task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closing {
		return false
	}
	w.pending.Add(1)
	w.queue.Add(t)
	w.cond.Signal()
	return true
}

// Workers returns the pool size.
func (s *Scheduler) Workers() int {
	return len(s.workers)
}

// Pending returns the number of queued and running tasks of worker id.
func (s *Scheduler) Pending(id worker.ID) int {
	if id < 0 || int(id) >= len(s.workers) {
		return 0
	}
	return int(s.workers[id].pending.Load())
}

// Schedule places t on the worker with the fewest pending tasks. Ties are
// broken round-robin.
func (s *Scheduler) Schedule(t task.Task) error {
	if s.closed.Load() {
		return ErrClosed
	}

	n := len(s.workers)
	start := int(s.next.Add(1)-1) % n
	best := s.workers[start]
	for i := 1; i < n && best.pending.Load() > 0; i++ {
		w := s.workers[(start+i)%n]
		if w.pending.Load() < best.pending.Load() {
			best = w
		}
	}

	if !best.push(t) {
		return ErrClosed
	}
	return nil
}

// ScheduleOnWorker places t on worker id.
func (s *Scheduler) ScheduleOnWorker(id worker.ID, t task.Task) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if id < 0 || int(id) >= len(s.workers) {
		return errors.OutOfBounds(errors.PhaseSchedule, []string{"worker"}, int(id), len(s.workers))
	}
	if !s.workers[id].push(t) {
		return ErrClosed
	}
	return nil
}

// ScheduleOnAllWorkers places the same task value on every worker.
func (s *Scheduler) ScheduleOnAllWorkers(t task.Task) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for _, w := range s.workers {
		if !w.push(t) {
			return ErrClosed
		}
	}
	return nil
}

// Close lets every worker drain its queue, closes the worker contexts, and
// waits for the workers to exit. It is idempotent.
func (s *Scheduler) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	for _, w := range s.workers {
		w.mu.Lock()
		w.closing = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}
	s.wg.Wait()
	s.log.Debug("scheduler closed")
}

// Closed reports whether Close has been called.
func (s *Scheduler) Closed() bool {
	return s.closed.Load()
}
