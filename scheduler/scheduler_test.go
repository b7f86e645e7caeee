package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wippyai/wasm-zones/errors"
	"github.com/wippyai/wasm-zones/worker"
)

type funcTask func(w *worker.Context)

func (f funcTask) Run(w *worker.Context) { f(w) }

func plainInit(id worker.ID) (*worker.Context, error) {
	return worker.New(id), nil
}

func newScheduler(t *testing.T, n int) *Scheduler {
	t.Helper()
	s, err := New(Config{Workers: n}, plainInit)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestNew(t *testing.T) {
	t.Run("initializer runs once per worker", func(t *testing.T) {
		var mu sync.Mutex
		seen := map[worker.ID]int{}
		s, err := New(Config{Workers: 4}, func(id worker.ID) (*worker.Context, error) {
			mu.Lock()
			seen[id]++
			mu.Unlock()
			return worker.New(id), nil
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer s.Close()

		if s.Workers() != 4 {
			t.Errorf("Workers() = %d, want 4", s.Workers())
		}
		for id := worker.ID(0); id < 4; id++ {
			if seen[id] != 1 {
				t.Errorf("worker %d initialized %d times", id, seen[id])
			}
		}
	})

	t.Run("zero workers uses cpu count", func(t *testing.T) {
		s := newScheduler(t, 0)
		if s.Workers() < 1 {
			t.Errorf("Workers() = %d", s.Workers())
		}
	})

	t.Run("pinned", func(t *testing.T) {
		s, err := New(Config{Workers: 2, PinWorkers: true}, plainInit)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		s.Close()
	})

	tests := []struct {
		name string
		cfg  Config
		init Initializer
		kind errors.Kind
	}{
		{"negative workers", Config{Workers: -1}, plainInit, errors.KindInvalidInput},
		{"nil initializer", Config{Workers: 1}, nil, errors.KindInvalidInput},
		{
			"initializer error",
			Config{Workers: 3},
			func(id worker.ID) (*worker.Context, error) {
				if id == 2 {
					return nil, errors.InvalidInput(errors.PhaseZone, "boom")
				}
				return worker.New(id), nil
			},
			errors.KindInvalidInput,
		},
		{
			"nil context",
			Config{Workers: 1},
			func(worker.ID) (*worker.Context, error) { return nil, nil },
			errors.KindNotInitialized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, tt.init)
			if err == nil {
				s.Close()
				t.Fatal("expected error")
			}
			if !errors.HasKind(err, tt.kind) {
				t.Errorf("error = %v, want kind %s", err, tt.kind)
			}
		})
	}
}

func TestScheduleOnWorker_FIFO(t *testing.T) {
	s := newScheduler(t, 2)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		err := s.ScheduleOnWorker(1, funcTask(func(w *worker.Context) {
			if w.ID() != 1 {
				t.Errorf("ran on worker %d", w.ID())
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}))
		if err != nil {
			t.Fatalf("ScheduleOnWorker: %v", err)
		}
	}
	wait(t, done)

	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d", i, v)
		}
	}
}

func TestScheduleOnWorker_OutOfRange(t *testing.T) {
	s := newScheduler(t, 2)
	for _, id := range []worker.ID{-1, 2, 10} {
		err := s.ScheduleOnWorker(id, funcTask(func(*worker.Context) {}))
		if !errors.HasKind(err, errors.KindOutOfBounds) {
			t.Errorf("id %d: error = %v", id, err)
		}
	}
}

func idle(t *testing.T, s *Scheduler, id worker.ID) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Pending(id) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker %d still has %d pending", id, s.Pending(id))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSchedule_LeastPending(t *testing.T) {
	s := newScheduler(t, 2)

	gate := make(chan struct{})
	started := make(chan worker.ID, 1)
	if err := s.Schedule(funcTask(func(w *worker.Context) {
		started <- w.ID()
		<-gate
	})); err != nil {
		t.Fatal(err)
	}
	busy := <-started

	ran := make(chan worker.ID, 10)
	for i := 0; i < 10; i++ {
		done := make(chan struct{})
		if err := s.Schedule(funcTask(func(w *worker.Context) {
			ran <- w.ID()
			close(done)
		})); err != nil {
			t.Fatal(err)
		}
		wait(t, done)
		idle(t, s, 1-busy)
	}
	close(gate)

	for i := 0; i < 10; i++ {
		if id := <-ran; id == busy {
			t.Errorf("task placed on busy worker %d", id)
		}
	}
}

func TestSchedule_Spreads(t *testing.T) {
	s := newScheduler(t, 4)

	gate := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	used := map[worker.ID]bool{}
	wg.Add(4)
	for i := 0; i < 4; i++ {
		if err := s.Schedule(funcTask(func(w *worker.Context) {
			mu.Lock()
			used[w.ID()] = true
			mu.Unlock()
			wg.Done()
			<-gate
		})); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	close(gate)

	if len(used) != 4 {
		t.Errorf("used %d workers, want 4", len(used))
	}
}

func TestScheduleOnAllWorkers(t *testing.T) {
	s := newScheduler(t, 3)

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	seen := make([]atomic.Bool, 3)
	err := s.ScheduleOnAllWorkers(funcTask(func(w *worker.Context) {
		count.Add(1)
		seen[w.ID()].Store(true)
		wg.Done()
	}))
	if err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if count.Load() != 3 {
		t.Errorf("ran %d times", count.Load())
	}
	for i := range seen {
		if !seen[i].Load() {
			t.Errorf("worker %d skipped", i)
		}
	}
}

func TestPanicRecovered(t *testing.T) {
	s := newScheduler(t, 1)

	if err := s.Schedule(funcTask(func(*worker.Context) { panic("boom") })); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	if err := s.Schedule(funcTask(func(*worker.Context) { close(done) })); err != nil {
		t.Fatal(err)
	}
	wait(t, done)

	idle(t, s, 0)
}

func TestClose(t *testing.T) {
	t.Run("drains queues", func(t *testing.T) {
		s, err := New(Config{Workers: 2}, plainInit)
		if err != nil {
			t.Fatal(err)
		}
		var count atomic.Int32
		for i := 0; i < 50; i++ {
			if err := s.Schedule(funcTask(func(*worker.Context) {
				time.Sleep(100 * time.Microsecond)
				count.Add(1)
			})); err != nil {
				t.Fatal(err)
			}
		}
		s.Close()
		if count.Load() != 50 {
			t.Errorf("ran %d of 50", count.Load())
		}
	})

	t.Run("rejects after close", func(t *testing.T) {
		s, err := New(Config{Workers: 1}, plainInit)
		if err != nil {
			t.Fatal(err)
		}
		s.Close()
		s.Close()

		if !s.Closed() {
			t.Error("Closed() = false")
		}
		noop := funcTask(func(*worker.Context) {})
		for name, err := range map[string]error{
			"Schedule":             s.Schedule(noop),
			"ScheduleOnWorker":     s.ScheduleOnWorker(0, noop),
			"ScheduleOnAllWorkers": s.ScheduleOnAllWorkers(noop),
		} {
			if !errors.HasKind(err, errors.KindClosed) {
				t.Errorf("%s: error = %v", name, err)
			}
		}
	})
}

func TestPending(t *testing.T) {
	s := newScheduler(t, 1)
	if s.Pending(5) != 0 || s.Pending(-1) != 0 {
		t.Error("out of range Pending should be 0")
	}

	gate := make(chan struct{})
	for i := 0; i < 3; i++ {
		if err := s.ScheduleOnWorker(0, funcTask(func(*worker.Context) { <-gate })); err != nil {
			t.Fatal(err)
		}
	}
	if p := s.Pending(0); p != 3 {
		t.Errorf("Pending(0) = %d, want 3", p)
	}
	close(gate)
}
