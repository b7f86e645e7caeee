// Package zone provides zones: named pools of isolated workers that run
// module calls.
//
// A zone is created once per id with Create and looked up with Get. The
// process-wide registry holds zones weakly, so a zone lives exactly as long
// as its callers keep a reference to it; once the last reference is dropped
// the garbage collector reclaims it, its workers shut down, and Get stops
// returning it.
//
// Every worker evaluates the standard library before Create returns, so no
// caller task can reach a worker that is not ready.
package zone

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-zones/engine"
	"github.com/wippyai/wasm-zones/errors"
	"github.com/wippyai/wasm-zones/loader"
	"github.com/wippyai/wasm-zones/scheduler"
	"github.com/wippyai/wasm-zones/task"
	"github.com/wippyai/wasm-zones/worker"
)

// ErrZoneExists is returned by Create when a live zone already has the id.
var ErrZoneExists = errors.New(errors.PhaseZone, errors.KindAlreadyExists).
	Detail("zone already exists").
	Build()

// Settings configure a zone. They are fixed once the zone is created.
type Settings struct {
	// Logger receives zone diagnostics. Nil disables logging.
	Logger *zap.Logger

	// ID names the zone in the registry.
	ID string

	// ModuleRoot is the directory modules are loaded from. Empty allows only
	// built-in and evaluated modules.
	ModuleRoot string

	// Engine is the template for every worker engine. Worker, Workers and
	// Logger are filled in per worker; Cache defaults to one cache per zone.
	Engine engine.Config

	// Workers is the pool size. 0 means runtime.NumCPU().
	Workers int

	// PinWorkers pins each worker thread to a CPU.
	PinWorkers bool
}

func (s Settings) validate() error {
	if s.ID == "" {
		return errors.InvalidInput(errors.PhaseZone, "zone id is required")
	}
	if s.Workers < 0 {
		return errors.New(errors.PhaseZone, errors.KindInvalidInput).
			Path(s.ID).
			Value(s.Workers).
			Detail("worker count cannot be negative").
			Build()
	}
	return nil
}

// Zone is a pool of workers.
type Zone struct {
	sched    *scheduler.Scheduler
	log      *zap.Logger
	settings Settings
}

// resources are released by the cleanup once the zone is unreachable.
type resources struct {
	sched *scheduler.Scheduler
	cache wazero.CompilationCache
	log   *zap.Logger
}

// release runs on the runtime's cleanup goroutine. Closing the scheduler
// waits for in-flight tasks, so it happens on a goroutine of its own.
func (r resources) release() {
	go r.close()
}

func (r resources) close() {
	r.sched.Close()
	if r.cache != nil {
		if err := r.cache.Close(context.Background()); err != nil {
			r.log.Warn("close compilation cache", zap.Error(err))
		}
	}
	zonesLive.Dec()
	r.log.Debug("zone reclaimed")
}

var registry = struct {
	zones map[string]weak.Pointer[Zone]
	mu    sync.Mutex
}{zones: make(map[string]weak.Pointer[Zone])}

// bootstrapSource returns the module evaluated on every worker at creation.
var bootstrapSource = engine.Stdlib

// Create constructs a zone and registers it under s.ID. It returns
// ErrZoneExists when a live zone already has that id. Invalid settings are
// returned as errors; a zone whose workers cannot be initialized or
// bootstrapped is a fatal condition and panics with an *errors.Error.
func Create(s Settings) (*Zone, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	if s.Workers == 0 {
		s.Workers = runtime.NumCPU()
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if wp, ok := registry.zones[s.ID]; ok {
		if wp.Value() != nil {
			return nil, ErrZoneExists
		}
		delete(registry.zones, s.ID)
	}

	z := construct(s)
	registry.zones[s.ID] = weak.Make(z)
	return z, nil
}

// Get returns the live zone registered under id, or nil. An entry whose zone
// has been reclaimed is erased.
func Get(id string) *Zone {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	wp, ok := registry.zones[id]
	if !ok {
		return nil
	}
	z := wp.Value()
	if z == nil {
		delete(registry.zones, id)
		return nil
	}
	return z
}

// FromWorker returns the zone owning worker context w, or nil when the zone
// has been reclaimed or w belongs to no zone.
func FromWorker(w *worker.Context) *Zone {
	if w == nil {
		return nil
	}
	wp, ok := w.Get(worker.ItemZone).(weak.Pointer[Zone])
	if !ok {
		return nil
	}
	return wp.Value()
}

func construct(s Settings) *Zone {
	log := s.Logger.Named("zone").With(zap.String("zone", s.ID))
	z := &Zone{settings: s, log: log}

	var owned wazero.CompilationCache
	cache := s.Engine.Cache
	if cache == nil {
		owned = wazero.NewCompilationCache()
		cache = owned
	}

	sched, err := scheduler.New(scheduler.Config{
		Workers:    s.Workers,
		PinWorkers: s.PinWorkers,
		Logger:     log,
	}, initializer(weak.Make(z), s, cache, log))
	if err != nil {
		closeCache(owned)
		log.Error("worker initialization failed", zap.Error(err))
		panic(errors.Wrap(errors.PhaseBootstrap, errors.KindNotInitialized, err, "initialize workers of zone "+s.ID))
	}

	if err := bootstrap(sched, log); err != nil {
		sched.Close()
		closeCache(owned)
		log.Error("bootstrap failed", zap.Error(err))
		panic(err)
	}

	z.sched = sched
	zonesLive.Inc()
	runtime.AddCleanup(z, resources.release, resources{sched: sched, cache: owned, log: log})
	log.Debug("zone created", zap.Int("workers", s.Workers))
	return z
}

func closeCache(c wazero.CompilationCache) {
	if c != nil {
		_ = c.Close(context.Background())
	}
}

// initializer builds the context of each worker: its engine, its loader and
// a weak reference back to the zone.
func initializer(zp weak.Pointer[Zone], s Settings, cache wazero.CompilationCache, log *zap.Logger) scheduler.Initializer {
	return func(id worker.ID) (*worker.Context, error) {
		wlog := log.Named("worker").With(zap.Int("worker", int(id)))

		cfg := s.Engine
		cfg.Cache = cache
		cfg.Worker = int(id)
		cfg.Workers = s.Workers
		cfg.Logger = wlog

		eng, err := engine.New(context.Background(), cfg)
		if err != nil {
			return nil, err
		}

		w := worker.New(id)
		for _, slot := range []struct {
			item worker.Item
			v    any
		}{
			{worker.ItemZone, zp},
			{worker.ItemEngine, eng},
			{worker.ItemLoader, loader.New(s.ModuleRoot, loader.Builtins(), eng, wlog)},
		} {
			if err := w.Set(slot.item, slot.v); err != nil {
				eng.Close(context.Background())
				return nil, err
			}
		}
		w.Seal()
		return w, nil
	}
}

// bootstrap evaluates the standard library on every worker and blocks until
// all of them have reported.
func bootstrap(sched *scheduler.Scheduler, log *zap.Logger) error {
	start := time.Now()

	var remaining atomic.Int32
	remaining.Store(int32(sched.Workers()))
	var failed atomic.Pointer[task.Result]
	done := make(chan struct{})

	t := task.NewEvalTask(bootstrapSource(), engine.StdlibName, func(r task.Result) {
		if !r.OK() {
			failed.CompareAndSwap(nil, &r)
		}
		if remaining.Add(-1) == 0 {
			close(done)
		}
	})
	if err := sched.ScheduleOnAllWorkers(t); err != nil {
		return errors.Wrap(errors.PhaseBootstrap, errors.KindClosed, err, "schedule standard library")
	}
	<-done

	elapsed := time.Since(start)
	bootstrapDuration.Observe(elapsed.Seconds())
	if r := failed.Load(); r != nil {
		return errors.Wrap(errors.PhaseBootstrap, errors.KindInstantiation, r.Err, "evaluate standard library")
	}
	log.Debug("bootstrap complete", zap.Duration("elapsed", elapsed))
	return nil
}

// ID returns the zone id.
func (z *Zone) ID() string {
	return z.settings.ID
}

// Settings returns a copy of the zone settings.
func (z *Zone) Settings() Settings {
	return z.settings
}

// Workers returns the number of workers.
func (z *Zone) Workers() int {
	return z.sched.Workers()
}

// Execute runs spec on one worker, the least loaded one, and calls cb with
// the Result. A positive spec.Options.Timeout bounds how long cb waits.
// spec is not consumed and may be executed again.
func (z *Zone) Execute(spec task.FunctionSpec, cb task.Callback) {
	complete := observed(opExecute, time.Now(), cb)
	cc := task.NewCallContext(spec.Clone(), complete)
	z.log.Debug("execute",
		zap.String("call", cc.ID),
		zap.String("module", spec.Module),
		zap.String("function", spec.Function))

	t := task.WithTimeout(task.NewCallTask(cc), spec.Options.Timeout)
	if err := z.sched.Schedule(t); err != nil {
		complete(task.Result{Code: task.InternalError, Err: err})
	}
}

// Broadcast runs spec on every worker and calls cb once, with the Result of
// the worker that completed last. Failures of other workers are not
// reported; use BroadcastAll to see every Result.
func (z *Zone) Broadcast(spec task.FunctionSpec, cb task.Callback) {
	last := observed(opBroadcast, time.Now(), cb)

	n := z.sched.Workers()
	var remaining atomic.Int32
	remaining.Store(int32(n))
	for i := 0; i < n; i++ {
		z.dispatch(worker.ID(i), spec.Clone(), func(r task.Result) {
			if remaining.Add(-1) == 0 {
				last(r)
			}
		})
	}
}

// BroadcastAll runs spec on every worker and calls cb once with all Results,
// indexed by worker id.
func (z *Zone) BroadcastAll(spec task.FunctionSpec, cb func([]task.Result)) {
	start := time.Now()

	n := z.sched.Workers()
	results := make([]task.Result, n)
	var remaining atomic.Int32
	remaining.Store(int32(n))
	for i := 0; i < n; i++ {
		z.dispatch(worker.ID(i), spec.Clone(), func(r task.Result) {
			results[i] = r
			if remaining.Add(-1) != 0 {
				return
			}
			code := task.Success
			for _, r := range results {
				if !r.OK() {
					code = r.Code
					break
				}
			}
			observed(opBroadcast, start, nil)(task.Result{Code: code})
			if cb != nil {
				cb(results)
			}
		})
	}
}

func (z *Zone) dispatch(id worker.ID, spec task.FunctionSpec, complete task.Callback) {
	cc := task.NewCallContext(spec, complete)
	z.log.Debug("dispatch",
		zap.String("call", cc.ID),
		zap.Int("worker", int(id)),
		zap.String("module", spec.Module),
		zap.String("function", spec.Function))

	t := task.WithTimeout(task.NewCallTask(cc), spec.Options.Timeout)
	if err := z.sched.ScheduleOnWorker(id, t); err != nil {
		complete(task.Result{Code: task.InternalError, Err: err})
	}
}

// Eval evaluates source on every worker. A non-empty origin registers the
// module under that name. cb receives the first failed Result, or a
// successful one when every worker succeeded.
func (z *Zone) Eval(source []byte, origin string, cb task.Callback) {
	complete := observed(opEval, time.Now(), cb)

	var remaining atomic.Int32
	remaining.Store(int32(z.sched.Workers()))
	var failed atomic.Pointer[task.Result]

	t := task.NewEvalTask(source, origin, func(r task.Result) {
		if !r.OK() {
			failed.CompareAndSwap(nil, &r)
		}
		if remaining.Add(-1) != 0 {
			return
		}
		if f := failed.Load(); f != nil {
			complete(*f)
			return
		}
		complete(r)
	})
	if err := z.sched.ScheduleOnAllWorkers(t); err != nil {
		complete(task.Result{Code: task.InternalError, Err: err})
	}
}
