package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-zones/errors"
	"github.com/wippyai/wasm-zones/transport"
	"github.com/wippyai/wasm-zones/wasm"
)

// Engine is one isolated execution context. It owns a wazero runtime, the
// module registry of its worker, and the share table used by the transport.
// Instances evaluated in one Engine share no memory with any other Engine.
type Engine struct {
	runtime wazero.Runtime
	shares  *transport.ShareTable
	log     *zap.Logger
	modules map[string]Module
	cfg     Config
	mu      sync.RWMutex
	closed  atomic.Bool
}

// Config holds configuration for engine creation
type Config struct {
	// Cache is shared by every engine of a zone so a module compiled on one
	// worker is reused by the others. Nil compiles per engine.
	Cache wazero.CompilationCache

	// Logger receives engine diagnostics. Nil uses Logger().
	Logger *zap.Logger

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// Worker and Workers are reported to guests by the zone host module.
	Worker  int
	Workers int

	// EnableThreads enables the WebAssembly threads proposal (experimental).
	// This allows atomic operations and shared memory within WASM modules.
	// Note: Thread operations are guest-only and not exposed to host functions.
	EnableThreads bool
}

// New creates an engine and instantiates the zone host module in it.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.EnableThreads {
		runtimeCfg = runtimeCfg.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	}
	if cfg.Cache != nil {
		runtimeCfg = runtimeCfg.WithCompilationCache(cfg.Cache)
	}

	log := cfg.Logger
	if log == nil {
		log = Logger()
	}

	e := &Engine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		shares:  transport.NewShareTable(),
		log:     log,
		modules: make(map[string]Module),
		cfg:     cfg,
	}

	if err := instantiateHost(ctx, e.runtime, cfg); err != nil {
		e.runtime.Close(ctx)
		return nil, errors.Instantiation(HostModuleName, err)
	}
	return e, nil
}

// Worker returns the id of the worker owning the engine.
func (e *Engine) Worker() int {
	return e.cfg.Worker
}

// Workers returns the number of workers in the owning zone.
func (e *Engine) Workers() int {
	return e.cfg.Workers
}

// Shares returns the share table of this context.
func (e *Engine) Shares() *transport.ShareTable {
	return e.shares
}

// Eval compiles and instantiates a WebAssembly binary in this engine. A
// non-empty origin names the instance: it is registered as a Module and
// becomes importable by later evaluations under that name.
func (e *Engine) Eval(ctx context.Context, source []byte, origin string) error {
	if e.closed.Load() {
		return errors.Closed(errors.PhaseRuntime, "engine")
	}
	if !wasm.IsModule(source) {
		return errors.InvalidInput(errors.PhaseRuntime, "source is not a WebAssembly module")
	}
	if origin != "" {
		if _, ok := e.Module(origin); ok {
			return errors.AlreadyExists(errors.PhaseRuntime, "module", origin)
		}
	}

	compiled, err := e.runtime.CompileModule(ctx, source)
	if err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "compile module")
	}

	mod, err := e.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(origin))
	if err != nil {
		compiled.Close(ctx)
		return errors.Instantiation(origin, err)
	}

	e.log.Debug("evaluated module",
		zap.String("origin", origin),
		zap.Int("exports", len(mod.ExportedFunctionDefinitions())))

	if origin == "" {
		return nil
	}
	return e.Register(origin, &wasmModule{name: origin, mod: mod})
}

// Register adds m to the module registry under name.
func (e *Engine) Register(name string, m Module) error {
	if name == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "module name is empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.modules[name]; ok {
		return errors.AlreadyExists(errors.PhaseRuntime, "module", name)
	}
	e.modules[name] = m
	return nil
}

// Module returns the registered module name.
func (e *Engine) Module(name string) (Module, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.modules[name]
	return m, ok
}

// Modules returns the registered module names in sorted order.
func (e *Engine) Modules() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	e.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Close releases the share table and the runtime. It is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.shares.Close()
	return e.runtime.Close(ctx)
}
