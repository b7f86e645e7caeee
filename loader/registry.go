package loader

import (
	"sort"
	"sync"

	"github.com/wippyai/wasm-zones/engine"
	"github.com/wippyai/wasm-zones/errors"
)

// Registry holds built-in native modules by name. Registered modules are
// shared by every worker, so they must be safe for concurrent use.
type Registry struct {
	modules map[string]engine.Module
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]engine.Module),
	}
}

var builtins = NewRegistry()

// Builtins returns the process-wide registry consulted by zones.
func Builtins() *Registry {
	return builtins
}

// Register adds m to the process-wide registry.
func Register(m engine.Module) error {
	return builtins.Register(m)
}

// Register adds m under its name.
func (r *Registry) Register(m engine.Module) error {
	name := m.Name()
	if name == "" {
		return errors.InvalidInput(errors.PhaseLoad, "module name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[name]; ok {
		return errors.AlreadyExists(errors.PhaseLoad, "builtin module", name)
	}
	r.modules[name] = m
	return nil
}

// Unregister removes name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[name]; !ok {
		return false
	}
	delete(r.modules, name)
	return true
}

func (r *Registry) Lookup(name string) (engine.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
