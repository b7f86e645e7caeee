// Package loader resolves module names to callable modules on one worker.
//
// Resolution order:
//
//  1. a module already registered in the worker engine
//  2. a built-in native module from the Registry
//  3. the file <root>/<name>.wasm, evaluated in the worker engine
//
// Every resolved module is registered in the engine, so later lookups on the
// same worker hit step 1.
package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-zones/engine"
	"github.com/wippyai/wasm-zones/errors"
)

// Extension is appended to module names that do not carry it.
const Extension = ".wasm"

// Loader is bound to one worker engine.
type Loader struct {
	engine   *engine.Engine
	builtins *Registry
	log      *zap.Logger
	root     string
}

// New creates a loader for eng. An empty root disables filesystem modules;
// a nil registry disables built-ins.
func New(root string, builtins *Registry, eng *engine.Engine, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		engine:   eng,
		builtins: builtins,
		log:      log,
		root:     root,
	}
}

// Root returns the module root directory.
func (l *Loader) Root() string {
	return l.root
}

// Require returns the module name, loading it on first use.
func (l *Loader) Require(ctx context.Context, name string) (engine.Module, error) {
	if name == "" {
		return nil, errors.InvalidInput(errors.PhaseLoad, "module name cannot be empty")
	}

	if m, ok := l.engine.Module(name); ok {
		return m, nil
	}

	if l.builtins != nil {
		if m, ok := l.builtins.Lookup(name); ok {
			if err := l.engine.Register(name, m); err != nil {
				return nil, err
			}
			l.log.Debug("loaded builtin module", zap.String("module", name))
			return m, nil
		}
	}

	if l.root == "" {
		return nil, errors.NotFound(errors.PhaseLoad, "module", name)
	}

	file, err := l.resolve(name)
	if err != nil {
		return nil, err
	}

	src, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(errors.PhaseLoad, "module", name)
		}
		return nil, errors.Load("read module "+name, err)
	}

	if err := l.engine.Eval(ctx, src, name); err != nil {
		return nil, errors.Load("evaluate module "+name, err)
	}
	l.log.Debug("loaded module file", zap.String("module", name), zap.String("file", file))

	m, ok := l.engine.Module(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseLoad, "module", name)
	}
	return m, nil
}

// resolve maps a module name to a file below root. Names that escape root
// are rejected.
func (l *Loader) resolve(name string) (string, error) {
	rel := filepath.FromSlash(name)
	if !strings.HasSuffix(rel, Extension) {
		rel += Extension
	}
	if !filepath.IsLocal(rel) {
		return "", errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Value(name).
			Detail("module path %q escapes the module root", name).
			Build()
	}
	return filepath.Join(l.root, rel), nil
}
