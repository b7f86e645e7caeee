package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-zones/errors"
	"github.com/wippyai/wasm-zones/transport"
)

// Module is a callable unit registered in an engine.
//
// Arguments and results are transport values. Call returns a *errors.Error
// of KindNotFound in PhaseDispatch when the function does not exist, and
// only then. Any failure raised by the function itself is KindScript; errors
// of other phases are reported as script errors too.
type Module interface {
	Name() string
	Call(ctx context.Context, function string, args []any) (any, error)
	Functions() []Signature
}

// wasmModule exposes the exported functions of an instance.
type wasmModule struct {
	mod  api.Module
	name string
}

func (m *wasmModule) Name() string {
	return m.name
}

func (m *wasmModule) Call(ctx context.Context, function string, args []any) (any, error) {
	fn := m.mod.ExportedFunction(function)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseDispatch, "function", m.name+"."+function)
	}

	def := fn.Definition()
	params := def.ParamTypes()
	if len(args) != len(params) {
		return nil, errors.New(errors.PhaseDispatch, errors.KindInvalidInput).
			Path(m.name, function).
			Detail("expected %d argument(s), got %d", len(params), len(args)).
			Build()
	}

	raw := make([]uint64, len(args))
	for i, arg := range args {
		v, err := lowerArg(arg, params[i], []string{m.name, function, fmt.Sprintf("arg%d", i)})
		if err != nil {
			return nil, err
		}
		raw[i] = v
	}

	res, err := fn.Call(ctx, raw...)
	if err != nil {
		return nil, errors.Script(m.name, function, err)
	}

	results := def.ResultTypes()
	switch len(results) {
	case 0:
		return transport.Undefined, nil
	case 1:
		return liftResult(res[0], results[0]), nil
	default:
		out := make([]any, len(results))
		for i, t := range results {
			out[i] = liftResult(res[i], t)
		}
		return out, nil
	}
}

func (m *wasmModule) Functions() []Signature {
	defs := m.mod.ExportedFunctionDefinitions()
	sigs := make([]Signature, 0, len(defs))
	for name, def := range defs {
		sigs = append(sigs, signatureOf(name, def))
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Name < sigs[j].Name })
	return sigs
}

// lowerArg converts a transport value to the core type t.
func lowerArg(v any, t api.ValueType, path []string) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		n, ok := asInt(v)
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseDispatch, path, fmt.Sprintf("%T", v), TypeName(witType(t)))
		}
		if n < math.MinInt32 || n > math.MaxUint32 {
			return 0, errors.Overflow(errors.PhaseDispatch, path, n, "i32")
		}
		return api.EncodeI32(int32(n)), nil
	case api.ValueTypeI64:
		if u, ok := v.(uint64); ok {
			return u, nil
		}
		n, ok := asInt(v)
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseDispatch, path, fmt.Sprintf("%T", v), TypeName(witType(t)))
		}
		return api.EncodeI64(n), nil
	case api.ValueTypeF32:
		f, ok := asFloat(v)
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseDispatch, path, fmt.Sprintf("%T", v), TypeName(witType(t)))
		}
		return api.EncodeF32(float32(f)), nil
	case api.ValueTypeF64:
		f, ok := asFloat(v)
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseDispatch, path, fmt.Sprintf("%T", v), TypeName(witType(t)))
		}
		return api.EncodeF64(f), nil
	default:
		return 0, errors.New(errors.PhaseDispatch, errors.KindUnsupported).
			Path(path...).
			Detail("parameter type %s", api.ValueTypeName(t)).
			Build()
	}
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func liftResult(raw uint64, t api.ValueType) any {
	switch t {
	case api.ValueTypeI32:
		return api.DecodeI32(raw)
	case api.ValueTypeI64:
		return int64(raw)
	case api.ValueTypeF32:
		return api.DecodeF32(raw)
	case api.ValueTypeF64:
		return api.DecodeF64(raw)
	default:
		return raw
	}
}

// Func is the Go implementation of a native module function. The context
// carries the calling worker.
type Func func(ctx context.Context, args []any) (any, error)

// NativeModule is a module implemented in Go. It is safe for concurrent use,
// so one instance may be registered with every worker of a zone.
type NativeModule struct {
	funcs map[string]Func
	sigs  map[string]Signature
	name  string
	mu    sync.RWMutex
}

// NewNativeModule creates an empty native module.
func NewNativeModule(name string) *NativeModule {
	return &NativeModule{
		name:  name,
		funcs: make(map[string]Func),
		sigs:  make(map[string]Signature),
	}
}

func (m *NativeModule) Name() string {
	return m.name
}

// Define adds or replaces function name.
func (m *NativeModule) Define(name string, fn Func) *NativeModule {
	return m.DefineSignature(Signature{Name: name}, fn)
}

// DefineSignature adds or replaces a function with declared parameter and
// result types. The types are descriptive only; arguments are passed as is.
func (m *NativeModule) DefineSignature(sig Signature, fn Func) *NativeModule {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[sig.Name] = fn
	m.sigs[sig.Name] = sig
	return m
}

func (m *NativeModule) Call(ctx context.Context, function string, args []any) (result any, err error) {
	m.mu.RLock()
	fn, ok := m.funcs[function]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseDispatch, "function", m.name+"."+function)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Script(m.name, function, fmt.Errorf("panic: %v", r))
		}
	}()

	result, err = fn(ctx, args)
	if err != nil {
		return nil, errors.Script(m.name, function, err)
	}
	return result, nil
}

func (m *NativeModule) Functions() []Signature {
	m.mu.RLock()
	sigs := make([]Signature, 0, len(m.sigs))
	for _, sig := range m.sigs {
		sigs = append(sigs, sig)
	}
	m.mu.RUnlock()

	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Name < sigs[j].Name })
	return sigs
}
