// Package engine provides the per-worker execution context of a zone.
//
// Each Engine wraps its own wazero runtime, so modules evaluated on one
// worker share no linear memory, globals, or tables with modules on another.
// The only memory reachable from several engines is the memory behind
// transport shared buffers.
//
// # Architecture
//
//	Engine       - wazero runtime, module registry, share table
//	Module       - callable unit: evaluated wasm instance or NativeModule
//	Signature    - exported function described with WIT types
//
// # Evaluation
//
// Eval compiles and instantiates a WebAssembly binary. With a non-empty
// origin the instance is registered as a Module and can be imported by name
// from modules evaluated later on the same engine:
//
//	if err := e.Eval(ctx, bin, "math"); err != nil {
//	    return err
//	}
//	m, _ := e.Module("math")
//	v, err := m.Call(ctx, "add", []any{int64(1), int64(2)})
//
// # Value Mapping
//
// Arguments are lowered per core parameter type:
//
//	Core Type   Accepted Go Values                       Result
//	──────────────────────────────────────────────────────────────
//	i32         int, int32, int64, uint32, bool, whole float64   int32
//	i64         int, int32, int64, uint32, uint64, whole float64 int64
//	f32         any integer or float                     float32
//	f64         any integer or float                     float64
//
// A function without results returns transport.Undefined; several results
// are returned as []any.
//
// # Host Module
//
// Every engine exposes the "zone" host module:
//
//	worker_id() -> i32      id of the worker running the engine
//	worker_count() -> i32   number of workers in the zone
//	sleep_ms(i64)           blocks the worker
//	now_ms() -> i64         wall clock in unix milliseconds
//
// Stdlib returns the standard library module, which re-exports these
// functions and is evaluated as "std" on every worker during bootstrap.
//
// # Thread Safety
//
// The module registry is safe for concurrent use, but an Engine is meant to
// be driven by the single worker thread that created it.
package engine
