// Package wasmzones runs WebAssembly and Go modules on pools of isolated
// workers called zones.
//
// Each worker owns a wazero runtime pinned to one goroutine and OS thread.
// Calls cross into a worker as serialized values, so a caller never shares
// memory with the code it runs except through explicitly shared buffers.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	wasmzones/
//	├── zone/        Zone registry, Create/Get, Execute, Broadcast, Eval
//	├── scheduler/   Worker goroutines, per-worker FIFO queues, placement
//	├── worker/      Per-worker context: id, engine, loader, zone back-reference
//	├── task/        Call, eval and timeout tasks, FunctionSpec and Result
//	├── transport/   Value serialization and shared buffer table
//	├── loader/      Module resolution: engine, builtins, then <root>/<name>.wasm
//	├── engine/      wazero integration, host imports, module signatures, stdlib
//	├── wasm/        Core wasm binary builder and LEB128 codec
//	├── errors/      Structured error types with phase and kind
//	├── server/      HTTP API with SQLite-backed zone and call history
//	└── cmd/zones/   CLI, interactive TUI and server entry point
//
// # Quick Start
//
//	z, err := zone.Create(zone.Settings{ID: "app", Workers: 4})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	spec, _ := task.NewFunctionSpec("std", "add", nil, int64(40), int64(2))
//	z.Execute(spec, func(r task.Result) {
//	    v, _ := r.Decode(nil)
//	    fmt.Println(v) // 42
//	})
//
// # Lifetime
//
// The zone registry holds zones weakly. A zone stays alive while a caller
// holds the *zone.Zone; after the last reference is dropped its workers drain
// and stop, and zone.Get no longer returns it.
//
// # Thread Safety
//
// Zone methods are safe for concurrent use. Callbacks run on worker
// goroutines and must not block them for long.
package wasmzones
