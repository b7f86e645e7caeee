// Package wasm builds small WebAssembly core modules in memory.
//
// The builder covers the subset of the binary format the zone runtime needs
// for its standard library and for test fixtures: function types, function
// imports, one linear memory, function bodies, and exports.
//
// # Building
//
//	b := wasm.NewBuilder()
//	now := b.Import("zone", "now_ms", wasm.FuncType{Results: []wasm.ValType{wasm.I64}})
//	fn := b.Func(wasm.FuncType{Results: []wasm.ValType{wasm.I64}}, nil,
//	    wasm.NewCode().Call(now))
//	b.Export("now", fn)
//	bin := b.Bytes()
//
// Function indices follow the binary format: imported functions come first,
// so every Import must happen before the first Func.
//
// # Instructions
//
// Code accumulates an instruction sequence. The terminating end opcode is
// appended by the builder.
//
//	c := wasm.NewCode().
//	    LocalGet(0).
//	    LocalGet(1).
//	    I64Add()
package wasm
