package engine

import (
	"github.com/wippyai/wasm-zones/wasm"
)

// StdlibName is the origin under which the standard library is evaluated on
// every worker.
const StdlibName = "std"

// Standard library exports.
const (
	StdWorkerID    = "worker_id"
	StdWorkerCount = "worker_count"
	StdSleep       = "sleep"
	StdNow         = "now"
	StdAdd         = "add"
)

var stdlib = buildStdlib()

// Stdlib returns the standard library binary. It imports the zone host
// module and re-exports its functions under stable names, plus add(i64, i64).
func Stdlib() []byte {
	out := make([]byte, len(stdlib))
	copy(out, stdlib)
	return out
}

func buildStdlib() []byte {
	i32 := []wasm.ValType{wasm.I32}
	i64 := []wasm.ValType{wasm.I64}

	b := wasm.NewBuilder()
	workerID := b.Import(HostModuleName, HostWorkerID, wasm.FuncType{Results: i32})
	workerCount := b.Import(HostModuleName, HostWorkerCount, wasm.FuncType{Results: i32})
	sleepMs := b.Import(HostModuleName, HostSleepMs, wasm.FuncType{Params: i64})
	nowMs := b.Import(HostModuleName, HostNowMs, wasm.FuncType{Results: i64})

	b.Export(StdWorkerID, b.Func(wasm.FuncType{Results: i32}, nil, wasm.NewCode().Call(workerID)))
	b.Export(StdWorkerCount, b.Func(wasm.FuncType{Results: i32}, nil, wasm.NewCode().Call(workerCount)))
	b.Export(StdSleep, b.Func(wasm.FuncType{Params: i64}, nil, wasm.NewCode().LocalGet(0).Call(sleepMs)))
	b.Export(StdNow, b.Func(wasm.FuncType{Results: i64}, nil, wasm.NewCode().Call(nowMs)))
	b.Export(StdAdd, b.Func(wasm.FuncType{Params: []wasm.ValType{wasm.I64, wasm.I64}, Results: i64}, nil,
		wasm.NewCode().LocalGet(0).LocalGet(1).I64Add()))

	return b.Bytes()
}
