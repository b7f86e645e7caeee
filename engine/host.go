package engine

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
)

// HostModuleName is the import module exposing worker facilities to guests.
const HostModuleName = "zone"

// Host functions exported by the zone module.
const (
	HostWorkerID    = "worker_id"
	HostWorkerCount = "worker_count"
	HostSleepMs     = "sleep_ms"
	HostNowMs       = "now_ms"
)

func instantiateHost(ctx context.Context, r wazero.Runtime, cfg Config) error {
	_, err := r.NewHostModuleBuilder(HostModuleName).
		NewFunctionBuilder().
		WithFunc(func() int32 { return int32(cfg.Worker) }).
		Export(HostWorkerID).
		NewFunctionBuilder().
		WithFunc(func() int32 { return int32(cfg.Workers) }).
		Export(HostWorkerCount).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ms int64) { sleep(ctx, time.Duration(ms)*time.Millisecond) }).
		Export(HostSleepMs).
		NewFunctionBuilder().
		WithFunc(func() int64 { return time.Now().UnixMilli() }).
		Export(HostNowMs).
		Instantiate(ctx)
	return err
}

// sleep blocks the calling worker for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
