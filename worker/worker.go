// Package worker defines the per-worker context record.
//
// A Context is created by the zone's worker initializer on the worker's own
// thread, filled once, and sealed. Tasks receive it on every run.
package worker

import (
	"context"
	"sync/atomic"

	"github.com/wippyai/wasm-zones/engine"
	"github.com/wippyai/wasm-zones/errors"
	"github.com/wippyai/wasm-zones/loader"
)

// ID identifies a worker within its zone, in [0, workers).
type ID int

// Item names a slot of the context record.
type Item int

const (
	// ItemZone holds a weak reference to the owning zone. It never holds a
	// strong one, so workers do not keep their zone alive.
	ItemZone Item = iota
	ItemWorkerID
	ItemEngine
	ItemLoader

	itemCount
)

func (i Item) String() string {
	switch i {
	case ItemZone:
		return "zone"
	case ItemWorkerID:
		return "worker_id"
	case ItemEngine:
		return "engine"
	case ItemLoader:
		return "loader"
	default:
		return "unknown"
	}
}

// Context is the record a worker passes to every task it runs.
type Context struct {
	items  [itemCount]any
	id     ID
	sealed atomic.Bool
	closed atomic.Bool
}

// New creates an unsealed context for worker id.
func New(id ID) *Context {
	c := &Context{id: id}
	c.items[ItemWorkerID] = id
	return c
}

// Set stores v in slot item. It fails once the context is sealed.
func (c *Context) Set(item Item, v any) error {
	if item < 0 || item >= itemCount {
		return errors.OutOfBounds(errors.PhaseZone, []string{"worker"}, int(item), int(itemCount))
	}
	if c.sealed.Load() {
		return errors.New(errors.PhaseZone, errors.KindInvalidInput).
			Path("worker", item.String()).
			Detail("context is sealed").
			Build()
	}
	c.items[item] = v
	return nil
}

// Get returns the value of slot item, or nil.
func (c *Context) Get(item Item) any {
	if item < 0 || item >= itemCount {
		return nil
	}
	return c.items[item]
}

// Seal makes the context read-only.
func (c *Context) Seal() {
	c.sealed.Store(true)
}

func (c *Context) Sealed() bool {
	return c.sealed.Load()
}

func (c *Context) ID() ID {
	return c.id
}

// Engine returns the worker engine, or nil before initialization.
func (c *Context) Engine() *engine.Engine {
	e, _ := c.items[ItemEngine].(*engine.Engine)
	return e
}

// Loader returns the worker module loader, or nil before initialization.
func (c *Context) Loader() *loader.Loader {
	l, _ := c.items[ItemLoader].(*loader.Loader)
	return l
}

// Close releases the worker engine. It is idempotent.
func (c *Context) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e := c.Engine(); e != nil {
		return e.Close(ctx)
	}
	return nil
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying w.
func WithContext(ctx context.Context, w *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, w)
}

// FromContext returns the worker carried by ctx, or nil.
func FromContext(ctx context.Context) *Context {
	w, _ := ctx.Value(ctxKey{}).(*Context)
	return w
}
