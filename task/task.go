// Package task defines the units of work run by zone workers.
//
// A Task runs on one worker thread with that worker's context. EvalTask and
// CallTask report through a completion callback; TimeoutTask wraps either of
// them and decides, with a single atomic flag, whether the deadline or the
// inner completion reaches the caller.
package task

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/wippyai/wasm-zones/errors"
	"github.com/wippyai/wasm-zones/transport"
	"github.com/wippyai/wasm-zones/worker"
)

// Task is a unit of work.
type Task interface {
	Run(w *worker.Context)
}

// completer is a task that reports through a completion callback and can
// be run with a substitute for it.
type completer interface {
	Task
	completion() Callback
	runWith(w *worker.Context, cb Callback)
}

func deliver(cb Callback, r Result) {
	if cb != nil {
		cb(r)
	}
}

// guard runs fn and converts a panic into an InternalError Result, so a
// failing task still completes exactly once.
func guard(fn func() Result) (r Result) {
	defer func() {
		if p := recover(); p != nil {
			r = failure(InternalError, errors.New(errors.PhaseDispatch, errors.KindScript).
				Detail("task panicked: %v", p).
				Build())
		}
	}()
	return fn()
}

// EvalTask evaluates a module source on the worker engine.
type EvalTask struct {
	complete Callback
	Origin   string
	Source   []byte
}

// NewEvalTask creates an eval task. A non-empty origin registers the
// evaluated module under that name.
func NewEvalTask(source []byte, origin string, cb Callback) *EvalTask {
	return &EvalTask{Source: source, Origin: origin, complete: cb}
}

func (t *EvalTask) completion() Callback { return t.complete }

func (t *EvalTask) Run(w *worker.Context) {
	t.runWith(w, t.complete)
}

func (t *EvalTask) runWith(w *worker.Context, cb Callback) {
	deliver(cb, guard(func() Result { return t.execute(w) }))
}

func (t *EvalTask) execute(w *worker.Context) Result {
	eng := w.Engine()
	if eng == nil {
		return failure(InternalError, errors.NotInitialized(errors.PhaseDispatch, "worker engine"))
	}
	ctx := worker.WithContext(context.Background(), w)
	if err := eng.Eval(ctx, t.Source, t.Origin); err != nil {
		return failure(EvalFailure, err)
	}
	return Result{Code: Success}
}

// CallTask invokes a module function on the worker.
type CallTask struct {
	call     *CallContext
	complete Callback
}

func NewCallTask(cc *CallContext) *CallTask {
	return &CallTask{call: cc, complete: cc.callback}
}

// Call returns the call context the task executes.
func (t *CallTask) Call() *CallContext {
	return t.call
}

func (t *CallTask) completion() Callback { return t.complete }

func (t *CallTask) Run(w *worker.Context) {
	t.runWith(w, t.complete)
}

func (t *CallTask) runWith(w *worker.Context, cb Callback) {
	deliver(cb, guard(func() Result { return t.execute(w) }))
}

func (t *CallTask) execute(w *worker.Context) Result {
	spec := t.call.Spec
	eng, ldr := w.Engine(), w.Loader()
	if eng == nil || ldr == nil {
		return failure(InternalError, errors.NotInitialized(errors.PhaseDispatch, "worker"))
	}
	ctx := worker.WithContext(context.Background(), w)

	mod, err := ldr.Require(ctx, spec.Module)
	if err != nil {
		if k := kindOf(err); k == errors.KindNotFound || k == errors.KindInvalidInput {
			return failure(ModuleNotFound, err)
		}
		return failure(EvalFailure, err)
	}

	table := spec.Options.Transport
	if table == nil {
		table = eng.Shares()
	}

	args := make([]any, len(spec.Arguments))
	for i, data := range spec.Arguments {
		v, err := transport.Unmarshal(table, data)
		if err != nil {
			return failure(TransportFailure, err)
		}
		args[i] = v
	}

	ret, err := mod.Call(ctx, spec.Function, args)
	if err != nil {
		if missingFunction(err) {
			return failure(FunctionNotFound, err)
		}
		return failure(ScriptError, err)
	}

	data, err := transport.Marshal(table, ret)
	if err != nil {
		return failure(TransportFailure, err)
	}
	return Result{Code: Success, Value: data}
}

// kindOf returns the kind of err itself, ignoring its causes.
func kindOf(err error) errors.Kind {
	if e, ok := err.(*errors.Error); ok {
		return e.Kind
	}
	return ""
}

// missingFunction reports whether a Module.Call error means the function is
// not exported. Only a dispatch-phase NotFound qualifies; a NotFound raised
// while the function ran is a script error.
func missingFunction(err error) bool {
	e, ok := err.(*errors.Error)
	return ok && e.Kind == errors.KindNotFound && e.Phase == errors.PhaseDispatch
}

// TimeoutTask bounds how long the caller of an inner task waits. The inner
// task is never interrupted; when the deadline passes first its eventual
// completion is dropped.
type TimeoutTask struct {
	inner   completer
	timeout time.Duration
}

// WithTimeout wraps t with a deadline. A non-positive timeout, or a task
// that does not report through a completion, returns t unchanged.
func WithTimeout(t Task, timeout time.Duration) Task {
	if timeout <= 0 {
		return t
	}
	c, ok := t.(completer)
	if !ok {
		return t
	}
	return &TimeoutTask{inner: c, timeout: timeout}
}

// Timeout returns the deadline applied when the task starts running.
func (t *TimeoutTask) Timeout() time.Duration {
	return t.timeout
}

// Inner returns the wrapped task.
func (t *TimeoutTask) Inner() Task {
	return t.inner
}

// Run arms the deadline and runs the inner task on the calling worker. The
// deadline Result is delivered on the timer goroutine. The inner task is not
// modified, so one TimeoutTask may run on several workers.
func (t *TimeoutTask) Run(w *worker.Context) {
	var done atomic.Bool
	original := t.inner.completion()

	timer := time.AfterFunc(t.timeout, func() {
		if done.CompareAndSwap(false, true) {
			deliver(original, failure(Timeout, errors.New(errors.PhaseDispatch, errors.KindTimeout).
				Detail("deadline of %s exceeded", t.timeout).
				Build()))
		}
	})

	t.inner.runWith(w, func(r Result) {
		if done.CompareAndSwap(false, true) {
			timer.Stop()
			deliver(original, r)
		}
	})
}
