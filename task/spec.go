package task

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wippyai/wasm-zones/transport"
)

// Options tune a single call.
type Options struct {
	// Transport is the share table used to read arguments and write the
	// return value. Nil uses the share table of the worker engine.
	Transport *transport.ShareTable

	// Timeout bounds how long the caller waits. Zero disables it.
	Timeout time.Duration
}

// FunctionSpec is an immutable call request.
type FunctionSpec struct {
	Module    string
	Function  string
	Arguments []*transport.SerializedData
	Options   Options
}

// NewFunctionSpec serializes args with table and builds a spec.
func NewFunctionSpec(module, function string, table *transport.ShareTable, args ...any) (FunctionSpec, error) {
	spec := FunctionSpec{Module: module, Function: function}
	for _, arg := range args {
		data, err := transport.Marshal(table, arg)
		if err != nil {
			return FunctionSpec{}, err
		}
		spec.Arguments = append(spec.Arguments, data)
	}
	return spec, nil
}

// Clone returns a spec whose arguments can be consumed independently of the
// original. Shared buffers keep pointing at the same memory.
func (s FunctionSpec) Clone() FunctionSpec {
	out := s
	if s.Arguments != nil {
		out.Arguments = make([]*transport.SerializedData, len(s.Arguments))
		for i, a := range s.Arguments {
			out.Arguments[i] = a.Clone()
		}
	}
	return out
}

// CallContext binds a call request to its completion.
type CallContext struct {
	callback Callback
	ID       string
	Spec     FunctionSpec
}

// NewCallContext creates a call context with a fresh ULID.
func NewCallContext(spec FunctionSpec, cb Callback) *CallContext {
	return &CallContext{
		ID:       ulid.Make().String(),
		Spec:     spec,
		callback: cb,
	}
}
