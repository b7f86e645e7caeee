package task

import (
	"github.com/wippyai/wasm-zones/errors"
	"github.com/wippyai/wasm-zones/transport"
)

// ResultCode classifies the outcome of a task.
type ResultCode int

const (
	Success ResultCode = iota
	ModuleNotFound
	FunctionNotFound
	TransportFailure
	ScriptError
	Timeout
	EvalFailure
	InternalError
)

var codeNames = [...]string{
	Success:          "success",
	ModuleNotFound:   "module_not_found",
	FunctionNotFound: "function_not_found",
	TransportFailure: "transport_failure",
	ScriptError:      "script_error",
	Timeout:          "timeout",
	EvalFailure:      "eval_failure",
	InternalError:    "internal_error",
}

func (c ResultCode) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "unknown"
}

// Result is delivered to a task's callback exactly once.
type Result struct {
	Err   error
	Value *transport.SerializedData
	Code  ResultCode
}

// Callback receives the Result of a task.
type Callback func(Result)

func (r Result) OK() bool {
	return r.Code == Success
}

// Decode deserializes the return value in the context owning table. A failed
// Result returns its error; a successful Result without a value decodes as
// transport.Undefined.
func (r Result) Decode(table *transport.ShareTable) (any, error) {
	if r.Code != Success {
		if r.Err != nil {
			return nil, r.Err
		}
		return nil, errors.New(errors.PhaseDispatch, errors.KindInvalidData).
			Detail("result %s carries no value", r.Code).
			Build()
	}
	if r.Value == nil {
		return transport.Undefined, nil
	}
	return transport.Unmarshal(table, r.Value)
}

func failure(code ResultCode, err error) Result {
	return Result{Code: code, Err: err}
}
