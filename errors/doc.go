// Package errors provides structured error types for the zone runtime.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: path, Go/WIT type names, and cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
//		Path("math", "add", "arg0").
//		GoType("string").
//		Detail("cannot convert string to integer").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotFound(errors.PhaseLoad, "module", "math")
//	err := errors.TypeMismatch(errors.PhaseDispatch, path, "string", "s64")
//	err := errors.Truncated(errors.PhaseDecode, offset, 4)
//
// All errors implement the standard error interface and support errors.Is/As.
// Is matches on Phase and Kind; HasKind matches on Kind anywhere in a chain.
package errors
