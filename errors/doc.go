// Package errors provides structured error types for the canonlink engine.
//
// Errors are categorized by Phase (where the error occurred) and Kind
// (error category). The Error type includes rich context: field path,
// interface type name, offending import/export name, byte offset, and
// cause chain. Nothing in the engine coerces a failure into a default
// value or retries; every condition surfaces as one of these errors.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLift, errors.KindABIViolation).
//		Path("point", "y").
//		Type("u32").
//		Offset(1028).
//		Detail("read past end of linear memory").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.InvalidDiscriminant(errors.PhaseLift, path, 7, 3)
//	err := errors.LinkCycle([]string{"a", "b", "a"})
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
