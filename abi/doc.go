// Package abi implements the canonical ABI marshaller.
//
// Lifting converts core-level values (raw integers/floats plus linear
// memory regions) into interface values; lowering converts interface
// values back into core values and memory writes. Both directions
// come in a flat form (LiftFlat/LowerFlat, for values crossing a call
// boundary in core value slots) and a memory form (Load/Store, for
// values embedded in records, lists, and variant payloads).
//
// # Value Representation
//
// Interface values are plain Go values: bool, int8 through uint64,
// float32/float64, rune for char, string, []any for lists,
// map[string]any for records, and the Variant, Option, Result, and
// HandleRef wrappers.
//
// # Contracts
//
// All memory accesses are bounds-checked through the Memory view; a
// violation aborts the in-flight call with an abi_violation error
// carrying the value path and offset. Strings must be well-formed
// UTF-8 in both directions; malformed bytes fail rather than being
// substituted. Floats are canonicalized to a single NaN pattern.
// String and list lengths are capped by Options. Lowering a handle
// always inserts a fresh entry in the destination resource table.
//
// A failed lower leaves the destination buffer in an
// unspecified-but-bounded state: earlier sibling fields may already
// be written, and at most one handle per call may have been committed
// past the failing field. Callers roll back guest allocations through
// the LowerContext's AllocationList.
package abi
