// Package itype is the interface-type registry: it stores interface
// type definitions, computes their canonical ABI memory layouts, and
// flattens them to core wasm value types.
//
// # Type Model
//
// Types are identified by dense TypeIDs. Primitives occupy fixed IDs
// in every registry; compound types (list, record, variant, option,
// result, handle) are registered on top and reference constituents by
// TypeID. Registration deduplicates structurally, so TypeID equality
// is structural equality and signature compatibility reduces to ID
// comparison.
//
// # Layouts
//
// Layout computes size, alignment, record field offsets, and the
// discriminant width and payload offset for variant-shaped types:
//
//	Type            Size    Alignment
//	──────────────────────────────────
//	bool/u8/s8      1       1
//	u16/s16         2       2
//	u32/s32/f32     4       4
//	u64/s64/f64     8       8
//	char            4       4
//	string/list<T>  8       4 (ptr + len, 16/8 under Addr64)
//	handle<R>       4       4
//	record          sum     max field align
//	variant/option/result   disc + max payload
//
// # Flattening
//
// Flatten maps a type to the ordered core value types that carry it
// across a call boundary. Variant cases are joined slot by slot: equal
// types keep their type, mixed 32-bit slots become i32, anything else
// widens to i64.
//
// # Metadata Codec
//
// DecodeContract and ContractEncoder read and write the
// "interface-types" custom section that stamps a module with its
// typed import/export contract. FromWIT and SignatureFromWIT bridge
// WIT documents into the registry.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Registration is serialized;
// layout and flattening results are memoized under the same lock.
package itype
