package itype

import (
	"strings"
)

// Kind discriminates the tagged Type variant.
type Kind uint8

const (
	KindBool Kind = iota
	KindS8
	KindU8
	KindS16
	KindU16
	KindS32
	KindU32
	KindS64
	KindU64
	KindF32
	KindF64
	KindChar
	KindString
	KindList
	KindRecord
	KindVariant
	KindOption
	KindResult
	KindHandle
)

var kindNames = [...]string{
	"bool", "s8", "u8", "s16", "u16", "s32", "u32", "s64", "u64",
	"f32", "f64", "char", "string", "list", "record", "variant",
	"option", "result", "handle",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// TypeID identifies a registered interface type. IDs are dense and
// stable: structurally identical definitions share one TypeID.
type TypeID uint32

// Fixed TypeIDs for primitives, pre-registered in every Registry.
const (
	Bool TypeID = iota
	S8
	U8
	S16
	U16
	S32
	U32
	S64
	U64
	F32
	F64
	Char
	String
	numPrimitives
)

// Type is one interface-type definition. Compound types reference
// their constituents by TypeID; definitions are immutable once
// registered.
type Type struct {
	Kind Kind
	// Elem is the element type for List and the payload type for Option.
	Elem TypeID
	// Fields are the ordered record fields.
	Fields []Field
	// Cases are the ordered variant cases.
	Cases []Case
	// OK and Err are the optional Result payloads.
	OK  *TypeID
	Err *TypeID
	// Resource names the resource kind for Handle types.
	Resource string
}

// Field is one named record field.
type Field struct {
	Name string
	Type TypeID
}

// Case is one named variant case with an optional payload.
type Case struct {
	Name string
	Type *TypeID
}

// Signature is an interface-level function signature: ordered
// parameter types and ordered result types.
type Signature struct {
	Params  []TypeID
	Results []TypeID
}

// Equal reports structural signature equality. Because the registry
// deduplicates structurally, TypeID equality is structural equality.
func (s Signature) Equal(other Signature) bool {
	if len(s.Params) != len(other.Params) || len(s.Results) != len(other.Results) {
		return false
	}
	for i, p := range s.Params {
		if other.Params[i] != p {
			return false
		}
	}
	for i, r := range s.Results {
		if other.Results[i] != r {
			return false
		}
	}
	return true
}

// Format renders the signature with type names resolved through reg.
func (s Signature) Format(reg *Registry) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(reg.Name(p))
	}
	b.WriteString(") -> (")
	for i, r := range s.Results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(reg.Name(r))
	}
	b.WriteByte(')')
	return b.String()
}

// Primitive reports whether the kind needs no constituent types.
func (k Kind) Primitive() bool {
	return k <= KindString
}

// NewList constructs a list type definition.
func NewList(elem TypeID) Type {
	return Type{Kind: KindList, Elem: elem}
}

// NewRecord constructs a record type definition.
func NewRecord(fields ...Field) Type {
	return Type{Kind: KindRecord, Fields: fields}
}

// NewVariant constructs a variant type definition.
func NewVariant(cases ...Case) Type {
	return Type{Kind: KindVariant, Cases: cases}
}

// NewOption constructs an option type definition.
func NewOption(elem TypeID) Type {
	return Type{Kind: KindOption, Elem: elem}
}

// NewResult constructs a result type definition; ok and err may be nil.
func NewResult(ok, err *TypeID) Type {
	return Type{Kind: KindResult, OK: ok, Err: err}
}

// NewHandle constructs a resource handle type definition.
func NewHandle(resource string) Type {
	return Type{Kind: KindHandle, Resource: resource}
}

// Ref is a convenience for taking the address of a TypeID in
// composite literals.
func Ref(id TypeID) *TypeID {
	return &id
}
