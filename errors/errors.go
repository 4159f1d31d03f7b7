package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseParse       Phase = "parse"       // binary module reading
	PhaseRegister    Phase = "register"    // interface type registration
	PhaseLayout      Phase = "layout"      // canonical ABI layout computation
	PhaseLift        Phase = "lift"        // core values to interface values
	PhaseLower       Phase = "lower"       // interface values to core values
	PhaseLink        Phase = "link"        // dependency resolution
	PhaseInstantiate Phase = "instantiate" // module instantiation
	PhaseRuntime     Phase = "runtime"     // post-link calls
)

// Kind categorizes the error
type Kind string

const (
	KindMalformedModule   Kind = "malformed_module"
	KindUnknownType       Kind = "unknown_type"
	KindRecursiveType     Kind = "recursive_type"
	KindTypeMismatch      Kind = "type_mismatch"
	KindLinkCycle         Kind = "link_cycle"
	KindABIViolation      Kind = "abi_violation"
	KindAllocationFailed  Kind = "allocation_failed"
	KindResourceExhausted Kind = "resource_exhausted"
	KindStaleHandle       Kind = "stale_handle"
	KindNotFound          Kind = "not_found"
	KindInvalidInput      Kind = "invalid_input"
)

// Error is the structured error type used throughout the engine.
// It carries enough context (offending type, name, offset) to diagnose
// a failure without re-parsing the inputs.
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Type   string
	Name   string
	Detail string
	Path   []string
	Offset uint32
	HasOff bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Name != "" {
		b.WriteString(": ")
		b.WriteString(e.Name)
	}

	if e.Type != "" {
		b.WriteString(": type ")
		b.WriteString(e.Type)
	}

	if e.HasOff {
		fmt.Fprintf(&b, " (offset %d)", e.Offset)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Type sets the offending interface type name
func (b *Builder) Type(t string) *Builder {
	b.err.Type = t
	return b
}

// Name sets the offending import/export or module name
func (b *Builder) Name(n string) *Builder {
	b.err.Name = n
	return b
}

// Offset sets the offending byte or memory offset
func (b *Builder) Offset(off uint32) *Builder {
	b.err.Offset = off
	b.err.HasOff = true
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for the engine's error taxonomy

// MalformedModule creates a reader-time error for an invalid binary.
func MalformedModule(section string, offset uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindMalformedModule,
		Name:   section,
		Offset: offset,
		HasOff: true,
		Cause:  cause,
	}
}

// UnknownType creates an error for a reference to an unregistered type.
func UnknownType(phase Phase, id uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnknownType,
		Detail: fmt.Sprintf("type id %d was never registered", id),
		Value:  id,
	}
}

// RecursiveType creates an error for a self-referential definition
// whose flat layout would be unbounded.
func RecursiveType(phase Phase, typeName string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRecursiveType,
		Type:   typeName,
		Detail: "recursive definition requires a handle indirection",
	}
}

// TypeMismatch creates a link-time signature mismatch naming both sides.
func TypeMismatch(name, want, got string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindTypeMismatch,
		Name:   name,
		Detail: fmt.Sprintf("import signature %s, export signature %s", want, got),
	}
}

// LinkCycle creates an error for a cyclic dependency graph.
func LinkCycle(cycle []string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindLinkCycle,
		Detail: "dependency cycle: " + strings.Join(cycle, " -> "),
		Value:  cycle,
	}
}

// ABIViolation creates a marshalling-time canonical ABI violation.
func ABIViolation(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindABIViolation,
		Path:   path,
		Detail: detail,
	}
}

// InvalidUTF8 creates an ABI violation for malformed string bytes.
func InvalidUTF8(phase Phase, path []string, data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindABIViolation,
		Path:   path,
		Detail: fmt.Sprintf("invalid UTF-8 sequence: %x", preview),
	}
}

// OutOfBounds creates an ABI violation for a memory access past the
// instance's current linear memory size.
func OutOfBounds(phase Phase, path []string, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindABIViolation,
		Path:   path,
		Offset: offset,
		HasOff: true,
		Detail: fmt.Sprintf("memory access of %d bytes out of bounds", length),
	}
}

// InvalidDiscriminant creates an ABI violation for an out-of-range
// variant discriminant.
func InvalidDiscriminant(phase Phase, path []string, disc, numCases uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindABIViolation,
		Path:   path,
		Detail: fmt.Sprintf("discriminant %d out of range (cases %d)", disc, numCases),
		Value:  disc,
	}
}

// AllocationFailed creates a lowering-time allocation failure.
func AllocationFailed(size, align uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseLower,
		Kind:   KindAllocationFailed,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
		Cause:  cause,
	}
}

// ResourceExhausted creates an error for a full resource table.
func ResourceExhausted(limit uint32) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindResourceExhausted,
		Detail: fmt.Sprintf("resource table full (%d slots)", limit),
	}
}

// StaleHandle creates an error for a handle whose generation no longer
// matches its slot.
func StaleHandle(handle uint32) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindStaleHandle,
		Detail: fmt.Sprintf("handle %#x refers to a freed slot", handle),
		Value:  handle,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Name:   name,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
