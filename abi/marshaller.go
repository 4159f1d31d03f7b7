package abi

import (
	stderrors "errors"

	canonlink "github.com/wippyai/canonlink"
	"github.com/wippyai/canonlink/abi/internal/canon"
	"github.com/wippyai/canonlink/errors"
	"github.com/wippyai/canonlink/itype"
	"github.com/wippyai/canonlink/membridge"
	"github.com/wippyai/canonlink/resource"
)

// Options bounds the marshaller's exposure to malformed length fields.
type Options struct {
	// MaxListLength caps the element count of one lifted list.
	MaxListLength uint32
	// MaxStringBytes caps the byte length of one lifted string.
	MaxStringBytes uint32
}

// DefaultOptions returns the default marshalling limits.
func DefaultOptions() Options {
	return Options{
		MaxListLength:  1 << 27, // 128M elements
		MaxStringBytes: 1 << 30, // 1 GB
	}
}

// Marshaller lifts core-level values into interface values and lowers
// interface values back, according to the canonical ABI layouts of a
// Registry. Safe for concurrent use; per-call state lives in the
// contexts.
type Marshaller struct {
	reg  *itype.Registry
	opts Options
}

// NewMarshaller binds a marshaller to a registry.
func NewMarshaller(reg *itype.Registry, opts Options) *Marshaller {
	return &Marshaller{reg: reg, opts: opts}
}

// Registry returns the bound registry.
func (m *Marshaller) Registry() *itype.Registry {
	return m.reg
}

// LiftContext carries the source instance state for one lift call.
type LiftContext struct {
	Memory    canonlink.Memory
	Resources *resource.Table
	// Instance tags lifted HandleRefs with their owning instance.
	Instance uint32
}

// LowerContext carries the destination instance state for one lower
// call.
type LowerContext struct {
	Memory    canonlink.Memory
	Resources *resource.Table
	Instance  uint32
	// Alloc obtains guest memory for variable-length values.
	Alloc canonlink.Allocator
	// Allocations, when set, records every allocation made during the
	// call so a failed lower can be rolled back by the caller.
	Allocations *membridge.AllocationList
}

func (m *Marshaller) allocate(ctx *LowerContext, size, align uint32, path []string) (uint32, error) {
	if ctx.Alloc == nil {
		return 0, errors.ABIViolation(errors.PhaseLower, path, "no allocator for variable-length value")
	}
	ptr, err := ctx.Alloc.Alloc(size, align)
	if err != nil {
		var cerr *errors.Error
		if stderrors.As(err, &cerr) {
			return 0, err
		}
		return 0, errors.AllocationFailed(size, align, err)
	}
	if ctx.Allocations != nil {
		ctx.Allocations.Add(ptr, size, align)
	}
	return ptr, nil
}

// flatWidth returns the number of core value slots one value of the
// type occupies.
func (m *Marshaller) flatWidth(id itype.TypeID) (int, error) {
	flat, err := m.reg.Flatten(id)
	if err != nil {
		return 0, err
	}
	return len(flat), nil
}

func typeError(phase errors.Phase, path []string, want string, got any) *errors.Error {
	return errors.New(phase, errors.KindABIViolation).
		Path(path...).
		Detail("value type %s does not represent %s", canon.TypeName(got), want).
		Build()
}
