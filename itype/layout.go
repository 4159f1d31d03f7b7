package itype

import (
	"github.com/wippyai/canonlink/errors"
)

// Layout is the canonical ABI memory layout of one interface type.
type Layout struct {
	Size  uint32
	Align uint32
	// FieldOffsets holds per-field byte offsets for records, in
	// declaration order.
	FieldOffsets []uint32
	// DiscSize is the discriminant width in bytes for variants,
	// options, and results.
	DiscSize uint32
	// PayloadOffset is the aligned payload start for variants,
	// options, and results.
	PayloadOffset uint32
}

// AlignTo rounds offset up to the next multiple of align (a power of
// two).
func AlignTo(offset, align uint32) uint32 {
	if align == 0 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

// DiscriminantSize returns the smallest unsigned integer width able to
// enumerate numCases, rounded up to 1, 2, or 4 bytes.
func DiscriminantSize(numCases int) uint32 {
	switch {
	case numCases <= 1<<8:
		return 1
	case numCases <= 1<<16:
		return 2
	default:
		return 4
	}
}

// Layout returns the memoized canonical ABI layout for a TypeID.
func (r *Registry) Layout(id TypeID) (Layout, error) {
	r.mu.RLock()
	if int(id) < len(r.layouts) && r.layouts[id] != nil {
		l := *r.layouts[id]
		r.mu.RUnlock()
		return l, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	l, err := r.layoutLocked(id, make(map[TypeID]bool))
	if err != nil {
		return Layout{}, err
	}
	return l, nil
}

func (r *Registry) layoutLocked(id TypeID, visiting map[TypeID]bool) (Layout, error) {
	if int(id) >= len(r.types) {
		return Layout{}, errors.UnknownType(errors.PhaseLayout, uint32(id))
	}
	if cached := r.layouts[id]; cached != nil {
		return *cached, nil
	}
	if visiting[id] {
		return Layout{}, errors.RecursiveType(errors.PhaseLayout, r.types[id].Kind.String())
	}
	visiting[id] = true
	defer delete(visiting, id)

	t := r.types[id]
	var l Layout
	var err error

	switch t.Kind {
	case KindBool, KindS8, KindU8:
		l = Layout{Size: 1, Align: 1}
	case KindS16, KindU16:
		l = Layout{Size: 2, Align: 2}
	case KindS32, KindU32, KindF32, KindChar:
		l = Layout{Size: 4, Align: 4}
	case KindS64, KindU64, KindF64:
		l = Layout{Size: 8, Align: 8}
	case KindString, KindList:
		// (pointer, length) pair in the configured address width.
		if r.opts.AddressWidth == Addr64 {
			l = Layout{Size: 16, Align: 8}
		} else {
			l = Layout{Size: 8, Align: 4}
		}
	case KindHandle:
		l = Layout{Size: 4, Align: 4}
	case KindRecord:
		l, err = r.layoutRecord(t, visiting)
	case KindVariant:
		l, err = r.layoutCases(variantPayloads(t), visiting)
	case KindOption:
		elem := t.Elem
		l, err = r.layoutCases([]*TypeID{nil, &elem}, visiting)
	case KindResult:
		l, err = r.layoutCases([]*TypeID{t.OK, t.Err}, visiting)
	}
	if err != nil {
		return Layout{}, err
	}

	r.layouts[id] = &l
	return l, nil
}

func (r *Registry) layoutRecord(t Type, visiting map[TypeID]bool) (Layout, error) {
	offsets := make([]uint32, len(t.Fields))
	maxAlign := uint32(1)
	offset := uint32(0)

	for i, field := range t.Fields {
		fl, err := r.layoutLocked(field.Type, visiting)
		if err != nil {
			return Layout{}, err
		}

		offset = AlignTo(offset, fl.Align)
		offsets[i] = offset

		if fl.Align > maxAlign {
			maxAlign = fl.Align
		}
		offset += fl.Size
	}

	return Layout{
		Size:         AlignTo(offset, maxAlign),
		Align:        maxAlign,
		FieldOffsets: offsets,
	}, nil
}

// layoutCases computes the shared variant-shaped layout used by
// variants, options, and results: a discriminant followed by the
// union of all case payloads, sized to the widest case.
func (r *Registry) layoutCases(payloads []*TypeID, visiting map[TypeID]bool) (Layout, error) {
	discSize := DiscriminantSize(len(payloads))

	maxAlign := discSize
	maxSize := uint32(0)

	for _, p := range payloads {
		if p == nil {
			continue
		}
		cl, err := r.layoutLocked(*p, visiting)
		if err != nil {
			return Layout{}, err
		}
		if cl.Align > maxAlign {
			maxAlign = cl.Align
		}
		if cl.Size > maxSize {
			maxSize = cl.Size
		}
	}

	payloadOffset := AlignTo(discSize, maxAlign)

	return Layout{
		Size:          AlignTo(payloadOffset+maxSize, maxAlign),
		Align:         maxAlign,
		DiscSize:      discSize,
		PayloadOffset: payloadOffset,
	}, nil
}

func variantPayloads(t Type) []*TypeID {
	payloads := make([]*TypeID, len(t.Cases))
	for i, c := range t.Cases {
		payloads[i] = c.Type
	}
	return payloads
}
