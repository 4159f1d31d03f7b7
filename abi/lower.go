package abi

import (
	"fmt"
	"math"

	"github.com/wippyai/canonlink/abi/internal/canon"
	"github.com/wippyai/canonlink/errors"
	"github.com/wippyai/canonlink/itype"
)

// LowerFlat lowers one interface value to flat core values, appending
// them to dst.
func (m *Marshaller) LowerFlat(id itype.TypeID, v any, ctx *LowerContext, dst *[]uint64) error {
	return m.lowerFlat(id, v, ctx, dst, nil)
}

// Store lowers one interface value into its memory form at offset.
func (m *Marshaller) Store(id itype.TypeID, v any, offset uint32, ctx *LowerContext) error {
	return m.store(id, v, offset, ctx, nil)
}

func (m *Marshaller) lowerFlat(id itype.TypeID, v any, ctx *LowerContext, dst *[]uint64, path []string) error {
	t, err := m.reg.Lookup(id)
	if err != nil {
		return err
	}

	switch t.Kind {
	case itype.KindBool:
		b, ok := v.(bool)
		if !ok {
			return typeError(errors.PhaseLower, path, "bool", v)
		}
		var bits uint64
		if b {
			bits = 1
		}
		*dst = append(*dst, bits)
		return nil
	case itype.KindS8:
		n, ok := v.(int8)
		if !ok {
			return typeError(errors.PhaseLower, path, "s8", v)
		}
		*dst = append(*dst, uint64(uint8(n)))
		return nil
	case itype.KindU8:
		n, ok := v.(uint8)
		if !ok {
			return typeError(errors.PhaseLower, path, "u8", v)
		}
		*dst = append(*dst, uint64(n))
		return nil
	case itype.KindS16:
		n, ok := v.(int16)
		if !ok {
			return typeError(errors.PhaseLower, path, "s16", v)
		}
		*dst = append(*dst, uint64(uint16(n)))
		return nil
	case itype.KindU16:
		n, ok := v.(uint16)
		if !ok {
			return typeError(errors.PhaseLower, path, "u16", v)
		}
		*dst = append(*dst, uint64(n))
		return nil
	case itype.KindS32:
		n, ok := v.(int32)
		if !ok {
			return typeError(errors.PhaseLower, path, "s32", v)
		}
		*dst = append(*dst, uint64(uint32(n)))
		return nil
	case itype.KindU32:
		n, ok := v.(uint32)
		if !ok {
			return typeError(errors.PhaseLower, path, "u32", v)
		}
		*dst = append(*dst, uint64(n))
		return nil
	case itype.KindS64:
		n, ok := v.(int64)
		if !ok {
			return typeError(errors.PhaseLower, path, "s64", v)
		}
		*dst = append(*dst, uint64(n))
		return nil
	case itype.KindU64:
		n, ok := v.(uint64)
		if !ok {
			return typeError(errors.PhaseLower, path, "u64", v)
		}
		*dst = append(*dst, n)
		return nil
	case itype.KindF32:
		f, ok := v.(float32)
		if !ok {
			return typeError(errors.PhaseLower, path, "f32", v)
		}
		*dst = append(*dst, uint64(canon.CanonicalizeF32(math.Float32bits(f))))
		return nil
	case itype.KindF64:
		f, ok := v.(float64)
		if !ok {
			return typeError(errors.PhaseLower, path, "f64", v)
		}
		*dst = append(*dst, canon.CanonicalizeF64(math.Float64bits(f)))
		return nil
	case itype.KindChar:
		r, ok := v.(rune)
		if !ok {
			return typeError(errors.PhaseLower, path, "char", v)
		}
		if !canon.ValidateChar(r) {
			return errors.ABIViolation(errors.PhaseLower, path,
				fmt.Sprintf("invalid char scalar %#x", uint32(r)))
		}
		*dst = append(*dst, uint64(uint32(r)))
		return nil

	case itype.KindString:
		s, ok := v.(string)
		if !ok {
			return typeError(errors.PhaseLower, path, "string", v)
		}
		ptr, err := m.lowerStringBytes(s, ctx, path)
		if err != nil {
			return err
		}
		*dst = append(*dst, uint64(ptr), uint64(len(s)))
		return nil

	case itype.KindList:
		vs, ok := v.([]any)
		if !ok {
			return typeError(errors.PhaseLower, path, "list", v)
		}
		ptr, err := m.lowerListElems(t.Elem, vs, ctx, path)
		if err != nil {
			return err
		}
		*dst = append(*dst, uint64(ptr), uint64(len(vs)))
		return nil

	case itype.KindRecord:
		fields, ok := v.(map[string]any)
		if !ok {
			return typeError(errors.PhaseLower, path, "record", v)
		}
		for _, f := range t.Fields {
			fv, present := fields[f.Name]
			if !present {
				return errors.ABIViolation(errors.PhaseLower, append(path, f.Name), "missing record field")
			}
			if err := m.lowerFlat(f.Type, fv, ctx, dst, append(path, f.Name)); err != nil {
				return err
			}
		}
		return nil

	case itype.KindVariant:
		va, ok := v.(Variant)
		if !ok {
			return typeError(errors.PhaseLower, path, "variant", v)
		}
		if int(va.Case) >= len(t.Cases) {
			return errors.InvalidDiscriminant(errors.PhaseLower, path, va.Case, uint32(len(t.Cases)))
		}
		c := t.Cases[va.Case]
		var payload *itype.TypeID
		if c.Type != nil {
			payload = c.Type
		}
		return m.lowerCaseFlat(id, uint64(va.Case), payload, va.Payload, c.Name, ctx, dst, path)

	case itype.KindOption:
		o, ok := v.(Option)
		if !ok {
			return typeError(errors.PhaseLower, path, "option", v)
		}
		if !o.Some {
			return m.lowerCaseFlat(id, 0, nil, nil, "", ctx, dst, path)
		}
		elem := t.Elem
		return m.lowerCaseFlat(id, 1, &elem, o.Value, "some", ctx, dst, path)

	case itype.KindResult:
		res, ok := v.(Result)
		if !ok {
			return typeError(errors.PhaseLower, path, "result", v)
		}
		if res.Err {
			return m.lowerCaseFlat(id, 1, t.Err, res.Value, "err", ctx, dst, path)
		}
		return m.lowerCaseFlat(id, 0, t.OK, res.Value, "ok", ctx, dst, path)

	case itype.KindHandle:
		h, err := m.lowerHandle(v, ctx, path)
		if err != nil {
			return err
		}
		*dst = append(*dst, uint64(h))
		return nil
	}

	return errors.ABIViolation(errors.PhaseLower, path,
		fmt.Sprintf("unsupported type kind %s", t.Kind))
}

// lowerCaseFlat appends a discriminant and the selected case's payload
// slots, zero-padding to the joined flat width of the whole type.
func (m *Marshaller) lowerCaseFlat(id itype.TypeID, disc uint64, payload *itype.TypeID, value any, label string, ctx *LowerContext, dst *[]uint64, path []string) error {
	width, err := m.flatWidth(id)
	if err != nil {
		return err
	}

	start := len(*dst)
	*dst = append(*dst, disc)
	if payload != nil {
		if err := m.lowerFlat(*payload, value, ctx, dst, append(path, label)); err != nil {
			return err
		}
	}
	for len(*dst)-start < width {
		*dst = append(*dst, 0)
	}
	return nil
}

func (m *Marshaller) store(id itype.TypeID, v any, offset uint32, ctx *LowerContext, path []string) error {
	t, err := m.reg.Lookup(id)
	if err != nil {
		return err
	}

	writeErr := func(off, length uint32, err error) error {
		if err != nil {
			return errors.OutOfBounds(errors.PhaseLower, path, off, length)
		}
		return nil
	}

	switch t.Kind {
	case itype.KindBool:
		b, ok := v.(bool)
		if !ok {
			return typeError(errors.PhaseLower, path, "bool", v)
		}
		var byteVal uint8
		if b {
			byteVal = 1
		}
		return writeErr(offset, 1, ctx.Memory.WriteU8(offset, byteVal))
	case itype.KindS8:
		n, ok := v.(int8)
		if !ok {
			return typeError(errors.PhaseLower, path, "s8", v)
		}
		return writeErr(offset, 1, ctx.Memory.WriteU8(offset, uint8(n)))
	case itype.KindU8:
		n, ok := v.(uint8)
		if !ok {
			return typeError(errors.PhaseLower, path, "u8", v)
		}
		return writeErr(offset, 1, ctx.Memory.WriteU8(offset, n))
	case itype.KindS16:
		n, ok := v.(int16)
		if !ok {
			return typeError(errors.PhaseLower, path, "s16", v)
		}
		return writeErr(offset, 2, ctx.Memory.WriteU16(offset, uint16(n)))
	case itype.KindU16:
		n, ok := v.(uint16)
		if !ok {
			return typeError(errors.PhaseLower, path, "u16", v)
		}
		return writeErr(offset, 2, ctx.Memory.WriteU16(offset, n))
	case itype.KindS32:
		n, ok := v.(int32)
		if !ok {
			return typeError(errors.PhaseLower, path, "s32", v)
		}
		return writeErr(offset, 4, ctx.Memory.WriteU32(offset, uint32(n)))
	case itype.KindU32:
		n, ok := v.(uint32)
		if !ok {
			return typeError(errors.PhaseLower, path, "u32", v)
		}
		return writeErr(offset, 4, ctx.Memory.WriteU32(offset, n))
	case itype.KindS64:
		n, ok := v.(int64)
		if !ok {
			return typeError(errors.PhaseLower, path, "s64", v)
		}
		return writeErr(offset, 8, ctx.Memory.WriteU64(offset, uint64(n)))
	case itype.KindU64:
		n, ok := v.(uint64)
		if !ok {
			return typeError(errors.PhaseLower, path, "u64", v)
		}
		return writeErr(offset, 8, ctx.Memory.WriteU64(offset, n))
	case itype.KindF32:
		f, ok := v.(float32)
		if !ok {
			return typeError(errors.PhaseLower, path, "f32", v)
		}
		return writeErr(offset, 4, ctx.Memory.WriteU32(offset, canon.CanonicalizeF32(math.Float32bits(f))))
	case itype.KindF64:
		f, ok := v.(float64)
		if !ok {
			return typeError(errors.PhaseLower, path, "f64", v)
		}
		return writeErr(offset, 8, ctx.Memory.WriteU64(offset, canon.CanonicalizeF64(math.Float64bits(f))))
	case itype.KindChar:
		r, ok := v.(rune)
		if !ok {
			return typeError(errors.PhaseLower, path, "char", v)
		}
		if !canon.ValidateChar(r) {
			return errors.ABIViolation(errors.PhaseLower, path,
				fmt.Sprintf("invalid char scalar %#x", uint32(r)))
		}
		return writeErr(offset, 4, ctx.Memory.WriteU32(offset, uint32(r)))

	case itype.KindString:
		s, ok := v.(string)
		if !ok {
			return typeError(errors.PhaseLower, path, "string", v)
		}
		ptr, err := m.lowerStringBytes(s, ctx, path)
		if err != nil {
			return err
		}
		return m.storePair(offset, ptr, uint32(len(s)), ctx, path)

	case itype.KindList:
		vs, ok := v.([]any)
		if !ok {
			return typeError(errors.PhaseLower, path, "list", v)
		}
		ptr, err := m.lowerListElems(t.Elem, vs, ctx, path)
		if err != nil {
			return err
		}
		return m.storePair(offset, ptr, uint32(len(vs)), ctx, path)

	case itype.KindRecord:
		fields, ok := v.(map[string]any)
		if !ok {
			return typeError(errors.PhaseLower, path, "record", v)
		}
		layout, err := m.reg.Layout(id)
		if err != nil {
			return err
		}
		for i, f := range t.Fields {
			fv, present := fields[f.Name]
			if !present {
				return errors.ABIViolation(errors.PhaseLower, append(path, f.Name), "missing record field")
			}
			if err := m.store(f.Type, fv, offset+layout.FieldOffsets[i], ctx, append(path, f.Name)); err != nil {
				return err
			}
		}
		return nil

	case itype.KindVariant:
		va, ok := v.(Variant)
		if !ok {
			return typeError(errors.PhaseLower, path, "variant", v)
		}
		if int(va.Case) >= len(t.Cases) {
			return errors.InvalidDiscriminant(errors.PhaseLower, path, va.Case, uint32(len(t.Cases)))
		}
		c := t.Cases[va.Case]
		return m.storeCase(id, uint32(va.Case), c.Type, va.Payload, c.Name, offset, ctx, path)

	case itype.KindOption:
		o, ok := v.(Option)
		if !ok {
			return typeError(errors.PhaseLower, path, "option", v)
		}
		if !o.Some {
			return m.storeCase(id, 0, nil, nil, "", offset, ctx, path)
		}
		elem := t.Elem
		return m.storeCase(id, 1, &elem, o.Value, "some", offset, ctx, path)

	case itype.KindResult:
		res, ok := v.(Result)
		if !ok {
			return typeError(errors.PhaseLower, path, "result", v)
		}
		if res.Err {
			return m.storeCase(id, 1, t.Err, res.Value, "err", offset, ctx, path)
		}
		return m.storeCase(id, 0, t.OK, res.Value, "ok", offset, ctx, path)

	case itype.KindHandle:
		h, err := m.lowerHandle(v, ctx, path)
		if err != nil {
			return err
		}
		return writeErr(offset, 4, ctx.Memory.WriteU32(offset, h))
	}

	return errors.ABIViolation(errors.PhaseLower, path,
		fmt.Sprintf("unsupported type kind %s", t.Kind))
}

// storeCase writes a discriminant, zero-fills the union region, and
// stores the selected case's payload.
func (m *Marshaller) storeCase(id itype.TypeID, disc uint32, payload *itype.TypeID, value any, label string, offset uint32, ctx *LowerContext, path []string) error {
	layout, err := m.reg.Layout(id)
	if err != nil {
		return err
	}

	var werr error
	switch layout.DiscSize {
	case 1:
		werr = ctx.Memory.WriteU8(offset, uint8(disc))
	case 2:
		werr = ctx.Memory.WriteU16(offset, uint16(disc))
	default:
		werr = ctx.Memory.WriteU32(offset, disc)
	}
	if werr != nil {
		return errors.OutOfBounds(errors.PhaseLower, path, offset, layout.DiscSize)
	}

	// Unused union bytes are zero-filled so narrower cases do not leak
	// stale payload bytes.
	if layout.Size > layout.DiscSize {
		zeros := make([]byte, layout.Size-layout.DiscSize)
		if err := ctx.Memory.Write(offset+layout.DiscSize, zeros); err != nil {
			return errors.OutOfBounds(errors.PhaseLower, path, offset+layout.DiscSize, uint32(len(zeros)))
		}
	}

	if payload == nil {
		return nil
	}
	return m.store(*payload, value, offset+layout.PayloadOffset, ctx, append(path, label))
}

// lowerStringBytes allocates destination memory and writes the UTF-8
// bytes, returning the guest pointer. Empty strings use the null
// pointer without allocating.
func (m *Marshaller) lowerStringBytes(s string, ctx *LowerContext, path []string) (uint32, error) {
	if uint64(len(s)) > uint64(m.opts.MaxStringBytes) {
		return 0, errors.ABIViolation(errors.PhaseLower, path,
			fmt.Sprintf("string length %d exceeds maximum %d", len(s), m.opts.MaxStringBytes))
	}
	if len(s) == 0 {
		return 0, nil
	}
	ptr, err := m.allocate(ctx, uint32(len(s)), 1, path)
	if err != nil {
		return 0, err
	}
	if err := ctx.Memory.Write(ptr, []byte(s)); err != nil {
		return 0, errors.OutOfBounds(errors.PhaseLower, path, ptr, uint32(len(s)))
	}
	return ptr, nil
}

// lowerListElems allocates a contiguous element buffer and stores each
// element at its aligned slot, returning the guest pointer.
func (m *Marshaller) lowerListElems(elem itype.TypeID, vs []any, ctx *LowerContext, path []string) (uint32, error) {
	if uint64(len(vs)) > uint64(m.opts.MaxListLength) {
		return 0, errors.ABIViolation(errors.PhaseLower, path,
			fmt.Sprintf("list length %d exceeds maximum %d", len(vs), m.opts.MaxListLength))
	}
	if len(vs) == 0 {
		return 0, nil
	}

	layout, err := m.reg.Layout(elem)
	if err != nil {
		return 0, err
	}
	total, ok := canon.SafeMulU32(uint32(len(vs)), layout.Size)
	if !ok {
		return 0, errors.ABIViolation(errors.PhaseLower, path,
			fmt.Sprintf("list of %d elements overflows the address space", len(vs)))
	}

	align := layout.Align
	if align == 0 {
		align = 1
	}
	ptr, err := m.allocate(ctx, total, align, path)
	if err != nil {
		return 0, err
	}
	if _, ok := canon.SafeAddU32(ptr, total); !ok {
		return 0, errors.OutOfBounds(errors.PhaseLower, path, ptr, total)
	}
	for i, v := range vs {
		if err := m.store(elem, v, ptr+uint32(i)*layout.Size, ctx, append(path, fmt.Sprintf("[%d]", i))); err != nil {
			return 0, err
		}
	}
	return ptr, nil
}

// storePair writes a (pointer, length) pair at offset in the
// configured address width.
func (m *Marshaller) storePair(offset, ptr, length uint32, ctx *LowerContext, path []string) error {
	if m.reg.Options().AddressWidth == itype.Addr64 {
		if err := ctx.Memory.WriteU64(offset, uint64(ptr)); err != nil {
			return errors.OutOfBounds(errors.PhaseLower, path, offset, 16)
		}
		if err := ctx.Memory.WriteU64(offset+8, uint64(length)); err != nil {
			return errors.OutOfBounds(errors.PhaseLower, path, offset+8, 8)
		}
		return nil
	}
	if err := ctx.Memory.WriteU32(offset, ptr); err != nil {
		return errors.OutOfBounds(errors.PhaseLower, path, offset, 8)
	}
	if err := ctx.Memory.WriteU32(offset+4, length); err != nil {
		return errors.OutOfBounds(errors.PhaseLower, path, offset+4, 4)
	}
	return nil
}

// lowerHandle inserts the resource into the destination table and
// returns the packed fresh handle. Repeated lowering of one HandleRef
// produces independent entries.
func (m *Marshaller) lowerHandle(v any, ctx *LowerContext, path []string) (uint32, error) {
	ref, ok := v.(HandleRef)
	if !ok {
		return 0, typeError(errors.PhaseLower, path, "handle", v)
	}
	if ctx.Resources == nil {
		return 0, errors.ABIViolation(errors.PhaseLower, path, "no resource table")
	}
	h, err := ctx.Resources.Insert(ref.Value)
	if err != nil {
		return 0, err
	}
	return uint32(h), nil
}
