package abi

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/wippyai/canonlink/abi/internal/canon"
	"github.com/wippyai/canonlink/errors"
	"github.com/wippyai/canonlink/itype"
	"github.com/wippyai/canonlink/resource"
)

// LiftFlat lifts one value of the given type from flat core values,
// returning the interface value and the number of slots consumed.
func (m *Marshaller) LiftFlat(id itype.TypeID, flat []uint64, ctx *LiftContext) (any, int, error) {
	return m.liftFlat(id, flat, ctx, nil)
}

// Load lifts one value of the given type from its memory form at
// offset.
func (m *Marshaller) Load(id itype.TypeID, offset uint32, ctx *LiftContext) (any, error) {
	return m.load(id, offset, ctx, nil)
}

func (m *Marshaller) liftFlat(id itype.TypeID, flat []uint64, ctx *LiftContext, path []string) (any, int, error) {
	t, err := m.reg.Lookup(id)
	if err != nil {
		return nil, 0, err
	}
	width, err := m.flatWidth(id)
	if err != nil {
		return nil, 0, err
	}
	if len(flat) < width {
		return nil, 0, errors.ABIViolation(errors.PhaseLift, path,
			fmt.Sprintf("need %d core values for %s, have %d", width, m.reg.Name(id), len(flat)))
	}

	switch t.Kind {
	case itype.KindBool:
		return uint32(flat[0]) != 0, 1, nil
	case itype.KindS8:
		return int8(uint8(flat[0])), 1, nil
	case itype.KindU8:
		return uint8(flat[0]), 1, nil
	case itype.KindS16:
		return int16(uint16(flat[0])), 1, nil
	case itype.KindU16:
		return uint16(flat[0]), 1, nil
	case itype.KindS32:
		return int32(uint32(flat[0])), 1, nil
	case itype.KindU32:
		return uint32(flat[0]), 1, nil
	case itype.KindS64:
		return int64(flat[0]), 1, nil
	case itype.KindU64:
		return flat[0], 1, nil
	case itype.KindF32:
		return math.Float32frombits(canon.CanonicalizeF32(uint32(flat[0]))), 1, nil
	case itype.KindF64:
		return math.Float64frombits(canon.CanonicalizeF64(flat[0])), 1, nil
	case itype.KindChar:
		r := rune(uint32(flat[0]))
		if !canon.ValidateChar(r) {
			return nil, 0, errors.ABIViolation(errors.PhaseLift, path,
				fmt.Sprintf("invalid char scalar %#x", uint32(flat[0])))
		}
		return r, 1, nil

	case itype.KindString:
		ptr, length, err := m.flatPair(flat, path)
		if err != nil {
			return nil, 0, err
		}
		s, err := m.liftString(ptr, length, ctx, path)
		if err != nil {
			return nil, 0, err
		}
		return s, 2, nil

	case itype.KindList:
		ptr, length, err := m.flatPair(flat, path)
		if err != nil {
			return nil, 0, err
		}
		vs, err := m.liftList(t.Elem, ptr, length, ctx, path)
		if err != nil {
			return nil, 0, err
		}
		return vs, 2, nil

	case itype.KindRecord:
		out := make(map[string]any, len(t.Fields))
		consumed := 0
		for _, f := range t.Fields {
			v, n, err := m.liftFlat(f.Type, flat[consumed:], ctx, append(path, f.Name))
			if err != nil {
				return nil, 0, err
			}
			out[f.Name] = v
			consumed += n
		}
		return out, consumed, nil

	case itype.KindVariant:
		disc := uint32(flat[0])
		if int(disc) >= len(t.Cases) {
			return nil, 0, errors.InvalidDiscriminant(errors.PhaseLift, path, disc, uint32(len(t.Cases)))
		}
		c := t.Cases[disc]
		v := Variant{Case: disc}
		if c.Type != nil {
			payload, _, err := m.liftFlat(*c.Type, flat[1:], ctx, append(path, c.Name))
			if err != nil {
				return nil, 0, err
			}
			v.Payload = payload
		}
		return v, width, nil

	case itype.KindOption:
		disc := uint32(flat[0])
		if disc > 1 {
			return nil, 0, errors.InvalidDiscriminant(errors.PhaseLift, path, disc, 2)
		}
		o := Option{Some: disc == 1}
		if o.Some {
			v, _, err := m.liftFlat(t.Elem, flat[1:], ctx, append(path, "some"))
			if err != nil {
				return nil, 0, err
			}
			o.Value = v
		}
		return o, width, nil

	case itype.KindResult:
		disc := uint32(flat[0])
		if disc > 1 {
			return nil, 0, errors.InvalidDiscriminant(errors.PhaseLift, path, disc, 2)
		}
		res := Result{Err: disc == 1}
		payload := t.OK
		label := "ok"
		if res.Err {
			payload = t.Err
			label = "err"
		}
		if payload != nil {
			v, _, err := m.liftFlat(*payload, flat[1:], ctx, append(path, label))
			if err != nil {
				return nil, 0, err
			}
			res.Value = v
		}
		return res, width, nil

	case itype.KindHandle:
		ref, err := m.liftHandle(uint32(flat[0]), ctx, path)
		if err != nil {
			return nil, 0, err
		}
		return ref, 1, nil
	}

	return nil, 0, errors.ABIViolation(errors.PhaseLift, path,
		fmt.Sprintf("unsupported type kind %s", t.Kind))
}

func (m *Marshaller) load(id itype.TypeID, offset uint32, ctx *LiftContext, path []string) (any, error) {
	t, err := m.reg.Lookup(id)
	if err != nil {
		return nil, err
	}

	switch t.Kind {
	case itype.KindBool:
		b, err := ctx.Memory.ReadU8(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 1)
		}
		return b != 0, nil
	case itype.KindS8:
		b, err := ctx.Memory.ReadU8(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 1)
		}
		return int8(b), nil
	case itype.KindU8:
		b, err := ctx.Memory.ReadU8(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 1)
		}
		return b, nil
	case itype.KindS16:
		v, err := ctx.Memory.ReadU16(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 2)
		}
		return int16(v), nil
	case itype.KindU16:
		v, err := ctx.Memory.ReadU16(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 2)
		}
		return v, nil
	case itype.KindS32:
		v, err := ctx.Memory.ReadU32(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 4)
		}
		return int32(v), nil
	case itype.KindU32:
		v, err := ctx.Memory.ReadU32(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 4)
		}
		return v, nil
	case itype.KindS64:
		v, err := ctx.Memory.ReadU64(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 8)
		}
		return int64(v), nil
	case itype.KindU64:
		v, err := ctx.Memory.ReadU64(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 8)
		}
		return v, nil
	case itype.KindF32:
		v, err := ctx.Memory.ReadU32(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 4)
		}
		return math.Float32frombits(canon.CanonicalizeF32(v)), nil
	case itype.KindF64:
		v, err := ctx.Memory.ReadU64(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 8)
		}
		return math.Float64frombits(canon.CanonicalizeF64(v)), nil
	case itype.KindChar:
		v, err := ctx.Memory.ReadU32(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 4)
		}
		r := rune(v)
		if !canon.ValidateChar(r) {
			return nil, errors.ABIViolation(errors.PhaseLift, path,
				fmt.Sprintf("invalid char scalar %#x", v))
		}
		return r, nil

	case itype.KindString:
		ptr, length, err := m.loadPair(offset, ctx, path)
		if err != nil {
			return nil, err
		}
		return m.liftString(ptr, length, ctx, path)

	case itype.KindList:
		ptr, length, err := m.loadPair(offset, ctx, path)
		if err != nil {
			return nil, err
		}
		return m.liftList(t.Elem, ptr, length, ctx, path)

	case itype.KindRecord:
		layout, err := m.reg.Layout(id)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(t.Fields))
		for i, f := range t.Fields {
			v, err := m.load(f.Type, offset+layout.FieldOffsets[i], ctx, append(path, f.Name))
			if err != nil {
				return nil, err
			}
			out[f.Name] = v
		}
		return out, nil

	case itype.KindVariant:
		layout, err := m.reg.Layout(id)
		if err != nil {
			return nil, err
		}
		disc, err := m.loadDiscriminant(offset, layout.DiscSize, ctx, path)
		if err != nil {
			return nil, err
		}
		if int(disc) >= len(t.Cases) {
			return nil, errors.InvalidDiscriminant(errors.PhaseLift, path, disc, uint32(len(t.Cases)))
		}
		c := t.Cases[disc]
		v := Variant{Case: disc}
		if c.Type != nil {
			payload, err := m.load(*c.Type, offset+layout.PayloadOffset, ctx, append(path, c.Name))
			if err != nil {
				return nil, err
			}
			v.Payload = payload
		}
		return v, nil

	case itype.KindOption:
		layout, err := m.reg.Layout(id)
		if err != nil {
			return nil, err
		}
		disc, err := m.loadDiscriminant(offset, layout.DiscSize, ctx, path)
		if err != nil {
			return nil, err
		}
		if disc > 1 {
			return nil, errors.InvalidDiscriminant(errors.PhaseLift, path, disc, 2)
		}
		o := Option{Some: disc == 1}
		if o.Some {
			v, err := m.load(t.Elem, offset+layout.PayloadOffset, ctx, append(path, "some"))
			if err != nil {
				return nil, err
			}
			o.Value = v
		}
		return o, nil

	case itype.KindResult:
		layout, err := m.reg.Layout(id)
		if err != nil {
			return nil, err
		}
		disc, err := m.loadDiscriminant(offset, layout.DiscSize, ctx, path)
		if err != nil {
			return nil, err
		}
		if disc > 1 {
			return nil, errors.InvalidDiscriminant(errors.PhaseLift, path, disc, 2)
		}
		res := Result{Err: disc == 1}
		payload := t.OK
		label := "ok"
		if res.Err {
			payload = t.Err
			label = "err"
		}
		if payload != nil {
			v, err := m.load(*payload, offset+layout.PayloadOffset, ctx, append(path, label))
			if err != nil {
				return nil, err
			}
			res.Value = v
		}
		return res, nil

	case itype.KindHandle:
		v, err := ctx.Memory.ReadU32(offset)
		if err != nil {
			return nil, errors.OutOfBounds(errors.PhaseLift, path, offset, 4)
		}
		return m.liftHandle(v, ctx, path)
	}

	return nil, errors.ABIViolation(errors.PhaseLift, path,
		fmt.Sprintf("unsupported type kind %s", t.Kind))
}

// flatPair extracts a (pointer, length) pair from flat slots.
func (m *Marshaller) flatPair(flat []uint64, path []string) (uint32, uint32, error) {
	if flat[0] > math.MaxUint32 || flat[1] > math.MaxUint32 {
		return 0, 0, errors.ABIViolation(errors.PhaseLift, path,
			fmt.Sprintf("pointer/length pair (%d, %d) exceeds the 32-bit address space", flat[0], flat[1]))
	}
	return uint32(flat[0]), uint32(flat[1]), nil
}

// loadPair reads a (pointer, length) pair from memory at offset.
func (m *Marshaller) loadPair(offset uint32, ctx *LiftContext, path []string) (uint32, uint32, error) {
	if m.reg.Options().AddressWidth == itype.Addr64 {
		ptr, err := ctx.Memory.ReadU64(offset)
		if err != nil {
			return 0, 0, errors.OutOfBounds(errors.PhaseLift, path, offset, 16)
		}
		length, err := ctx.Memory.ReadU64(offset + 8)
		if err != nil {
			return 0, 0, errors.OutOfBounds(errors.PhaseLift, path, offset+8, 8)
		}
		return m.flatPair([]uint64{ptr, length}, path)
	}

	ptr, err := ctx.Memory.ReadU32(offset)
	if err != nil {
		return 0, 0, errors.OutOfBounds(errors.PhaseLift, path, offset, 8)
	}
	length, err := ctx.Memory.ReadU32(offset + 4)
	if err != nil {
		return 0, 0, errors.OutOfBounds(errors.PhaseLift, path, offset+4, 4)
	}
	return ptr, length, nil
}

func (m *Marshaller) liftString(ptr, length uint32, ctx *LiftContext, path []string) (string, error) {
	if length > m.opts.MaxStringBytes {
		return "", errors.ABIViolation(errors.PhaseLift, path,
			fmt.Sprintf("string length %d exceeds maximum %d", length, m.opts.MaxStringBytes))
	}
	if length == 0 {
		return "", nil
	}
	data, err := ctx.Memory.Read(ptr, length)
	if err != nil {
		return "", errors.OutOfBounds(errors.PhaseLift, path, ptr, length)
	}
	if !utf8.Valid(data) {
		return "", errors.InvalidUTF8(errors.PhaseLift, path, data)
	}
	return string(data), nil
}

func (m *Marshaller) liftList(elem itype.TypeID, ptr, length uint32, ctx *LiftContext, path []string) ([]any, error) {
	if length > m.opts.MaxListLength {
		return nil, errors.ABIViolation(errors.PhaseLift, path,
			fmt.Sprintf("list length %d exceeds maximum %d", length, m.opts.MaxListLength))
	}
	layout, err := m.reg.Layout(elem)
	if err != nil {
		return nil, err
	}
	total, ok := canon.SafeMulU32(length, layout.Size)
	if !ok {
		return nil, errors.OutOfBounds(errors.PhaseLift, path, ptr, length)
	}
	// An element address may not wrap around the address space either.
	if _, ok := canon.SafeAddU32(ptr, total); !ok {
		return nil, errors.OutOfBounds(errors.PhaseLift, path, ptr, total)
	}

	out := make([]any, 0, length)
	for i := uint32(0); i < length; i++ {
		v, err := m.load(elem, ptr+i*layout.Size, ctx, append(path, fmt.Sprintf("[%d]", i)))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *Marshaller) liftHandle(packed uint32, ctx *LiftContext, path []string) (HandleRef, error) {
	if ctx.Resources == nil {
		return HandleRef{}, errors.ABIViolation(errors.PhaseLift, path, "no resource table")
	}
	v, err := ctx.Resources.Get(resource.Handle(packed))
	if err != nil {
		return HandleRef{}, err
	}
	return HandleRef{Owner: ctx.Instance, Value: v}, nil
}

func (m *Marshaller) loadDiscriminant(offset, size uint32, ctx *LiftContext, path []string) (uint32, error) {
	switch size {
	case 1:
		v, err := ctx.Memory.ReadU8(offset)
		if err != nil {
			return 0, errors.OutOfBounds(errors.PhaseLift, path, offset, 1)
		}
		return uint32(v), nil
	case 2:
		v, err := ctx.Memory.ReadU16(offset)
		if err != nil {
			return 0, errors.OutOfBounds(errors.PhaseLift, path, offset, 2)
		}
		return uint32(v), nil
	default:
		v, err := ctx.Memory.ReadU32(offset)
		if err != nil {
			return 0, errors.OutOfBounds(errors.PhaseLift, path, offset, 4)
		}
		return v, nil
	}
}
