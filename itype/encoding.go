package itype

import (
	"bytes"
	"fmt"

	"github.com/wippyai/canonlink/errors"
	"github.com/wippyai/canonlink/wasm"
	"github.com/wippyai/canonlink/internal/binary"
)

// Binary codec for the interface-type metadata custom section. Type
// definitions use the Component Model value-type byte codes; type
// references are s33 values where negative selects a primitive code
// and non-negative indexes the section's own definition vector.

// Primitive type codes (single-byte signed LEB form in parentheses).
const (
	codeBool   byte = 0x7f // -1
	codeS8     byte = 0x7e // -2
	codeU8     byte = 0x7d // -3
	codeS16    byte = 0x7c // -4
	codeU16    byte = 0x7b // -5
	codeS32    byte = 0x7a // -6
	codeU32    byte = 0x79 // -7
	codeS64    byte = 0x78 // -8
	codeU64    byte = 0x77 // -9
	codeF32    byte = 0x76 // -10
	codeF64    byte = 0x75 // -11
	codeChar   byte = 0x74 // -12
	codeString byte = 0x73 // -13
)

// Constructor codes for compound definitions.
const (
	codeRecord  byte = 0x72
	codeVariant byte = 0x71
	codeList    byte = 0x70
	codeOption  byte = 0x6b
	codeResult  byte = 0x6a
	codeHandle  byte = 0x69
)

var primByID = map[TypeID]byte{
	Bool: codeBool, S8: codeS8, U8: codeU8, S16: codeS16, U16: codeU16,
	S32: codeS32, U32: codeU32, S64: codeS64, U64: codeU64,
	F32: codeF32, F64: codeF64, Char: codeChar, String: codeString,
}

var primByCode = func() map[byte]TypeID {
	m := make(map[byte]TypeID, len(primByID))
	for id, code := range primByID {
		m[code] = id
	}
	return m
}()

// Contract is a module's decoded interface contract: a named signature
// for each import and export that crosses the component boundary.
type Contract struct {
	Funcs map[string]Signature
	Order []string
}

// Signature looks up a function signature by name.
func (c *Contract) Signature(name string) (Signature, bool) {
	sig, ok := c.Funcs[name]
	return sig, ok
}

// DecodeContract parses an interface-type metadata section, registers
// every type definition in reg, and returns the module's contract.
func DecodeContract(data []byte, reg *Registry) (*Contract, error) {
	r := binary.NewBytesReader(data)

	defCount, err := r.ReadU32()
	if err != nil {
		return nil, decodeErr(r, "type definition count", err)
	}

	// Local definition index -> registered TypeID.
	local := make([]TypeID, 0, countHint(defCount))
	for i := uint32(0); i < defCount; i++ {
		id, err := decodeTypeDef(r, reg, local)
		if err != nil {
			return nil, decodeErr(r, fmt.Sprintf("type definition %d", i), err)
		}
		local = append(local, id)
	}

	funcCount, err := r.ReadU32()
	if err != nil {
		return nil, decodeErr(r, "function count", err)
	}

	contract := &Contract{
		Funcs: make(map[string]Signature, countHint(funcCount)),
	}
	for i := uint32(0); i < funcCount; i++ {
		name, err := r.ReadName()
		if err != nil {
			return nil, decodeErr(r, fmt.Sprintf("function %d name", i), err)
		}
		if _, dup := contract.Funcs[name]; dup {
			return nil, decodeErr(r, name, fmt.Errorf("duplicate function"))
		}

		params, err := decodeTypeRefVec(r, local)
		if err != nil {
			return nil, decodeErr(r, name, err)
		}
		results, err := decodeTypeRefVec(r, local)
		if err != nil {
			return nil, decodeErr(r, name, err)
		}

		contract.Funcs[name] = Signature{Params: params, Results: results}
		contract.Order = append(contract.Order, name)
	}

	if r.Len() != 0 {
		return nil, decodeErr(r, "section", fmt.Errorf("%d trailing bytes", r.Len()))
	}

	return contract, nil
}

func decodeTypeDef(r *binary.Reader, reg *Registry, local []TypeID) (TypeID, error) {
	code, err := r.ReadByte()
	if err != nil {
		return 0, err
	}

	if id, ok := primByCode[code]; ok {
		return id, nil
	}

	switch code {
	case codeList:
		elem, err := decodeTypeRef(r, local)
		if err != nil {
			return 0, err
		}
		return reg.Register(NewList(elem))

	case codeOption:
		elem, err := decodeTypeRef(r, local)
		if err != nil {
			return 0, err
		}
		return reg.Register(NewOption(elem))

	case codeRecord:
		count, err := r.ReadU32()
		if err != nil {
			return 0, err
		}
		fields := make([]Field, 0, countHint(count))
		for i := uint32(0); i < count; i++ {
			name, err := r.ReadName()
			if err != nil {
				return 0, err
			}
			ft, err := decodeTypeRef(r, local)
			if err != nil {
				return 0, err
			}
			fields = append(fields, Field{Name: name, Type: ft})
		}
		return reg.Register(NewRecord(fields...))

	case codeVariant:
		count, err := r.ReadU32()
		if err != nil {
			return 0, err
		}
		cases := make([]Case, 0, countHint(count))
		for i := uint32(0); i < count; i++ {
			name, err := r.ReadName()
			if err != nil {
				return 0, err
			}
			hasPayload, err := r.ReadByte()
			if err != nil {
				return 0, err
			}
			c := Case{Name: name}
			if hasPayload != 0 {
				ct, err := decodeTypeRef(r, local)
				if err != nil {
					return 0, err
				}
				c.Type = &ct
			}
			cases = append(cases, c)
		}
		return reg.Register(NewVariant(cases...))

	case codeResult:
		flags, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		var ok, errT *TypeID
		if flags&0x01 != 0 {
			t, err := decodeTypeRef(r, local)
			if err != nil {
				return 0, err
			}
			ok = &t
		}
		if flags&0x02 != 0 {
			t, err := decodeTypeRef(r, local)
			if err != nil {
				return 0, err
			}
			errT = &t
		}
		return reg.Register(NewResult(ok, errT))

	case codeHandle:
		resource, err := r.ReadName()
		if err != nil {
			return 0, err
		}
		return reg.Register(NewHandle(resource))

	default:
		return 0, fmt.Errorf("unknown type code 0x%02x", code)
	}
}

func decodeTypeRef(r *binary.Reader, local []TypeID) (TypeID, error) {
	v, err := r.ReadS33()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		if v < -13 {
			return 0, fmt.Errorf("invalid primitive type reference %d", v)
		}
		return primByCode[byte(0x80+v)], nil
	}
	if v >= int64(len(local)) {
		return 0, fmt.Errorf("type reference %d exceeds %d definitions", v, len(local))
	}
	return local[v], nil
}

func decodeTypeRefVec(r *binary.Reader, local []TypeID) ([]TypeID, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	ids := make([]TypeID, 0, countHint(count))
	for i := uint32(0); i < count; i++ {
		id, err := decodeTypeRef(r, local)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func decodeErr(r *binary.Reader, what string, err error) error {
	return errors.New(errors.PhaseParse, errors.KindMalformedModule).
		Name(wasm.MetadataSection).
		Offset(uint32(r.Position())).
		Detail("decode %s", what).
		Cause(err).
		Build()
}

// ContractEncoder assembles a metadata section from registered types.
// Toolchains use it to stamp a module's contract; tests use it to
// build fixtures.
type ContractEncoder struct {
	reg      *Registry
	defs     bytes.Buffer
	defCount uint32
	funcs    bytes.Buffer
	fnCount  uint32
	emitted  map[TypeID]int64
}

// NewContractEncoder creates an encoder over a registry.
func NewContractEncoder(reg *Registry) *ContractEncoder {
	return &ContractEncoder{
		reg:     reg,
		emitted: make(map[TypeID]int64),
	}
}

// AddFunc appends a named function signature, emitting any type
// definitions it depends on.
func (e *ContractEncoder) AddFunc(name string, sig Signature) error {
	var body bytes.Buffer
	writeName(&body, name)

	for _, vec := range [][]TypeID{sig.Params, sig.Results} {
		wasm.WriteLEB128u(&body, uint32(len(vec)))
		for _, id := range vec {
			ref, err := e.typeRef(id)
			if err != nil {
				return err
			}
			wasm.WriteLEB128s64(&body, ref)
		}
	}

	e.funcs.Write(body.Bytes())
	e.fnCount++
	return nil
}

// Bytes returns the assembled metadata section payload.
func (e *ContractEncoder) Bytes() []byte {
	var out bytes.Buffer
	wasm.WriteLEB128u(&out, e.defCount)
	out.Write(e.defs.Bytes())
	wasm.WriteLEB128u(&out, e.fnCount)
	out.Write(e.funcs.Bytes())
	return out.Bytes()
}

// typeRef returns the s33 reference for a TypeID, emitting its
// definition first if needed.
func (e *ContractEncoder) typeRef(id TypeID) (int64, error) {
	if code, ok := primByID[id]; ok {
		return int64(code) - 0x80, nil
	}
	if ref, ok := e.emitted[id]; ok {
		return ref, nil
	}

	t, err := e.reg.Lookup(id)
	if err != nil {
		return 0, err
	}

	// Emit constituents first so references are backward only.
	var body bytes.Buffer
	switch t.Kind {
	case KindList, KindOption:
		ref, err := e.typeRef(t.Elem)
		if err != nil {
			return 0, err
		}
		if t.Kind == KindList {
			body.WriteByte(codeList)
		} else {
			body.WriteByte(codeOption)
		}
		wasm.WriteLEB128s64(&body, ref)

	case KindRecord:
		refs := make([]int64, len(t.Fields))
		for i, f := range t.Fields {
			if refs[i], err = e.typeRef(f.Type); err != nil {
				return 0, err
			}
		}
		body.WriteByte(codeRecord)
		wasm.WriteLEB128u(&body, uint32(len(t.Fields)))
		for i, f := range t.Fields {
			writeName(&body, f.Name)
			wasm.WriteLEB128s64(&body, refs[i])
		}

	case KindVariant:
		refs := make([]int64, len(t.Cases))
		for i, c := range t.Cases {
			if c.Type != nil {
				if refs[i], err = e.typeRef(*c.Type); err != nil {
					return 0, err
				}
			}
		}
		body.WriteByte(codeVariant)
		wasm.WriteLEB128u(&body, uint32(len(t.Cases)))
		for i, c := range t.Cases {
			writeName(&body, c.Name)
			if c.Type != nil {
				body.WriteByte(1)
				wasm.WriteLEB128s64(&body, refs[i])
			} else {
				body.WriteByte(0)
			}
		}

	case KindResult:
		var okRef, errRef int64
		var flags byte
		if t.OK != nil {
			if okRef, err = e.typeRef(*t.OK); err != nil {
				return 0, err
			}
			flags |= 0x01
		}
		if t.Err != nil {
			if errRef, err = e.typeRef(*t.Err); err != nil {
				return 0, err
			}
			flags |= 0x02
		}
		body.WriteByte(codeResult)
		body.WriteByte(flags)
		if t.OK != nil {
			wasm.WriteLEB128s64(&body, okRef)
		}
		if t.Err != nil {
			wasm.WriteLEB128s64(&body, errRef)
		}

	case KindHandle:
		body.WriteByte(codeHandle)
		writeName(&body, t.Resource)

	default:
		return 0, errors.InvalidInput(errors.PhaseRegister,
			fmt.Sprintf("cannot encode type kind %s", t.Kind))
	}

	e.defs.Write(body.Bytes())
	ref := int64(e.defCount)
	e.defCount++
	e.emitted[id] = ref
	return ref, nil
}

func writeName(w *bytes.Buffer, name string) {
	wasm.WriteLEB128u(w, uint32(len(name)))
	w.WriteString(name)
}

func countHint(count uint32) int {
	const maxHint = 1 << 12
	if count > maxHint {
		return maxHint
	}
	return int(count)
}
