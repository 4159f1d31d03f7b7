package itype

import (
	"fmt"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/canonlink/errors"
)

// FromWIT registers the interface type corresponding to a WIT type and
// returns its TypeID, so contracts can be sourced from WIT metadata as
// well as from the binary metadata section. Tuples become records with
// positional field names and enums become payload-less variants; flags
// have no canonical counterpart here and are rejected.
func FromWIT(reg *Registry, t wit.Type) (TypeID, error) {
	switch v := t.(type) {
	case wit.Bool:
		return Bool, nil
	case wit.S8:
		return S8, nil
	case wit.U8:
		return U8, nil
	case wit.S16:
		return S16, nil
	case wit.U16:
		return U16, nil
	case wit.S32:
		return S32, nil
	case wit.U32:
		return U32, nil
	case wit.S64:
		return S64, nil
	case wit.U64:
		return U64, nil
	case wit.F32:
		return F32, nil
	case wit.F64:
		return F64, nil
	case wit.Char:
		return Char, nil
	case wit.String:
		return String, nil
	case *wit.TypeDef:
		return fromWITTypeDef(reg, v)
	default:
		return 0, errors.InvalidInput(errors.PhaseRegister,
			fmt.Sprintf("unsupported WIT type %T", t))
	}
}

func fromWITTypeDef(reg *Registry, td *wit.TypeDef) (TypeID, error) {
	if td == nil || td.Kind == nil {
		return 0, errors.InvalidInput(errors.PhaseRegister, "nil WIT type definition")
	}

	switch kind := td.Kind.(type) {
	case *wit.Record:
		fields := make([]Field, 0, len(kind.Fields))
		for _, f := range kind.Fields {
			ft, err := FromWIT(reg, f.Type)
			if err != nil {
				return 0, err
			}
			fields = append(fields, Field{Name: f.Name, Type: ft})
		}
		return reg.Register(NewRecord(fields...))

	case *wit.Variant:
		cases := make([]Case, 0, len(kind.Cases))
		for _, c := range kind.Cases {
			ic := Case{Name: c.Name}
			if c.Type != nil {
				ct, err := FromWIT(reg, c.Type)
				if err != nil {
					return 0, err
				}
				ic.Type = &ct
			}
			cases = append(cases, ic)
		}
		return reg.Register(NewVariant(cases...))

	case *wit.Enum:
		cases := make([]Case, 0, len(kind.Cases))
		for _, c := range kind.Cases {
			cases = append(cases, Case{Name: c.Name})
		}
		return reg.Register(NewVariant(cases...))

	case *wit.List:
		elem, err := FromWIT(reg, kind.Type)
		if err != nil {
			return 0, err
		}
		return reg.Register(NewList(elem))

	case *wit.Option:
		elem, err := FromWIT(reg, kind.Type)
		if err != nil {
			return 0, err
		}
		return reg.Register(NewOption(elem))

	case *wit.Result:
		var ok, errT *TypeID
		if kind.OK != nil {
			t, err := FromWIT(reg, kind.OK)
			if err != nil {
				return 0, err
			}
			ok = &t
		}
		if kind.Err != nil {
			t, err := FromWIT(reg, kind.Err)
			if err != nil {
				return 0, err
			}
			errT = &t
		}
		return reg.Register(NewResult(ok, errT))

	case *wit.Tuple:
		fields := make([]Field, 0, len(kind.Types))
		for i, t := range kind.Types {
			ft, err := FromWIT(reg, t)
			if err != nil {
				return 0, err
			}
			fields = append(fields, Field{Name: fmt.Sprintf("%d", i), Type: ft})
		}
		return reg.Register(NewRecord(fields...))

	case *wit.Own:
		return reg.Register(NewHandle(witResourceName(kind.Type)))

	case *wit.Borrow:
		return reg.Register(NewHandle(witResourceName(kind.Type)))

	case wit.Type:
		return FromWIT(reg, kind)

	default:
		return 0, errors.InvalidInput(errors.PhaseRegister,
			fmt.Sprintf("unsupported WIT type kind %T", td.Kind))
	}
}

// SignatureFromWIT registers all parameter and result types of a WIT
// function and returns the corresponding signature.
func SignatureFromWIT(reg *Registry, fn *wit.Function) (Signature, error) {
	var sig Signature
	for _, p := range fn.Params {
		id, err := FromWIT(reg, p.Type)
		if err != nil {
			return Signature{}, err
		}
		sig.Params = append(sig.Params, id)
	}
	for _, r := range fn.Results {
		id, err := FromWIT(reg, r.Type)
		if err != nil {
			return Signature{}, err
		}
		sig.Results = append(sig.Results, id)
	}
	return sig, nil
}

func witResourceName(td *wit.TypeDef) string {
	if td != nil && td.Name != nil {
		return *td.Name
	}
	return "resource"
}
