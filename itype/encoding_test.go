package itype

import (
	"testing"
)

func TestContractRoundTrip(t *testing.T) {
	src := NewRegistry(DefaultOptions())

	point := src.MustRegister(NewRecord(Field{"x", U32}, Field{"y", U32}))
	status := src.MustRegister(NewVariant(
		Case{Name: "idle"},
		Case{Name: "busy", Type: Ref(point)},
	))
	names := src.MustRegister(NewList(String))
	file := src.MustRegister(NewHandle("file"))
	res := src.MustRegister(NewResult(Ref(U32), Ref(String)))
	opt := src.MustRegister(NewOption(U64))

	enc := NewContractEncoder(src)
	funcs := []struct {
		name string
		sig  Signature
	}{
		{"move", Signature{Params: []TypeID{point, point}, Results: []TypeID{point}}},
		{"poll", Signature{Params: nil, Results: []TypeID{status}}},
		{"list-names", Signature{Params: []TypeID{file}, Results: []TypeID{names}}},
		{"open", Signature{Params: []TypeID{String}, Results: []TypeID{res}}},
		{"peek", Signature{Params: nil, Results: []TypeID{opt}}},
	}
	for _, f := range funcs {
		if err := enc.AddFunc(f.name, f.sig); err != nil {
			t.Fatalf("AddFunc(%s) failed: %v", f.name, err)
		}
	}

	dst := NewRegistry(DefaultOptions())
	contract, err := DecodeContract(enc.Bytes(), dst)
	if err != nil {
		t.Fatalf("DecodeContract failed: %v", err)
	}

	if len(contract.Funcs) != len(funcs) {
		t.Fatalf("decoded %d functions, want %d", len(contract.Funcs), len(funcs))
	}
	for i, f := range funcs {
		if contract.Order[i] != f.name {
			t.Errorf("Order[%d] = %q, want %q", i, contract.Order[i], f.name)
		}
		got, ok := contract.Signature(f.name)
		if !ok {
			t.Fatalf("function %q missing from contract", f.name)
		}
		want := f.sig.Format(src)
		if gotStr := got.Format(dst); gotStr != want {
			t.Errorf("signature of %q = %s, want %s", f.name, gotStr, want)
		}
	}
}

func TestContractRoundTrip_DedupAcrossFuncs(t *testing.T) {
	src := NewRegistry(DefaultOptions())
	point := src.MustRegister(NewRecord(Field{"x", U32}, Field{"y", U32}))

	enc := NewContractEncoder(src)
	sig := Signature{Params: []TypeID{point}, Results: []TypeID{point}}
	if err := enc.AddFunc("a", sig); err != nil {
		t.Fatalf("AddFunc failed: %v", err)
	}
	if err := enc.AddFunc("b", sig); err != nil {
		t.Fatalf("AddFunc failed: %v", err)
	}

	dst := NewRegistry(DefaultOptions())
	contract, err := DecodeContract(enc.Bytes(), dst)
	if err != nil {
		t.Fatalf("DecodeContract failed: %v", err)
	}

	a, _ := contract.Signature("a")
	b, _ := contract.Signature("b")
	if !a.Equal(b) {
		t.Error("shared type registered to different TypeIDs")
	}
	// The record should have decoded once.
	if dst.Len() != int(numPrimitives)+1 {
		t.Errorf("registry has %d types, want %d", dst.Len(), numPrimitives+1)
	}
}

func TestDecodeContract_Primitives(t *testing.T) {
	src := NewRegistry(DefaultOptions())
	enc := NewContractEncoder(src)
	if err := enc.AddFunc("add", Signature{
		Params:  []TypeID{U32, U32},
		Results: []TypeID{U32},
	}); err != nil {
		t.Fatalf("AddFunc failed: %v", err)
	}

	dst := NewRegistry(DefaultOptions())
	contract, err := DecodeContract(enc.Bytes(), dst)
	if err != nil {
		t.Fatalf("DecodeContract failed: %v", err)
	}

	sig, ok := contract.Signature("add")
	if !ok {
		t.Fatal("add missing")
	}
	want := Signature{Params: []TypeID{U32, U32}, Results: []TypeID{U32}}
	if !sig.Equal(want) {
		t.Errorf("sig = %s, want %s", sig.Format(dst), want.Format(dst))
	}
	// Primitives only: no new registrations.
	if dst.Len() != int(numPrimitives) {
		t.Errorf("registry has %d types, want %d", dst.Len(), numPrimitives)
	}
}

func TestDecodeContract_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated def count", []byte{0x80}},
		{"unknown type code", []byte{0x01, 0x00}},
		{"forward type reference", []byte{0x01, 0x70, 0x05, 0x00}},
		{"truncated funcs", []byte{0x00, 0x01}},
		{"trailing bytes", []byte{0x00, 0x00, 0xff}},
		{"invalid primitive ref", []byte{
			0x01, 0x70, 0x70, // list of s33(-16), below the primitive range
			0x00,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(DefaultOptions())
			if _, err := DecodeContract(tt.data, reg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeContract_DuplicateFunc(t *testing.T) {
	src := NewRegistry(DefaultOptions())
	enc := NewContractEncoder(src)
	sig := Signature{Params: []TypeID{U32}, Results: nil}
	if err := enc.AddFunc("dup", sig); err != nil {
		t.Fatalf("AddFunc failed: %v", err)
	}
	if err := enc.AddFunc("dup", sig); err != nil {
		t.Fatalf("AddFunc failed: %v", err)
	}

	reg := NewRegistry(DefaultOptions())
	if _, err := DecodeContract(enc.Bytes(), reg); err == nil {
		t.Fatal("expected error for duplicate function name")
	}
}
