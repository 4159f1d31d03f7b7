package wasm

import (
	"bytes"
	"testing"
)

func TestRenameImportModules(t *testing.T) {
	original := NewModuleBuilder().
		TypeSection([]FuncType{{Params: []ValType{ValI32}, Results: []ValType{ValI32}}}).
		ImportSection([]Import{
			{Module: "env", Name: "log", Kind: ExternFunc, TypeIndex: 0},
			{Module: "util", Name: "clamp", Kind: ExternFunc, TypeIndex: 0},
		}).
		FunctionSection([]uint32{0}).
		ExportSection([]Export{{Name: "run", Kind: ExternFunc, Index: 2}}).
		CodeSection([][]byte{{0x00, 0x20, 0x00, 0x0b}}).
		Metadata([]byte{0x00}).
		Bytes()

	renamed, err := RenameImportModules(original, func(m string) string {
		return "app:" + m
	})
	if err != nil {
		t.Fatalf("RenameImportModules: %v", err)
	}

	m, err := ParseModule(renamed)
	if err != nil {
		t.Fatalf("ParseModule after rewrite: %v", err)
	}
	if len(m.Imports) != 2 {
		t.Fatalf("imports = %d, want 2", len(m.Imports))
	}
	for i, want := range []string{"app:env", "app:util"} {
		if m.Imports[i].Module != want {
			t.Fatalf("import %d module = %q, want %q", i, m.Imports[i].Module, want)
		}
	}
	if m.Imports[0].Name != "log" || m.Imports[1].Name != "clamp" {
		t.Fatal("import names changed by module rename")
	}
	if _, ok := m.ExportedFunc("run"); !ok {
		t.Fatal("export section lost in rewrite")
	}
	if !bytes.Equal(m.Metadata, []byte{0x00}) {
		t.Fatal("metadata section lost in rewrite")
	}
}

func TestRenameImportModules_NoImports(t *testing.T) {
	original := NewModuleBuilder().
		TypeSection([]FuncType{{}}).
		FunctionSection([]uint32{0}).
		CodeSection([][]byte{{0x00, 0x0b}}).
		Bytes()

	renamed, err := RenameImportModules(original, func(m string) string { return "x:" + m })
	if err != nil {
		t.Fatalf("RenameImportModules: %v", err)
	}
	if !bytes.Equal(renamed, original) {
		t.Fatal("binary without imports changed by rewrite")
	}
}

func TestRenameImportModules_Malformed(t *testing.T) {
	if _, err := RenameImportModules([]byte{1, 2, 3}, func(m string) string { return m }); err == nil {
		t.Fatal("malformed header accepted")
	}
}
