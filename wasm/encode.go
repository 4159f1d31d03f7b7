package wasm

import (
	"bytes"
	"encoding/binary"
)

// ModuleBuilder assembles a core module binary section by section.
// Toolchains use it to stamp the interface-type metadata section onto
// a module; tests use it to synthesize fixtures. Sections are emitted
// in the order they are added; the caller is responsible for canonical
// ordering of non-custom sections.
type ModuleBuilder struct {
	buf bytes.Buffer
}

// NewModuleBuilder starts a module binary with the magic and version.
func NewModuleBuilder() *ModuleBuilder {
	b := &ModuleBuilder{}
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:], Magic)
	binary.LittleEndian.PutUint32(header[4:], Version)
	b.buf.Write(header[:])
	return b
}

// Section appends a raw section with the given id and payload.
func (b *ModuleBuilder) Section(id byte, payload []byte) *ModuleBuilder {
	b.buf.WriteByte(id)
	WriteLEB128u(&b.buf, uint32(len(payload)))
	b.buf.Write(payload)
	return b
}

// TypeSection appends a type section with the given function types.
func (b *ModuleBuilder) TypeSection(types []FuncType) *ModuleBuilder {
	var payload bytes.Buffer
	WriteLEB128u(&payload, uint32(len(types)))
	for _, ft := range types {
		payload.WriteByte(FuncTypeByte)
		writeValTypes(&payload, ft.Params)
		writeValTypes(&payload, ft.Results)
	}
	return b.Section(SectionType, payload.Bytes())
}

// ImportSection appends an import section. Only function imports are
// supported by the builder.
func (b *ModuleBuilder) ImportSection(imports []Import) *ModuleBuilder {
	var payload bytes.Buffer
	WriteLEB128u(&payload, uint32(len(imports)))
	for _, imp := range imports {
		writeName(&payload, imp.Module)
		writeName(&payload, imp.Name)
		payload.WriteByte(byte(imp.Kind))
		WriteLEB128u(&payload, imp.TypeIndex)
	}
	return b.Section(SectionImport, payload.Bytes())
}

// FunctionSection appends a function section declaring type indices
// for the module's own functions.
func (b *ModuleBuilder) FunctionSection(typeIndices []uint32) *ModuleBuilder {
	var payload bytes.Buffer
	WriteLEB128u(&payload, uint32(len(typeIndices)))
	for _, idx := range typeIndices {
		WriteLEB128u(&payload, idx)
	}
	return b.Section(SectionFunction, payload.Bytes())
}

// MemorySection appends a memory section with one memory of the given
// minimum page count.
func (b *ModuleBuilder) MemorySection(minPages uint32) *ModuleBuilder {
	var payload bytes.Buffer
	WriteLEB128u(&payload, 1)
	payload.WriteByte(0x00) // limits: min only
	WriteLEB128u(&payload, minPages)
	return b.Section(SectionMemory, payload.Bytes())
}

// ExportSection appends an export section.
func (b *ModuleBuilder) ExportSection(exports []Export) *ModuleBuilder {
	var payload bytes.Buffer
	WriteLEB128u(&payload, uint32(len(exports)))
	for _, exp := range exports {
		writeName(&payload, exp.Name)
		payload.WriteByte(byte(exp.Kind))
		WriteLEB128u(&payload, exp.Index)
	}
	return b.Section(SectionExport, payload.Bytes())
}

// CodeSection appends a code section from pre-encoded function bodies
// (locals vector plus instructions, without the size prefix).
func (b *ModuleBuilder) CodeSection(bodies [][]byte) *ModuleBuilder {
	var payload bytes.Buffer
	WriteLEB128u(&payload, uint32(len(bodies)))
	for _, body := range bodies {
		WriteLEB128u(&payload, uint32(len(body)))
		payload.Write(body)
	}
	return b.Section(SectionCode, payload.Bytes())
}

// CustomSection appends a named custom section.
func (b *ModuleBuilder) CustomSection(name string, data []byte) *ModuleBuilder {
	var payload bytes.Buffer
	writeName(&payload, name)
	payload.Write(data)
	return b.Section(SectionCustom, payload.Bytes())
}

// Metadata appends the designated interface-type metadata section.
func (b *ModuleBuilder) Metadata(data []byte) *ModuleBuilder {
	return b.CustomSection(MetadataSection, data)
}

// Bytes returns the assembled module binary.
func (b *ModuleBuilder) Bytes() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

func writeValTypes(w *bytes.Buffer, types []ValType) {
	WriteLEB128u(w, uint32(len(types)))
	for _, t := range types {
		w.WriteByte(byte(t))
	}
}

func writeName(w *bytes.Buffer, name string) {
	WriteLEB128u(w, uint32(len(name)))
	w.WriteString(name)
}
