package wasm

// WebAssembly binary format constants
const (
	Magic   uint32 = 0x6d736100 // "\0asm"
	Version uint32 = 0x1
)

// Section IDs
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
	SectionTag       byte = 13
)

// MetadataSection is the designated custom section name carrying
// interface-type metadata for the linker.
const MetadataSection = "interface-types"

// ValType is a core wasm value type byte
type ValType byte

const (
	ValI32       ValType = 0x7f
	ValI64       ValType = 0x7e
	ValF32       ValType = 0x7d
	ValF64       ValType = 0x7c
	ValV128      ValType = 0x7b
	ValFuncRef   ValType = 0x70
	ValExternRef ValType = 0x6f
)

// ExternKind identifies what an import or export refers to
type ExternKind byte

const (
	ExternFunc   ExternKind = 0
	ExternTable  ExternKind = 1
	ExternMemory ExternKind = 2
	ExternGlobal ExternKind = 3
)

// FuncTypeByte prefixes a function type in the type section.
const FuncTypeByte byte = 0x60

// Module is an immutable parsed view of one core module binary. Only
// structural sections are decoded: types, imports, exports, and the
// interface-type metadata custom section. Everything else stays opaque
// for the execution collaborator. Binary references the caller-owned
// buffer; the module borrows it and never copies or mutates it.
type Module struct {
	Binary         []byte
	Types          []FuncType
	Imports        []Import
	Exports        []Export
	Metadata       []byte
	CustomSections []CustomSection
	Opaque         []OpaqueSection
}

// FuncType represents a core function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Import represents a single import descriptor.
type Import struct {
	Module string
	Name   string
	Kind   ExternKind
	// TypeIndex is the type section index for function imports.
	TypeIndex uint32
}

// Export represents a single export descriptor.
type Export struct {
	Name  string
	Kind  ExternKind
	Index uint32
}

// CustomSection holds a custom section other than the metadata section.
type CustomSection struct {
	Name string
	Data []byte
}

// OpaqueSection records the byte range of a section that is passed
// through undecoded. Data slices into Module.Binary.
type OpaqueSection struct {
	ID   byte
	Data []byte
}

// ImportedFuncs returns the function imports in declaration order.
func (m *Module) ImportedFuncs() []Import {
	var funcs []Import
	for _, imp := range m.Imports {
		if imp.Kind == ExternFunc {
			funcs = append(funcs, imp)
		}
	}
	return funcs
}

// ExportedFunc looks up a function export by name.
func (m *Module) ExportedFunc(name string) (Export, bool) {
	for _, exp := range m.Exports {
		if exp.Kind == ExternFunc && exp.Name == name {
			return exp, true
		}
	}
	return Export{}, false
}

// Equal reports structural equality of two core function types.
func (ft FuncType) Equal(other FuncType) bool {
	if len(ft.Params) != len(other.Params) || len(ft.Results) != len(other.Results) {
		return false
	}
	for i, p := range ft.Params {
		if other.Params[i] != p {
			return false
		}
	}
	for i, r := range ft.Results {
		if other.Results[i] != r {
			return false
		}
	}
	return true
}
