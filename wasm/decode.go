package wasm

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/wippyai/canonlink/errors"
	"github.com/wippyai/canonlink/internal/binary"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = stderrors.New("invalid wasm magic number")
	ErrInvalidVersion = stderrors.New("invalid wasm version")
)

// ParseModule parses the structural sections of a core module binary.
// The returned Module borrows data; the caller keeps ownership and must
// not mutate it while the module is in use. The parse is pure: no code
// is executed and function bodies are left opaque.
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(bytes.NewReader(data))

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, errors.MalformedModule("header", 0, err)
	}
	if magic != Magic {
		return nil, errors.MalformedModule("header", 0, ErrInvalidMagic)
	}

	version, err := r.ReadU32LE()
	if err != nil {
		return nil, errors.MalformedModule("header", 4, err)
	}
	if version != Version {
		return nil, errors.MalformedModule("header", 4, ErrInvalidVersion)
	}

	m := &Module{Binary: data}

	// Non-custom sections must appear in canonical order exactly once.
	var lastSectionOrder int

	for {
		sectionID, err := r.ReadByte()
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				break
			}
			return nil, errors.MalformedModule("section header", uint32(r.Position()), err)
		}
		sectionStart := uint32(r.Position() - 1)

		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order == 0 {
				return nil, errors.MalformedModule("section header", sectionStart,
					fmt.Errorf("unknown section id 0x%02x", sectionID))
			}
			if order <= lastSectionOrder {
				return nil, errors.MalformedModule("section header", sectionStart,
					fmt.Errorf("section %d appears out of order", sectionID))
			}
			lastSectionOrder = order
		}

		sectionSize, err := r.ReadU32()
		if err != nil {
			return nil, errors.MalformedModule("section size", sectionStart, err)
		}
		payloadStart := r.Position()
		if int(sectionSize) > len(data)-payloadStart {
			return nil, errors.MalformedModule("section size", sectionStart,
				fmt.Errorf("declared size %d exceeds remaining %d bytes", sectionSize, len(data)-payloadStart))
		}

		// Borrow the payload; skip the outer reader past it.
		payload := data[payloadStart : payloadStart+int(sectionSize)]
		if _, err := r.ReadBytes(int(sectionSize)); err != nil {
			return nil, errors.MalformedModule("section data", sectionStart, err)
		}

		sr := binary.NewBytesReader(payload)

		switch sectionID {
		case SectionCustom:
			if err := parseCustomSection(sr, payload, m); err != nil {
				return nil, errors.MalformedModule("custom section", sectionStart, err)
			}
		case SectionType:
			if err := parseTypeSection(sr, m); err != nil {
				return nil, errors.MalformedModule("type section", sectionStart, err)
			}
		case SectionImport:
			if err := parseImportSection(sr, m); err != nil {
				return nil, errors.MalformedModule("import section", sectionStart, err)
			}
		case SectionExport:
			if err := parseExportSection(sr, m); err != nil {
				return nil, errors.MalformedModule("export section", sectionStart, err)
			}
		default:
			// Function bodies, data, and the rest belong to the
			// execution collaborator.
			m.Opaque = append(m.Opaque, OpaqueSection{ID: sectionID, Data: payload})
		}
	}

	return m, nil
}

// sectionOrder returns the canonical ordering for a section ID, or 0
// for an unknown one. The binary format's required order differs from
// raw section IDs.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionTag:
		return 6
	case SectionGlobal:
		return 7
	case SectionExport:
		return 8
	case SectionStart:
		return 9
	case SectionElement:
		return 10
	case SectionDataCount:
		return 11
	case SectionCode:
		return 12
	case SectionData:
		return 13
	default:
		return 0
	}
}

func parseCustomSection(r *binary.Reader, payload []byte, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	rest := payload[r.Position():]
	if name == MetadataSection {
		if m.Metadata != nil {
			return fmt.Errorf("duplicate %q section", MetadataSection)
		}
		m.Metadata = rest
		return nil
	}
	m.CustomSections = append(m.CustomSections, CustomSection{
		Name: name,
		Data: rest,
	})
	return nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}

	m.Types = make([]FuncType, 0, countHint(count))
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("read type form at index %d: %w", i, err)
		}
		if form != FuncTypeByte {
			return fmt.Errorf("expected functype (0x60), got 0x%02x", form)
		}
		ft, err := readFuncType(r)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, ft)
	}
	return nil
}

func readFuncType(r *binary.Reader) (FuncType, error) {
	params, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	results, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	return FuncType{Params: params, Results: results}, nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	types := make([]ValType, 0, countHint(count))
	for i := uint32(0); i < count; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		vt := ValType(b)
		switch vt {
		case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExternRef:
		default:
			return nil, fmt.Errorf("invalid value type 0x%02x", b)
		}
		types = append(types, vt)
	}
	return types, nil
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}

	m.Imports = make([]Import, 0, countHint(count))
	for i := uint32(0); i < count; i++ {
		module, err := r.ReadName()
		if err != nil {
			return fmt.Errorf("import %d module: %w", i, err)
		}
		name, err := r.ReadName()
		if err != nil {
			return fmt.Errorf("import %d name: %w", i, err)
		}
		kind, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("import %d kind: %w", i, err)
		}

		imp := Import{Module: module, Name: name, Kind: ExternKind(kind)}

		switch ExternKind(kind) {
		case ExternFunc:
			idx, err := r.ReadU32()
			if err != nil {
				return fmt.Errorf("import %d type index: %w", i, err)
			}
			imp.TypeIndex = idx
		case ExternTable:
			if err := skipTableType(r); err != nil {
				return fmt.Errorf("import %d table type: %w", i, err)
			}
		case ExternMemory:
			if err := skipLimits(r); err != nil {
				return fmt.Errorf("import %d memory type: %w", i, err)
			}
		case ExternGlobal:
			if err := skipGlobalType(r); err != nil {
				return fmt.Errorf("import %d global type: %w", i, err)
			}
		default:
			return fmt.Errorf("import %d: unknown extern kind 0x%02x", i, kind)
		}

		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}

	m.Exports = make([]Export, 0, countHint(count))
	seen := make(map[string]struct{}, countHint(count))
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadName()
		if err != nil {
			return fmt.Errorf("export %d name: %w", i, err)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate export name %q", name)
		}
		seen[name] = struct{}{}

		kind, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("export %d kind: %w", i, err)
		}
		if ExternKind(kind) > ExternGlobal {
			return fmt.Errorf("export %d: unknown extern kind 0x%02x", i, kind)
		}
		index, err := r.ReadU32()
		if err != nil {
			return fmt.Errorf("export %d index: %w", i, err)
		}

		m.Exports = append(m.Exports, Export{
			Name:  name,
			Kind:  ExternKind(kind),
			Index: index,
		})
	}
	return nil
}

func skipLimits(r *binary.Reader) error {
	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	if _, err := r.ReadU32(); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		if _, err := r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func skipTableType(r *binary.Reader) error {
	if _, err := r.ReadByte(); err != nil { // reftype
		return err
	}
	return skipLimits(r)
}

func skipGlobalType(r *binary.Reader) error {
	if _, err := r.ReadByte(); err != nil { // valtype
		return err
	}
	if _, err := r.ReadByte(); err != nil { // mutability
		return err
	}
	return nil
}

// countHint caps pre-allocation from attacker-controlled count fields.
func countHint(count uint32) int {
	const maxHint = 1 << 12
	if count > maxHint {
		return maxHint
	}
	return int(count)
}
