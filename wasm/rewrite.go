package wasm

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/wippyai/canonlink/errors"
	"github.com/wippyai/canonlink/internal/binary"
)

// RenameImportModules rewrites the module field of every import entry
// through rename and returns a new binary. All other sections are
// copied byte for byte. A binary without an import section is
// returned unchanged.
func RenameImportModules(data []byte, rename func(module string) string) ([]byte, error) {
	r := binary.NewBytesReader(data)

	magic, err := r.ReadU32LE()
	if err != nil || magic != Magic {
		return nil, errors.MalformedModule("header", 0, ErrInvalidMagic)
	}
	version, err := r.ReadU32LE()
	if err != nil || version != Version {
		return nil, errors.MalformedModule("header", 4, ErrInvalidVersion)
	}

	var out bytes.Buffer
	out.Write(data[:8])

	for {
		sectionID, err := r.ReadByte()
		if err != nil {
			if stderrors.Is(err, io.EOF) {
				break
			}
			return nil, errors.MalformedModule("section header", uint32(r.Position()), err)
		}
		sectionStart := uint32(r.Position() - 1)

		sectionSize, err := r.ReadU32()
		if err != nil {
			return nil, errors.MalformedModule("section size", sectionStart, err)
		}
		payloadStart := r.Position()
		if int(sectionSize) > len(data)-payloadStart {
			return nil, errors.MalformedModule("section size", sectionStart,
				fmt.Errorf("declared size %d exceeds remaining %d bytes", sectionSize, len(data)-payloadStart))
		}
		payload := data[payloadStart : payloadStart+int(sectionSize)]
		if _, err := r.ReadBytes(int(sectionSize)); err != nil {
			return nil, errors.MalformedModule("section data", sectionStart, err)
		}

		if sectionID != SectionImport {
			out.WriteByte(sectionID)
			WriteLEB128u(&out, sectionSize)
			out.Write(payload)
			continue
		}

		rewritten, err := rewriteImportPayload(payload, rename)
		if err != nil {
			return nil, errors.MalformedModule("import section", sectionStart, err)
		}
		out.WriteByte(SectionImport)
		WriteLEB128u(&out, uint32(len(rewritten)))
		out.Write(rewritten)
	}

	return out.Bytes(), nil
}

func rewriteImportPayload(payload []byte, rename func(string) string) ([]byte, error) {
	r := binary.NewBytesReader(payload)
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	WriteLEB128u(&out, count)
	for i := uint32(0); i < count; i++ {
		module, err := r.ReadName()
		if err != nil {
			return nil, fmt.Errorf("import %d module: %w", i, err)
		}
		name, err := r.ReadName()
		if err != nil {
			return nil, fmt.Errorf("import %d name: %w", i, err)
		}

		descStart := r.Position()
		kind, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("import %d kind: %w", i, err)
		}
		switch ExternKind(kind) {
		case ExternFunc:
			if _, err := r.ReadU32(); err != nil {
				return nil, fmt.Errorf("import %d type index: %w", i, err)
			}
		case ExternTable:
			if err := skipTableType(r); err != nil {
				return nil, fmt.Errorf("import %d table type: %w", i, err)
			}
		case ExternMemory:
			if err := skipLimits(r); err != nil {
				return nil, fmt.Errorf("import %d memory type: %w", i, err)
			}
		case ExternGlobal:
			if err := skipGlobalType(r); err != nil {
				return nil, fmt.Errorf("import %d global type: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("import %d: unknown extern kind 0x%02x", i, kind)
		}

		writeName(&out, rename(module))
		writeName(&out, name)
		out.Write(payload[descStart:r.Position()])
	}
	return out.Bytes(), nil
}
