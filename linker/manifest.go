package linker

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/wippyai/canonlink/errors"
)

// Binding wires one import of one module to one export of another.
type Binding struct {
	Importer   string
	ImportName string
	Exporter   string
	ExportName string
}

// Manifest is the ordered list of bindings a link operation resolves.
// Order matters: topological ties are broken by module input order,
// and bindings are resolved in sequence.
type Manifest []Binding

// ParseManifest reads the textual manifest form: one binding per
// line, four whitespace-separated fields
//
//	importer import-name exporter export-name
//
// with blank lines and #-comments ignored.
func ParseManifest(r io.Reader) (Manifest, error) {
	var manifest Manifest

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, errors.InvalidInput(errors.PhaseLink,
				fmt.Sprintf("manifest line %d: want 4 fields, have %d", lineNo, len(fields)))
		}
		manifest = append(manifest, Binding{
			Importer:   fields[0],
			ImportName: fields[1],
			Exporter:   fields[2],
			ExportName: fields[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInvalidInput, err, "read manifest")
	}
	return manifest, nil
}
