package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/canonlink/engine"
	"github.com/wippyai/canonlink/itype"
	"github.com/wippyai/canonlink/linker"
)

// moduleFlags collects repeated -module name=path arguments.
type moduleFlags []moduleSpec

type moduleSpec struct {
	name string
	path string
}

func (m *moduleFlags) String() string {
	var parts []string
	for _, spec := range *m {
		parts = append(parts, spec.name+"="+spec.path)
	}
	return strings.Join(parts, ",")
}

func (m *moduleFlags) Set(value string) error {
	name, path, ok := strings.Cut(value, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("want name=path, got %q", value)
	}
	*m = append(*m, moduleSpec{name: name, path: path})
	return nil
}

func main() {
	var modules moduleFlags
	flag.Var(&modules, "module", "Module to link as name=path (repeatable)")
	var (
		manifestFile = flag.String("manifest", "", "Path to the binding manifest")
		funcName     = flag.String("func", "", "Export to call, as instance.name or name")
		argsStr      = flag.String("args", "", "Comma-separated arguments for the call")
		list         = flag.Bool("list", false, "List instances and exports, then exit")
		interactive  = flag.Bool("i", false, "Interactive mode with TUI")
		verbose      = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	if len(modules) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: canonlink -module name=path [-module ...] [-manifest file] -func name [-args a,b,c]")
		fmt.Fprintln(os.Stderr, "       canonlink -module name=path [-manifest file] -list")
		fmt.Fprintln(os.Stderr, "       canonlink -module name=path [-manifest file] -i  (interactive mode)")
		os.Exit(1)
	}

	if *verbose {
		log, err := zap.NewDevelopment()
		if err == nil {
			linker.SetLogger(log)
			engine.SetLogger(log)
		}
	}

	if *interactive {
		if err := runInteractive(modules, *manifestFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(modules, *manifestFile, *funcName, *argsStr, *list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(modules moduleFlags, manifestFile, funcName, argsStr string, listOnly bool) error {
	ctx := context.Background()

	comp, eng, err := link(ctx, modules, manifestFile)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)
	defer comp.Close(ctx)

	fmt.Printf("Instantiation order: %s\n", strings.Join(comp.InstantiationOrder(), ", "))
	fmt.Printf("\nExports:\n")
	reg := comp.Registry()
	for _, e := range comp.Exports() {
		fmt.Printf("  %s.%s%s\n", e.Instance(), e.Name(), e.Signature().Format(reg))
	}

	if listOnly {
		return nil
	}
	if funcName == "" {
		fmt.Printf("\nNo function specified. Use -func to call an export.\n")
		return nil
	}

	export, err := findExport(comp, funcName)
	if err != nil {
		return err
	}

	flat, err := parseArgs(reg, export.Signature(), argsStr)
	if err != nil {
		return err
	}

	fmt.Printf("\nCalling %s.%s...\n", export.Instance(), export.Name())
	results, err := export.Call(ctx, flat)
	if err != nil {
		return fmt.Errorf("call %s: %w", funcName, err)
	}

	lifted, err := export.Lift(results)
	if err != nil {
		fmt.Printf("Raw results: %v\n", results)
		return fmt.Errorf("decode results: %w", err)
	}
	for i, v := range lifted {
		fmt.Printf("Result %d: %v\n", i, v)
	}
	if len(lifted) == 0 {
		fmt.Printf("Done.\n")
	}
	return nil
}

// link reads the module binaries and manifest and links the component.
func link(ctx context.Context, modules moduleFlags, manifestFile string) (*linker.Component, *engine.Engine, error) {
	var mods []linker.LinkModule
	for _, spec := range modules {
		data, err := os.ReadFile(spec.path)
		if err != nil {
			return nil, nil, fmt.Errorf("read module %q: %w", spec.name, err)
		}
		mods = append(mods, linker.LinkModule{Name: spec.name, Binary: data})
	}

	var manifest linker.Manifest
	if manifestFile != "" {
		f, err := os.Open(manifestFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open manifest: %w", err)
		}
		manifest, err = linker.ParseManifest(f)
		f.Close()
		if err != nil {
			return nil, nil, err
		}
	}

	eng, err := engine.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create engine: %w", err)
	}

	comp, err := linker.Link(ctx, mods, manifest, eng, linker.DefaultOptions())
	if err != nil {
		eng.Close(ctx)
		return nil, nil, err
	}
	return comp, eng, nil
}

// findExport resolves instance.name or a bare export name.
func findExport(comp *linker.Component, name string) (*linker.Export, error) {
	if instance, fn, ok := strings.Cut(name, "."); ok {
		if e, err := comp.Export(instance, fn); err == nil {
			return e, nil
		}
	}
	return comp.ExportNamed(name)
}

// parseArgs converts comma-separated textual arguments into the flat
// core form of the signature's parameters.
func parseArgs(reg *itype.Registry, sig itype.Signature, argsStr string) ([]uint64, error) {
	params, _, err := reg.FlattenSignature(sig)
	if err != nil {
		return nil, err
	}

	var fields []string
	if argsStr != "" {
		fields = strings.Split(argsStr, ",")
	}
	if len(fields) != len(params) {
		return nil, fmt.Errorf("signature takes %d flat arguments, got %d", len(params), len(fields))
	}

	flat := make([]uint64, len(params))
	for i, field := range fields {
		field = strings.TrimSpace(field)
		switch params[i] {
		case itype.CoreF32:
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			flat[i] = uint64(math.Float32bits(float32(v)))
		case itype.CoreF64:
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			flat[i] = math.Float64bits(v)
		default:
			if v, err := strconv.ParseUint(field, 0, 64); err == nil {
				flat[i] = v
				break
			}
			v, err := strconv.ParseInt(field, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			flat[i] = uint64(v)
		}
	}
	return flat, nil
}
