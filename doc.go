// Package canonlink composes compiled WebAssembly core modules into a
// single component by resolving a declared interface contract between
// them and marshalling values across the call boundary according to the
// Canonical ABI.
//
// # Architecture Overview
//
// The library is organized into packages with distinct responsibilities:
//
//	canonlink/          Root package with core Memory and Allocator interfaces
//	├── wasm/           Structural core-module binary reader and writer
//	├── itype/          Interface type registry, layouts, and flattening
//	├── abi/            Canonical ABI lifting and lowering
//	├── linker/         Dependency-ordered instantiation and import wiring
//	├── membridge/      Guest allocation bridge used during lowering
//	├── resource/       Generational resource handle tables
//	├── engine/         wazero-backed execution collaborator
//	└── errors/         Structured error types for diagnostics
//
// # Quick Start
//
// Link two modules where module "a" imports "add" from module "b":
//
//	eng, _ := engine.New(ctx, nil)
//	defer eng.Close(ctx)
//
//	comp, err := linker.Link(ctx, eng, []linker.LinkModule{
//	    {Name: "a", Binary: aBytes},
//	    {Name: "b", Binary: bBytes},
//	}, linker.Manifest{
//	    {Importer: "a", ImportName: "add", Exporter: "b", ExportName: "add"},
//	}, linker.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer comp.Close(ctx)
//
//	exp, _ := comp.ExportNamed("run")
//	results, err := exp.Call(ctx, 7, 9)
//
// # Thread Safety
//
// The interface type registry is append-only: registration is
// serialized, lookups may run concurrently. Each Instance guards its
// resource table and memory view with a per-instance lock held for the
// marshalling phases of one call; the engine itself never spawns
// goroutines.
//
// # Scope
//
// Execution of WebAssembly instructions is delegated to an
// Instantiator collaborator (the engine package adapts wazero). The
// linker does not decide which modules to link; that arrives as a
// manifest of (importer, import name, exporter, export name) bindings.
package canonlink
