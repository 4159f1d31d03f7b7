// Package wasm reads the structural sections of core WebAssembly
// module binaries: types, imports, exports, and the designated custom
// section carrying interface-type metadata. Function bodies and all
// other sections are never decoded; they pass through opaquely to the
// execution collaborator.
//
// ParseModule is a pure function of its input. The returned Module
// borrows the caller's buffer and performs no allocation proportional
// to skipped sections.
//
// ModuleBuilder is the encoding counterpart, used by toolchains to
// stamp metadata onto a module and by tests to synthesize fixtures.
package wasm
