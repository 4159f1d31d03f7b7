// Package linker wires a set of core modules into one component.
//
// Link decodes each module's interface-typed contract into a shared
// registry, resolves the manifest's import/export bindings, orders
// the modules by dependency, and instantiates them through a
// caller-supplied Instantiator. Each resolved binding becomes a fused
// host function: arguments are lifted from the caller's memory and
// lowered into the callee's memory (through the callee's allocator)
// before the raw call, and results travel the opposite way after it.
//
// Resolution is strict. An unknown module or function name, a
// signature mismatch, or a dependency cycle fails the whole Link call
// before any module is instantiated. Export names may carry a
// trailing @major.minor.patch version; with SemverMatching enabled an
// import resolves to the newest same-major export at least as new as
// the requested version.
//
// A successful Link returns a Component exposing the exports no
// manifest entry consumed. Close tears instances down in reverse
// instantiation order, clearing resource tables first.
package linker
