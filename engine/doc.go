// Package engine executes core modules through wazero.
//
// Engine implements linker.Instantiator: bridge functions become
// wazero host modules, namespaced per instance so independent
// components sharing one runtime never collide, and each module's
// import section is rewritten to match. The returned instance exposes
// linear memory through canonlink.Memory and the guest's allocation
// entry point (cabi_realloc, with fallbacks for simpler toolchains)
// through canonlink.Allocator.
package engine
