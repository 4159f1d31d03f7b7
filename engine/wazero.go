package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	canonlink "github.com/wippyai/canonlink"
	"github.com/wippyai/canonlink/itype"
	"github.com/wippyai/canonlink/linker"
	"github.com/wippyai/canonlink/wasm"
)

// Allocation entry points probed on each instance, in preference
// order. cabi_realloc is the canonical ABI form; the rest cover
// modules built with simpler toolchains.
const (
	cabiRealloc = "cabi_realloc"
	cabiFree    = "cabi_free"
	simpleAlloc = "alloc"
	simpleFree  = "free"
)

// Config holds configuration for engine creation.
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages
	// (64KB each). 0 means the wazero default.
	MemoryLimitPages uint32
}

// Engine executes core modules through wazero and implements
// linker.Instantiator.
type Engine struct {
	runtime wazero.Runtime
}

// New creates a wazero-backed engine with default configuration.
func New(ctx context.Context) (*Engine, error) {
	return NewWithConfig(ctx, nil)
}

// NewWithConfig creates a wazero-backed engine.
func NewWithConfig(ctx context.Context, cfg *Config) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	return &Engine{runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg)}, nil
}

// Close releases the underlying runtime and every module compiled or
// instantiated through it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Instantiate compiles and instantiates one core module, registering
// the given bridge functions as wazero host modules first.
func (e *Engine) Instantiate(ctx context.Context, name string, module *wasm.Module, hosts []linker.HostFunc) (linker.RawInstance, error) {
	grouped := map[string][]linker.HostFunc{}
	var hostModules []string
	for _, h := range hosts {
		if _, seen := grouped[h.Module]; !seen {
			hostModules = append(hostModules, h.Module)
		}
		grouped[h.Module] = append(grouped[h.Module], h)
	}

	var hostInstances []api.Closer
	closeHosts := func() {
		for i := len(hostInstances) - 1; i >= 0; i-- {
			hostInstances[i].Close(ctx)
		}
	}

	for _, modName := range hostModules {
		builder := e.runtime.NewHostModuleBuilder(hostModuleName(name, modName))
		for _, h := range grouped[modName] {
			builder.NewFunctionBuilder().
				WithGoModuleFunction(goModuleFunc(h.Fn, len(h.Params), len(h.Results)), valueTypes(h.Params), valueTypes(h.Results)).
				Export(h.Name)
		}
		instance, err := builder.Instantiate(ctx)
		if err != nil {
			closeHosts()
			return nil, fmt.Errorf("host module %q: %w", modName, err)
		}
		hostInstances = append(hostInstances, instance)
	}

	compiled, err := e.runtime.CompileModule(ctx, rewriteImportModules(module.Binary, name, grouped))
	if err != nil {
		closeHosts()
		return nil, fmt.Errorf("compile %q: %w", name, err)
	}

	mod, err := e.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions("_initialize", "_start"))
	if err != nil {
		compiled.Close(ctx)
		closeHosts()
		return nil, fmt.Errorf("instantiate %q: %w", name, err)
	}

	inst := &instance{
		name:     name,
		module:   mod,
		compiled: compiled,
		hosts:    hostInstances,
	}
	if mem := mod.Memory(); mem != nil {
		inst.memory = &guestMemory{mem: mem}
	}
	inst.alloc = newAllocator(mod)
	Logger().Debug("instantiated core module", zap.String("module", name))
	return inst, nil
}

// hostModuleName namespaces a bridge module under its importer so two
// instances in one runtime never collide on host module names.
func hostModuleName(instance, module string) string {
	return instance + ":" + module
}

// rewriteImportModules remaps import module fields onto the
// namespaced host module names. Only imports that a bridge function
// was registered for are remapped; anything else, such as WASI
// imports, keeps its original module name.
func rewriteImportModules(binary []byte, instance string, bridged map[string][]linker.HostFunc) []byte {
	if len(bridged) == 0 {
		return binary
	}
	rewritten, err := wasm.RenameImportModules(binary, func(modName string) string {
		if _, ok := bridged[modName]; ok {
			return hostModuleName(instance, modName)
		}
		return modName
	})
	if err != nil {
		Logger().Warn("import rewrite failed, using original binary", zap.Error(err))
		return binary
	}
	return rewritten
}

// goModuleFunc adapts a bridge function to wazero's stack calling
// convention. The stack is sized to max(params, results), so both
// copies are bounded by the declared arities. A bridge error becomes a
// trap via panic; wazero converts host panics into call errors.
func goModuleFunc(fn func(context.Context, []uint64) ([]uint64, error), nParams, nResults int) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		args := make([]uint64, nParams)
		copy(args, stack[:nParams])
		out, err := fn(ctx, args)
		if err != nil {
			panic(err)
		}
		copy(stack[:nResults], out)
	}
}

func valueTypes(core []itype.CoreType) []api.ValueType {
	if len(core) == 0 {
		return nil
	}
	vts := make([]api.ValueType, len(core))
	for i, c := range core {
		switch c {
		case itype.CoreI64:
			vts[i] = api.ValueTypeI64
		case itype.CoreF32:
			vts[i] = api.ValueTypeF32
		case itype.CoreF64:
			vts[i] = api.ValueTypeF64
		default:
			vts[i] = api.ValueTypeI32
		}
	}
	return vts
}

// instance implements linker.RawInstance over a live wazero module.
type instance struct {
	name     string
	module   api.Module
	compiled wazero.CompiledModule
	hosts    []api.Closer
	memory   *guestMemory
	alloc    *guestAllocator

	mu        sync.RWMutex
	funcCache map[string]api.Function
}

func (i *instance) Memory() canonlink.Memory {
	if i.memory == nil {
		return nil
	}
	return i.memory
}

func (i *instance) Allocator() canonlink.Allocator {
	return i.alloc
}

func (i *instance) Call(ctx context.Context, name string, flat []uint64) ([]uint64, error) {
	i.mu.RLock()
	fn, ok := i.funcCache[name]
	i.mu.RUnlock()
	if !ok {
		fn = i.module.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("module %q has no export %q", i.name, name)
		}
		i.mu.Lock()
		if i.funcCache == nil {
			i.funcCache = map[string]api.Function{}
		}
		i.funcCache[name] = fn
		i.mu.Unlock()
	}
	return fn.Call(ctx, flat...)
}

func (i *instance) Close(ctx context.Context) error {
	var firstErr error
	if i.module != nil {
		if err := i.module.Close(ctx); err != nil {
			firstErr = err
		}
		i.module = nil
	}
	if i.compiled != nil {
		if err := i.compiled.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		i.compiled = nil
	}
	for idx := len(i.hosts) - 1; idx >= 0; idx-- {
		if err := i.hosts[idx].Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	i.hosts = nil
	i.funcCache = nil
	i.memory = nil
	i.alloc = nil
	return firstErr
}

// guestAllocator drives a guest-exported allocation entry point.
type guestAllocator struct {
	allocFn api.Function
	freeFn  api.Function
	// simple marks a single-parameter alloc(size) export as opposed
	// to the four-parameter cabi_realloc form.
	simple bool

	mu       sync.Mutex
	stackBuf []uint64
}

func newAllocator(mod api.Module) *guestAllocator {
	a := &guestAllocator{stackBuf: make([]uint64, 4)}
	if fn := mod.ExportedFunction(cabiRealloc); fn != nil {
		a.allocFn = fn
	} else if fn := mod.ExportedFunction(simpleAlloc); fn != nil {
		a.allocFn = fn
		a.simple = true
	}
	if fn := mod.ExportedFunction(cabiFree); fn != nil {
		a.freeFn = fn
	} else if fn := mod.ExportedFunction(simpleFree); fn != nil {
		a.freeFn = fn
	}
	return a
}

func (a *guestAllocator) Alloc(size, align uint32) (uint32, error) {
	if a.allocFn == nil {
		return 0, fmt.Errorf("no allocation entry point exported")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.simple {
		a.stackBuf[0] = uint64(size)
		if err := a.allocFn.CallWithStack(context.Background(), a.stackBuf[:1]); err != nil {
			return 0, err
		}
		return uint32(a.stackBuf[0]), nil
	}

	// cabi_realloc(old_ptr, old_size, align, new_size)
	a.stackBuf[0] = 0
	a.stackBuf[1] = 0
	a.stackBuf[2] = uint64(align)
	a.stackBuf[3] = uint64(size)
	if err := a.allocFn.CallWithStack(context.Background(), a.stackBuf[:4]); err != nil {
		return 0, err
	}
	return uint32(a.stackBuf[0]), nil
}

func (a *guestAllocator) Free(ptr, size, align uint32) {
	if a.freeFn == nil || ptr == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stackBuf[0] = uint64(ptr)
	a.stackBuf[1] = uint64(size)
	a.stackBuf[2] = uint64(align)
	if err := a.freeFn.CallWithStack(context.Background(), a.stackBuf[:3]); err != nil {
		Logger().Warn("guest free failed",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}

// guestMemory adapts wazero linear memory to canonlink.Memory.
type guestMemory struct {
	mem api.Memory
}

func (m *guestMemory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	return data, nil
}

func (m *guestMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	return nil
}

func (m *guestMemory) ReadU8(offset uint32) (uint8, error) {
	data, err := m.Read(offset, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (m *guestMemory) ReadU16(offset uint32) (uint16, error) {
	data, err := m.Read(offset, 2)
	if err != nil {
		return 0, err
	}
	return uint16(data[0]) | uint16(data[1])<<8, nil
}

func (m *guestMemory) ReadU32(offset uint32) (uint32, error) {
	val, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, fmt.Errorf("read out of bounds: offset=%d", offset)
	}
	return val, nil
}

func (m *guestMemory) ReadU64(offset uint32) (uint64, error) {
	val, ok := m.mem.ReadUint64Le(offset)
	if !ok {
		return 0, fmt.Errorf("read out of bounds: offset=%d", offset)
	}
	return val, nil
}

func (m *guestMemory) WriteU8(offset uint32, value uint8) error {
	return m.Write(offset, []byte{value})
}

func (m *guestMemory) WriteU16(offset uint32, value uint16) error {
	return m.Write(offset, []byte{byte(value), byte(value >> 8)})
}

func (m *guestMemory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return fmt.Errorf("write out of bounds: offset=%d", offset)
	}
	return nil
}

func (m *guestMemory) WriteU64(offset uint32, value uint64) error {
	if !m.mem.WriteUint64Le(offset, value) {
		return fmt.Errorf("write out of bounds: offset=%d", offset)
	}
	return nil
}

func (m *guestMemory) Size() uint32 {
	return m.mem.Size()
}

var _ canonlink.Memory = (*guestMemory)(nil)
var _ canonlink.MemorySizer = (*guestMemory)(nil)
var _ canonlink.Allocator = (*guestAllocator)(nil)
var _ linker.Instantiator = (*Engine)(nil)
