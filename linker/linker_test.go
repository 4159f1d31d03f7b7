package linker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	canonlink "github.com/wippyai/canonlink"
	cerrors "github.com/wippyai/canonlink/errors"
	"github.com/wippyai/canonlink/itype"
	"github.com/wippyai/canonlink/resource"
	"github.com/wippyai/canonlink/wasm"
)

// linMem is a fixed-size little-endian memory for fake instances.
type linMem struct {
	data []byte
}

func newLinMem(size uint32) *linMem {
	return &linMem{data: make([]byte, size)}
}

func (m *linMem) check(offset, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(len(m.data)) {
		return fmt.Errorf("access [%d, %d) outside memory of %d bytes", offset, offset+length, len(m.data))
	}
	return nil
}

func (m *linMem) Read(offset, length uint32) ([]byte, error) {
	if err := m.check(offset, length); err != nil {
		return nil, err
	}
	return m.data[offset : offset+length], nil
}

func (m *linMem) Write(offset uint32, data []byte) error {
	if err := m.check(offset, uint32(len(data))); err != nil {
		return err
	}
	copy(m.data[offset:], data)
	return nil
}

func (m *linMem) ReadU8(offset uint32) (uint8, error) {
	if err := m.check(offset, 1); err != nil {
		return 0, err
	}
	return m.data[offset], nil
}

func (m *linMem) ReadU16(offset uint32) (uint16, error) {
	if err := m.check(offset, 2); err != nil {
		return 0, err
	}
	return uint16(m.data[offset]) | uint16(m.data[offset+1])<<8, nil
}

func (m *linMem) ReadU32(offset uint32) (uint32, error) {
	if err := m.check(offset, 4); err != nil {
		return 0, err
	}
	v := uint32(m.data[offset]) | uint32(m.data[offset+1])<<8 |
		uint32(m.data[offset+2])<<16 | uint32(m.data[offset+3])<<24
	return v, nil
}

func (m *linMem) ReadU64(offset uint32) (uint64, error) {
	lo, err := m.ReadU32(offset)
	if err != nil {
		return 0, err
	}
	hi, err := m.ReadU32(offset + 4)
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

func (m *linMem) WriteU8(offset uint32, v uint8) error {
	if err := m.check(offset, 1); err != nil {
		return err
	}
	m.data[offset] = v
	return nil
}

func (m *linMem) WriteU16(offset uint32, v uint16) error {
	if err := m.check(offset, 2); err != nil {
		return err
	}
	m.data[offset] = byte(v)
	m.data[offset+1] = byte(v >> 8)
	return nil
}

func (m *linMem) WriteU32(offset uint32, v uint32) error {
	if err := m.check(offset, 4); err != nil {
		return err
	}
	m.data[offset] = byte(v)
	m.data[offset+1] = byte(v >> 8)
	m.data[offset+2] = byte(v >> 16)
	m.data[offset+3] = byte(v >> 24)
	return nil
}

func (m *linMem) WriteU64(offset uint32, v uint64) error {
	if err := m.WriteU32(offset, uint32(v)); err != nil {
		return err
	}
	return m.WriteU32(offset+4, uint32(v>>32))
}

// bump is a never-freeing aligned allocator.
type bump struct {
	next  uint32
	limit uint32
}

func (b *bump) Alloc(size, align uint32) (uint32, error) {
	ptr := (b.next + align - 1) &^ (align - 1)
	if ptr+size > b.limit {
		return 0, fmt.Errorf("out of guest memory")
	}
	b.next = ptr + size
	return ptr, nil
}

func (b *bump) Free(ptr, size, align uint32) {}

type fakeFn func(ctx context.Context, self *fakeInstance, flat []uint64) ([]uint64, error)

// fakeInstance is a pure-Go stand-in for an executing module.
type fakeInstance struct {
	name   string
	mem    *linMem
	alloc  *bump
	hosts  map[string]HostFunc
	fns    map[string]fakeFn
	closed bool
}

func (f *fakeInstance) Memory() canonlink.Memory       { return f.mem }
func (f *fakeInstance) Allocator() canonlink.Allocator { return f.alloc }

func (f *fakeInstance) Call(ctx context.Context, name string, flat []uint64) ([]uint64, error) {
	fn, ok := f.fns[name]
	if !ok {
		return nil, fmt.Errorf("module %q has no export %q", f.name, name)
	}
	return fn(ctx, f, flat)
}

func (f *fakeInstance) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

// host looks up an injected bridge function by import name.
func (f *fakeInstance) host(name string) HostFunc {
	h, ok := f.hosts[name]
	if !ok {
		panic("no host function " + name)
	}
	return h
}

// fakeEngine records instantiation order and hands out fakeInstances
// loaded with per-module programs.
type fakeEngine struct {
	order    []string
	failOn   string
	made     map[string]*fakeInstance
	programs map[string]map[string]fakeFn
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		made:     map[string]*fakeInstance{},
		programs: map[string]map[string]fakeFn{},
	}
}

func (e *fakeEngine) program(module, export string, fn fakeFn) {
	if e.programs[module] == nil {
		e.programs[module] = map[string]fakeFn{}
	}
	e.programs[module][export] = fn
}

func (e *fakeEngine) Instantiate(ctx context.Context, name string, module *wasm.Module, hosts []HostFunc) (RawInstance, error) {
	e.order = append(e.order, name)
	if name == e.failOn {
		return nil, fmt.Errorf("trap during start of %q", name)
	}
	fi := &fakeInstance{
		name:  name,
		mem:   newLinMem(1 << 16),
		alloc: &bump{next: 1 << 10, limit: 1 << 16},
		hosts: map[string]HostFunc{},
		fns:   e.programs[name],
	}
	for _, h := range hosts {
		fi.hosts[h.Name] = h
	}
	e.made[name] = fi
	return fi, nil
}

// contractModule builds a parsed module whose metadata section holds
// the given contract.
func contractModule(t *testing.T, build func(reg *itype.Registry, enc *itype.ContractEncoder)) *wasm.Module {
	t.Helper()
	reg := itype.NewRegistry(itype.DefaultOptions())
	enc := itype.NewContractEncoder(reg)
	build(reg, enc)
	return &wasm.Module{Metadata: enc.Bytes()}
}

func addFunc(t *testing.T, enc *itype.ContractEncoder, name string, sig itype.Signature) {
	t.Helper()
	if err := enc.AddFunc(name, sig); err != nil {
		t.Fatalf("AddFunc(%q): %v", name, err)
	}
}

func sigU32U32toU32() itype.Signature {
	return itype.Signature{Params: []itype.TypeID{itype.U32, itype.U32}, Results: []itype.TypeID{itype.U32}}
}

func kindOf(t *testing.T, err error) cerrors.Kind {
	t.Helper()
	var ce *cerrors.Error
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not a structured error", err)
	}
	return ce.Kind
}

func TestLink_TopologicalOrder(t *testing.T) {
	app := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "step-a", sigU32U32toU32())
		addFunc(t, enc, "step-b", sigU32U32toU32())
	})
	libA := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "step-a", sigU32U32toU32())
		addFunc(t, enc, "base", sigU32U32toU32())
	})
	libB := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "step-b", sigU32U32toU32())
		addFunc(t, enc, "base", sigU32U32toU32())
	})

	engine := newFakeEngine()
	noop := func(ctx context.Context, self *fakeInstance, flat []uint64) ([]uint64, error) {
		return []uint64{0}, nil
	}
	engine.program("lib-a", "step-a", noop)
	engine.program("lib-b", "step-b", noop)
	engine.program("lib-b", "base", noop)

	comp, err := Link(context.Background(),
		[]LinkModule{
			{Name: "app", Module: app},
			{Name: "lib-a", Module: libA},
			{Name: "lib-b", Module: libB},
		},
		Manifest{
			{Importer: "app", ImportName: "step-a", Exporter: "lib-a", ExportName: "step-a"},
			{Importer: "app", ImportName: "step-b", Exporter: "lib-b", ExportName: "step-b"},
			{Importer: "lib-a", ImportName: "base", Exporter: "lib-b", ExportName: "base"},
		},
		engine, DefaultOptions())
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	defer comp.Close(context.Background())

	want := []string{"lib-b", "lib-a", "app"}
	if len(engine.order) != len(want) {
		t.Fatalf("instantiated %v, want %v", engine.order, want)
	}
	for i, name := range want {
		if engine.order[i] != name {
			t.Fatalf("instantiated %v, want %v", engine.order, want)
		}
	}
	got := comp.InstantiationOrder()
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("InstantiationOrder() = %v, want %v", got, want)
		}
	}
}

func TestLink_CycleFailsBeforeInstantiation(t *testing.T) {
	// Each contract declares both its own export and the function it
	// imports, so both bindings resolve and only the cycle remains.
	a := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "fa", sigU32U32toU32())
		addFunc(t, enc, "fb", sigU32U32toU32())
	})
	b := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "fb", sigU32U32toU32())
		addFunc(t, enc, "fa", sigU32U32toU32())
	})
	engine := newFakeEngine()
	_, err := Link(context.Background(),
		[]LinkModule{{Name: "a", Module: a}, {Name: "b", Module: b}},
		Manifest{
			{Importer: "a", ImportName: "fb", Exporter: "b", ExportName: "fb"},
			{Importer: "b", ImportName: "fa", Exporter: "a", ExportName: "fa"},
		},
		engine, DefaultOptions())
	if err == nil {
		t.Fatal("Link succeeded on a cyclic manifest")
	}
	if k := kindOf(t, err); k != cerrors.KindLinkCycle {
		t.Fatalf("kind = %v, want KindLinkCycle", k)
	}
	if !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "b") {
		t.Fatalf("cycle error %q names neither module", err)
	}
	if len(engine.order) != 0 {
		t.Fatalf("instantiated %v before cycle detection", engine.order)
	}
}

func TestLink_TypeMismatch(t *testing.T) {
	app := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "add", sigU32U32toU32())
	})
	mathlib := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "add", itype.Signature{
			Params:  []itype.TypeID{itype.U32, itype.U32},
			Results: []itype.TypeID{itype.U32, itype.U32},
		})
	})

	engine := newFakeEngine()
	_, err := Link(context.Background(),
		[]LinkModule{{Name: "app", Module: app}, {Name: "mathlib", Module: mathlib}},
		Manifest{{Importer: "app", ImportName: "add", Exporter: "mathlib", ExportName: "add"}},
		engine, DefaultOptions())
	if err == nil {
		t.Fatal("Link succeeded despite mismatched signatures")
	}
	if k := kindOf(t, err); k != cerrors.KindTypeMismatch {
		t.Fatalf("kind = %v, want KindTypeMismatch", k)
	}
	msg := err.Error()
	if !strings.Contains(msg, "(u32, u32) -> (u32)") || !strings.Contains(msg, "(u32, u32) -> (u32, u32)") {
		t.Fatalf("mismatch error %q does not name both signatures", msg)
	}
	if len(engine.order) != 0 {
		t.Fatalf("instantiated %v despite mismatch", engine.order)
	}
}

func TestLink_UnknownNames(t *testing.T) {
	app := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "add", sigU32U32toU32())
	})
	mathlib := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "add", sigU32U32toU32())
	})
	mods := []LinkModule{{Name: "app", Module: app}, {Name: "mathlib", Module: mathlib}}

	tests := []struct {
		name     string
		manifest Manifest
	}{
		{"unknown importer", Manifest{{Importer: "ghost", ImportName: "add", Exporter: "mathlib", ExportName: "add"}}},
		{"unknown exporter", Manifest{{Importer: "app", ImportName: "add", Exporter: "ghost", ExportName: "add"}}},
		{"unknown import name", Manifest{{Importer: "app", ImportName: "sub", Exporter: "mathlib", ExportName: "add"}}},
		{"unknown export name", Manifest{{Importer: "app", ImportName: "add", Exporter: "mathlib", ExportName: "sub"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Link(context.Background(), mods, tt.manifest, newFakeEngine(), DefaultOptions())
			if err == nil {
				t.Fatal("Link succeeded")
			}
			if k := kindOf(t, err); k != cerrors.KindNotFound {
				t.Fatalf("kind = %v, want KindNotFound", k)
			}
		})
	}
}

func TestLink_StringThroughBridge(t *testing.T) {
	app := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "greet", itype.Signature{
			Params:  []itype.TypeID{itype.String},
			Results: []itype.TypeID{itype.String},
		})
	})
	greeter := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "greet", itype.Signature{
			Params:  []itype.TypeID{itype.String},
			Results: []itype.TypeID{itype.String},
		})
	})

	engine := newFakeEngine()
	engine.program("greeter", "greet", func(ctx context.Context, self *fakeInstance, flat []uint64) ([]uint64, error) {
		ptr, length := uint32(flat[0]), uint32(flat[1])
		name, err := self.mem.Read(ptr, length)
		if err != nil {
			return nil, err
		}
		reply := "hello " + string(name)
		out, err := self.alloc.Alloc(uint32(len(reply)), 1)
		if err != nil {
			return nil, err
		}
		if err := self.mem.Write(out, []byte(reply)); err != nil {
			return nil, err
		}
		return []uint64{uint64(out), uint64(len(reply))}, nil
	})

	comp, err := Link(context.Background(),
		[]LinkModule{{Name: "app", Module: app}, {Name: "greeter", Module: greeter}},
		Manifest{{Importer: "app", ImportName: "greet", Exporter: "greeter", ExportName: "greet"}},
		engine, DefaultOptions())
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	defer comp.Close(context.Background())

	appInst := engine.made["app"]
	const argPtr = 64
	copy(appInst.mem.data[argPtr:], "wasm")

	out, err := appInst.host("greet").Fn(context.Background(), []uint64{argPtr, 4})
	if err != nil {
		t.Fatalf("bridge call: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("bridge returned %d flat values, want 2", len(out))
	}
	got, err := appInst.mem.Read(uint32(out[0]), uint32(out[1]))
	if err != nil {
		t.Fatalf("reading reply from caller memory: %v", err)
	}
	if string(got) != "hello wasm" {
		t.Fatalf("reply = %q, want %q", got, "hello wasm")
	}

	// The copy the bridge made in the greeter's memory is separate
	// from the caller's bytes.
	greeterInst := engine.made["greeter"]
	if greeterInst.alloc.next == 1<<10 {
		t.Fatal("no allocation happened in the callee")
	}
}

func TestLink_HandleTransfer(t *testing.T) {
	fileHandle := func(reg *itype.Registry) itype.TypeID {
		return reg.MustRegister(itype.NewHandle("file"))
	}
	app := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "open", itype.Signature{Results: []itype.TypeID{fileHandle(reg)}})
	})
	files := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "open", itype.Signature{Results: []itype.TypeID{fileHandle(reg)}})
	})

	var filesTable *resource.Table
	engine := newFakeEngine()
	engine.program("files", "open", func(ctx context.Context, self *fakeInstance, flat []uint64) ([]uint64, error) {
		h, err := filesTable.Insert("descriptor-7")
		if err != nil {
			return nil, err
		}
		return []uint64{uint64(h)}, nil
	})

	comp, err := Link(context.Background(),
		[]LinkModule{{Name: "app", Module: app}, {Name: "files", Module: files}},
		Manifest{{Importer: "app", ImportName: "open", Exporter: "files", ExportName: "open"}},
		engine, DefaultOptions())
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	defer comp.Close(context.Background())

	filesInst, _ := comp.Instance("files")
	filesTable = filesInst.Resources()
	appInst, _ := comp.Instance("app")

	out, err := engine.made["app"].host("open").Fn(context.Background(), nil)
	if err != nil {
		t.Fatalf("bridge call: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("bridge returned %d flat values, want 1", len(out))
	}

	// The caller got its own handle referencing the same value; the
	// exporter's entry is untouched.
	v, err := appInst.Resources().Get(resource.Handle(out[0]))
	if err != nil {
		t.Fatalf("caller handle is invalid: %v", err)
	}
	if v != "descriptor-7" {
		t.Fatalf("caller handle resolves to %v, want descriptor-7", v)
	}
	if filesTable.Len() != 1 {
		t.Fatalf("exporter table has %d entries, want 1", filesTable.Len())
	}
	if appInst.Resources().Len() != 1 {
		t.Fatalf("caller table has %d entries, want 1", appInst.Resources().Len())
	}
}

func TestLink_SemverMatching(t *testing.T) {
	app := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "fetch@1.2.0", sigU32U32toU32())
	})
	lib := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "fetch@1.1.0", sigU32U32toU32())
		addFunc(t, enc, "fetch@1.4.1", sigU32U32toU32())
		addFunc(t, enc, "fetch@2.0.0", sigU32U32toU32())
	})
	mods := []LinkModule{{Name: "app", Module: app}, {Name: "lib", Module: lib}}
	manifest := Manifest{{Importer: "app", ImportName: "fetch@1.2.0", Exporter: "lib", ExportName: "fetch@1.2.0"}}

	var called string
	engine := newFakeEngine()
	record := func(name string) fakeFn {
		return func(ctx context.Context, self *fakeInstance, flat []uint64) ([]uint64, error) {
			called = name
			return []uint64{flat[0] + flat[1]}, nil
		}
	}
	engine.program("lib", "fetch@1.1.0", record("fetch@1.1.0"))
	engine.program("lib", "fetch@1.4.1", record("fetch@1.4.1"))
	engine.program("lib", "fetch@2.0.0", record("fetch@2.0.0"))

	comp, err := Link(context.Background(), mods, manifest, engine, DefaultOptions())
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	defer comp.Close(context.Background())

	out, err := engine.made["app"].host("fetch@1.2.0").Fn(context.Background(), []uint64{2, 3})
	if err != nil {
		t.Fatalf("bridge call: %v", err)
	}
	if out[0] != 5 {
		t.Fatalf("result = %d, want 5", out[0])
	}
	if called != "fetch@1.4.1" {
		t.Fatalf("resolved to %q, want the newest compatible fetch@1.4.1", called)
	}

	opts := DefaultOptions()
	opts.SemverMatching = false
	_, err = Link(context.Background(), mods, manifest, newFakeEngine(), opts)
	if err == nil {
		t.Fatal("Link succeeded with semver matching disabled and no exact export")
	}
	if k := kindOf(t, err); k != cerrors.KindNotFound {
		t.Fatalf("kind = %v, want KindNotFound", k)
	}
}

func TestLink_PartialFailureClosesInstances(t *testing.T) {
	base := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "base", sigU32U32toU32())
	})
	mid := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "base", sigU32U32toU32())
		addFunc(t, enc, "mid", sigU32U32toU32())
	})
	top := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "mid", sigU32U32toU32())
	})

	engine := newFakeEngine()
	engine.failOn = "mid"
	_, err := Link(context.Background(),
		[]LinkModule{{Name: "top", Module: top}, {Name: "mid", Module: mid}, {Name: "base", Module: base}},
		Manifest{
			{Importer: "top", ImportName: "mid", Exporter: "mid", ExportName: "mid"},
			{Importer: "mid", ImportName: "base", Exporter: "base", ExportName: "base"},
		},
		engine, DefaultOptions())
	if err == nil {
		t.Fatal("Link succeeded despite instantiation failure")
	}
	if k := kindOf(t, err); k != cerrors.KindInvalidInput {
		t.Fatalf("kind = %v, want KindInvalidInput", k)
	}
	if !engine.made["base"].closed {
		t.Fatal("already-created instance left open after failure")
	}
}

func TestLink_DuplicateModuleName(t *testing.T) {
	m := contractModule(t, func(reg *itype.Registry, enc *itype.ContractEncoder) {
		addFunc(t, enc, "f", sigU32U32toU32())
	})
	_, err := Link(context.Background(),
		[]LinkModule{{Name: "dup", Module: m}, {Name: "dup", Module: m}},
		nil, newFakeEngine(), DefaultOptions())
	if err == nil {
		t.Fatal("Link accepted duplicate module names")
	}
	if k := kindOf(t, err); k != cerrors.KindInvalidInput {
		t.Fatalf("kind = %v, want KindInvalidInput", k)
	}
}
