package linker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/canonlink/abi"
	"github.com/wippyai/canonlink/errors"
	"github.com/wippyai/canonlink/itype"
	"github.com/wippyai/canonlink/linker/internal/graph"
	"github.com/wippyai/canonlink/membridge"
	"github.com/wippyai/canonlink/resource"
	"github.com/wippyai/canonlink/wasm"
)

// LinkModule is one input module for Link. Binary is the raw core
// wasm encoding; Module may carry a pre-parsed form to skip the
// parse step.
type LinkModule struct {
	Name   string
	Binary []byte
	Module *wasm.Module
}

// Options configures a Link run.
type Options struct {
	// SemverMatching enables version-suffix fallback when resolving
	// import names against exporter contracts.
	SemverMatching bool
	// Marshal bounds the canonical ABI marshaller used by the fused
	// bridges.
	Marshal abi.Options
	// Resources bounds each instance's resource table.
	Resources resource.Options
	// Bridge bounds each instance's allocator bridge.
	Bridge membridge.Options
	// Registry, when set, is the shared type registry contracts are
	// decoded into. A fresh 32-bit registry is created otherwise.
	Registry *itype.Registry
}

// DefaultOptions returns the options Link uses when given the zero
// value.
func DefaultOptions() Options {
	return Options{
		SemverMatching: true,
		Marshal:        abi.DefaultOptions(),
		Resources:      resource.DefaultOptions(),
		Bridge:         membridge.DefaultOptions(),
	}
}

// resolvedBinding is a manifest entry resolved against the decoded
// contracts.
type resolvedBinding struct {
	importer   int
	exporter   int
	importName string
	exportName string
	hostModule string
	sig        itype.Signature
}

// Link parses, validates, and instantiates a set of modules wired
// together per the manifest, returning the live component. On any
// failure before instantiation no instance is created; on a failure
// mid-instantiation every instance created so far is closed.
func Link(ctx context.Context, modules []LinkModule, manifest Manifest, inst Instantiator, opts Options) (*Component, error) {
	if inst == nil {
		return nil, errors.InvalidInput(errors.PhaseLink, "nil instantiator")
	}
	if len(modules) == 0 {
		return nil, errors.InvalidInput(errors.PhaseLink, "no modules to link")
	}

	reg := opts.Registry
	if reg == nil {
		reg = itype.NewRegistry(itype.DefaultOptions())
	}

	parsed := make([]*wasm.Module, len(modules))
	contracts := make([]*itype.Contract, len(modules))
	index := make(map[string]int, len(modules))
	for i, lm := range modules {
		if lm.Name == "" {
			return nil, errors.InvalidInput(errors.PhaseLink, fmt.Sprintf("module %d has no name", i))
		}
		if _, dup := index[lm.Name]; dup {
			return nil, errors.InvalidInput(errors.PhaseLink, fmt.Sprintf("duplicate module name %q", lm.Name))
		}
		index[lm.Name] = i

		m := lm.Module
		if m == nil {
			var err error
			m, err = wasm.ParseModule(lm.Binary)
			if err != nil {
				return nil, errors.Wrap(errors.PhaseLink, errors.KindMalformedModule, err, fmt.Sprintf("module %q", lm.Name))
			}
		}
		parsed[i] = m

		c := &itype.Contract{Funcs: map[string]itype.Signature{}}
		if len(m.Metadata) > 0 {
			var err error
			c, err = itype.DecodeContract(m.Metadata, reg)
			if err != nil {
				return nil, errors.Wrap(errors.PhaseLink, errors.KindMalformedModule, err, fmt.Sprintf("contract of module %q", lm.Name))
			}
		}
		contracts[i] = c
	}

	resolved, err := resolveBindings(modules, parsed, contracts, index, manifest, reg, opts.SemverMatching)
	if err != nil {
		return nil, err
	}

	g := graph.New(len(modules))
	for _, b := range resolved {
		g.AddDep(b.importer, b.exporter)
	}
	order, cycle, ok := g.Sort()
	if !ok {
		names := make([]string, len(cycle))
		for i, n := range cycle {
			names[i] = modules[n].Name
		}
		return nil, errors.LinkCycle(names)
	}

	marshaller := abi.NewMarshaller(reg, opts.Marshal)
	instances := make([]*Instance, len(modules))
	created := make([]*Instance, 0, len(modules))
	for _, idx := range order {
		instance, err := instantiateOne(ctx, modules[idx], parsed[idx], contracts[idx], uint32(idx+1), resolved, instances, marshaller, inst, opts)
		if err != nil {
			closeAll(ctx, created)
			return nil, err
		}
		instances[idx] = instance
		created = append(created, instance)
		Logger().Debug("instantiated module",
			zap.String("module", instance.name),
			zap.Int("position", len(created)))
	}

	return newComponent(marshaller, modules, instances, order, resolved), nil
}

// resolveBindings checks every manifest entry against the decoded
// contracts before anything is instantiated.
func resolveBindings(modules []LinkModule, parsed []*wasm.Module, contracts []*itype.Contract, index map[string]int, manifest Manifest, reg *itype.Registry, semverMatch bool) ([]resolvedBinding, error) {
	resolved := make([]resolvedBinding, 0, len(manifest))
	for _, b := range manifest {
		importer, ok := index[b.Importer]
		if !ok {
			return nil, errors.NotFound(errors.PhaseLink, "module", b.Importer)
		}
		exporter, ok := index[b.Exporter]
		if !ok {
			return nil, errors.NotFound(errors.PhaseLink, "module", b.Exporter)
		}

		want, ok := contracts[importer].Signature(b.ImportName)
		if !ok {
			return nil, errors.New(errors.PhaseLink, errors.KindNotFound).
				Name(b.ImportName).
				Detail("module %q declares no import %q", b.Importer, b.ImportName).
				Build()
		}
		exportName, got, ok := findExport(contracts[exporter], b.ExportName, semverMatch)
		if !ok {
			return nil, errors.New(errors.PhaseLink, errors.KindNotFound).
				Name(b.ExportName).
				Detail("module %q exports no %q", b.Exporter, b.ExportName).
				Build()
		}
		if !want.Equal(got) {
			return nil, errors.TypeMismatch(
				fmt.Sprintf("%s.%s", b.Importer, b.ImportName),
				want.Format(reg), got.Format(reg))
		}

		resolved = append(resolved, resolvedBinding{
			importer:   importer,
			exporter:   exporter,
			importName: b.ImportName,
			exportName: exportName,
			hostModule: importModuleName(parsed[importer], b.ImportName, b.Exporter),
			sig:        got,
		})
		if exportName != b.ExportName {
			Logger().Debug("resolved versioned export",
				zap.String("want", b.ExportName),
				zap.String("got", exportName),
				zap.String("exporter", b.Exporter))
		}
	}
	return resolved, nil
}

// importModuleName finds the wasm-level import module the importer
// declared for the given function name, falling back to the manifest
// exporter name when the core module has no matching import entry.
func importModuleName(m *wasm.Module, importName, fallback string) string {
	for _, imp := range m.ImportedFuncs() {
		if imp.Name == importName {
			return imp.Module
		}
	}
	return fallback
}

func instantiateOne(ctx context.Context, lm LinkModule, m *wasm.Module, contract *itype.Contract, id uint32, resolved []resolvedBinding, instances []*Instance, marshaller *abi.Marshaller, inst Instantiator, opts Options) (*Instance, error) {
	instance := &Instance{
		name:      lm.Name,
		id:        id,
		module:    m,
		contract:  contract,
		resources: resource.NewTable(opts.Resources),
	}

	var hosts []HostFunc
	for _, b := range resolved {
		if int(id-1) != b.importer {
			continue
		}
		callee := instances[b.exporter]
		params, results, err := marshaller.Registry().FlattenSignature(b.sig)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseLink, errors.KindABIViolation, err, fmt.Sprintf("flattening %s.%s", lm.Name, b.importName))
		}
		hosts = append(hosts, HostFunc{
			Module:  b.hostModule,
			Name:    b.importName,
			Params:  params,
			Results: results,
			Fn:      bridgeFn(marshaller, instance, callee, b.sig, b.exportName),
		})
		Logger().Debug("fused import bridge",
			zap.String("importer", lm.Name),
			zap.String("import", b.importName),
			zap.String("exporter", callee.name),
			zap.String("export", b.exportName))
	}

	raw, err := inst.Instantiate(ctx, lm.Name, m, hosts)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseInstantiate, errors.KindInvalidInput, err, fmt.Sprintf("module %q", lm.Name))
	}
	instance.raw = raw
	instance.memory = raw.Memory()
	instance.bridge = membridge.NewBridge(raw.Allocator(), opts.Bridge)
	return instance, nil
}

// bridgeFn builds the fused adapter for one import binding. Arguments
// are lifted from the caller and lowered into the callee before the
// raw call; results travel the opposite way after it. Both instance
// locks are released across the guest call itself.
func bridgeFn(m *abi.Marshaller, caller, callee *Instance, sig itype.Signature, exportName string) func(context.Context, []uint64) ([]uint64, error) {
	return func(ctx context.Context, flat []uint64) ([]uint64, error) {
		argAllocs := membridge.NewAllocationList()
		lowered, err := marshalAcross(m, caller, callee, sig.Params, flat, argAllocs)
		if err != nil {
			argAllocs.FreeAndRelease(callee.bridge)
			return nil, err
		}

		rawResults, err := callee.raw.Call(ctx, exportName, lowered)
		if err != nil {
			argAllocs.FreeAndRelease(callee.bridge)
			return nil, err
		}

		resultAllocs := membridge.NewAllocationList()
		out, err := marshalAcross(m, callee, caller, sig.Results, rawResults, resultAllocs)
		if err != nil {
			resultAllocs.FreeAndRelease(caller.bridge)
			argAllocs.FreeAndRelease(callee.bridge)
			return nil, err
		}
		// Caller-side result buffers now belong to the caller; only
		// the callee-side argument copies are reclaimed.
		resultAllocs.Release()
		argAllocs.FreeAndRelease(callee.bridge)
		return out, nil
	}
}

// marshalAcross lifts a flat value sequence from src and lowers it
// into dst, holding both instance locks for the duration.
func marshalAcross(m *abi.Marshaller, src, dst *Instance, types []itype.TypeID, flat []uint64, allocs *membridge.AllocationList) ([]uint64, error) {
	lockPair(src, dst)
	defer unlockPair(src, dst)

	liftCtx := src.liftCtx()
	lowerCtx := dst.lowerCtx(allocs)
	out := make([]uint64, 0, len(flat))
	pos := 0
	for _, id := range types {
		v, n, err := m.LiftFlat(id, flat[pos:], liftCtx)
		if err != nil {
			return nil, err
		}
		pos += n
		if err := m.LowerFlat(id, v, lowerCtx, &out); err != nil {
			return nil, err
		}
	}
	if pos != len(flat) {
		return nil, errors.New(errors.PhaseLift, errors.KindABIViolation).
			Detail("flat value count mismatch: consumed %d of %d", pos, len(flat)).
			Build()
	}
	return out, nil
}

func closeAll(ctx context.Context, created []*Instance) {
	for i := len(created) - 1; i >= 0; i-- {
		inst := created[i]
		if err := inst.resources.Clear(); err != nil {
			Logger().Warn("resource teardown failed",
				zap.String("module", inst.name), zap.Error(err))
		}
		if err := inst.raw.Close(ctx); err != nil {
			Logger().Warn("instance close failed",
				zap.String("module", inst.name), zap.Error(err))
		}
	}
}
