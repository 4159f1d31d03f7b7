package linker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/canonlink/abi"
	"github.com/wippyai/canonlink/errors"
	"github.com/wippyai/canonlink/itype"
)

// Component is a fully linked set of instances. Internal bindings are
// already fused; what remains visible are the exports no manifest
// entry consumed.
type Component struct {
	marshaller *abi.Marshaller
	instances  []*Instance // input order, fully populated
	order      []int       // instantiation order, indexes into instances
	byName     map[string]*Instance
	exports    []*Export

	mu     sync.Mutex
	closed bool
}

// Export is one outward-facing function of a linked component.
type Export struct {
	inst *Instance
	name string
	sig  itype.Signature
	m    *abi.Marshaller
}

func newComponent(m *abi.Marshaller, modules []LinkModule, instances []*Instance, order []int, resolved []resolvedBinding) *Component {
	consumed := make(map[string]bool, len(resolved))
	for _, b := range resolved {
		consumed[modules[b.exporter].Name+"\x00"+b.exportName] = true
	}

	c := &Component{
		marshaller: m,
		instances:  instances,
		order:      order,
		byName:     make(map[string]*Instance, len(instances)),
	}
	for _, inst := range instances {
		c.byName[inst.name] = inst
		for _, name := range inst.contract.Order {
			if consumed[inst.name+"\x00"+name] {
				continue
			}
			c.exports = append(c.exports, &Export{
				inst: inst,
				name: name,
				sig:  inst.contract.Funcs[name],
				m:    m,
			})
		}
	}
	return c
}

// Registry returns the shared type registry the component's contracts
// were decoded into.
func (c *Component) Registry() *itype.Registry {
	return c.marshaller.Registry()
}

// InstantiationOrder returns module names in the order they were
// instantiated.
func (c *Component) InstantiationOrder() []string {
	names := make([]string, len(c.order))
	for i, idx := range c.order {
		names[i] = c.instances[idx].name
	}
	return names
}

// Instance returns the named instance.
func (c *Component) Instance(name string) (*Instance, bool) {
	inst, ok := c.byName[name]
	return inst, ok
}

// Exports lists the component's outward-facing functions.
func (c *Component) Exports() []*Export {
	return c.exports
}

// Export returns the named export of the named instance.
func (c *Component) Export(instance, name string) (*Export, error) {
	for _, e := range c.exports {
		if e.inst.name == instance && e.name == name {
			return e, nil
		}
	}
	return nil, errors.NotFound(errors.PhaseRuntime, "export", instance+"."+name)
}

// ExportNamed returns the export with the given name, failing when
// the name is absent or exported by more than one instance.
func (c *Component) ExportNamed(name string) (*Export, error) {
	var found *Export
	for _, e := range c.exports {
		if e.name != name {
			continue
		}
		if found != nil {
			return nil, errors.InvalidInput(errors.PhaseRuntime,
				fmt.Sprintf("export %q is ambiguous: provided by %q and %q", name, found.inst.name, e.inst.name))
		}
		found = e
	}
	if found == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	return found, nil
}

// Close tears the component down in reverse instantiation order,
// clearing each instance's resource table before closing the raw
// instance. The first error is returned; teardown continues past it.
func (c *Component) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var first error
	for i := len(c.order) - 1; i >= 0; i-- {
		inst := c.instances[c.order[i]]
		if err := inst.resources.Clear(); err != nil && first == nil {
			first = err
		}
		if err := inst.raw.Close(ctx); err != nil && first == nil {
			first = err
		}
		Logger().Debug("closed instance", zap.String("module", inst.name))
	}
	return first
}

// Instance returns the name of the instance providing the export.
func (e *Export) Instance() string {
	return e.inst.name
}

// Name returns the export's function name.
func (e *Export) Name() string {
	return e.name
}

// Signature returns the export's interface-typed signature.
func (e *Export) Signature() itype.Signature {
	return e.sig
}

// Call invokes the export with flat core arguments per the canonical
// ABI and returns flat core results. Argument count is checked
// against the flattened signature before the guest runs.
func (e *Export) Call(ctx context.Context, flat []uint64) ([]uint64, error) {
	params, _, err := e.m.Registry().FlattenSignature(e.sig)
	if err != nil {
		return nil, err
	}
	if len(flat) != len(params) {
		return nil, errors.New(errors.PhaseRuntime, errors.KindABIViolation).
			Name(e.name).
			Detail("want %d flat arguments, got %d", len(params), len(flat)).
			Build()
	}
	return e.inst.raw.Call(ctx, e.name, flat)
}

// Lift decodes one of the export's flat result sequences into Go
// values using the providing instance's memory and resource table.
func (e *Export) Lift(results []uint64) ([]any, error) {
	e.inst.mu.Lock()
	defer e.inst.mu.Unlock()

	ctx := e.inst.liftCtx()
	out := make([]any, 0, len(e.sig.Results))
	pos := 0
	for _, id := range e.sig.Results {
		v, n, err := e.m.LiftFlat(id, results[pos:], ctx)
		if err != nil {
			return nil, err
		}
		pos += n
		out = append(out, v)
	}
	return out, nil
}
