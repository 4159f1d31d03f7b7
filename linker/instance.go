package linker

import (
	"context"
	"sync"

	canonlink "github.com/wippyai/canonlink"
	"github.com/wippyai/canonlink/abi"
	"github.com/wippyai/canonlink/itype"
	"github.com/wippyai/canonlink/membridge"
	"github.com/wippyai/canonlink/resource"
	"github.com/wippyai/canonlink/wasm"
)

// RawInstance is one live module instance as produced by the
// execution collaborator.
type RawInstance interface {
	// Memory returns a bounds-checked view of the instance's linear
	// memory.
	Memory() canonlink.Memory
	// Allocator returns the instance's guest allocation entry point.
	Allocator() canonlink.Allocator
	// Call invokes an exported function with flat core values.
	Call(ctx context.Context, name string, flat []uint64) ([]uint64, error)
	Close(ctx context.Context) error
}

// HostFunc is one fused import bridge injected into a module's
// imports, grouped under the wasm-level import module name.
type HostFunc struct {
	Module  string
	Name    string
	Params  []itype.CoreType
	Results []itype.CoreType
	Fn      func(ctx context.Context, flat []uint64) ([]uint64, error)
}

// Instantiator is the execution collaborator: it turns a parsed core
// module plus bridge imports into a RawInstance. The linker itself
// never executes code.
type Instantiator interface {
	Instantiate(ctx context.Context, name string, module *wasm.Module, hosts []HostFunc) (RawInstance, error)
}

// Instance is one instantiated module inside a component: the raw
// instance plus its typed contract, allocator bridge, and resource
// table.
type Instance struct {
	name     string
	id       uint32
	raw      RawInstance
	module   *wasm.Module
	contract *itype.Contract

	memory    canonlink.Memory
	bridge    *membridge.Bridge
	resources *resource.Table

	// mu serializes the marshalling phases that touch this instance's
	// memory and resource table. It is released across raw guest
	// calls so self-reentry cannot deadlock.
	mu sync.Mutex
}

// Name returns the module name the instance was linked under.
func (i *Instance) Name() string {
	return i.name
}

// Resources returns the instance's resource table.
func (i *Instance) Resources() *resource.Table {
	return i.resources
}

// Contract returns the instance's typed import/export contract.
func (i *Instance) Contract() *itype.Contract {
	return i.contract
}

func (i *Instance) liftCtx() *abi.LiftContext {
	return &abi.LiftContext{
		Memory:    i.memory,
		Resources: i.resources,
		Instance:  i.id,
	}
}

func (i *Instance) lowerCtx(allocs *membridge.AllocationList) *abi.LowerContext {
	return &abi.LowerContext{
		Memory:      i.memory,
		Resources:   i.resources,
		Instance:    i.id,
		Alloc:       i.bridge,
		Allocations: allocs,
	}
}

// lockPair acquires both instance mutexes in id order so concurrent
// bridge calls in opposite directions cannot deadlock.
func lockPair(a, b *Instance) {
	if a == b {
		a.mu.Lock()
		return
	}
	if a.id > b.id {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
}

func unlockPair(a, b *Instance) {
	if a == b {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	b.mu.Unlock()
}
