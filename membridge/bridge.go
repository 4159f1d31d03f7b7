package membridge

import (
	"sync"

	canonlink "github.com/wippyai/canonlink"
	"github.com/wippyai/canonlink/errors"
)

// Options configures a Bridge.
type Options struct {
	// MaxAllocBytes caps the size of one allocation. Zero means no cap.
	MaxAllocBytes uint32
}

// DefaultOptions returns the default bridge configuration.
func DefaultOptions() Options {
	return Options{MaxAllocBytes: 1 << 30}
}

// Bridge wraps a guest allocator with validation and failure mapping.
// An Alloc that returns the null pointer, a misaligned pointer, or an
// error surfaces as allocation_failed; marshalling never sees a bad
// pointer.
type Bridge struct {
	alloc canonlink.Allocator
	opts  Options
}

// NewBridge wraps a guest allocator.
func NewBridge(alloc canonlink.Allocator, opts Options) *Bridge {
	return &Bridge{alloc: alloc, opts: opts}
}

// Alloc obtains size bytes at the given power-of-two alignment from
// the guest allocator.
func (b *Bridge) Alloc(size, align uint32) (uint32, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, errors.AllocationFailed(size, align, nil)
	}
	if b.opts.MaxAllocBytes != 0 && size > b.opts.MaxAllocBytes {
		return 0, errors.AllocationFailed(size, align, nil)
	}

	ptr, err := b.alloc.Alloc(size, align)
	if err != nil {
		return 0, errors.AllocationFailed(size, align, err)
	}
	if ptr == 0 && size > 0 {
		return 0, errors.AllocationFailed(size, align, nil)
	}
	if ptr%align != 0 {
		return 0, errors.AllocationFailed(size, align, nil)
	}
	return ptr, nil
}

// Free returns an allocation to the guest allocator.
func (b *Bridge) Free(ptr, size, align uint32) {
	if ptr == 0 {
		return
	}
	b.alloc.Free(ptr, size, align)
}

// Allocation records one guest allocation for later release.
type Allocation struct {
	Ptr   uint32
	Size  uint32
	Align uint32
}

// AllocationList tracks the allocations made while lowering one value,
// so a failed lowering can roll back everything it allocated. Lists
// are pooled; call Release when done.
type AllocationList struct {
	allocations []Allocation
}

var allocationListPool = sync.Pool{
	New: func() any {
		return &AllocationList{allocations: make([]Allocation, 0, 8)}
	},
}

// NewAllocationList obtains a list from the pool.
func NewAllocationList() *AllocationList {
	return allocationListPool.Get().(*AllocationList)
}

const maxPooledCapacity = 128

// Release returns the list to the pool. The list is invalid after
// Release.
func (al *AllocationList) Release() {
	// Only pool small lists to prevent memory bloat.
	if cap(al.allocations) > maxPooledCapacity {
		return
	}
	al.Reset()
	allocationListPool.Put(al)
}

// Add records one allocation.
func (al *AllocationList) Add(ptr, size, align uint32) {
	al.allocations = append(al.allocations, Allocation{
		Ptr:   ptr,
		Size:  size,
		Align: align,
	})
}

// Free returns every recorded allocation to the allocator.
func (al *AllocationList) Free(alloc canonlink.Allocator) {
	if alloc == nil {
		return
	}
	for _, a := range al.allocations {
		if a.Ptr != 0 {
			alloc.Free(a.Ptr, a.Size, a.Align)
		}
	}
}

// FreeAndRelease frees every recorded allocation and returns the list
// to the pool.
func (al *AllocationList) FreeAndRelease(alloc canonlink.Allocator) {
	al.Free(alloc)
	al.Release()
}

// Reset empties the list without freeing.
func (al *AllocationList) Reset() {
	al.allocations = al.allocations[:0]
}

// Count returns the number of recorded allocations.
func (al *AllocationList) Count() int {
	return len(al.allocations)
}
