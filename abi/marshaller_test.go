package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/wippyai/canonlink/itype"
	"github.com/wippyai/canonlink/resource"
)

// testMemory is a byte-slice Memory view for exercising the
// marshaller without an execution engine.
type testMemory struct {
	data []byte
}

func newTestMemory(size uint32) *testMemory {
	return &testMemory{data: make([]byte, size)}
}

func (m *testMemory) check(offset, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(len(m.data)) {
		return fmt.Errorf("access of %d bytes at %d exceeds memory size %d", length, offset, len(m.data))
	}
	return nil
}

func (m *testMemory) Read(offset, length uint32) ([]byte, error) {
	if err := m.check(offset, length); err != nil {
		return nil, err
	}
	return m.data[offset : offset+length], nil
}

func (m *testMemory) Write(offset uint32, data []byte) error {
	if err := m.check(offset, uint32(len(data))); err != nil {
		return err
	}
	copy(m.data[offset:], data)
	return nil
}

func (m *testMemory) ReadU8(offset uint32) (uint8, error) {
	if err := m.check(offset, 1); err != nil {
		return 0, err
	}
	return m.data[offset], nil
}

func (m *testMemory) ReadU16(offset uint32) (uint16, error) {
	if err := m.check(offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.data[offset:]), nil
}

func (m *testMemory) ReadU32(offset uint32) (uint32, error) {
	if err := m.check(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.data[offset:]), nil
}

func (m *testMemory) ReadU64(offset uint32) (uint64, error) {
	if err := m.check(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.data[offset:]), nil
}

func (m *testMemory) WriteU8(offset uint32, v uint8) error {
	if err := m.check(offset, 1); err != nil {
		return err
	}
	m.data[offset] = v
	return nil
}

func (m *testMemory) WriteU16(offset uint32, v uint16) error {
	if err := m.check(offset, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.data[offset:], v)
	return nil
}

func (m *testMemory) WriteU32(offset uint32, v uint32) error {
	if err := m.check(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.data[offset:], v)
	return nil
}

func (m *testMemory) WriteU64(offset uint32, v uint64) error {
	if err := m.check(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.data[offset:], v)
	return nil
}

// bumpAlloc is a bump-pointer allocator over a testMemory.
type bumpAlloc struct {
	next   uint32
	limit  uint32
	allocs int
	frees  int
}

func newBumpAlloc(start, limit uint32) *bumpAlloc {
	return &bumpAlloc{next: start, limit: limit}
}

func (a *bumpAlloc) Alloc(size, align uint32) (uint32, error) {
	a.allocs++
	ptr := (a.next + align - 1) &^ (align - 1)
	if ptr+size > a.limit {
		return 0, fmt.Errorf("arena exhausted")
	}
	a.next = ptr + size
	return ptr, nil
}

func (a *bumpAlloc) Free(ptr, size, align uint32) {
	a.frees++
}

// failAlloc always reports exhaustion.
// wrapMemory answers every access modulo its size, mimicking an engine
// whose bounds checks pass for addresses that wrapped the 32-bit
// space.
type wrapMemory struct {
	*testMemory
}

func (m *wrapMemory) mask(offset uint32) uint32 {
	return offset % uint32(len(m.data))
}

func (m *wrapMemory) Read(offset, length uint32) ([]byte, error) {
	return m.testMemory.Read(m.mask(offset), length)
}

func (m *wrapMemory) Write(offset uint32, data []byte) error {
	return m.testMemory.Write(m.mask(offset), data)
}

func (m *wrapMemory) ReadU32(offset uint32) (uint32, error) {
	return m.testMemory.ReadU32(m.mask(offset))
}

func (m *wrapMemory) WriteU32(offset uint32, value uint32) error {
	return m.testMemory.WriteU32(m.mask(offset), value)
}

// pinnedAlloc hands out one fixed pointer, for placing values at
// chosen addresses.
type pinnedAlloc struct {
	ptr uint32
}

func (a pinnedAlloc) Alloc(size, align uint32) (uint32, error) {
	return a.ptr, nil
}

func (a pinnedAlloc) Free(ptr, size, align uint32) {}

type failAlloc struct{}

func (failAlloc) Alloc(size, align uint32) (uint32, error) {
	return 0, fmt.Errorf("out of memory")
}

func (failAlloc) Free(ptr, size, align uint32) {}

// testEnv bundles a marshaller with a pair of instances so tests can
// marshal between distinct memories and resource tables.
type testEnv struct {
	m   *Marshaller
	reg *itype.Registry

	srcMem *testMemory
	dstMem *testMemory
	srcTab *resource.Table
	dstTab *resource.Table
	alloc  *bumpAlloc
}

func newTestEnv() *testEnv {
	reg := itype.NewRegistry(itype.DefaultOptions())
	return &testEnv{
		m:      NewMarshaller(reg, DefaultOptions()),
		reg:    reg,
		srcMem: newTestMemory(1 << 16),
		dstMem: newTestMemory(1 << 16),
		srcTab: resource.NewTable(resource.DefaultOptions()),
		dstTab: resource.NewTable(resource.DefaultOptions()),
		alloc:  newBumpAlloc(1<<12, 1<<16),
	}
}

func (e *testEnv) liftCtx() *LiftContext {
	return &LiftContext{Memory: e.srcMem, Resources: e.srcTab, Instance: 1}
}

func (e *testEnv) lowerCtx() *LowerContext {
	return &LowerContext{Memory: e.dstMem, Resources: e.dstTab, Instance: 2, Alloc: e.alloc}
}
