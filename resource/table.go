package resource

import (
	"sync"

	"github.com/wippyai/canonlink/errors"
)

// Handle is a packed resource handle: the low 24 bits hold a 1-based
// slot index and the high 8 bits hold the slot's generation counter.
// The packed form fits one core i32, so a handle crosses a call
// boundary without losing its generation.
type Handle uint32

const (
	indexBits = 24
	indexMask = (1 << indexBits) - 1

	// MaxSlots is the largest number of live entries one table holds.
	MaxSlots = indexMask
)

// Index returns the 1-based slot index.
func (h Handle) Index() uint32 {
	return uint32(h) & indexMask
}

// Generation returns the slot generation at packing time.
func (h Handle) Generation() uint8 {
	return uint8(uint32(h) >> indexBits)
}

func pack(index uint32, gen uint8) Handle {
	return Handle(uint32(gen)<<indexBits | index&indexMask)
}

// Dropper is implemented by resource values that need cleanup when
// their last handle is removed.
type Dropper interface {
	Drop() error
}

type slot struct {
	value any
	gen   uint8
	live  bool
}

// Options configures a Table.
type Options struct {
	// MaxEntries caps the number of live entries. Zero means MaxSlots.
	MaxEntries uint32
}

// DefaultOptions returns the default table configuration.
func DefaultOptions() Options {
	return Options{MaxEntries: MaxSlots}
}

// Table owns resource values on behalf of guest instances and maps
// them to generational handles. A removed slot's generation advances,
// so handles packed before removal are detected as stale instead of
// aliasing the slot's next occupant. Safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
	count uint32
	max   uint32
}

// NewTable creates an empty resource table.
func NewTable(opts Options) *Table {
	max := opts.MaxEntries
	if max == 0 || max > MaxSlots {
		max = MaxSlots
	}
	return &Table{max: max}
}

// Insert stores a value and returns its handle.
func (t *Table) Insert(value any) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count >= t.max {
		return 0, errors.ResourceExhausted(t.max)
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot{})
		idx = uint32(len(t.slots) - 1)
	}

	s := &t.slots[idx]
	s.value = value
	s.live = true
	t.count++

	// Slot indices are 1-based so the zero Handle is never valid.
	return pack(idx+1, s.gen), nil
}

// Get returns the value a handle refers to. A handle whose generation
// no longer matches its slot is stale.
func (t *Table) Get(h Handle) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.value, nil
}

// Remove deletes a handle's entry, advances the slot generation, and
// invokes Drop on the value if it implements Dropper.
func (t *Table) Remove(h Handle) error {
	t.mu.Lock()
	s, err := t.lookup(h)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	value := s.value
	s.value = nil
	s.live = false
	s.gen++
	t.count--
	t.free = append(t.free, h.Index()-1)
	t.mu.Unlock()

	if d, ok := value.(Dropper); ok {
		return d.Drop()
	}
	return nil
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.count)
}

// Clear removes every live entry, dropping values that implement
// Dropper. The first drop error is returned after all entries are
// cleared.
func (t *Table) Clear() error {
	t.mu.Lock()
	var dropped []any
	for i := range t.slots {
		s := &t.slots[i]
		if !s.live {
			continue
		}
		dropped = append(dropped, s.value)
		s.value = nil
		s.live = false
		s.gen++
		t.free = append(t.free, uint32(i))
	}
	t.count = 0
	t.mu.Unlock()

	var firstErr error
	for _, v := range dropped {
		if d, ok := v.(Dropper); ok {
			if err := d.Drop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (t *Table) lookup(h Handle) (*slot, error) {
	idx := h.Index()
	if idx == 0 || int(idx) > len(t.slots) {
		return nil, errors.StaleHandle(uint32(h))
	}
	s := &t.slots[idx-1]
	if !s.live || s.gen != h.Generation() {
		return nil, errors.StaleHandle(uint32(h))
	}
	return s, nil
}
