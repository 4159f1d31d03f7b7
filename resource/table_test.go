package resource

import (
	"errors"
	"fmt"
	"testing"

	cerrors "github.com/wippyai/canonlink/errors"
)

func TestTable_InsertGet(t *testing.T) {
	tbl := NewTable(DefaultOptions())

	h, err := tbl.Insert("file-0")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if h == 0 {
		t.Fatal("zero handle returned for live entry")
	}

	v, err := tbl.Get(h)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != "file-0" {
		t.Errorf("Get = %v, want file-0", v)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tbl.Len())
	}
}

func TestTable_StaleAfterRemove(t *testing.T) {
	tbl := NewTable(DefaultOptions())

	h, err := tbl.Insert("victim")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := tbl.Remove(h); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if _, err := tbl.Get(h); !isStale(err) {
		t.Errorf("Get after Remove = %v, want stale_handle", err)
	}
	if err := tbl.Remove(h); !isStale(err) {
		t.Errorf("double Remove = %v, want stale_handle", err)
	}
}

func TestTable_SlotReuse(t *testing.T) {
	tbl := NewTable(DefaultOptions())

	old, err := tbl.Insert("first")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := tbl.Remove(old); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	// The freed slot is reused with a bumped generation.
	fresh, err := tbl.Insert("second")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if fresh.Index() != old.Index() {
		t.Fatalf("slot not reused: old index %d, new index %d", old.Index(), fresh.Index())
	}
	if fresh.Generation() == old.Generation() {
		t.Fatal("generation did not advance on reuse")
	}

	if _, err := tbl.Get(old); !isStale(err) {
		t.Errorf("old handle resolves after slot reuse: %v", err)
	}
	v, err := tbl.Get(fresh)
	if err != nil {
		t.Fatalf("Get(fresh) failed: %v", err)
	}
	if v != "second" {
		t.Errorf("Get(fresh) = %v, want second", v)
	}
}

func TestTable_InvalidHandles(t *testing.T) {
	tbl := NewTable(DefaultOptions())
	if _, err := tbl.Insert("x"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	for _, h := range []Handle{0, 99, pack(1, 7)} {
		if _, err := tbl.Get(h); !isStale(err) {
			t.Errorf("Get(%#x) = %v, want stale_handle", uint32(h), err)
		}
	}
}

func TestTable_MaxEntries(t *testing.T) {
	tbl := NewTable(Options{MaxEntries: 2})

	if _, err := tbl.Insert(1); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	h, err := tbl.Insert(2)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if _, err := tbl.Insert(3); err == nil {
		t.Fatal("expected resource_exhausted at capacity")
	} else {
		var cerr *cerrors.Error
		if !errors.As(err, &cerr) || cerr.Kind != cerrors.KindResourceExhausted {
			t.Errorf("err = %v, want resource_exhausted", err)
		}
	}

	// Removing makes room again.
	if err := tbl.Remove(h); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := tbl.Insert(3); err != nil {
		t.Errorf("Insert after Remove failed: %v", err)
	}
}

type dropRecorder struct {
	dropped *[]string
	name    string
	err     error
}

func (d *dropRecorder) Drop() error {
	*d.dropped = append(*d.dropped, d.name)
	return d.err
}

func TestTable_Drop(t *testing.T) {
	tbl := NewTable(DefaultOptions())
	var dropped []string

	h, err := tbl.Insert(&dropRecorder{dropped: &dropped, name: "a"})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := tbl.Remove(h); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if len(dropped) != 1 || dropped[0] != "a" {
		t.Errorf("dropped = %v, want [a]", dropped)
	}
}

func TestTable_Clear(t *testing.T) {
	tbl := NewTable(DefaultOptions())
	var dropped []string

	handles := make([]Handle, 0, 3)
	dropErr := fmt.Errorf("close failed")
	for i, derr := range []error{nil, dropErr, nil} {
		h, err := tbl.Insert(&dropRecorder{
			dropped: &dropped,
			name:    fmt.Sprintf("r%d", i),
			err:     derr,
		})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		handles = append(handles, h)
	}

	if err := tbl.Clear(); !errors.Is(err, dropErr) {
		t.Errorf("Clear = %v, want %v", err, dropErr)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", tbl.Len())
	}
	if len(dropped) != 3 {
		t.Errorf("dropped %d values, want 3", len(dropped))
	}
	for _, h := range handles {
		if _, err := tbl.Get(h); !isStale(err) {
			t.Errorf("handle %#x live after Clear", uint32(h))
		}
	}
}

func TestHandle_Packing(t *testing.T) {
	h := pack(0x123456, 0xab)
	if h.Index() != 0x123456 {
		t.Errorf("Index = %#x, want 0x123456", h.Index())
	}
	if h.Generation() != 0xab {
		t.Errorf("Generation = %#x, want 0xab", h.Generation())
	}
}

func isStale(err error) bool {
	var cerr *cerrors.Error
	return errors.As(err, &cerr) && cerr.Kind == cerrors.KindStaleHandle
}
