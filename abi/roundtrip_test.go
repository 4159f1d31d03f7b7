package abi

import (
	"math"
	"reflect"
	"testing"

	"github.com/wippyai/canonlink/itype"
)

// TestRoundTrip_LowerLift lowers an interface value into a fresh
// instance, lifts it back, and verifies identity.
func TestRoundTrip_LowerLift(t *testing.T) {
	e := newTestEnv()

	point := e.reg.MustRegister(itype.NewRecord(
		itype.Field{Name: "x", Type: itype.U32},
		itype.Field{Name: "y", Type: itype.U32},
	))
	status := e.reg.MustRegister(itype.NewVariant(
		itype.Case{Name: "idle"},
		itype.Case{Name: "busy", Type: itype.Ref(point)},
	))

	tests := []struct {
		name string
		id   itype.TypeID
		v    any
	}{
		{"bool", itype.Bool, true},
		{"s8", itype.S8, int8(-100)},
		{"u16", itype.U16, uint16(40000)},
		{"s64", itype.S64, int64(math.MinInt64)},
		{"f64", itype.F64, float64(math.Pi)},
		{"char", itype.Char, '\U0001F600'},
		{"string", itype.String, "héllo wörld"},
		{"record", point, map[string]any{"x": uint32(7), "y": uint32(9)}},
		{"variant payload", status, Variant{Case: 1, Payload: map[string]any{"x": uint32(1), "y": uint32(2)}}},
		{"variant bare", status, Variant{Case: 0}},
		{"list", e.reg.MustRegister(itype.NewList(itype.U32)), []any{uint32(1), uint32(2), uint32(3)}},
		{"option none", e.reg.MustRegister(itype.NewOption(itype.String)), Option{}},
		{"option some", e.reg.MustRegister(itype.NewOption(itype.String)), Option{Some: true, Value: "yes"}},
		{"result ok", e.reg.MustRegister(itype.NewResult(itype.Ref(itype.U32), itype.Ref(itype.String))), Result{Value: uint32(0)}},
		{"result err", e.reg.MustRegister(itype.NewResult(itype.Ref(itype.U32), itype.Ref(itype.String))), Result{Err: true, Value: "boom"}},
		{"nested list", e.reg.MustRegister(itype.NewList(e.reg.MustRegister(itype.NewList(itype.U8)))), []any{[]any{uint8(1)}, []any{uint8(2), uint8(3)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var flat []uint64
			if err := e.m.LowerFlat(tt.id, tt.v, e.lowerCtx(), &flat); err != nil {
				t.Fatalf("LowerFlat failed: %v", err)
			}

			// Lift back from the memory the lower wrote into.
			ctx := &LiftContext{Memory: e.dstMem, Resources: e.dstTab, Instance: 2}
			got, n, err := e.m.LiftFlat(tt.id, flat, ctx)
			if err != nil {
				t.Fatalf("LiftFlat failed: %v", err)
			}
			if n != len(flat) {
				t.Errorf("consumed %d of %d slots", n, len(flat))
			}
			if !reflect.DeepEqual(got, tt.v) {
				t.Errorf("round trip = %#v, want %#v", got, tt.v)
			}
		})
	}
}

// TestRoundTrip_StoreLoad stores values in memory form and loads them
// back.
func TestRoundTrip_StoreLoad(t *testing.T) {
	e := newTestEnv()

	rec := e.reg.MustRegister(itype.NewRecord(
		itype.Field{Name: "flag", Type: itype.Bool},
		itype.Field{Name: "count", Type: itype.U64},
		itype.Field{Name: "label", Type: itype.String},
	))

	want := map[string]any{
		"flag":  true,
		"count": uint64(1 << 50),
		"label": "widget",
	}
	if err := e.m.Store(rec, want, 64, e.lowerCtx()); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	ctx := &LiftContext{Memory: e.dstMem, Resources: e.dstTab, Instance: 2}
	got, err := e.m.Load(rec, 64, ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %#v, want %#v", got, want)
	}
}

// TestScenario_RecordPoint is the {x:U32, y:U32} (7, 9) scenario.
func TestScenario_RecordPoint(t *testing.T) {
	e := newTestEnv()
	point := e.reg.MustRegister(itype.NewRecord(
		itype.Field{Name: "x", Type: itype.U32},
		itype.Field{Name: "y", Type: itype.U32},
	))

	lifted, _, err := e.m.LiftFlat(point, []uint64{7, 9}, e.liftCtx())
	if err != nil {
		t.Fatalf("LiftFlat failed: %v", err)
	}
	want := map[string]any{"x": uint32(7), "y": uint32(9)}
	if !reflect.DeepEqual(lifted, want) {
		t.Fatalf("lifted = %v, want %v", lifted, want)
	}

	var lowered []uint64
	if err := e.m.LowerFlat(point, lifted, e.lowerCtx(), &lowered); err != nil {
		t.Fatalf("LowerFlat failed: %v", err)
	}
	if !reflect.DeepEqual(lowered, []uint64{7, 9}) {
		t.Errorf("lowered = %v, want [7 9]", lowered)
	}
}

// TestScenario_StringOK is the "ok" (1024, 2) scenario.
func TestScenario_StringOK(t *testing.T) {
	e := newTestEnv()
	e.alloc = newBumpAlloc(1024, 1<<16)

	var flat []uint64
	if err := e.m.LowerFlat(itype.String, "ok", e.lowerCtx(), &flat); err != nil {
		t.Fatalf("LowerFlat failed: %v", err)
	}
	if flat[0] != 1024 || flat[1] != 2 {
		t.Fatalf("lowered = (%d, %d), want (1024, 2)", flat[0], flat[1])
	}
	data, err := e.dstMem.Read(1024, 2)
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != 0x6f || data[1] != 0x6b {
		t.Fatalf("memory at 1024 = % x, want 6f 6b", data)
	}

	ctx := &LiftContext{Memory: e.dstMem, Resources: e.dstTab, Instance: 2}
	got, _, err := e.m.LiftFlat(itype.String, []uint64{1024, 2}, ctx)
	if err != nil {
		t.Fatalf("LiftFlat failed: %v", err)
	}
	if got != "ok" {
		t.Errorf("lifted = %q, want %q", got, "ok")
	}
}

// TestScenario_HandleTransfer verifies fresh-index assignment with no
// deduplication across repeated lowers.
func TestScenario_HandleTransfer(t *testing.T) {
	e := newTestEnv()
	handle := e.reg.MustRegister(itype.NewHandle("file"))

	// Occupy the destination table's first slot so index coincidence
	// cannot mask sharing.
	if _, err := e.dstTab.Insert("occupant"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	srcHandle, err := e.srcTab.Insert("descriptor")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	lifted, _, err := e.m.LiftFlat(handle, []uint64{uint64(srcHandle)}, e.liftCtx())
	if err != nil {
		t.Fatalf("LiftFlat failed: %v", err)
	}

	var first, second []uint64
	if err := e.m.LowerFlat(handle, lifted, e.lowerCtx(), &first); err != nil {
		t.Fatalf("LowerFlat failed: %v", err)
	}
	if err := e.m.LowerFlat(handle, lifted, e.lowerCtx(), &second); err != nil {
		t.Fatalf("LowerFlat failed: %v", err)
	}

	if first[0] == uint64(srcHandle) {
		t.Error("destination index equals source index")
	}
	if first[0] == second[0] {
		t.Error("repeated lowering deduplicated the handle")
	}
	if e.dstTab.Len() != 3 {
		t.Errorf("destination table has %d entries, want 3", e.dstTab.Len())
	}
	if e.srcTab.Len() != 1 {
		t.Errorf("source table has %d entries, want 1", e.srcTab.Len())
	}
}

func BenchmarkLiftFlat_Record(b *testing.B) {
	e := newTestEnv()
	point := e.reg.MustRegister(itype.NewRecord(
		itype.Field{Name: "x", Type: itype.U32},
		itype.Field{Name: "y", Type: itype.U32},
	))
	ctx := e.liftCtx()
	flat := []uint64{7, 9}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := e.m.LiftFlat(point, flat, ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLowerFlat_String(b *testing.B) {
	e := newTestEnv()
	ctx := e.lowerCtx()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.alloc.next = 1 << 12
		var dst []uint64
		if err := e.m.LowerFlat(itype.String, "benchmark payload", ctx, &dst); err != nil {
			b.Fatal(err)
		}
	}
}
