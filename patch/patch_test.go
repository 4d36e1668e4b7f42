package patch

import (
	"context"
	"testing"
)

func TestCPUCapsHas(t *testing.T) {
	var c CPUCaps
	c[3] = 1 << 9 // X86_FEATURE_UP

	if !c.Has(x86FeatureUP) {
		t.Errorf("Has(X86_FEATURE_UP) = false, want true")
	}
	if c.Has(10) {
		t.Errorf("Has(10) = true, want false")
	}
}

func TestAddNopsChains(t *testing.T) {
	cases := []struct {
		name string
		n    int
	}{
		{"exact", 5},
		{"chained", 13}, // 8 + 5, exceeds asmNopMax
		{"zero", 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := make([]byte, c.n)
			addNops(buf, K8Nops)
			// every byte must come from some valid NOP encoding; the
			// strongest cheap check is that padding a loader text buffer
			// is idempotent.
			again := make([]byte, c.n)
			copy(again, buf)
			addNops(again, K8Nops)
			for i := range buf {
				if buf[i] != again[i] {
					t.Fatalf("addNops not idempotent at byte %d", i)
				}
			}
		})
	}
}

func TestApplyAltInstructionsFixesCallDisplacement(t *testing.T) {
	text := make([]byte, 0x20)
	e := &Engine{Text: text, Base: 0x1000, Nops: K8Nops}
	e.Caps[0] = 1 // feature bit 0 set

	entries := []AltEntry{{
		SiteOffset: 0x10,
		SiteVAddr:  0x1010,
		Repl:       []byte{0xe8, 0x00, 0x00, 0x00, 0x00},
		ReplVAddr:  0x1020, // 0x10 bytes further than the site
		CPUFeature: 0,
		OrigLen:    5,
		ReplLen:    5,
	}}

	if err := e.ApplyAltInstructions(entries); err != nil {
		t.Fatal(err)
	}
	if e.Text[0x10] != 0xe8 {
		t.Fatalf("expected CALL opcode preserved, got %#x", e.Text[0x10])
	}
	got := int32(uint32(e.Text[0x11]) | uint32(e.Text[0x12])<<8 | uint32(e.Text[0x13])<<16 | uint32(e.Text[0x14])<<24)
	if want := int32(0x10); got != want {
		t.Errorf("displacement = %#x, want %#x", got, want)
	}
}

func TestApplyAltInstructionsSkipsUnsetFeature(t *testing.T) {
	text := []byte{0x90, 0x90, 0x90, 0x90, 0x90}
	e := &Engine{Text: text, Base: 0, Nops: K8Nops}
	// Caps all zero: feature bit 5 is unset.
	entries := []AltEntry{{SiteOffset: 0, Repl: []byte{0xcc, 0xcc, 0xcc, 0xcc, 0xcc}, CPUFeature: 5, OrigLen: 5, ReplLen: 5}}

	if err := e.ApplyAltInstructions(entries); err != nil {
		t.Fatal(err)
	}
	for i, b := range text {
		if b != 0x90 {
			t.Fatalf("byte %d patched despite unset feature: %#x", i, b)
		}
	}
}

func TestApplySMPLocksTogglesPrefix(t *testing.T) {
	cases := []struct {
		name string
		up   bool
		want byte
	}{
		{"multiprocessor", false, 0xf0},
		{"uniprocessor", true, 0x3e},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := &Engine{Text: []byte{0x00}, Base: 0}
			if c.up {
				e.Caps[3] = 1 << 9
			}
			if err := e.ApplySMPLocks([]SMPLockEntry{{Offset: 0}}); err != nil {
				t.Fatal(err)
			}
			if e.Text[0] != c.want {
				t.Errorf("lock byte = %#x, want %#x", e.Text[0], c.want)
			}
		})
	}
}

func TestApplyMcountWritesFiveByteNop(t *testing.T) {
	text := []byte{0xe8, 0x11, 0x22, 0x33, 0x44, 0x90}
	e := &Engine{Text: text, Base: 0, Nops: P6Nops}
	if err := e.ApplyMcount([]MCountEntry{{Offset: 0}}); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x0f, 0x1f, 0x44, 0x00, 0x00}
	for i, b := range want {
		if text[i] != b {
			t.Errorf("byte %d = %#x, want %#x", i, text[i], b)
		}
	}
	if text[5] != 0x90 {
		t.Errorf("byte past mcount site was modified")
	}
}

type fakeKeys map[uint64]bool

func (f fakeKeys) Enabled(ctx context.Context, addr uint64) (bool, error) { return f[addr], nil }

func TestApplyJumpLabelsEnabledWritesJmp(t *testing.T) {
	text := make([]byte, 5)
	e := &Engine{Text: text, Base: 0x1000, Nops: K8Nops}
	entries := []JumpEntry{{Code: 0x1000, Target: 0x2000, Key: 0x3000}}

	results, err := e.ApplyJumpLabels(context.Background(), entries, fakeKeys{0x3000: true})
	if err != nil {
		t.Fatal(err)
	}
	if text[0] != 0xe9 {
		t.Fatalf("expected E9 opcode, got %#x", text[0])
	}
	wantDisp := int32(0x2000 - (0x1000 + 5))
	gotDisp := int32(uint32(text[1]) | uint32(text[2])<<8 | uint32(text[3])<<16 | uint32(text[4])<<24)
	if gotDisp != wantDisp {
		t.Errorf("displacement = %#x, want %#x", gotDisp, wantDisp)
	}
	if len(results) != 1 || !results[0].Enabled {
		t.Errorf("expected one enabled result, got %+v", results)
	}
}

func TestApplyJumpLabelsDisabledWritesNop(t *testing.T) {
	text := []byte{0xe9, 0, 0, 0, 0}
	e := &Engine{Text: text, Base: 0x1000, Nops: P6Nops}
	entries := []JumpEntry{{Code: 0x1000, Target: 0x2000, Key: 0x3000}}

	if _, err := e.ApplyJumpLabels(context.Background(), entries, fakeKeys{0x3000: false}); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x0f, 0x1f, 0x44, 0x00, 0x00}
	for i, b := range want {
		if text[i] != b {
			t.Errorf("byte %d = %#x, want %#x", i, text[i], b)
		}
	}
}

type fakePVResolver map[uint32]PVTarget

func (f fakePVResolver) Resolve(ctx context.Context, idx uint32) (PVTarget, error) {
	return f[idx], nil
}

func TestApplyParavirtDispatch(t *testing.T) {
	classify := PVClassifier{NopFunc: 0x100, Ident32Func: 0x200, Ident64Func: 0x300}

	cases := []struct {
		name   string
		target PVTarget
		want   []byte // first len(want) bytes of a 6-byte site
	}{
		{"native-swapgs", PVTarget{Addr: 0x999, Table: "pv_cpu_ops", Slot: "swapgs"}, []byte{0x0f, 0x01, 0xf8}},
		{"nop-func", PVTarget{Addr: 0x100}, nil},
		{"ident32", PVTarget{Addr: 0x200}, []byte{0x89, 0xf8}},
		{"ident64", PVTarget{Addr: 0x300}, []byte{0x48, 0x89, 0xf8}},
		{"iret-jmp", PVTarget{Addr: 0x5000, Table: "pv_cpu_ops", Slot: "iret"}, []byte{0xe9}},
		{"other-call", PVTarget{Addr: 0x6000}, []byte{0xe8}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			text := make([]byte, 6)
			e := &Engine{Text: text, Base: 0x1000, Nops: K8Nops}
			site := ParaSite{SiteOffset: 0, SiteVAddr: 0x1000, TypeIndex: 0, Len: 6}

			if err := e.ApplyParavirt(context.Background(), []ParaSite{site}, fakePVResolver{0: c.target}, classify); err != nil {
				t.Fatal(err)
			}
			for i, b := range c.want {
				if text[i] != b {
					t.Errorf("byte %d = %#x, want %#x", i, text[i], b)
				}
			}
		})
	}
}

func TestApplyAltInstructionsSiteOutOfBounds(t *testing.T) {
	e := &Engine{Text: make([]byte, 4), Base: 0, Nops: K8Nops}
	e.Caps[0] = 1
	entries := []AltEntry{{SiteOffset: 2, Repl: []byte{0, 0, 0, 0, 0}, CPUFeature: 0, OrigLen: 5, ReplLen: 5}}
	if err := e.ApplyAltInstructions(entries); err == nil {
		t.Errorf("expected out-of-bounds site to error")
	}
}

func TestPassesIdempotent(t *testing.T) {
	// Running passes A, C, D and E twice must yield byte-identical
	// output to running them once: each pass derives its writes from
	// the site tables and guest state, never from the buffer's current
	// contents.
	alt := []AltEntry{{
		SiteOffset: 0x00, SiteVAddr: 0x1000,
		Repl: []byte{0xe8, 0x10, 0x00, 0x00, 0x00}, ReplVAddr: 0x1020,
		CPUFeature: 0, OrigLen: 7, ReplLen: 5,
	}}
	smp := []SMPLockEntry{{Offset: 0x08}}
	mcount := []MCountEntry{{Offset: 0x10}}
	jump := []JumpEntry{{Code: 0x1018, Target: 0x1030, Key: 0x9000}}
	keys := fakeKeys{0x9000: true}

	run := func(buf []byte, times int) {
		e := &Engine{Text: buf, Base: 0x1000, Nops: P6Nops}
		e.Caps[0] = 1
		for i := 0; i < times; i++ {
			if err := e.ApplyAltInstructions(alt); err != nil {
				t.Fatal(err)
			}
			if err := e.ApplySMPLocks(smp); err != nil {
				t.Fatal(err)
			}
			if err := e.ApplyMcount(mcount); err != nil {
				t.Fatal(err)
			}
			if _, err := e.ApplyJumpLabels(context.Background(), jump, keys); err != nil {
				t.Fatal(err)
			}
		}
	}

	once := make([]byte, 0x40)
	twice := make([]byte, 0x40)
	for i := range once {
		once[i], twice[i] = 0xcc, 0xcc
	}
	run(once, 1)
	run(twice, 2)
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("byte %#x differs after re-running passes: %#x vs %#x", i, once[i], twice[i])
		}
	}
}
