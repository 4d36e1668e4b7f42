package compare

import (
	"context"
	"strings"
	"testing"

	"kernint.dev/kernint/loader"
	"kernint.dev/kernint/reloc"
	"kernint.dev/kernint/symtab"
	"kernint.dev/kernint/vmi"
)

func newDataLoader(kind loader.Kind, base uint64, data []byte) *loader.Loader {
	return &loader.Loader{
		Name:             "vmlinux",
		Kind:             kind,
		Data:             &reloc.Buffer{Base: base, Bytes: data},
		JumpEntries:      make(map[uint64]int32),
		JumpDestinations: make(map[uint64]bool),
		SMPOffsets:       make(map[uint64]bool),
	}
}

type fakeLoaderLookup map[uint64]*loader.Loader

func (f fakeLoaderLookup) LoaderForAddress(addr uint64) *loader.Loader {
	for base, l := range f {
		_ = base
		if l.IsCodeAddress(addr) || l.IsDataAddress(addr) {
			return l
		}
	}
	return nil
}

func TestCompareRoDataPageExactMatch(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	l := newDataLoader(loader.KindKernel, 0x8000, data)
	c := &Comparator{Memory: fakeMemory{bytes: data}}

	var report Report
	c.compareRoDataPage(vmi.Page{Vaddr: 0x8000, Size: 4}, data, l, &report)
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", report.Findings)
	}
}

func TestCompareRoDataPageReportsMismatch(t *testing.T) {
	expected := []byte{1, 2, 3, 4}
	observed := []byte{1, 9, 3, 4}
	l := newDataLoader(loader.KindKernel, 0x8000, expected)
	c := &Comparator{Memory: fakeMemory{bytes: observed}}

	var report Report
	c.compareRoDataPage(vmi.Page{Vaddr: 0x8000, Size: 4}, observed, l, &report)
	if len(report.Findings) != 1 {
		t.Fatalf("expected one finding, got %+v", report.Findings)
	}
	f := report.Findings[0]
	if f.Kind != FindingRoDataMismatch || f.Addr != 0x8001 || f.Expected != 2 || f.Observed != 9 {
		t.Errorf("unexpected finding: %+v", f)
	}
}

func TestCompareRoDataPageAcceptsKVMEOIDisplacement(t *testing.T) {
	const eoiAddr uint64 = 0xffffffff81aa0000
	expected := make([]byte, 16)
	observed := make([]byte, 16)
	// observed carries the accepted pointer at offset 4; expected had
	// some other value there beforehand.
	for i := 0; i < 8; i++ {
		observed[4+i] = byte(eoiAddr >> (8 * i))
	}
	l := newDataLoader(loader.KindKernel, 0x9000, expected)
	c := &Comparator{Memory: fakeMemory{bytes: observed}, KVMEOIWriteAddr: eoiAddr}

	var report Report
	c.compareRoDataPage(vmi.Page{Vaddr: 0x9000, Size: 16}, observed, l, &report)
	if len(report.Findings) != 0 {
		t.Fatalf("expected the kvm_guest_apic_eoi_write displacement to be accepted, got %+v", report.Findings)
	}
}

// putGateDescriptor writes an IDT gate's 16-byte descriptor at mem[off:],
// splitting handler into offset_low[0:2]/offset_mid[6:8]/offset_high[8:12]
// the way compareIDTPage's idtPtr reconstruction expects.
func putGateDescriptor(mem []byte, off int, handler uint64) {
	mem[off+0] = byte(handler)
	mem[off+1] = byte(handler >> 8)
	mem[off+6] = byte(handler >> 16)
	mem[off+7] = byte(handler >> 24)
	for i := 0; i < 4; i++ {
		mem[off+8+i] = byte(handler >> (32 + 8*i))
	}
}

func TestCompareIDTPageAcceptsKnownFunctionGates(t *testing.T) {
	reg := symtab.New()
	// Register a function at 0xffffffff81000100 directly via the
	// System.map path (simplest way to populate Registry.function
	// without needing a real ELF image).
	if err := reg.LoadSystemMap(strings.NewReader("ffffffff81000100 T known_handler\n")); err != nil {
		t.Fatal(err)
	}
	reg.Freeze()

	mem := make([]byte, 16)
	putGateDescriptor(mem, 0, 0xffffffff81000100)

	c := &Comparator{Registry: reg}
	var report Report
	c.compareIDTPage(vmi.Page{Vaddr: 0xffffffff81600000}, mem, &report)
	if len(report.Findings) != 0 {
		t.Fatalf("expected a known-function gate to be accepted, got %+v", report.Findings)
	}
}

func TestCompareIDTPageRejectsUnknownGate(t *testing.T) {
	reg := symtab.New()
	reg.Freeze()

	mem := make([]byte, 16)
	putGateDescriptor(mem, 0, 0xffffffff81999999)

	c := &Comparator{Registry: reg}
	var report Report
	c.compareIDTPage(vmi.Page{Vaddr: 0xffffffff81600000}, mem, &report)
	if len(report.Findings) != 1 || report.Findings[0].Kind != FindingUnknownIDTEntry {
		t.Fatalf("expected an unknown-idt-entry finding, got %+v", report.Findings)
	}
}

func TestScanDataPointersAcceptsKnownFunction(t *testing.T) {
	reg := symtab.New()
	if err := reg.LoadSystemMap(strings.NewReader("ffffffff81002000 T some_fn\n")); err != nil {
		t.Fatal(err)
	}
	reg.Freeze()

	ptr := uint64(0xffffffff81002000)
	mem := make([]byte, 8)
	for i := 0; i < 8; i++ {
		mem[i] = byte(ptr >> (8 * i))
	}

	l := newDataLoader(loader.KindModule, 0xa000, make([]byte, 8))
	c := &Comparator{Registry: reg, Loaders: fakeLoaderLookup{0xa000: l}}

	var report Report
	c.scanDataPointers(vmi.Page{Vaddr: 0xa000}, mem, l, &report)
	if len(report.Findings) != 0 {
		t.Fatalf("expected a known function pointer to be accepted, got %+v", report.Findings)
	}
}

func TestScanDataPointersFlagsUnexplainedPointer(t *testing.T) {
	reg := symtab.New()
	reg.Freeze()

	textBase := uint64(0xffffffffa0000000)
	codeLoader := &loader.Loader{
		Name:             "somemod",
		Kind:             loader.KindModule,
		Text:             &reloc.Buffer{Base: textBase, Bytes: make([]byte, 0x100)},
		TextContentLen:   0x100,
		JumpEntries:      make(map[uint64]int32),
		JumpDestinations: make(map[uint64]bool),
		SMPOffsets:       make(map[uint64]bool),
	}
	ptr := textBase + 0x40 // inside code, but not a known function/symbol/smp/jump/ex-table/call-site

	dataLoader := newDataLoader(loader.KindModule, 0xc000, make([]byte, 8))
	mem := make([]byte, 8)
	for i := 0; i < 8; i++ {
		mem[i] = byte(ptr >> (8 * i))
	}

	c := &Comparator{
		Registry: reg,
		Loaders:  fakeLoaderLookup{textBase: codeLoader},
	}

	var report Report
	c.scanDataPointers(vmi.Page{Vaddr: 0xc000}, mem, dataLoader, &report)
	if len(report.Findings) != 1 || report.Findings[0].Kind != FindingUnknownCodePointer {
		t.Fatalf("expected an unknown-code-pointer finding, got %+v", report.Findings)
	}
}

func TestScanDataPointersAcceptsRecordedSMPLockSite(t *testing.T) {
	reg := symtab.New()
	reg.Freeze()

	textBase := uint64(0xffffffffa1000000)
	codeLoader := &loader.Loader{
		Name:             "somemod",
		Kind:             loader.KindModule,
		Text:             &reloc.Buffer{Base: textBase, Bytes: make([]byte, 0x100)},
		TextContentLen:   0x100,
		JumpEntries:      make(map[uint64]int32),
		JumpDestinations: make(map[uint64]bool),
		SMPOffsets:       map[uint64]bool{0x40: true},
	}
	ptr := textBase + 0x40

	dataLoader := newDataLoader(loader.KindModule, 0xe000, make([]byte, 8))
	mem := make([]byte, 8)
	for i := 0; i < 8; i++ {
		mem[i] = byte(ptr >> (8 * i))
	}

	c := &Comparator{Registry: reg, Loaders: fakeLoaderLookup{textBase: codeLoader}}

	var report Report
	c.scanDataPointers(vmi.Page{Vaddr: 0xe000}, mem, dataLoader, &report)
	if len(report.Findings) != 0 {
		t.Fatalf("expected the recorded SMP-lock site pointer to be accepted, got %+v", report.Findings)
	}
}

func TestCompareDataPageDispatchesIDTPage(t *testing.T) {
	reg := symtab.New()
	reg.Freeze()

	c := &Comparator{
		Registry: reg,
		Kernel:   loader.KernelInfo{IDTTable: 0xffffffff81700000},
	}

	// An IDT page: kind kernel, vaddr matches the page-masked IDT table
	// address.
	idtLoader := newDataLoader(loader.KindKernel, 0xffffffff81700000, make([]byte, 0x1000))
	c.Memory = fakeMemory{bytes: make([]byte, 16)}
	var report Report
	c.compareDataPage(context.Background(), vmi.Page{Vaddr: 0xffffffff81700000, Size: 16}, 0, idtLoader, &report)
	// An all-zero IDT page has null pointers everywhere, which is accepted.
	if len(report.Findings) != 0 {
		t.Fatalf("expected an all-zero IDT page to be accepted, got %+v", report.Findings)
	}
}
