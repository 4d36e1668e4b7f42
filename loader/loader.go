// Package loader builds the reconstructed expected memory image for
// one ELF file mapped into a target address space — the kernel
// itself, a kernel module, or a userspace executable, library or
// vdso. It drives reloc and patch over buffers it owns and freezes
// once built.
package loader

import (
	"kernint.dev/kernint/elfimage"
	"kernint.dev/kernint/patch"
	"kernint.dev/kernint/reloc"
)

// Kind selects which patch/relocation variant a Loader uses.
type Kind int

const (
	KindKernel Kind = iota
	KindModule
	KindExecutable
	KindLibrary
	KindVDSO
)

func (k Kind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindModule:
		return "module"
	case KindExecutable:
		return "executable"
	case KindLibrary:
		return "library"
	case KindVDSO:
		return "vdso"
	}
	return "unknown"
}

// Loader is one ELF file's reconstructed expected image: the file's
// parsed ElfImage plus the text and rodata/data/bss buffers a builder
// composed and patched.
type Loader struct {
	Name  string
	Kind  Kind
	Image *elfimage.Image

	// Text is the reconstructed, relocated and patched code region.
	Text *reloc.Buffer

	// TextContentLen is the number of bytes at the start of Text.Bytes
	// a builder actually populated from the ELF file, before any
	// trailing alignment padding; the comparator treats a mismatch at
	// or past this length as uninitialised tail rather than a genuine
	// divergence.
	TextContentLen int
	// Data is the reconstructed read-only-data/data/bss region. For
	// userspace loaders this also carries ordinary writable data.
	Data *reloc.Buffer

	// SMPOffsets are text-buffer-relative offsets of .smp_locks sites,
	// recorded the first time Pass C runs.
	SMPOffsets map[uint64]bool

	// JumpEntries maps a jump-label site's code address to its recorded
	// disp32, and JumpDestinations is the set of every entry's target
	// address — both consumed by the comparator to accept either the
	// enabled or disabled encoding at a site.
	JumpEntries      map[uint64]int32
	JumpDestinations map[uint64]bool

	// Exported is the set of this loader's defined global/weak symbol
	// names, used by UserImageBuilder to assemble the per-process
	// symbol map.
	Exported map[string]uint64

	// PLT is the relocator that applied this loader's data-region
	// relocations; under lazy binding it still holds the deferred
	// JUMP_SLOT entries, so the comparator can ask whether a site is a
	// legitimately-unbound PLT slot.
	// Nil for kernel-space loaders.
	PLT *reloc.Relocator
}

// LazySlot reports whether siteAddr is an as-yet-unbound JUMP_SLOT
// site in this loader's data region, and the value lazy binding would
// write there.
func (l *Loader) LazySlot(siteAddr uint64) (uint64, bool) {
	if l.PLT == nil {
		return 0, false
	}
	return l.PLT.Deferred(siteAddr)
}

func newLoader(name string, kind Kind, img *elfimage.Image) *Loader {
	return &Loader{
		Name:             name,
		Kind:             kind,
		Image:            img,
		JumpEntries:      make(map[uint64]int32),
		JumpDestinations: make(map[uint64]bool),
		SMPOffsets:       make(map[uint64]bool),
		Exported:         make(map[string]uint64),
	}
}

// recordJumpResults folds patch.JumpResult values from one Engine.Run
// into l's JumpEntries/JumpDestinations, only on first load.
func (l *Loader) recordJumpResults(results []patch.JumpResult) {
	if len(l.JumpEntries) > 0 {
		return
	}
	for _, r := range results {
		l.JumpEntries[r.Code] = int32(r.Target - (r.Code + 5))
		l.JumpDestinations[r.Target] = true
	}
}

func (l *Loader) recordSMPOffset(off uint64) {
	l.SMPOffsets[off] = true
}

// IsCodeAddress reports whether v is covered by this loader's
// reconstructed text buffer.
func (l *Loader) IsCodeAddress(v uint64) bool {
	return l.Text != nil && v >= l.Text.Base && v < l.Text.Base+uint64(len(l.Text.Bytes))
}

// IsDataAddress reports whether v is covered by this loader's
// reconstructed data buffer.
func (l *Loader) IsDataAddress(v uint64) bool {
	return l.Data != nil && v >= l.Data.Base && v < l.Data.Base+uint64(len(l.Data.Bytes))
}

// padTo grows buf with zero bytes so that len(buf) == target-base,
// the idiom every section-concatenating builder uses to reproduce
// in-memory gaps between sections.
func padTo(buf []byte, base, target uint64) []byte {
	want := int(target - base)
	if want <= len(buf) {
		return buf
	}
	grown := make([]byte, want)
	copy(grown, buf)
	return grown
}

// padToAlign grows buf so its length is a multiple of align.
func padToAlign(buf []byte, align uint64) []byte {
	n := uint64(len(buf))
	rem := n % align
	if rem == 0 {
		return buf
	}
	grown := make([]byte, n+(align-rem))
	copy(grown, buf)
	return grown
}

const largePageAlign = 2 * 1024 * 1024
