// Package patch emulates the in-kernel image-init patching passes:
// alternative instructions, paravirtualization
// call-site rewriting, SMP lock-prefix toggling, mcount/ftrace NOPing
// and jump-label enable/disable. Every pass mutates a loader's own
// reconstructed text buffer in place and never touches the original
// ELF file bytes, so a pass can be re-run idempotently.
package patch

import (
	"context"
	"fmt"

	"kernint.dev/kernint/internal/layout"
	"kernint.dev/kernint/kerr"
)

// CPUCaps is the ten 32-bit words of boot_cpu_data.x86_capability this
// repository needs to decide which alternative-instruction and
// SMP-lock variants are active.
type CPUCaps [10]uint32

// Has reports whether feature bit is set, using the kernel's own
// (word*32 + bit) numbering.
func (c CPUCaps) Has(bit uint16) bool {
	word := bit / 32
	if int(word) >= len(c) {
		return false
	}
	return c[word]>>(bit%32)&1 != 0
}

// x86FeatureUP is X86_FEATURE_UP (3*32+9): "running on a uniprocessor
// kernel", the bit Pass C tests to choose LOCK vs DS-override.
const x86FeatureUP = 3*32 + 9

// NopTable is one architecture's ideal_nops array: index i holds the
// canonical i-byte NOP encoding, 1..8, plus a 5-byte "atomic" variant
// at index 9 used for call-site padding.
type NopTable [10][]byte

// asmNopMax mirrors the kernel's ASM_NOP_MAX: no single NOP encoding
// in either table is longer than this, so padding longer runs chains
// multiple copies.
const asmNopMax = 8

// P6Nops and K8Nops are the two NOP tables the kernel selects between
// at boot depending on CPU family. Byte sequences are the architectural encodings from
// arch/x86/kernel/alternative.c.
var (
	P6Nops = NopTable{
		1: {0x90},
		2: {0x66, 0x90},
		3: {0x0f, 0x1f, 0x00},
		4: {0x0f, 0x1f, 0x40, 0x00},
		5: {0x0f, 0x1f, 0x44, 0x00, 0x00},
		6: {0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
		7: {0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
		8: {0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
		9: {0x0f, 0x1f, 0x44, 0x00, 0x00}, // P6_NOP5_ATOMIC == P6_NOP5
	}
	K8Nops = NopTable{
		1: {0x90},
		2: {0x66, 0x90},
		3: {0x66, 0x66, 0x90},
		4: {0x66, 0x66, 0x66, 0x90},
		5: {0x66, 0x66, 0x90, 0x66, 0x90},
		6: {0x66, 0x66, 0x90, 0x66, 0x66, 0x90},
		7: {0x66, 0x66, 0x66, 0x90, 0x66, 0x66, 0x90},
		8: {0x66, 0x66, 0x66, 0x90, 0x66, 0x66, 0x66, 0x90},
		9: {0x66, 0x66, 0x66, 0x66, 0x90}, // K8_NOP5_ATOMIC
	}
)

// addNops fills buf entirely with NOPs drawn from table, chaining
// copies of the largest available encoding, the same way the kernel's
// own add_nops does.
func addNops(buf []byte, table NopTable) {
	for len(buf) > 0 {
		n := len(buf)
		if n > asmNopMax {
			n = asmNopMax
		}
		copy(buf[:n], table[n])
		buf = buf[n:]
	}
}

// AltEntry is one .altinstructions record, already resolved to
// in-buffer offsets and virtual addresses by the loader that owns the
// reconstructed text.
type AltEntry struct {
	SiteOffset int    // offset of the original instruction in the text buffer
	SiteVAddr  uint64 // virtual address of SiteOffset
	Repl       []byte // the .altinstr_replacement bytes for this entry (ReplLen long)
	ReplVAddr  uint64 // virtual address the replacement bytes are mapped at
	CPUFeature uint16
	OrigLen    uint8
	ReplLen    uint8
}

// Engine runs the five patch passes over one loader's reconstructed
// text buffer. Buffer.Base must already be the buffer's virtual
// address so byte writes and displacement math agree with the
// addresses recorded in the site tables.
type Engine struct {
	Text []byte
	Base uint64
	Caps CPUCaps
	Nops NopTable
}

// site returns the offset of virtual address v within e.Text, or an
// error if v falls outside the reconstructed buffer.
func (e *Engine) site(v uint64) (int, error) {
	if v < e.Base || v-e.Base >= uint64(len(e.Text)) {
		return 0, kerr.New(kerr.NotFound, "", "address %#x outside reconstructed text buffer", v)
	}
	return int(v - e.Base), nil
}

// ApplyAltInstructions runs Pass A: for each entry
// whose CPU feature bit is set in e.Caps, copy the replacement bytes
// over the original site, fixing up a 5-byte direct-CALL displacement
// if present, and NOP-pad the remainder.
func (e *Engine) ApplyAltInstructions(entries []AltEntry) error {
	for _, a := range entries {
		if !e.Caps.Has(a.CPUFeature) {
			continue
		}
		if int(a.ReplLen) > len(a.Repl) {
			return kerr.New(kerr.NotFound, "", "altinstr replacement shorter than ReplLen")
		}
		if a.SiteOffset < 0 || a.SiteOffset+int(a.OrigLen) > len(e.Text) {
			return kerr.New(kerr.NotFound, "", "altinstr site %#x outside text buffer", a.SiteVAddr)
		}

		scratch := make([]byte, a.OrigLen)
		copy(scratch, a.Repl[:a.ReplLen])

		// A direct CALL (0xE8) carries a site-relative displacement that
		// must still point at the same target once the bytes move from
		// .altinstr_replacement to the patch site; ReplVAddr-SiteVAddr is
		// exactly that shift.
		if a.ReplLen == 5 && scratch[0] == 0xe8 {
			disp := layout.AMD64.Int32(scratch[1:5])
			disp += int32(a.ReplVAddr - a.SiteVAddr)
			layout.AMD64.PutUint32(scratch[1:5], uint32(disp))
		}

		addNops(scratch[a.ReplLen:], e.Nops)
		copy(e.Text[a.SiteOffset:], scratch)
	}
	return nil
}

// SMPLockEntry is one .smp_locks displacement, resolved to a buffer
// offset by the loader.
type SMPLockEntry struct {
	Offset int
}

// ApplySMPLocks runs Pass C: writes 0xF0 (LOCK) at
// every recorded site if the CPU is multiprocessor-capable, or 0x3E
// (DS override, a no-op prefix) otherwise. The decision is the same
// X86_FEATURE_UP test Pass A's caller already has in e.Caps.
func (e *Engine) ApplySMPLocks(entries []SMPLockEntry) error {
	lock := byte(0xf0)
	if e.Caps.Has(x86FeatureUP) {
		lock = 0x3e
	}
	for _, s := range entries {
		if s.Offset < 0 || s.Offset >= len(e.Text) {
			return kerr.New(kerr.NotFound, "", "smp-lock site offset %d outside text buffer", s.Offset)
		}
		e.Text[s.Offset] = lock
	}
	return nil
}

// MCountEntry is one __mcount_loc entry, resolved to a buffer offset
// by the loader.
type MCountEntry struct {
	Offset int
}

// ApplyMcount runs Pass D: overwrites each 5-byte
// "CALL __fentry__" site with the architectural 5-byte NOP.
func (e *Engine) ApplyMcount(entries []MCountEntry) error {
	for _, m := range entries {
		if m.Offset < 0 || m.Offset+5 > len(e.Text) {
			return kerr.New(kerr.NotFound, "", "mcount site offset %d outside text buffer", m.Offset)
		}
		addNops(e.Text[m.Offset:m.Offset+5], e.Nops)
	}
	return nil
}

// JumpEntry is one __jump_table record.
type JumpEntry struct {
	Code   uint64
	Target uint64
	Key    uint64
}

// KeyReader resolves whether the static_key at addr is currently
// enabled, by reading its enabled.counter out of the guest. Backed by
// the type oracle, kept as a narrow interface here so patch never
// depends on typeinfo directly.
type KeyReader interface {
	Enabled(ctx context.Context, keyAddr uint64) (bool, error)
}

// JumpResult records what ApplyJumpLabels wrote at one site, so the
// comparator can accept either form.
type JumpResult struct {
	Code, Target uint64
	Enabled      bool
}

// ApplyJumpLabels runs Pass E: for each entry,
// writes "E9 <disp32>" if the key is enabled or a 5-byte NOP if not,
// and returns the (code, target) pairs so the loader can register them
// for the comparator's whitelist.
func (e *Engine) ApplyJumpLabels(ctx context.Context, entries []JumpEntry, keys KeyReader) ([]JumpResult, error) {
	results := make([]JumpResult, 0, len(entries))
	for _, j := range entries {
		off, err := e.site(j.Code)
		if err != nil {
			return results, err
		}
		enabled, err := keys.Enabled(ctx, j.Key)
		if err != nil {
			return results, err
		}
		if off+5 > len(e.Text) {
			return results, kerr.New(kerr.NotFound, "", "jump entry site %#x outside text buffer", j.Code)
		}
		if enabled {
			e.Text[off] = 0xe9
			layout.AMD64.PutUint32(e.Text[off+1:off+5], uint32(int32(j.Target-(j.Code+5))))
		} else {
			addNops(e.Text[off:off+5], e.Nops)
		}
		results = append(results, JumpResult{Code: j.Code, Target: j.Target, Enabled: enabled})
	}
	return results, nil
}

// ParaSite is one .parainstructions record, already resolved to an
// in-buffer offset.
type ParaSite struct {
	SiteOffset int
	SiteVAddr  uint64
	TypeIndex  uint32
	Clobbers   uint16
	Len        uint8
}

// PVTarget classifies a paravirt patch-site's currently installed
// function pointer. Resolving typeIndex to a live address requires
// walking the guest's pv_*_ops tables, which needs the type oracle the
// loader already has; patch only consumes the result.
type PVTarget struct {
	Addr  uint64
	Table string // e.g. "pv_cpu_ops"; "" if Addr is a plain function, not a known table slot
	Slot  string // e.g. "swapgs"
}

// PVResolver resolves a paravirt type index to its currently installed
// target.
type PVResolver interface {
	Resolve(ctx context.Context, typeIndex uint32) (PVTarget, error)
}

// PVClassifier names the function addresses Pass B needs to recognize
// as "no-op" or "identity" helpers.
type PVClassifier struct {
	NopFunc     uint64
	Ident32Func uint64
	Ident64Func uint64
}

// nativeTemplates are the canonical inline-assembly byte sequences the
// kernel's own DEF_NATIVE table supplies for a fixed set of
// well-known paravirt slots (arch/x86/kernel/paravirt_patch_64.c),
// keyed "table.slot".
var nativeTemplates = map[string][]byte{
	"pv_irq_ops.irq_disable":        {0xfa},                               // cli
	"pv_irq_ops.irq_enable":         {0xfb},                               // sti
	"pv_irq_ops.restore_fl":         {0x57, 0x9d},                         // push %rdi; popfq
	"pv_irq_ops.save_fl":            {0x9c, 0x58},                         // pushfq; pop %rax
	"pv_mmu_ops.read_cr2":           {0x0f, 0x20, 0xd0},                   // mov %cr2,%rax
	"pv_mmu_ops.read_cr3":           {0x0f, 0x20, 0xd8},                   // mov %cr3,%rax
	"pv_mmu_ops.write_cr3":          {0x0f, 0x22, 0xdf},                   // mov %rdi,%cr3
	"pv_mmu_ops.flush_tlb_single":   {0x0f, 0x01, 0x3f},                   // invlpg (%rdi)
	"pv_cpu_ops.clts":               {0x0f, 0x06},                         // clts
	"pv_cpu_ops.wbinvd":             {0x0f, 0x09},                         // wbinvd
	"pv_cpu_ops.swapgs":             {0x0f, 0x01, 0xf8},                   // swapgs
	"pv_cpu_ops.irq_enable_sysexit": {0x0f, 0x01, 0xf8, 0xfb, 0x0f, 0x35}, // swapgs; sti; sysexit
	"pv_cpu_ops.usergs_sysret64":    {0x0f, 0x01, 0xf8, 0x48, 0x0f, 0x07}, // swapgs; sysretq
	"pv_cpu_ops.usergs_sysret32":    {0x0f, 0x01, 0xf8, 0x0f, 0x07},       // swapgs; sysretl
}

var (
	mov32Template = []byte{0x89, 0xf8}       // mov %edi,%eax (identity-32)
	mov64Template = []byte{0x48, 0x89, 0xf8} // mov %rdi,%rax (identity-64)
)

// jmpSlots names the table.slot pair whose only native form is a
// direct jump to the target. The other slots that name lists
// (irq_enable_sysexit, usergs_sysret32/64) already have full native
// templates above that take precedence, matching the kernel's own
// dispatch order.
var jmpSlots = map[string]bool{
	"pv_cpu_ops.iret": true,
}

// ApplyParavirt runs Pass B over every .parainstructions entry.
func (e *Engine) ApplyParavirt(ctx context.Context, entries []ParaSite, resolver PVResolver, classify PVClassifier) error {
	for _, p := range entries {
		if p.SiteOffset < 0 || p.SiteOffset+int(p.Len) > len(e.Text) {
			return kerr.New(kerr.NotFound, "", "parainstruction site %#x outside text buffer", p.SiteVAddr)
		}
		scratch := make([]byte, p.Len)

		used, err := e.patchParaSite(ctx, p, scratch, resolver, classify)
		if err != nil {
			return err
		}
		addNops(scratch[used:], e.Nops)
		copy(e.Text[p.SiteOffset:], scratch)
	}
	return nil
}

func (e *Engine) patchParaSite(ctx context.Context, p ParaSite, scratch []byte, resolver PVResolver, classify PVClassifier) (int, error) {
	target, err := resolver.Resolve(ctx, p.TypeIndex)
	if err != nil {
		return 0, err
	}

	key := ""
	if target.Table != "" && target.Slot != "" {
		key = target.Table + "." + target.Slot
	}

	tmpl, hasTemplate := nativeTemplates[key]

	switch {
	case target.Addr == 0:
		// No function installed: NOP the call site.
		return 0, nil
	case hasTemplate:
		return copyTemplate(scratch, tmpl), nil
	case target.Addr == classify.NopFunc:
		return 0, nil
	case target.Addr == classify.Ident32Func:
		return copyTemplate(scratch, mov32Template), nil
	case target.Addr == classify.Ident64Func:
		return copyTemplate(scratch, mov64Template), nil
	case jmpSlots[key]:
		return patchJmp(scratch, target.Addr, p.SiteVAddr), nil
	default:
		return patchCall(scratch, target.Addr, p.SiteVAddr), nil
	}
}

func copyTemplate(scratch, tmpl []byte) int {
	n := len(tmpl)
	if n > len(scratch) {
		n = len(scratch)
	}
	copy(scratch, tmpl[:n])
	return n
}

// patchJmp writes a 5-byte direct JMP (0xE9) at the start of scratch
// targeting target, or returns 0 if scratch is too short.
func patchJmp(scratch []byte, target, siteAddr uint64) int {
	if len(scratch) < 5 {
		return 0
	}
	disp := uint32(target - (siteAddr + 5))
	scratch[0] = 0xe9
	layout.AMD64.PutUint32(scratch[1:5], disp)
	return 5
}

// patchCall writes a 5-byte direct CALL (0xE8) the same way.
func patchCall(scratch []byte, target, siteAddr uint64) int {
	if len(scratch) < 5 {
		return 0
	}
	disp := uint32(target - (siteAddr + 5))
	scratch[0] = 0xe8
	layout.AMD64.PutUint32(scratch[1:5], disp)
	return 5
}

// Run executes all five passes in the fixed order A, B, C, D, E. Any
// per-pass input slice may be nil, matching a loader whose ELF lacks
// that section.
func (e *Engine) Run(ctx context.Context, alt []AltEntry, para []ParaSite, pvResolver PVResolver, pvClassify PVClassifier, smp []SMPLockEntry, mcount []MCountEntry, jump []JumpEntry, keys KeyReader) ([]JumpResult, error) {
	if err := e.ApplyAltInstructions(alt); err != nil {
		return nil, fmt.Errorf("pass A (altinstructions): %w", err)
	}
	if pvResolver != nil {
		if err := e.ApplyParavirt(ctx, para, pvResolver, pvClassify); err != nil {
			return nil, fmt.Errorf("pass B (paravirt): %w", err)
		}
	}
	if err := e.ApplySMPLocks(smp); err != nil {
		return nil, fmt.Errorf("pass C (smp locks): %w", err)
	}
	if err := e.ApplyMcount(mcount); err != nil {
		return nil, fmt.Errorf("pass D (mcount): %w", err)
	}
	results, err := e.ApplyJumpLabels(ctx, jump, keys)
	if err != nil {
		return results, fmt.Errorf("pass E (jump labels): %w", err)
	}
	return results, nil
}
