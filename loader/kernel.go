package loader

import (
	"context"
	"fmt"

	"kernint.dev/kernint/elfimage"
	"kernint.dev/kernint/patch"
	"kernint.dev/kernint/reloc"
	"kernint.dev/kernint/symtab"
	"kernint.dev/kernint/typeinfo"
	"kernint.dev/kernint/vmi"
)

// kernelScope is the SymbolRegistry scope name used to disambiguate
// local symbols defined by the kernel proper.
const kernelScope = "kernel"

// KernelImageBuilder composes the reconstructed vmlinux text and
// read-only-data images and registers its exported symbols.
type KernelImageBuilder struct {
	Image    *elfimage.Image
	Registry *symtab.Registry
	Oracle   typeinfo.Oracle
	Memory   vmi.Memory
}

// KernelInfo carries the distinguished virtual addresses the builder
// records for the comparator's IDT-slot exception.
type KernelInfo struct {
	IDTTable        uint64
	NMIIDTTable     uint64
	SInitText       uint64
	IRQEntriesStart uint64
}

// Build parses System.map entries already registered in b.Registry and
// composes the kernel Loader: text from .text/.notes/__ex_table in
// that fixed order, rodata from .rodata..__modver; the text is patched
// with all five passes, and both are padded to a 2 MiB boundary.
func (b *KernelImageBuilder) Build(ctx context.Context) (*Loader, KernelInfo, error) {
	l := newLoader("vmlinux", KindKernel, b.Image)
	var info KernelInfo

	text, base, err := b.buildText()
	if err != nil {
		return nil, info, fmt.Errorf("kernel text: %w", err)
	}
	l.Text = &reloc.Buffer{Base: base, Bytes: padToAlign(text, largePageAlign)}
	l.TextContentLen = len(text)

	rodata, roBase, err := b.buildRoData()
	if err != nil {
		return nil, info, fmt.Errorf("kernel rodata: %w", err)
	}
	l.Data = &reloc.Buffer{Base: roBase, Bytes: padToAlign(rodata, largePageAlign)}

	b.Registry.AddELFSymbols(b.Image, kernelScope, nil)

	if err := b.relocate(l); err != nil {
		return nil, info, fmt.Errorf("kernel relocations: %w", err)
	}
	if err := b.patchText(ctx, l); err != nil {
		return nil, info, fmt.Errorf("kernel patching: %w", err)
	}

	for _, s := range b.Image.Syms() {
		if !s.Local {
			l.Exported[s.Name] = s.Value
		}
	}

	info.IDTTable, _ = b.Registry.Resolve("idt_table")
	info.NMIIDTTable, _ = b.Registry.Resolve("nmi_idt_table")
	info.SInitText, _ = b.Registry.Resolve("_sinittext")
	info.IRQEntriesStart, _ = b.Registry.Resolve("irq_entries_start")

	return l, info, nil
}

// buildText concatenates .text, pads to .notes's address, appends
// .notes, pads to __ex_table's address and appends it.
// A section absent from this particular vmlinux build is simply
// skipped.
func (b *KernelImageBuilder) buildText() ([]byte, uint64, error) {
	text, err := b.Image.SectionByName(".text")
	if err != nil {
		return nil, 0, err
	}
	base := text.Addr
	data, err := text.Data()
	if err != nil {
		return nil, 0, err
	}
	buf := append([]byte(nil), data...)

	for _, name := range []string{".notes", "__ex_table"} {
		sec, err := b.Image.SectionByName(name)
		if err != nil {
			continue
		}
		buf = padTo(buf, base, sec.Addr)
		secData, err := sec.Data()
		if err != nil {
			return nil, 0, err
		}
		buf = append(buf, secData...)
	}
	return buf, base, nil
}

// buildRoData concatenates .rodata through the end of __modver.
func (b *KernelImageBuilder) buildRoData() ([]byte, uint64, error) {
	rodata, err := b.Image.SectionByName(".rodata")
	if err != nil {
		return nil, 0, err
	}
	base := rodata.Addr
	data, err := rodata.Data()
	if err != nil {
		return nil, 0, err
	}
	buf := append([]byte(nil), data...)

	modver, err := b.Image.SectionByName("__modver")
	if err != nil {
		return buf, base, nil
	}
	for _, sec := range b.Image.Sections() {
		if !sec.Alloc() || sec.Exec() {
			continue
		}
		if sec.Addr <= rodata.Addr || sec.Addr > modver.Addr {
			continue
		}
		buf = padTo(buf, base, sec.Addr)
		secData, err := sec.Data()
		if err != nil {
			return nil, 0, err
		}
		buf = append(buf, secData...)
	}
	return buf, base, nil
}

// relocate applies every RELA relocation in the kernel image against
// its own reconstructed buffers; a statically linked
// vmlinux typically carries none, but the Relocator is run
// unconditionally so a relocatable kernel build is handled the same
// way as any other object.
func (b *KernelImageBuilder) relocate(l *Loader) error {
	for _, buf := range []*reloc.Buffer{l.Text, l.Data} {
		r := &reloc.Relocator{Image: b.Image, Buffer: buf, Resolver: b.Registry, SkipUnmapped: true}
		if err := r.Apply(); err != nil {
			return err
		}
	}
	return nil
}

// patchText runs all five patch passes over the kernel's text
// buffer. Site tables (.altinstructions, .parainstructions,
// .smp_locks, __mcount_loc, __jump_table) are read from the builder's
// own ElfImage and resolved to buffer offsets here, since the kernel
// is the one loader kind that owns every one of these sections
// directly.
func (b *KernelImageBuilder) patchText(ctx context.Context, l *Loader) error {
	caps, err := ReadCPUCaps(ctx, b.Oracle, b.Memory)
	if err != nil {
		return err
	}
	nops, err := SelectNops(ctx, b.Oracle, b.Memory)
	if err != nil {
		return err
	}
	pvResolver, err := NewPVResolver(ctx, b.Oracle, b.Memory)
	if err != nil {
		return err
	}
	keys, err := NewKeyReader(ctx, b.Oracle, b.Memory)
	if err != nil {
		return err
	}
	classify := patch.PVClassifier{}
	if a, ok := b.Registry.Function("_paravirt_nop", kernelScope); ok {
		classify.NopFunc = a
	}
	if a, ok := b.Registry.Function("_paravirt_ident_32", kernelScope); ok {
		classify.Ident32Func = a
	}
	if a, ok := b.Registry.Function("_paravirt_ident_64", kernelScope); ok {
		classify.Ident64Func = a
	}

	textBase, textLen := l.Text.Base, len(l.Text.Bytes)
	alt, err := b.readAltInstructions(textBase, textLen)
	if err != nil {
		return err
	}
	paraData, _, err := b.readSiteBytes(".parainstructions")
	if err != nil {
		return err
	}
	para := parseParaSites(paraData, textBase, textLen)
	smpData, smpAddr, err := b.readSiteBytes(".smp_locks")
	if err != nil {
		return err
	}
	smp := parseSMPLocks(smpData, smpAddr, textBase, textLen)
	mcountData, _, err := b.readSiteBytes("__mcount_loc")
	if err != nil {
		return err
	}
	mcount := parseMcount(mcountData, textBase, textLen)
	jumpData, _, err := b.readSiteBytes("__jump_table")
	if err != nil {
		return err
	}
	jump := parseJumpTable(jumpData, textBase, textLen)

	eng := &patch.Engine{Text: l.Text.Bytes, Base: l.Text.Base, Caps: caps, Nops: nops}
	results, err := eng.Run(ctx, alt, para, pvResolver, classify, smp, mcount, jump, keys)
	if err != nil {
		return err
	}
	l.recordJumpResults(results)
	for _, s := range smp {
		l.recordSMPOffset(uint64(s.Offset))
	}
	return nil
}

// readAltInstructions decodes .altinstructions/.altinstr_replacement
// from the file; an ET_EXEC vmlinux's address fields are already
// final there.
func (b *KernelImageBuilder) readAltInstructions(textBase uint64, textLen int) ([]patch.AltEntry, error) {
	sec, err := b.Image.SectionByName(".altinstructions")
	if err != nil {
		return nil, nil
	}
	repl, err := b.Image.SectionByName(".altinstr_replacement")
	if err != nil {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	replData, err := repl.Data()
	if err != nil {
		return nil, err
	}
	return parseAltEntries(data, sec.Addr, replData, repl.Addr, textBase, textLen), nil
}

// readSiteBytes fetches one named section's bytes, treating absence as
// an absent feature.
func (b *KernelImageBuilder) readSiteBytes(name string) ([]byte, uint64, error) {
	sec, err := b.Image.SectionByName(name)
	if err != nil {
		return nil, 0, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, 0, err
	}
	return data, sec.Addr, nil
}
