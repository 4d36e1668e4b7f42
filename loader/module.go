package loader

import (
	"context"
	"debug/elf"
	"fmt"
	"strings"

	"kernint.dev/kernint/elfimage"
	"kernint.dev/kernint/patch"
	"kernint.dev/kernint/reloc"
	"kernint.dev/kernint/symtab"
	"kernint.dev/kernint/typeinfo"
	"kernint.dev/kernint/vmi"
)

const moduleTextAlign = 0x1000

// DependencyLoader loads (or returns the already-loaded) module named
// by dep, so ModuleImageBuilder can recurse into module dependencies
// before its own relocations run.
type DependencyLoader interface {
	LoadModule(ctx context.Context, name string) error
}

// ModuleImageBuilder composes a kernel module's reconstructed text and
// rodata images, resolves SHN_UNDEF symbols against the kernel (and,
// transitively, its already-loaded dependency modules), and registers
// its own exported symbols under its module scope.
type ModuleImageBuilder struct {
	Name       string
	Image      *elfimage.Image
	Base       uint64 // the address space's chosen load address for this module's text
	RoDataBase uint64 // the address space's chosen load address for this module's rodata
	Registry   *symtab.Registry
	Oracle     typeinfo.Oracle
	Memory     vmi.Memory
	Deps       DependencyLoader

	// Resolver, when set, replaces Registry for SHN_UNDEF resolution;
	// kernelsystem passes a chain that falls back from the registry to
	// the type oracle's variable table for symbols DWARF knows but no
	// symbol table exports.
	Resolver reloc.Resolver

	// GuestSectionAddrs carries the guest-assigned address of sections
	// this builder does not reconstruct (.bss, .init.*), by section
	// name, read from the module's sect_attrs list. Symbols defined in
	// those sections still appear in text relocations, and their values
	// can only come from where the guest's own loader put them.
	GuestSectionAddrs map[string]uint64
}

// Dependencies parses .modinfo's depends= field into a comma-separated
// list of module names.
func (b *ModuleImageBuilder) Dependencies() ([]string, error) {
	sec, err := b.Image.SectionByName(".modinfo")
	if err != nil {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}

	var names []string
	for _, rec := range splitNulTerminated(data) {
		if !strings.HasPrefix(rec, "depends=") {
			continue
		}
		val := strings.TrimPrefix(rec, "depends=")
		for _, dep := range strings.Split(val, ",") {
			if dep != "" {
				names = append(names, dep)
			}
		}
	}
	return names, nil
}

func splitNulTerminated(data []byte) []string {
	var recs []string
	start := 0
	for i, b := range data {
		if b == 0 {
			if i > start {
				recs = append(recs, string(data[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(data) {
		recs = append(recs, string(data[start:]))
	}
	return recs
}

// Build loads this module's dependencies first, then composes its text
// and rodata buffers, relocates both against the assigned section
// bases, runs all five patch passes, and registers its exported
// symbols.
func (b *ModuleImageBuilder) Build(ctx context.Context) (*Loader, error) {
	if b.Deps != nil {
		deps, err := b.Dependencies()
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if err := b.Deps.LoadModule(ctx, dep); err != nil {
				return nil, fmt.Errorf("module %s: dependency %s: %w", b.Name, dep, err)
			}
		}
	}

	l := newLoader(b.Name, KindModule, b.Image)
	bases := make(map[elfimage.SectionID]uint64)

	text, err := b.buildText(bases)
	if err != nil {
		return nil, fmt.Errorf("module %s text: %w", b.Name, err)
	}
	l.Text = &reloc.Buffer{Base: b.Base, Bytes: padToAlign(text, moduleTextAlign)}
	l.TextContentLen = len(text)

	rodata, err := b.buildRoData(bases)
	if err != nil {
		return nil, fmt.Errorf("module %s rodata: %w", b.Name, err)
	}
	l.Data = &reloc.Buffer{Base: b.RoDataBase, Bytes: rodata}

	// Sections never reconstructed (.bss, .init.*) still need load
	// addresses for symbol resolution; the guest's own sect_attrs list
	// is the only place those exist.
	for _, sec := range b.Image.Sections() {
		if _, done := bases[sec.ID]; done || !sec.Alloc() {
			continue
		}
		if addr, ok := b.GuestSectionAddrs[sec.Name]; ok {
			bases[sec.ID] = addr
		}
	}

	if err := b.relocate(l, bases); err != nil {
		return nil, fmt.Errorf("module %s relocations: %w", b.Name, err)
	}
	if err := b.patchText(ctx, l, bases); err != nil {
		return nil, fmt.Errorf("module %s patching: %w", b.Name, err)
	}

	b.Registry.AddELFSymbols(b.Image, b.Name, bases)
	for _, s := range b.Image.Syms() {
		if s.Local {
			continue
		}
		if base, ok := bases[s.Section]; ok {
			l.Exported[s.Name] = base + s.Value
		}
	}
	return l, nil
}

// buildText concatenates .text with every other SHF_ALLOC|SHF_EXECINSTR
// section besides .text/.init.text, each placed back-to-back starting
// at b.Base, recording
// each section's assigned load address into bases for relocation
// rebiasing.
func (b *ModuleImageBuilder) buildText(bases map[elfimage.SectionID]uint64) ([]byte, error) {
	var buf []byte

	text, err := b.Image.SectionByName(".text")
	if err != nil {
		return nil, err
	}
	data, err := text.Data()
	if err != nil {
		return nil, err
	}
	bases[text.ID] = b.Base
	buf = append(buf, data...)

	for _, sec := range b.Image.Sections() {
		if sec.Name == ".text" || sec.Name == ".init.text" {
			continue
		}
		if !sec.Alloc() || !sec.Exec() {
			continue
		}
		secData, err := sec.Data()
		if err != nil {
			return nil, err
		}
		bases[sec.ID] = b.Base + uint64(len(buf))
		buf = append(buf, secData...)
	}
	return buf, nil
}

// buildRoData concatenates .note.gnu.build-id with every other
// SHF_ALLOC PROGBITS/NOTE section, skipping .modinfo, __versions and
// every .init* section, recording each placed section's assigned
// address into bases. The
// guest's module loader, not this repository, picks rodata's final
// address; RoDataBase carries that externally-assigned address
// through.
func (b *ModuleImageBuilder) buildRoData(bases map[elfimage.SectionID]uint64) ([]byte, error) {
	var buf []byte

	first, err := b.Image.SectionByName(".note.gnu.build-id")
	if err == nil {
		data, err := first.Data()
		if err != nil {
			return nil, err
		}
		bases[first.ID] = b.RoDataBase
		buf = append(buf, data...)
	}

	for _, sec := range b.Image.Sections() {
		if sec.Name == ".modinfo" || sec.Name == "__versions" || sec.Name == ".note.gnu.build-id" {
			continue
		}
		if strings.HasPrefix(sec.Name, ".init") {
			continue
		}
		if !sec.Alloc() || sec.Exec() {
			continue
		}
		if sec.Type != elf.SHT_PROGBITS && sec.Type != elf.SHT_NOTE {
			continue
		}
		align := sec.Align
		if align == 0 {
			align = 1
		}
		if rem := uint64(len(buf)) % align; rem != 0 {
			buf = append(buf, make([]byte, align-rem)...)
		}
		data, err := sec.Data()
		if err != nil {
			return nil, err
		}
		bases[sec.ID] = b.RoDataBase + uint64(len(buf))
		buf = append(buf, data...)
	}
	return buf, nil
}

// relocate applies the module's full relocation list to each
// reconstructed buffer in turn. The same list is walked twice with
// SkipUnmapped set: each pass applies the sites that fall inside its
// own buffer and skips the rest (the other buffer's sites, and sites
// in sections that are never reconstructed).
func (b *ModuleImageBuilder) relocate(l *Loader, bases map[elfimage.SectionID]uint64) error {
	resolver := b.Resolver
	if resolver == nil {
		resolver = b.Registry
	}
	for _, buf := range []*reloc.Buffer{l.Text, l.Data} {
		if buf == nil || len(buf.Bytes) == 0 {
			continue
		}
		r := &reloc.Relocator{
			Image:        b.Image,
			Buffer:       buf,
			Resolver:     resolver,
			Relocatable:  true,
			SectionBases: bases,
			SkipUnmapped: true,
		}
		if err := r.Apply(); err != nil {
			return err
		}
	}
	return nil
}

// relocatedSection returns the named section's bytes as they appear in
// the reconstructed, already-relocated image, plus its assigned load
// address. An ET_REL module's site tables are all zeros in the file
// until relocation fills in their address fields, so the patch passes
// must read them from the reconstructed buffers, never from the file.
func (b *ModuleImageBuilder) relocatedSection(l *Loader, bases map[elfimage.SectionID]uint64, name string) ([]byte, uint64, bool) {
	sec, err := b.Image.SectionByName(name)
	if err != nil {
		return nil, 0, false
	}
	base, ok := bases[sec.ID]
	if !ok {
		return nil, 0, false
	}
	for _, buf := range []*reloc.Buffer{l.Text, l.Data} {
		if buf == nil {
			continue
		}
		if base >= buf.Base && base+sec.Size <= buf.Base+uint64(len(buf.Bytes)) {
			off := base - buf.Base
			return buf.Bytes[off : off+sec.Size], base, true
		}
	}
	return nil, 0, false
}

// patchText runs all five patch passes over the module's text.
func (b *ModuleImageBuilder) patchText(ctx context.Context, l *Loader, bases map[elfimage.SectionID]uint64) error {
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

	var alt []patch.AltEntry
	if data, secAddr, ok := b.relocatedSection(l, bases, ".altinstructions"); ok {
		if replData, replAddr, ok := b.relocatedSection(l, bases, ".altinstr_replacement"); ok {
			alt = parseAltEntries(data, secAddr, replData, replAddr, textBase, textLen)
		}
	}
	var para []patch.ParaSite
	if data, _, ok := b.relocatedSection(l, bases, ".parainstructions"); ok {
		para = parseParaSites(data, textBase, textLen)
	}
	var smp []patch.SMPLockEntry
	if data, secAddr, ok := b.relocatedSection(l, bases, ".smp_locks"); ok {
		smp = parseSMPLocks(data, secAddr, textBase, textLen)
	}
	var mcount []patch.MCountEntry
	if data, _, ok := b.relocatedSection(l, bases, "__mcount_loc"); ok {
		mcount = parseMcount(data, textBase, textLen)
	}
	var jump []patch.JumpEntry
	if data, _, ok := b.relocatedSection(l, bases, "__jump_table"); ok {
		jump = parseJumpTable(data, textBase, textLen)
	}

	eng := &patch.Engine{Text: l.Text.Bytes, Base: textBase, Caps: caps, Nops: nops}
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
