// Package elfimage parses the on-disk ELF files this repository
// reconstructs expected memory images from: vmlinux, kernel modules,
// shared libraries and executables. Unlike a general object-file
// library it only ever sees one class of input — 64-bit, little
// endian, x86-64, RELA-relocated — so it rejects everything else
// up front rather than carrying code paths for formats no caller
// here will ever produce.
package elfimage

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"sort"

	"kernint.dev/kernint/internal/layout"
	"kernint.dev/kernint/kerr"
)

// SectionID indexes Image.Sections. Section 0 is always the null
// section, matching the ELF section numbering itself.
type SectionID int

// Section is one entry of an ELF section header table.
type Section struct {
	Name   string
	ID     SectionID
	Addr   uint64
	Size   uint64
	Offset uint64
	Align  uint64
	Flags  elf.SectionFlag
	Type   elf.SectionType
	raw    *elf.Section
}

// Alloc reports whether this section occupies space in the loaded
// image (SHF_ALLOC).
func (s *Section) Alloc() bool { return s.Flags&elf.SHF_ALLOC != 0 }

// Exec reports whether this section holds executable instructions.
func (s *Section) Exec() bool { return s.Flags&elf.SHF_EXECINSTR != 0 }

// Writable reports whether this section is writable in memory.
func (s *Section) Writable() bool { return s.Flags&elf.SHF_WRITE != 0 }

// Contains reports whether v falls within this section's in-memory range.
func (s *Section) Contains(v uint64) bool {
	return s.Alloc() && s.Addr <= v && v < s.Addr+s.Size
}

// Data returns the raw bytes of this section, reading and
// decompressing them on first use.
func (s *Section) Data() ([]byte, error) {
	return s.raw.Data()
}

// Segment is one entry of the ELF program header table.
type Segment struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
	raw    *elf.Prog
}

func (s *Segment) Data() ([]byte, error) {
	b := make([]byte, s.Filesz)
	_, err := io.ReadFull(s.raw.Open(), b)
	return b, err
}

// SymKind is a coarse classification of a symbol, following the
// "nm"-style single-character kinds common in Go object-file tooling.
type SymKind byte

const (
	SymUnknown  SymKind = '?'
	SymUndef    SymKind = 'U'
	SymText     SymKind = 'T'
	SymData     SymKind = 'D'
	SymBSS      SymKind = 'B'
	SymAbsolute SymKind = 'A'
)

// Sym is a defined, non-absolute, non-common ELF symbol. Consumers
// that only want the exported surface (global/weak definitions) filter
// on !Local; named locals are kept so the symbol registry can record
// them under their scope-disambiguated form.
type Sym struct {
	Name    string
	Value   uint64
	Size    uint64
	Kind    SymKind
	Section SectionID // valid when Kind is SymText, SymData or SymBSS
	Local   bool
	Weak    bool
}

// Kind classifies the object: relocatable, shared-object, or
// executable.
type Kind int

const (
	KindRelocatable  Kind = iota // ET_REL — kernel modules
	KindSharedObject             // ET_DYN — PIE executables, shared libraries, vdso
	KindExecutable               // ET_EXEC — non-PIE executables, vmlinux
)

func (k Kind) String() string {
	switch k {
	case KindRelocatable:
		return "relocatable"
	case KindSharedObject:
		return "shared-object"
	case KindExecutable:
		return "executable"
	}
	return "unknown"
}

// Reloc is one RELA relocation entry.
type Reloc struct {
	Addr    uint64 // address the relocation applies to
	Type    elf.R_X86_64
	Symbol  SymID     // raw symbol index into the SymTab table below, or NoSym
	SymTab  SectionID // sh_link of the owning RELA section: which symbol table Symbol indexes into
	Addend  int64
	Section SectionID // the RELA section's sh_info target.
}

// SymID indexes Image.Syms.
type SymID int

// NoSym indicates a relocation has no symbol operand (e.g. RELATIVE).
const NoSym SymID = -1

// Image is a fully parsed, validated ELF64/x86-64/RELA object file.
// It owns the underlying *elf.File for as long as it's in use; call
// Close when no Loader references it any more.
type Image struct {
	Path string
	Kind Kind
	Arch elf.Machine

	f *elf.File

	sections []*Section
	byName   map[string]SectionID
	segments []*Segment
	syms     []Sym

	// symTabs holds, per symbol-table *section id* (.symtab or .dynsym),
	// the complete unfiltered raw symbol slice for that table, index 0
	// being the synthetic null symbol ELF itself reserves. A RELA
	// section's r_info symbol index is only meaningful against the one
	// table its own sh_link names — see Reloc.SymTab — never against a
	// table built by concatenating .symtab and .dynsym together, since
	// debug/elf.File.Symbols()/DynamicSymbols() each independently start
	// their own index space at 1.
	symTabs map[SectionID][]elf.Symbol

	relocs  []Reloc // all RELA entries across every section, sorted by Addr
	needed  []string
	soname  string
	bindNow bool
}

// Load opens and fully parses path as an ELF64 little-endian x86-64
// object. It fails with kerr.BadMagic if the file doesn't start with
// the ELF magic, and with kerr.Unsupported for anything this
// repository doesn't reconstruct (32-bit, wrong byte order, or wrong
// machine), and with kerr.UnexpectedRel for a SHT_REL relocation
// section. Load never returns a
// partially initialized Image.
func Load(path string) (_ *Image, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()
	return load(path, f)
}

// LoadBytes parses raw in the same way Load parses a file, for ELF
// images this repository doesn't have on disk — the vdso, whose bytes
// come embedded in the guest kernel as vdso_image_64.data rather than
// from a mountable file.
func LoadBytes(name string, raw []byte) (*Image, error) {
	return load(name, bytesReaderAt(raw))
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b bytesReaderAt) Close() error { return nil }

func load(path string, f interface {
	io.ReaderAt
	io.Closer
}) (_ *Image, err error) {
	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return nil, kerr.Wrap(kerr.BadMagic, path, err)
	}
	if magic != [4]byte{'\x7f', 'E', 'L', 'F'} {
		return nil, kerr.New(kerr.BadMagic, path, "missing ELF magic")
	}
	var class [1]byte
	if _, err := f.ReadAt(class[:], int64(elf.EI_CLASS)); err == nil && elf.Class(class[0]) != elf.ELFCLASS64 {
		return nil, kerr.New(kerr.Unsupported, path, "ELF class %s, want ELFCLASS64", elf.Class(class[0]))
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, kerr.Wrap(kerr.BadMagic, path, err)
	}
	if ef.Class != elf.ELFCLASS64 {
		return nil, kerr.New(kerr.Unsupported, path, "ELF class %s, want ELFCLASS64", ef.Class)
	}
	if ef.Data != elf.ELFDATA2LSB {
		return nil, kerr.New(kerr.Unsupported, path, "byte order %s, want little endian", ef.Data)
	}
	if ef.Machine != elf.EM_X86_64 {
		return nil, kerr.New(kerr.Unsupported, path, "machine %s, want EM_X86_64", ef.Machine)
	}

	img := &Image{Path: path, Arch: ef.Machine, f: ef}
	switch ef.Type {
	case elf.ET_REL:
		img.Kind = KindRelocatable
	case elf.ET_DYN:
		img.Kind = KindSharedObject
	case elf.ET_EXEC:
		img.Kind = KindExecutable
	default:
		return nil, kerr.New(kerr.Unsupported, path, "object type %s", ef.Type)
	}

	if err := img.loadSections(); err != nil {
		return nil, err
	}
	img.loadSegments()
	if err := img.loadSymbols(); err != nil {
		return nil, err
	}
	if err := img.loadRelocations(); err != nil {
		return nil, err
	}
	if err := img.loadDynamic(); err != nil {
		return nil, err
	}

	return img, nil
}

// Close releases the OS file backing this image. Sections and data
// already read remain valid; further Section.Data/Segment.Data calls
// will fail.
func (img *Image) Close() error {
	return img.f.Close()
}

func (img *Image) loadSections() error {
	img.byName = make(map[string]SectionID)
	for i, es := range img.f.Sections {
		s := &Section{
			Name:   es.Name,
			ID:     SectionID(i),
			Addr:   es.Addr,
			Size:   es.Size,
			Offset: es.Offset,
			Align:  es.Addralign,
			Flags:  es.Flags,
			Type:   es.Type,
			raw:    es,
		}
		img.sections = append(img.sections, s)
		if es.Name != "" {
			img.byName[es.Name] = s.ID
		}
	}
	return nil
}

func (img *Image) loadSegments() {
	for _, ep := range img.f.Progs {
		img.segments = append(img.segments, &Segment{
			Type:   ep.Type,
			Flags:  ep.Flags,
			Offset: ep.Off,
			Vaddr:  ep.Vaddr,
			Paddr:  ep.Paddr,
			Filesz: ep.Filesz,
			Memsz:  ep.Memsz,
			Align:  ep.Align,
			raw:    ep,
		})
	}
}

// loadSymbols builds the filtered Syms list (non-undefined,
// non-absolute, non-common defined symbols) as well as symTabs, keyed by the
// section id of each raw symbol table .symtab/.dynsym actually present
// in this file, so a relocation's symbol index is always looked up
// against the one table its RELA section's sh_link names rather than
// a merged array (a RELA section whose sh_link is .dynsym must never
// be resolved against .symtab's index space, and vice versa).
func (img *Image) loadSymbols() error {
	syms, err := img.f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return kerr.Wrap(kerr.NotFound, img.Path, err)
	}
	dynsyms, err := img.f.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return kerr.Wrap(kerr.NotFound, img.Path, err)
	}

	img.symTabs = make(map[SectionID][]elf.Symbol)
	for i, es := range img.f.Sections {
		switch es.Type {
		case elf.SHT_SYMTAB:
			img.symTabs[SectionID(i)] = append([]elf.Symbol{{}}, syms...)
		case elf.SHT_DYNSYM:
			img.symTabs[SectionID(i)] = append([]elf.Symbol{{}}, dynsyms...)
		}
	}

	add := func(es elf.Symbol) {
		if es.Section == elf.SHN_UNDEF || es.Section == elf.SHN_ABS || es.Section == elf.SHN_COMMON {
			return
		}
		bind := elf.ST_BIND(es.Info)
		if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK && bind != elf.STB_LOCAL {
			return
		}
		if elf.ST_TYPE(es.Info) == elf.STT_SECTION || elf.ST_TYPE(es.Info) == elf.STT_FILE {
			return
		}
		sid := SectionID(es.Section)
		kind := SymUnknown
		if int(sid) < len(img.sections) {
			sec := img.sections[sid]
			switch {
			case sec.Exec():
				kind = SymText
			case sec.Type == elf.SHT_NOBITS:
				kind = SymBSS
			default:
				kind = SymData
			}
		}
		img.syms = append(img.syms, Sym{
			Name:    es.Name,
			Value:   es.Value,
			Size:    es.Size,
			Kind:    kind,
			Section: sid,
			Local:   bind == elf.STB_LOCAL,
			Weak:    bind == elf.STB_WEAK,
		})
	}
	for _, s := range syms {
		add(s)
	}
	for _, s := range dynsyms {
		add(s)
	}
	return nil
}

// loadRelocations reads every SHT_RELA section. A SHT_REL section is
// rejected with kerr.UnexpectedRel: x86-64 ELF never emits REL
// relocations, so seeing one means either a miscompiled input or a
// format this repository doesn't support.
func (img *Image) loadRelocations() error {
	for _, sec := range img.f.Sections {
		switch sec.Type {
		case elf.SHT_REL:
			return kerr.New(kerr.UnexpectedRel, img.Path, "section %s is SHT_REL", sec.Name)
		case elf.SHT_RELA:
			if err := img.loadRelaSection(sec); err != nil {
				return err
			}
		}
	}
	sort.Slice(img.relocs, func(i, j int) bool { return img.relocs[i].Addr < img.relocs[j].Addr })
	return nil
}

func (img *Image) loadRelaSection(sec *elf.Section) error {
	data, err := sec.Data()
	if err != nil {
		return kerr.Wrap(kerr.NotFound, img.Path, err)
	}
	return img.loadRelaSectionFromBytes(sec, data)
}

// loadRelaSectionFromBytes parses one SHT_RELA section's already-read
// bytes into img.relocs, recording each entry's owning symbol table
// (sec.Link) so it is later resolved against that table specifically
// rather than a merged symbol array. Split out from
// loadRelaSection so tests can exercise the parse against hand-built
// entries without a full ELF file.
func (img *Image) loadRelaSectionFromBytes(sec *elf.Section, data []byte) error {
	const entSize = 24 // r_offset, r_info, r_addend: 3x uint64
	for off := 0; off+entSize <= len(data); off += entSize {
		r_offset := layout.AMD64.Uint64(data[off:])
		r_info := layout.AMD64.Uint64(data[off+8:])
		r_addend := int64(layout.AMD64.Uint64(data[off+16:]))

		symIdx := uint32(r_info >> 32)
		typ := elf.R_X86_64(uint32(r_info))

		symTab := SectionID(sec.Link)
		sym := NoSym
		if symIdx != 0 && int(symIdx) < len(img.symTabs[symTab]) {
			sym = SymID(symIdx)
		}

		img.relocs = append(img.relocs, Reloc{
			Addr:    r_offset,
			Type:    typ,
			Symbol:  sym,
			SymTab:  symTab,
			Addend:  r_addend,
			Section: SectionID(sec.Info),
		})
	}
	return nil
}

// loadDynamic parses .dynamic for DT_NEEDED, DT_SONAME and the
// binding mode.
func (img *Image) loadDynamic() error {
	libs, err := img.f.ImportedLibraries()
	if err != nil {
		return nil // no .dynamic section: statically linked, nothing needed
	}
	img.needed = libs

	if soname, serr := img.f.DynString(elf.DT_SONAME); serr == nil && len(soname) > 0 {
		img.soname = soname[0]
	}
	if vals, verr := img.f.DynValue(elf.DT_BIND_NOW); verr == nil && len(vals) > 0 {
		img.bindNow = true
	}
	if vals, verr := img.f.DynValue(elf.DT_FLAGS); verr == nil {
		for _, v := range vals {
			if v&uint64(elf.DF_BIND_NOW) != 0 {
				img.bindNow = true
			}
		}
	}
	return nil
}

// BindNow reports whether .dynamic demands eager symbol binding
// (DT_BIND_NOW or DF_BIND_NOW), which disables lazy JUMP_SLOT deferral
// for this image.
func (img *Image) BindNow() bool { return img.bindNow }

// Needed returns the DT_NEEDED library names.
func (img *Image) Needed() []string { return img.needed }

// SOName returns the DT_SONAME value, or "" if this object has none,
// which is what distinguishes a shared library from an executable.
func (img *Image) SOName() string { return img.soname }

// Sections returns every section in ELF section-header order.
func (img *Image) Sections() []*Section { return img.sections }

// SectionByID returns section id, or nil if out of range.
func (img *Image) SectionByID(id SectionID) *Section {
	if int(id) < 0 || int(id) >= len(img.sections) {
		return nil
	}
	return img.sections[id]
}

// SectionByName looks up a section by name. It fails with
// kerr.NotFound if absent: callers must treat a missing section as an
// absent feature.
func (img *Image) SectionByName(name string) (*Section, error) {
	id, ok := img.byName[name]
	if !ok {
		return nil, kerr.New(kerr.NotFound, img.Path, "section %s", name)
	}
	return img.sections[id], nil
}

// SectionByOffset returns the section containing file offset off, or
// nil.
func (img *Image) SectionByOffset(off uint64) *Section {
	for _, s := range img.sections {
		if s.Offset <= off && off < s.Offset+s.Size {
			return s
		}
	}
	return nil
}

// Segments returns the loadable-segment (program header) table.
func (img *Image) Segments() []*Segment { return img.segments }

// Syms returns the filtered defined symbols; filter on !Local for the
// exported global/weak surface.
func (img *Image) Syms() []Sym { return img.syms }

// RawSym returns the raw ELF symbol at index i within symbol-table
// section tab (including undefined/absolute/common ones), for
// relocation symbol resolution. tab must be the sh_link of the RELA
// section the relocation came from (Reloc.SymTab) — a raw symbol
// index is only meaningful relative to the one table it was read
// against, never a different table sharing the same file.
func (img *Image) RawSym(tab SectionID, i SymID) (elf.Symbol, bool) {
	table := img.symTabs[tab]
	if i == NoSym || int(i) >= len(table) {
		return elf.Symbol{}, false
	}
	return table[i], true
}

// Relocs returns every RELA relocation in the file, sorted by address.
func (img *Image) Relocs() []Reloc { return img.relocs }

// IsCodeAddress reports whether v falls in an allocatable, executable
// section.
func (img *Image) IsCodeAddress(v uint64) bool {
	for _, s := range img.sections {
		if s.Alloc() && s.Exec() && s.Addr <= v && v < s.Addr+s.Size {
			return true
		}
	}
	return false
}

// IsDataAddress reports whether v falls in an allocatable,
// non-executable section.
func (img *Image) IsDataAddress(v uint64) bool {
	for _, s := range img.sections {
		if s.Alloc() && !s.Exec() && s.Addr <= v && v < s.Addr+s.Size {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for debugging/logging.
func (img *Image) String() string {
	return fmt.Sprintf("%s (%s, %s)", img.Path, img.Arch, img.Kind)
}
