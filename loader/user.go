package loader

import (
	"context"
	"debug/elf"
	"fmt"

	"kernint.dev/kernint/elfimage"
	"kernint.dev/kernint/kerr"
	"kernint.dev/kernint/reloc"
	"kernint.dev/kernint/symtab"
)

const pageSize = 0x1000

// VMAMapping is one mapped file-backed region of a process's address
// space, as enumerated from the guest's VMA list.
type VMAMapping struct {
	Path     string
	LoadBase uint64 // the lowest virtual address this object is mapped at
	IsVDSO   bool
	SOName   string // "" for the main executable
}

// UserImageBuilder composes one userspace process's full set of
// reconstructed loaders: the executable, every shared library it maps,
// and (if present) the vdso — then resolves relocations across all of
// them against one process-wide symbol map.
type UserImageBuilder struct {
	Registry *symtab.Registry // the kernel's registry, used only as a last-resort fallback
	VDSOData []byte           // vdso_image_64.data, if the caller has it available

	// OpenFile loads path as an elfimage.Image, caching as needed; the
	// builder calls it once per distinct Path across the process's VMAs
	OpenFile func(path string) (*elfimage.Image, error)

	// Lazy defers JUMP_SLOT relocations until first use instead of
	// resolving them eagerly, matching ld.so's default binding mode
	Lazy bool
}

// userSym is one candidate definition for a relocation-time symbol
// lookup across every loader in a process.
type userSym struct {
	addr   uint64
	loader string
	weak   bool
}

// Build constructs and relocates every mapping's Loader in three
// phases: (1) compose each Loader's text/data buffers
// without relocating, (2) merge every loader's defined symbols into
// one process-wide map, failing on an ambiguous duplicate definition,
// (3) relocate each loader against that shared map, deferring
// JUMP_SLOT entries for lazy resolution.
func (b *UserImageBuilder) Build(ctx context.Context, mappings []VMAMapping) (map[string]*Loader, error) {
	loaders := make(map[string]*Loader, len(mappings))
	images := make(map[string]*elfimage.Image, len(mappings))

	for _, m := range mappings {
		l, img, err := b.composeOne(m)
		if err != nil {
			return nil, fmt.Errorf("library %s: %w", m.Path, err)
		}
		loaders[m.Path] = l
		images[m.Path] = img
	}

	relSyms, err := b.mergeSymbols(mappings, images)
	if err != nil {
		return nil, err
	}
	relSyms.fallback = b.Registry

	biasBy := make(map[string]uint64, len(mappings))
	for _, m := range mappings {
		biasBy[m.Path] = m.LoadBase
	}

	for path, l := range loaders {
		img := images[path]
		// DT_BIND_NOW in the image's .dynamic overrides the requested
		// lazy mode.
		lazy := b.Lazy && !img.BindNow()
		// R_X86_64_RELATIVE rebias: zero for a non-PIE executable (the
		// addend already is the absolute address), the load bias for a
		// shared object.
		var imageBase uint64
		if img.Kind != elfimage.KindExecutable {
			imageBase = biasBy[path]
		}
		r := &reloc.Relocator{
			Image:     img,
			Buffer:    l.Text,
			Resolver:  relSyms,
			Lazy:      lazy,
			ImageBase: imageBase,
			// A userspace object's relocations span its text and data
			// regions; each buffer's pass applies its own sites.
			SkipUnmapped: true,
		}
		if err := r.Apply(); err != nil {
			return nil, fmt.Errorf("library %s relocations: %w", path, err)
		}
		if l.Data != nil {
			r2 := &reloc.Relocator{Image: img, Buffer: l.Data, Resolver: relSyms, Lazy: lazy, ImageBase: imageBase, SkipUnmapped: true}
			if err := r2.Apply(); err != nil {
				return nil, fmt.Errorf("library %s data relocations: %w", path, err)
			}
			l.PLT = r2
		} else {
			l.PLT = r
		}
	}
	return loaders, nil
}

// composeOne builds one mapping's Loader: text is the file bytes at
// the code segment's offset padded out to a whole number of pages, and
// data (when present) is a zero-filled buffer of the data segment's
// memsz with every section inside it copied to its in-segment position
func (b *UserImageBuilder) composeOne(m VMAMapping) (*Loader, *elfimage.Image, error) {
	if m.IsVDSO {
		return b.composeVDSO(m)
	}

	img, err := b.OpenFile(m.Path)
	if err != nil {
		return nil, nil, err
	}

	kind := KindLibrary
	if m.SOName == "" {
		kind = KindExecutable
	}
	l := newLoader(m.Path, kind, img)

	text, err := b.buildTextSegment(img, m.LoadBase)
	if err != nil {
		return nil, nil, err
	}
	l.Text = text
	if seg := codeSegment(img); seg != nil {
		if raw, err := seg.Data(); err == nil {
			l.TextContentLen = len(raw)
		}
	}

	data, err := b.buildDataSegment(img, m.LoadBase)
	if err != nil {
		return nil, nil, err
	}
	l.Data = data

	for _, s := range img.Syms() {
		if !s.Local {
			l.Exported[s.Name] = m.LoadBase + s.Value
		}
	}
	return l, img, nil
}

func (b *UserImageBuilder) composeVDSO(m VMAMapping) (*Loader, *elfimage.Image, error) {
	if b.VDSOData == nil {
		return nil, nil, kerr.New(kerr.NotFound, m.Path, "no vdso image configured")
	}
	img, err := elfimage.LoadBytes(m.Path, b.VDSOData)
	if err != nil {
		return nil, nil, err
	}
	l := newLoader("[vdso]", KindVDSO, img)

	text, err := b.buildTextSegment(img, m.LoadBase)
	if err != nil {
		return nil, nil, err
	}
	l.Text = text
	if seg := codeSegment(img); seg != nil {
		if raw, err := seg.Data(); err == nil {
			l.TextContentLen = len(raw)
		}
	}
	for _, s := range img.Syms() {
		if !s.Local {
			l.Exported[s.Name] = m.LoadBase + s.Value
		}
	}
	return l, img, nil
}

// buildTextSegment finds the first executable loadable segment and
// pads its file bytes out to whole pages.
func (b *UserImageBuilder) buildTextSegment(img *elfimage.Image, loadBase uint64) (*reloc.Buffer, error) {
	seg := codeSegment(img)
	if seg == nil {
		return nil, kerr.New(kerr.NotFound, img.Path, "no executable PT_LOAD segment")
	}
	data, err := seg.Data()
	if err != nil {
		return nil, err
	}
	pages := (uint64(len(data)) + pageSize - 1) / pageSize
	buf := make([]byte, pages*pageSize)
	copy(buf, data)
	return &reloc.Buffer{Base: loadBase + (seg.Vaddr &^ (pageSize - 1)), Bytes: buf}, nil
}

// buildDataSegment finds the first writable loadable segment and
// reconstructs its in-memory contents: a zero-filled memsz buffer with
// every section inside the segment copied to its section-relative
// position.
func (b *UserImageBuilder) buildDataSegment(img *elfimage.Image, loadBase uint64) (*reloc.Buffer, error) {
	seg := dataSegment(img)
	if seg == nil {
		return nil, nil
	}
	buf := make([]byte, seg.Memsz)
	for _, sec := range img.Sections() {
		if !sec.Alloc() || sec.Addr < seg.Vaddr || sec.Addr >= seg.Vaddr+seg.Memsz {
			continue
		}
		if sec.Type == elf.SHT_NOBITS {
			continue // already zero in buf
		}
		data, err := sec.Data()
		if err != nil {
			return nil, err
		}
		pos := sec.Addr - seg.Vaddr
		if pos+uint64(len(data)) > uint64(len(buf)) {
			continue
		}
		copy(buf[pos:], data)
	}
	return &reloc.Buffer{Base: loadBase + seg.Vaddr, Bytes: buf}, nil
}

func codeSegment(img *elfimage.Image) *elfimage.Segment {
	for _, seg := range img.Segments() {
		if seg.Type == elf.PT_LOAD && seg.Flags&elf.PF_X != 0 {
			return seg
		}
	}
	return nil
}

func dataSegment(img *elfimage.Image) *elfimage.Segment {
	for _, seg := range img.Segments() {
		if seg.Type == elf.PT_LOAD && seg.Flags&elf.PF_X == 0 && seg.Flags&elf.PF_W != 0 {
			return seg
		}
	}
	return nil
}

// relSymMap is the process-wide symbol table built by merging every
// loader's defined symbols; it implements
// reloc.Resolver so the Relocator can use it directly. A symbol this
// process's own loaders don't define falls back to the kernel's
// registry (vdso-relative and vsyscall symbols a statically linked
// binary can still reference).
type relSymMap struct {
	defs     map[string]userSym
	fallback *symtab.Registry
}

func (m relSymMap) Resolve(name string) (uint64, bool) {
	if s, ok := m.defs[name]; ok {
		return s.addr, true
	}
	if m.fallback != nil {
		return m.fallback.Resolve(name)
	}
	return 0, false
}

// symDef is one loader's definition of one symbol, before merging.
type symDef struct {
	name   string
	addr   uint64
	weak   bool
	loader string
}

// mergeSymbols enumerates every mapped object's defined global and
// weak symbols and merges them into one process-wide map.
func (b *UserImageBuilder) mergeSymbols(mappings []VMAMapping, images map[string]*elfimage.Image) (relSymMap, error) {
	var defs []symDef
	for _, m := range mappings {
		img := images[m.Path]
		if img == nil {
			continue
		}
		for _, s := range img.Syms() {
			if s.Local || s.Name == "" {
				continue
			}
			defs = append(defs, symDef{name: s.Name, addr: m.LoadBase + s.Value, weak: s.Weak, loader: m.Path})
		}
	}
	return mergeDefs(defs)
}

// mergeDefs applies dynamic-linker precedence: a globally-bound
// definition overrides a previously-registered weak definition of the
// same name; a weak definition never displaces anything. Two global
// definitions at two different addresses are reported as
// kerr.DuplicateSymbol, since the Relocator has no way to decide which
// definition a given relocation site should bind to.
func mergeDefs(defs []symDef) (relSymMap, error) {
	merged := relSymMap{defs: make(map[string]userSym)}
	for _, d := range defs {
		existing, ok := merged.defs[d.name]
		if !ok {
			merged.defs[d.name] = userSym{addr: d.addr, loader: d.loader, weak: d.weak}
			continue
		}
		switch {
		case d.weak:
			// a weak definition never displaces an earlier one
		case existing.weak:
			merged.defs[d.name] = userSym{addr: d.addr, loader: d.loader}
		case existing.addr == d.addr:
			// the same strong definition seen through two mappings
		default:
			return merged, kerr.New(kerr.DuplicateSymbol, d.loader, "symbol %s defined at %#x by %s and %#x by %s", d.name, existing.addr, existing.loader, d.addr, d.loader)
		}
	}
	return merged, nil
}
