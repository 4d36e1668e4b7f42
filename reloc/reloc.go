// Package reloc applies RELA relocations to a reconstructed image
// buffer, resolving SHN_UNDEF symbols against an external registry
// (the kernel's SymbolRegistry plus System.map for modules, or a
// process-wide symbol set assembled from every mapped loader for
// userspace).
package reloc

import (
	"debug/elf"
	"fmt"

	"kernint.dev/kernint/elfimage"
	"kernint.dev/kernint/internal/layout"
	"kernint.dev/kernint/kerr"
)

// Buffer is the reconstructed image a Relocator writes into: a
// contiguous region of bytes representing the guest virtual-address
// range [Base, Base+len(Bytes)).
type Buffer struct {
	Base  uint64
	Bytes []byte
}

// site returns the byte offset into Bytes for virtual address v, and
// whether v falls inside this buffer.
func (b *Buffer) site(v uint64) (int, bool) {
	if v < b.Base || v-b.Base >= uint64(len(b.Bytes)) {
		return 0, false
	}
	return int(v - b.Base), true
}

// Resolver resolves an undefined (SHN_UNDEF) symbol's name to an
// address. Loader supplies the kernel's SymbolRegistry for modules
// and a per-process registry for userspace.
type Resolver interface {
	Resolve(name string) (uint64, bool)
}

// Relocator applies every RELA relocation in an elfimage.Image to a
// reconstructed Buffer.
type Relocator struct {
	Image    *elfimage.Image
	Buffer   *Buffer
	Resolver Resolver

	// Relocatable is true for ET_REL objects (kernel modules): r_offset
	// is section-relative, so the patch site is section-base +
	// r_offset, rather than an absolute virtual
	// address as in executables/shared objects.
	Relocatable bool

	// ImageBase is added to R_X86_64_RELATIVE addends for shared
	// libraries; it is 0 for non-PIE
	// executables, where the addend is the absolute address directly.
	ImageBase uint64

	// Lazy defers JUMP_SLOT relocations instead of applying them
	// immediately.
	Lazy bool

	// SkipUnmapped makes Apply silently skip relocations whose patch
	// site falls outside Buffer or whose target section has no entry in
	// SectionBases, instead of failing. A module's image is
	// reconstructed as two buffers (text and rodata), each relocated in
	// its own pass over the same relocation list; sites belonging to
	// the other buffer, and sites in sections that are never
	// reconstructed at all (.init.*, .bss), are not errors there.
	SkipUnmapped bool

	// SectionBases maps a section id to the virtual address the loader
	// assigned it, used only when Relocatable is true to rebias a
	// relocatable object's section-relative r_offset onto an absolute
	// address. Unused for ET_EXEC/ET_DYN objects,
	// whose r_offset is already absolute.
	SectionBases map[elfimage.SectionID]uint64

	deferred []elfimage.Reloc
}

// Apply walks every RELA entry in r.Image and writes the resolved
// value into r.Buffer. It returns the first error encountered; an
// UnknownReloc or UnexpectedRel error is fatal to the whole file, so
// Apply stops rather than skipping the bad entry.
func (r *Relocator) Apply() error {
	for _, rel := range r.Image.Relocs() {
		if rel.Type == elf.R_X86_64_JMP_SLOT && r.Lazy {
			r.deferred = append(r.deferred, rel)
			continue
		}
		if err := r.apply(rel); err != nil {
			return err
		}
	}
	return nil
}

// Deferred reports whether siteAddr is a JUMP_SLOT site a lazy Apply
// deferred, and the value binding it now would write. The buffer is not modified.
func (r *Relocator) Deferred(siteAddr uint64) (uint64, bool) {
	for _, rel := range r.deferred {
		if rel.Addr == siteAddr {
			v, err := r.resolveSymbol(rel)
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}
	return 0, false
}

// ApplyDeferred resolves one previously deferred JUMP_SLOT
// relocation, writing the bound value into the buffer as the dynamic
// linker would on first call.
func (r *Relocator) ApplyDeferred(siteAddr uint64) error {
	for i, rel := range r.deferred {
		if rel.Addr == siteAddr {
			r.deferred = append(r.deferred[:i], r.deferred[i+1:]...)
			return r.apply(rel)
		}
	}
	return kerr.New(kerr.NotFound, r.Image.Path, "no deferred relocation at %#x", siteAddr)
}

func (r *Relocator) apply(rel elfimage.Reloc) error {
	site, siteAddr, ok, err := r.locateSite(rel)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	symValue, err := r.resolveSymbol(rel)
	if err != nil {
		return err
	}

	switch rel.Type {
	case elf.R_X86_64_NONE, elf.R_X86_64_COPY:
		return nil
	case elf.R_X86_64_64, elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
		val := symValue
		if rel.Type == elf.R_X86_64_64 {
			val += uint64(rel.Addend)
		}
		return r.write64(site, val)
	case elf.R_X86_64_32:
		val := uint32(symValue + uint64(rel.Addend))
		return r.write32(site, val)
	case elf.R_X86_64_32S:
		val := int64(symValue) + rel.Addend
		if val != int64(int32(val)) {
			return kerr.New(kerr.UnknownReloc, r.Image.Path, "R_X86_64_32S value %#x overflows int32 at site %#x", val, rel.Addr)
		}
		return r.write32(site, uint32(int32(val)))
	case elf.R_X86_64_PC32:
		// PC-relative to the site's own absolute address. A site inside
		// .altinstr_replacement is computed against that section's own
		// address like any other; patch Pass A re-targets a 5-byte CALL
		// when it copies the replacement to the patch site.
		val := uint32(symValue + uint64(rel.Addend) - siteAddr)
		return r.write32(site, val)
	case elf.R_X86_64_RELATIVE, elf.R_X86_64_IRELATIVE:
		// §4.2: IRELATIVE is written as RELATIVE; the indirect resolver
		// function is never invoked.
		val := r.ImageBase + uint64(rel.Addend)
		return r.write64(site, val)
	default:
		return kerr.New(kerr.UnknownReloc, r.Image.Path, "relocation type %s at %#x", rel.Type, rel.Addr)
	}
}

// locateSite returns the byte offset of rel's patch site in r.Buffer
// and the site's absolute virtual address (r_offset rebiased onto the
// section's assigned base for relocatable objects). ok is false when
// the site is skippable under SkipUnmapped.
func (r *Relocator) locateSite(rel elfimage.Reloc) (site int, siteAddr uint64, ok bool, err error) {
	siteAddr = rel.Addr
	if r.Relocatable {
		base, found := r.SectionBases[rel.Section]
		if !found {
			if r.SkipUnmapped {
				return 0, 0, false, nil
			}
			return 0, 0, false, kerr.New(kerr.NotFound, r.Image.Path, "no assigned base for section %d", rel.Section)
		}
		siteAddr += base
	}

	off, found := r.Buffer.site(siteAddr)
	if !found {
		if r.SkipUnmapped {
			return 0, 0, false, nil
		}
		return 0, 0, false, kerr.New(kerr.NotFound, r.Image.Path, "relocation site %#x outside reconstructed buffer", siteAddr)
	}
	return off, siteAddr, true, nil
}

func (r *Relocator) resolveSymbol(rel elfimage.Reloc) (uint64, error) {
	if rel.Symbol == elfimage.NoSym {
		return 0, nil
	}
	es, ok := r.Image.RawSym(rel.SymTab, rel.Symbol)
	if !ok {
		return 0, kerr.New(kerr.NotFound, r.Image.Path, "relocation references unknown symbol index")
	}

	switch es.Section {
	case elf.SHN_COMMON:
		return 0, kerr.New(kerr.Unsupported, r.Image.Path, "SHN_COMMON symbol %s in relocation", es.Name)
	case elf.SHN_UNDEF:
		if r.Resolver == nil {
			return 0, kerr.New(kerr.NotFound, r.Image.Path, "undefined symbol %s with no external resolver", es.Name)
		}
		addr, ok := r.Resolver.Resolve(es.Name)
		if !ok {
			return 0, kerr.New(kerr.NotFound, r.Image.Path, "undefined symbol %s not found in external registry", es.Name)
		}
		return addr, nil
	case elf.SHN_ABS:
		return es.Value, nil
	default:
		value := es.Value
		sid := elfimage.SectionID(es.Section)
		if r.Relocatable {
			if base, ok := r.SectionBases[sid]; ok {
				value += base
			}
			return value, nil
		}
		if sec := r.Image.SectionByID(sid); sec != nil {
			if value < sec.Addr {
				value += sec.Addr
			}
		}
		return value, nil
	}
}

func (r *Relocator) write64(off int, v uint64) error {
	if off < 0 || off+8 > len(r.Buffer.Bytes) {
		return kerr.New(kerr.NotFound, r.Image.Path, "write64 at offset %d out of buffer bounds", off)
	}
	layout.AMD64.PutUint64(r.Buffer.Bytes[off:], v)
	return nil
}

func (r *Relocator) write32(off int, v uint32) error {
	if off < 0 || off+4 > len(r.Buffer.Bytes) {
		return kerr.New(kerr.NotFound, r.Image.Path, "write32 at offset %d out of buffer bounds", off)
	}
	layout.AMD64.PutUint32(r.Buffer.Bytes[off:], v)
	return nil
}

// String is used in error context and logging.
func (r *Relocator) String() string {
	return fmt.Sprintf("Relocator(%s)", r.Image.Path)
}
