// Package process orchestrates the userspace load phase for one
// guest process: enumerate its VMAs, group them into per-file
// mappings, build every mapping's Loader and resolve relocations
// across them, and answer the comparator's "which loader owns this
// address" query.
package process

import (
	"context"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"kernint.dev/kernint/elfimage"
	"kernint.dev/kernint/internal/addrspace"
	"kernint.dev/kernint/loader"
	"kernint.dev/kernint/symtab"
	"kernint.dev/kernint/vmi"
)

const pageMask = 0xfff

// Process is one guest process's reconstructed userspace image: every
// mapped executable/library/vdso Loader, keyed by backing path, plus
// the address index the comparator queries.
type Process struct {
	PID     int
	Loaders map[string]*loader.Loader

	addr addrspace.Map
}

// Builder composes a Process from a guest's VMA list.
type Builder struct {
	// Registry is the kernel's SymbolRegistry, used only as a
	// last-resort fallback when a relocation's symbol isn't defined by
	// any of this process's own loaders.
	Registry *symtab.Registry

	// LibraryPath is a colon-separated library search path, consulted
	// only when a VMA's backing name isn't itself an openable path. Most
	// guest VMAs already carry the library's full on-disk path, so this
	// is a fallback, not the primary resolution mechanism.
	LibraryPath string

	// VDSOData is vdso_image_64.data copied out of the guest, if the
	// caller has it.
	VDSOData []byte

	// Lazy defers JUMP_SLOT relocations until first use.
	Lazy bool

	cacheMu sync.Mutex
	cache   map[string]*elfimage.Image
}

// openFile resolves path to an *elfimage.Image, trying it directly
// first and falling back to a LibraryPath search by basename, caching
// results so a library mapped by several VMAs is parsed once.
func (bd *Builder) openFile(path string) (*elfimage.Image, error) {
	bd.cacheMu.Lock()
	defer bd.cacheMu.Unlock()
	if bd.cache == nil {
		bd.cache = make(map[string]*elfimage.Image)
	}
	if img, ok := bd.cache[path]; ok {
		return img, nil
	}

	resolved := path
	if _, err := os.Stat(resolved); err != nil {
		resolved = bd.searchLibraryPath(filepath.Base(path))
		if resolved == "" {
			return nil, fmt.Errorf("process: %s: not found directly or on library path", path)
		}
	}
	img, err := elfimage.Load(resolved)
	if err != nil {
		return nil, err
	}
	bd.cache[path] = img
	return img, nil
}

func (bd *Builder) searchLibraryPath(base string) string {
	for _, dir := range strings.Split(bd.LibraryPath, ":") {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, base)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Build enumerates pid's VMAs via enumerator, groups them by backing
// file, and constructs a Process.
func (bd *Builder) Build(ctx context.Context, pid int, enumerator vmi.VMAEnumerator) (*Process, error) {
	vmas, err := enumerator.VMAs(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("process %d: enumerating VMAs: %w", pid, err)
	}

	mappings, err := bd.groupMappings(vmas)
	if err != nil {
		return nil, err
	}

	ub := &loader.UserImageBuilder{
		Registry: bd.Registry,
		VDSOData: bd.VDSOData,
		OpenFile: bd.openFile,
		Lazy:     bd.Lazy,
	}
	loaders, err := ub.Build(ctx, mappings)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	p := &Process{PID: pid, Loaders: loaders}
	for _, l := range loaders {
		p.claim(l)
	}
	return p, nil
}

func (p *Process) claim(l *loader.Loader) {
	if l.Text != nil {
		p.addr.Insert(addrspace.Range{Low: l.Text.Base, High: l.Text.Base + uint64(len(l.Text.Bytes))}, l)
	}
	if l.Data != nil {
		p.addr.Insert(addrspace.Range{Low: l.Data.Base, High: l.Data.Base + uint64(len(l.Data.Bytes))}, l)
	}
}

// LoaderForAddress implements compare.LoaderLookup for this process's
// address space.
func (p *Process) LoaderForAddress(addr uint64) *loader.Loader {
	_, owner := p.addr.Find(addr)
	if owner == nil {
		return nil
	}
	return owner.(*loader.Loader)
}

// groupMappings collapses pid's file-backed VMAs (plus a synthesized
// "[vdso]" entry, if present) into one loader.VMAMapping per distinct
// backing object, computing each object's load bias from the lowest
// virtual address any of its VMAs occupies.
func (bd *Builder) groupMappings(vmas []vmi.VMA) ([]loader.VMAMapping, error) {
	type group struct {
		minStart uint64
		isVDSO   bool
	}
	groups := make(map[string]*group)
	var order []string

	for _, v := range vmas {
		var key string
		isVDSO := false
		switch {
		case v.Name == "[vdso]":
			key, isVDSO = "[vdso]", true
		case v.FileBacked():
			key = v.Name
		default:
			continue
		}
		g, ok := groups[key]
		if !ok {
			g = &group{minStart: v.Start, isVDSO: isVDSO}
			groups[key] = g
			order = append(order, key)
		} else if v.Start < g.minStart {
			g.minStart = v.Start
		}
	}
	sort.Strings(order)

	var mappings []loader.VMAMapping
	for _, key := range order {
		g := groups[key]
		if g.isVDSO {
			mappings = append(mappings, loader.VMAMapping{Path: "[vdso]", LoadBase: g.minStart, IsVDSO: true})
			continue
		}
		bias, soname, err := bd.computeBias(key, g.minStart)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, loader.VMAMapping{Path: key, LoadBase: bias, SOName: soname})
	}
	return mappings, nil
}

// computeBias opens path to find its lowest PT_LOAD segment's
// page-aligned vaddr, returning the bias that maps that vaddr to
// minVMAStart — the same ASLR-style bias a real dynamic linker
// applies (link-time vaddr + bias = runtime address).
func (bd *Builder) computeBias(path string, minVMAStart uint64) (bias uint64, soname string, err error) {
	img, err := bd.openFile(path)
	if err != nil {
		return 0, "", err
	}
	var lowest uint64 = ^uint64(0)
	for _, seg := range img.Segments() {
		if seg.Type != elf.PT_LOAD {
			continue
		}
		v := seg.Vaddr &^ pageMask
		if v < lowest {
			lowest = v
		}
	}
	if lowest == ^uint64(0) {
		lowest = 0
	}
	return minVMAStart - lowest, img.SOName(), nil
}
