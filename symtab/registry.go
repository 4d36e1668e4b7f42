// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symtab implements the symbol registry: the name→address
// maps built up as every ELF image loads, plus the address→name map
// rebuilt once after loading finishes so the comparator can
// symbolicate addresses it finds in guest memory.
package symtab

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"kernint.dev/kernint/elfimage"
	"kernint.dev/kernint/kerr"
)

// Registry holds three name→address maps (global, private, function)
// plus the address→name reverse map. It is mutated
// only during the load phase; call Freeze once all loaders and
// System.map entries have been added, after which Symbolicate becomes
// available and further mutation panics.
type Registry struct {
	mu sync.Mutex

	global   map[string]uint64
	private  map[string]uint64
	function map[string]uint64

	frozen  bool
	reverse []addrName // sorted by addr, built by Freeze
}

type addrName struct {
	addr uint64
	name string
}

// New returns an empty, unfrozen Registry.
func New() *Registry {
	return &Registry{
		global:   make(map[string]uint64),
		private:  make(map[string]uint64),
		function: make(map[string]uint64),
	}
}

func (r *Registry) checkMutable() {
	if r.frozen {
		kerr.Internal("symtab: mutation of a frozen Registry")
	}
}

// AddELFSymbols registers img's defined symbols under scope ("kernel"
// for the kernel proper, the module name for modules, the process id
// for userspace). Local function symbols are disambiguated as
// "name@@<scope>"; non-local symbols are also registered in the
// global map under their bare name.
//
// For a relocatable object (a kernel module) symbol values are
// section-relative; bases supplies the load address assigned to each
// section so every registered address is absolute. A symbol whose
// section has no assigned base is skipped — registering a
// section-relative value as if it were an address would poison every
// later lookup. Pass a nil bases for executables, whose symbol values
// are already absolute.
func (r *Registry) AddELFSymbols(img *elfimage.Image, scope string, bases map[elfimage.SectionID]uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkMutable()

	for _, s := range img.Syms() {
		if s.Name == "" {
			continue
		}
		addr := s.Value
		if bases != nil {
			base, ok := bases[s.Section]
			if !ok {
				continue
			}
			addr += base
		}
		if s.Kind == elfimage.SymText {
			key := s.Name
			if s.Local {
				key = fmt.Sprintf("%s@@%s", s.Name, scope)
			}
			r.function[key] = addr
		}
		if !s.Local {
			r.global[s.Name] = addr
		}
	}
}

// LoadSystemMap parses a kernel System.map file: whitespace-separated
// lines "<hex-address> <one-letter-mode> <name>". Upper-case mode
// registers a global symbol; lower-case registers a private one.
// Malformed lines are skipped rather than failing the whole file,
// since System.map sometimes carries blank or compiler-generated
// lines with no stable format guarantee.
func (r *Registry) LoadSystemMap(rd io.Reader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkMutable()

	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		mode, name := fields[1], fields[2]
		if len(mode) != 1 {
			continue
		}
		if mode[0] >= 'A' && mode[0] <= 'Z' {
			r.global[name] = addr
		} else {
			r.private[name] = addr
		}
	}
	return sc.Err()
}

// Global looks up name in the global map.
func (r *Registry) Global(name string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.global[name]
	return addr, ok
}

// Private looks up name in the private (System.map lower-case) map.
func (r *Registry) Private(name string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.private[name]
	return addr, ok
}

// Function looks up a function symbol, trying the scoped name first
// (name@@scope) and falling back to the bare name.
func (r *Registry) Function(name, scope string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if addr, ok := r.function[fmt.Sprintf("%s@@%s", name, scope)]; ok {
		return addr, true
	}
	addr, ok := r.function[name]
	return addr, ok
}

// Resolve looks up name across all three maps, global first, then
// private, then function — the order the relocator resolves
// SHN_UNDEF symbols in against the kernel's registry.
func (r *Registry) Resolve(name string) (uint64, bool) {
	if addr, ok := r.Global(name); ok {
		return addr, ok
	}
	if addr, ok := r.Private(name); ok {
		return addr, ok
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.function[name]
	return addr, ok
}

// IsFunction reports whether addr is exactly the entry address of a
// registered function symbol.
func (r *Registry) IsFunction(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.function {
		if a == addr {
			return true
		}
	}
	return false
}

// IsSymbol reports whether addr is exactly the address of any
// registered global or private symbol.
func (r *Registry) IsSymbol(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.global {
		if a == addr {
			return true
		}
	}
	for _, a := range r.private {
		if a == addr {
			return true
		}
	}
	return false
}

// Freeze builds the reverse address→name map and forbids further
// mutation.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return
	}

	seen := make(map[uint64]string, len(r.global)+len(r.function))
	add := func(m map[string]uint64) {
		for name, addr := range m {
			// Prefer the name already recorded unless none is: across
			// maps the order is global, function, private; between two
			// names of one map at the same address, the one kept follows
			// map iteration order, which is not fixed from run to run.
			if _, ok := seen[addr]; !ok {
				seen[addr] = name
			}
		}
	}
	add(r.global)
	add(r.function)
	add(r.private)

	r.reverse = make([]addrName, 0, len(seen))
	for addr, name := range seen {
		r.reverse = append(r.reverse, addrName{addr, name})
	}
	sort.Slice(r.reverse, func(i, j int) bool { return r.reverse[i].addr < r.reverse[j].addr })

	r.frozen = true
}

// Symbolicate returns the name of the symbol at or immediately below
// addr, and the offset from that symbol's address. It requires Freeze
// to have been called.
func (r *Registry) Symbolicate(addr uint64) (name string, offset uint64, ok bool) {
	if !r.frozen {
		kerr.Internal("symtab: Symbolicate called before Freeze")
	}
	i := sort.Search(len(r.reverse), func(i int) bool { return r.reverse[i].addr > addr }) - 1
	if i < 0 {
		return "", 0, false
	}
	e := r.reverse[i]
	return e.name, addr - e.addr, true
}
