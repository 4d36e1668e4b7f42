// Package vmi defines the guest-memory and VMA-enumeration oracles
// this repository consumes but never implements on its own: reading a
// live guest's address space is the job of whatever VM-introspection
// backend the caller wires in (a KVM memory-mapped region, a
// /proc/<pid>/mem reader, a debugger stub). Everything downstream —
// loader, patch, compare — talks only to the interfaces here.
package vmi

import "context"

// Page describes one mapped page as reported by Memory.Pages.
type Page struct {
	Paddr    uint64
	Vaddr    uint64
	Size     uint64
	Exec     bool
	Writable bool
}

// Memory is the guest-memory oracle: random-access reads
// of guest virtual memory and enumeration of the mapped page set.
// Pid 0 addresses kernel space.
type Memory interface {
	// Read returns len bytes of guest virtual memory starting at va,
	// in the address space of pid (0 for the kernel).
	Read(ctx context.Context, va uint64, length int, pid int) ([]byte, error)

	// Pages streams every mapped page for pid (0 for the kernel).
	Pages(ctx context.Context, pid int) (PageIter, error)
}

// PageIter iterates the result of Memory.Pages without forcing the
// backend to materialize the whole page table up front.
type PageIter interface {
	Next() bool
	Page() Page
	Err() error
	Close() error
}

// VMAFlags is the permission/sharing bit-set of a virtual memory area.
type VMAFlags uint8

const (
	VMARead VMAFlags = 1 << iota
	VMAWrite
	VMAExec
	VMAMayShare
)

func (f VMAFlags) Has(bit VMAFlags) bool { return f&bit != 0 }

// VMA is one virtual memory area of a process.
// Name is empty for anonymous mappings; the enumerator synthesizes
// "[stack]", "[heap]", "[vdso]", "[vvar]" the way /proc/pid/maps does.
type VMA struct {
	Start uint64
	End   uint64
	Ino   uint64
	Off   uint64
	Flags VMAFlags
	Name  string
}

func (v VMA) Contains(addr uint64) bool { return addr >= v.Start && addr < v.End }

func (v VMA) Len() uint64 { return v.End - v.Start }

// FileBacked reports whether this VMA maps a real file rather than an
// anonymous or synthetic region.
func (v VMA) FileBacked() bool {
	return v.Ino != 0 && v.Name != "" && v.Name[0] != '['
}

// VMAEnumerator is the VMA-enumeration oracle.
type VMAEnumerator interface {
	VMAs(ctx context.Context, pid int) ([]VMA, error)
}

// Source bundles the guest-memory and VMA oracles a single run needs,
// since in practice one backend connection serves both. The consumers
// in this repository take the narrower interfaces: compare.Comparator
// a Memory, process.Builder.Build a VMAEnumerator.
type Source interface {
	Memory
	VMAEnumerator
}
