// Package compare implements the integrity comparator: for every
// mapped page of a running kernel (or process),
// find the loader that reconstructed it and diff the guest's actual
// bytes against that reconstruction, accepting a small whitelist of
// patterns the patch engine is known to produce, and flagging
// anything else as a finding.
package compare

import (
	"context"
	"fmt"

	"kernint.dev/kernint/arch"
	"kernint.dev/kernint/dbg"
	"kernint.dev/kernint/loader"
	"kernint.dev/kernint/patch"
	"kernint.dev/kernint/symtab"
	"kernint.dev/kernint/typeinfo"
	"kernint.dev/kernint/vmi"
)

// LoaderLookup resolves the loader whose reconstructed text or data
// span contains a virtual address.
// The kernel/process orchestration package implements this over its
// table of loaded modules/libraries.
type LoaderLookup interface {
	LoaderForAddress(addr uint64) *loader.Loader
}

// AddrRange is a mask/value address-matching rule.
type AddrRange struct {
	Mask, Value uint64
}

// Match reports whether addr & r.Mask == r.Value.
func (r AddrRange) Match(addr uint64) bool { return addr&r.Mask == r.Value }

// AddrSpan is a half-open [Start, End) address interval, used where
// true containment is meant rather than a bitmask match.
type AddrSpan struct {
	Start, End uint64
}

func (s AddrSpan) Contains(addr uint64) bool { return addr >= s.Start && addr < s.End }

// DefaultSkipRanges holds three guest-layout exclusions: the physmap
// identity region, the vmalloc area's "c9" range, and the single
// hypercall_page. All three are rewritten by the guest for reasons a
// reconstruction cannot see, so comparing them only produces noise.
var DefaultSkipRanges = []AddrRange{
	{Mask: 0xff0000000000, Value: 0x880000000000},
	{Mask: 0xff0000000000, Value: 0xc90000000000},
	{Mask: 0xfffffffffffff000, Value: 0xffffffff81001000},
}

// FindingKind categorizes one Comparator.Run result.
type FindingKind int

const (
	FindingCodeMismatch FindingKind = iota
	FindingUninitializedTail
	FindingUnknownCodePointer
	FindingRoDataMismatch
	FindingUnknownIDTEntry
	FindingExecutableDataPage
	FindingUnvalidatedReturnAddress
	FindingNoOwningLoader
)

func (k FindingKind) String() string {
	switch k {
	case FindingCodeMismatch:
		return "code-mismatch"
	case FindingUninitializedTail:
		return "uninitialized-tail"
	case FindingUnknownCodePointer:
		return "unknown-code-pointer"
	case FindingRoDataMismatch:
		return "rodata-mismatch"
	case FindingUnknownIDTEntry:
		return "unknown-idt-entry"
	case FindingExecutableDataPage:
		return "executable-data-page"
	case FindingUnvalidatedReturnAddress:
		return "unvalidated-return-address"
	case FindingNoOwningLoader:
		return "no-owning-loader"
	}
	return "unknown"
}

// Finding is one reported integrity concern.
type Finding struct {
	Kind     FindingKind
	Addr     uint64
	Loader   string
	Expected byte
	Observed byte
	Detail   string
}

// Report is the result of one Comparator pass.
type Report struct {
	PagesChecked int
	Findings     []Finding
}

func (r *Report) add(f Finding) { r.Findings = append(r.Findings, f) }

// Options selects which validation passes a run performs.
type Options struct {
	Loop               bool
	CodeValidation     bool
	PointerExamination bool
}

// Comparator drives the per-page validation. Every field
// except Memory, Loaders and Registry is optional and simply disables
// the refinement it backs when left zero.
type Comparator struct {
	Memory   vmi.Memory
	Oracle   typeinfo.Oracle // required only when Options.PointerExamination walks stacks
	Registry *symtab.Registry
	Loaders  LoaderLookup

	Kernel loader.KernelInfo

	// ExTable is the kernel's __ex_table section span; a data-page
	// pointer landing inside it is accepted as an exception-table
	// entry.
	ExTable AddrSpan

	// GenericUnrolledAddr is copy_user_generic_unrolled's address,
	// consulted by the direct-call relaxation whitelist pattern.
	GenericUnrolledAddr uint64

	// KVMEOIWriteAddr is kvm_guest_apic_eoi_write's address, the one
	// accepted read-only-data displacement.
	KVMEOIWriteAddr uint64

	Nops patch.NopTable

	// CallGraph optionally relaxes the stack scanner's return-address
	// check.
	CallGraph CallGraph

	// Debug, when set, refines "same function" comparisons in the
	// stack scanner using DWARF subprogram ranges instead of nearest-
	// symbol lookup (see the symtab/dbg split recorded in DESIGN.md).
	Debug *dbg.Data

	Arch *arch.Arch

	SkipRanges []AddrRange

	Options Options

	disasm map[string]*callIndex
}

func (c *Comparator) arch() *arch.Arch {
	if c.Arch != nil {
		return c.Arch
	}
	return arch.AMD64
}

func (c *Comparator) skipRanges() []AddrRange {
	if c.SkipRanges != nil {
		return c.SkipRanges
	}
	return DefaultSkipRanges
}

func (c *Comparator) skip(addr uint64) bool {
	for _, r := range c.skipRanges() {
		if r.Match(addr) {
			return true
		}
	}
	return false
}

// Run validates every mapped page (and, if Options.PointerExamination,
// every task's kernel stack) once, or — if Options.Loop is set —
// repeatedly until ctx is cancelled.
func (c *Comparator) Run(ctx context.Context, pid int) (Report, error) {
	var report Report
	for {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		rep, err := c.runOnce(ctx, pid)
		report = rep
		if err != nil {
			return report, err
		}
		if !c.Options.Loop {
			return report, nil
		}
	}
}

func (c *Comparator) runOnce(ctx context.Context, pid int) (Report, error) {
	var report Report

	if c.Options.PointerExamination && pid == 0 {
		stacks, err := c.stackAddresses(ctx)
		if err != nil {
			return report, fmt.Errorf("enumerating task stacks: %w", err)
		}
		for bottom, rsp := range stacks {
			mem, err := c.Memory.Read(ctx, bottom, stackSize, 0)
			if err != nil {
				return report, fmt.Errorf("reading stack at %#x: %w", bottom, err)
			}
			c.validateStackPage(mem, bottom, rsp, &report)
		}
	}

	pages, err := c.Memory.Pages(ctx, pid)
	if err != nil {
		return report, err
	}
	defer pages.Close()

	for pages.Next() {
		page := pages.Page()
		if c.skip(page.Vaddr) {
			continue
		}
		c.validatePage(ctx, page, pid, &report)
		report.PagesChecked++
	}
	return report, pages.Err()
}

func (c *Comparator) validatePage(ctx context.Context, page vmi.Page, pid int, report *Report) {
	l := c.Loaders.LoaderForAddress(page.Vaddr)
	if l == nil {
		if page.Exec {
			report.add(Finding{Kind: FindingNoOwningLoader, Addr: page.Vaddr})
		}
		return
	}

	switch {
	case c.Options.CodeValidation && l.IsCodeAddress(page.Vaddr):
		c.compareCodePage(ctx, page, pid, l, report)
	case c.Options.PointerExamination && l.IsDataAddress(page.Vaddr):
		if page.Exec {
			report.add(Finding{Kind: FindingExecutableDataPage, Addr: page.Vaddr, Loader: l.Name})
		}
		c.compareDataPage(ctx, page, pid, l, report)
	}
}
