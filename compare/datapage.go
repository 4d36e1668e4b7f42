package compare

import (
	"bytes"
	"context"
	"fmt"

	"kernint.dev/kernint/loader"
	"kernint.dev/kernint/vmi"
)

// compareDataPage dispatches a non-executable page: the kernel's IDT
// pages get gate-descriptor verification, a kernel-space loader's
// read-only-data region gets a full-page byte compare, and anything
// else (writable data) gets the code-pointer scan.
func (c *Comparator) compareDataPage(ctx context.Context, page vmi.Page, pid int, l *loader.Loader, report *Report) {
	mem, err := c.Memory.Read(ctx, page.Vaddr, int(page.Size), pid)
	if err != nil {
		report.add(Finding{Kind: FindingRoDataMismatch, Addr: page.Vaddr, Loader: l.Name, Detail: err.Error()})
		return
	}

	if l.Kind == loader.KindKernel && c.matchesIDTPage(page.Vaddr) {
		c.compareIDTPage(page, mem, report)
		return
	}

	if l.Kind == loader.KindKernel || l.Kind == loader.KindModule {
		c.compareRoDataPage(page, mem, l, report)
		return
	}

	c.scanDataPointers(page, mem, l, report)
}

func (c *Comparator) matchesIDTPage(vaddr uint64) bool {
	const pageMask = ^uint64(0xfff)
	if c.Kernel.IDTTable != 0 && vaddr == c.Kernel.IDTTable&pageMask {
		return true
	}
	return c.Kernel.NMIIDTTable != 0 && vaddr == c.Kernel.NMIIDTTable&pageMask
}

// compareIDTPage verifies every 16-byte gate descriptor either targets
// a known function/registered symbol (or is null) with zero padding,
// or falls into one of the two ranges of expected-uninitialised slots
// pointing into .init.text or the IRQ stub table.
func (c *Comparator) compareIDTPage(page vmi.Page, mem []byte, report *Report) {
	for i := 0; i+16 <= len(mem); i += 0x10 {
		low := uint64(mem[i]) | uint64(mem[i+1])<<8
		mid := uint64(mem[i+6]) | uint64(mem[i+7])<<8
		high := uint64(le32(mem[i+8 : i+12]))
		idtPtr := low | mid<<16 | high<<32
		padding := le32(mem[i+12 : i+16])

		if (c.Registry.IsFunction(idtPtr) || c.Registry.IsSymbol(idtPtr) || idtPtr == 0) && padding == 0 {
			continue
		}
		if i >= 0x140 && i < 0x210 && c.Kernel.SInitText != 0 && idtPtr == c.Kernel.SInitText+uint64((i/0x10)*9) {
			continue
		}
		if i >= 0x210 && c.Kernel.IRQEntriesStart != 0 {
			slot := i/0x10 - 0x20
			if idtPtr == c.Kernel.IRQEntriesStart+uint64((slot%7)*4+(slot/7)*0x20) {
				continue
			}
		}

		report.add(Finding{
			Kind: FindingUnknownIDTEntry, Addr: page.Vaddr + uint64(i), Loader: "vmlinux",
			Detail: fmt.Sprintf("idt entry points to %#x, padding %#x", idtPtr, padding),
		})
	}
}

// compareRoDataPage full-page-compares l's reconstructed read-only
// data against the guest's copy, accepting the one known displacement
// the kernel's own KVM paravirt init performs.
func (c *Comparator) compareRoDataPage(page vmi.Page, mem []byte, l *loader.Loader, report *Report) {
	if l.Data == nil || page.Vaddr < l.Data.Base || page.Vaddr+uint64(len(mem)) > l.Data.Base+uint64(len(l.Data.Bytes)) {
		return
	}
	off := page.Vaddr - l.Data.Base
	loadedPage := l.Data.Bytes[off : off+uint64(len(mem))]
	if bytes.Equal(loadedPage, mem) {
		return
	}

	for i := 0; i < len(mem); i++ {
		if loadedPage[i] == mem[i] {
			continue
		}
		if c.KVMEOIWriteAddr != 0 {
			// The first differing byte can lie anywhere inside the
			// accepted pointer, so try every start that covers it.
			accepted := false
			for j := i - 7; j <= i; j++ {
				if j >= 0 && j+8 <= len(mem) && le64(mem[j:j+8]) == c.KVMEOIWriteAddr {
					i = j + 7
					accepted = true
					break
				}
			}
			if accepted {
				continue
			}
		}
		report.add(Finding{
			Kind: FindingRoDataMismatch, Addr: page.Vaddr + uint64(i), Loader: l.Name,
			Expected: loadedPage[i], Observed: mem[i],
		})
	}
}

// scanDataPointers scans a writable data page for 4-byte-aligned
// candidate kernel pointers and accepts each one explained by a known
// function, a registered symbol, a recorded smp-lock site, a recorded
// jump entry/destination, the exception table, or a recognisable
// return address; anything else is an unknown code pointer.
func (c *Comparator) scanDataPointers(page vmi.Page, mem []byte, l *loader.Loader, report *Report) {
	for i := 4; i+4 <= len(mem); i += 4 {
		if le32(mem[i:i+4]) != 0xffffffff {
			continue
		}
		ptr := le64(mem[i-4 : i+4])
		if ptr == 0xffffffffffffffff {
			i += 4
			continue
		}

		// An unbound PLT slot legitimately holds whatever the guest's
		// dynamic linker has (or hasn't yet) written there.
		if _, ok := l.LazySlot(page.Vaddr + uint64(i-4)); ok {
			continue
		}

		if c.Registry.IsFunction(ptr) {
			continue
		}
		if c.Registry.IsSymbol(ptr) {
			continue
		}

		target := c.Loaders.LoaderForAddress(ptr)
		if target == nil || !target.IsCodeAddress(ptr) {
			continue
		}

		off := ptr - target.Text.Base
		if target.TextContentLen > 0 && off > uint64(target.TextContentLen) {
			report.add(Finding{
				Kind: FindingUnknownCodePointer, Addr: page.Vaddr + uint64(i-4), Loader: l.Name,
				Detail: fmt.Sprintf("pointer %#x points past %s's initialized content", ptr, target.Name),
			})
			continue
		}
		if target.SMPOffsets[off] {
			continue
		}
		if _, jumpSite := target.JumpEntries[ptr]; jumpSite || target.JumpDestinations[ptr] {
			continue
		}
		if c.ExTable.Contains(ptr) {
			continue
		}
		if _, _, ok := c.callTargetAt(target, ptr); ok {
			continue
		}

		report.add(Finding{
			Kind: FindingUnknownCodePointer, Addr: page.Vaddr + uint64(i-4), Loader: l.Name,
			Detail: fmt.Sprintf("unknown code pointer %#x into %s", ptr, target.Name),
		})
	}
}
