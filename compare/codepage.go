package compare

import (
	"bytes"
	"context"

	"kernint.dev/kernint/loader"
	"kernint.dev/kernint/vmi"
)

// compareCodePage byte-by-byte diffs one executable page against l's
// reconstructed text, applying the whitelist at the first divergence
// and reporting if nothing matches. At most one unexplained mismatch
// is reported per page.
func (c *Comparator) compareCodePage(ctx context.Context, page vmi.Page, pid int, l *loader.Loader, report *Report) {
	mem, err := c.Memory.Read(ctx, page.Vaddr, int(page.Size), pid)
	if err != nil {
		report.add(Finding{Kind: FindingCodeMismatch, Addr: page.Vaddr, Loader: l.Name, Detail: err.Error()})
		return
	}

	pageOffset := page.Vaddr - l.Text.Base
	if pageOffset > uint64(len(l.Text.Bytes)) {
		return
	}
	loadedPage := l.Text.Bytes[pageOffset:]

	n := len(mem)
	if len(loadedPage) < n {
		n = len(loadedPage)
	}

	for i := 0; i < n; i++ {
		if loadedPage[i] == mem[i] {
			continue
		}
		// Only act on the first byte of a differing run.
		if i > 0 && loadedPage[i-1] != mem[i-1] {
			continue
		}

		addr := page.Vaddr + uint64(i)
		if c.skip(addr) {
			continue
		}

		if c.matchAtomicNop(loadedPage, mem, i) {
			i += 5
			continue
		}
		if i <= 1 && ((loadedPage[i] == 0x66 && mem[i] == 0x90) || (loadedPage[i] == 0x90 && mem[i] == 0x66)) {
			continue
		}
		if matchBytes(loadedPage, i, 0x0f, 0x1f, 0x44, 0x00, 0x00) && matchBytes(mem, i, 0x66, 0x66, 0x66, 0x66, 0x90) {
			i += 5
			continue
		}
		if c.matchJumpLabel(l, mem, addr, i) {
			i += 5
			continue
		}
		if c.matchDirectCallRelaxation(l, loadedPage, pageOffset, i) {
			i += 4
			continue
		}
		if (loadedPage[i] == 0x3e && mem[i] == 0xf0) || (loadedPage[i] == 0xf0 && mem[i] == 0x3e) {
			if l.SMPOffsets[pageOffset+uint64(i)] {
				continue
			}
		}
		if matchBytes(loadedPage, i, 0xe9, 0x00, 0x00, 0x00, 0x00) && c.matchIdealNop9(mem, i) {
			i += 5
			continue
		}

		if l.TextContentLen > 0 {
			if remaining := l.TextContentLen - int(pageOffset); i >= remaining {
				report.add(Finding{Kind: FindingUninitializedTail, Addr: addr, Loader: l.Name})
				return
			}
		}

		report.add(Finding{
			Kind: FindingCodeMismatch, Addr: addr, Loader: l.Name,
			Expected: loadedPage[i], Observed: mem[i],
		})
		return
	}
}

// matchAtomicNop checks the 5-byte window starting two bytes before i:
// expected holds ideal_nops[5] where observed holds ideal_nops[9]'s
// atomic variant.
func (c *Comparator) matchAtomicNop(loadedPage, mem []byte, i int) bool {
	if i < 2 {
		return false
	}
	nop5, nop9 := c.Nops[5], c.Nops[9]
	if len(nop5) != 5 || len(nop9) != 5 {
		return false
	}
	if i-2+5 > len(loadedPage) || i-2+5 > len(mem) {
		return false
	}
	return bytes.Equal(loadedPage[i-2:i+3], nop5) && bytes.Equal(mem[i-2:i+3], nop9)
}

func (c *Comparator) matchIdealNop9(mem []byte, i int) bool {
	nop9 := c.Nops[9]
	if len(nop9) != 5 || i+5 > len(mem) {
		return false
	}
	return bytes.Equal(mem[i:i+5], nop9)
}

func (c *Comparator) matchIdealNop5(mem []byte, i int) bool {
	nop5 := c.Nops[5]
	if len(nop5) != 5 || i+5 > len(mem) {
		return false
	}
	return bytes.Equal(mem[i:i+5], nop5)
}

// matchJumpLabel: a
// recorded jump-label site at addr is valid either disabled (a 5-byte
// NOP, either table's encoding) or enabled with the recorded
// displacement.
func (c *Comparator) matchJumpLabel(l *loader.Loader, mem []byte, addr uint64, i int) bool {
	disp, ok := l.JumpEntries[addr]
	if !ok {
		return false
	}
	if c.matchIdealNop5(mem, i) || c.matchIdealNop9(mem, i) {
		return true
	}
	if i+5 > len(mem) || mem[i] != 0xe9 {
		return false
	}
	return int32(le32(mem[i+1:i+5])) == disp
}

// matchDirectCallRelaxation accepts a direct-CALL displacement in the
// kernel's reconstructed text that now targets
// copy_user_generic_unrolled.
func (c *Comparator) matchDirectCallRelaxation(l *loader.Loader, loadedPage []byte, pageOffset uint64, i int) bool {
	if l.Kind != loader.KindKernel || c.GenericUnrolledAddr == 0 {
		return false
	}
	if i == 0 || loadedPage[i-1] != 0xe8 || i+4 > len(loadedPage) {
		return false
	}
	disp := int32(le32(loadedPage[i : i+4]))
	dest := l.Text.Base + pageOffset + uint64(i) + uint64(disp) + 5
	return dest == c.GenericUnrolledAddr
}

func matchBytes(buf []byte, i int, want ...byte) bool {
	if i < 0 || i+len(want) > len(buf) {
		return false
	}
	for j, w := range want {
		if buf[i+j] != w {
			return false
		}
	}
	return true
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
