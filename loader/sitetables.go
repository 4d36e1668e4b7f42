package loader

import "kernint.dev/kernint/patch"

// This file decodes the five in-image patch-site tables from raw section bytes into the patch package's
// entry types. The kernel builder reads them straight from vmlinux's
// sections, whose address fields are final in the file; the module
// builder reads them from its own reconstructed buffers after
// relocation, since an ET_REL .ko's site tables are all zeros until
// the relocations fill them in. Either way the byte layout is the
// same, so both builders share these parsers.

// parseAltEntries decodes struct alt_instr records: {instr_offset
// int32, repl_offset int32, cpuid uint16, instrlen uint8,
// replacementlen uint8}. Both offsets are relative to their own field's
// address. Entries whose site or replacement falls outside the
// reconstructed text window [textBase, textBase+textLen) are skipped —
// those live in .init.text, which is discarded by the guest after boot
// and never reconstructed here.
func parseAltEntries(data []byte, secAddr uint64, replData []byte, replAddr uint64, textBase uint64, textLen int) []patch.AltEntry {
	const entSize = 12
	var entries []patch.AltEntry
	for off := 0; off+entSize <= len(data); off += entSize {
		instrOff := int32(le32(data[off:]))
		replOff := int32(le32(data[off+4:]))
		cpuid := le16(data[off+8:])
		instrLen := data[off+10]
		replLen := data[off+11]

		siteAddr := secAddr + uint64(off) + uint64(int64(instrOff))
		replSite := secAddr + uint64(off+4) + uint64(int64(replOff))

		if siteAddr < textBase || siteAddr+uint64(instrLen) > textBase+uint64(textLen) {
			continue
		}
		replFileOff := replSite - replAddr
		if replFileOff+uint64(replLen) > uint64(len(replData)) {
			continue
		}

		entries = append(entries, patch.AltEntry{
			SiteOffset: int(siteAddr - textBase),
			SiteVAddr:  siteAddr,
			Repl:       replData[replFileOff : replFileOff+uint64(replLen)],
			ReplVAddr:  replSite,
			CPUFeature: cpuid,
			OrigLen:    instrLen,
			ReplLen:    replLen,
		})
	}
	return entries
}

// parseParaSites decodes struct paravirt_patch_site records: {instr
// *u8, instrtype u8, len u8, clobbers u16}, padded to 16 bytes. The
// instr field is an absolute virtual address.
func parseParaSites(data []byte, textBase uint64, textLen int) []patch.ParaSite {
	const entSize = 16
	var sites []patch.ParaSite
	for off := 0; off+entSize <= len(data); off += entSize {
		addr := le64(data[off:])
		typ := data[off+8]
		length := data[off+9]
		clobbers := le16(data[off+10:])
		if addr < textBase || addr+uint64(length) > textBase+uint64(textLen) {
			continue
		}
		sites = append(sites, patch.ParaSite{
			SiteOffset: int(addr - textBase),
			SiteVAddr:  addr,
			TypeIndex:  uint32(typ) * 8,
			Clobbers:   clobbers,
			Len:        length,
		})
	}
	return sites
}

// parseSMPLocks decodes .smp_locks: an array of int32 displacements,
// each relative to its own slot's address, pointing at a LOCK-prefix
// byte.
func parseSMPLocks(data []byte, secAddr, textBase uint64, textLen int) []patch.SMPLockEntry {
	var entries []patch.SMPLockEntry
	for off := 0; off+4 <= len(data); off += 4 {
		disp := int32(le32(data[off:]))
		siteAddr := secAddr + uint64(off) + uint64(int64(disp))
		if siteAddr < textBase || siteAddr >= textBase+uint64(textLen) {
			continue
		}
		entries = append(entries, patch.SMPLockEntry{Offset: int(siteAddr - textBase)})
	}
	return entries
}

// parseMcount decodes __mcount_loc: an array of absolute virtual
// addresses of CALL __fentry__ sites.
func parseMcount(data []byte, textBase uint64, textLen int) []patch.MCountEntry {
	var entries []patch.MCountEntry
	for off := 0; off+8 <= len(data); off += 8 {
		addr := le64(data[off:])
		if addr < textBase || addr+5 > textBase+uint64(textLen) {
			continue
		}
		entries = append(entries, patch.MCountEntry{Offset: int(addr - textBase)})
	}
	return entries
}

// parseJumpTable decodes __jump_table: struct jump_entry {code u64,
// target u64, key u64}. Entries whose code address falls outside the
// reconstructed text (in .init.text) are skipped.
func parseJumpTable(data []byte, textBase uint64, textLen int) []patch.JumpEntry {
	var entries []patch.JumpEntry
	for off := 0; off+24 <= len(data); off += 24 {
		code := le64(data[off:])
		target := le64(data[off+8:])
		key := le64(data[off+16:])
		if code < textBase || code+5 > textBase+uint64(textLen) {
			continue
		}
		entries = append(entries, patch.JumpEntry{Code: code, Target: target, Key: key})
	}
	return entries
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
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
