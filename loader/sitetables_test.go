package loader

import (
	"encoding/binary"
	"testing"
)

func put32(b []byte, off int, v uint32)    { binary.LittleEndian.PutUint32(b[off:], v) }
func put64(b []byte, off int, v uint64)    { binary.LittleEndian.PutUint64(b[off:], v) }
func put32disp(b []byte, off int, v int32) { put32(b, off, uint32(v)) }

func TestParseSMPLocksResolvesSelfRelativeDisplacement(t *testing.T) {
	// One int32 slot at section address 0x2000, displacing back into
	// the text window at 0x1008.
	data := make([]byte, 4)
	put32disp(data, 0, 0x1008-0x2000)

	entries := parseSMPLocks(data, 0x2000, 0x1000, 0x100)
	if len(entries) != 1 || entries[0].Offset != 0x8 {
		t.Fatalf("parseSMPLocks = %+v, want one entry at offset 0x8", entries)
	}
}

func TestParseSMPLocksSkipsOutOfWindowSites(t *testing.T) {
	data := make([]byte, 8)
	put32disp(data, 0, 0x900-0x2000)  // below textBase
	put32disp(data, 4, 0x5000-0x2004) // past textBase+textLen

	if entries := parseSMPLocks(data, 0x2000, 0x1000, 0x100); len(entries) != 0 {
		t.Fatalf("expected out-of-window sites skipped, got %+v", entries)
	}
}

func TestParseMcountAndJumpTable(t *testing.T) {
	mdata := make([]byte, 16)
	put64(mdata, 0, 0x1010)
	put64(mdata, 8, 0x20000) // .init.text, outside the window
	mcount := parseMcount(mdata, 0x1000, 0x100)
	if len(mcount) != 1 || mcount[0].Offset != 0x10 {
		t.Fatalf("parseMcount = %+v, want one entry at 0x10", mcount)
	}

	jdata := make([]byte, 48)
	put64(jdata, 0, 0x1020)  // code
	put64(jdata, 8, 0x1080)  // target
	put64(jdata, 16, 0x9000) // key
	put64(jdata, 24, 0x20000)
	put64(jdata, 32, 0x20040)
	put64(jdata, 40, 0x9008)
	jump := parseJumpTable(jdata, 0x1000, 0x100)
	if len(jump) != 1 {
		t.Fatalf("parseJumpTable = %+v, want the .init entry skipped", jump)
	}
	if jump[0].Code != 0x1020 || jump[0].Target != 0x1080 || jump[0].Key != 0x9000 {
		t.Fatalf("parseJumpTable entry = %+v", jump[0])
	}
}

func TestParseAltEntriesFieldRelativeOffsets(t *testing.T) {
	// alt_instr's instr/repl offsets are relative to their own field's
	// address. Section at 0x3000; site lands at 0x1004; replacement at
	// 0x2002 inside a replacement blob based at 0x2000.
	data := make([]byte, 12)
	put32disp(data, 0, 0x1004-0x3000)           // instr_offset (field at 0x3000)
	put32disp(data, 4, 0x2002-0x3004)           // repl_offset (field at 0x3004)
	binary.LittleEndian.PutUint16(data[8:], 42) // cpuid
	data[10] = 6                                // instrlen
	data[11] = 4                                // replacementlen

	repl := []byte{0xaa, 0xbb, 0x90, 0x90, 0x90, 0x90}
	entries := parseAltEntries(data, 0x3000, repl, 0x2000, 0x1000, 0x100)
	if len(entries) != 1 {
		t.Fatalf("parseAltEntries = %+v, want one entry", entries)
	}
	e := entries[0]
	if e.SiteOffset != 4 || e.SiteVAddr != 0x1004 || e.ReplVAddr != 0x2002 {
		t.Errorf("entry placement = %+v", e)
	}
	if e.CPUFeature != 42 || e.OrigLen != 6 || e.ReplLen != 4 {
		t.Errorf("entry fields = %+v", e)
	}
	if len(e.Repl) != 4 || e.Repl[0] != 0x90 {
		t.Errorf("replacement slice = %x, want the 4 bytes at 0x2002", e.Repl)
	}
}

func TestParseParaSitesSkipsInitEntries(t *testing.T) {
	data := make([]byte, 32)
	put64(data, 0, 0x1008) // instr
	data[8] = 2            // type
	data[9] = 7            // len
	put64(data, 16, 0x20000)
	data[24] = 1
	data[25] = 5

	sites := parseParaSites(data, 0x1000, 0x100)
	if len(sites) != 1 {
		t.Fatalf("parseParaSites = %+v, want the .init entry skipped", sites)
	}
	if sites[0].SiteOffset != 8 || sites[0].TypeIndex != 16 || sites[0].Len != 7 {
		t.Errorf("site = %+v", sites[0])
	}
}
