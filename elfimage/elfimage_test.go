package elfimage

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"kernint.dev/kernint/internal/layout"
	"kernint.dev/kernint/kerr"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.elf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := writeFile(t, []byte("not an elf file at all"))
	_, err := Load(path)
	if !errors.Is(err, kerr.BadMagic) {
		t.Fatalf("Load() err = %v, want kerr.BadMagic", err)
	}
}

func TestLoadRejectsShortFile(t *testing.T) {
	path := writeFile(t, []byte{0x7f})
	_, err := Load(path)
	if !errors.Is(err, kerr.BadMagic) {
		t.Fatalf("Load() err = %v, want kerr.BadMagic", err)
	}
}

// elf32Header builds the smallest valid-looking ELFCLASS32 header so we
// can exercise the 64-bit-only rejection path without a real linker.
func elf32Header() []byte {
	h := make([]byte, 52)
	copy(h, []byte{0x7f, 'E', 'L', 'F'})
	h[4] = 1 // ELFCLASS32
	h[5] = 1 // ELFDATA2LSB
	h[6] = 1 // EV_CURRENT
	return h
}

func TestLoadRejects32Bit(t *testing.T) {
	path := writeFile(t, elf32Header())
	_, err := Load(path)
	if !errors.Is(err, kerr.Unsupported) {
		t.Fatalf("Load() err = %v, want kerr.Unsupported", err)
	}
}

func TestSectionContains(t *testing.T) {
	s := &Section{Addr: 0x1000, Size: 0x100, Flags: elf.SHF_ALLOC}
	cases := []struct {
		addr uint64
		want bool
	}{
		{0x0fff, false},
		{0x1000, true},
		{0x10ff, true},
		{0x1100, false},
	}
	for _, c := range cases {
		if got := s.Contains(c.addr); got != c.want {
			t.Errorf("Contains(%#x) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestSectionAllocExecWritable(t *testing.T) {
	s := &Section{Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR}
	if !s.Alloc() || !s.Exec() || s.Writable() {
		t.Errorf("flags mismatch: Alloc=%v Exec=%v Writable=%v", s.Alloc(), s.Exec(), s.Writable())
	}
}

// TestRawSymIndexesPerTableNotConcatenated exercises the bug a RELA
// section's sh_link is meant to prevent: .symtab and .dynsym each
// start their own raw symbol index space at 1 (index 0 reserved), so
// the same small index must resolve to a different symbol depending
// on which table a relocation's own section names, never a single
// array the two tables were appended into.
func TestRawSymIndexesPerTableNotConcatenated(t *testing.T) {
	const symtabID, dynsymID SectionID = 1, 2
	img := &Image{
		symTabs: map[SectionID][]elf.Symbol{
			symtabID: {{}, {Name: "from_symtab", Value: 0x1000}},
			dynsymID: {{}, {Name: "from_dynsym", Value: 0x2000}},
		},
	}

	got, ok := img.RawSym(symtabID, 1)
	if !ok || got.Name != "from_symtab" || got.Value != 0x1000 {
		t.Fatalf("RawSym(symtab, 1) = %+v, %v, want from_symtab/0x1000", got, ok)
	}

	got, ok = img.RawSym(dynsymID, 1)
	if !ok || got.Name != "from_dynsym" || got.Value != 0x2000 {
		t.Fatalf("RawSym(dynsym, 1) = %+v, %v, want from_dynsym/0x2000", got, ok)
	}

	if _, ok := img.RawSym(symtabID, 2); ok {
		t.Errorf("RawSym(symtab, 2) should be out of range for a 2-entry table")
	}
	if _, ok := img.RawSym(dynsymID, 5); ok {
		t.Errorf("RawSym(dynsym, 5) should be out of range")
	}
	const unknownTable SectionID = 99
	if _, ok := img.RawSym(unknownTable, 1); ok {
		t.Errorf("RawSym against an unknown table id should fail, not silently fall back to another table")
	}
}

func TestLoadRelaSectionRecordsOwningSymTab(t *testing.T) {
	img := &Image{
		sections: []*Section{{ID: 0}},
		symTabs: map[SectionID][]elf.Symbol{
			5: {{}, {Name: "dynsym_only_symbol"}},
		},
	}
	data := make([]byte, 24)
	layout.AMD64.PutUint64(data[0:], 0x10)                                  // r_offset
	layout.AMD64.PutUint64(data[8:], uint64(elf.R_X86_64_GLOB_DAT)|(1<<32)) // r_info: symbol index 1
	layout.AMD64.PutUint64(data[16:], 0)                                    // r_addend

	sec := &elf.Section{SectionHeader: elf.SectionHeader{Link: 5, Info: 0}}
	if err := img.loadRelaSectionFromBytes(sec, data); err != nil {
		t.Fatal(err)
	}
	if len(img.relocs) != 1 {
		t.Fatalf("expected 1 relocation, got %d", len(img.relocs))
	}
	rel := img.relocs[0]
	if rel.SymTab != 5 {
		t.Errorf("Reloc.SymTab = %d, want 5 (the RELA section's sh_link)", rel.SymTab)
	}
	if es, ok := img.RawSym(rel.SymTab, rel.Symbol); !ok || es.Name != "dynsym_only_symbol" {
		t.Errorf("RawSym(rel.SymTab, rel.Symbol) = %+v, %v, want dynsym_only_symbol", es, ok)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindRelocatable:  "relocatable",
		KindSharedObject: "shared-object",
		KindExecutable:   "executable",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
