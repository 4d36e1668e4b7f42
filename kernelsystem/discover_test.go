package kernelsystem

import (
	"context"
	"encoding/binary"
	"testing"

	"kernint.dev/kernint/typeinfo"
	"kernint.dev/kernint/vmi"
)

// fakeModuleType is a minimal typeinfo.Type for "struct module" and
// "struct list_head": both just need a stable size and a "list"/"next"
// member offset for the walk.
type fakeModuleType struct{}

func (fakeModuleType) Name() string { return "module" }
func (fakeModuleType) Size() uint64 { return moduleRecordSize }
func (fakeModuleType) Member(name string) (uint64, typeinfo.Type, bool) {
	switch name {
	case "list":
		return listOffset, nil, true
	}
	return 0, nil, false
}

// Synthetic "struct module" layout used by these tests:
//
//	offset 0:  list_head list {next, prev}  (16 bytes)
//	offset 16: char name[56]
const (
	listOffset       = 0
	nameOffset       = 16
	moduleRecordSize = 16 + 56
)

type fakeInstance struct {
	addr uint64
	mem  *fakeMem
}

func (i fakeInstance) Type() typeinfo.Type { return fakeModuleType{} }
func (i fakeInstance) Address() uint64     { return i.addr }

func (i fakeInstance) Member(ctx context.Context, name string, deref bool) (typeinfo.Instance, error) {
	switch name {
	case "list":
		return fakeInstance{addr: i.addr + listOffset, mem: i.mem}, nil
	case "next":
		// "next" lives at the instance's own address (this instance IS
		// the list_head), pointing at the next list_head in the chain.
		raw := i.mem.read(i.addr, 8)
		target := binary.LittleEndian.Uint64(raw)
		if deref {
			return fakeInstance{addr: target, mem: i.mem}, nil
		}
		return fakeInstance{addr: i.addr, mem: i.mem}, nil
	case "name":
		return fakeInstance{addr: i.addr - listOffset + nameOffset, mem: i.mem}, nil
	}
	return nil, errNotFound(name)
}

func (i fakeInstance) ArrayElem(ctx context.Context, idx int) (typeinfo.Instance, error) {
	return nil, errNotFound("array")
}

type notFoundErr string

func (e notFoundErr) Error() string { return string(e) }
func errNotFound(name string) error { return notFoundErr("no member " + name) }

type fakeMem struct {
	buf  []byte
	base uint64
}

func (m *fakeMem) read(addr uint64, n int) []byte {
	off := addr - m.base
	return m.buf[off : off+uint64(n)]
}

type fakeOracle struct {
	modulesHead uint64
	mem         *fakeMem
}

func (o *fakeOracle) Variable(ctx context.Context, name string) (typeinfo.Instance, error) {
	if name == "modules" {
		return fakeInstance{addr: o.modulesHead, mem: o.mem}, nil
	}
	return nil, errNotFound(name)
}

func (o *fakeOracle) BaseType(ctx context.Context, name string) (typeinfo.Type, error) {
	if name == "module" {
		return fakeModuleType{}, nil
	}
	return nil, errNotFound(name)
}

func (o *fakeOracle) InstanceAt(ctx context.Context, addr uint64, t typeinfo.Type) (typeinfo.Instance, error) {
	return fakeInstance{addr: addr, mem: o.mem}, nil
}

type fakeMemory struct {
	mem *fakeMem
}

func (m *fakeMemory) Read(ctx context.Context, va uint64, length int, pid int) ([]byte, error) {
	return m.mem.read(va, length), nil
}

func (m *fakeMemory) Pages(ctx context.Context, pid int) (vmi.PageIter, error) {
	return nil, nil
}

// buildModuleList lays out a synthetic "modules" circular list with
// one sentinel head (at headAddr) and len(names) module records
// immediately following it, returning the full backing buffer.
func buildModuleList(headAddr uint64, names []string) ([]byte, uint64) {
	recordAt := func(i int) uint64 { return headAddr + moduleRecordSize*uint64(i+1) }

	size := moduleRecordSize * uint64(len(names)+1)
	buf := make([]byte, size)
	put64 := func(addr uint64, v uint64) {
		off := addr - headAddr
		binary.LittleEndian.PutUint64(buf[off:], v)
	}

	// head.next -> first record (or itself if empty)
	first := headAddr
	if len(names) > 0 {
		first = recordAt(0)
	}
	put64(headAddr, first)

	for i, name := range names {
		next := headAddr
		if i+1 < len(names) {
			next = recordAt(i + 1)
		}
		put64(recordAt(i), next)
		copy(buf[recordAt(i)-headAddr+nameOffset:], name)
	}
	return buf, headAddr
}

func TestDiscoverModuleNames(t *testing.T) {
	const head = 0x1000
	buf, base := buildModuleList(head, []string{"nf_conntrack", "usb_storage"})
	mem := &fakeMem{buf: buf, base: base}
	oracle := &fakeOracle{modulesHead: head, mem: mem}

	names, err := DiscoverModuleNames(context.Background(), oracle, &fakeMemory{mem: mem})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"nf_conntrack", "usb_storage"}
	if len(names) != len(want) {
		t.Fatalf("got %d names, want %d: %v", len(names), len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("name %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestDiscoverModuleNamesEmpty(t *testing.T) {
	const head = 0x2000
	buf, base := buildModuleList(head, nil)
	mem := &fakeMem{buf: buf, base: base}
	oracle := &fakeOracle{modulesHead: head, mem: mem}

	names, err := DiscoverModuleNames(context.Background(), oracle, &fakeMemory{mem: mem})
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("got %v, want empty", names)
	}
}

func TestCanonicalModuleName(t *testing.T) {
	cases := map[string]string{
		"nf-conntrack": "nf_conntrack",
		"nf_conntrack": "nf_conntrack",
		"usb-storage":  "usb_storage",
	}
	for in, want := range cases {
		if got := canonicalModuleName(in); got != want {
			t.Errorf("canonicalModuleName(%q) = %q, want %q", in, got, want)
		}
	}
}
