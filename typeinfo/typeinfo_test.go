package typeinfo

import (
	"context"
	"testing"
)

type fakeType struct {
	name string
	size uint64
}

func (t fakeType) Name() string { return t.name }
func (t fakeType) Size() uint64 { return t.size }
func (t fakeType) Member(name string) (uint64, Type, bool) {
	return 0, nil, false
}

type fakeInstance struct {
	typ  fakeType
	addr uint64
}

func (i fakeInstance) Type() Type      { return i.typ }
func (i fakeInstance) Address() uint64 { return i.addr }
func (i fakeInstance) Member(ctx context.Context, name string, deref bool) (Instance, error) {
	return nil, nil
}
func (i fakeInstance) ArrayElem(ctx context.Context, idx int) (Instance, error) {
	return nil, nil
}

type fakeRawSource struct {
	bytes []byte
}

func (s fakeRawSource) Raw(ctx context.Context, inst Instance) ([]byte, error) {
	return s.bytes, nil
}

func TestValueDecodesLittleEndian(t *testing.T) {
	inst := fakeInstance{typ: fakeType{name: "u32", size: 4}, addr: 0x1000}
	src := fakeRawSource{bytes: []byte{0x01, 0x02, 0x03, 0x04}}

	got, err := Value[uint32](context.Background(), src, inst)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint32(0x04030201); got != want {
		t.Errorf("Value = %#x, want %#x", got, want)
	}
}

func TestValueNarrowerThanRaw(t *testing.T) {
	inst := fakeInstance{typ: fakeType{name: "u8", size: 1}, addr: 0x1000}
	src := fakeRawSource{bytes: []byte{0xff, 0xee}}

	got, err := Value[uint8](context.Background(), src, inst)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xff {
		t.Errorf("Value = %#x, want 0xff", got)
	}
}
