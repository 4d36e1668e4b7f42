package kerr

import (
	"errors"
	"testing"
)

func TestErrorIs(t *testing.T) {
	err := New(NotFound, "vmlinux", "section %s missing", ".altinstructions")
	if !errors.Is(err, NotFound) {
		t.Errorf("errors.Is(err, NotFound) = false, want true")
	}
	if errors.Is(err, BadMagic) {
		t.Errorf("errors.Is(err, BadMagic) = true, want false")
	}
}

func TestErrorWrap(t *testing.T) {
	cause := errors.New("short read")
	err := Wrap(Unsupported, "module.ko", cause)
	if !errors.Is(err, Unsupported) {
		t.Errorf("errors.Is(err, Unsupported) = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	if got, want := err.Error(), "module.ko: unsupported: short read"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestRecover(t *testing.T) {
	run := func() (err error) {
		defer Recover(&err)
		Internal("symbol table corrupted at offset %#x", 0x1000)
		return nil
	}
	err := run()
	if err == nil {
		t.Fatal("expected an error from Recover, got nil")
	}
	if got, want := err.Error(), "internal error: symbol table corrupted at offset 0x1000"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestRecoverRepanicsOtherPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Recover to repanic a non-internal panic")
		}
	}()
	run := func() (err error) {
		defer Recover(&err)
		panic("unrelated panic")
	}
	run()
}
