package asm

import (
	"testing"

	"kernint.dev/kernint/arch"
)

func TestDisasmDecodesCallWithTarget(t *testing.T) {
	const pc = 0x1000
	// e8 00 00 00 00: CALL rel32=0 -> targets the instruction's own end.
	seq, err := Disasm(arch.AMD64, []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, pc)
	if err != nil {
		t.Fatal(err)
	}
	if seq.Len() != 1 {
		t.Fatalf("expected one instruction, got %d", seq.Len())
	}
	inst := seq.Get(0)
	if inst.PC() != pc || inst.Len() != 5 {
		t.Fatalf("PC=%#x Len=%d, want PC=%#x Len=5", inst.PC(), inst.Len(), pc)
	}
	ctrl := inst.Control()
	if ctrl.Type != ControlCall {
		t.Fatalf("Control().Type = %v, want ControlCall", ctrl.Type)
	}
	if ctrl.TargetPC != pc+5 {
		t.Errorf("TargetPC = %#x, want %#x", ctrl.TargetPC, pc+5)
	}
}

func TestDisasmDecodesRetWithNoTarget(t *testing.T) {
	seq, err := Disasm(arch.AMD64, []byte{0xc3}, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	ctrl := seq.Get(0).Control()
	if ctrl.Type != ControlRet {
		t.Fatalf("Control().Type = %v, want ControlRet", ctrl.Type)
	}
}

func TestDisasmDecodesSequentialNops(t *testing.T) {
	seq, err := Disasm(arch.AMD64, []byte{0x90, 0x90, 0x90}, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if seq.Len() != 3 {
		t.Fatalf("expected three single-byte NOPs, got %d", seq.Len())
	}
	for i := 0; i < 3; i++ {
		inst := seq.Get(i)
		if inst.PC() != 0x3000+uint64(i) {
			t.Errorf("instruction %d: PC = %#x, want %#x", i, inst.PC(), 0x3000+uint64(i))
		}
		if inst.Control().Type != ControlNone {
			t.Errorf("instruction %d: Control().Type = %v, want ControlNone", i, inst.Control().Type)
		}
	}
}

func TestDisasmUnsupportedArch(t *testing.T) {
	other := &arch.Arch{GoArch: "arm64"}
	if _, err := Disasm(other, []byte{0x90}, 0); err == nil {
		t.Fatal("expected an error for an unsupported architecture")
	}
}
