// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asm decodes x86-64 machine code into a sequence of
// instructions with their control-flow effects classified, for the
// comparator's stack-pointer hygiene check.
package asm

import (
	"fmt"

	"kernint.dev/kernint/arch"
)

// Disasm disassembles machine code for the given architecture. pc is
// the program counter at which text begins. Every caller in this
// repository passes arch.AMD64 — the system never reconstructs a
// 32-bit image — so this is a single-target dispatch rather than a
// multi-architecture table.
func Disasm(arch *arch.Arch, text []byte, pc uint64) (Seq, error) {
	if arch.GoArch != "amd64" {
		return nil, fmt.Errorf("unsupported assembly architecture: %s", arch)
	}
	return disasmX86(text, pc, 64), nil
}

// Seq is a sequence of instructions.
type Seq interface {
	Len() int
	Get(i int) Inst
}

// Inst is a single machine instruction.
type Inst interface {
	// PC returns the address of this instruction.
	PC() uint64

	// Len returns the length of this instruction in bytes.
	Len() int

	// Control returns the control-flow effects of this
	// instruction.
	Control() Control
}

// Control captures control-flow effects of an instruction.
// TargetPC is the statically-known target of a call or jump, or 0
// when the operand is a register or memory location the decoder
// cannot resolve.
type Control struct {
	Type        ControlType
	Conditional bool
	TargetPC    uint64
}

type ControlType uint8

const (
	ControlNone ControlType = iota
	ControlJump
	ControlCall
	ControlRet

	// ControlExit is like a call that never returns.
	ControlExit
)
