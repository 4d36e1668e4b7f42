// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package layout provides little-endian, word-size-aware byte decoding
// shared by elfimage, reloc and patch. Everything this repository
// reconstructs (kernel image, module image, process image) is x86-64,
// so there are no byte-order or word-size variants to carry; Layout
// survives as a type because callers still want named accessors
// rather than raw encoding/binary calls scattered through the patch
// and relocation code.
package layout

import "encoding/binary"

// AMD64 is the fixed little-endian, 8-byte-word layout of every image
// this repository reconstructs or compares.
var AMD64 = Layout{wordSize: 8}

// Layout describes how multi-byte values are packed in a byte slice.
type Layout struct {
	wordSize uint8
}

// WordSize returns the machine word size in bytes.
func (l Layout) WordSize() int {
	return int(l.wordSize)
}

func (l Layout) Uint16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

func (l Layout) Int16(b []byte) int16 {
	return int16(l.Uint16(b))
}

func (l Layout) Uint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func (l Layout) Int32(b []byte) int32 {
	return int32(l.Uint32(b))
}

func (l Layout) Uint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func (l Layout) Int64(b []byte) int64 {
	return int64(l.Uint64(b))
}

// PutUint64 encodes v into b, which must be at least 8 bytes.
func (l Layout) PutUint64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// PutUint32 encodes v into b, which must be at least 4 bytes.
func (l Layout) PutUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}

// Word reads a machine word (8 bytes on amd64) from b.
func (l Layout) Word(b []byte) uint64 {
	switch l.wordSize {
	case 8:
		return l.Uint64(b)
	case 4:
		return uint64(l.Uint32(b))
	case 2:
		return uint64(l.Uint16(b))
	}
	return uint64(b[0])
}

// PutWord writes a machine word into b.
func (l Layout) PutWord(b []byte, v uint64) {
	switch l.wordSize {
	case 8:
		l.PutUint64(b, v)
	case 4:
		l.PutUint32(b, uint32(v))
	default:
		b[0] = byte(v)
	}
}
