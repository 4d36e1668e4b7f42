// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package addrspace

import "fmt"

// Range is a half-open virtual-address interval [Low, High). Loaders
// publish the Range they occupy; the comparator and the concurrent
// module loader both query by address to find the owner.
type Range struct {
	Low, High uint64
}

func (r Range) String() string {
	if r.Empty() {
		return "empty range"
	}
	return fmt.Sprintf("[%#x,%#x)", r.Low, r.High)
}

func (r Range) Empty() bool {
	return r.High <= r.Low
}

func (r Range) Contains(addr uint64) bool {
	return r.Low <= addr && addr < r.High
}

func (r Range) Len() uint64 {
	if r.Empty() {
		return 0
	}
	return r.High - r.Low
}

// Subtract removes o from r and returns what remains of r below o and
// above o. Either or both may be empty.
func (r Range) Subtract(o Range) (below Range, above Range) {
	if r.Low < o.Low {
		below = Range{r.Low, o.Low}
	}
	if o.High < r.High {
		above = Range{o.High, r.High}
	}
	return
}
