// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbg

import "testing"

func TestNewIndexesCUsEagerly(t *testing.T) {
	d := open(t, "testdata/inline")

	if _, ok := d.AddrToCU(0x1060); !ok {
		t.Errorf("New did not index the first CU's PC range")
	}
	if _, ok := d.AddrToCU(0x11e0); !ok {
		t.Errorf("New did not index the second CU's PC range")
	}
}

func TestAddrToCUOutsideAnyCU(t *testing.T) {
	d := open(t, "testdata/inline")
	if _, ok := d.AddrToCU(0); ok {
		t.Errorf("address 0 unexpectedly resolved to a CU")
	}
}
