// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package addrspace

import (
	"math/rand"
	"testing"
)

func TestMapRandom(t *testing.T) {
	var m Map
	const max = 16
	want := make([]int, max)
	for i := 0; i < 1000; i++ {
		low := rand.Intn(max)
		high := low + rand.Intn(max-low)
		val := 1 + rand.Intn(10)
		t.Logf("insert %v@%v", val, Range{uint64(low), uint64(high)})
		m.Insert(Range{uint64(low), uint64(high)}, val)

		for i := low; i < high; i++ {
			want[i] = val
		}
		t.Log(want)

		i := 0
		for i < len(want) {
			j := i
			for j < len(want) && want[j] == want[i] {
				j++
			}

			wantVal := want[i]
			wantRange := Range{uint64(i), uint64(j)}
			for k := i; k < j; k++ {
				rng, owner := m.Find(uint64(k))
				if want[i] == 0 {
					if owner != nil || rng != (Range{}) {
						t.Errorf("at %#x, want none, got %v@%v", k, owner, rng)
					}
				} else {
					if owner != wantVal || rng != wantRange {
						t.Errorf("at %#x, want %v@%v, got %v@%v", k, wantVal, wantRange, owner, rng)
					}
				}
			}

			i = j
		}
	}
}

func TestMapFindEmpty(t *testing.T) {
	var m Map
	if rng, owner := m.Find(42); owner != nil || rng != (Range{}) {
		t.Errorf("empty map: want none, got %v@%v", owner, rng)
	}
}

func TestMapIter(t *testing.T) {
	var m Map
	m.Insert(Range{0, 10}, "a")
	m.Insert(Range{20, 30}, "b")
	m.Insert(Range{10, 20}, "c")

	it := m.Iter(0)
	var got []Range
	for it.Valid() {
		got = append(got, it.Range())
		it.Next()
	}
	want := []Range{{0, 10}, {10, 20}, {20, 30}}
	if len(got) != len(want) {
		t.Fatalf("got %v ranges, want %v: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d: got %v, want %v", i, got[i], want[i])
		}
	}
}
