// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package addrspace

// Map indexes a set of disjoint address ranges, each carrying an owner
// value. Inserting a range that overlaps existing ranges splits or
// replaces them so the index always holds disjoint ranges, matching
// the occupancy a loader or VMA table actually has: once one owner
// claims a page, a later claim on the same address supersedes it
// rather than stacking.
//
// The zero value is an empty map.
type Map struct {
	tree avlTree
}

type avlNode struct {
	key         uint64 // range low
	left, right *avlNode
	parent      *avlNode
	heightCache int

	high  uint64
	owner interface{}
}

func (n *avlNode) rng() Range {
	return Range{n.key, n.high}
}

// Insert claims rng for owner, splitting or deleting any existing
// ranges it overlaps.
func (m *Map) Insert(rng Range, owner interface{}) {
	if rng.Empty() {
		return
	}
	low, high := rng.Low, rng.High

	// Find the node that overlaps or abuts the new range on the low
	// side; if it abuts with the same owner we'll extend it instead of
	// inserting a new node.
	n := m.tree.Search(func(n *avlNode) bool {
		return low <= n.high
	})
	pred := n

	for n != nil && n.key < high {
		nNext := n.Next()

		below, above := n.rng().Subtract(Range{low, high})
		belowOK := !below.Empty()
		aboveOK := !above.Empty()
		switch {
		case belowOK && !aboveOK:
			// n overlaps the new range's low end; shrink n down to below.
			n.high = below.High
		case !belowOK && aboveOK:
			// n overlaps the new range's high end; shrink n up to above.
			// Nothing past n can overlap the new range, so the loop ends
			// here with n left for the same-owner merge below.
			n.key = above.Low
			continue
		case belowOK && aboveOK:
			// The new range sits in the middle of n; split n in two.
			if n.owner == owner {
				return
			}
			n.high = below.High
			n2 := m.tree.Insert(above.Low)
			n2.high, n2.owner = above.High, n.owner
			n = n2
		default:
			// n is fully covered by the new range; drop it.
			m.tree.Delete(n)
		}

		n = nNext
	}

	// Merge with an abutting neighbor of the same owner where possible;
	// full containment was already handled above.
	if pred != nil && pred.high == low && pred.owner == owner {
		pred.high = high
		if n != nil && n.key == high && n.owner == owner {
			pred.high = n.high
			m.tree.Delete(n)
		}
		return
	}
	if n != nil && n.key == high && n.owner == owner {
		n.key = low
		return
	}

	n = m.tree.Insert(low)
	n.high, n.owner = high, owner
}

// Find returns the owner of addr and the range over which that owner
// is contiguous (which may be narrower than any single Insert call).
// It returns (Range{}, nil) if addr is unclaimed.
func (m *Map) Find(addr uint64) (rng Range, owner interface{}) {
	n := m.tree.Search(func(n *avlNode) bool {
		return addr < n.high
	})
	if n != nil && n.key <= addr {
		return n.rng(), n.owner
	}
	return Range{}, nil
}

// Iter returns an iterator positioned on the range containing addr,
// or the lowest range above addr if none contains it.
func (m *Map) Iter(addr uint64) Iter {
	n := m.tree.Search(func(n *avlNode) bool {
		return addr < n.high
	})
	return Iter{n}
}
