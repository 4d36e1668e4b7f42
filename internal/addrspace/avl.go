// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package addrspace indexes non-overlapping virtual-address ranges so a
// loader or the comparator can answer "what owns this address" in
// O(log n). The tree itself is a generic ordered-interval structure;
// the only domain-specific part is what callers choose to store as a
// range's value (a *Loader, a VMA descriptor, a symbol, ...).
package addrspace

// avlTree is a completely generic AVL tree keyed by uint64. It backs
// Map's interval index; nodes additionally carry the interval's high
// bound and an owner value (see map.go).
type avlTree struct {
	root *avlNode
}

func (t *avlTree) Insert(key uint64) *avlNode {
	var p *avlNode
	np, n := &t.root, t.root
	for n != nil {
		p = n
		if key < n.key {
			np, n = &n.left, n.left
		} else if key > n.key {
			np, n = &n.right, n.right
		} else {
			return n
		}
	}

	n = &avlNode{key: key, parent: p, heightCache: 1}
	*np = n
	t.rebalance(p)
	return n
}

func (t *avlTree) Delete(node *avlNode) {
	nodeP := t.nodeP(node)

	if node.left != nil && node.right != nil {
		// Two children: move node to where it has at most one child by
		// swapping it with its in-order successor.
		succP, succ := &node.right, node.right
		for succ.left != nil {
			succP, succ = &succ.left, succ.left
		}

		// Relink node and succ in place rather than swapping their
		// payloads, so outstanding iterators stay valid.
		parent, nl, nr, sp, sr := node.parent, node.left, node.right, succ.parent, succ.right
		*nodeP = succ
		if succ == node.right {
			succ.right = node
			nodeP = &succ.right
		} else {
			succ.right, node.parent, *succP = nr, sp, node
			nodeP = succP
		}
		node.left, node.right, succ.left, succ.parent = nil, sr, nl, parent
		node.heightCache, succ.heightCache = succ.heightCache, node.heightCache
		if succ.left != nil {
			succ.left.parent = succ
		}
		if succ.right != nil {
			succ.right.parent = succ
		}
		if node.right != nil {
			node.right.parent = node
		}
	}
	// node now has at most one child; unlink it.
	if node.left == nil {
		*nodeP = node.right
		if node.right != nil {
			node.right.parent = node.parent
		}
	} else if node.right == nil {
		*nodeP = node.left
		node.left.parent = node.parent
	}

	t.rebalance(node)
}

// Search returns the first node in sort order for which pred returns
// true, or nil if pred is false for every node.
func (t *avlTree) Search(pred func(n *avlNode) bool) *avlNode {
	var best *avlNode
	n := t.root
	for n != nil {
		if pred(n) {
			best = n
			n = n.left
		} else {
			n = n.right
		}
	}
	return best
}

func (n *avlNode) Next() *avlNode {
	if n.right == nil {
		for n.parent != nil && n.parent.right == n {
			n = n.parent
		}
		return n.parent
	}
	n = n.right
	for n.left != nil {
		n = n.left
	}
	return n
}

func (n *avlNode) Prev() *avlNode {
	if n.left == nil {
		for n.parent != nil && n.parent.left == n {
			n = n.parent
		}
		return n.parent
	}
	n = n.left
	for n.right != nil {
		n = n.right
	}
	return n
}

// rebalance fixes out-of-balance nodes on the path from node to the root.
func (t *avlTree) rebalance(node *avlNode) {
	for ; node != nil; node = node.parent {
		node.updateHeight()
		b := node.balance()
		if b > 1 {
			if node.left.balance() < 0 {
				rotateLeft(&node.left)
			}
			rotateRight(t.nodeP(node))
		} else if b < -1 {
			if node.right.balance() > 0 {
				rotateRight(&node.right)
			}
			rotateLeft(t.nodeP(node))
		}
	}
}

// nodeP returns the pointer to n held by n's parent (or the tree root).
func (t *avlTree) nodeP(n *avlNode) **avlNode {
	if n.parent == nil {
		return &t.root
	} else if n.parent.left == n {
		return &n.parent.left
	}
	return &n.parent.right
}

func (n *avlNode) height() int {
	if n == nil {
		return 0
	}
	return n.heightCache
}

func (n *avlNode) updateHeight() {
	l, r := n.left.height(), n.right.height()
	if l > r {
		n.heightCache = l + 1
	} else {
		n.heightCache = r + 1
	}
}

func (n *avlNode) balance() int {
	return n.left.height() - n.right.height()
}

func rotateLeft(np **avlNode) {
	n := *np
	nr, nrl := n.right, n.right.left
	n.parent, n.right, nr.parent, nr.left = nr, nrl, n.parent, n
	if nrl != nil {
		nrl.parent = n
	}
	n.updateHeight()
	nr.updateHeight()
	*np = nr
}

func rotateRight(np **avlNode) {
	n := *np
	nl, nlr := n.left, n.left.right
	n.parent, n.left, nl.parent, nl.right = nl, nlr, n.parent, n
	if nlr != nil {
		nlr.parent = n
	}
	n.updateHeight()
	nl.updateHeight()
	*np = nl
}
