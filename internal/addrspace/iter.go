// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package addrspace

// Iter walks a Map's ranges in address order.
type Iter struct {
	n *avlNode
}

func (i *Iter) Valid() bool {
	return i.n != nil
}

func (i *Iter) Range() Range {
	if i.n == nil {
		panic("addrspace: iterator not valid")
	}
	return i.n.rng()
}

func (i *Iter) Owner() interface{} {
	if i.n == nil {
		panic("addrspace: iterator not valid")
	}
	return i.n.owner
}

func (i *Iter) Next() {
	if i.n == nil {
		panic("addrspace: iterator out of bounds")
	}
	i.n = i.n.Next()
}
