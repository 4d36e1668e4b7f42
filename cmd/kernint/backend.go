package main

import (
	"fmt"

	"kernint.dev/kernint/typeinfo"
	"kernint.dev/kernint/vmi"
)

// Backend bundles the guest-memory, VMA and type oracles one
// introspection connection serves. This repository never implements a
// real KVM/Xen/file-dump connection itself; Backend is the seam where
// a caller's own VMI library plugs in.
type Backend interface {
	Memory() vmi.Memory
	VMAs() vmi.VMAEnumerator
	TypeOracle() typeinfo.Oracle
	Close() error
}

// OpenBackend selects among the three transports the -k/-x/-f flags
// name (KVM, Xen, file dump). None is linked into this build: standing
// up a live KVM/Xen connection or a file-dump reader needs a real VMI
// library this module doesn't carry, so every kind — including the
// unset default — reports an actionable error instead of silently
// guessing a transport.
func OpenBackend(kind, source string) (Backend, error) {
	switch kind {
	case "kvm", "xen", "file", "":
		return nil, fmt.Errorf(
			"kernint: backend %q for source %q is not linked into this build: "+
				"wire a concrete vmi.Source/typeinfo.Oracle pair into "+
				"OpenBackend for your environment", kind, source)
	default:
		return nil, fmt.Errorf("kernint: unknown backend %q", kind)
	}
}
