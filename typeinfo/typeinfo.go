// Package typeinfo defines the type oracle this repository consumes
// : resolving named kernel/userspace variables and struct
// layouts against whatever debug-info backend the caller wires in (a
// DWARF reader, a BTF reader, a precomputed offset table). The
// reconstructed-image side of this repository (patch's pv_*_ops
// lookups, the comparator's task-struct walk) only ever calls through
// this interface, never a concrete debug-info format.
package typeinfo

import "context"

// Type describes a struct/union/base-type descriptor resolved by
// name.
type Type interface {
	Name() string
	Size() uint64

	// Member returns the byte offset and type of a named field, or
	// !ok if the type has no such field.
	Member(name string) (offset uint64, memberType Type, ok bool)
}

// Instance is a typed value at a known guest address, returned by
// Oracle.Variable and produced by structured navigation.
type Instance interface {
	Type() Type
	Address() uint64

	// Member navigates to a named field. If deref is true, the field
	// value itself is a pointer and the returned Instance describes
	// the pointee rather than the pointer.
	Member(ctx context.Context, name string, deref bool) (Instance, error)

	// ArrayElem navigates to element i of an array-typed Instance.
	ArrayElem(ctx context.Context, i int) (Instance, error)
}

// Scalar constrains Value to the fixed integer widths a guest field
// can decode to; callers pick the right width for the field they
// resolved.
type Scalar interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

// Oracle is the type oracle.
type Oracle interface {
	Variable(ctx context.Context, name string) (Instance, error)
	BaseType(ctx context.Context, name string) (Type, error)

	// InstanceAt resolves a typed value at a known guest address, used
	// when a patch site names a type (jump_entry, static_key) and an
	// address computed from guest data rather than a named variable.
	InstanceAt(ctx context.Context, addr uint64, t Type) (Instance, error)
}

// Value reads a Scalar out of inst's raw bytes via src, honoring
// inst.Type().Size() as the field width. The oracle implementation is
// responsible for interpreting bit-fields and sign-extension; Value
// only does the final fixed-width decode.
func Value[T Scalar](ctx context.Context, src interface {
	Raw(context.Context, Instance) ([]byte, error)
}, inst Instance) (T, error) {
	raw, err := src.Raw(ctx, inst)
	if err != nil {
		var zero T
		return zero, err
	}
	var v T
	n := int(inst.Type().Size())
	if n > len(raw) {
		n = len(raw)
	}
	const byteWidth = 8
	shift := uint(byteWidth)
	for i := n - 1; i >= 0; i-- {
		v = v<<shift | T(raw[i])
	}
	return v, nil
}
