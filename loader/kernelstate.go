package loader

import (
	"context"

	"kernint.dev/kernint/internal/layout"
	"kernint.dev/kernint/kerr"
	"kernint.dev/kernint/patch"
	"kernint.dev/kernint/typeinfo"
	"kernint.dev/kernint/vmi"
)

// ReadCPUCaps reads boot_cpu_data.x86_capability's ten 32-bit words
// out of the guest.
func ReadCPUCaps(ctx context.Context, oracle typeinfo.Oracle, mem vmi.Memory) (patch.CPUCaps, error) {
	var caps patch.CPUCaps

	bcd, err := oracle.Variable(ctx, "boot_cpu_data")
	if err != nil {
		return caps, err
	}
	x86cap, err := bcd.Member(ctx, "x86_capability", false)
	if err != nil {
		return caps, err
	}
	for i := 0; i < len(caps); i++ {
		elem, err := x86cap.ArrayElem(ctx, i)
		if err != nil {
			return caps, err
		}
		v, err := readUint32(ctx, mem, elem.Address())
		if err != nil {
			return caps, err
		}
		caps[i] = v
	}
	return caps, nil
}

// SelectNops resolves which architectural NOP table (p6_nops or
// k8_nops) the guest's ideal_nops currently points at, by comparing
// the raw pointer value to each candidate table's address.
func SelectNops(ctx context.Context, oracle typeinfo.Oracle, mem vmi.Memory) (patch.NopTable, error) {
	ideal, err := oracle.Variable(ctx, "ideal_nops")
	if err != nil {
		return patch.NopTable{}, err
	}
	idealPtr, err := readUint64(ctx, mem, ideal.Address())
	if err != nil {
		return patch.NopTable{}, err
	}

	p6, err := oracle.Variable(ctx, "p6_nops")
	if err != nil {
		return patch.NopTable{}, err
	}
	if idealPtr == p6.Address() {
		return patch.P6Nops, nil
	}

	k8, err := oracle.Variable(ctx, "k8_nops")
	if err != nil {
		return patch.NopTable{}, err
	}
	if idealPtr == k8.Address() {
		return patch.K8Nops, nil
	}

	return patch.NopTable{}, kerr.New(kerr.NotFound, "", "ideal_nops %#x matches neither p6_nops nor k8_nops", idealPtr)
}

func readUint32(ctx context.Context, mem vmi.Memory, addr uint64) (uint32, error) {
	raw, err := mem.Read(ctx, addr, 4, 0)
	if err != nil {
		return 0, err
	}
	return layout.AMD64.Uint32(raw), nil
}

func readUint64(ctx context.Context, mem vmi.Memory, addr uint64) (uint64, error) {
	raw, err := mem.Read(ctx, addr, 8, 0)
	if err != nil {
		return 0, err
	}
	return layout.AMD64.Uint64(raw), nil
}

// pvTableNames is the fixed order a paravirt type index walks the
// operation tables in: the index is reduced modulo each table's size
// in turn until it lands inside one.
var pvTableNames = []string{
	"pv_init_ops", "pv_time_ops", "pv_cpu_ops",
	"pv_irq_ops", "pv_apic_ops", "pv_mmu_ops", "pv_lock_ops",
}

// pvSlotNames lists, per table, the member names this repository
// knows a canonical template or jmp-slot classification for; resolving a byte offset back to one
// of these names only needs Type.Member on this short candidate list,
// not a full reverse field index.
var pvSlotNames = map[string][]string{
	"pv_irq_ops": {"save_fl", "restore_fl", "irq_disable", "irq_enable"},
	"pv_cpu_ops": {"iret", "irq_enable_sysexit", "usergs_sysret32", "usergs_sysret64", "swapgs", "clts", "wbinvd"},
	"pv_mmu_ops": {"read_cr2", "read_cr3", "write_cr3", "flush_tlb_single"},
}

type pvTable struct {
	name string
	base typeinfo.Instance
	typ  typeinfo.Type
}

// OraclePVResolver implements patch.PVResolver by walking the guest's
// pv_*_ops tables through the type oracle.
type OraclePVResolver struct {
	Memory vmi.Memory
	tables []pvTable
}

// NewPVResolver resolves the base address and type of every pv_*_ops
// table once, up front, so Resolve itself only ever needs one guest
// memory read per call.
func NewPVResolver(ctx context.Context, oracle typeinfo.Oracle, mem vmi.Memory) (*OraclePVResolver, error) {
	r := &OraclePVResolver{Memory: mem}
	for _, name := range pvTableNames {
		inst, err := oracle.Variable(ctx, name)
		if err != nil {
			return nil, err
		}
		r.tables = append(r.tables, pvTable{name: name, base: inst, typ: inst.Type()})
	}
	return r, nil
}

// Resolve implements patch.PVResolver.
func (r *OraclePVResolver) Resolve(ctx context.Context, typeIndex uint32) (patch.PVTarget, error) {
	byteOff := uint64(typeIndex)
	for _, t := range r.tables {
		size := t.typ.Size()
		if byteOff < size {
			addr, err := readUint64(ctx, r.Memory, t.base.Address()+byteOff)
			if err != nil {
				return patch.PVTarget{}, err
			}
			table, slot := slotNameAt(t, byteOff)
			return patch.PVTarget{Addr: addr, Table: table, Slot: slot}, nil
		}
		byteOff -= size
	}
	// Past every known table: unreachable for a well-formed guest, but
	// guest data never panics this repository, so return an unnamed
	// zero target (treated as "no function installed" by patch.Engine).
	return patch.PVTarget{}, nil
}

func slotNameAt(t pvTable, off uint64) (table, slot string) {
	for _, name := range pvSlotNames[t.name] {
		if fieldOff, _, ok := t.typ.Member(name); ok && fieldOff == off {
			return t.name, name
		}
	}
	return "", ""
}

// OracleKeyReader implements patch.KeyReader by resolving
// static_key.enabled.counter's byte offset once via the type oracle,
// then reading it directly out of guest memory for every query.
type OracleKeyReader struct {
	Memory        vmi.Memory
	counterOffset uint64
}

// NewKeyReader resolves the static_key struct layout once.
func NewKeyReader(ctx context.Context, oracle typeinfo.Oracle, mem vmi.Memory) (*OracleKeyReader, error) {
	t, err := oracle.BaseType(ctx, "static_key")
	if err != nil {
		return nil, err
	}
	enabledOff, enabledType, ok := t.Member("enabled")
	if !ok {
		return nil, kerr.New(kerr.NotFound, "", "static_key has no member \"enabled\"")
	}
	counterOff, _, ok := enabledType.Member("counter")
	if !ok {
		return nil, kerr.New(kerr.NotFound, "", "static_key.enabled has no member \"counter\"")
	}
	return &OracleKeyReader{Memory: mem, counterOffset: enabledOff + counterOff}, nil
}

// Enabled implements patch.KeyReader. enabled.counter is an atomic_t,
// a 32-bit int.
func (k *OracleKeyReader) Enabled(ctx context.Context, keyAddr uint64) (bool, error) {
	raw, err := k.Memory.Read(ctx, keyAddr+k.counterOffset, 4, 0)
	if err != nil {
		return false, err
	}
	return layout.AMD64.Int32(raw) != 0, nil
}
