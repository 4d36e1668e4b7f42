package compare

import (
	"context"
	"fmt"
	"sort"

	"kernint.dev/kernint/asm"
	"kernint.dev/kernint/dbg"
	"kernint.dev/kernint/loader"
)

const stackSize = 0x2000

// legalTransitions is the fixed set of call-stack transitions the
// stack scanner accepts even when the two return addresses don't
// belong to the same function.
var legalTransitions = map[[2]string]bool{
	{"__schedule", "kthread"}:    true,
	{"kthread", "do_exit"}:       true,
	{"do_exit", "ret_from_fork"}: true,
}

// callIndex caches one function's disassembly, indexed by the address
// immediately after each instruction, so repeated return-address
// checks against the same function don't re-disassemble it.
type callIndex struct {
	byEnd map[uint64]asm.Inst
}

func newCallIndex(seq asm.Seq) *callIndex {
	idx := &callIndex{byEnd: make(map[uint64]asm.Inst, seq.Len())}
	for i := 0; i < seq.Len(); i++ {
		inst := seq.Get(i)
		idx.byEnd[inst.PC()+uint64(inst.Len())] = inst
	}
	return idx
}

// callIndexFor disassembles the function starting at start within l's
// text, caching the result for subsequent lookups.
func (c *Comparator) callIndexFor(l *loader.Loader, start uint64) (*callIndex, error) {
	if c.disasm == nil {
		c.disasm = make(map[string]*callIndex)
	}
	key := fmt.Sprintf("%s:%x", l.Name, start)
	if idx, ok := c.disasm[key]; ok {
		return idx, nil
	}
	if l.Text == nil || start < l.Text.Base || start >= l.Text.Base+uint64(len(l.Text.Bytes)) {
		return nil, fmt.Errorf("compare: %#x outside %s's text", start, l.Name)
	}
	seq, err := asm.Disasm(c.arch(), l.Text.Bytes[start-l.Text.Base:], start)
	if err != nil {
		return nil, err
	}
	idx := newCallIndex(seq)
	c.disasm[key] = idx
	return idx, nil
}

// callTargetAt reports whether the bytes immediately preceding addr in
// l's reconstructed text decode to a CALL instruction, returning that
// instruction's own address and its target (0 for a register-indirect
// call, whose target is valid but undecidable statically). Symbol
// lookup locates the enclosing function so disassembly starts on a
// real instruction boundary.
func (c *Comparator) callTargetAt(l *loader.Loader, addr uint64) (callSite, target uint64, ok bool) {
	if c.Registry == nil || l == nil {
		return 0, 0, false
	}
	_, off, symOK := c.Registry.Symbolicate(addr)
	if !symOK {
		return 0, 0, false
	}
	start := addr - off
	idx, err := c.callIndexFor(l, start)
	if err != nil {
		return 0, 0, false
	}
	inst, found := idx.byEnd[addr]
	if !found {
		return 0, 0, false
	}
	ctrl := inst.Control()
	if ctrl.Type != asm.ControlCall {
		return 0, 0, false
	}
	return inst.PC(), ctrl.TargetPC, true
}

// stackAddresses walks the guest's task list starting at init_task,
// returning each task's stack bottom (masked into unmasked virtual-
// address form) mapped to its live stack pointer.
func (c *Comparator) stackAddresses(ctx context.Context) (map[uint64]uint64, error) {
	if c.Oracle == nil {
		return nil, nil
	}

	taskType, err := c.Oracle.BaseType(ctx, "task_struct")
	if err != nil {
		return nil, err
	}
	tasksOff, _, ok := taskType.Member("tasks")
	if !ok {
		return nil, fmt.Errorf("compare: task_struct has no member \"tasks\"")
	}

	initTask, err := c.Oracle.Variable(ctx, "init_task")
	if err != nil {
		return nil, err
	}

	stacks := make(map[uint64]uint64)
	task := initTask
	for {
		thread, err := task.Member(ctx, "thread", false)
		if err != nil {
			return nil, err
		}
		sp0Inst, err := thread.Member(ctx, "sp0", false)
		if err != nil {
			return nil, err
		}
		sp0, err := c.readUint64(ctx, sp0Inst.Address())
		if err != nil {
			return nil, err
		}
		spInst, err := thread.Member(ctx, "sp", false)
		if err != nil {
			return nil, err
		}
		sp, err := c.readUint64(ctx, spInst.Address())
		if err != nil {
			return nil, err
		}

		bottom := (sp0 - stackSize) ^ 0xffff000000000000
		stacks[bottom] = sp

		tasksField, err := task.Member(ctx, "tasks", false)
		if err != nil {
			return nil, err
		}
		next, err := tasksField.Member(ctx, "next", true)
		if err != nil {
			return nil, err
		}
		nextTaskAddr := next.Address() - tasksOff
		if nextTaskAddr == initTask.Address() {
			break
		}
		task, err = c.Oracle.InstanceAt(ctx, nextTaskAddr, taskType)
		if err != nil {
			return nil, err
		}
	}
	return stacks, nil
}

func (c *Comparator) readUint64(ctx context.Context, addr uint64) (uint64, error) {
	raw, err := c.Memory.Read(ctx, addr, 8, 0)
	if err != nil {
		return 0, err
	}
	if len(raw) < 8 {
		return 0, fmt.Errorf("compare: short read at %#x", addr)
	}
	return le64(raw), nil
}

// sameSubprogram reports whether a and b fall within the same DWARF
// subprogram, refining the nearest-symbol "same function" check with
// real debug-info ranges when c.Debug is available (see the
// symtab/dbg split recorded in DESIGN.md: nearest-symbol lookup
// degrades when a local static or an inlined callee has no symbol
// table entry of its own, which DWARF subprogram ranges still cover).
// A nil Debug or either address resolving to no subprogram reports
// false, leaving the legalTransitions/CallGraph checks as the only
// path.
func (c *Comparator) sameSubprogram(a, b uint64) bool {
	if c.Debug == nil {
		return false
	}
	spA, ok := c.Debug.AddrToSubprogram(a, dbg.CU{})
	if !ok {
		return false
	}
	spB, ok := c.Debug.AddrToSubprogram(b, dbg.CU{})
	if !ok {
		return false
	}
	return spA.Entry == spB.Entry
}

type stackReturn struct {
	slot uint64 // stack address the pointer was found at
	addr uint64 // the pointer's value
}

// validateStackPage scans one task's 8 KiB kernel stack for candidate
// return addresses and checks that consecutive frames form a legal
// call chain.
func (c *Comparator) validateStackPage(mem []byte, bottom, rsp uint64, report *Report) {
	var found []stackReturn

	start := int(rsp % stackSize)
	for i := start; i < stackSize-4; i++ {
		if le32(mem[i:i+4]) != 0xffffffff {
			continue
		}
		if i < 4 {
			continue
		}
		ptr := le64(mem[i-4 : i+4])
		if ptr == 0xffffffffffffffff {
			i += 8
			continue
		}

		target := c.Loaders.LoaderForAddress(ptr)
		if target == nil || !target.IsCodeAddress(ptr) {
			continue
		}
		if c.Registry.IsFunction(ptr) {
			continue
		}
		if c.Registry.IsSymbol(ptr) {
			continue
		}

		off := ptr - target.Text.Base
		if target.TextContentLen > 0 && off > uint64(target.TextContentLen) {
			report.add(Finding{
				Kind: FindingUnknownCodePointer, Addr: bottom + uint64(i-4), Loader: target.Name,
				Detail: fmt.Sprintf("pointer %#x on stack points past initialized content", ptr),
			})
			continue
		}

		found = append(found, stackReturn{slot: bottom + uint64(i-4), addr: ptr})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].slot < found[j].slot })

	var oldRetFunc uint64
	var oldRetFuncName string
	for _, ret := range found {
		target := c.Loaders.LoaderForAddress(ret.addr)
		retFuncName, off, _ := c.Registry.Symbolicate(ret.addr)
		retFunc := ret.addr - off

		_, callTarget, callOK := c.callTargetAt(target, ret.addr)

		if oldRetFunc == 0 {
			oldRetFunc, oldRetFuncName = retFunc, retFuncName
			continue
		}
		if callOK && callTarget == oldRetFunc {
			oldRetFunc, oldRetFuncName = retFunc, retFuncName
			continue
		}
		if legalTransitions[[2]string{oldRetFuncName, retFuncName}] {
			oldRetFunc, oldRetFuncName = retFunc, retFuncName
			continue
		}
		if callOK && c.sameSubprogram(callTarget, oldRetFunc) {
			oldRetFunc, oldRetFuncName = retFunc, retFuncName
			continue
		}
		if c.CallGraph != nil {
			if callSite, _, ok := c.callTargetAt(target, ret.addr); ok && c.CallGraph.Allows(callSite, oldRetFunc) {
				oldRetFunc, oldRetFuncName = retFunc, retFuncName
				continue
			}
		}

		report.add(Finding{
			Kind: FindingUnvalidatedReturnAddress, Addr: ret.slot, Loader: target.Name,
			Detail: fmt.Sprintf("return address %#x (%s) does not follow from %s", ret.addr, retFuncName, oldRetFuncName),
		})
		oldRetFunc, oldRetFuncName = retFunc, retFuncName
	}
}
