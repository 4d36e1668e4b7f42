package kernelsystem

import (
	"context"
	"fmt"
	"os"

	"kernint.dev/kernint/typeinfo"
	"kernint.dev/kernint/vmi"
)

func openReader(path string) (*os.File, error) {
	return os.Open(path)
}

// maxModules bounds the "modules" list walk so a corrupted or cyclic
// guest list can't hang this call forever.
const maxModules = 1 << 16

// walkModules walks the guest's "modules" circular list via the type
// oracle, calling visit once per resident module until visit returns
// stop=true or the list is exhausted. struct module embeds its
// list_head at a fixed,
// DWARF-reported offset, so the container is recovered the same way
// compare's stack scanner recovers task_struct from task_struct.tasks.
func walkModules(ctx context.Context, oracle typeinfo.Oracle, mem vmi.Memory, visit func(name string, inst typeinfo.Instance) (stop bool, err error)) error {
	modType, err := oracle.BaseType(ctx, "module")
	if err != nil {
		return err
	}
	listOff, _, ok := modType.Member("list")
	if !ok {
		return fmt.Errorf("kernelsystem: struct module has no member \"list\"")
	}

	head, err := oracle.Variable(ctx, "modules")
	if err != nil {
		return err
	}

	cur := head
	for i := 0; i < maxModules; i++ {
		next, err := cur.Member(ctx, "next", true)
		if err != nil {
			return err
		}
		// The list is circular: "modules" is a bare list_head, so the
		// walk is done when next points back at it rather than at a
		// module's embedded list entry.
		if next.Address() == head.Address() {
			return nil
		}
		modAddr := next.Address() - listOff
		modInst, err := oracle.InstanceAt(ctx, modAddr, modType)
		if err != nil {
			return err
		}
		name, err := readModuleName(ctx, mem, modInst)
		if err != nil {
			return err
		}
		stop, err := visit(name, modInst)
		if err != nil || stop {
			return err
		}
		cur, err = modInst.Member(ctx, "list", false)
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("kernelsystem: module list exceeds %d entries, probably corrupt", maxModules)
}

// DiscoverModuleNames returns the name of every module currently
// resident in the guest.
func DiscoverModuleNames(ctx context.Context, oracle typeinfo.Oracle, mem vmi.Memory) ([]string, error) {
	if oracle == nil {
		return nil, nil
	}
	var names []string
	err := walkModules(ctx, oracle, mem, func(name string, _ typeinfo.Instance) (bool, error) {
		names = append(names, name)
		return false, nil
	})
	return names, err
}

// readModuleName reads struct module.name as a NUL-terminated byte
// string directly out of guest memory, since typeinfo.Instance only
// exposes fixed-width scalar decoding (typeinfo.Value) and a kernel
// module name is a char array.
func readModuleName(ctx context.Context, mem vmi.Memory, modInst typeinfo.Instance) (string, error) {
	field, err := modInst.Member(ctx, "name", false)
	if err != nil {
		return "", err
	}
	const maxNameLen = 56 // MODULE_NAME_LEN on the targeted kernel ABI
	raw, err := mem.Read(ctx, field.Address(), maxNameLen, 0)
	if err != nil {
		return "", err
	}
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i]), nil
		}
	}
	return string(raw), nil
}
