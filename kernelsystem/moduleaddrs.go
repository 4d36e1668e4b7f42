package kernelsystem

import (
	"context"

	"kernint.dev/kernint/internal/layout"
	"kernint.dev/kernint/kerr"
	"kernint.dev/kernint/typeinfo"
	"kernint.dev/kernint/vmi"
)

// OracleModuleAddrs implements ModuleAddrs and SectionAddrResolver by
// walking the guest's struct module: the text base is module_core
// (the core code allocation the kernel's own loader chose), and
// per-section addresses come from the module's sect_attrs table.
type OracleModuleAddrs struct {
	Oracle typeinfo.Oracle
	Memory vmi.Memory
}

// ModuleAddrs implements kernelsystem.ModuleAddrs. The rodata base is
// the address recorded for ".note.gnu.build-id" — the same section
// ModuleImageBuilder.buildRoData starts its reconstruction from.
func (a *OracleModuleAddrs) ModuleAddrs(ctx context.Context, name string) (textBase, rodataBase uint64, err error) {
	mod, err := a.findModule(ctx, name)
	if err != nil {
		return 0, 0, err
	}

	core, err := mod.Member(ctx, "module_core", false)
	if err != nil {
		return 0, 0, err
	}
	textBase, err = a.readPointer(ctx, core)
	if err != nil {
		return 0, 0, err
	}

	rodataBase = 0
	err = a.walkSectAttrs(ctx, mod, func(secName string, addr uint64) {
		if secName == ".note.gnu.build-id" {
			rodataBase = addr
		}
	})
	if err != nil || rodataBase == 0 {
		// Not every module build carries a build-id note; fall back to
		// immediately after the text allocation, matching the common
		// case where rodata is packed right after core text.
		return textBase, textBase, nil
	}
	return textBase, rodataBase, nil
}

// SectionAddrs implements SectionAddrResolver: every section name in
// the module's sect_attrs with its guest-assigned address.
func (a *OracleModuleAddrs) SectionAddrs(ctx context.Context, name string) (map[string]uint64, error) {
	mod, err := a.findModule(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64)
	if err := a.walkSectAttrs(ctx, mod, func(secName string, addr uint64) {
		out[secName] = addr
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *OracleModuleAddrs) findModule(ctx context.Context, name string) (typeinfo.Instance, error) {
	var mod typeinfo.Instance
	err := walkModules(ctx, a.Oracle, a.Memory, func(curName string, inst typeinfo.Instance) (bool, error) {
		if canonicalModuleName(curName) == canonicalModuleName(name) {
			mod = inst
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, kerr.New(kerr.NotFound, name, "module not resident in guest")
	}
	return mod, nil
}

// walkSectAttrs walks the module's sect_attrs array, visiting every
// (name, address) pair.
func (a *OracleModuleAddrs) walkSectAttrs(ctx context.Context, mod typeinfo.Instance, visit func(name string, addr uint64)) error {
	attrs, err := mod.Member(ctx, "sect_attrs", true)
	if err != nil {
		return err
	}
	nInst, err := attrs.Member(ctx, "nsections", false)
	if err != nil {
		return err
	}
	n, err := typeinfo.Value[uint32](ctx, a, nInst)
	if err != nil {
		return err
	}
	arr, err := attrs.Member(ctx, "attrs", false)
	if err != nil {
		return err
	}
	for j := 0; j < int(n); j++ {
		elem, err := arr.ArrayElem(ctx, j)
		if err != nil {
			return err
		}
		nameInst, err := elem.Member(ctx, "name", true)
		if err != nil {
			return err
		}
		name, err := a.readCString(ctx, nameInst.Address(), 64)
		if err != nil {
			return err
		}
		addrInst, err := elem.Member(ctx, "address", false)
		if err != nil {
			return err
		}
		addr, err := a.readPointer(ctx, addrInst)
		if err != nil {
			return err
		}
		visit(name, addr)
	}
	return nil
}

// Raw implements the interface typeinfo.Value needs: read an
// Instance's raw bytes out of guest memory via a.Memory.
func (a *OracleModuleAddrs) Raw(ctx context.Context, inst typeinfo.Instance) ([]byte, error) {
	return a.Memory.Read(ctx, inst.Address(), int(inst.Type().Size()), 0)
}

func (a *OracleModuleAddrs) readPointer(ctx context.Context, inst typeinfo.Instance) (uint64, error) {
	raw, err := a.Memory.Read(ctx, inst.Address(), 8, 0)
	if err != nil {
		return 0, err
	}
	return layout.AMD64.Uint64(raw), nil
}

func (a *OracleModuleAddrs) readCString(ctx context.Context, addr uint64, max int) (string, error) {
	raw, err := a.Memory.Read(ctx, addr, max, 0)
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
