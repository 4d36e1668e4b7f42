// Package kernelsystem orchestrates the kernel-side load phase:
// parse vmlinux and System.map, build the kernel's reconstructed
// image, discover and concurrently load every currently-resident
// kernel module, and answer the comparator's "which loader owns this
// address" query. All state is threaded through the Kernel value
// rather than living in package-scope globals.
package kernelsystem

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"kernint.dev/kernint/elfimage"
	"kernint.dev/kernint/internal/addrspace"
	"kernint.dev/kernint/kerr"
	"kernint.dev/kernint/loader"
	"kernint.dev/kernint/symtab"
	"kernint.dev/kernint/typeinfo"
	"kernint.dev/kernint/vmi"
)

// ModuleFinder resolves a module's canonical name to the path of its
// .ko file on disk. This package never walks a directory tree itself;
// callers supply whatever lookup their host filesystem layout needs.
type ModuleFinder interface {
	FindModuleFile(name string) (string, error)
}

// ModuleAddrs resolves the text and rodata load addresses the guest's
// own module loader chose for a module, by walking the module's
// sect_attrs list through the type oracle.
type ModuleAddrs interface {
	ModuleAddrs(ctx context.Context, name string) (textBase, rodataBase uint64, err error)
}

// SectionAddrResolver is optionally implemented by a ModuleAddrs to
// report the guest-assigned load address of every section in a
// module's sect_attrs list, keyed by section name. Builders use it to
// resolve symbols defined in sections they never reconstruct (.bss,
// .init.*).
type SectionAddrResolver interface {
	SectionAddrs(ctx context.Context, name string) (map[string]uint64, error)
}

// Logger is the narrow subset of a structured logger this package
// needs; *zap.SugaredLogger satisfies it. A nil Logger disables
// logging entirely.
type Logger interface {
	Warnw(msg string, keysAndValues ...interface{})
}

// Kernel is the loaded kernel: vmlinux's own reconstructed image plus
// every module loaded so far, keyed by canonical name.
type Kernel struct {
	Image    *elfimage.Image
	Registry *symtab.Registry
	Info     loader.KernelInfo
	Loader   *loader.Loader

	Oracle typeinfo.Oracle
	Memory vmi.Memory
	Log    Logger

	finder ModuleFinder
	addrs  ModuleAddrs

	modules    sync.Map // canonical name -> *moduleSlot
	modulesMu  sync.Mutex
	moduleErrs map[string]error

	addr addrspace.Map
}

type moduleSlot struct {
	done   chan struct{}
	loader *loader.Loader
}

// Load parses vmlinuxPath and systemMapPath, composes the kernel's
// reconstructed text/rodata images, and registers vmlinux's own ELF
// symbols plus every System.map entry into a fresh Registry.
func Load(ctx context.Context, vmlinuxPath, systemMapPath string, oracle typeinfo.Oracle, mem vmi.Memory) (*Kernel, error) {
	img, err := elfimage.Load(vmlinuxPath)
	if err != nil {
		return nil, fmt.Errorf("vmlinux %s: %w", vmlinuxPath, err)
	}

	reg := symtab.New()
	if systemMapPath != "" {
		f, err := openReader(systemMapPath)
		if err != nil {
			return nil, fmt.Errorf("System.map %s: %w", systemMapPath, err)
		}
		defer f.Close()
		if err := reg.LoadSystemMap(f); err != nil {
			return nil, fmt.Errorf("System.map %s: %w", systemMapPath, err)
		}
	}

	k := &Kernel{
		Image:      img,
		Registry:   reg,
		Oracle:     oracle,
		Memory:     mem,
		moduleErrs: make(map[string]error),
	}

	b := &loader.KernelImageBuilder{Image: img, Registry: reg, Oracle: oracle, Memory: mem}
	l, info, err := b.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("kernel image: %w", err)
	}
	k.Loader, k.Info = l, info
	k.claim(l)

	return k, nil
}

func (k *Kernel) claim(l *loader.Loader) {
	if l.Text != nil {
		k.addr.Insert(addrspace.Range{Low: l.Text.Base, High: l.Text.Base + uint64(len(l.Text.Bytes))}, l)
	}
	if l.Data != nil {
		k.addr.Insert(addrspace.Range{Low: l.Data.Base, High: l.Data.Base + uint64(len(l.Data.Bytes))}, l)
	}
}

// LoaderForAddress implements compare.LoaderLookup: the loader whose
// reconstructed text or data span contains addr. The high 16 bits are
// forced on first, normalizing a truncated kernel pointer back into
// the canonical high half every loader base lives in.
func (k *Kernel) LoaderForAddress(addr uint64) *loader.Loader {
	addr |= 0xffff000000000000
	_, owner := k.addr.Find(addr)
	if owner == nil {
		return nil
	}
	return owner.(*loader.Loader)
}

// canonicalModuleName normalizes hyphens to underscores, the same
// equivalence the kernel's own module loader applies to module names.
func canonicalModuleName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// LoadAllModules discovers every module currently resident in the
// guest (via DiscoverModuleNames) and loads them concurrently, one
// worker per hardware thread, bounded by runtime.GOMAXPROCS. A per-module failure is logged and does not abort
// sibling loads. This includes an InternalError panic: LoadModule
// recovers it into an ordinary error, so it does not abort the call
// either. A cancelled ctx stops further modules from being started.
func (k *Kernel) LoadAllModules(ctx context.Context, finder ModuleFinder, addrs ModuleAddrs) error {
	k.finder, k.addrs = finder, addrs

	names, err := DiscoverModuleNames(ctx, k.Oracle, k.Memory)
	if err != nil {
		return fmt.Errorf("discovering loaded modules: %w", err)
	}

	sem := semaphore.NewWeighted(int64(maxInt(1, runtime.GOMAXPROCS(0))))
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range names {
		n := n
		if err := sem.Acquire(gctx, 1); err != nil {
			return g.Wait()
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := k.LoadModule(gctx, n); err != nil {
				if k.Log != nil {
					k.Log.Warnw("module load failed", "module", n, "error", err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// LoadModule loads (or waits for, or returns the already-loaded
// result of) the module named name, implementing loader.DependencyLoader
// so ModuleImageBuilder can recurse into a module's own dependencies.
// An in-flight load is marked by its slot's open done channel; a
// second caller for the same module blocks on that channel instead of
// spinning.
func (k *Kernel) LoadModule(ctx context.Context, name string) (err error) {
	defer kerr.Recover(&err)

	canon := canonicalModuleName(name)
	for {
		actual, loaded := k.modules.LoadOrStore(canon, &moduleSlot{done: make(chan struct{})})
		slot := actual.(*moduleSlot)
		if !loaded {
			k.loadModuleInto(ctx, canon, slot)
			return k.moduleErr(canon)
		}
		select {
		case <-slot.done:
			return k.moduleErr(canon)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (k *Kernel) loadModuleInto(ctx context.Context, canon string, slot *moduleSlot) {
	defer close(slot.done)

	l, err := k.buildModule(ctx, canon)
	k.modulesMu.Lock()
	k.moduleErrs[canon] = err
	k.modulesMu.Unlock()
	if err != nil {
		return
	}
	slot.loader = l
	k.claim(l)
}

func (k *Kernel) moduleErr(canon string) error {
	k.modulesMu.Lock()
	defer k.modulesMu.Unlock()
	return k.moduleErrs[canon]
}

func (k *Kernel) buildModule(ctx context.Context, canon string) (*loader.Loader, error) {
	if k.finder == nil {
		return nil, kerr.New(kerr.NotFound, canon, "no ModuleFinder configured")
	}
	path, err := k.finder.FindModuleFile(canon)
	if err != nil || path == "" {
		return nil, kerr.New(kerr.NotFound, canon, "module file not found")
	}
	img, err := elfimage.Load(path)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", canon, err)
	}

	var textBase, roBase uint64
	var sectAddrs map[string]uint64
	if k.addrs != nil {
		textBase, roBase, err = k.addrs.ModuleAddrs(ctx, canon)
		if err != nil {
			return nil, fmt.Errorf("module %s: load address: %w", canon, err)
		}
		if sa, ok := k.addrs.(SectionAddrResolver); ok {
			// Best effort: a module without sect_attrs (or an older
			// guest layout) just loses .bss/.init symbol resolution.
			sectAddrs, _ = sa.SectionAddrs(ctx, canon)
		}
	}

	b := &loader.ModuleImageBuilder{
		Name:              canon,
		Image:             img,
		Base:              textBase,
		RoDataBase:        roBase,
		Registry:          k.Registry,
		Oracle:            k.Oracle,
		Memory:            k.Memory,
		Deps:              k,
		GuestSectionAddrs: sectAddrs,
		Resolver:          &registryOracleResolver{ctx: ctx, reg: k.Registry, oracle: k.Oracle},
	}
	return b.Build(ctx)
}

// registryOracleResolver resolves a relocation's undefined symbol
// against the kernel registry (ELF symbols plus System.map) first,
// falling back to the type oracle's variable table for symbols DWARF
// knows but no symbol table exports.
type registryOracleResolver struct {
	ctx    context.Context
	reg    *symtab.Registry
	oracle typeinfo.Oracle
}

func (r *registryOracleResolver) Resolve(name string) (uint64, bool) {
	if addr, ok := r.reg.Resolve(name); ok {
		return addr, true
	}
	if r.oracle != nil {
		if inst, err := r.oracle.Variable(r.ctx, name); err == nil && inst.Address() != 0 {
			return inst.Address(), true
		}
	}
	return 0, false
}

// FailedModules returns every module whose load failed, by canonical
// name. Per-module failures never abort sibling loads, but a run that
// saw any must still exit non-zero; callers check this after
// LoadAllModules returns.
func (k *Kernel) FailedModules() map[string]error {
	k.modulesMu.Lock()
	defer k.modulesMu.Unlock()
	failed := make(map[string]error)
	for name, err := range k.moduleErrs {
		if err != nil {
			failed[name] = err
		}
	}
	return failed
}

// Module returns the already-loaded module named name, if any.
func (k *Kernel) Module(name string) (*loader.Loader, bool) {
	v, ok := k.modules.Load(canonicalModuleName(name))
	if !ok {
		return nil, false
	}
	slot := v.(*moduleSlot)
	if slot.loader == nil {
		return nil, false
	}
	return slot.loader, true
}

// Freeze finishes the load phase: it rebuilds the registry's
// address→name reverse map exactly once, after every module-load
// goroutine has joined.
func (k *Kernel) Freeze() {
	k.Registry.Freeze()
}
