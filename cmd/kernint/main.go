// Command kernint is the thin CLI entrypoint: it translates flags
// into a Config and calls straight through to kernelsystem, process
// and compare. Flag parsing, directory scanning and logging live only
// in this package; everything else in this repository is importable
// as a library independent of this command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"kernint.dev/kernint/compare"
	"kernint.dev/kernint/kernelsystem"
	"kernint.dev/kernint/process"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "kernint: building logger:", err)
		return 1
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := execute(cfg, log); err != nil {
		log.Errorw("run failed", "error", err)
		return 1
	}
	return 0
}

func parseFlags(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("kernint", flag.ContinueOnError)

	kvm := fs.Bool("k", false, "use the KVM introspection backend")
	xen := fs.Bool("x", false, "use the Xen introspection backend")
	file := fs.Bool("f", false, "use a file-dump introspection backend")

	fs.StringVar(&cfg.LibraryPath, "L", "", "colon-separated userspace library search path")
	fs.BoolVar(&cfg.Lazy, "lazy", false, "defer JUMP_SLOT relocations until first use")
	fs.StringVar(&cfg.CallGraphFile, "callgraph", "", "path to a recorded (callAddr,dest) pair file")
	fs.IntVar(&cfg.PID, "pid", 0, "also validate this process's userspace image")
	fs.BoolVar(&cfg.Loop, "loop", false, "re-validate repeatedly until interrupted")
	fs.BoolVar(&cfg.SkipCodeCompare, "skip-code", false, "skip the executable-page comparison")
	fs.BoolVar(&cfg.SkipPointerScan, "skip-pointers", false, "skip the data-pointer/stack scan")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	switch {
	case *kvm:
		cfg.Backend = "kvm"
	case *xen:
		cfg.Backend = "xen"
	case *file:
		cfg.Backend = "file"
	}

	rest := fs.Args()
	if len(rest) < 1 {
		return cfg, errors.New("usage: kernint [-k|-x|-f] <kernel-dir> [memory-source]")
	}
	cfg.KernelDir = rest[0]
	if len(rest) > 1 {
		cfg.MemorySource = rest[1]
	}
	return cfg, nil
}

func execute(cfg Config, log *zap.SugaredLogger) error {
	ctx := context.Background()

	backend, err := OpenBackend(cfg.Backend, cfg.MemorySource)
	if err != nil {
		return err
	}
	defer backend.Close()

	vmlinux := filepath.Join(cfg.KernelDir, "vmlinux")
	systemMap := filepath.Join(cfg.KernelDir, "System.map")

	kernel, err := kernelsystem.Load(ctx, vmlinux, systemMap, backend.TypeOracle(), backend.Memory())
	if err != nil {
		return fmt.Errorf("loading kernel: %w", err)
	}
	kernel.Log = log

	finder := &dirModuleFinder{root: cfg.KernelDir}
	addrs := &kernelsystem.OracleModuleAddrs{Oracle: backend.TypeOracle(), Memory: backend.Memory()}
	if err := kernel.LoadAllModules(ctx, finder, addrs); err != nil {
		return fmt.Errorf("loading modules: %w", err)
	}
	kernel.Freeze()

	cmp := &compare.Comparator{
		Memory:   backend.Memory(),
		Oracle:   backend.TypeOracle(),
		Registry: kernel.Registry,
		Loaders:  kernel,
		Kernel:   kernel.Info,
		Options: compare.Options{
			Loop:               cfg.Loop,
			CodeValidation:     !cfg.SkipCodeCompare,
			PointerExamination: !cfg.SkipPointerScan,
		},
	}
	if cfg.CallGraphFile != "" {
		f, err := os.Open(cfg.CallGraphFile)
		if err != nil {
			return fmt.Errorf("opening call-graph file: %w", err)
		}
		defer f.Close()
		cg, err := compare.LoadCallGraph(f)
		if err != nil {
			return fmt.Errorf("parsing call-graph file: %w", err)
		}
		cmp.CallGraph = cg
	}

	report, err := cmp.Run(ctx, 0)
	if err != nil {
		return fmt.Errorf("validating kernel: %w", err)
	}
	logReport(log, "kernel", report)

	// Per-module load failures did not abort sibling loads, but any at
	// all still makes the run exit non-zero.
	failed := kernel.FailedModules()

	if cfg.PID != 0 {
		pb := &process.Builder{Registry: kernel.Registry, LibraryPath: cfg.LibraryPath, Lazy: cfg.Lazy}
		if vdso, err := kernelsystem.ReadVDSOImage(ctx, backend.TypeOracle(), backend.Memory()); err != nil {
			log.Warnw("reading vdso image from guest", "error", err)
		} else {
			pb.VDSOData = vdso
		}
		proc, err := pb.Build(ctx, cfg.PID, backend.VMAs())
		if err != nil {
			return fmt.Errorf("loading process %d: %w", cfg.PID, err)
		}
		procCmp := *cmp
		procCmp.Loaders = proc
		procReport, err := procCmp.Run(ctx, cfg.PID)
		if err != nil {
			return fmt.Errorf("validating process %d: %w", cfg.PID, err)
		}
		logReport(log, fmt.Sprintf("pid-%d", cfg.PID), procReport)
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d module(s) failed to load", len(failed))
	}
	return nil
}

func logReport(log *zap.SugaredLogger, subject string, report compare.Report) {
	log.Infow("validation complete", "subject", subject, "pages_checked", report.PagesChecked, "findings", len(report.Findings))
	for _, f := range report.Findings {
		log.Errorw("integrity finding", "subject", subject, "kind", f.Kind.String(), "addr", fmt.Sprintf("%#x", f.Addr), "loader", f.Loader, "detail", f.Detail)
	}
}
