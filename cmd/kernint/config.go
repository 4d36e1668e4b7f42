package main

// Config carries every CLI-level input, constructed by main() from
// flags and passed by value into the constructors in kernelsystem,
// process and compare.
type Config struct {
	KernelDir    string // holds vmlinux and System.map
	MemorySource string // positional memory-source argument, backend-specific

	Backend string // "kvm", "xen", or "file"

	LibraryPath string // colon-separated userspace library search path
	Lazy        bool   // defer JUMP_SLOT resolution until first use

	CallGraphFile string // recorded (callAddr, callDest) pairs for the stack scanner

	PID int // 0 means "kernel only"; >0 also validates this process

	Loop            bool // re-validate until interrupted
	SkipCodeCompare bool // skip the executable-page comparison
	SkipPointerScan bool // skip the data-pointer/stack scan
}
