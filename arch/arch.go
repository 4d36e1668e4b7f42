// Package arch names the one CPU architecture this repository ever
// reconstructs an image for. Every 32-bit input is rejected at
// elfimage.Load, so the only thing asm.Disasm and the comparator's
// stack scanner need to agree on is which x86asm decode width to use
// and a name for error messages — not a general
// architecture-description table.
package arch

// Arch identifies a decode target for asm.Disasm.
type Arch struct {
	// GoArch is the GOARCH value asm.Disasm dispatches on.
	GoArch string
}

// AMD64 is the only architecture this repository ever disassembles.
var AMD64 = &Arch{GoArch: "amd64"}

// String returns the GOARCH value of a.
func (a *Arch) String() string {
	if a == nil {
		return "<nil>"
	}
	return a.GoArch
}
