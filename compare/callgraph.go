package compare

import (
	"encoding/binary"
	"io"
)

// CallGraph relaxes the stack scanner's return-address check from "the
// call target matches the function most recently entered" to "the
// call target was recorded at this call site at some point". It is
// optional: a nil CallGraph falls back to the fixed legal-transition
// table.
type CallGraph map[uint64]map[uint64]bool

// Allows reports whether dest was ever recorded as a destination of a
// call at callAddr.
func (g CallGraph) Allows(callAddr, dest uint64) bool {
	return g[callAddr][dest]
}

// LoadCallGraph reads a stream of little-endian (callAddr uint64,
// callDest uint64) pairs.
func LoadCallGraph(r io.Reader) (CallGraph, error) {
	g := make(CallGraph)
	var pair [16]byte
	for {
		_, err := io.ReadFull(r, pair[:])
		if err == io.EOF {
			return g, nil
		}
		if err != nil {
			return nil, err
		}
		callAddr := binary.LittleEndian.Uint64(pair[0:8])
		callDest := binary.LittleEndian.Uint64(pair[8:16])
		dests, ok := g[callAddr]
		if !ok {
			dests = make(map[uint64]bool)
			g[callAddr] = dests
		}
		dests[callDest] = true
	}
}
