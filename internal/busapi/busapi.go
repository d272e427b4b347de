// Package busapi defines the Bus collaborator interface in a leaf
// package every controller package can import directly. The root
// package re-exports Bus and InterruptCallback as type aliases so
// pdp11io.Bus remains the public name embedders implement; hoisting the
// interface here is what lets internal/rk11, internal/rl11, and the rest
// depend on the exact same type without importing the root package that
// in turn imports them.
package busapi

// InterruptCallback is consulted immediately before a previously
// requested interrupt fires; returning false vetoes delivery.
type InterruptCallback func(arg any) bool

// Bus is the full set of CPU/MMU collaborator operations the I/O page
// and its controllers need from the host emulator.
type Bus interface {
	ReadWordPhysical(addr uint32) int32
	WriteWordPhysical(addr uint32, value uint16) int32
	WriteBytePhysical(addr uint32, value uint8) int32

	MapUnibus(addr18 uint32) uint32

	Trap(vector uint16, code uint16) int32

	Interrupt(delayTicks int, prio int, vector uint16, unit int, cb InterruptCallback, arg any)
	CancelInterrupts(vector uint16)

	Panic(reason string)
	SetMMUMode(mode int)

	VT52Put(unit int, ch byte)
	VT52Reset(unit int)

	Defer(fn func())
}

// OptionalDevice is the collaborator a controller forwards to for a
// register window it reserves but does not itself implement (RP11's
// ADCR fallback above its own register set; a future VT11/VG11 window
// on an embedder willing to provide one). offset is relative to the
// start of the reserved sub-window, not the controller's own base.
// A controller with no OptionalDevice registered keeps treating the
// window as a stub: reads as zero, writes discarded.
type OptionalDevice interface {
	ReadWord(offset uint32) int32
	WriteWord(offset uint32, value uint16)
}
