// Package dispatch implements the I/O page address decode: given a
// physical address somewhere in the top 8 KiB of address space, it finds
// the register that owns it, applies the even/odd byte-merge rule, and
// forwards the resulting word to that register's Handler. Controllers
// register their own window with a Handler; nothing that is not
// registered gets read as zero and write as a no-op, the same "stub"
// treatment given to the optional VT11/VG11/ADCR windows.
package dispatch

import (
	"github.com/behrlich/pdp11io/internal/bits"
	"github.com/behrlich/pdp11io/internal/ioregs"
	"github.com/behrlich/pdp11io/internal/logging"
	"github.com/behrlich/pdp11io/internal/mmu"
)

// Handler is one register file's read/write surface, addressed by a byte
// offset relative to the handler's own window base. offset is always
// even; Dispatcher has already resolved byte-lane merging before calling
// WriteWord.
type Handler interface {
	ReadWord(offset uint32) int32
	WriteWord(offset uint32, value uint16)
}

// MirrorHandler is implemented by a Handler whose window contains one of
// the odd-address CPU register mirrors (017777706, 017777716), whose
// logical register depends on the access being word vs byte and on
// current MMU mode. Dispatcher calls AccessMirror with the full physical
// address and skips the normal offset/byte-merge path entirely when a
// MirrorHandler is registered for the window that owns that address.
type MirrorHandler interface {
	Handler
	AccessMirror(addr uint32, value int32, byteFlag bool) int32
}

// Trap describes a CPU trap the dispatcher must deliver instead of
// completing the access (e.g. a word write to an odd address).
type Trap struct {
	Vector uint16
	Code   uint16
}

type window struct {
	base, top uint32
	handler   Handler
}

// Dispatcher owns the full I/O page address decode. The three MMU page
// table windows (kernel/supervisor/user PDR+PAR), the Unibus Map window,
// and MMR0/1/2 inside the console window are wired directly to an
// *mmu.MMU; every other window is whatever Handler a controller package
// registers.
type Dispatcher struct {
	mmu *mmu.MMU
	log *logging.Logger

	windows []window

	console consoleWindow
}

// New creates a Dispatcher bound to m for the MMU-owned windows. A nil
// logger is replaced by one built from logging.DefaultConfig.
func New(m *mmu.MMU, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.NewLogger(logging.DefaultConfig())
	}
	d := &Dispatcher{mmu: m, log: log}

	d.windows = []window{
		{ioregs.CPURegsBase, ioregs.CPURegsTop, &stubHandler{}},
		{ioregs.UserMMUBase, ioregs.UserMMUTop, &pageTableHandler{&m.Modes[mmu.ModeUser]}},
		{ioregs.MMR012Base, ioregs.MMR012Top, &d.console},
		{ioregs.RK11Base, ioregs.RK11Top, &stubHandler{}},
		{ioregs.RP11Base, ioregs.RP11Top, &stubHandler{}},
		{ioregs.DL11Base, ioregs.DL11Top, &stubHandler{}},
		{ioregs.RL11Base, ioregs.RL11Top, &stubHandler{}},
		{ioregs.MMR3TM11Base, ioregs.MMR3TM11Top, &mmr3TM11Handler{mmu: m}},
		{ioregs.KernelMMUBase, ioregs.KernelMMUTop, &pageTableHandler{&m.Modes[mmu.ModeKernel]}},
		{ioregs.SuperMMUBase, ioregs.SuperMMUTop, &pageTableHandler{&m.Modes[mmu.ModeSupervisor]}},
		{ioregs.UnibusMapBase, ioregs.UnibusMapTop, &unibusMapHandler{m.UnibusMap}},
	}
	d.console.mmu = m

	return d
}

// Register installs h as the Handler for the window [base, top] (both
// inclusive, physical addresses), replacing any stub or previously
// registered handler covering exactly that range. Controllers call this
// once at construction to claim their register window; the CPU-register,
// RK11, RP11, DL11 (units 1-4), and RL11 windows start out as stubs
// until a controller registers over them. A window with any other range
// is searched ahead of every existing window, so a narrower window
// registered inside a stub's range (one DL11 unit) takes precedence.
func (d *Dispatcher) Register(base, top uint32, h Handler) {
	for i := range d.windows {
		if d.windows[i].base == base && d.windows[i].top == top {
			d.windows[i].handler = h
			return
		}
	}
	d.windows = append([]window{{base, top, h}}, d.windows...)
}

// RegisterTM11 installs h as the TM11 sub-handler of the shared
// MMR3/TM11 window, leaving MMR3 itself routed to the MMU.
func (d *Dispatcher) RegisterTM11(h Handler) {
	for i := range d.windows {
		if mh, ok := d.windows[i].handler.(*mmr3TM11Handler); ok {
			mh.tm11 = h
			return
		}
	}
}

// RegisterConsole installs sub-handlers for the devices that share the
// MMR012 window (console DL11 unit 0, PTR, LP11, KW11). Any argument left
// nil keeps that device's sub-window stubbed.
func (d *Dispatcher) RegisterConsole(dl11, ptr, lp11, kw11 Handler) {
	d.console.dl11 = dl11
	d.console.ptr = ptr
	d.console.lp11 = lp11
	d.console.kw11 = kw11
}

const (
	mirrorAddrKernelSP = 0o17777706
	mirrorAddrUserSP   = 0o17777716
)

// Access performs one dispatcher-decoded I/O page access. value < 0
// means a read; value >= 0 is the incoming write word, already widened
// to a full word (untouched byte lanes are filled with garbage by the
// caller and ignored here — only byteFlag and addr's parity decide which
// lanes actually get merged). Returns the resulting word (the read value,
// or the merged value just written) and, on a trapped access, a non-nil
// Trap describing the vector/code to deliver instead.
func (d *Dispatcher) Access(addr uint32, value int32, byteFlag bool) (int32, *Trap) {
	if value >= 0 && !byteFlag && addr&1 != 0 {
		return -1, &Trap{Vector: 4, Code: 0o212}
	}

	w := d.windowFor(addr)
	if w == nil {
		return 0, nil
	}

	if mh, ok := w.handler.(MirrorHandler); ok && (addr == mirrorAddrKernelSP || addr == mirrorAddrUserSP) {
		return mh.AccessMirror(addr, value, byteFlag), nil
	}

	offset := (addr - w.base) &^ 1

	if value < 0 {
		return w.handler.ReadWord(offset), nil
	}

	old := w.handler.ReadWord(offset)
	merged := bits.ByteMerge(uint16(old), uint16(value), addr, byteFlag)
	w.handler.WriteWord(offset, merged)
	return int32(merged), nil
}

func (d *Dispatcher) windowFor(addr uint32) *window {
	for i := range d.windows {
		if addr >= d.windows[i].base && addr <= d.windows[i].top {
			return &d.windows[i]
		}
	}
	return nil
}

// stubHandler backs any window nothing has registered over: reads as
// zero, writes are discarded. This is the same treatment given to the
// optional VT11/VG11/ADCR dispatch windows, generalized to any
// unclaimed controller window (e.g. RK11 before an internal/rk11
// controller is attached).
type stubHandler struct{}

func (stubHandler) ReadWord(uint32) int32    { return 0 }
func (stubHandler) WriteWord(uint32, uint16) {}

// pageTableHandler exposes one mode's 16 PDR + 16 PAR words as a flat
// 64-byte window, per ioregs.PDRWindowOffset/PARWindowOffset.
type pageTableHandler struct {
	pt *mmu.PageTable
}

func (h *pageTableHandler) ReadWord(offset uint32) int32 {
	if offset < ioregs.PARWindowOffset {
		return int32(h.pt.PDR[offset/2])
	}
	return int32(h.pt.PAR[(offset-ioregs.PARWindowOffset)/2])
}

func (h *pageTableHandler) WriteWord(offset uint32, value uint16) {
	if offset < ioregs.PARWindowOffset {
		h.pt.PDR[offset/2] = value
		return
	}
	h.pt.PAR[(offset-ioregs.PARWindowOffset)/2] = value
}

// unibusMapHandler exposes the 32-entry Unibus Map as a flat 128-byte
// window: entry N's low word at offset 4N, high+valid word at 4N+2.
type unibusMapHandler struct {
	m *mmu.Map
}

func (h *unibusMapHandler) ReadWord(offset uint32) int32 {
	entry := int(offset / ioregs.UnibusMapEntrySize)
	if offset%ioregs.UnibusMapEntrySize == 0 {
		return int32(h.m.ReadLow(entry))
	}
	return int32(h.m.ReadHigh(entry))
}

func (h *unibusMapHandler) WriteWord(offset uint32, value uint16) {
	entry := int(offset / ioregs.UnibusMapEntrySize)
	if offset%ioregs.UnibusMapEntrySize == 0 {
		h.m.WriteLow(entry, value)
		return
	}
	h.m.WriteHigh(entry, value)
}

// mmr3TM11Handler exposes MMR3 at the start of its shared window and
// forwards everything from TM11WindowBase on to the TM11 controller's own
// Handler (registered separately; nil until internal/tm11 attaches).
type mmr3TM11Handler struct {
	mmu *mmu.MMU
	tm11 Handler
}

func (h *mmr3TM11Handler) ReadWord(offset uint32) int32 {
	if offset == ioregs.MMR3Offset {
		return int32(h.mmu.MMR3)
	}
	if h.tm11 == nil {
		return 0
	}
	return h.tm11.ReadWord(offset - ioregs.TM11WindowBase)
}

func (h *mmr3TM11Handler) WriteWord(offset uint32, value uint16) {
	if offset == ioregs.MMR3Offset {
		h.mmu.MMR3 = value
		return
	}
	if h.tm11 == nil {
		return
	}
	h.tm11.WriteWord(offset-ioregs.TM11WindowBase, value)
}

// consoleWindow multiplexes the MMR012 window: MMR0/1/2 go straight to
// the MMU, everything else forwards by offset to whichever device
// sub-handler has been registered for it.
type consoleWindow struct {
	mmu *mmu.MMU

	dl11 Handler
	ptr  Handler
	lp11 Handler
	kw11 Handler
}

func (c *consoleWindow) ReadWord(offset uint32) int32 {
	switch offset {
	case ioregs.MMR0Offset:
		return int32(c.mmu.MMR0)
	case ioregs.MMR1Offset:
		return int32(c.mmu.MMR1)
	case ioregs.MMR2Offset:
		return int32(c.mmu.MMR2)
	}
	if h, rel, ok := c.route(offset); ok {
		return h.ReadWord(rel)
	}
	return 0
}

func (c *consoleWindow) WriteWord(offset uint32, value uint16) {
	switch offset {
	case ioregs.MMR0Offset:
		c.mmu.WriteMMR0(value)
		return
	case ioregs.MMR1Offset:
		c.mmu.MMR1 = value
		return
	case ioregs.MMR2Offset:
		c.mmu.MMR2 = value
		return
	}
	if h, rel, ok := c.route(offset); ok {
		h.WriteWord(rel, value)
	}
}

func (c *consoleWindow) route(offset uint32) (Handler, uint32, bool) {
	switch {
	case offset >= ioregs.ConsoleRCSROffset && offset <= ioregs.ConsoleXBUFOffset && c.dl11 != nil:
		return c.dl11, offset - ioregs.ConsoleRCSROffset, true
	case offset >= ioregs.PTROffsetInWindow && offset < ioregs.PTROffsetInWindow+4 && c.ptr != nil:
		return c.ptr, offset - ioregs.PTROffsetInWindow, true
	case offset >= ioregs.LPOffsetInWindow && offset < ioregs.LPOffsetInWindow+4 && c.lp11 != nil:
		return c.lp11, offset - ioregs.LPOffsetInWindow, true
	case offset >= ioregs.KW11OffsetInWindow && offset < ioregs.KW11OffsetInWindow+2 && c.kw11 != nil:
		return c.kw11, offset - ioregs.KW11OffsetInWindow, true
	}
	return nil, 0, false
}
