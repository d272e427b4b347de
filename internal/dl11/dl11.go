// Package dl11 implements the DL11 asynchronous serial line: a receiver
// and transmitter pair per unit, unit 0 being the console.
package dl11

import (
	"sync"

	"github.com/behrlich/pdp11io/internal/bits"
	"github.com/behrlich/pdp11io/internal/busapi"
	"github.com/behrlich/pdp11io/internal/ioregs"
	"github.com/behrlich/pdp11io/internal/logging"
)

const unitCount = 5 // unit 0 (console) plus units 1-4

const (
	csrIE   = 1 << 6
	csrDone = 1 << 7

	csrWritable = csrIE
)

// vectors returns a unit's receive and transmit interrupt vectors, given
// its own base vector (060 for the console, configured per-unit for the
// rest).
func vectors(base uint16) (recv, xmit uint16) { return base, base + 4 }

const consolePriority = 4

// Controller owns every DL11 unit's register file.
type Controller struct {
	mu sync.Mutex

	regs  [unitCount]ioregs.DL11
	bases [unitCount]uint16

	bus busapi.Bus
	log *logging.Logger

	received, transmitted, refused uint64
}

// New creates a DL11 controller; unit 0's vector base is fixed at 060
// per the console convention, additional units are configured via
// SetVectorBase.
func New(bus busapi.Bus, log *logging.Logger) *Controller {
	c := &Controller{bus: bus, log: log}
	c.bases[0] = 0o60
	return c
}

// SetVectorBase configures unit's receive-vector base (the transmit
// vector is always base+4).
func (c *Controller) SetVectorBase(unit int, base uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bases[unit] = base
}

// readWord serves one unit's register reads; the per-unit
// dispatch.Handler is the thin adapter returned by Unit.
func (c *Controller) readWord(unit int, offset uint32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &c.regs[unit]
	switch offset {
	case ioregs.DL11OffRCSR:
		return int32(r.RCSR)
	case ioregs.DL11OffRBUF:
		r.RCSR &^= csrDone
		return int32(r.RBUF)
	case ioregs.DL11OffXCSR:
		return int32(r.XCSR)
	case ioregs.DL11OffXBUF:
		return int32(r.XBUF)
	}
	return 0
}

func (c *Controller) writeWord(unit int, offset uint32, value uint16) {
	c.mu.Lock()
	r := &c.regs[unit]
	switch offset {
	case ioregs.DL11OffRCSR:
		r.RCSR = bits.Merge(r.RCSR, value, csrWritable)
	case ioregs.DL11OffXCSR:
		r.XCSR = bits.Merge(r.XCSR, value, csrWritable)
	case ioregs.DL11OffXBUF:
		r.XBUF = value
		ch := byte(value & 0x7F)
		r.XCSR &^= csrDone
		c.mu.Unlock()
		if ch >= 8 && ch < 127 {
			c.bus.VT52Put(unit, ch)
		}
		c.transmitted++
		c.bus.Defer(func() { c.finishTransmit(unit) })
		return
	}
	c.mu.Unlock()
}

func (c *Controller) finishTransmit(unit int) {
	c.mu.Lock()
	r := &c.regs[unit]
	r.XCSR |= csrDone
	ie := r.XCSR&csrIE != 0
	_, xmitVec := vectors(c.bases[unit])
	c.mu.Unlock()

	if ie {
		c.bus.Interrupt(0, consolePriority, xmitVec, unit, nil, nil)
	}
}

// Input installs ch into unit's receiver buffer and sets done, refusing
// the character (returning false) if a previous character hasn't been
// read yet.
func (c *Controller) Input(unit int, ch byte) bool {
	c.mu.Lock()
	r := &c.regs[unit]
	if r.RCSR&csrDone != 0 {
		c.mu.Unlock()
		c.refused++
		return false
	}
	r.RBUF = uint16(ch)
	r.RCSR |= csrDone
	ie := r.RCSR&csrIE != 0
	recvVec, _ := vectors(c.bases[unit])
	c.received++
	c.mu.Unlock()

	if ie {
		c.bus.Interrupt(0, consolePriority, recvVec, unit, nil, nil)
	}
	return true
}

// Unit returns a dispatch.Handler bound to one unit's register window.
func (c *Controller) Unit(unit int) *UnitHandler { return &UnitHandler{c: c, unit: unit} }

// UnitHandler implements dispatch.Handler for a single DL11 unit,
// letting every unit's 8-byte window register independently with the
// I/O Page Dispatcher while sharing one Controller's state.
type UnitHandler struct {
	c    *Controller
	unit int
}

func (h *UnitHandler) ReadWord(offset uint32) int32 { return h.c.readWord(h.unit, offset) }
func (h *UnitHandler) WriteWord(offset uint32, value uint16) {
	h.c.writeWord(h.unit, offset, value)
}

// Reset clears every unit's register file.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.regs {
		c.regs[i] = ioregs.DL11{}
	}
}

// Stats reports counters for the shared pdp11io.Metrics aggregator.
func (c *Controller) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"received":    c.received,
		"transmitted": c.transmitted,
		"refused":     c.refused,
	}
}
