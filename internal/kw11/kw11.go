// Package kw11 implements the KW11 line clock: a nominal 50 Hz done/
// interrupt source with drift-correcting rescheduling. The host CPU loop
// drives it by calling Tick with its own monotonic clock reading; this
// package never reads the wall clock itself.
package kw11

import (
	"sync"
	"time"

	"github.com/behrlich/pdp11io/internal/bits"
	"github.com/behrlich/pdp11io/internal/busapi"
	"github.com/behrlich/pdp11io/internal/constants"
	"github.com/behrlich/pdp11io/internal/ioregs"
	"github.com/behrlich/pdp11io/internal/logging"
)

const (
	vector   = 0o100
	priority = 6
)

const (
	csrIE   = 1 << 6
	csrDone = 1 << 7

	csrWritable = csrIE | csrDone
)

// Controller owns the KW11 register file and its drift-corrected target
// timestamp.
type Controller struct {
	mu sync.Mutex

	regs   ioregs.KW11
	target time.Duration
	armed  bool

	bus busapi.Bus
	log *logging.Logger

	ticks uint64
}

// New creates a KW11 controller.
func New(bus busapi.Bus, log *logging.Logger) *Controller {
	return &Controller{bus: bus, log: log}
}

// ReadWord implements dispatch.Handler.
func (c *Controller) ReadWord(offset uint32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset == ioregs.KW11OffCSR {
		return int32(c.regs.CSR)
	}
	return 0
}

// WriteWord implements dispatch.Handler.
func (c *Controller) WriteWord(offset uint32, value uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset == ioregs.KW11OffCSR {
		c.regs.CSR = bits.Merge(c.regs.CSR, value, csrWritable)
	}
}

// Tick advances the clock given the host's current monotonic time and
// whether the CPU is halted (a halted CPU never observes the tick). It
// reports whether the clock fired this call.
func (c *Controller) Tick(now time.Duration, cpuHalted bool) bool {
	c.mu.Lock()

	if !c.armed {
		c.target = now + constants.KW11TickInterval
		c.armed = true
		c.mu.Unlock()
		return false
	}
	if now < c.target {
		c.mu.Unlock()
		return false
	}

	gap := now - c.target
	if gap > constants.KW11MaxDrift {
		c.target = now + constants.KW11TickInterval
	} else {
		c.target += constants.KW11TickInterval
	}

	if cpuHalted {
		c.mu.Unlock()
		return true
	}

	c.ticks++
	c.regs.CSR |= csrDone
	ie := c.regs.CSR&csrIE != 0
	c.mu.Unlock()

	if ie {
		c.bus.Interrupt(0, priority, vector, constants.AutoAssignUnit, nil, nil)
	}
	return true
}

// Reset clears the register file and disarms the drift-correction
// target, so the next Tick re-synchronizes from whatever time it's
// given rather than firing immediately on stale state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = ioregs.KW11{}
	c.armed = false
}

// Stats reports counters for the shared pdp11io.Metrics aggregator.
func (c *Controller) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"ticks": c.ticks,
	}
}
