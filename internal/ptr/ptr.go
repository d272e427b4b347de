// Package ptr implements the paper-tape reader: a single byte transferred
// per command, backed by the same Image Cache/Transfer Engine machinery
// every other peripheral uses.
package ptr

import (
	"sync"

	"github.com/behrlich/pdp11io/internal/bits"
	"github.com/behrlich/pdp11io/internal/busapi"
	"github.com/behrlich/pdp11io/internal/cache"
	"github.com/behrlich/pdp11io/internal/constants"
	"github.com/behrlich/pdp11io/internal/ioregs"
	"github.com/behrlich/pdp11io/internal/logging"
	"github.com/behrlich/pdp11io/internal/xfer"
)

const (
	vector   = 0o70
	priority = 4
)

// csr bit layout.
const (
	csrGo    = 1 << 0
	csrIE    = 1 << 6
	csrDone  = 1 << 7
	csrBusy  = 1 << 11
	csrError = 1 << 15

	csrWritable = csrIE | csrGo
)

// Controller owns the PTR register file and its single backing image.
type Controller struct {
	mu sync.Mutex

	regs ioregs.PTR
	meta *cache.DriveMeta

	bus    busapi.Bus
	engine *xfer.Engine
	log    *logging.Logger

	reads  uint64
	errors uint64
}

// New creates a PTR controller sharing engine with the rest of the bus.
func New(bus busapi.Bus, engine *xfer.Engine, log *logging.Logger) *Controller {
	return &Controller{bus: bus, engine: engine, log: log}
}

// Attach configures the reader's backing tape image.
func (c *Controller) Attach(url string, fetcher cache.Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta = cache.NewDriveMeta(0, url, true, fetcher)
}

// ReadWord implements dispatch.Handler.
func (c *Controller) ReadWord(offset uint32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch offset {
	case ioregs.PTROffCSR:
		return int32(c.regs.CSR)
	case ioregs.PTROffBUF:
		return int32(c.regs.BUF)
	}
	return 0
}

// WriteWord implements dispatch.Handler.
func (c *Controller) WriteWord(offset uint32, value uint16) {
	c.mu.Lock()
	switch offset {
	case ioregs.PTROffCSR:
		c.regs.CSR = bits.Merge(c.regs.CSR, value, csrWritable)
		if value&csrGo != 0 && c.regs.CSR&(csrError|csrBusy) == 0 {
			c.regs.CSR |= csrBusy
			c.regs.CSR &^= csrDone
			c.mu.Unlock()
			c.bus.Defer(c.startFunction)
			return
		}
	case ioregs.PTROffBUF:
		c.regs.BUF = value
	}
	c.mu.Unlock()
}

func (c *Controller) startFunction() {
	c.mu.Lock()
	if c.meta == nil {
		c.regs.CSR = (c.regs.CSR &^ csrBusy) | csrError | csrDone
		c.errors++
		c.mu.Unlock()
		c.complete()
		return
	}
	position := c.meta.Position
	c.meta.PostProcess = func(meta *cache.DriveMeta, errCode int, pos int64, addr uint32, count int) {
		c.finishRead(errCode, pos, addr)
	}
	c.mu.Unlock()
	c.engine.Run(xfer.OpReadByteDirect, c.meta, position, 0, 1)
}

func (c *Controller) finishRead(errCode int, pos int64, addr uint32) {
	c.mu.Lock()
	c.regs.CSR &^= csrBusy
	c.regs.CSR |= csrDone
	if errCode == xfer.ErrOK {
		c.regs.BUF = uint16(addr & 0xFF)
		c.meta.Position = pos
		c.reads++
	} else {
		c.regs.CSR |= csrError
		c.errors++
	}
	c.mu.Unlock()
	c.complete()
}

func (c *Controller) complete() {
	c.mu.Lock()
	ie := c.regs.CSR&csrIE != 0
	c.mu.Unlock()

	if ie {
		c.bus.Interrupt(0, priority, vector, constants.AutoAssignUnit, nil, nil)
	}
}

// Reset clears the register file but preserves any cached tape bytes.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = ioregs.PTR{}
	if c.meta != nil {
		pos := c.meta.Position
		c.meta.Reset()
		c.meta.Position = pos
	}
}

// Stats reports counters for the shared pdp11io.Metrics aggregator.
func (c *Controller) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"reads":  c.reads,
		"errors": c.errors,
	}
}
