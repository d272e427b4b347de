// Package rk11 implements the RK11 moving-head disk controller: 8 units,
// 12 sectors per track, 512-byte sectors, programmed through rkcs/rkwc/
// rkba/rkda/rkds/rker.
package rk11

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
	sectorsPerTrack = constants.RKSectorsPerTrack
	bytesPerSector  = constants.RKSectorSize

	vector   = 0o220
	priority = 5
)

// rkcs bit layout.
const (
	csGo        = 1 << 0
	csFuncShift = 1
	csFuncMask  = 0x7
	csBAExtShift = 4
	csBAExtMask  = 0x3
	csIE        = 1 << 6
	csDone      = 1 << 7
	csUnitShift = 8
	csUnitMask  = 0x7
	csSearchComplete = 1 << 13
	csErrSummary = 1 << 15

	csReadOnly = csDone | csSearchComplete | csErrSummary
	csWritable = ^uint16(csReadOnly)
)

// rker bit layout — finer-grained than rkcs's single error-summary bit.
const (
	erNXD = 1 << 0
	erNXC = 1 << 1
	erNXS = 1 << 2
	erTE  = 1 << 3
	erNXM = 1 << 4
	erWCE = 1 << 5
)

// Function codes, rkcs bits 1-3.
const (
	fnControllerReset = 0
	fnWrite           = 1
	fnRead            = 2
	fnWriteCheck      = 3
	fnSeek            = 4
	fnReadCheck       = 5
	fnDriveReset      = 6
	fnWriteLock       = 7
)

// Drive is one of RK11's eight units.
type Drive struct {
	Meta      *cache.DriveMeta
	Tracks    int // 0 means non-existent (NXD)
	WriteLock bool
}

// Controller owns the RK11 shared register file and its eight drives.
type Controller struct {
	mu sync.Mutex

	regs   ioregs.RK11
	drives [constants.RKUnits]Drive

	bus    busapi.Bus
	engine *xfer.Engine
	log    *logging.Logger

	seeks      uint64
	transfers  uint64
	errors     uint64
}

// New creates an RK11 controller. engine is shared with every other
// disk/tape controller on the bus; bus provides interrupt delivery and
// the zero-delay scheduler hook.
func New(bus busapi.Bus, engine *xfer.Engine, log *logging.Logger) *Controller {
	return &Controller{bus: bus, engine: engine, log: log}
}

// Attach configures unit with its geometry and backing fetcher. An unit
// with tracks == 0 remains non-existent (NXD).
func (c *Controller) Attach(unit int, tracks int, writeLock bool, url string, fetcher cache.Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drives[unit] = Drive{
		Meta:      cache.NewDriveMeta(unit, url, true, fetcher),
		Tracks:    tracks,
		WriteLock: writeLock,
	}
}

// ReadWord implements dispatch.Handler.
func (c *Controller) ReadWord(offset uint32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch offset {
	case ioregs.RK11OffCS:
		return int32(c.regs.CS)
	case ioregs.RK11OffWC:
		return int32(c.regs.WC)
	case ioregs.RK11OffBA:
		return int32(c.regs.BA)
	case ioregs.RK11OffDA:
		return int32(c.regs.DA)
	case ioregs.RK11OffDS:
		return int32(c.driveStatus())
	case ioregs.RK11OffER:
		return int32(c.regs.ER)
	}
	return 0
}

// WriteWord implements dispatch.Handler.
func (c *Controller) WriteWord(offset uint32, value uint16) {
	c.mu.Lock()

	switch offset {
	case ioregs.RK11OffCS:
		doneWasSet := c.regs.CS&csDone != 0
		c.regs.CS = bits.Merge(c.regs.CS, value, csWritable)
		if value&csGo != 0 && doneWasSet {
			c.mu.Unlock()
			c.bus.Defer(c.startFunction)
			return
		}
	case ioregs.RK11OffWC:
		c.regs.WC = value
	case ioregs.RK11OffBA:
		c.regs.BA = value
	case ioregs.RK11OffDA:
		c.regs.DA = value
	}
	c.mu.Unlock()
}

// driveStatus synthesizes rkds for the currently selected unit: non-
// existent drives report 0 (no ready bit), present drives report ready
// (bit 6) and write-locked (bit 13) when applicable.
func (c *Controller) driveStatus() uint16 {
	unit := bits.Field(c.regs.CS, csUnitShift, csUnitMask)
	d := &c.drives[unit]
	if d.Tracks == 0 {
		return 0
	}
	var ds uint16 = 1 << 6 // ready
	if d.WriteLock {
		ds |= 1 << 13
	}
	return ds
}

// startFunction runs on the bus's deferred slot, after the CSR write that
// triggered it has retired — required so DOS-11 sees the write complete
// before the controller starts acting on it.
func (c *Controller) startFunction() {
	c.mu.Lock()

	c.regs.CS &^= csDone | csSearchComplete | csErrSummary
	c.regs.ER = 0

	unit := int(bits.Field(c.regs.CS, csUnitShift, csUnitMask))
	fn := bits.Field(c.regs.CS, csFuncShift, csFuncMask)
	d := &c.drives[unit]

	switch fn {
	case fnControllerReset:
		c.regs = ioregs.RK11{}
		c.mu.Unlock()
		c.complete(unit, 0)
		return

	case fnWriteLock:
		d.WriteLock = true
		c.mu.Unlock()
		c.complete(unit, 0)
		return

	case fnSeek, fnDriveReset:
		c.seeks++
		if d.Tracks == 0 {
			c.regs.ER |= erNXD
			c.mu.Unlock()
			c.complete(unit, 0)
			return
		}
		c.mu.Unlock()
		c.complete(unit, 1) // seek-end interrupt lands slightly after command-end
		return
	}

	if d.Tracks == 0 {
		c.regs.ER |= erNXD
		c.mu.Unlock()
		c.complete(unit, 0)
		return
	}

	sector := int(c.regs.DA & 0xF)
	track := int((c.regs.DA >> 4) & 0x1FF)
	if sector >= sectorsPerTrack {
		c.regs.ER |= erNXS
		c.mu.Unlock()
		c.complete(unit, 0)
		return
	}
	if track >= d.Tracks {
		c.regs.ER |= erNXC
		c.mu.Unlock()
		c.complete(unit, 0)
		return
	}

	position := int64(track*sectorsPerTrack+sector) * bytesPerSector
	words := (0x10000 - uint32(c.regs.WC)) & 0xFFFF
	byteCount := int(words) * 2
	address := uint32(c.regs.BA) | (uint32(bits.Field(c.regs.CS, csBAExtShift, csBAExtMask)) << 16)

	var op int
	switch fn {
	case fnWrite:
		op = xfer.OpWrite
	case fnRead:
		op = xfer.OpRead
	case fnWriteCheck, fnReadCheck:
		op = xfer.OpCheck
	default:
		c.mu.Unlock()
		c.complete(unit, 0)
		return
	}

	c.transfers++
	d.Meta.PostProcess = func(meta *cache.DriveMeta, errCode int, pos int64, addr uint32, count int) {
		c.finishTransfer(unit, errCode, pos, addr, count)
	}
	c.mu.Unlock()
	c.engine.Run(op, d.Meta, position, address, byteCount)
}

// finishTransfer is the Transfer Engine's completion callback for a
// data-moving function code.
func (c *Controller) finishTransfer(unit, errCode int, position int64, address uint32, count int) {
	c.mu.Lock()

	c.regs.BA = uint16(address)
	c.regs.CS = bits.SetField(c.regs.CS, csBAExtShift, csBAExtMask, uint16(address>>16))

	wordsRemaining := uint16(count / 2)
	c.regs.WC = uint16((0x10000 - uint32(wordsRemaining)) & 0xFFFF)

	sectorIdx := position / bytesPerSector
	track := uint16(sectorIdx / sectorsPerTrack)
	sector := uint16(sectorIdx % sectorsPerTrack)
	c.regs.DA = (track << 4) | sector

	switch errCode {
	case xfer.ErrRead:
		c.regs.ER |= erTE
	case xfer.ErrNXM:
		c.regs.ER |= erNXM
	case xfer.ErrCompare:
		c.regs.ER |= erWCE
	}
	if errCode != xfer.ErrOK {
		c.errors++
	}
	c.mu.Unlock()

	c.complete(unit, 0)
}

// complete sets done/error-summary and raises the completion interrupt if
// enabled. delayTicks lets seek/reset completions schedule slightly ahead
// of data-transfer completions, matching the source's distinct seek-end
// vs command-end interrupts sharing one vector.
func (c *Controller) complete(unit int, delayTicks int) {
	c.mu.Lock()
	c.regs.CS |= csDone | csSearchComplete
	if c.regs.ER != 0 {
		c.regs.CS |= csErrSummary
	}
	ie := c.regs.CS&csIE != 0
	c.mu.Unlock()

	if ie {
		c.bus.Interrupt(delayTicks, priority, vector, unit, nil, nil)
	}
}

// Reset clears the register file and aborts any in-flight transfer
// tracking, without dropping cached disk blocks.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = ioregs.RK11{}
	c.regs.CS = csDone
	for i := range c.drives {
		if c.drives[i].Meta != nil {
			c.drives[i].Meta.Reset()
		}
	}
}

// Stats reports counters for the shared pdp11io.Metrics aggregator.
func (c *Controller) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"seeks":     c.seeks,
		"transfers": c.transfers,
		"errors":    c.errors,
	}
}
