// Package rl11 implements the RL11 disk controller: 4 RL01/RL02 units,
// 40 sectors per track, 256-byte sectors.
package rl11

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
	sectorsPerTrack = constants.RLSectorsPerTrack
	bytesPerSector  = constants.RLSectorSize

	vector   = 0o160
	priority = 5

	rl01Cylinders = constants.RLTracksRL01
	rl02Cylinders = constants.RLTracksRL02
)

// csr bit layout.
const (
	csrGo        = 1 << 0
	csrFuncShift = 1
	csrFuncMask  = 0x7
	csrBAExtShift = 4
	csrBAExtMask  = 0x3
	csrIE        = 1 << 6
	csrDone      = 1 << 7
	csrUnitShift = 8
	csrUnitMask  = 0x3
	csrErr       = 1 << 14
	csrHNF       = 1 << 10

	csrReadOnly = csrDone | csrErr | csrHNF
	csrWritable = ^uint16(csrReadOnly)
)

// Function codes, csr bits 1-3.
const (
	fnNoOp            = 0
	fnWriteCheck      = 1
	fnGetStatus       = 2
	fnSeek            = 3
	fnReadHeader      = 4
	fnWrite           = 5
	fnRead            = 6
	fnReadNoHeaderChk = 7
)

// Drive is one of RL11's four units.
type Drive struct {
	Meta       *cache.DriveMeta
	RL02       bool
	dar        int // internal seek-target cylinder, distinct from the programmer-visible DA
	currentCyl int
}

func (d *Drive) maxCylinder() int {
	if d.RL02 {
		return rl02Cylinders
	}
	return rl01Cylinders
}

// Controller owns the RL11 shared register file and its four drives.
type Controller struct {
	mu sync.Mutex

	regs   ioregs.RL11
	drives [constants.RLUnits]Drive

	bus    busapi.Bus
	engine *xfer.Engine
	log    *logging.Logger

	seeks     uint64
	transfers uint64
	errors    uint64
}

// New creates an RL11 controller sharing engine with the rest of the bus.
func New(bus busapi.Bus, engine *xfer.Engine, log *logging.Logger) *Controller {
	return &Controller{bus: bus, engine: engine, log: log}
}

// Attach configures unit as present, RL01 or RL02 depending on rl02.
func (c *Controller) Attach(unit int, rl02 bool, url string, fetcher cache.Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drives[unit] = Drive{
		Meta: cache.NewDriveMeta(unit, url, true, fetcher),
		RL02: rl02,
	}
}

func (c *Controller) ReadWord(offset uint32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch offset {
	case ioregs.RL11OffCS:
		return int32(c.regs.CS)
	case ioregs.RL11OffBA:
		return int32(c.regs.BA)
	case ioregs.RL11OffDA:
		return int32(c.regs.DA)
	case ioregs.RL11OffMP:
		return int32(c.regs.MP)
	}
	return 0
}

func (c *Controller) WriteWord(offset uint32, value uint16) {
	c.mu.Lock()
	switch offset {
	case ioregs.RL11OffCS:
		doneWasSet := c.regs.CS&csrDone != 0
		c.regs.CS = bits.Merge(c.regs.CS, value, csrWritable)
		if value&csrGo != 0 && doneWasSet {
			c.mu.Unlock()
			c.bus.Defer(c.startFunction)
			return
		}
	case ioregs.RL11OffBA:
		c.regs.BA = value
	case ioregs.RL11OffDA:
		c.regs.DA = value
	case ioregs.RL11OffMP:
		c.regs.MP = value
	}
	c.mu.Unlock()
}

func (c *Controller) startFunction() {
	c.mu.Lock()

	c.regs.CS &^= csrDone | csrErr | csrHNF

	unit := int(bits.Field(c.regs.CS, csrUnitShift, csrUnitMask))
	fn := bits.Field(c.regs.CS, csrFuncShift, csrFuncMask)
	d := &c.drives[unit]

	switch fn {
	case fnNoOp:
		c.mu.Unlock()
		c.complete(unit)
		return

	case fnSeek:
		c.seeks++
		offset := int(int8(c.regs.DA >> 7)) // signed cylinder delta, DA bits 7-14
		d.dar += offset
		if d.dar < 0 {
			d.dar = 0
		}
		d.currentCyl = d.dar
		c.mu.Unlock()
		c.complete(unit)
		return

	case fnGetStatus:
		status := c.driveStatusWord(d)
		if c.regs.MP&8 != 0 {
			c.regs.CS &^= csrErr | csrHNF
		}
		c.regs.MP = status
		c.mu.Unlock()
		c.complete(unit)
		return

	case fnReadHeader:
		c.regs.MP = uint16(d.currentCyl)
		c.mu.Unlock()
		c.complete(unit)
		return
	}

	sector := int(c.regs.DA & 0x3F)
	cyl := int(c.regs.DA >> 6)
	if sector >= sectorsPerTrack || cyl >= d.maxCylinder() {
		c.regs.CS |= csrHNF | csrErr
		c.mu.Unlock()
		c.complete(unit)
		return
	}

	position := int64(cyl*sectorsPerTrack+sector) * bytesPerSector
	words := (0x10000 - uint32(c.regs.MP)) & 0xFFFF
	byteCount := int(words) * 2
	address := uint32(c.regs.BA) | (uint32(bits.Field(c.regs.CS, csrBAExtShift, csrBAExtMask)) << 16)

	var op int
	switch fn {
	case fnWrite:
		op = xfer.OpWrite
	case fnRead, fnReadNoHeaderChk:
		op = xfer.OpRead
	case fnWriteCheck:
		op = xfer.OpCheck
	default:
		c.mu.Unlock()
		c.complete(unit)
		return
	}

	c.transfers++
	d.Meta.PostProcess = func(meta *cache.DriveMeta, errCode int, pos int64, addr uint32, count int) {
		c.finishTransfer(unit, errCode, pos, addr, count)
	}
	c.mu.Unlock()
	c.engine.Run(op, d.Meta, position, address, byteCount)
}

func (c *Controller) driveStatusWord(d *Drive) uint16 {
	var status uint16 = 1 << 0 // lock on
	if d.RL02 {
		status |= 1 << 1
	}
	if d.dar&1 != 0 {
		status |= 1 << 4 // head select
	}
	return status
}

func (c *Controller) finishTransfer(unit, errCode int, position int64, address uint32, count int) {
	c.mu.Lock()

	c.regs.BA = uint16(address)
	c.regs.CS = bits.SetField(c.regs.CS, csrBAExtShift, csrBAExtMask, uint16(address>>16))

	wordsRemaining := uint16(count / 2)
	c.regs.MP = uint16((0x10000 - uint32(wordsRemaining)) & 0xFFFF)

	sectorIdx := position / bytesPerSector
	cyl := uint16(sectorIdx / sectorsPerTrack)
	sector := uint16(sectorIdx % sectorsPerTrack)
	c.regs.DA = (cyl << 6) | sector

	if errCode != xfer.ErrOK {
		c.errors++
		c.regs.CS |= csrErr
	}
	c.mu.Unlock()

	c.complete(unit)
}

func (c *Controller) complete(unit int) {
	c.mu.Lock()
	c.regs.CS |= csrDone
	ie := c.regs.CS&csrIE != 0
	c.mu.Unlock()

	if ie {
		c.bus.Interrupt(0, priority, vector, unit, nil, nil)
	}
}

// Reset clears the register file and per-drive seek state but preserves
// cache contents.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = ioregs.RL11{}
	c.regs.CS = csrDone
	for i := range c.drives {
		c.drives[i].dar = 0
		c.drives[i].currentCyl = 0
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
