// Package rp11 implements the RP11 Massbus disk controller: 8 drives
// (RP04/RP06/RM03), a shared controller register file, and per-drive
// registers gated by the selected drive's DVA bit.
package rp11

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
	bytesPerSector = constants.RPSectorSize

	vector   = 0o254
	priority = 5
)

// cs1 bit layout.
const (
	cs1FuncMask  = 0o77 // bits 0-5, bit 0 is go
	cs1IE        = 1 << 6
	cs1Ready     = 1 << 7
	cs1ExtShift  = 8
	cs1ExtMask   = 0x3
	cs1DVA       = 1 << 11
	cs1TRE       = 1 << 14
	cs1SC        = 1 << 15

	cs1ReadOnly = cs1Ready | cs1DVA
	cs1Writable = cs1FuncMask | cs1IE | (cs1ExtMask << cs1ExtShift)
	cs1W1C      = cs1TRE | cs1SC
)

// cs2 bit layout.
const (
	cs2UnitShift = 0
	cs2UnitMask  = 0x7
	cs2NED       = 1 << 12
)

// Function codes, cs1 bits 0-5 (includes the go bit).
const (
	fnNop              = 0o01
	fnUnload           = 0o03
	fnSeek             = 0o05
	fnRecalibrate      = 0o07
	fnInit             = 0o11
	fnRelease          = 0o13
	fnOffset           = 0o15
	fnReturnCenterline = 0o17
	fnReadInPreset     = 0o21
	fnPackAck          = 0o23
	fnSearch           = 0o31
	fnWrite            = 0o61
	fnRead             = 0o71
)

// geometry holds the fixed cylinder/surface/sector counts for a drive
// model; units are attached with one of these.
type geometry struct {
	cylinders, surfaces, sectors int
}

var geometries = map[ioregs.DriveType]geometry{
	ioregs.DriveTypeRP04: {cylinders: 411, surfaces: 19, sectors: 22},
	ioregs.DriveTypeRP06: {cylinders: 815, surfaces: 19, sectors: 22},
	ioregs.DriveTypeRM03: {cylinders: 823, surfaces: 5, sectors: 48},
}

// Drive is one of RP11's eight Massbus units.
type Drive struct {
	Meta *cache.DriveMeta
	Regs ioregs.RP11Drive
}

func (d *Drive) present() bool { return d.Regs.Type != ioregs.DriveTypeNone }

func (d *Drive) sectorsPerCylinder() int { return d.Regs.Surfaces * d.Regs.Sectors }

// Controller owns the RP11 shared register file and its eight drives.
type Controller struct {
	mu sync.Mutex

	regs     ioregs.RP11
	drives   [constants.RPUnits]Drive
	selected int

	bus      busapi.Bus
	engine   *xfer.Engine
	log      *logging.Logger
	optional busapi.OptionalDevice

	seeks     uint64
	transfers uint64
	errors    uint64
}

// SetOptionalDevice installs dev as the collaborator for the ADCR
// fallback window above RP11's own registers (spec.md's "VT11, VG11,
// ADCR are accessed via optional dispatch and noted as stubs"). A nil
// dev (the default) leaves that window stubbed: reads as zero, writes
// discarded.
func (c *Controller) SetOptionalDevice(dev busapi.OptionalDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.optional = dev
}

// New creates an RP11 controller sharing engine with the rest of the bus.
func New(bus busapi.Bus, engine *xfer.Engine, log *logging.Logger) *Controller {
	return &Controller{bus: bus, engine: engine, log: log}
}

// Attach configures unit as a drive of the given model.
func (c *Controller) Attach(unit int, driveType ioregs.DriveType, url string, fetcher cache.Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := geometries[driveType]
	c.drives[unit] = Drive{
		Meta: cache.NewDriveMeta(unit, url, true, fetcher),
		Regs: ioregs.RP11Drive{
			Type:      driveType,
			Cylinders: g.cylinders,
			Surfaces:  g.surfaces,
			Sectors:   g.sectors,
		},
	}
}

func (c *Controller) selectedDrive() *Drive {
	return &c.drives[c.selected]
}

// ReadWord implements dispatch.Handler.
func (c *Controller) ReadWord(offset uint32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch offset {
	case ioregs.RP11OffCS1:
		return int32(c.cs1View())
	case ioregs.RP11OffWC:
		return int32(c.regs.WC)
	case ioregs.RP11OffBA:
		return int32(c.regs.BA)
	case ioregs.RP11OffCS2:
		return int32(c.regs.CS2)
	case ioregs.RP11OffBAE:
		return int32(c.regs.BAE)
	case ioregs.RP11OffCS3:
		return int32(c.regs.CS3)
	case ioregs.RP11OffAS:
		return int32(c.regs.AS)
	}

	d := c.selectedDrive()
	if !d.present() {
		return c.readOptional(offset)
	}
	switch offset {
	case ioregs.RP11OffDS:
		return int32(c.driveStatusWord(d))
	case ioregs.RP11OffER1:
		return int32(d.Regs.ER1)
	case ioregs.RP11OffLA:
		return int32(d.Regs.LA)
	case ioregs.RP11OffMR:
		return int32(d.Regs.MR)
	case ioregs.RP11OffDT:
		return int32(d.Regs.DT)
	case ioregs.RP11OffSN:
		return int32(d.Regs.SN)
	case ioregs.RP11OffOF:
		return int32(d.Regs.OF)
	case ioregs.RP11OffDC:
		return int32(d.Regs.DC)
	case ioregs.RP11OffCC:
		return int32(d.Regs.CC)
	case ioregs.RP11OffER2:
		return int32(d.Regs.ER2)
	case ioregs.RP11OffER3:
		return int32(d.Regs.ER3)
	case ioregs.RP11OffEC1:
		return int32(d.Regs.EC1)
	case ioregs.RP11OffEC2:
		return int32(d.Regs.EC2)
	case ioregs.RP11OffDA:
		return int32(d.Regs.DA)
	}
	return c.readOptional(offset)
}

// readOptional serves an offset none of RP11's own registers claim. Above
// RP11OffADCR that is the optional ADCR fallback window; below it, it is
// simply an unused register slot, stubbed the same way.
func (c *Controller) readOptional(offset uint32) int32 {
	if c.optional == nil || offset < ioregs.RP11OffADCR {
		return 0
	}
	return c.optional.ReadWord(offset - ioregs.RP11OffADCR)
}

// cs1View synthesizes the DVA and ready bits from the selected drive's
// state on every read, since they are not separately persisted.
func (c *Controller) cs1View() uint16 {
	cs1 := c.regs.CS1 | cs1Ready
	if c.selectedDrive().present() {
		cs1 |= cs1DVA
	} else {
		cs1 &^= cs1DVA
	}
	return cs1
}

// WriteWord implements dispatch.Handler.
func (c *Controller) WriteWord(offset uint32, value uint16) {
	c.mu.Lock()

	switch offset {
	case ioregs.RP11OffCS1:
		merged := bits.Merge(c.regs.CS1, value, cs1Writable)
		merged = bits.ClearOnWrite(merged, value, cs1W1C)
		c.regs.CS1 = merged
		if value&1 != 0 {
			c.mu.Unlock()
			c.bus.Defer(c.startFunction)
			return
		}
	case ioregs.RP11OffWC:
		c.regs.WC = value
	case ioregs.RP11OffBA:
		c.regs.BA = value
	case ioregs.RP11OffCS2:
		unit := int(bits.Field(value, cs2UnitShift, cs2UnitMask))
		c.regs.CS2 = value &^ cs2NED
		c.selected = unit
		if !c.drives[unit].present() {
			c.regs.CS2 |= cs2NED
			c.regs.CS1 |= cs1SC | cs1TRE
		}
	case ioregs.RP11OffBAE:
		c.regs.BAE = value
	case ioregs.RP11OffCS3:
		c.regs.CS3 = value
	case ioregs.RP11OffAS:
		if value > 0 { // preserve the "zero write is a no-op" quirk exactly
			c.regs.AS &^= value
			c.regs.CS1 &^= cs1SC
		}
	default:
		c.writeDriveRegister(offset, value)
	}
	c.mu.Unlock()
}

func (c *Controller) writeDriveRegister(offset uint32, value uint16) {
	d := c.selectedDrive()
	if !d.present() {
		c.writeOptional(offset, value)
		return
	}
	switch offset {
	case ioregs.RP11OffDA:
		d.Regs.DA = value
	case ioregs.RP11OffMR:
		d.Regs.MR = value
	case ioregs.RP11OffOF:
		d.Regs.OF = value
	case ioregs.RP11OffDC:
		d.Regs.DC = value
	default:
		c.writeOptional(offset, value)
	}
}

// writeOptional is WriteWord's counterpart to readOptional.
func (c *Controller) writeOptional(offset uint32, value uint16) {
	if c.optional == nil || offset < ioregs.RP11OffADCR {
		return
	}
	c.optional.WriteWord(offset-ioregs.RP11OffADCR, value)
}

func (c *Controller) driveStatusWord(d *Drive) uint16 {
	var ds uint16 = 1<<6 | 1<<11 // mounted online, drive ready
	if d.Regs.Type == ioregs.DriveTypeRP06 {
		ds |= 1 << 1
	}
	return ds
}

// startFunction runs on the bus's deferred slot, mirroring RK11/RL11's
// "write returns before I/O begins" contract.
func (c *Controller) startFunction() {
	c.mu.Lock()

	c.regs.CS1 &^= cs1SC | cs1TRE
	c.regs.CS2 &^= cs2NED

	d := c.selectedDrive()
	unit := c.selected
	fn := bits.Field(c.regs.CS1, 0, cs1FuncMask)

	if !d.present() {
		c.regs.CS2 |= cs2NED
		c.regs.CS1 |= cs1SC | cs1TRE
		c.mu.Unlock()
		c.complete(unit)
		return
	}

	switch fn {
	case fnNop, fnRelease, fnPackAck:
		c.mu.Unlock()
		c.complete(unit)
		return

	case fnSeek, fnRecalibrate, fnReadInPreset, fnReturnCenterline:
		c.seeks++
		if fn == fnRecalibrate || fn == fnReadInPreset || fn == fnReturnCenterline {
			d.Regs.DC = 0
		} else {
			d.Regs.DC = d.Regs.DA & 0x3FF
		}
		d.Regs.CC = d.Regs.DC
		c.mu.Unlock()
		c.complete(unit)
		return

	case fnOffset, fnUnload, fnInit:
		c.mu.Unlock()
		c.complete(unit)
		return

	case fnSearch:
		if int(d.Regs.DC) >= d.Regs.Cylinders {
			c.regs.CS1 |= cs1TRE
			d.Regs.ER1 |= 1 << 8 // invalid address
			c.errors++
		}
		c.mu.Unlock()
		c.complete(unit)
		return
	}

	cyl := int(d.Regs.DC)
	sector := int(d.Regs.DA & 0xFF)
	if cyl >= d.Regs.Cylinders || sector >= d.sectorsPerCylinder() {
		c.regs.CS1 |= cs1TRE
		d.Regs.ER1 |= 1 << 9 // header not found
		c.errors++
		c.mu.Unlock()
		c.complete(unit)
		return
	}

	position := int64(cyl*d.sectorsPerCylinder()+sector) * bytesPerSector
	words := (0x10000 - uint32(c.regs.WC)) & 0xFFFF
	byteCount := int(words) * 2
	address := uint32(c.regs.BA) |
		(uint32(bits.Field(c.regs.CS1, cs1ExtShift, cs1ExtMask)) << 16) |
		(uint32(c.regs.BAE&0xF) << 18)

	var op int
	switch fn {
	case fnWrite:
		op = xfer.OpWrite
	case fnRead:
		op = xfer.OpRead
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

func (c *Controller) finishTransfer(unit, errCode int, position int64, address uint32, count int) {
	c.mu.Lock()

	c.regs.BA = uint16(address)
	c.regs.CS1 = bits.SetField(c.regs.CS1, cs1ExtShift, cs1ExtMask, uint16(address>>16))
	c.regs.BAE = uint16(address>>18) & 0xF

	wordsRemaining := uint16(count / 2)
	c.regs.WC = uint16((0x10000 - uint32(wordsRemaining)) & 0xFFFF)

	d := &c.drives[unit]
	sectorIdx := position / bytesPerSector
	d.Regs.DC = uint16(int(sectorIdx) / d.sectorsPerCylinder())
	d.Regs.DA = uint16(int(sectorIdx) % d.sectorsPerCylinder())
	d.Regs.CC = d.Regs.DC

	if errCode != xfer.ErrOK {
		c.errors++
		c.regs.CS1 |= cs1TRE
		d.Regs.ER1 |= 1 << 15
	}
	c.mu.Unlock()

	c.complete(unit)
}

func (c *Controller) complete(unit int) {
	c.mu.Lock()
	c.regs.AS |= 1 << uint(unit)
	ie := c.regs.CS1&cs1IE != 0
	c.mu.Unlock()

	if ie {
		c.bus.Interrupt(0, priority, vector, unit, nil, nil)
	}
}

// Reset clears the shared and per-drive register files but preserves
// cached disk blocks.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = ioregs.RP11{}
	c.selected = 0
	for i := range c.drives {
		c.drives[i].Regs.DA = 0
		c.drives[i].Regs.DC = 0
		c.drives[i].Regs.CC = 0
		c.drives[i].Regs.ER1 = 0
		c.drives[i].Regs.ER2 = 0
		c.drives[i].Regs.ER3 = 0
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
