// Package tm11 implements the TM11 magtape controller: variable-length
// SIMH-format (.tap) records with byte-granular read positioning and
// tape-mark detection.
package tm11

import (
	"sync"

	"github.com/behrlich/pdp11io/internal/bits"
	"github.com/behrlich/pdp11io/internal/busapi"
	"github.com/behrlich/pdp11io/internal/cache"
	"github.com/behrlich/pdp11io/internal/ioregs"
	"github.com/behrlich/pdp11io/internal/logging"
	"github.com/behrlich/pdp11io/internal/xfer"
)

const (
	vector   = 0o224
	priority = 5
)

// mtc bit layout.
const (
	mtcGo        = 1 << 0
	mtcFuncShift = 1
	mtcFuncMask  = 0x7
	mtcIE        = 1 << 6
	mtcDone      = 1 << 7
	mtcUnitShift = 8
	mtcUnitMask  = 0x3

	mtcWritable = mtcFuncMask | mtcIE | (mtcUnitMask << mtcUnitShift)
)

// mts status bits.
const (
	mtsBOT = 1 << 11
	mtsEOF = 1 << 13
	mtsErr = 1 << 15
)

// Functions, mtc bits 1-3.
const (
	fnOffline      = 0
	fnRead         = 1
	fnWrite        = 2
	fnWriteEOF     = 3
	fnSpaceForward = 4
	fnSpaceReverse = 5
	fnWriteIRG     = 6
	fnRewind       = 7
)

// Drive is one of TM11's tape units.
type Drive struct {
	Meta *cache.DriveMeta
}

// Controller owns the TM11 register file and its tape units.
type Controller struct {
	mu sync.Mutex

	regs   ioregs.TM11
	drives [4]Drive

	bus    busapi.Bus
	engine *xfer.Engine
	log    *logging.Logger

	records uint64
	errors  uint64
}

// New creates a TM11 controller sharing engine with the rest of the bus.
func New(bus busapi.Bus, engine *xfer.Engine, log *logging.Logger) *Controller {
	return &Controller{bus: bus, engine: engine, log: log}
}

// Attach configures unit with a backing tape image fetcher.
func (c *Controller) Attach(unit int, url string, fetcher cache.Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drives[unit] = Drive{Meta: cache.NewDriveMeta(unit, url, true, fetcher)}
}

func (c *Controller) selectedDrive() *Drive {
	unit := bits.Field(c.regs.MTC, mtcUnitShift, mtcUnitMask)
	return &c.drives[unit]
}

// ReadWord implements dispatch.Handler.
func (c *Controller) ReadWord(offset uint32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch offset {
	case ioregs.TM11OffMTC:
		return int32(c.regs.MTC)
	case ioregs.TM11OffMTS:
		return int32(c.mtsView())
	case ioregs.TM11OffMTBRC:
		return int32(c.regs.MTBRC)
	case ioregs.TM11OffMTCMA:
		return int32(c.regs.MTCMA)
	case ioregs.TM11OffMTD:
		return int32(c.regs.MTD)
	}
	return 0
}

func (c *Controller) mtsView() uint16 {
	mts := c.regs.MTS
	if c.selectedDrive().Meta.Position == 0 {
		mts |= mtsBOT
	} else {
		mts &^= mtsBOT
	}
	return mts
}

// WriteWord implements dispatch.Handler.
func (c *Controller) WriteWord(offset uint32, value uint16) {
	c.mu.Lock()
	switch offset {
	case ioregs.TM11OffMTC:
		doneWasSet := c.regs.MTC&mtcDone != 0
		c.regs.MTC = bits.Merge(c.regs.MTC, value, mtcWritable)
		if value&mtcGo != 0 && doneWasSet {
			c.mu.Unlock()
			c.bus.Defer(c.startFunction)
			return
		}
	case ioregs.TM11OffMTBRC:
		c.regs.MTBRC = value
	case ioregs.TM11OffMTCMA:
		c.regs.MTCMA = value
	case ioregs.TM11OffMTD:
		c.regs.MTD = value
	}
	c.mu.Unlock()
}

func (c *Controller) startFunction() {
	c.mu.Lock()
	c.regs.MTC &^= mtcDone
	c.regs.MTS &^= mtsEOF | mtsErr

	fn := bits.Field(c.regs.MTC, mtcFuncShift, mtcFuncMask)
	d := c.selectedDrive()

	switch fn {
	case fnOffline, fnWriteIRG:
		c.mu.Unlock()
		c.complete()
		return

	case fnRewind:
		d.Meta.Position = 0
		c.mu.Unlock()
		c.complete()
		return

	case fnWrite:
		words := (0x10000 - uint32(c.regs.MTBRC)) & 0xFFFF
		byteCount := int(words) * 2
		position := d.Meta.Position
		d.Meta.PostProcess = func(meta *cache.DriveMeta, errCode int, pos int64, addr uint32, count int) {
			c.finishWrite(errCode, pos, addr, count)
		}
		c.mu.Unlock()
		c.engine.Run(xfer.OpWrite, d.Meta, position, uint32(c.regs.MTCMA), byteCount)
		return

	case fnWriteEOF:
		d.Meta.Position += 2
		c.regs.MTS |= mtsEOF
		c.mu.Unlock()
		c.complete()
		return

	case fnSpaceForward:
		count := int(c.regs.MTBRC)
		c.mu.Unlock()
		c.spaceForward(d, count)
		return

	case fnSpaceReverse:
		count := int(c.regs.MTBRC)
		c.mu.Unlock()
		c.spaceReverse(d, count)
		return

	case fnRead:
		position := d.Meta.Position
		d.Meta.PostProcess = func(meta *cache.DriveMeta, errCode int, pos int64, addr uint32, count int) {
			c.finishHeaderRead(errCode, pos, addr, count)
		}
		c.mu.Unlock()
		c.engine.Run(xfer.OpRecordAccum, d.Meta, position, 0, 4)
		return
	}

	c.mu.Unlock()
	c.complete()
}

// finishHeaderRead is the op-4 (OpRecordAccum) completion for a read
// function: decodes the 4-byte length prefix now sitting in addr and
// either flags a tape mark or kicks off the data-moving op-2 transfer.
func (c *Controller) finishHeaderRead(errCode int, p0 int64, addr uint32, count int) {
	if errCode != xfer.ErrOK {
		c.mu.Lock()
		c.errors++
		c.regs.MTS |= mtsErr
		c.mu.Unlock()
		c.complete()
		return
	}

	d := c.selectedDrive()
	length := addr

	if ioregs.IsTapeMark(length) || ioregs.IsEndOfMedium(length) {
		c.mu.Lock()
		// p0 is past the 4-byte length word; a mark advances one word
		// from where that word starts.
		d.Meta.Position = p0 - 2
		c.regs.MTS |= mtsEOF
		c.mu.Unlock()
		c.complete()
		return
	}

	c.mu.Lock()
	c.records++
	requested := (0x10000 - uint32(c.regs.MTBRC)) & 0xFFFF
	xferCount := int(requested)
	if int(length) < xferCount {
		xferCount = int(length)
	}
	target := uint32(c.regs.MTCMA)
	d.Meta.PostProcess = func(meta *cache.DriveMeta, errCode int, pos int64, addr uint32, count int) {
		c.finishRead(p0, length, errCode, addr, count)
	}
	c.mu.Unlock()
	c.engine.Run(xfer.OpRead, d.Meta, p0, target, xferCount)
}

// finishRead is the op-2 completion for a read function's data phase: it
// advances the tape position past the record's trailing length word and
// even-alignment pad.
func (c *Controller) finishRead(p0 int64, length uint32, errCode int, addr uint32, count int) {
	c.mu.Lock()
	d := c.selectedDrive()
	d.Meta.Position = (p0 + 4 + int64(length) + 1) &^ 1
	c.regs.MTCMA = uint16(addr)
	c.regs.MTBRC = uint16((0x10000 - uint32(count)) & 0xFFFF)
	if errCode != xfer.ErrOK {
		c.errors++
		c.regs.MTS |= mtsErr
	}
	c.mu.Unlock()
	c.complete()
}

func (c *Controller) finishWrite(errCode int, pos int64, addr uint32, count int) {
	c.mu.Lock()
	d := c.selectedDrive()
	d.Meta.Position = pos
	c.regs.MTCMA = uint16(addr)
	wordsRemaining := uint16(count / 2)
	c.regs.MTBRC = uint16((0x10000 - uint32(wordsRemaining)) & 0xFFFF)
	if errCode != xfer.ErrOK {
		c.errors++
		c.regs.MTS |= mtsErr
	}
	c.mu.Unlock()
	c.complete()
}

// spaceForward recursively walks record headers forward, decrementing
// remaining for each record traversed, stopping at zero or a tape mark.
func (c *Controller) spaceForward(d *Drive, remaining int) {
	if remaining <= 0 {
		c.complete()
		return
	}
	pos := d.Meta.Position
	d.Meta.PostProcess = func(meta *cache.DriveMeta, errCode int, p0 int64, addr uint32, count int) {
		if errCode != xfer.ErrOK {
			c.mu.Lock()
			c.errors++
			c.regs.MTS |= mtsErr
			c.mu.Unlock()
			c.complete()
			return
		}
		length := addr
		if ioregs.IsTapeMark(length) || ioregs.IsEndOfMedium(length) {
			c.mu.Lock()
			d.Meta.Position = p0 - 2
			c.regs.MTS |= mtsEOF
			c.mu.Unlock()
			c.complete()
			return
		}
		c.mu.Lock()
		d.Meta.Position = (p0 + 4 + int64(length) + 1) &^ 1
		c.mu.Unlock()
		c.spaceForward(d, remaining-1)
	}
	c.engine.Run(xfer.OpRecordAccum, d.Meta, pos, 0, 4)
}

// spaceReverse recursively walks record trailing-length fields backward
// the same way, reading the 4 bytes immediately preceding the current
// position (a well-formed .tap record mirrors its length before and
// after the data).
func (c *Controller) spaceReverse(d *Drive, remaining int) {
	if remaining <= 0 || d.Meta.Position < 4 {
		c.complete()
		return
	}
	readAt := d.Meta.Position - 4
	d.Meta.PostProcess = func(meta *cache.DriveMeta, errCode int, p0 int64, addr uint32, count int) {
		if errCode != xfer.ErrOK {
			c.mu.Lock()
			c.errors++
			c.regs.MTS |= mtsErr
			c.mu.Unlock()
			c.complete()
			return
		}
		length := addr
		if ioregs.IsTapeMark(length) {
			c.mu.Lock()
			d.Meta.Position = readAt
			c.regs.MTS |= mtsEOF
			c.mu.Unlock()
			c.complete()
			return
		}
		c.mu.Lock()
		d.Meta.Position = readAt - int64(ioregs.RecordSpan(length)-4)
		c.mu.Unlock()
		c.spaceReverse(d, remaining-1)
	}
	c.engine.Run(xfer.OpRecordAccum, d.Meta, readAt, 0, 4)
}

func (c *Controller) complete() {
	c.mu.Lock()
	c.regs.MTC |= mtcDone
	ie := c.regs.MTC&mtcIE != 0
	c.mu.Unlock()

	if ie {
		c.bus.Interrupt(0, priority, vector, 0, nil, nil)
	}
}

// Reset clears the register file and rewinds no unit, but clears any
// in-flight command state, preserving cached tape image bytes.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = ioregs.TM11{MTC: 0x6080, MTS: 0x65}
	for i := range c.drives {
		if c.drives[i].Meta != nil {
			pos := c.drives[i].Meta.Position
			c.drives[i].Meta.Reset()
			c.drives[i].Meta.Position = pos
		}
	}
}

// Stats reports counters for the shared pdp11io.Metrics aggregator.
func (c *Controller) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"records": c.records,
		"errors":  c.errors,
	}
}
