package rk11

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/pdp11io/internal/busapi"
	"github.com/behrlich/pdp11io/internal/ioregs"
	"github.com/behrlich/pdp11io/internal/xfer"
)

// fakeBus is a minimal busapi.Bus double recording interrupts and running
// deferred work synchronously (tests call RunDeferred explicitly to keep
// the "write returns before I/O begins" ordering visible).
type fakeBus struct {
	mem       []byte
	deferred  []func()
	interrupts []interrupt
}

type interrupt struct {
	vector uint16
	prio   int
	unit   int
}

func newFakeBus(size int) *fakeBus { return &fakeBus{mem: make([]byte, size)} }

func (b *fakeBus) ReadWordPhysical(addr uint32) int32 {
	return int32(uint16(b.mem[addr]) | uint16(b.mem[addr+1])<<8)
}
func (b *fakeBus) WriteWordPhysical(addr uint32, value uint16) int32 {
	b.mem[addr] = byte(value)
	b.mem[addr+1] = byte(value >> 8)
	return 0
}
func (b *fakeBus) WriteBytePhysical(addr uint32, value uint8) int32 {
	b.mem[addr] = value
	return 0
}
func (b *fakeBus) MapUnibus(addr18 uint32) uint32 { return addr18 }
func (b *fakeBus) Trap(vector uint16, code uint16) int32 { return -1 }
func (b *fakeBus) Interrupt(delayTicks, prio int, vector uint16, unit int, cb busapi.InterruptCallback, arg any) {
	b.interrupts = append(b.interrupts, interrupt{vector, prio, unit})
}
func (b *fakeBus) CancelInterrupts(vector uint16) {}
func (b *fakeBus) Panic(reason string)            {}
func (b *fakeBus) SetMMUMode(mode int)            {}
func (b *fakeBus) VT52Put(unit int, ch byte)      {}
func (b *fakeBus) VT52Reset(unit int)             {}
func (b *fakeBus) Defer(fn func())                { b.deferred = append(b.deferred, fn) }

var _ busapi.Bus = (*fakeBus)(nil)

func (b *fakeBus) runDeferred() {
	pending := b.deferred
	b.deferred = nil
	for _, fn := range pending {
		fn()
	}
}

func newTestController(bus *fakeBus) *Controller {
	eng := xfer.New(bus)
	return New(bus, eng, nil)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	bus := newFakeBus(8192)
	c := newTestController(bus)
	c.Attach(0, 406, false, "", nil)
	c.drives[0].Meta.Cache.Install(0, nil)

	for i := 0; i < 512; i++ {
		bus.mem[i] = byte(i)
	}

	// done defaults false at power-up; set it so the first "go" is honored.
	c.regs.CS |= csDone

	c.WriteWord(ioregs.RK11OffWC, uint16(0x10000-256)) // 256 words = 512 bytes
	c.WriteWord(ioregs.RK11OffBA, 0)
	c.WriteWord(ioregs.RK11OffDA, 0)
	c.WriteWord(ioregs.RK11OffCS, csGo|(fnWrite<<csFuncShift))
	bus.runDeferred()

	assert.NotZero(t, c.regs.CS&csDone)
	assert.Zero(t, c.regs.ER)
	assert.EqualValues(t, 0, c.regs.WC)

	c.regs.CS |= csDone
	c.WriteWord(ioregs.RK11OffWC, uint16(0x10000-256))
	c.WriteWord(ioregs.RK11OffBA, 1024)
	c.WriteWord(ioregs.RK11OffDA, 0)
	c.WriteWord(ioregs.RK11OffCS, csGo|(fnRead<<csFuncShift))
	bus.runDeferred()

	for i := 0; i < 512; i++ {
		assert.Equal(t, bus.mem[i], bus.mem[1024+i])
	}
}

func TestNonExistentDriveSetsNXDAndErrorSummary(t *testing.T) {
	bus := newFakeBus(4096)
	c := newTestController(bus)
	c.regs.CS |= csDone

	c.WriteWord(ioregs.RK11OffCS, csGo|(fnWrite<<csFuncShift))
	bus.runDeferred()

	assert.NotZero(t, c.regs.ER&erNXD)
	assert.NotZero(t, c.regs.CS&csErrSummary)
	assert.NotZero(t, c.regs.CS&csDone)
}

func TestOutOfRangeSectorSetsNXS(t *testing.T) {
	bus := newFakeBus(4096)
	c := newTestController(bus)
	c.Attach(0, 406, false, "", nil)
	c.regs.CS |= csDone
	c.WriteWord(ioregs.RK11OffDA, 12) // sector 12 >= 12
	c.WriteWord(ioregs.RK11OffCS, csGo|(fnWrite<<csFuncShift))
	bus.runDeferred()

	assert.NotZero(t, c.regs.ER&erNXS)
}

func TestSeekRaisesInterruptWhenIEEnabled(t *testing.T) {
	bus := newFakeBus(4096)
	c := newTestController(bus)
	c.Attach(0, 406, false, "", nil)
	c.regs.CS |= csDone | csIE

	c.WriteWord(ioregs.RK11OffCS, csGo|(fnSeek<<csFuncShift)|csIE)
	bus.runDeferred()

	require.Len(t, bus.interrupts, 1)
	assert.EqualValues(t, vector, bus.interrupts[0].vector)
	assert.EqualValues(t, 1, c.seeks)
}

func TestGoWithoutDoneIsIgnored(t *testing.T) {
	bus := newFakeBus(4096)
	c := newTestController(bus)
	c.Attach(0, 406, false, "", nil)
	// done is clear by default; a "go" write must not be honored
	c.WriteWord(ioregs.RK11OffCS, csGo|(fnSeek<<csFuncShift))
	bus.runDeferred()

	assert.Zero(t, c.seeks)
}

func TestWriteCheckMismatchSetsWCE(t *testing.T) {
	bus := newFakeBus(8192)
	c := newTestController(bus)
	c.Attach(0, 406, false, "", nil)
	c.drives[0].Meta.Cache.Install(0, nil)

	c.regs.CS |= csDone
	c.WriteWord(ioregs.RK11OffWC, uint16(0x10000-8))
	c.WriteWord(ioregs.RK11OffBA, 0)
	c.WriteWord(ioregs.RK11OffDA, 0)
	c.WriteWord(ioregs.RK11OffCS, csGo|(fnWrite<<csFuncShift))
	bus.runDeferred()

	bus.mem[0] ^= 0xFF // corrupt after the write

	c.regs.CS |= csDone
	c.WriteWord(ioregs.RK11OffWC, uint16(0x10000-8))
	c.WriteWord(ioregs.RK11OffBA, 0)
	c.WriteWord(ioregs.RK11OffDA, 0)
	c.WriteWord(ioregs.RK11OffCS, csGo|(fnWriteCheck<<csFuncShift))
	bus.runDeferred()

	assert.NotZero(t, c.regs.ER&erWCE)
}

func TestResetClearsRegistersButKeepsCache(t *testing.T) {
	bus := newFakeBus(4096)
	c := newTestController(bus)
	c.Attach(0, 406, false, "", nil)
	c.drives[0].Meta.Cache.Install(0, []byte{1, 2, 3})
	c.regs.ER = erNXD

	c.Reset()

	assert.Zero(t, c.regs.ER)
	b, ok := c.drives[0].Meta.Cache.ReadByte(0, 0)
	assert.True(t, ok)
	assert.Equal(t, byte(1), b)
}
