package ptr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/pdp11io/internal/busapi"
	"github.com/behrlich/pdp11io/internal/ioregs"
	"github.com/behrlich/pdp11io/internal/xfer"
)

type fakeBus struct {
	mem        []byte
	deferred   []func()
	interrupts []uint16
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
func (b *fakeBus) MapUnibus(addr18 uint32) uint32        { return addr18 }
func (b *fakeBus) Trap(vector uint16, code uint16) int32 { return -1 }
func (b *fakeBus) CancelInterrupts(vector uint16)        {}
func (b *fakeBus) Panic(reason string)                   {}
func (b *fakeBus) SetMMUMode(mode int)                   {}
func (b *fakeBus) VT52Put(unit int, ch byte)             {}
func (b *fakeBus) VT52Reset(unit int)                    {}
func (b *fakeBus) Defer(fn func())                       { b.deferred = append(b.deferred, fn) }
func (b *fakeBus) Interrupt(delayTicks, prio int, vector uint16, unit int, cb busapi.InterruptCallback, arg any) {
	b.interrupts = append(b.interrupts, vector)
}

var _ busapi.Bus = (*fakeBus)(nil)

func (b *fakeBus) runDeferred() {
	pending := b.deferred
	b.deferred = nil
	for _, fn := range pending {
		fn()
	}
}

func newTestController(bus *fakeBus) *Controller {
	return New(bus, xfer.New(bus), nil)
}

func TestGoReadsOneByte(t *testing.T) {
	bus := newFakeBus(64)
	c := newTestController(bus)
	c.Attach("", nil)
	c.meta.Cache.Install(0, []byte{0x42})

	c.WriteWord(ioregs.PTROffCSR, csrGo)
	bus.runDeferred()

	assert.EqualValues(t, 0x42, c.regs.BUF)
	assert.NotZero(t, c.regs.CSR&csrDone)
	assert.Zero(t, c.regs.CSR&csrError)
	assert.EqualValues(t, 1, c.meta.Position)
}

func TestGoIgnoredWhileBusy(t *testing.T) {
	bus := newFakeBus(64)
	c := newTestController(bus)
	c.Attach("", nil)
	c.meta.Cache.Install(0, []byte{1, 2, 3})

	c.WriteWord(ioregs.PTROffCSR, csrGo)
	// second go before the deferred completion runs must be ignored
	c.WriteWord(ioregs.PTROffCSR, csrGo)
	assert.Len(t, bus.deferred, 1)
	bus.runDeferred()
}

func TestMissingImageSetsError(t *testing.T) {
	bus := newFakeBus(64)
	c := newTestController(bus)
	c.Attach("", nil)
	c.meta = nil

	c.WriteWord(ioregs.PTROffCSR, csrGo)
	bus.runDeferred()

	assert.NotZero(t, c.regs.CSR&csrError)
	assert.NotZero(t, c.regs.CSR&csrDone)
}

func TestInterruptRaisedWhenIEEnabled(t *testing.T) {
	bus := newFakeBus(64)
	c := newTestController(bus)
	c.Attach("", nil)
	c.meta.Cache.Install(0, []byte{7})

	c.WriteWord(ioregs.PTROffCSR, csrGo|csrIE)
	bus.runDeferred()

	require.Len(t, bus.interrupts, 1)
	assert.EqualValues(t, vector, bus.interrupts[0])
}
