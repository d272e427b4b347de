package dl11

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/pdp11io/internal/busapi"
	"github.com/behrlich/pdp11io/internal/ioregs"
)

type fakeBus struct {
	deferred   []func()
	interrupts []uint16
	vt52       []byte
}

func (b *fakeBus) ReadWordPhysical(addr uint32) int32                { return 0 }
func (b *fakeBus) WriteWordPhysical(addr uint32, value uint16) int32 { return 0 }
func (b *fakeBus) WriteBytePhysical(addr uint32, value uint8) int32  { return 0 }
func (b *fakeBus) MapUnibus(addr18 uint32) uint32                    { return addr18 }
func (b *fakeBus) Trap(vector uint16, code uint16) int32             { return -1 }
func (b *fakeBus) CancelInterrupts(vector uint16)                    {}
func (b *fakeBus) Panic(reason string)                               {}
func (b *fakeBus) SetMMUMode(mode int)                               {}
func (b *fakeBus) VT52Put(unit int, ch byte)                         { b.vt52 = append(b.vt52, ch) }
func (b *fakeBus) VT52Reset(unit int)                                {}
func (b *fakeBus) Defer(fn func())                                   { b.deferred = append(b.deferred, fn) }
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

func TestInputSetsDoneAndRefusesWhenAlreadyPending(t *testing.T) {
	bus := &fakeBus{}
	c := New(bus, nil)

	assert.True(t, c.Input(0, 'a'))
	assert.False(t, c.Input(0, 'b'))
	assert.EqualValues(t, 'a', c.regs[0].RBUF)
}

func TestReadingRBUFClearsDone(t *testing.T) {
	bus := &fakeBus{}
	c := New(bus, nil)
	c.Input(0, 'x')

	v := c.readWord(0, ioregs.DL11OffRBUF)
	assert.EqualValues(t, 'x', v)
	assert.Zero(t, c.regs[0].RCSR&csrDone)
}

func TestTransmitForwardsPrintableCharsToVT52(t *testing.T) {
	bus := &fakeBus{}
	c := New(bus, nil)

	c.writeWord(0, ioregs.DL11OffXBUF, 'H')
	bus.runDeferred()

	assert.Equal(t, []byte{'H'}, bus.vt52)
	assert.NotZero(t, c.regs[0].XCSR&csrDone)
}

func TestTransmitDropsControlCharactersFromVT52ButStillCompletes(t *testing.T) {
	bus := &fakeBus{}
	c := New(bus, nil)

	c.writeWord(0, ioregs.DL11OffXBUF, 3) // ^C, below the [8,127) window
	bus.runDeferred()

	assert.Empty(t, bus.vt52)
	assert.NotZero(t, c.regs[0].XCSR&csrDone)
}

func TestReceiveInterruptUsesUnitVectorBase(t *testing.T) {
	bus := &fakeBus{}
	c := New(bus, nil)
	c.regs[0].RCSR |= csrIE

	c.Input(0, 'z')

	require.Len(t, bus.interrupts, 1)
	assert.EqualValues(t, 0o60, bus.interrupts[0])
}

func TestTransmitInterruptUsesBasePlusFour(t *testing.T) {
	bus := &fakeBus{}
	c := New(bus, nil)
	c.regs[0].XCSR |= csrIE

	c.writeWord(0, ioregs.DL11OffXBUF, 'Q')
	bus.runDeferred()

	require.Len(t, bus.interrupts, 1)
	assert.EqualValues(t, 0o64, bus.interrupts[0])
}

func TestUnitHandlerRoutesToCorrectUnit(t *testing.T) {
	bus := &fakeBus{}
	c := New(bus, nil)
	c.SetVectorBase(1, 0o300)

	h1 := c.Unit(1)
	h1.WriteWord(ioregs.DL11OffXBUF, 'A')
	bus.runDeferred()

	assert.Equal(t, []byte{'A'}, bus.vt52)
	assert.Zero(t, c.regs[0].RBUF) // unit 0 untouched
}
