// Package xfer implements the Transfer Engine: the operation-code driven
// word/byte mover between emulated physical memory and the Image Cache
// that every disk and tape controller drives through to do DMA.
package xfer

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/behrlich/pdp11io/internal/cache"
)

// Operation codes, passed as op to Engine.Run.
const (
	OpWrite         = 1 // memory -> cache
	OpRead          = 2 // cache -> memory
	OpCheck         = 3 // memory vs cache compare
	OpRecordAccum   = 4 // cache word -> high 16 bits of address, shifting down
	OpReadByteDirect = 5 // single cache byte -> low 8 bits of address
)

// Completion error codes, passed to a DriveMeta's PostProcess.
const (
	ErrOK      = 0
	ErrRead    = 1 // fetch/read error
	ErrNXM     = 2 // physical memory access rejected
	ErrCompare = 3 // op 3 mismatch
)

// Observer receives timing and outcome events for every Run call and
// every block fetch; pdp11io.MetricsObserver satisfies this interface
// without either package importing the other.
type Observer interface {
	ObserveTransfer(op string, bytes uint64, latencyNs uint64, errCode int)
	ObserveFetch(bytes uint64, latencyNs uint64, endOfMedia bool, err error)
	ObserveInFlight(n uint32)
}

func opName(op int) string {
	switch op {
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpCheck:
		return "check"
	case OpRecordAccum:
		return "record_accum"
	case OpReadByteDirect:
		return "read_byte_direct"
	default:
		return "unknown"
	}
}

// MemAccess is the narrow slice of Bus the engine needs to move bytes
// across the Unibus. Accepting this instead of the full collaborator
// interface keeps the engine testable with nothing but a MockBus.
type MemAccess interface {
	ReadWordPhysical(addr uint32) int32
	WriteWordPhysical(addr uint32, value uint16) int32
	WriteBytePhysical(addr uint32, value uint8) int32
	MapUnibus(addr18 uint32) uint32
}

// Engine runs diskIO operations against one Bus. It holds no per-transfer
// state itself — a transfer's state lives on the DriveMeta passed to Run
// and on Run's call stack, so one Engine can service every controller
// sharing a bus.
type Engine struct {
	bus      MemAccess
	observer Observer
	inFlight atomic.Int32
}

// New creates an Engine bound to bus.
func New(bus MemAccess) *Engine {
	return &Engine{bus: bus}
}

// SetObserver installs o to receive transfer/fetch/in-flight events from
// every Run call this engine services from now on. Passing nil silences
// observation again.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

// Run executes one diskIO operation to completion. A cache miss calls
// meta.Fetcher.FetchBlock on the caller's goroutine, installs the result
// and carries on; the transfer is never suspended, and Run does not
// return before it has finished. The BeginTransfer/EndTransfer gate
// rejects a second Run on the same meta while one is in progress; the
// gate is released just before PostProcess runs, so a PostProcess may
// start a follow-on transfer on the same unit. Run always ends by
// invoking meta.PostProcess exactly once, synchronously, on the caller's
// goroutine.
func (e *Engine) Run(op int, meta *cache.DriveMeta, position int64, address uint32, count int) {
	if !meta.BeginTransfer() {
		panic(fmt.Sprintf("xfer: overlapping transfer on drive %d", meta.Drive))
	}
	defer meta.EndTransfer()

	if e.observer != nil {
		n := e.inFlight.Add(1)
		e.observer.ObserveInFlight(uint32(n))
		defer func() {
			n := e.inFlight.Add(-1)
			e.observer.ObserveInFlight(uint32(n))
		}()

		start := time.Now()
		totalBytes := uint64(count)
		if orig := meta.PostProcess; orig != nil {
			meta.PostProcess = func(m *cache.DriveMeta, errCode int, pos int64, addr uint32, cnt int) {
				e.observer.ObserveTransfer(opName(op), totalBytes, uint64(time.Since(start)), errCode)
				m.PostProcess = orig
				orig(m, errCode, pos, addr, cnt)
			}
		}
	}

	e.step(op, meta, position, address, count)
}

func (e *Engine) step(op int, meta *cache.DriveMeta, position int64, address uint32, count int) {
	for count > 0 {
		block := int(position / cache.BlockSize)
		offset := int(position % cache.BlockSize)

		if !meta.Cache.Has(block) {
			e.fetchAndResume(op, meta, position, address, count, block)
			return
		}

		var ok bool
		position, address, count, ok = e.apply(op, meta, block, offset, position, address, count)
		if !ok {
			return // apply already invoked PostProcess
		}
	}

	e.complete(meta, ErrOK, position, address, count)
}

// apply performs exactly one step's worth of byte/word movement and
// returns the advanced (position, address, count). ok is false when apply
// already completed the transfer itself (an error, a compare mismatch, or
// op 5's single-byte-and-done rule).
func (e *Engine) apply(op int, meta *cache.DriveMeta, block, offset int, position int64, address uint32, count int) (int64, uint32, int, bool) {
	switch op {
	case OpWrite:
		return e.applyWrite(meta, block, offset, position, address, count)
	case OpRead:
		return e.applyRead(meta, block, offset, position, address, count)
	case OpCheck:
		return e.applyCheck(meta, block, offset, position, address, count)
	case OpRecordAccum:
		return e.applyRecordAccum(meta, block, offset, position, address, count)
	case OpReadByteDirect:
		return e.applyReadByteDirect(meta, block, offset, position, address, count)
	default:
		panic(fmt.Sprintf("xfer: unknown operation code %d", op))
	}
}

func (e *Engine) physAddr(meta *cache.DriveMeta, address uint32) uint32 {
	if meta.Mapped {
		return e.bus.MapUnibus(address)
	}
	return address
}

func (e *Engine) applyWrite(meta *cache.DriveMeta, block, offset int, position int64, address uint32, count int) (int64, uint32, int, bool) {
	if count == 1 {
		// trailing odd byte: no word to read, write engine has nothing
		// sensible to source from memory for half a word, so this
		// shape never arises for op 1 in practice; treat defensively
		// as end-of-transfer rather than reading out of bounds.
		e.complete(meta, ErrOK, position, address, 0)
		return 0, 0, 0, false
	}

	w := e.bus.ReadWordPhysical(e.physAddr(meta, address))
	if w < 0 {
		e.complete(meta, ErrNXM, position, address, count)
		return 0, 0, 0, false
	}
	meta.Cache.WriteByte(block, offset, byte(w))
	meta.Cache.WriteByte(block, offset+1, byte(w>>8))
	return position + 2, address + 2, count - 2, true
}

func (e *Engine) applyRead(meta *cache.DriveMeta, block, offset int, position int64, address uint32, count int) (int64, uint32, int, bool) {
	if count == 1 {
		lo, _ := meta.Cache.ReadByte(block, offset)
		if r := e.bus.WriteBytePhysical(e.physAddr(meta, address), lo); r < 0 {
			e.complete(meta, ErrNXM, position, address, count)
			return 0, 0, 0, false
		}
		e.complete(meta, ErrOK, position+1, address+1, 0)
		return 0, 0, 0, false
	}

	lo, _ := meta.Cache.ReadByte(block, offset)
	hi, _ := meta.Cache.ReadByte(block, offset+1)
	word := uint16(lo) | uint16(hi)<<8
	if r := e.bus.WriteWordPhysical(e.physAddr(meta, address), word); r < 0 {
		e.complete(meta, ErrNXM, position, address, count)
		return 0, 0, 0, false
	}
	return position + 2, address + 2, count - 2, true
}

func (e *Engine) applyCheck(meta *cache.DriveMeta, block, offset int, position int64, address uint32, count int) (int64, uint32, int, bool) {
	if count == 1 {
		memByte := int32(e.bus.ReadWordPhysical(e.physAddr(meta, address))) // even a byte check reads a word per the source's accessor surface
		if memByte < 0 {
			e.complete(meta, ErrNXM, position, address, count)
			return 0, 0, 0, false
		}
		lo, _ := meta.Cache.ReadByte(block, offset)
		if byte(memByte) != lo {
			e.complete(meta, ErrCompare, position, address, count)
			return 0, 0, 0, false
		}
		e.complete(meta, ErrOK, position+1, address+1, 0)
		return 0, 0, 0, false
	}

	w := e.bus.ReadWordPhysical(e.physAddr(meta, address))
	if w < 0 {
		e.complete(meta, ErrNXM, position, address, count)
		return 0, 0, 0, false
	}
	lo, _ := meta.Cache.ReadByte(block, offset)
	hi, _ := meta.Cache.ReadByte(block, offset+1)
	cacheWord := uint16(lo) | uint16(hi)<<8
	if uint16(w) != cacheWord {
		e.complete(meta, ErrCompare, position, address, count)
		return 0, 0, 0, false
	}
	return position + 2, address + 2, count - 2, true
}

func (e *Engine) applyRecordAccum(meta *cache.DriveMeta, block, offset int, position int64, address uint32, count int) (int64, uint32, int, bool) {
	lo, _ := meta.Cache.ReadByte(block, offset)
	hi, _ := meta.Cache.ReadByte(block, offset+1)
	word := uint32(lo) | uint32(hi)<<8
	address = (word << 16) | (address >> 16)
	return position + 2, address, count - 2, true
}

func (e *Engine) applyReadByteDirect(meta *cache.DriveMeta, block, offset int, position int64, address uint32, count int) (int64, uint32, int, bool) {
	b, _ := meta.Cache.ReadByte(block, offset)
	address = (address &^ 0xFF) | uint32(b)
	e.complete(meta, ErrOK, position+1, address, 0)
	return 0, 0, 0, false
}

func (e *Engine) fetchAndResume(op int, meta *cache.DriveMeta, position int64, address uint32, count int, block int) {
	if meta.Fetcher == nil {
		e.complete(meta, ErrRead, position, address, count)
		return
	}
	start := time.Now()
	result, err := meta.Fetcher.FetchBlock(block)
	if e.observer != nil {
		endOfMedia := result.Status == cache.StatusRangeNotSatisfiable
		e.observer.ObserveFetch(uint64(len(result.Body)), uint64(time.Since(start)), endOfMedia, err)
	}
	if err != nil {
		e.complete(meta, ErrRead, position, address, count)
		return
	}
	meta.Cache.InstallResult(block, result)
	e.step(op, meta, position, address, count)
}

func (e *Engine) complete(meta *cache.DriveMeta, errCode int, position int64, address uint32, count int) {
	// Release the gate first so PostProcess can chain a follow-on
	// transfer on the same unit (TM11's header-then-data read).
	meta.EndTransfer()
	if meta.PostProcess != nil {
		meta.PostProcess(meta, errCode, position, address, count)
	}
}
