package pdp11io

import (
	"fmt"
	"sync"

	"github.com/behrlich/pdp11io/internal/cache"
)

// MockBus is a test double for Bus. It keeps a tiny byte-addressed
// physical memory so controllers under test can DMA into/out of
// something real, tracks call counts for every method, and records
// Panic and Trap calls so a test can assert on fault paths.
type MockBus struct {
	mu sync.Mutex

	mem     []byte
	ubMap   [32]uint32 // identity by default; tests can override via SetUnibusMapEntry
	ubMapOn bool
	mmuMode int

	traps      []trapCall
	interrupts []interruptCall
	panics     []string
	vt52       map[int][]byte
	deferred   []func()

	readCalls, writeCalls, byteWriteCalls  int
	trapCalls, interruptCalls, cancelCalls int
	panicCalls                             int
}

type trapCall struct {
	Vector uint16
	Code   uint16
}

type interruptCall struct {
	DelayTicks int
	Prio       int
	Vector     uint16
	Unit       int
	Cb         InterruptCallback
	Arg        any
}

// NewMockBus creates a MockBus with memSize bytes of backing physical
// memory (enough to exercise a controller's DMA path without a real CPU
// emulator attached).
func NewMockBus(memSize int) *MockBus {
	mb := &MockBus{
		mem:  make([]byte, memSize),
		vt52: make(map[int][]byte),
	}
	for i := range mb.ubMap {
		mb.ubMap[i] = uint32(i) << 13
	}
	return mb
}

func (m *MockBus) ReadWordPhysical(addr uint32) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls++
	if int(addr)+1 >= len(m.mem) {
		return -1
	}
	return int32(uint16(m.mem[addr]) | uint16(m.mem[addr+1])<<8)
}

func (m *MockBus) WriteWordPhysical(addr uint32, value uint16) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	if int(addr)+1 >= len(m.mem) {
		return -1
	}
	m.mem[addr] = byte(value)
	m.mem[addr+1] = byte(value >> 8)
	return 0
}

func (m *MockBus) WriteBytePhysical(addr uint32, value uint8) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byteWriteCalls++
	if int(addr) >= len(m.mem) {
		return -1
	}
	m.mem[addr] = value
	return 0
}

func (m *MockBus) MapUnibus(addr18 uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ubMapOn {
		return addr18
	}
	entry := addr18 >> 13
	if int(entry) >= len(m.ubMap) {
		return addr18
	}
	return m.ubMap[entry] + (addr18 & 0x1FFF)
}

// SetUnibusMapEntry lets a test install a non-identity Unibus Map entry
// and enable translation.
func (m *MockBus) SetUnibusMapEntry(entry int, physBase uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ubMapOn = true
	m.ubMap[entry] = physBase
}

func (m *MockBus) Trap(vector uint16, code uint16) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trapCalls++
	m.traps = append(m.traps, trapCall{Vector: vector, Code: code})
	return -1
}

func (m *MockBus) Interrupt(delayTicks int, prio int, vector uint16, unit int, cb InterruptCallback, arg any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interruptCalls++
	m.interrupts = append(m.interrupts, interruptCall{
		DelayTicks: delayTicks, Prio: prio, Vector: vector, Unit: unit, Cb: cb, Arg: arg,
	})
}

func (m *MockBus) CancelInterrupts(vector uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	kept := m.interrupts[:0]
	for _, ic := range m.interrupts {
		if ic.Vector != vector {
			kept = append(kept, ic)
		}
	}
	m.interrupts = kept
}

func (m *MockBus) Panic(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicCalls++
	m.panics = append(m.panics, reason)
}

func (m *MockBus) SetMMUMode(mode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mmuMode = mode
}

func (m *MockBus) VT52Put(unit int, ch byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vt52[unit] = append(m.vt52[unit], ch)
}

func (m *MockBus) VT52Reset(unit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vt52, unit)
}

func (m *MockBus) Defer(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferred = append(m.deferred, fn)
}

// RunDeferred runs and clears every Defer'd action, in the order
// submitted. Unlike IoBus's single-slot queue, MockBus keeps every
// deferred call so a test can assert exactly how many command
// completions a sequence of writes queued.
func (m *MockBus) RunDeferred() {
	m.mu.Lock()
	pending := m.deferred
	m.deferred = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Mem exposes the backing physical memory for test setup/assertions
// (e.g. seeding a buffer a controller is about to DMA into).
func (m *MockBus) Mem() []byte { return m.mem }

// Panics returns every reason passed to Panic, in call order.
func (m *MockBus) Panics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.panics...)
}

// Traps returns every (vector, code) pair passed to Trap, in call order.
func (m *MockBus) Traps() []trapCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]trapCall(nil), m.traps...)
}

// VT52Output returns everything VT52Put wrote for the given unit.
func (m *MockBus) VT52Output(unit int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.vt52[unit]...)
}

// CallCounts returns the number of times each Bus method has been
// invoked.
func (m *MockBus) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"read_word":  m.readCalls,
		"write_word": m.writeCalls,
		"write_byte": m.byteWriteCalls,
		"trap":       m.trapCalls,
		"interrupt":  m.interruptCalls,
		"cancel":     m.cancelCalls,
		"panic":      m.panicCalls,
	}
}

var _ Bus = (*MockBus)(nil)

// MockFetcher is a test double implementing cache.Fetcher (declared here,
// rather than in internal/cache, so this module's own root-package tests
// and downstream embedders can share one implementation; internal
// packages cannot import it and use their own stubs). It serves fixed block content
// from an in-memory image and can be told to fail on demand for
// error-injection tests.
type MockFetcher struct {
	mu sync.Mutex

	image     []byte
	failAfter int // -1 disables; 0 fails the very next call
	failErr   error

	fetchCalls int
}

// NewMockFetcher creates a MockFetcher serving image as if it were the
// entire backing disk/tape file.
func NewMockFetcher(image []byte) *MockFetcher {
	return &MockFetcher{image: image, failAfter: -1}
}

// FailNextFetch makes the Nth subsequent FetchBlock call (0-indexed)
// return err instead of bytes.
func (f *MockFetcher) FailNextFetch(afterCalls int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfter = afterCalls
	f.failErr = err
}

// FetchBlock serves blockIndex's bytes out of image, reporting 416 (Range
// Not Satisfiable) once the image is exhausted, matching cache.Fetcher's
// contract exactly as cache.HTTPFetcher would for a real backing file.
func (f *MockFetcher) FetchBlock(blockIndex int) (cache.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++

	if f.failAfter == 0 {
		f.failAfter = -1
		return cache.FetchResult{}, f.failErr
	}
	if f.failAfter > 0 {
		f.failAfter--
	}

	start := blockIndex * cache.BlockSize
	if start >= len(f.image) {
		return cache.FetchResult{Status: cache.StatusRangeNotSatisfiable}, nil
	}
	end := start + cache.BlockSize
	if end > len(f.image) {
		end = len(f.image)
	}
	body := append([]byte(nil), f.image[start:end]...)
	return cache.FetchResult{Status: cache.StatusLocal, Body: body}, nil
}

// FetchCalls returns how many times FetchBlock has been called.
func (f *MockFetcher) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// String satisfies fmt.Stringer for readable test failure output.
func (f *MockFetcher) String() string {
	return fmt.Sprintf("MockFetcher(%d bytes, %d fetches)", len(f.image), f.fetchCalls)
}

var _ cache.Fetcher = (*MockFetcher)(nil)
