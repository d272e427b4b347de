package pdp11io

import (
	"fmt"
	"strings"
	"time"

	"github.com/behrlich/pdp11io/internal/busapi"
	"github.com/behrlich/pdp11io/internal/cache"
	"github.com/behrlich/pdp11io/internal/constants"
	"github.com/behrlich/pdp11io/internal/dispatch"
	"github.com/behrlich/pdp11io/internal/dl11"
	"github.com/behrlich/pdp11io/internal/ioregs"
	"github.com/behrlich/pdp11io/internal/kw11"
	"github.com/behrlich/pdp11io/internal/logging"
	"github.com/behrlich/pdp11io/internal/lp11"
	"github.com/behrlich/pdp11io/internal/mmu"
	"github.com/behrlich/pdp11io/internal/ptr"
	"github.com/behrlich/pdp11io/internal/rk11"
	"github.com/behrlich/pdp11io/internal/rl11"
	"github.com/behrlich/pdp11io/internal/rp11"
	"github.com/behrlich/pdp11io/internal/tm11"
	"github.com/behrlich/pdp11io/internal/xfer"
)

// Bus is the set of CPU/MMU collaborator operations the I/O page and its
// controllers need from the host emulator: a narrow interface this
// module calls into, rather than a struct it owns, so the outer CPU
// emulator keeps control of address translation, trap delivery, and the
// console.
// It is a type alias for internal/busapi.Bus: every controller package
// depends on busapi directly (this package imports them, so they cannot
// import it back), and the alias keeps pdp11io.Bus as the one name
// embedders actually implement against.
type Bus = busapi.Bus

// InterruptCallback is consulted by the Bus immediately before an
// interrupt it was asked to deliver actually fires. Returning false vetoes
// delivery without removing other pending interrupts for the same vector —
// this is how a controller whose "done" bit got cleared out from under it
// (a new command issued before the old completion delivered) avoids
// signaling a trap for work that no longer matters.
type InterruptCallback = busapi.InterruptCallback

// Config collects the construction-time choices for an IoBus: which
// drives exist, how their images are reached, and how loudly the bus
// should log.
type Config struct {
	// Drives lists every disk/tape/paper-tape unit to attach, across all
	// controller families. A DriveSpec with an empty URL leaves that
	// unit unconfigured (present but NXD); a URL that fails to resolve
	// (e.g. a local file that doesn't exist) leaves the unit NXD too,
	// logged as an error rather than failing New outright — matching
	// how a real system boots with some units simply not loaded.
	Drives []DriveSpec

	// ConsoleVectorBases configures DL11 units 1-4's receive-vector
	// base (transmit is always base+4). Unit 0 (the console) is fixed
	// at 060 and cannot be reassigned. Keyed by unit number.
	ConsoleVectorBases map[int]uint16

	// LogLevel sets the bus-wide default logger level. Per-controller
	// loggers are narrowed from this with logging.Logger.With*.
	LogLevel logging.LogLevel

	// Logger overrides the default logger entirely (e.g. a test
	// harness capturing output). If nil, a logger at LogLevel is
	// constructed from logging.DefaultConfig.
	Logger *logging.Logger

	// Observer receives transfer/fetch/in-flight events from every
	// controller sharing this bus. If nil, a MetricsObserver feeding the
	// bus's own Metrics is used.
	Observer Observer
}

// DriveSpec names one controller unit and where its backing image lives.
// URL selects the Fetcher: an "http://" or "https://" URL is served by
// cache.HTTPFetcher, anything else (including a bare path or a
// "file://" URL) by cache.MmapFetcher.
type DriveSpec struct {
	Controller string // "rk11", "rl11", "rp11", "tm11", "ptr"
	Unit       int
	URL        string
	WriteLock  bool

	// Tracks is RK11's per-unit cylinder count. Zero with a non-empty
	// URL defaults to constants.RKDefaultTracks (the standard RK05
	// cartridge).
	Tracks int

	// RL02 selects RL11's larger (512-cylinder) geometry for this unit
	// instead of the default RL01 (256 cylinders).
	RL02 bool

	// DriveType selects RP11's Massbus drive model for this unit: one
	// of "rp04", "rp06", "rm03". Empty with a non-empty URL defaults
	// to "rp06".
	DriveType string
}

// IoBus is the module's public façade: it owns every controller's
// register file and the block cache/fetcher pair beneath them, and
// implements the address decode that the embedding CPU emulator drives
// through Access.
type IoBus struct {
	cfg Config
	bus Bus
	log *logging.Logger

	metrics  *Metrics
	observer Observer

	mmu        *mmu.MMU
	dispatcher *dispatch.Dispatcher
	engine     *xfer.Engine

	rk11 *rk11.Controller
	rl11 *rl11.Controller
	rp11 *rp11.Controller
	tm11 *tm11.Controller
	ptr  *ptr.Controller
	lp11 *lp11.Controller
	dl11 *dl11.Controller
	kw11 *kw11.Controller

	deferred chan func()
}

// New constructs an IoBus from cfg, wiring every configured drive's
// fetcher and controller register file and attaching the given Bus
// collaborator. It is the module's single public constructor.
func New(cfg Config, bus Bus) (*IoBus, error) {
	if bus == nil {
		return nil, NewError("pdp11io.New", ErrCodeNotImplemented, "Bus collaborator must not be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		lc := logging.DefaultConfig()
		lc.Level = cfg.LogLevel
		logger = logging.NewLogger(lc)
	}

	metrics := NewMetrics()
	observer := cfg.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	for _, d := range cfg.Drives {
		if err := validateDriveSpec(d); err != nil {
			return nil, err
		}
	}

	m := mmu.New()
	engine := xfer.New(bus)
	engine.SetObserver(observer)

	iob := &IoBus{
		cfg:      cfg,
		bus:      bus,
		log:      logger,
		metrics:  metrics,
		observer: observer,
		mmu:      m,
		engine:   engine,
		rk11:     rk11.New(bus, engine, logger.WithDevice(0)),
		rl11:     rl11.New(bus, engine, logger.WithDevice(1)),
		rp11:     rp11.New(bus, engine, logger.WithDevice(2)),
		tm11:     tm11.New(bus, engine, logger.WithDevice(3)),
		ptr:      ptr.New(bus, engine, logger.WithDevice(4)),
		lp11:     lp11.New(bus, logger.WithDevice(5)),
		dl11:     dl11.New(bus, logger.WithDevice(6)),
		kw11:     kw11.New(bus, logger.WithDevice(7)),
		deferred: make(chan func(), 1),
	}

	metrics.RegisterStats("rk11", iob.rk11.Stats)
	metrics.RegisterStats("rl11", iob.rl11.Stats)
	metrics.RegisterStats("rp11", iob.rp11.Stats)
	metrics.RegisterStats("tm11", iob.tm11.Stats)
	metrics.RegisterStats("ptr", iob.ptr.Stats)
	metrics.RegisterStats("lp11", iob.lp11.Stats)
	metrics.RegisterStats("dl11", iob.dl11.Stats)
	metrics.RegisterStats("kw11", iob.kw11.Stats)

	iob.dispatcher = dispatch.New(m, logger)
	iob.dispatcher.Register(ioregs.RK11Base, ioregs.RK11Top, iob.rk11)
	iob.dispatcher.Register(ioregs.RL11Base, ioregs.RL11Top, iob.rl11)
	iob.dispatcher.Register(ioregs.RP11Base, ioregs.RP11Top, iob.rp11)
	iob.dispatcher.RegisterTM11(iob.tm11)
	iob.dispatcher.RegisterConsole(iob.dl11.Unit(0), iob.ptr, iob.lp11, iob.kw11)

	for unit, base := range cfg.ConsoleVectorBases {
		if unit == 0 {
			continue // fixed at 060, not reassignable
		}
		iob.dl11.SetVectorBase(unit, base)
	}
	for unit := 1; unit <= 4; unit++ {
		iob.dispatcher.Register(
			ioregs.DL11Base+uint32(unit-1)*ioregs.DL11Stride,
			ioregs.DL11Base+uint32(unit-1)*ioregs.DL11Stride+ioregs.DL11Stride-1,
			iob.dl11.Unit(unit),
		)
	}

	for _, d := range cfg.Drives {
		iob.attachDrive(d)
	}

	iob.log.Info("io bus initialized", "drives", len(cfg.Drives))
	return iob, nil
}

func validateDriveSpec(d DriveSpec) error {
	switch d.Controller {
	case "rk11", "rl11", "rp11", "tm11", "ptr":
	default:
		return NewDriveError("pdp11io.New", d.Controller, d.Unit, ErrCodeInvalidGeometry,
			fmt.Sprintf("unknown controller family %q", d.Controller))
	}
	return nil
}

// attachDrive builds d's fetcher from its URL and hands it to the owning
// controller. A URL that fails to open leaves the unit unconfigured (NXD)
// rather than failing bus construction: a missing image file is a
// deployment mistake discovered at access time, not a reason to refuse
// every other drive.
func (iob *IoBus) attachDrive(d DriveSpec) {
	if d.URL == "" {
		return
	}

	fetcher, err := newFetcher(d.URL)
	if err != nil {
		iob.log.Error("drive image unavailable, leaving unit unconfigured",
			"controller", d.Controller, "unit", d.Unit, "url", d.URL, "err", err)
		return
	}
	iob.Attach(d, fetcher)
}

// Attach installs fetcher as d.Unit's backing store directly, bypassing
// URL-based fetcher selection. Test harnesses and embedders with their
// own cache.Fetcher implementation (an object-store client, a mock) use
// this instead of routing a DriveSpec URL through newFetcher.
func (iob *IoBus) Attach(d DriveSpec, fetcher cache.Fetcher) {
	switch d.Controller {
	case "rk11":
		tracks := d.Tracks
		if tracks == 0 {
			tracks = constants.RKDefaultTracks
		}
		iob.rk11.Attach(d.Unit, tracks, d.WriteLock, d.URL, fetcher)
	case "rl11":
		iob.rl11.Attach(d.Unit, d.RL02, d.URL, fetcher)
	case "rp11":
		iob.rp11.Attach(d.Unit, driveType(d.DriveType), d.URL, fetcher)
	case "tm11":
		iob.tm11.Attach(d.Unit, d.URL, fetcher)
	case "ptr":
		iob.ptr.Attach(d.URL, fetcher)
	}
}

func driveType(name string) ioregs.DriveType {
	switch strings.ToLower(name) {
	case "rp04":
		return ioregs.DriveTypeRP04
	case "rm03":
		return ioregs.DriveTypeRM03
	default:
		return ioregs.DriveTypeRP06
	}
}

// newFetcher picks cache.HTTPFetcher for an http(s):// URL and
// cache.MmapFetcher (which opens and maps the file immediately) for
// everything else.
func newFetcher(url string) (cache.Fetcher, error) {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return cache.NewHTTPFetcher(url, nil), nil
	}
	return cache.NewMmapFetcher(url)
}

// Metrics returns the shared metrics aggregator for every controller on
// this bus.
func (iob *IoBus) Metrics() *Metrics { return iob.metrics }

// RegisterOptionalDevice installs dev as the collaborator for RP11's
// ADCR fallback window (the "VT11, VG11, ADCR are accessed via optional
// dispatch and noted as stubs" window of §1). Before this is called, and
// whenever dev is nil, that window keeps its default stub behavior:
// reads as zero, writes discarded.
func (iob *IoBus) RegisterOptionalDevice(dev busapi.OptionalDevice) {
	iob.rp11.SetOptionalDevice(dev)
}

// Access performs one I/O page access at the given physical address,
// forwarding to the dispatcher's register decode. value < 0 means a
// read; value >= 0 is the word being written (byteFlag narrows it to one
// lane). A non-nil Trap means the access must be aborted and the named
// vector/code delivered instead of completing.
func (iob *IoBus) Access(addr uint32, value int32, byteFlag bool) (int32, *dispatch.Trap) {
	return iob.dispatcher.Access(addr, value, byteFlag)
}

// MMU returns the Unibus Map / MMR0-3 / page table register file so the
// embedding CPU emulator can drive address translation and mode changes
// directly.
func (iob *IoBus) MMU() *mmu.MMU { return iob.mmu }

// DL11 returns the serial line controller, so the embedding emulator can
// feed host keystrokes in via Input and wire VT52Put/VT52Reset.
func (iob *IoBus) DL11() *dl11.Controller { return iob.dl11 }

// Tick advances the line clock given the host's monotonic time and
// whether the CPU is currently halted (WAIT). The embedding CPU step loop
// calls this once per instruction or timeslice.
func (iob *IoBus) Tick(now time.Duration, cpuHalted bool) bool {
	return iob.kw11.Tick(now, cpuHalted)
}

// Reset performs the module's global reset: every controller's register
// file and the MMU are cleared, without dropping cached disk/tape image
// blocks.
func (iob *IoBus) Reset() {
	iob.mmu.Reset()
	iob.rk11.Reset()
	iob.rl11.Reset()
	iob.rp11.Reset()
	iob.tm11.Reset()
	iob.ptr.Reset()
	iob.lp11.Reset()
	iob.dl11.Reset()
	iob.kw11.Reset()
}

// Defer queues fn to run on the next DrainDeferred call, overwriting any
// previously queued-but-undrained fn for this bus — mirroring the
// single-slot zero-delay timer slot the controllers rely on.
func (iob *IoBus) Defer(fn func()) {
	select {
	case <-iob.deferred:
	default:
	}
	iob.deferred <- fn
}

// DrainDeferred runs and clears one pending deferred action, if any. The
// embedding CPU step loop calls this once between instructions.
func (iob *IoBus) DrainDeferred() {
	select {
	case fn := <-iob.deferred:
		fn()
	default:
	}
}
