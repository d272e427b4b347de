package cache

import "sync"

// PostProcess is a controller-specific completion callback invoked once a
// Transfer Engine operation finishes, successfully or not. errCode follows
// the Transfer Engine's own taxonomy: 0 OK, 1 read/timing error, 2 NXM,
// 3 compare mismatch.
type PostProcess func(meta *DriveMeta, errCode int, position int64, address uint32, count int)

// DriveMeta is the per-(controller, unit) state the Transfer Engine and a
// controller's function-code dispatch share: the Image Cache backing this
// unit's media, where to fetch missing blocks from, and the handful of
// device-specific fields (tape position, in-flight command) that don't
// belong to any particular controller's register file.
type DriveMeta struct {
	mu sync.Mutex

	Cache    *Cache
	Fetcher  Fetcher
	URL      string
	Mapped   bool // DMA address passes through the Unibus Map
	MaxBlock int  // advisory block ceiling; 0 means unbounded
	Drive    int

	PostProcess PostProcess

	// Position and Command are used by tape and paper-tape controllers
	// only; disk controllers derive position from their own registers
	// on every command instead of persisting it here.
	Position int64
	Command  int

	inFlight bool
}

// NewDriveMeta creates the metadata for one controller/unit pair, lazily,
// the way the source creates DriveMeta on first reference to a unit.
func NewDriveMeta(drive int, url string, mapped bool, fetcher Fetcher) *DriveMeta {
	return &DriveMeta{
		Cache:   New(),
		Fetcher: fetcher,
		URL:     url,
		Mapped:  mapped,
		Drive:   drive,
	}
}

// BeginTransfer reports whether a new transfer may start: the "go" gate
// preventing two in-flight data transfers on the same unit. Callers must
// pair a true result with a later EndTransfer once the
// operation (synchronous or suspended-then-resumed) truly completes.
func (d *DriveMeta) BeginTransfer() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight {
		return false
	}
	d.inFlight = true
	return true
}

// EndTransfer clears the in-flight gate set by BeginTransfer.
func (d *DriveMeta) EndTransfer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = false
}

// InFlight reports whether a transfer is currently gated in on this unit.
func (d *DriveMeta) InFlight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// Reset clears the in-flight gate and device-specific position/command
// state but preserves the cache contents, matching the "reset clears
// controllers but not cached disk blocks" invariant.
func (d *DriveMeta) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = false
	d.Position = 0
	d.Command = 0
}
