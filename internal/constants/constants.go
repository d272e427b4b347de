// Package constants holds sizing and timing defaults shared across the
// Unibus I/O page, the disk/tape controllers, and the block cache.
package constants

import "time"

// Geometry and transfer-size defaults.
const (
	// BlockSize is the fixed size of one Image Cache block (1 MiB).
	BlockSize = 1 << 20

	// RKSectorSize is the sector size of an RK11/RK05 unit, in bytes.
	RKSectorSize = 512

	// RKSectorsPerTrack is the sector count per track on an RK05 pack.
	RKSectorsPerTrack = 12

	// RKDefaultTracks is the default cylinder count per RK05 unit.
	RKDefaultTracks = 406

	// RKUnits is the number of drives an RK11 controller addresses.
	RKUnits = 8

	// RLSectorSize is the sector size of an RL01/RL02 unit, in bytes.
	RLSectorSize = 256

	// RLSectorsPerTrack is the sector count per track on an RL01/RL02 pack.
	RLSectorsPerTrack = 40

	// RLTracksRL01 is the cylinder count of an RL01 cartridge.
	RLTracksRL01 = 256

	// RLTracksRL02 is the cylinder count of an RL02 cartridge.
	RLTracksRL02 = 512

	// RLUnits is the number of drives an RL11 controller addresses.
	RLUnits = 4

	// RPSectorSize is the sector size of an RP04/RP06/RM03 unit, in bytes.
	RPSectorSize = 512

	// RPUnits is the number of drives an RP11/Massbus controller addresses.
	RPUnits = 8
)

// AutoAssignUnit is passed as Bus.Interrupt's unit argument by controllers
// with no per-unit identity of their own (a single printer, a single
// reader, a single line clock) so the interrupt stream never aliases
// their completion with an actual unit 0 on a multi-drive controller.
const AutoAssignUnit = -1

// Timing constants for device lifecycle.
//
// There is no hardware timing to honor here; these constants instead
// bound the two places real wall-clock time leaks into otherwise
// cooperative, single-threaded semantics: the KW11 line clock and the
// never-retried backing-store fetch.
const (
	// KW11TickInterval is the nominal 50 Hz line-clock period.
	KW11TickInterval = 20 * time.Millisecond

	// KW11MaxDrift bounds how far behind the target timestamp the KW11
	// tick scheduler is allowed to fall before it gives up catching up
	// and simply re-anchors to "now + one tick" (prevents a runaway
	// catch-up burst after the emulator is paused in a debugger).
	KW11MaxDrift = 30 * time.Second

	// FetchTimeout bounds a single block fetch. There is no hardware
	// timeout to match here; this exists only so a hung backing-store
	// connection cannot wedge the emulator's cooperative loop forever.
	// A transport error here is reported by the Transfer Engine as
	// ErrRead, which controllers treat like any other read error.
	FetchTimeout = 30 * time.Second
)
