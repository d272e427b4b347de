// Package ioregs holds the plain register-file structs for every Unibus
// peripheral and the I/O page's address layout. Each struct is a record
// of uint16 fields named after the controller's own register mnemonics;
// no behavior lives here; internal/bits helpers and per-controller mask
// constants (kept next to the code that uses them, not centralized) do
// the bit-accurate read/write work.
package ioregs

// RK11 is the RK11 disk controller's shared register file. Per-drive
// state (track count, write-lock) lives in RK11Drive.
type RK11 struct {
	CS uint16 // rkcs: control/status
	WC uint16 // rkwc: word count (2's complement)
	BA uint16 // rkba: bus address, low 16 bits
	DA uint16 // rkda: disk address (cylinder/surface/sector)
	DS uint16 // rkds: drive status
	ER uint16 // rker: error register
}

// RK11Drive is one of RK11's eight units.
type RK11Drive struct {
	Tracks    int // 0 means non-existent (NXD)
	WriteLock bool
}

// RL11 is the RL11 disk controller's shared register file.
type RL11 struct {
	CS  uint16 // csr: control/status, bits 8-9 select unit
	BA  uint16 // bar: bus address
	DA  uint16 // dar: disk address
	MP  uint16 // mpr: multi-purpose register
}

// RL11Drive is one of RL11's four units.
type RL11Drive struct {
	RL02       bool // true = RL02 (512 cyl), false = RL01 (256 cyl)
	DAR        int  // internal seek-target cylinder, distinct from the programmer-visible DA
	CurrentCyl int
}

// RP11 is the Massbus controller's shared (cross-drive) register file.
type RP11 struct {
	CS1 uint16
	WC  uint16
	BA  uint16
	CS2 uint16
	BAE uint16
	CS3 uint16
	AS  uint16 // rpas: attention summary, write-1-to-clear per drive
}

// RP11Drive is one of RP11's eight Massbus drive register files, visible
// only through CS1's selected-unit field when that drive's DVA bit is set.
type RP11Drive struct {
	Type DriveType
	DA   uint16
	DS   uint16
	ER1  uint16
	LA   uint16
	MR   uint16
	DT   uint16
	SN   uint16
	OF   uint16
	DC   uint16
	CC   uint16
	ER2  uint16
	ER3  uint16
	EC1  uint16
	EC2  uint16

	Cylinders int
	Surfaces  int
	Sectors   int
}

// DriveType enumerates the Massbus drive models RP11 can address.
type DriveType int

const (
	DriveTypeNone DriveType = iota
	DriveTypeRP04
	DriveTypeRP06
	DriveTypeRM03
)

// TM11 is the TM11 tape controller's register file (one unit active at a
// time is customary, but the struct supports MTS's drive-select bits).
type TM11 struct {
	MTC  uint16 // control
	MTS  uint16 // status
	MTBRC uint16 // byte/record count (2's complement)
	MTCMA uint16 // current memory address
	MTD  uint16 // data buffer
}

// PTR is the paper-tape reader's register file.
type PTR struct {
	CSR uint16
	BUF uint16
}

// LP11 is the line printer's register file.
type LP11 struct {
	CSR uint16
	BUF uint16
}

// DL11 is one async serial line's register file; unit 0 is the console.
type DL11 struct {
	RCSR uint16
	RBUF uint16
	XCSR uint16
	XBUF uint16
}

// KW11 is the line clock's register file.
type KW11 struct {
	CSR uint16
}
