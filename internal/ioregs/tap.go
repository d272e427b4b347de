package ioregs

import "encoding/binary"

// TapeMarkLength and EndOfMediumLength are the two sentinel record-length
// values a SIMH-compatible .tap stream uses in place of a real byte count.
const (
	TapeMarkLength    uint32 = 0
	EndOfMediumLength uint32 = 0xFFFFFFFF
)

// DecodeRecordLength reads a little-endian 32-bit length prefix or suffix
// at the given byte offset.
func DecodeRecordLength(data []byte, pos int) uint32 {
	return binary.LittleEndian.Uint32(data[pos : pos+4])
}

// IsTapeMark reports whether a decoded record length represents a tape
// mark (end-of-file on the emulated tape).
func IsTapeMark(length uint32) bool {
	return length == TapeMarkLength
}

// IsEndOfMedium reports whether a decoded record length represents the
// physical end of the tape image.
func IsEndOfMedium(length uint32) bool {
	return length == EndOfMediumLength || length&0x80000000 != 0
}

// PaddedLength rounds a record's data length up to the next even number
// of bytes, matching the .tap format's trailing pad byte.
func PaddedLength(length uint32) uint32 {
	if length%2 != 0 {
		return length + 1
	}
	return length
}

// RecordSpan returns the total number of bytes a record of the given
// (unpadded) data length occupies on tape: the two 4-byte length fields
// plus the padded data.
func RecordSpan(length uint32) int {
	return 4 + int(PaddedLength(length)) + 4
}

// EncodeRecord builds one SIMH-format record (length prefix, data padded
// to even, length suffix) for the given payload. Used by test fixtures,
// not by TM11 itself (TM11 only ever reads .tap streams).
func EncodeRecord(payload []byte) []byte {
	padded := make([]byte, PaddedLength(uint32(len(payload))))
	copy(padded, payload)

	out := make([]byte, 4+len(padded)+4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	copy(out[4:4+len(padded)], padded)
	binary.LittleEndian.PutUint32(out[4+len(padded):], uint32(len(payload)))
	return out
}

// EncodeTapeMark builds a zero-length tape-mark record (just the 4-byte
// length field, written once — SIMH tape marks have no suffix length).
func EncodeTapeMark() []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, TapeMarkLength)
	return out
}
