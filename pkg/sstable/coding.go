package sstable

import (
	"encoding/binary"
)

// Varint and fixed-width integer helpers shared across the package.
// All multi-byte fixed-width values are little-endian, matching the
// on-disk table format.

// PutFixed32 appends a little-endian uint32 to dst
func PutFixed32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

// PutFixed64 appends a little-endian uint64 to dst
func PutFixed64(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}

// DecodeFixed32 reads a little-endian uint32 from b
func DecodeFixed32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// DecodeFixed64 reads a little-endian uint64 from b
func DecodeFixed64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// PutUvarint32 appends a varint-encoded uint32 to dst
func PutUvarint32(dst []byte, v uint32) []byte {
	return binary.AppendUvarint(dst, uint64(v))
}

// PutUvarint64 appends a varint-encoded uint64 to dst
func PutUvarint64(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// GetUvarint32 decodes a varint-encoded uint32 from b.
// Returns the value and the number of bytes consumed (0 on corruption).
func GetUvarint32(b []byte) (uint32, int) {
	v, n := binary.Uvarint(b)
	if n <= 0 || v > 0xFFFFFFFF {
		return 0, 0
	}
	return uint32(v), n
}

// GetUvarint64 decodes a varint-encoded uint64 from b.
// Returns the value and the number of bytes consumed (0 on corruption).
func GetUvarint64(b []byte) (uint64, int) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0
	}
	return v, n
}

// VarintLength returns the number of bytes AppendUvarint would use for v
func VarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
