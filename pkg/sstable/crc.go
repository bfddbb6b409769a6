package sstable

import (
	"hash/crc32"
)

// Block checksums use CRC32C (Castagnoli). The stored value is masked so
// that a CRC computed over bytes that already contain an embedded CRC does
// not collapse to a trivial value.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const crcMaskDelta = 0xa282ead8

// CrcValue computes the CRC32C of data
func CrcValue(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// CrcExtend extends crc to cover data
func CrcExtend(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// MaskCrc returns a masked representation of crc suitable for storage
func MaskCrc(crc uint32) uint32 {
	// Rotate right by 15 bits and add a constant
	return ((crc >> 15) | (crc << 17)) + crcMaskDelta
}

// UnmaskCrc inverts MaskCrc
func UnmaskCrc(masked uint32) uint32 {
	rot := masked - crcMaskDelta
	return (rot >> 17) | (rot << 15)
}
