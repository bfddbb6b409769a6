package sstable

import (
	"fmt"

	"github.com/golang/snappy"
)

// CompressionType identifies how a block payload is encoded on disk
type CompressionType byte

const (
	NoCompression     CompressionType = 0
	SnappyCompression CompressionType = 1
)

const (
	// TableMagicNumber was picked by running
	//    echo http://code.google.com/p/leveldb/ | sha1sum
	// and taking the leading 64 bits.
	TableMagicNumber uint64 = 0xdb4775248b80fb57

	// BlockTrailerSize is the 1-byte type plus the 4-byte masked CRC
	// appended to every block
	BlockTrailerSize = 5

	maxBlockHandleEncodedLength = 10 + 10

	// FooterEncodedLength is the fixed size of the table footer: two
	// block handles padded to 40 bytes, then the 8-byte magic
	FooterEncodedLength = 2*maxBlockHandleEncodedLength + 8
)

// Well-known metaindex entry names
const (
	filterNamePrefix = "filter."
	countersName     = "sst.counters"
)

// BlockHandle locates a block within the table file
type BlockHandle struct {
	Offset uint64
	Size   uint64 // Payload size, excluding the trailer
}

// EncodeTo appends the varint encoding of the handle to dst
func (h BlockHandle) EncodeTo(dst []byte) []byte {
	dst = PutUvarint64(dst, h.Offset)
	dst = PutUvarint64(dst, h.Size)
	return dst
}

// DecodeBlockHandle parses a handle from b, returning bytes consumed
func DecodeBlockHandle(b []byte) (BlockHandle, int, error) {
	off, n1 := GetUvarint64(b)
	if n1 == 0 {
		return BlockHandle{}, 0, CorruptionError("DecodeBlockHandle", "bad offset")
	}
	size, n2 := GetUvarint64(b[n1:])
	if n2 == 0 {
		return BlockHandle{}, 0, CorruptionError("DecodeBlockHandle", "bad size")
	}
	return BlockHandle{Offset: off, Size: size}, n1 + n2, nil
}

// Footer is the fixed-size region at the tail of every table file
type Footer struct {
	MetaindexHandle BlockHandle
	IndexHandle     BlockHandle
}

// EncodeTo returns the fixed-length footer encoding
func (f Footer) EncodeTo() []byte {
	buf := make([]byte, 0, FooterEncodedLength)
	buf = f.MetaindexHandle.EncodeTo(buf)
	buf = f.IndexHandle.EncodeTo(buf)
	for len(buf) < 2*maxBlockHandleEncodedLength {
		buf = append(buf, 0)
	}
	buf = PutFixed64(buf, TableMagicNumber)
	return buf
}

// DecodeFooter parses a footer from the final FooterEncodedLength bytes
// of a table file
func DecodeFooter(b []byte) (Footer, error) {
	var f Footer
	if len(b) < FooterEncodedLength {
		return f, CorruptionError("DecodeFooter", "footer too short")
	}
	b = b[len(b)-FooterEncodedLength:]
	if DecodeFixed64(b[FooterEncodedLength-8:]) != TableMagicNumber {
		return f, CorruptionError("DecodeFooter", "not an sstable (bad magic number)")
	}
	mh, n, err := DecodeBlockHandle(b)
	if err != nil {
		return f, err
	}
	ih, _, err := DecodeBlockHandle(b[n:])
	if err != nil {
		return f, err
	}
	f.MetaindexHandle = mh
	f.IndexHandle = ih
	return f, nil
}

// ReadBlock reads and verifies the block identified by handle from r.
// The returned bytes are decompressed block contents.
func ReadBlock(r ReaderAt, handle BlockHandle, verifyCrc bool) ([]byte, error) {
	n := int(handle.Size)
	buf := make([]byte, n+BlockTrailerSize)
	if _, err := r.ReadAt(buf, int64(handle.Offset)); err != nil {
		return nil, fmt.Errorf("read block at %d: %w", handle.Offset, err)
	}

	if verifyCrc {
		stored := UnmaskCrc(DecodeFixed32(buf[n+1:]))
		actual := CrcValue(buf[:n+1])
		if stored != actual {
			return nil, CorruptionError("ReadBlock", "block checksum mismatch")
		}
	}

	switch CompressionType(buf[n]) {
	case NoCompression:
		return buf[:n], nil
	case SnappyCompression:
		data, err := snappy.Decode(nil, buf[:n])
		if err != nil {
			return nil, CorruptionError("ReadBlock", "corrupted compressed block contents")
		}
		return data, nil
	default:
		return nil, CorruptionError("ReadBlock", "bad block type")
	}
}

// ReaderAt is the random-access surface the read path needs
type ReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}
