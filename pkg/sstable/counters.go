package sstable

import (
	"sync/atomic"
)

// Per-table statistics gathered while building. A subset is encoded into
// the table's metaindex so readers and tooling can inspect a file without
// scanning it.

// Counter indices. Order is the on-disk encoding order and must not change.
const (
	SstCountKeys            = iota // Keys in this table
	SstCountBlocks                 // Data blocks written
	SstCountCompressAborted        // Blocks where compression was attempted and discarded
	SstCountKeySize                // Byte count of all keys
	SstCountValueSize              // Byte count of all values
	SstCountBlockSize              // Byte count of all blocks, pre-compression
	SstCountBlockWriteSize         // Post-compression size, or BlockSize if uncompressed
	SstCountIndexKeys              // Keys in the index block
	SstCountKeyLargest             // Largest key size
	SstCountKeySmallest            // Smallest key size
	SstCountValueLargest           // Largest value size
	SstCountValueSmallest          // Smallest value size

	sstCountEnumSize // Array size; must follow the last counter
)

const sstCountersVersion = 1

// SstCounters is a fixed array of monotone counters for one table.
// Increments are atomic; the builder updates them from the producer and
// worker goroutines concurrently.
type SstCounters struct {
	readOnly bool
	version  uint32
	counters [sstCountEnumSize]atomic.Uint64
}

// NewSstCounters returns a zeroed counter set with min-tracking slots
// initialized to their identity value
func NewSstCounters() *SstCounters {
	c := &SstCounters{version: sstCountersVersion}
	c.counters[SstCountKeySmallest].Store(^uint64(0))
	c.counters[SstCountValueSmallest].Store(^uint64(0))
	return c
}

// Inc adds one to the counter at index
func (c *SstCounters) Inc(index int) {
	c.Add(index, 1)
}

// Add adds amount to the counter at index
func (c *SstCounters) Add(index int, amount uint64) {
	if c.readOnly || index < 0 || index >= sstCountEnumSize {
		return
	}
	c.counters[index].Add(amount)
}

// Set stores value at index
func (c *SstCounters) Set(index int, value uint64) {
	if c.readOnly || index < 0 || index >= sstCountEnumSize {
		return
	}
	c.counters[index].Store(value)
}

// SetMax raises the counter at index to value if larger
func (c *SstCounters) SetMax(index int, value uint64) {
	if c.readOnly || index < 0 || index >= sstCountEnumSize {
		return
	}
	for {
		cur := c.counters[index].Load()
		if value <= cur || c.counters[index].CompareAndSwap(cur, value) {
			return
		}
	}
}

// SetMin lowers the counter at index to value if smaller
func (c *SstCounters) SetMin(index int, value uint64) {
	if c.readOnly || index < 0 || index >= sstCountEnumSize {
		return
	}
	for {
		cur := c.counters[index].Load()
		if value >= cur || c.counters[index].CompareAndSwap(cur, value) {
			return
		}
	}
}

// Value returns the counter at index
func (c *SstCounters) Value(index int) uint64 {
	if index < 0 || index >= sstCountEnumSize {
		return 0
	}
	return c.counters[index].Load()
}

// Size returns the number of counters
func (c *SstCounters) Size() int {
	return sstCountEnumSize
}

// EncodeTo appends the disk form: varint32 version, varint32 count,
// then count varint64 values
func (c *SstCounters) EncodeTo(dst []byte) []byte {
	dst = PutUvarint32(dst, c.version)
	dst = PutUvarint32(dst, sstCountEnumSize)
	for i := 0; i < sstCountEnumSize; i++ {
		dst = PutUvarint64(dst, c.counters[i].Load())
	}
	return dst
}

// DecodeSstCounters parses an encoded counter block. Older files may carry
// fewer counters than this build knows about; the missing tail stays zero.
func DecodeSstCounters(src []byte) (*SstCounters, error) {
	c := &SstCounters{readOnly: true}
	version, n := GetUvarint32(src)
	if n == 0 {
		return nil, CorruptionError("DecodeSstCounters", "bad version")
	}
	src = src[n:]
	c.version = version

	count, n := GetUvarint32(src)
	if n == 0 {
		return nil, CorruptionError("DecodeSstCounters", "bad count")
	}
	src = src[n:]

	for i := uint32(0); i < count; i++ {
		v, n := GetUvarint64(src)
		if n == 0 {
			return nil, CorruptionError("DecodeSstCounters", "truncated counter block")
		}
		src = src[n:]
		if int(i) < sstCountEnumSize {
			c.counters[i].Store(v)
		}
		// Newer writers may append counters this build does not know; skip them
	}
	return c, nil
}
