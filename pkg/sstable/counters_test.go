package sstable

import (
	"testing"
)

func TestSstCounters_IncAndAdd(t *testing.T) {
	c := NewSstCounters()

	c.Inc(SstCountKeys)
	c.Inc(SstCountKeys)
	c.Add(SstCountKeySize, 42)

	if got := c.Value(SstCountKeys); got != 2 {
		t.Errorf("keys counter = %d, want 2", got)
	}
	if got := c.Value(SstCountKeySize); got != 42 {
		t.Errorf("key size counter = %d, want 42", got)
	}
	if got := c.Value(SstCountBlocks); got != 0 {
		t.Errorf("untouched counter = %d, want 0", got)
	}
}

func TestSstCounters_MinMax(t *testing.T) {
	c := NewSstCounters()

	for _, n := range []uint64{30, 10, 50, 20} {
		c.SetMax(SstCountKeyLargest, n)
		c.SetMin(SstCountKeySmallest, n)
	}
	if got := c.Value(SstCountKeyLargest); got != 50 {
		t.Errorf("largest = %d, want 50", got)
	}
	if got := c.Value(SstCountKeySmallest); got != 10 {
		t.Errorf("smallest = %d, want 10", got)
	}
}

func TestSstCounters_EncodeDecode(t *testing.T) {
	c := NewSstCounters()
	c.Set(SstCountKeys, 1000)
	c.Set(SstCountBlocks, 7)
	c.Set(SstCountBlockWriteSize, 123456789)

	decoded, err := DecodeSstCounters(c.EncodeTo(nil))
	if err != nil {
		t.Fatalf("DecodeSstCounters: %v", err)
	}
	for i := 0; i < c.Size(); i++ {
		if decoded.Value(i) != c.Value(i) {
			t.Errorf("counter %d: decoded %d, want %d", i, decoded.Value(i), c.Value(i))
		}
	}

	// Decoded counters are read-only
	decoded.Inc(SstCountKeys)
	if decoded.Value(SstCountKeys) != 1000 {
		t.Error("read-only counters accepted an increment")
	}
}

// TestSstCounters_DecodeShorterVersion simulates a file written by an
// older build that knew fewer counters
func TestSstCounters_DecodeShorterVersion(t *testing.T) {
	var enc []byte
	enc = PutUvarint32(enc, sstCountersVersion)
	enc = PutUvarint32(enc, 3) // Only three counters
	enc = PutUvarint64(enc, 500)
	enc = PutUvarint64(enc, 4)
	enc = PutUvarint64(enc, 1)

	decoded, err := DecodeSstCounters(enc)
	if err != nil {
		t.Fatalf("DecodeSstCounters: %v", err)
	}
	if decoded.Value(SstCountKeys) != 500 {
		t.Errorf("keys = %d, want 500", decoded.Value(SstCountKeys))
	}
	if decoded.Value(SstCountCompressAborted) != 1 {
		t.Errorf("compress aborted = %d, want 1", decoded.Value(SstCountCompressAborted))
	}
	// Counters past the encoded set read as zero
	if decoded.Value(SstCountIndexKeys) != 0 {
		t.Errorf("missing counter = %d, want 0", decoded.Value(SstCountIndexKeys))
	}
}

func TestSstCounters_DecodeTruncated(t *testing.T) {
	c := NewSstCounters()
	c.Set(SstCountKeys, 12345678)
	enc := c.EncodeTo(nil)

	if _, err := DecodeSstCounters(enc[:len(enc)-1]); !IsCorruption(err) {
		t.Errorf("expected corruption for truncated block, got %v", err)
	}
	if _, err := DecodeSstCounters(nil); !IsCorruption(err) {
		t.Errorf("expected corruption for empty block, got %v", err)
	}
}
