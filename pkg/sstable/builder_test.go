package sstable

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type testRecord struct {
	key, value string
}

// buildTestTable runs records through the parallel builder and returns
// the table path
func buildTestTable(t *testing.T, path string, opts Options, records []testRecord) {
	t.Helper()

	file, err := NewFileWriter(path, opts.WriteBufferSize)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	b, err := NewBuilder(opts, file)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	for _, r := range records {
		if err := b.Add([]byte(r.key), []byte(r.value)); err != nil {
			t.Fatalf("Add(%q): %v", r.key, err)
		}
	}
	if err := b.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := file.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// readAllRecords iterates the whole table
func readAllRecords(t *testing.T, path string, opts Options) []testRecord {
	t.Helper()

	table, err := OpenTable(path, opts)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer table.Close()

	var out []testRecord
	it := table.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out = append(out, testRecord{string(it.Key()), string(it.Value())})
	}
	if err := it.Status(); err != nil {
		t.Fatalf("iterator status: %v", err)
	}
	return out
}

// indexEntries returns the index block's (key, handle) pairs
func indexEntries(t *testing.T, path string, opts Options) ([][]byte, []BlockHandle) {
	t.Helper()

	table, err := OpenTable(path, opts)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer table.Close()

	var keys [][]byte
	var handles []BlockHandle
	it := newBlockIterator(opts.Comparator, table.indexPayload)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		handle, _, err := DecodeBlockHandle(it.Value())
		if err != nil {
			t.Fatalf("bad index handle: %v", err)
		}
		keys = append(keys, append([]byte(nil), it.Key()...))
		handles = append(handles, handle)
	}
	return keys, handles
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.VerifyChecksums = true
	return opts
}

// TestBuilder_SingleSmallBlock is the one-block case: two entries far
// below the block size
func TestBuilder_SingleSmallBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "single.sst")
	opts := testOptions()
	opts.BlockSize = 1 << 20
	opts.WorkerCount = 2

	records := []testRecord{{"a", "X"}, {"b", "Y"}}
	buildTestTable(t, path, opts, records)

	got := readAllRecords(t, path, opts)
	if len(got) != 2 || got[0] != records[0] || got[1] != records[1] {
		t.Fatalf("read back %v, want %v", got, records)
	}

	keys, handles := indexEntries(t, path, opts)
	if len(keys) != 1 {
		t.Fatalf("expected 1 index entry, got %d", len(keys))
	}
	// The final index key is the short successor of "b", which for the
	// bytewise comparator is exactly "c"
	if opts.Comparator.Compare(keys[0], []byte("b")) < 0 {
		t.Errorf("index key %q sorts before last key b", keys[0])
	}
	if opts.Comparator.Compare(keys[0], []byte("c")) > 0 {
		t.Errorf("index key %q should not sort after c", keys[0])
	}
	if handles[0].Offset != 0 {
		t.Errorf("first block offset %d, want 0", handles[0].Offset)
	}

	table, err := OpenTable(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer table.Close()
	if n := table.Counters().Value(SstCountKeys); n != 2 {
		t.Errorf("keys counter %d, want 2", n)
	}
}

// TestBuilder_TwoBlocks forces a flush partway through the input and
// checks the block layout
func TestBuilder_TwoBlocks(t *testing.T) {
	opts := testOptions()
	opts.Compression = NoCompression
	records := make([]testRecord, 128)
	for i := range records {
		records[i] = testRecord{fmt.Sprintf("key%04d", i), fmt.Sprintf("value%04d", i)}
	}

	// Tune the block size so the first flush lands after entry 64.
	// Each entry adds 3 varint bytes, its unshared key suffix (all 7 key
	// bytes at a restart point, 1-3 bytes elsewhere) and 9 value bytes.
	bb := NewBlockBuilder(opts.RestartInterval)
	for i := 0; i < 64; i++ {
		bb.Add([]byte(records[i].key), []byte(records[i].value))
	}
	opts.BlockSize = bb.SizeEstimate()

	path := filepath.Join(t.TempDir(), "two.sst")
	buildTestTable(t, path, opts, records)

	got := readAllRecords(t, path, opts)
	if len(got) != len(records) {
		t.Fatalf("read %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if got[i] != records[i] {
			t.Fatalf("record %d: %v, want %v", i, got[i], records[i])
		}
	}

	keys, handles := indexEntries(t, path, opts)
	if len(handles) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(handles))
	}
	if handles[0].Offset != 0 {
		t.Errorf("first block offset %d, want 0", handles[0].Offset)
	}
	if want := handles[0].Size + BlockTrailerSize; handles[1].Offset != want {
		t.Errorf("second block offset %d, want %d", handles[1].Offset, want)
	}

	// The separator between the blocks sits strictly between the last
	// key of block 1 and the first key of block 2
	split := records[63].key
	next := records[64].key
	if opts.Comparator.Compare(keys[0], []byte(split)) < 0 {
		t.Errorf("separator %q sorts before %q", keys[0], split)
	}
	if opts.Comparator.Compare(keys[0], []byte(next)) >= 0 {
		t.Errorf("separator %q does not sort before %q", keys[0], next)
	}

	// The final index key is the short successor of the last key
	want := opts.Comparator.FindShortSuccessor([]byte(records[127].key))
	if string(keys[1]) != string(want) {
		t.Errorf("final index key %q, want short successor %q", keys[1], want)
	}
}

// TestBuilder_IncompressibleBlock checks the snappy fallback and its
// counter
func TestBuilder_IncompressibleBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incompressible.sst")
	opts := testOptions()
	opts.Compression = SnappyCompression
	opts.BlockSize = 1 << 20

	// Pseudo-random values defeat snappy
	rng := uint64(0x9e3779b97f4a7c15)
	records := make([]testRecord, 64)
	for i := range records {
		value := make([]byte, 64)
		for j := range value {
			rng = rng*6364136223846793005 + 1442695040888963407
			value[j] = byte(rng >> 33)
		}
		records[i] = testRecord{fmt.Sprintf("key%04d", i), string(value)}
	}
	buildTestTable(t, path, opts, records)

	table, err := OpenTable(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer table.Close()
	if n := table.Counters().Value(SstCountCompressAborted); n == 0 {
		t.Error("expected compress-aborted counter to be incremented")
	}

	// Data block payload must be stored raw
	_, handles := indexEntries(t, path, opts)
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	typeByte := make([]byte, 1)
	if _, err := f.ReadAt(typeByte, int64(handles[0].Offset+handles[0].Size)); err != nil {
		t.Fatal(err)
	}
	if CompressionType(typeByte[0]) != NoCompression {
		t.Errorf("block type %d, want NoCompression", typeByte[0])
	}
}

// TestBuilder_CompressibleBlock checks snappy is used when it pays off
func TestBuilder_CompressibleBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compressible.sst")
	opts := testOptions()
	opts.Compression = SnappyCompression
	opts.BlockSize = 1 << 20

	records := make([]testRecord, 64)
	for i := range records {
		records[i] = testRecord{fmt.Sprintf("key%04d", i), string(bytes.Repeat([]byte("ab"), 256))}
	}
	buildTestTable(t, path, opts, records)

	got := readAllRecords(t, path, opts)
	if len(got) != len(records) {
		t.Fatalf("read %d records, want %d", len(got), len(records))
	}

	_, handles := indexEntries(t, path, opts)
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	typeByte := make([]byte, 1)
	if _, err := f.ReadAt(typeByte, int64(handles[0].Offset+handles[0].Size)); err != nil {
		t.Fatal(err)
	}
	if CompressionType(typeByte[0]) != SnappyCompression {
		t.Errorf("block type %d, want SnappyCompression", typeByte[0])
	}
}

// TestBuilder_Abandon stops a build mid-stream; workers must be joined
// and no footer written
func TestBuilder_Abandon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abandoned.sst")
	opts := testOptions()
	opts.BlockSize = 512

	file, err := NewFileWriter(path, opts.WriteBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBuilder(opts, file)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10000; i++ {
		if err := b.Add([]byte(fmt.Sprintf("key%08d", i)), []byte("value")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	b.Abandon()
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	// Adding after abandon is an error
	if err := b.Add([]byte("zzz"), []byte("v")); err != ErrBuilderClosed {
		t.Errorf("Add after Abandon = %v, want ErrBuilderClosed", err)
	}

	// The partial file has no footer; the caller deletes it
	if _, err := OpenTable(path, opts); err == nil {
		t.Error("abandoned file should not open as a table")
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove abandoned file: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("abandoned file still exists after delete")
	}
}

// TestBuilder_OutOfOrderKey rejects keys that do not advance
func TestBuilder_OutOfOrderKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "order.sst")
	opts := testOptions()

	file, err := NewFileWriter(path, opts.WriteBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBuilder(opts, file)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Add([]byte("banana"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := b.Add([]byte("apple"), []byte("2")); err != ErrOutOfOrderKey {
		t.Errorf("out-of-order Add = %v, want ErrOutOfOrderKey", err)
	}
	if err := b.Add([]byte("banana"), []byte("3")); err != ErrOutOfOrderKey {
		t.Errorf("duplicate Add = %v, want ErrOutOfOrderKey", err)
	}
	b.Abandon()
	_ = file.Close()
	_ = os.Remove(path)
}

// TestBuilder_FinishTwice returns ErrBuilderClosed on reuse
func TestBuilder_FinishTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.sst")
	opts := testOptions()

	file, err := NewFileWriter(path, opts.WriteBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBuilder(opts, file)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Add([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := b.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := b.Finish(); err != ErrBuilderClosed {
		t.Errorf("second Finish = %v, want ErrBuilderClosed", err)
	}
	if err := b.Add([]byte("b"), []byte("2")); err != ErrBuilderClosed {
		t.Errorf("Add after Finish = %v, want ErrBuilderClosed", err)
	}
	_ = file.Close()
}

// stallingFile wraps a WritableFile and stalls inside Reserve while
// counting concurrent reservations. The serial write invariant means the
// count never exceeds one even with several workers.
type stallingFile struct {
	WritableFile
	inReserve atomic.Int32
	maxSeen   atomic.Int32
	stall     time.Duration
}

func (s *stallingFile) Reserve(n int) (*Region, error) {
	cur := s.inReserve.Add(1)
	for {
		max := s.maxSeen.Load()
		if cur <= max || s.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(s.stall)
	region, err := s.WritableFile.Reserve(n)
	s.inReserve.Add(-1)
	return region, err
}

// TestBuilder_AtMostOneWriter injects stalls inside Reserve and verifies
// no two slots are ever simultaneously in the write phase
func TestBuilder_AtMostOneWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writers.sst")
	opts := testOptions()
	opts.BlockSize = 256
	opts.WorkerCount = 4
	opts.RingSize = 8

	inner, err := NewFileWriter(path, opts.WriteBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	file := &stallingFile{WritableFile: inner, stall: time.Millisecond}

	b, err := NewBuilder(opts, file)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2000; i++ {
		if err := b.Add([]byte(fmt.Sprintf("key%08d", i)), []byte("0123456789abcdef")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := b.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	if max := file.maxSeen.Load(); max > 1 {
		t.Errorf("observed %d concurrent reservations, want at most 1", max)
	}

	// The table is still fully readable
	got := readAllRecords(t, path, opts)
	if len(got) != 2000 {
		t.Errorf("read %d records, want 2000", len(got))
	}
}

// TestBuilder_EmptyFinish writes a valid empty table
func TestBuilder_EmptyFinish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.sst")
	opts := testOptions()

	file, err := NewFileWriter(path, opts.WriteBufferSize)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBuilder(opts, file)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Finish(); err != nil {
		t.Fatalf("Finish on empty builder: %v", err)
	}
	if err := file.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := file.Close(); err != nil {
		t.Fatal(err)
	}

	got := readAllRecords(t, path, opts)
	if len(got) != 0 {
		t.Errorf("empty table returned %d records", len(got))
	}
}

// TestBuilder_WithFilterPolicy ensures all keys land in the filter in
// producer order
func TestBuilder_WithFilterPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filtered.sst")
	opts := testOptions()
	opts.FilterPolicy = NewBloomFilterPolicy(10)
	opts.BlockSize = 256
	opts.WorkerCount = 3

	records := make([]testRecord, 500)
	for i := range records {
		records[i] = testRecord{fmt.Sprintf("key%06d", i), fmt.Sprintf("value%06d", i)}
	}
	buildTestTable(t, path, opts, records)

	table, err := OpenTable(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer table.Close()

	keys, handles := indexEntries(t, path, opts)
	if len(handles) < 2 {
		t.Fatal("test needs multiple blocks")
	}

	// Every key must match the filter of its own block
	it := table.NewIterator()
	blockIdx := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		for blockIdx+1 < len(handles) && opts.Comparator.Compare(it.Key(), keys[blockIdx]) > 0 {
			blockIdx++
		}
		if !table.KeyMayMatch(handles[blockIdx].Offset, it.Key()) {
			t.Fatalf("key %q missing from its block filter", it.Key())
		}
	}
}
