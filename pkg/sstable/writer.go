package sstable

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"
)

// TableWriter owns the output file, the running byte offset, the index
// block, the filter block, the per-table counters, and the footer. All
// offset-advancing methods are called from exactly one goroutine at a
// time (the serial write phase of the pipeline, or Finish after the
// workers have been joined).
type TableWriter struct {
	opts Options
	file WritableFile

	offset      uint64
	indexBlock  *BlockBuilder
	filterBlock *FilterBlockBuilder
	counters    *SstCounters
	numEntries  atomic.Uint64

	statusMu sync.Mutex
	status   error
	closed   bool
}

// NewTableWriter creates a writer over file. The file is logically owned
// by the writer from this point until Finish or Abandon.
func NewTableWriter(opts Options, file WritableFile) *TableWriter {
	w := &TableWriter{
		opts:       opts,
		file:       file,
		indexBlock: NewBlockBuilder(1),
		counters:   NewSstCounters(),
	}
	if opts.FilterPolicy != nil {
		w.filterBlock = NewFilterBlockBuilder(opts.FilterPolicy)
	}
	return w
}

// Ok reports whether no error has been latched
func (w *TableWriter) Ok() bool {
	return w.Status() == nil
}

// Status returns the first error encountered, if any
func (w *TableWriter) Status() error {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	return w.status
}

// setStatus latches err if it is the first failure
func (w *TableWriter) setStatus(err error) {
	if err == nil {
		return
	}
	w.statusMu.Lock()
	if w.status == nil {
		w.status = err
	}
	w.statusMu.Unlock()
}

// Closed reports whether Finish or Abandon has completed
func (w *TableWriter) Closed() bool {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	return w.closed
}

func (w *TableWriter) setClosed() {
	w.statusMu.Lock()
	w.closed = true
	w.statusMu.Unlock()
}

// Counters returns the per-table counter set
func (w *TableWriter) Counters() *SstCounters {
	return w.counters
}

// CountEntry records one added record in the table statistics
func (w *TableWriter) CountEntry(keyLen, valueLen int) {
	w.numEntries.Add(1)
	w.counters.Inc(SstCountKeys)
	w.counters.Add(SstCountKeySize, uint64(keyLen))
	w.counters.Add(SstCountValueSize, uint64(valueLen))
	w.counters.SetMax(SstCountKeyLargest, uint64(keyLen))
	w.counters.SetMin(SstCountKeySmallest, uint64(keyLen))
	w.counters.SetMax(SstCountValueLargest, uint64(valueLen))
	w.counters.SetMin(SstCountValueSmallest, uint64(valueLen))
}

// NumEntries returns the number of records added so far
func (w *TableWriter) NumEntries() uint64 {
	return w.numEntries.Load()
}

// FileSize returns the number of bytes assigned in the file so far
func (w *TableWriter) FileSize() uint64 {
	return w.offset
}

// BeginBlock reserves file space for a block of payloadLen bytes plus its
// trailer, advances the offset, and returns the region together with the
// block's handle. Serial write path only.
func (w *TableWriter) BeginBlock(payloadLen int) (*Region, BlockHandle, error) {
	total := payloadLen + BlockTrailerSize
	region, err := w.file.Reserve(total)
	if err != nil {
		w.setStatus(err)
		return nil, BlockHandle{}, err
	}
	handle := BlockHandle{Offset: w.offset, Size: uint64(payloadLen)}
	w.offset += uint64(total)
	return region, handle, nil
}

// FilterAddKeys flushes one block's staged filter keys and anchors the
// next filter group at the current offset. Serial write path only.
func (w *TableWriter) FilterAddKeys(lengths []int, keys []byte) {
	if w.filterBlock == nil {
		return
	}
	w.filterBlock.AddKeys(lengths, keys)
	w.filterBlock.StartBlock(w.offset)
}

// AppendIndexEntry adds (key -> handle) to the index block. The key must
// already be shortened. Serial write path only.
func (w *TableWriter) AppendIndexEntry(key []byte, handle BlockHandle) {
	var enc [maxBlockHandleEncodedLength]byte
	w.indexBlock.Add(key, handle.EncodeTo(enc[:0]))
	w.counters.Inc(SstCountIndexKeys)
}

// CommitBlock writes payload and the 5-byte trailer into a region
// returned by BeginBlock. May run concurrently with later blocks' serial
// sections; the region guarantees non-overlapping file access.
func (w *TableWriter) CommitBlock(region *Region, payload []byte, ctype CompressionType, maskedCrc uint32) {
	if !w.Ok() {
		return
	}
	if err := region.Write(payload); err != nil {
		w.setStatus(err)
		return
	}
	var trailer [BlockTrailerSize]byte
	trailer[0] = byte(ctype)
	binary.LittleEndian.PutUint32(trailer[1:], maskedCrc)
	if err := region.Write(trailer[:]); err != nil {
		w.setStatus(err)
	}
}

// writeMetaBlock applies the compression policy to payload, appends it
// with its trailer at the file end, and returns its handle.
func (w *TableWriter) writeMetaBlock(payload []byte) (BlockHandle, error) {
	ctype := w.opts.Compression
	if ctype == SnappyCompression {
		compressed := snappy.Encode(nil, payload)
		if len(compressed) < len(payload)-len(payload)/8 {
			payload = compressed
		} else {
			// The counter block is already on disk, so this fallback is
			// not recorded in the table's own statistics
			ctype = NoCompression
		}
	}
	return w.writeRawBlock(payload, ctype)
}

// writeRawBlock appends payload bytes and trailer without compression
// policy, returning the block's handle.
func (w *TableWriter) writeRawBlock(payload []byte, ctype CompressionType) (BlockHandle, error) {
	handle := BlockHandle{Offset: w.offset, Size: uint64(len(payload))}

	crc := CrcValue(payload)
	crc = CrcExtend(crc, []byte{byte(ctype)})

	var trailer [BlockTrailerSize]byte
	trailer[0] = byte(ctype)
	binary.LittleEndian.PutUint32(trailer[1:], MaskCrc(crc))

	if err := w.file.Append(payload); err != nil {
		w.setStatus(err)
		return handle, err
	}
	if err := w.file.Append(trailer[:]); err != nil {
		w.setStatus(err)
		return handle, err
	}
	w.offset += uint64(len(payload) + BlockTrailerSize)
	return handle, nil
}

// Finish writes the filter block, the counter block, the metaindex, the
// index block, and the footer. Must be called after all data blocks have
// been committed and the workers joined.
func (w *TableWriter) Finish() error {
	if w.Closed() {
		return ErrBuilderClosed
	}
	defer w.setClosed()

	if !w.Ok() {
		return w.Status()
	}

	// Filter block, uncompressed so readers can use it without inflating
	var filterHandle BlockHandle
	if w.filterBlock != nil {
		var err error
		filterHandle, err = w.writeRawBlock(w.filterBlock.Finish(), NoCompression)
		if err != nil {
			return err
		}
	}

	// Counter block
	counterHandle, err := w.writeRawBlock(w.counters.EncodeTo(nil), NoCompression)
	if err != nil {
		return err
	}

	// Metaindex: well-known names to handles
	metaindex := NewBlockBuilder(w.opts.RestartInterval)
	if w.filterBlock != nil {
		var enc [maxBlockHandleEncodedLength]byte
		metaindex.Add([]byte(filterNamePrefix+w.opts.FilterPolicy.Name()),
			filterHandle.EncodeTo(enc[:0]))
	}
	var enc [maxBlockHandleEncodedLength]byte
	metaindex.Add([]byte(countersName), counterHandle.EncodeTo(enc[:0]))

	metaindexHandle, err := w.writeMetaBlock(metaindex.Finish())
	if err != nil {
		return err
	}

	indexHandle, err := w.writeMetaBlock(w.indexBlock.Finish())
	if err != nil {
		return err
	}

	footer := Footer{MetaindexHandle: metaindexHandle, IndexHandle: indexHandle}
	if err := w.file.Append(footer.EncodeTo()); err != nil {
		w.setStatus(err)
		return err
	}
	w.offset += FooterEncodedLength

	return w.Status()
}

// Abandon closes the writer without a footer. The caller deletes the file.
func (w *TableWriter) Abandon() {
	w.setClosed()
}
