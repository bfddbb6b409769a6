package sstable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"

	"github.com/canopydb/canopy/pkg/logging"
	"github.com/canopydb/canopy/pkg/perfcount"
)

// Builder constructs a table file from a sorted record stream using a
// pipelined ring of block slots. One producer goroutine calls Add, Flush
// and Finish; WorkerCount background goroutines compress blocks out of
// order and commit them to the file strictly in producer order.
//
// Compression and checksumming are CPU-bound while the file append is
// I/O-bound; the ring lets the producer keep loading the next block while
// earlier blocks are still being compressed and copied out.
type Builder struct {
	opts   Options
	cmp    Comparator
	writer *TableWriter
	log    logging.Logger

	// All slot state transitions happen under mu; cond is broadcast after
	// every transition a peer may be waiting on. Slot states are also
	// readable atomically without mu as a scheduling hint.
	mu   sync.Mutex
	cond *sync.Cond

	slots    []*blockSlot
	addIdx   int // Slot receiving Add calls; advanced only by the producer
	writeIdx int // Next slot to commit; advanced only by the writing worker

	finishReq bool
	abortReq  bool
	wg        sync.WaitGroup

	addWaitMicros atomic.Int64 // Time the producer spent blocked on a busy slot
}

// Slot states. A slot cycles Empty -> Loading -> Full -> Compressing ->
// (KeyWait ->) Ready -> Writing -> Copying -> Empty.
type slotState int32

const (
	slotEmpty slotState = iota
	slotLoading
	slotFull
	slotCompressing
	slotKeyWait
	slotReady
	slotWriting
	slotCopying
)

// blockSlot is one ring entry. The state field is stored atomically so
// the producer can peek without the mutex; every mutation happens under
// the builder mutex.
type blockSlot struct {
	state atomic.Int32

	block        *BlockBuilder
	lastKey      []byte // Last key added; becomes the index key once shortened
	keyShortened bool
	compType     CompressionType
	crc          uint32 // CRC32C of payload plus type byte, unmasked

	// Keys destined for the filter, staged here so the filter block is
	// updated deterministically in producer order
	filterKeys    []byte
	filterLengths []int
}

func (s *blockSlot) getState() slotState {
	return slotState(s.state.Load())
}

func (s *blockSlot) setState(st slotState) {
	s.state.Store(int32(st))
}

func (s *blockSlot) reset() {
	s.block.Reset()
	s.lastKey = s.lastKey[:0]
	s.keyShortened = false
	s.compType = NoCompression
	s.crc = 0
	s.filterKeys = s.filterKeys[:0]
	s.filterLengths = s.filterLengths[:0]
	s.setState(slotEmpty)
}

// NewBuilder creates a parallel table builder writing to file. The file
// is owned by the builder until Finish or Abandon returns.
func NewBuilder(opts Options, file WritableFile) (*Builder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	b := &Builder{
		opts:   opts,
		cmp:    opts.Comparator,
		writer: NewTableWriter(opts, file),
		log:    opts.Logger,
	}
	b.cond = sync.NewCond(&b.mu)

	b.slots = make([]*blockSlot, opts.RingSize)
	for i := range b.slots {
		b.slots[i] = &blockSlot{block: NewBlockBuilder(opts.RestartInterval)}
	}

	b.wg.Add(opts.WorkerCount)
	for i := 0; i < opts.WorkerCount; i++ {
		go b.workerLoop()
	}
	return b, nil
}

// Counters returns the per-table counter set
func (b *Builder) Counters() *SstCounters {
	return b.writer.Counters()
}

// NumEntries returns the number of records added so far
func (b *Builder) NumEntries() uint64 {
	return b.writer.NumEntries()
}

// FileSize returns the number of file bytes assigned so far
func (b *Builder) FileSize() uint64 {
	return b.writer.FileSize()
}

// Status returns the first error latched by the writer, if any
func (b *Builder) Status() error {
	return b.writer.Status()
}

// Add appends a record to the table being constructed. Single-threaded.
// REQUIRES: key is after any previously added key per the comparator.
// REQUIRES: Finish and Abandon have not been called.
func (b *Builder) Add(key, value []byte) error {
	if b.writer.Closed() {
		return ErrBuilderClosed
	}
	if !b.writer.Ok() {
		return b.writer.Status()
	}

	slot := b.slots[b.addIdx]

	// Quick test without the lock; the common case is that the slot is
	// already usable. The post-wait check under the mutex is authoritative.
	if st := slot.getState(); st != slotLoading && st != slotEmpty {
		start := time.Now()
		b.mu.Lock()
		for {
			st = slot.getState()
			if st == slotLoading || st == slotEmpty {
				break
			}
			b.cond.Wait()
		}
		b.mu.Unlock()
		b.addWaitMicros.Add(time.Since(start).Microseconds())
		perfcount.Default().Inc(perfcount.ProducerWait)
	}

	if slot.getState() != slotEmpty && b.cmp.Compare(key, slot.lastKey) <= 0 {
		return ErrOutOfOrderKey
	}

	// First key of a new block: shorten the prior block's index key now
	// that its upper bound is known
	if slot.getState() == slotEmpty {
		b.mu.Lock()
		slot.setState(slotLoading)

		prev := b.slots[(b.addIdx+len(b.slots)-1)%len(b.slots)]
		if prev.getState() != slotEmpty && !prev.keyShortened {
			prev.lastKey = append(prev.lastKey[:0],
				b.cmp.FindShortestSeparator(prev.lastKey, key)...)
			prev.keyShortened = true

			// If the block's progress was waiting for this key, release it
			if prev.getState() == slotKeyWait {
				prev.setState(slotReady)
				b.cond.Broadcast()
			}
		}
		b.mu.Unlock()
	}

	if b.opts.FilterPolicy != nil {
		slot.filterLengths = append(slot.filterLengths, len(key))
		slot.filterKeys = append(slot.filterKeys, key...)
	}

	slot.lastKey = append(slot.lastKey[:0], key...)
	slot.block.Add(key, value)
	b.writer.CountEntry(len(key), len(value))

	if slot.block.SizeEstimate() >= b.opts.BlockSize {
		b.Flush()
	}
	return nil
}

// Flush hands the block being loaded to the workers and advances the
// producer to the next slot. Called by the producer only.
func (b *Builder) Flush() {
	if b.writer.Closed() || !b.writer.Ok() {
		return
	}
	b.mu.Lock()
	slot := b.slots[b.addIdx]
	if slot.getState() == slotLoading {
		slot.setState(slotFull)
		b.addIdx = (b.addIdx + 1) % len(b.slots)
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// workerLoop claims and performs pipeline work until finish or abort.
// Claim priority: the slot at writeIdx that is Ready, then any Full slot,
// then the final KeyWait block once finish has been requested.
func (b *Builder) workerLoop() {
	defer b.wg.Done()

	for {
		var claimed *blockSlot
		claimedIdx := -1
		var compress bool

		b.mu.Lock()
		for {
			allEmpty := true
			for _, s := range b.slots {
				if s.getState() != slotEmpty {
					allEmpty = false
					break
				}
			}
			if b.abortReq || (b.finishReq && allEmpty) {
				b.mu.Unlock()
				return
			}

			if !allEmpty {
				for i := 0; i < len(b.slots) && claimedIdx < 0; i++ {
					idx := (b.writeIdx + i) % len(b.slots)
					s := b.slots[idx]
					switch {
					case idx == b.writeIdx && s.getState() == slotReady:
						s.setState(slotWriting)
						claimed, claimedIdx, compress = s, idx, false

					case s.getState() == slotFull:
						s.setState(slotCompressing)
						claimed, claimedIdx, compress = s, idx, true

					case b.finishReq && idx == b.writeIdx && s.getState() == slotKeyWait &&
						b.slots[(idx+1)%len(b.slots)].getState() == slotEmpty:
						// Last block of the table: no successor key will
						// arrive, so close it with the short successor
						s.lastKey = append(s.lastKey[:0],
							b.cmp.FindShortSuccessor(s.lastKey)...)
						s.keyShortened = true
						s.setState(slotWriting)
						claimed, claimedIdx, compress = s, idx, false
					}
				}
			}
			if claimedIdx >= 0 {
				break
			}
			perfcount.Default().Inc(perfcount.WorkerWait)
			b.cond.Wait()
		}
		b.mu.Unlock()

		if compress {
			b.compressBlock(claimed, claimedIdx)
		} else {
			b.writeBlock(claimed)
		}
	}
}

// compressBlock finalizes, compresses and checksums one slot. Runs
// outside the mutex; order-independent across slots.
func (b *Builder) compressBlock(slot *blockSlot, idx int) {
	raw := slot.block.Finish()

	counters := b.writer.Counters()
	counters.Inc(SstCountBlocks)
	counters.Add(SstCountBlockSize, uint64(len(raw)))

	slot.compType = b.opts.Compression
	if slot.compType == SnappyCompression {
		perfcount.Default().Inc(perfcount.BlockCompress)
		compressed := snappy.Encode(nil, raw)
		if len(compressed) < len(raw)-len(raw)/8 {
			slot.block.Overwrite(compressed)
		} else {
			// Compression saved less than 12.5%; store the raw form
			slot.compType = NoCompression
			counters.Inc(SstCountCompressAborted)
			perfcount.Default().Inc(perfcount.BlockCompressAborted)
		}
	}

	payload := slot.block.Buffer()
	counters.Add(SstCountBlockWriteSize, uint64(len(payload)))

	crc := CrcValue(payload)
	slot.crc = CrcExtend(crc, []byte{byte(slot.compType)})

	ourWrite := false
	b.mu.Lock()
	if slot.keyShortened {
		if idx == b.writeIdx {
			// Next in file order and its key is final: take the write
			// phase ourselves without yielding the slot
			slot.setState(slotWriting)
			ourWrite = true
		} else {
			slot.setState(slotReady)
		}
	} else {
		slot.setState(slotKeyWait)
	}
	if !ourWrite {
		b.cond.Broadcast()
	}
	b.mu.Unlock()

	if ourWrite {
		b.writeBlock(slot)
	}
}

// writeBlock commits one slot to the file. The serial section (offset
// assignment, filter anchor, index append) runs while this slot is the
// only one in Writing; the payload copy overlaps later blocks' serial
// sections.
func (b *Builder) writeBlock(slot *blockSlot) {
	payload := slot.block.Buffer()

	var region *Region
	if b.writer.Ok() {
		var handle BlockHandle
		var err error
		region, handle, err = b.writer.BeginBlock(len(payload))
		if err == nil {
			b.writer.FilterAddKeys(slot.filterLengths, slot.filterKeys)
			b.writer.AppendIndexEntry(slot.lastKey, handle)
		}
	}

	// Release the serial write position so the next Ready slot can
	// progress while this one's payload copy continues
	b.mu.Lock()
	slot.setState(slotCopying)
	b.writeIdx = (b.writeIdx + 1) % len(b.slots)
	b.cond.Broadcast()
	b.mu.Unlock()

	if region != nil {
		b.writer.CommitBlock(region, payload, slot.compType, MaskCrc(slot.crc))
		perfcount.Default().Inc(perfcount.BlockWrite)
	}

	b.mu.Lock()
	slot.reset()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Finish flushes the last block, drains the pipeline, joins the workers
// and writes the filter block, metaindex, index block and footer.
func (b *Builder) Finish() error {
	if b.writer.Closed() {
		return ErrBuilderClosed
	}
	b.Flush()

	b.mu.Lock()
	b.finishReq = true
	b.cond.Broadcast()
	b.mu.Unlock()

	b.wg.Wait()

	b.log.Debug("table build pipeline drained",
		logging.Uint64("entries", b.writer.NumEntries()),
		logging.Uint64("blocks", b.writer.Counters().Value(SstCountBlocks)),
		logging.Int64("producer_wait_us", b.addWaitMicros.Load()))

	return b.writer.Finish()
}

// Abandon stops the build without writing a footer. Workers are joined;
// the caller deletes the file.
func (b *Builder) Abandon() {
	b.mu.Lock()
	b.finishReq = true
	b.abortReq = true
	b.cond.Broadcast()
	b.mu.Unlock()

	b.wg.Wait()
	b.writer.Abandon()
}
