package sstable

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/mmap"

	"github.com/canopydb/canopy/pkg/perfcount"
)

// Table is an open, immutable table file. Reads go through a
// memory-mapped view of the file.
type Table struct {
	opts         Options
	path         string
	reader       ReaderAt
	closer       io.Closer
	size         int64
	footer       Footer
	indexPayload []byte
	filter       *FilterBlockReader
	counters     *SstCounters
}

// OpenTable memory-maps the table at path and loads its footer, index,
// filter and counter blocks
func OpenTable(path string, opts Options) (*Table, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}
	perfcount.Default().Inc(perfcount.ROFileOpen)

	t := &Table{
		opts:   opts,
		path:   path,
		reader: r,
		closer: r,
		size:   int64(r.Len()),
	}
	if err := t.load(); err != nil {
		_ = r.Close()
		perfcount.Default().Inc(perfcount.ROFileClose)
		return nil, err
	}
	return t, nil
}

func (t *Table) load() error {
	if t.size < FooterEncodedLength {
		return &TableError{Op: "OpenTable", Path: t.path,
			Context: "file too short for footer", Cause: ErrCorruption}
	}

	footerBuf := make([]byte, FooterEncodedLength)
	if _, err := t.reader.ReadAt(footerBuf, t.size-FooterEncodedLength); err != nil {
		return fmt.Errorf("read footer: %w", err)
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		return &TableError{Op: "OpenTable", Path: t.path, Cause: err}
	}
	t.footer = footer

	t.indexPayload, err = t.readBlock(footer.IndexHandle)
	if err != nil {
		return &TableError{Op: "OpenTable", Path: t.path, Context: "index block", Cause: err}
	}

	return t.loadMeta()
}

// loadMeta walks the metaindex for the filter and counter blocks.
// Missing entries are not errors; older files may omit them.
func (t *Table) loadMeta() error {
	metaPayload, err := t.readBlock(t.footer.MetaindexHandle)
	if err != nil {
		return &TableError{Op: "OpenTable", Path: t.path, Context: "metaindex block", Cause: err}
	}

	it := newBlockIterator(NewBytewiseComparator(), metaPayload)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		name := string(it.Key())
		handle, _, err := DecodeBlockHandle(it.Value())
		if err != nil {
			return err
		}
		switch {
		case t.opts.FilterPolicy != nil && name == filterNamePrefix+t.opts.FilterPolicy.Name():
			contents, err := t.readBlock(handle)
			if err != nil {
				return err
			}
			t.filter = NewFilterBlockReader(t.opts.FilterPolicy, contents)

		case name == countersName:
			contents, err := t.readBlock(handle)
			if err != nil {
				return err
			}
			counters, err := DecodeSstCounters(contents)
			if err != nil {
				return err
			}
			t.counters = counters
		}
	}
	return it.Status()
}

func (t *Table) readBlock(handle BlockHandle) ([]byte, error) {
	contents, err := ReadBlock(t.reader, handle, t.opts.VerifyChecksums)
	if err != nil {
		perfcount.Default().Inc(perfcount.BlockReadFault)
		return nil, err
	}
	perfcount.Default().Inc(perfcount.BlockRead)
	return contents, nil
}

// Counters returns the table's statistics block, or nil if absent
func (t *Table) Counters() *SstCounters {
	return t.counters
}

// Size returns the table file size in bytes
func (t *Table) Size() int64 {
	return t.size
}

// KeyMayMatch consults the filter for the block at blockOffset. Without
// a filter everything may match.
func (t *Table) KeyMayMatch(blockOffset uint64, key []byte) bool {
	if t.filter == nil {
		return true
	}
	return t.filter.KeyMayMatch(blockOffset, key)
}

// NewIterator returns a two-level iterator over the table's records
func (t *Table) NewIterator() Iterator {
	return &tableIterator{
		t:     t,
		index: newBlockIterator(t.opts.Comparator, t.indexPayload),
	}
}

// Close unmaps the table file
func (t *Table) Close() error {
	perfcount.Default().Inc(perfcount.ROFileClose)
	return t.closer.Close()
}

// Remove closes the table and deletes its file
func (t *Table) Remove() error {
	if err := t.Close(); err != nil {
		return err
	}
	return os.Remove(t.path)
}

// tableIterator walks the index block and, per index entry, the data
// block it points at
type tableIterator struct {
	t     *Table
	index *blockIterator
	data  *blockIterator
	err   error
}

func (it *tableIterator) Valid() bool {
	return it.err == nil && it.data != nil && it.data.Valid()
}

func (it *tableIterator) Status() error {
	if it.err != nil {
		return it.err
	}
	if err := it.index.Status(); err != nil {
		return err
	}
	if it.data != nil {
		return it.data.Status()
	}
	return nil
}

func (it *tableIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.data.Key()
}

func (it *tableIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.data.Value()
}

func (it *tableIterator) SeekToFirst() {
	it.index.SeekToFirst()
	it.loadDataBlock()
	it.skipEmptyBlocksForward()
}

func (it *tableIterator) Seek(target []byte) {
	it.index.Seek(target)
	it.loadDataBlock()
	if it.data != nil {
		it.data.Seek(target)
	}
	it.skipEmptyBlocksForward()
}

func (it *tableIterator) Next() {
	if !it.Valid() {
		return
	}
	it.data.Next()
	it.skipEmptyBlocksForward()
}

// loadDataBlock reads the block the index currently points at and
// positions at its first entry
func (it *tableIterator) loadDataBlock() {
	it.data = nil
	if it.err != nil || !it.index.Valid() {
		return
	}
	handle, _, err := DecodeBlockHandle(it.index.Value())
	if err != nil {
		it.err = err
		return
	}
	contents, err := it.t.readBlock(handle)
	if err != nil {
		it.err = err
		return
	}
	it.data = newBlockIterator(it.t.opts.Comparator, contents)
	it.data.SeekToFirst()
}

func (it *tableIterator) skipEmptyBlocksForward() {
	for it.err == nil && (it.data == nil || !it.data.Valid()) {
		if it.data != nil && it.data.Status() != nil {
			it.err = it.data.Status()
			return
		}
		if !it.index.Valid() {
			it.data = nil
			return
		}
		it.index.Next()
		it.loadDataBlock()
	}
}
