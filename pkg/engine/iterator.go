package engine

import (
	"sort"

	"github.com/canopydb/canopy/pkg/sstable"
)

// Record is one (internal key, value) pair fed to BuildTable
type Record struct {
	Key   []byte
	Value []byte
}

// VectorIterator iterates an in-memory record slice. The engine's write
// buffer and compaction merge produce their own iterators; this one
// serves tools and tests.
type VectorIterator struct {
	records []Record
	pos     int
	err     error
}

// NewVectorIterator returns an iterator over records, which must already
// be sorted by the comparator the consumer uses (see SortRecords)
func NewVectorIterator(records []Record) *VectorIterator {
	return &VectorIterator{records: records, pos: -1}
}

// SortRecords sorts records in place by cmp
func SortRecords(records []Record, cmp sstable.Comparator) {
	sort.Slice(records, func(i, j int) bool {
		return cmp.Compare(records[i].Key, records[j].Key) < 0
	})
}

func (it *VectorIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.records)
}

func (it *VectorIterator) SeekToFirst() {
	it.pos = 0
}

func (it *VectorIterator) Seek(target []byte) {
	// Tools only need forward iteration; position past the end unless a
	// linear probe finds the target
	for it.pos = 0; it.pos < len(it.records); it.pos++ {
		if string(it.records[it.pos].Key) >= string(target) {
			return
		}
	}
}

func (it *VectorIterator) Next() {
	if it.Valid() {
		it.pos++
	}
}

func (it *VectorIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.records[it.pos].Key
}

func (it *VectorIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.records[it.pos].Value
}

func (it *VectorIterator) Status() error {
	return it.err
}

// SetError marks the iterator failed; BuildTable must surface this even
// after consuming all records
func (it *VectorIterator) SetError(err error) {
	it.err = err
}
