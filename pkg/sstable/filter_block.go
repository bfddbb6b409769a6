package sstable

// Filter block layout:
//
//   [filter 0]
//   [filter 1]
//   ...
//   [filter N-1]
//   [offset of filter 0]  : fixed32
//   ...
//   [offset of filter N-1]: fixed32
//   [offset of offset array]: fixed32
//   lg(filterBase)        : 1 byte
//
// A new filter is generated for every filterBase bytes of data block file
// offset, so a reader can locate the filter for a block directly from the
// block's handle.

const (
	filterBaseLg = 11
	filterBase   = 1 << filterBaseLg // 2 KiB of file offset per filter
)

// FilterBlockBuilder accumulates per-block key sets and emits the filter
// block. It is driven only from the serial write phase, in producer order.
type FilterBlockBuilder struct {
	policy FilterPolicy

	keys    []byte   // Flattened key bytes of the pending group
	lengths []int    // Length of each key in keys
	result  []byte   // Filter data computed so far
	offsets []uint32 // Per-filter offsets in result
}

// NewFilterBlockBuilder creates a filter block builder for the policy
func NewFilterBlockBuilder(policy FilterPolicy) *FilterBlockBuilder {
	return &FilterBlockBuilder{policy: policy}
}

// AddKey stages a single key for the current group
func (fb *FilterBlockBuilder) AddKey(key []byte) {
	fb.lengths = append(fb.lengths, len(key))
	fb.keys = append(fb.keys, key...)
}

// AddKeys stages one block's keys: a lengths stream plus packed bytes.
// This is the bulk form used by the parallel builder, which stages keys
// per slot and flushes them in write order.
func (fb *FilterBlockBuilder) AddKeys(lengths []int, keys []byte) {
	fb.lengths = append(fb.lengths, lengths...)
	fb.keys = append(fb.keys, keys...)
}

// StartBlock closes out filters up to blockOffset. Must be called with
// monotonically non-decreasing offsets.
func (fb *FilterBlockBuilder) StartBlock(blockOffset uint64) {
	filterIndex := blockOffset / filterBase
	for uint64(len(fb.offsets)) < filterIndex {
		fb.generateFilter()
	}
}

// Finish emits the filter block contents
func (fb *FilterBlockBuilder) Finish() []byte {
	if len(fb.lengths) != 0 {
		fb.generateFilter()
	}

	// Append per-filter offsets and the array position
	arrayOffset := uint32(len(fb.result))
	for _, off := range fb.offsets {
		fb.result = PutFixed32(fb.result, off)
	}
	fb.result = PutFixed32(fb.result, arrayOffset)
	fb.result = append(fb.result, filterBaseLg)
	return fb.result
}

func (fb *FilterBlockBuilder) generateFilter() {
	if len(fb.lengths) == 0 {
		// No keys since the last filter; reuse the previous end position
		fb.offsets = append(fb.offsets, uint32(len(fb.result)))
		return
	}

	keys := make([][]byte, 0, len(fb.lengths))
	pos := 0
	for _, n := range fb.lengths {
		keys = append(keys, fb.keys[pos:pos+n])
		pos += n
	}

	fb.offsets = append(fb.offsets, uint32(len(fb.result)))
	fb.result = fb.policy.CreateFilter(keys, fb.result)

	fb.keys = fb.keys[:0]
	fb.lengths = fb.lengths[:0]
}

// FilterBlockReader answers KeyMayMatch queries against a finished
// filter block.
type FilterBlockReader struct {
	policy FilterPolicy
	data   []byte
	offset []byte // Start of the offset array
	num    int    // Number of filters
	baseLg uint
}

// NewFilterBlockReader parses a filter block. Returns a reader that
// matches everything if contents are malformed.
func NewFilterBlockReader(policy FilterPolicy, contents []byte) *FilterBlockReader {
	r := &FilterBlockReader{policy: policy}
	n := len(contents)
	if n < 5 {
		return r
	}
	r.baseLg = uint(contents[n-1])
	lastWord := DecodeFixed32(contents[n-5 : n-1])
	if lastWord > uint32(n-5) {
		return r
	}
	r.data = contents
	r.offset = contents[lastWord : n-5]
	r.num = (n - 5 - int(lastWord)) / 4
	return r
}

// KeyMayMatch reports whether key may be present in the block anchored
// at blockOffset
func (r *FilterBlockReader) KeyMayMatch(blockOffset uint64, key []byte) bool {
	index := int(blockOffset >> r.baseLg)
	if index >= r.num {
		// Errors are treated as potential matches
		return true
	}
	start := DecodeFixed32(r.offset[index*4 : index*4+4])
	var limit uint32
	if index+1 < r.num {
		limit = DecodeFixed32(r.offset[(index+1)*4 : (index+1)*4+4])
	} else {
		limit = uint32(len(r.data) - 5 - r.num*4)
	}
	if start > limit || limit > uint32(len(r.data)-5) {
		return true
	}
	if start == limit {
		// Empty filters do not match any keys
		return false
	}
	return r.policy.KeyMayMatch(key, r.data[start:limit])
}
