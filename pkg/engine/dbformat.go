// Package engine holds the collaborators surrounding the table builder:
// internal key encoding, the key-retirement filter, table filenames, and
// the BuildTable driver that turns a sorted record stream into a
// verified on-disk table.
package engine

import (
	"encoding/binary"

	"github.com/canopydb/canopy/pkg/sstable"
)

// ValueKind distinguishes live values from deletion tombstones
type ValueKind byte

const (
	KindDeletion ValueKind = 0
	KindValue    ValueKind = 1
)

// SequenceNumber orders writes to the same user key
type SequenceNumber uint64

// MaxSequenceNumber leaves the low 8 bits of the packed tag for the kind
const MaxSequenceNumber = SequenceNumber((1 << 56) - 1)

// Internal keys append an 8-byte tag to the user key:
//   user_key | fixed64(sequence << 8 | kind)
// Sorting compares user keys ascending, then sequence descending, so the
// newest record for a user key is seen first.

// MakeInternalKey encodes (userKey, seq, kind) into an internal key
func MakeInternalKey(userKey []byte, seq SequenceNumber, kind ValueKind) []byte {
	out := make([]byte, 0, len(userKey)+8)
	out = append(out, userKey...)
	return binary.LittleEndian.AppendUint64(out, uint64(seq)<<8|uint64(kind))
}

// ParsedInternalKey is the decoded form of an internal key
type ParsedInternalKey struct {
	UserKey  []byte
	Sequence SequenceNumber
	Kind     ValueKind
}

// ParseInternalKey decodes an internal key. Returns false on malformed
// input.
func ParseInternalKey(ikey []byte) (ParsedInternalKey, bool) {
	if len(ikey) < 8 {
		return ParsedInternalKey{}, false
	}
	tag := binary.LittleEndian.Uint64(ikey[len(ikey)-8:])
	kind := ValueKind(tag & 0xFF)
	if kind > KindValue {
		return ParsedInternalKey{}, false
	}
	return ParsedInternalKey{
		UserKey:  ikey[:len(ikey)-8],
		Sequence: SequenceNumber(tag >> 8),
		Kind:     kind,
	}, true
}

// UserKey returns the user portion of an internal key
func UserKey(ikey []byte) []byte {
	if len(ikey) < 8 {
		return ikey
	}
	return ikey[:len(ikey)-8]
}

// InternalKeyComparator orders internal keys by user key ascending, then
// sequence descending. It satisfies sstable.Comparator so tables of
// internal keys can be built and read directly.
type InternalKeyComparator struct {
	user sstable.Comparator
}

// NewInternalKeyComparator wraps a user comparator
func NewInternalKeyComparator(user sstable.Comparator) *InternalKeyComparator {
	return &InternalKeyComparator{user: user}
}

// UserComparator returns the wrapped user comparator
func (c *InternalKeyComparator) UserComparator() sstable.Comparator {
	return c.user
}

func (c *InternalKeyComparator) Name() string {
	return "canopy.InternalKeyComparator"
}

func (c *InternalKeyComparator) Compare(a, b []byte) int {
	if r := c.user.Compare(UserKey(a), UserKey(b)); r != 0 {
		return r
	}
	// Equal user keys: larger tag (newer sequence) sorts first
	aTag := binary.LittleEndian.Uint64(a[len(a)-8:])
	bTag := binary.LittleEndian.Uint64(b[len(b)-8:])
	switch {
	case aTag > bTag:
		return -1
	case aTag < bTag:
		return 1
	default:
		return 0
	}
}

// maxTag sorts before any real tag for the same user key
const maxTag = uint64(MaxSequenceNumber)<<8 | uint64(KindValue)

func (c *InternalKeyComparator) FindShortestSeparator(start, limit []byte) []byte {
	userStart := UserKey(start)
	userLimit := UserKey(limit)
	shortened := c.user.FindShortestSeparator(userStart, userLimit)
	if len(shortened) < len(userStart) && c.user.Compare(userStart, shortened) < 0 {
		// The user key grew shorter; tag it so it sorts before every
		// record of the separator key
		out := make([]byte, 0, len(shortened)+8)
		out = append(out, shortened...)
		return binary.LittleEndian.AppendUint64(out, maxTag)
	}
	return start
}

func (c *InternalKeyComparator) FindShortSuccessor(key []byte) []byte {
	userKey := UserKey(key)
	shortened := c.user.FindShortSuccessor(userKey)
	if len(shortened) < len(userKey) && c.user.Compare(userKey, shortened) < 0 {
		out := make([]byte, 0, len(shortened)+8)
		out = append(out, shortened...)
		return binary.LittleEndian.AppendUint64(out, maxTag)
	}
	return key
}

// internalFilterPolicy strips the tag so filters probe user keys
type internalFilterPolicy struct {
	user sstable.FilterPolicy
}

// NewInternalFilterPolicy wraps a user filter policy for internal keys
func NewInternalFilterPolicy(user sstable.FilterPolicy) sstable.FilterPolicy {
	return &internalFilterPolicy{user: user}
}

func (p *internalFilterPolicy) Name() string {
	return p.user.Name()
}

func (p *internalFilterPolicy) CreateFilter(keys [][]byte, dst []byte) []byte {
	userKeys := make([][]byte, len(keys))
	for i, k := range keys {
		userKeys[i] = UserKey(k)
	}
	return p.user.CreateFilter(userKeys, dst)
}

func (p *internalFilterPolicy) KeyMayMatch(key, filter []byte) bool {
	return p.user.KeyMayMatch(UserKey(key), filter)
}
