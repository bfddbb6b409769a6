package engine

import (
	"github.com/canopydb/canopy/pkg/sstable"
)

// KeyRetirement is a stateful predicate over a sorted internal-key
// stream. It drops records shadowed by a newer record for the same user
// key below the snapshot floor and, when the caller allows it,
// garbage-collects tombstones that no live reader can observe.
//
// Retire is applied before a record reaches the builder, so retired keys
// affect neither the index keys nor the filter bits.
type KeyRetirement struct {
	userCmp          sstable.Comparator
	smallestSnapshot SequenceNumber
	dropDeletes      bool

	hasCurrentUserKey  bool
	currentUserKey     []byte
	lastSequenceForKey SequenceNumber

	dropped uint64
}

// NewKeyRetirement creates a retirement filter. smallestSnapshot is the
// smallest sequence any live reader may observe. dropDeletes permits
// discarding tombstones at or below the floor; the caller asserts that no
// other level may hold the deleted user key.
func NewKeyRetirement(userCmp sstable.Comparator, smallestSnapshot SequenceNumber, dropDeletes bool) *KeyRetirement {
	return &KeyRetirement{
		userCmp:            userCmp,
		smallestSnapshot:   smallestSnapshot,
		dropDeletes:        dropDeletes,
		lastSequenceForKey: MaxSequenceNumber,
	}
}

// Retire reports whether the record at ikey should be dropped.
// Keys must be presented in sorted order.
func (kr *KeyRetirement) Retire(ikey []byte) bool {
	parsed, ok := ParseInternalKey(ikey)
	if !ok {
		// Keep corrupted records so later repair tooling can see them,
		// and stop assuming key continuity
		kr.hasCurrentUserKey = false
		kr.lastSequenceForKey = MaxSequenceNumber
		return false
	}

	if !kr.hasCurrentUserKey || kr.userCmp.Compare(parsed.UserKey, kr.currentUserKey) != 0 {
		// First occurrence of this user key
		kr.currentUserKey = append(kr.currentUserKey[:0], parsed.UserKey...)
		kr.hasCurrentUserKey = true
		kr.lastSequenceForKey = MaxSequenceNumber
	}

	drop := false
	switch {
	case kr.lastSequenceForKey <= kr.smallestSnapshot:
		// Shadowed by a previously retained record for the same user key
		drop = true
	case parsed.Kind == KindDeletion && parsed.Sequence <= kr.smallestSnapshot && kr.dropDeletes:
		// Tombstone below the floor with no older data beneath it
		drop = true
	}

	kr.lastSequenceForKey = parsed.Sequence
	if drop {
		kr.dropped++
	}
	return drop
}

// Dropped returns the number of records retired so far
func (kr *KeyRetirement) Dropped() uint64 {
	return kr.dropped
}
