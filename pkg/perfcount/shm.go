//go:build unix

package perfcount

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

// Shared segment layout: two uint32 header words (struct size, version)
// followed by the counter array. A process attaching to an existing
// segment with a larger counter count than its own simply ignores the
// tail; a smaller segment is rejected.
const headerSize = 8

func segmentSize() int {
	return headerSize + CounterCount*8
}

// OpenShared maps the counter block at path, creating and initializing
// the segment if it does not exist. Multiple processes mapping the same
// path observe the same counters.
func OpenShared(path string) (*Block, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open counter segment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat counter segment: %w", err)
	}

	size := segmentSize()
	if info.Size() == 0 {
		// Fresh segment: size it and stamp the header
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("size counter segment: %w", err)
		}
		var header [headerSize]byte
		binary.LittleEndian.PutUint32(header[0:], uint32(size))
		binary.LittleEndian.PutUint32(header[4:], blockVersion)
		if _, err := f.WriteAt(header[:], 0); err != nil {
			return nil, fmt.Errorf("initialize counter segment: %w", err)
		}
	} else if info.Size() < int64(size) {
		return nil, fmt.Errorf("counter segment %s is %d bytes, need %d: %w",
			path, info.Size(), size, ErrSegmentMismatch)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map counter segment: %w", err)
	}

	if v := binary.LittleEndian.Uint32(data[4:]); v != blockVersion {
		_ = syscall.Munmap(data)
		return nil, fmt.Errorf("counter segment version %d: %w", v, ErrSegmentMismatch)
	}

	// The counter array starts at an 8-byte-aligned offset, so atomic
	// 64-bit operations on the mapped words are valid
	counters := unsafe.Slice((*uint64)(unsafe.Pointer(&data[headerSize])), CounterCount)
	return &Block{counters: counters, shared: true}, nil
}

// ErrSegmentMismatch indicates an existing segment has an incompatible
// layout or version
var ErrSegmentMismatch = fmt.Errorf("incompatible counter segment")
