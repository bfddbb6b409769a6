package sstable

import (
	"hash/fnv"
)

// FilterPolicy builds per-block filter segments and answers membership
// queries against them.
// - False positives possible (may say key exists when it doesn't)
// - False negatives impossible (if it says key doesn't exist, it definitely doesn't)
type FilterPolicy interface {
	// Name identifies the policy. The filter block is stored in the
	// metaindex under "filter.<Name()>"; a reader with a different policy
	// name ignores the filter.
	Name() string

	// CreateFilter appends a filter summarizing keys to dst and returns it
	CreateFilter(keys [][]byte, dst []byte) []byte

	// KeyMayMatch reports whether key may be present in the set the
	// filter was built from
	KeyMayMatch(key, filter []byte) bool
}

// BloomFilterPolicy is a Bloom filter with the given bits per key
type BloomFilterPolicy struct {
	bitsPerKey int
	hashCount  int
}

// NewBloomFilterPolicy creates a Bloom policy. 10 bits per key gives
// roughly a 1% false positive rate.
func NewBloomFilterPolicy(bitsPerKey int) *BloomFilterPolicy {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	// k = bitsPerKey * ln(2), clamped to a sane range
	k := int(float64(bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &BloomFilterPolicy{bitsPerKey: bitsPerKey, hashCount: k}
}

func (p *BloomFilterPolicy) Name() string {
	return "canopy.BuiltinBloomFilter"
}

func (p *BloomFilterPolicy) CreateFilter(keys [][]byte, dst []byte) []byte {
	bits := len(keys) * p.bitsPerKey
	// Small filters have high false positive rates; enforce a floor
	if bits < 64 {
		bits = 64
	}
	nBytes := (bits + 7) / 8
	bits = nBytes * 8

	base := len(dst)
	dst = append(dst, make([]byte, nBytes)...)
	dst = append(dst, byte(p.hashCount)) // Remember hash count for probing
	array := dst[base : base+nBytes]

	for _, key := range keys {
		h1, h2 := bloomHash(key)
		h := h1
		for i := 0; i < p.hashCount; i++ {
			pos := h % uint64(bits)
			array[pos/8] |= 1 << (pos % 8)
			h += h2
		}
	}
	return dst
}

func (p *BloomFilterPolicy) KeyMayMatch(key, filter []byte) bool {
	if len(filter) < 2 {
		return false
	}
	k := int(filter[len(filter)-1])
	if k > 30 {
		// Reserved for new encodings; treat as a match
		return true
	}
	array := filter[:len(filter)-1]
	bits := len(array) * 8

	h1, h2 := bloomHash(key)
	h := h1
	for i := 0; i < k; i++ {
		pos := h % uint64(bits)
		if array[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h += h2
	}
	return true
}

// bloomHash produces two independent hash values for double hashing:
// probe(i) = h1 + i*h2
func bloomHash(key []byte) (uint64, uint64) {
	f1 := fnv.New64a()
	_, _ = f1.Write(key)
	h1 := f1.Sum64()

	f2 := fnv.New64a()
	_, _ = f2.Write(key)
	_, _ = f2.Write([]byte{0xFF}) // Different seed for hash2
	h2 := f2.Sum64()

	// Keep h2 odd to avoid clustering
	if h2%2 == 0 {
		h2++
	}
	return h1, h2
}
