package segment

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"layerdb/pkg/dberrors"
)

// bloomFilter is a bit-array bloom filter over encoded keys. Lookups use
// double hashing: one mixed FNV-1a 64 sum per key is split into h1 and an
// odd h2, and the i-th hash tests bit (h1 + i*h2) mod size.
//
// Serialized form: hashCount (1) | bitCount (4, LE) | bits.
type bloomFilter struct {
	bits      []byte
	size      uint32
	hashCount uint8
}

const maxHashCount = 10

func newBloomFilter(expectedItems int, falsePositiveRate float64) *bloomFilter {
	size := optimalBits(expectedItems, falsePositiveRate)
	return &bloomFilter{
		bits:      make([]byte, (size+7)/8),
		size:      size,
		hashCount: optimalHashCount(expectedItems, size),
	}
}

// m = -(n * ln p) / (ln 2)^2, rounded up to whole bytes.
func optimalBits(n int, p float64) uint32 {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	return uint32(math.Ceil(m/8) * 8)
}

// k = (m/n) * ln 2
func optimalHashCount(n int, m uint32) uint8 {
	if n < 1 {
		n = 1
	}
	k := int(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > maxHashCount {
		k = maxHashCount
	}
	return uint8(k)
}

// bloomEncodedSize is the serialized size for n items at rate p.
func bloomEncodedSize(n int, p float64) int {
	return 5 + int(optimalBits(n, p)/8)
}

// fmix64 is the murmur3 finalizer. FNV-1a leaves the low bits of keys that
// differ only in their last bytes poorly mixed.
func fmix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

func bloomHashes(key []byte) (h1, h2 uint32) {
	h := fnv.New64a()
	_, _ = h.Write(key)
	sum := fmix64(h.Sum64())
	return uint32(sum), uint32(sum>>32) | 1
}

func (bf *bloomFilter) index(h1, h2 uint32, i uint8) uint32 {
	return uint32((uint64(h1) + uint64(i)*uint64(h2)) % uint64(bf.size))
}

func (bf *bloomFilter) Add(key []byte) {
	h1, h2 := bloomHashes(key)
	for i := uint8(0); i < bf.hashCount; i++ {
		idx := bf.index(h1, h2, i)
		bf.bits[idx/8] |= 1 << (idx % 8)
	}
}

// MayContain reports false only when key was never added.
func (bf *bloomFilter) MayContain(key []byte) bool {
	h1, h2 := bloomHashes(key)
	for i := uint8(0); i < bf.hashCount; i++ {
		idx := bf.index(h1, h2, i)
		if bf.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

func (bf *bloomFilter) appendTo(dst []byte) []byte {
	dst = append(dst, bf.hashCount)
	dst = binary.LittleEndian.AppendUint32(dst, bf.size)
	return append(dst, bf.bits...)
}

func decodeBloomFilter(b []byte) (*bloomFilter, error) {
	if len(b) < 5 {
		return nil, dberrors.Corruptf("segment: bloom filter truncated")
	}
	bf := &bloomFilter{
		hashCount: b[0],
		size:      binary.LittleEndian.Uint32(b[1:5]),
		bits:      b[5:],
	}
	if bf.size == 0 || bf.hashCount == 0 || bf.hashCount > maxHashCount || uint64(len(bf.bits))*8 != uint64(bf.size) {
		return nil, dberrors.Corruptf("segment: bloom filter header (k=%d, m=%d, %d bytes)",
			bf.hashCount, bf.size, len(bf.bits))
	}
	return bf, nil
}
