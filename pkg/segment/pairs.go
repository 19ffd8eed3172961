package segment

import (
	"encoding/binary"

	"layerdb/pkg/dberrors"
	"layerdb/pkg/iterator"
	"layerdb/pkg/record"
)

// EncodePairs serializes sorted pairs:
//
//	count (uvarint) | { keyLen (uvarint) | key | update }*
//
// Block bodies and log UPDATE payloads share this encoding.
func EncodePairs(items []iterator.Item) []byte {
	return AppendPairs(nil, items)
}

func AppendPairs(dst []byte, items []iterator.Item) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(items)))
	for _, it := range items {
		dst = appendPair(dst, it.Key, it.Value)
	}
	return dst
}

func appendPair(dst, key []byte, u record.Update) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(key)))
	dst = append(dst, key...)
	return record.AppendUpdate(dst, u)
}

func pairSize(key []byte, u record.Update) int {
	return uvarintLen(uint64(len(key))) + len(key) + u.EncodedLen()
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// DecodePairs is the inverse of EncodePairs. Returned keys alias b.
func DecodePairs(b []byte) ([]iterator.Item, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, dberrors.Corruptf("segment: bad pair count")
	}
	b = b[n:]
	// Every pair takes at least three bytes.
	if count > uint64(len(b))/3+1 {
		return nil, dberrors.Corruptf("segment: pair count %d exceeds %d bytes", count, len(b))
	}
	items := make([]iterator.Item, 0, count)
	for i := uint64(0); i < count; i++ {
		klen, n := binary.Uvarint(b)
		if n <= 0 || klen > uint64(len(b)-n) {
			return nil, dberrors.Corruptf("segment: bad key length in pair %d", i)
		}
		key := b[n : n+int(klen)]
		b = b[n+int(klen):]
		u, used, err := record.ReadUpdate(b)
		if err != nil {
			return nil, dberrors.MarkCorrupt(err, "segment: pair %d", i)
		}
		b = b[used:]
		items = append(items, iterator.Item{Key: key, Value: u})
	}
	if len(b) != 0 {
		return nil, dberrors.Corruptf("segment: %d trailing bytes after pairs", len(b))
	}
	return items, nil
}
