package segment

import (
	"bytes"
	"hash/crc32"
	"sort"

	"layerdb/pkg/compression"
	"layerdb/pkg/dberrors"
	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
	"layerdb/pkg/record"
	"layerdb/pkg/region"
	"layerdb/pkg/types"
)

// Reader serves lookups and scans over one sealed segment. Only the index
// and bloom filter stay in memory; blocks are read through the region (or the
// block cache) on every access.
type Reader struct {
	region  region.Region
	cache   *BlockCache
	handles []blockHandle
	high    []byte
	bloom   *bloomFilter
	footer  footer
}

// Open parses the trailer of a sealed segment.
func Open(r region.Region, opts Options) (*Reader, error) {
	size := r.Size()
	if size < headerSize+footerSize {
		return nil, dberrors.Corruptf("segment: region %d too small (%d bytes)", r.StartAddress(), size)
	}
	hdr, err := r.NewBlockAccessor(0, headerSize)
	if err != nil {
		return nil, err
	}
	if err := checkHeader(hdr); err != nil {
		return nil, err
	}
	fb, err := r.NewBlockAccessor(size-footerSize, footerSize)
	if err != nil {
		return nil, err
	}
	f, err := decodeFooter(fb)
	if err != nil {
		return nil, err
	}
	dataEnd := uint64(size - footerSize)
	if f.bloomOff < headerSize || f.bloomOff+f.bloomLen != f.indexOff || f.indexOff+f.indexLen != dataEnd {
		return nil, dberrors.Corruptf("segment: region %d trailer offsets inconsistent", r.StartAddress())
	}
	trailer, err := r.NewBlockAccessor(int64(f.bloomOff), int64(f.bloomLen+f.indexLen))
	if err != nil {
		return nil, err
	}
	if crc32.Checksum(trailer, crcTable) != f.crc {
		return nil, dberrors.Corruptf("segment: region %d trailer checksum mismatch", r.StartAddress())
	}
	bloom, err := decodeBloomFilter(trailer[:f.bloomLen])
	if err != nil {
		return nil, err
	}
	handles, high, err := decodeIndex(trailer[f.bloomLen:], f.bloomOff)
	if err != nil {
		return nil, err
	}
	var total uint64
	for _, h := range handles {
		total += h.count
	}
	if total != f.entries {
		return nil, dberrors.Corruptf("segment: index counts %d entries, footer %d", total, f.entries)
	}
	return &Reader{
		region:  r,
		cache:   opts.Cache,
		handles: handles,
		high:    high,
		bloom:   bloom,
		footer:  f,
	}, nil
}

func (r *Reader) Region() types.RegionAddr { return r.region.StartAddress() }
func (r *Reader) Entries() int             { return int(r.footer.entries) }
func (r *Reader) Tombstones() int          { return int(r.footer.tombstones) }
func (r *Reader) Size() int64              { return r.region.Size() }

// LowKey and HighKey bound the stored keys; both are nil for an empty
// segment.
func (r *Reader) LowKey() []byte {
	if len(r.handles) == 0 {
		return nil
	}
	return r.handles[0].lowKey
}

func (r *Reader) HighKey() []byte {
	if len(r.handles) == 0 {
		return nil
	}
	return r.high
}

func (r *Reader) Close() error { return r.region.Close() }

func (r *Reader) loadBlock(i int) ([]iterator.Item, error) {
	k := blockKey{region: r.region.StartAddress(), block: i}
	if items, ok := r.cache.get(k); ok {
		return items, nil
	}
	h := r.handles[i]
	raw, err := r.region.NewBlockAccessor(int64(h.offset), int64(h.length))
	if err != nil {
		return nil, err
	}
	if h.codec != compression.None {
		if raw, err = compression.Decompress(h.codec, nil, raw); err != nil {
			return nil, err
		}
	}
	items, err := DecodePairs(raw)
	if err != nil {
		return nil, dberrors.MarkCorrupt(err, "segment: region %d block %d", r.region.StartAddress(), i)
	}
	if uint64(len(items)) != h.count || (len(items) > 0 && !bytes.Equal(items[0].Key, h.lowKey)) {
		return nil, dberrors.Corruptf("segment: region %d block %d disagrees with index", r.region.StartAddress(), i)
	}
	r.cache.set(k, items)
	return items, nil
}

// blockFor is the last block whose low key is <= key, or -1.
func (r *Reader) blockFor(key []byte) int {
	return sort.Search(len(r.handles), func(i int) bool {
		return bytes.Compare(r.handles[i].lowKey, key) > 0
	}) - 1
}

// Get returns the update stored for key.
func (r *Reader) Get(key []byte) (record.Update, bool, error) {
	if len(r.handles) == 0 || !r.bloom.MayContain(key) {
		return record.Update{}, false, nil
	}
	bi := r.blockFor(key)
	if bi < 0 {
		return record.Update{}, false, nil
	}
	items, err := r.loadBlock(bi)
	if err != nil {
		return record.Update{}, false, err
	}
	j := sort.Search(len(items), func(j int) bool { return bytes.Compare(items[j].Key, key) >= 0 })
	if j < len(items) && bytes.Equal(items[j].Key, key) {
		return items[j].Value, true, nil
	}
	return record.Update{}, false, nil
}

// Scan iterates the pairs inside b in direction dir.
func (r *Reader) Scan(b keys.Bounds, dir iterator.Direction) iterator.Iterator {
	it := &blockIter{r: r, bounds: b, dir: dir}
	it.seek()
	return it
}

// Walk iterates every pair in key order.
func (r *Reader) Walk() iterator.Iterator {
	return r.Scan(keys.Bounds{}, iterator.Forward)
}

type blockIter struct {
	r      *Reader
	bounds keys.Bounds
	dir    iterator.Direction

	block int
	items []iterator.Item
	pos   int
	done  bool
	err   error
}

func (it *blockIter) load(i int) bool {
	if i < 0 || i >= len(it.r.handles) {
		it.done = true
		return false
	}
	items, err := it.r.loadBlock(i)
	if err != nil {
		it.err, it.done = err, true
		return false
	}
	it.block, it.items = i, items
	return true
}

func (it *blockIter) seek() {
	if len(it.r.handles) == 0 {
		it.done = true
		return
	}
	if it.dir == iterator.Forward {
		start := 0
		if it.bounds.Low != nil {
			if bi := it.r.blockFor(it.bounds.Low); bi > 0 {
				start = bi
			}
		}
		if !it.load(start) {
			return
		}
		it.pos = sort.Search(len(it.items), func(j int) bool { return it.bounds.AboveLow(it.items[j].Key) })
	} else {
		start := len(it.r.handles) - 1
		if it.bounds.High != nil {
			start = it.r.blockFor(it.bounds.High)
		}
		if !it.load(start) {
			return
		}
		it.pos = sort.Search(len(it.items), func(j int) bool { return !it.bounds.BelowHigh(it.items[j].Key) }) - 1
	}
	it.settle()
}

// settle moves across block boundaries and applies the far bound.
func (it *blockIter) settle() {
	for !it.done {
		if it.pos < 0 {
			if !it.load(it.block - 1) {
				return
			}
			it.pos = len(it.items) - 1
			continue
		}
		if it.pos >= len(it.items) {
			if !it.load(it.block + 1) {
				return
			}
			it.pos = 0
			continue
		}
		k := it.items[it.pos].Key
		if it.dir == iterator.Forward && !it.bounds.BelowHigh(k) ||
			it.dir == iterator.Backward && !it.bounds.AboveLow(k) {
			it.done = true
		}
		return
	}
}

func (it *blockIter) Valid() bool          { return !it.done }
func (it *blockIter) Key() []byte          { return it.items[it.pos].Key }
func (it *blockIter) Value() record.Update { return it.items[it.pos].Value }
func (it *blockIter) Err() error           { return it.err }
func (it *blockIter) Close() error         { return nil }

func (it *blockIter) Next() {
	if it.done {
		return
	}
	if it.dir == iterator.Forward {
		it.pos++
	} else {
		it.pos--
	}
	it.settle()
}
