package segment

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/cockroachdb/errors"

	"layerdb/pkg/compression"
	"layerdb/pkg/dberrors"
	"layerdb/pkg/iterator"
	"layerdb/pkg/record"
)

// WriteInfo describes one written segment.
type WriteInfo struct {
	StartKey   []byte
	EndKey     []byte
	Entries    int
	Tombstones int
	Size       int64
}

// Writer turns a sorted pair stream into one or more segments. Each WriteTo
// call consumes as many pairs as fit in the given capacity.
type Writer struct {
	src  iterator.Iterator
	opts Options
}

func NewWriter(src iterator.Iterator, opts Options) *Writer {
	return &Writer{src: src, opts: opts.withDefaults()}
}

// HasMoreData reports whether pairs remain for another segment.
func (w *Writer) HasMoreData() bool { return w.src.Valid() }

// Err returns the source error, if any.
func (w *Writer) Err() error { return w.src.Err() }

// WriteTo writes one complete segment of at most capacity bytes to dst. A
// pair that would not fit stays pending for the next call; a pair that does
// not fit even an empty segment is ErrResourceExhausted.
func (w *Writer) WriteTo(dst io.Writer, capacity int64) (WriteInfo, error) {
	if !w.src.Valid() {
		if err := w.src.Err(); err != nil {
			return WriteInfo{}, err
		}
		return WriteInfo{}, dberrors.Invariantf("segment: WriteTo with no pending data")
	}

	b := newBuilder(dst, w.opts)
	if err := b.writeHeader(); err != nil {
		return WriteInfo{}, err
	}
	for w.src.Valid() {
		key, val := w.src.Key(), w.src.Value()
		if !b.fits(key, val, capacity) {
			if b.entries == 0 {
				return WriteInfo{}, dberrors.Exhaustedf(
					"segment: pair of %d bytes does not fit a %d byte segment", pairSize(key, val), capacity)
			}
			break
		}
		if err := b.add(key, val); err != nil {
			return WriteInfo{}, err
		}
		w.src.Next()
	}
	if err := w.src.Err(); err != nil {
		return WriteInfo{}, err
	}
	return b.finish()
}

type builder struct {
	dst  io.Writer
	opts Options

	written int64
	handles []blockHandle
	// indexBytes is an upper bound for the encoded handles so far.
	indexBytes int

	block      []iterator.Item
	blockBytes int
	keys       [][]byte

	first, last []byte
	entries     int
	tombstones  int
}

func newBuilder(dst io.Writer, opts Options) *builder {
	return &builder{dst: dst, opts: opts}
}

func (b *builder) write(p []byte) error {
	n, err := b.dst.Write(p)
	b.written += int64(n)
	return err
}

func (b *builder) writeHeader() error { return b.write(encodeHeader()) }

// fits reports whether adding the pair keeps the finished segment within
// capacity. Blocks are counted uncompressed, so the estimate is an upper
// bound.
func (b *builder) fits(key []byte, v record.Update, capacity int64) bool {
	ps := pairSize(key, v)
	var closed, open, index int
	switch {
	case len(b.block) == 0:
		open = ps
		index = len(key) + indexEntryMax
	case b.blockBytes+ps > b.opts.BlockSize:
		closed = b.blockBytes + binary.MaxVarintLen64
		open = ps
		index = len(b.block[0].Key) + len(key) + 2*indexEntryMax
	default:
		open = b.blockBytes + ps
		index = len(b.block[0].Key) + indexEntryMax
	}
	total := b.written +
		int64(closed) +
		int64(open+binary.MaxVarintLen64) +
		int64(bloomEncodedSize(b.entries+1, b.opts.BloomRate)) +
		int64(b.indexBytes+index+binary.MaxVarintLen64) +
		int64(len(key)+binary.MaxVarintLen64) +
		footerSize
	return total <= capacity
}

func (b *builder) add(key []byte, v record.Update) error {
	ps := pairSize(key, v)
	if len(b.block) > 0 && b.blockBytes+ps > b.opts.BlockSize {
		if err := b.flushBlock(); err != nil {
			return err
		}
	}
	k := append([]byte(nil), key...)
	if b.last != nil && bytes.Compare(k, b.last) <= 0 {
		return dberrors.Invariantf("segment: keys out of order")
	}
	b.block = append(b.block, iterator.Item{Key: k, Value: v})
	b.blockBytes += ps
	b.keys = append(b.keys, k)
	if b.first == nil {
		b.first = k
	}
	b.last = k
	b.entries++
	if v.IsTombstone() {
		b.tombstones++
	}
	return nil
}

func (b *builder) flushBlock() error {
	if len(b.block) == 0 {
		return nil
	}
	raw := EncodePairs(b.block)
	body, codec := raw, compression.None
	if b.opts.Codec != compression.None {
		packed, err := compression.Compress(b.opts.Codec, nil, raw)
		if err != nil {
			return err
		}
		if len(packed) < len(raw) {
			body, codec = packed, b.opts.Codec
		}
	}
	h := blockHandle{
		lowKey: b.block[0].Key,
		offset: uint64(b.written),
		length: uint64(len(body)),
		codec:  codec,
		count:  uint64(len(b.block)),
	}
	if err := b.write(body); err != nil {
		return errors.Wrap(err, "segment: write block")
	}
	b.handles = append(b.handles, h)
	b.indexBytes += len(h.lowKey) + indexEntryMax
	b.block = b.block[:0]
	b.blockBytes = 0
	return nil
}

func (b *builder) finish() (WriteInfo, error) {
	if err := b.flushBlock(); err != nil {
		return WriteInfo{}, err
	}

	bloom := newBloomFilter(b.entries, b.opts.BloomRate)
	for _, k := range b.keys {
		bloom.Add(k)
	}
	bloomBytes := bloom.appendTo(nil)

	index := binary.AppendUvarint(nil, uint64(len(b.handles)))
	for _, h := range b.handles {
		index = appendBlockHandle(index, h)
	}
	index = binary.AppendUvarint(index, uint64(len(b.last)))
	index = append(index, b.last...)

	f := footer{
		bloomOff:   uint64(b.written),
		bloomLen:   uint64(len(bloomBytes)),
		indexOff:   uint64(b.written) + uint64(len(bloomBytes)),
		indexLen:   uint64(len(index)),
		entries:    uint64(b.entries),
		tombstones: uint64(b.tombstones),
	}
	crc := crc32.New(crcTable)
	_, _ = crc.Write(bloomBytes)
	_, _ = crc.Write(index)
	f.crc = crc.Sum32()

	for _, part := range [][]byte{bloomBytes, index, f.encode()} {
		if err := b.write(part); err != nil {
			return WriteInfo{}, errors.Wrap(err, "segment: write trailer")
		}
	}
	return WriteInfo{
		StartKey:   b.first,
		EndKey:     b.last,
		Entries:    b.entries,
		Tombstones: b.tombstones,
		Size:       b.written,
	}, nil
}
