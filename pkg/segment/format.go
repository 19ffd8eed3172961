// Package segment implements the immutable, block-indexed sorted run that
// fills one region.
//
// Layout:
//
//	header  : magic "LDBS" | version (2, LE) | flags (2, LE)
//	blocks  : pair blocks, each optionally compressed
//	bloom   : bloom filter over every key
//	index   : per block: lowKey | offset | length | codec | count,
//	          then the highest key of the segment
//	footer  : bloomOff (8) | bloomLen (4) | indexOff (8) | indexLen (4) |
//	          entries (8) | tombstones (8) | crc32c(bloom+index) (4) | magic (4)
//
// Offsets in the footer and index are relative to the start of the region.
package segment

import (
	"encoding/binary"
	"hash/crc32"

	"layerdb/pkg/compression"
	"layerdb/pkg/dberrors"
)

const (
	magic         = "LDBS"
	formatVersion = 1

	headerSize = 8
	footerSize = 48

	DefaultBlockSize = 64 << 10
	DefaultCapacity  = 4 << 20
	DefaultBloomRate = 0.01
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Options configure both writing and reading.
type Options struct {
	BlockSize int
	Codec     compression.Codec
	BloomRate float64
	Cache     *BlockCache
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BloomRate <= 0 || o.BloomRate >= 1 {
		o.BloomRate = DefaultBloomRate
	}
	return o
}

type blockHandle struct {
	lowKey []byte
	offset uint64
	length uint64
	codec  compression.Codec
	count  uint64
}

// indexEntryMax bounds the encoding of a block handle apart from its key.
const indexEntryMax = 4*binary.MaxVarintLen64 + 1

func appendBlockHandle(dst []byte, h blockHandle) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(h.lowKey)))
	dst = append(dst, h.lowKey...)
	dst = binary.AppendUvarint(dst, h.offset)
	dst = binary.AppendUvarint(dst, h.length)
	dst = append(dst, byte(h.codec))
	return binary.AppendUvarint(dst, h.count)
}

func readUvarint(b []byte, what string) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, dberrors.Corruptf("segment: bad %s", what)
	}
	return v, b[n:], nil
}

func readBytes(b []byte, what string) ([]byte, []byte, error) {
	l, rest, err := readUvarint(b, what+" length")
	if err != nil {
		return nil, nil, err
	}
	if l > uint64(len(rest)) {
		return nil, nil, dberrors.Corruptf("segment: %s overruns index", what)
	}
	return rest[:l], rest[l:], nil
}

// decodeIndex parses the block handles and the trailing high key.
func decodeIndex(b []byte, dataEnd uint64) ([]blockHandle, []byte, error) {
	count, b, err := readUvarint(b, "block count")
	if err != nil {
		return nil, nil, err
	}
	if count > uint64(len(b)) {
		return nil, nil, dberrors.Corruptf("segment: block count %d", count)
	}
	handles := make([]blockHandle, 0, count)
	prevEnd := uint64(headerSize)
	for i := uint64(0); i < count; i++ {
		var h blockHandle
		if h.lowKey, b, err = readBytes(b, "block key"); err != nil {
			return nil, nil, err
		}
		if h.offset, b, err = readUvarint(b, "block offset"); err != nil {
			return nil, nil, err
		}
		if h.length, b, err = readUvarint(b, "block length"); err != nil {
			return nil, nil, err
		}
		if len(b) == 0 {
			return nil, nil, dberrors.Corruptf("segment: index truncated")
		}
		h.codec, b = compression.Codec(b[0]), b[1:]
		if h.count, b, err = readUvarint(b, "block entry count"); err != nil {
			return nil, nil, err
		}
		if h.offset != prevEnd || h.offset+h.length > dataEnd {
			return nil, nil, dberrors.Corruptf("segment: block %d at [%d, +%d) out of place", i, h.offset, h.length)
		}
		prevEnd = h.offset + h.length
		handles = append(handles, h)
	}
	high, b, err := readBytes(b, "high key")
	if err != nil {
		return nil, nil, err
	}
	if len(b) != 0 {
		return nil, nil, dberrors.Corruptf("segment: %d trailing index bytes", len(b))
	}
	return handles, high, nil
}

type footer struct {
	bloomOff, bloomLen uint64
	indexOff, indexLen uint64
	entries            uint64
	tombstones         uint64
	crc                uint32
}

func (f footer) encode() []byte {
	b := make([]byte, 0, footerSize)
	b = binary.LittleEndian.AppendUint64(b, f.bloomOff)
	b = binary.LittleEndian.AppendUint32(b, uint32(f.bloomLen))
	b = binary.LittleEndian.AppendUint64(b, f.indexOff)
	b = binary.LittleEndian.AppendUint32(b, uint32(f.indexLen))
	b = binary.LittleEndian.AppendUint64(b, f.entries)
	b = binary.LittleEndian.AppendUint64(b, f.tombstones)
	b = binary.LittleEndian.AppendUint32(b, f.crc)
	return append(b, magic...)
}

func decodeFooter(b []byte) (footer, error) {
	if len(b) != footerSize || string(b[footerSize-4:]) != magic {
		return footer{}, dberrors.Corruptf("segment: bad footer magic")
	}
	le := binary.LittleEndian
	return footer{
		bloomOff:   le.Uint64(b[0:8]),
		bloomLen:   uint64(le.Uint32(b[8:12])),
		indexOff:   le.Uint64(b[12:20]),
		indexLen:   uint64(le.Uint32(b[20:24])),
		entries:    le.Uint64(b[24:32]),
		tombstones: le.Uint64(b[32:40]),
		crc:        le.Uint32(b[40:44]),
	}, nil
}

func encodeHeader() []byte {
	b := make([]byte, 0, headerSize)
	b = append(b, magic...)
	b = binary.LittleEndian.AppendUint16(b, formatVersion)
	return binary.LittleEndian.AppendUint16(b, 0)
}

func checkHeader(b []byte) error {
	if len(b) != headerSize || string(b[:4]) != magic {
		return dberrors.Corruptf("segment: bad header magic")
	}
	if v := binary.LittleEndian.Uint16(b[4:6]); v != formatVersion {
		return dberrors.Corruptf("segment: unsupported format version %d", v)
	}
	return nil
}
