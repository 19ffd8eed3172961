package wal

import (
	"encoding/binary"
	"hash/crc32"
	"log/slog"

	"layerdb/pkg/dberrors"
)

// Kind is the command kind of a log record.
type Kind uint8

const (
	KindUpdate         Kind = 0
	KindCheckpoint     Kind = 1
	KindCheckpointDrop Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "UPDATE"
	case KindCheckpoint:
		return "CHECKPOINT"
	case KindCheckpointDrop:
		return "CHECKPOINT_DROP"
	default:
		return "UNKNOWN"
	}
}

// Record layout:
//
//	kind (1) | length (4, LE) | header crc32c (4, LE) | payload | crc32c (4, LE)
//
// The header checksum covers kind and length, so a damaged length is
// detected before it is trusted. The trailing checksum covers everything
// before it.
const (
	headerSize  = 9
	trailerSize = 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func appendRecord(dst []byte, kind Kind, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, byte(kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.LittleEndian.AppendUint32(dst, crc32.Checksum(dst[start:start+5], crcTable))
	dst = append(dst, payload...)
	crc := crc32.Checksum(dst[start:], crcTable)
	return binary.LittleEndian.AppendUint32(dst, crc)
}

// scanRecords walks data and calls fn for every intact record. It returns the
// length of the valid prefix. Only a record cut short by the end of data, or
// a complete final record whose payload checksum fails, is a torn write and
// dropped. Anything else that fails a check is corruption.
func scanRecords(data []byte, logger *slog.Logger, fn func(Kind, []byte) error) (int, error) {
	off := 0
	for off < len(data) {
		rest := len(data) - off
		if rest < headerSize {
			logger.Warn("wal: discarding torn trailing record", "offset", off, "bytes", rest)
			break
		}
		hdr := data[off : off+headerSize]
		if crc32.Checksum(hdr[:5], crcTable) != binary.LittleEndian.Uint32(hdr[5:]) {
			return off, dberrors.Corruptf("wal: header checksum mismatch in record at offset %d", off)
		}
		kind := Kind(hdr[0])
		if kind > KindCheckpointDrop {
			return off, dberrors.Corruptf("wal: unknown command kind %d at offset %d", kind, off)
		}
		length := uint64(binary.LittleEndian.Uint32(hdr[1:5]))
		end := uint64(off) + headerSize + length + trailerSize
		if end > uint64(len(data)) {
			logger.Warn("wal: discarding torn trailing record", "offset", off, "bytes", rest, "length", length)
			break
		}
		body := data[off : end-trailerSize]
		stored := binary.LittleEndian.Uint32(data[end-trailerSize : end])
		if crc32.Checksum(body, crcTable) != stored {
			if end == uint64(len(data)) {
				logger.Warn("wal: discarding trailing record with bad checksum", "offset", off)
				break
			}
			return off, dberrors.Corruptf("wal: checksum mismatch in record at offset %d", off)
		}
		if err := fn(kind, body[headerSize:]); err != nil {
			return off, err
		}
		off = int(end)
	}
	return off, nil
}
