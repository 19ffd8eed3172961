// Package compression implements the per-block codecs used by segments.
package compression

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"layerdb/pkg/dberrors"
)

// Codec identifies how a block body is stored. The value is persisted in
// segment indexes.
type Codec uint8

const (
	None Codec = 0
	Zstd Codec = 1
	Gzip Codec = 2
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Gzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// ParseCodec maps a config name to a codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "gzip":
		return Gzip, nil
	default:
		return None, errors.Wrapf(dberrors.ErrInvalidArgument, "unknown compression %q", name)
	}
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// EncodeAll/DecodeAll on a shared encoder and decoder are safe for
// concurrent use.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// Compress appends the encoded form of src to dst.
func Compress(c Codec, dst, src []byte) ([]byte, error) {
	var out []byte
	switch c {
	case None:
		out = append(dst, src...)
	case Zstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, errors.Wrap(err, "zstd: init")
		}
		out = enc.EncodeAll(src, dst)
	case Gzip:
		buf := bytes.NewBuffer(dst)
		gz := gzip.NewWriter(buf)
		if _, err := gz.Write(src); err != nil {
			return nil, errors.Wrap(err, "gzip: compress")
		}
		if err := gz.Close(); err != nil {
			return nil, errors.Wrap(err, "gzip: compress")
		}
		out = buf.Bytes()
	default:
		return nil, errors.Wrapf(dberrors.ErrInvalidArgument, "unknown codec %d", c)
	}
	global.record(len(src), len(out)-len(dst))
	return out, nil
}

// Decompress appends the decoded form of src to dst. Undecodable input is
// corruption.
func Decompress(c Codec, dst, src []byte) ([]byte, error) {
	switch c {
	case None:
		return append(dst, src...), nil
	case Zstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, errors.Wrap(err, "zstd: init")
		}
		out, err := dec.DecodeAll(src, dst)
		if err != nil {
			return nil, dberrors.MarkCorrupt(err, "zstd: decompress block")
		}
		return out, nil
	case Gzip:
		gz, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, dberrors.MarkCorrupt(err, "gzip: decompress block")
		}
		defer gz.Close()
		buf := bytes.NewBuffer(dst)
		if _, err := io.Copy(buf, gz); err != nil {
			return nil, dberrors.MarkCorrupt(err, "gzip: decompress block")
		}
		return buf.Bytes(), nil
	default:
		return nil, dberrors.Corruptf("unknown block codec %d", c)
	}
}

// Stats accumulates raw and stored byte counts across all Compress calls.
type Stats struct {
	RawBytes    int64
	StoredBytes int64
}

// Ratio is raw/stored; zero when nothing was compressed.
func (s Stats) Ratio() float64 {
	if s.StoredBytes == 0 {
		return 0
	}
	return float64(s.RawBytes) / float64(s.StoredBytes)
}

type counters struct {
	raw, stored atomic.Int64
}

func (c *counters) record(raw, stored int) {
	c.raw.Add(int64(raw))
	c.stored.Add(int64(stored))
}

var global counters

func GlobalStats() Stats {
	return Stats{RawBytes: global.raw.Load(), StoredBytes: global.stored.Load()}
}
