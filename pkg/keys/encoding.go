package keys

import (
	"encoding/binary"

	"layerdb/pkg/dberrors"
)

const (
	escByte   = 0x00
	escEscape = 0xFF
	escTerm   = 0x01
	signFlip  = uint64(1) << 63
)

// Encode returns the order-preserving binary form of k.
func (k Key) Encode() []byte {
	return k.AppendEncoded(make([]byte, 0, k.encodedSizeHint()))
}

func (k Key) encodedSizeHint() int {
	n := 0
	for _, p := range k.parts {
		if p.kind == KindString {
			n += len(p.str) + 3
		} else {
			n += 9
		}
	}
	return n
}

// AppendEncoded appends the encoding of k to dst.
func (k Key) AppendEncoded(dst []byte) []byte {
	for _, p := range k.parts {
		dst = append(dst, byte(p.kind))
		switch p.kind {
		case KindString:
			for i := 0; i < len(p.str); i++ {
				c := p.str[i]
				if c == escByte {
					dst = append(dst, escByte, escEscape)
					continue
				}
				dst = append(dst, c)
			}
			dst = append(dst, escByte, escTerm)
		case KindInt, KindTimestamp:
			dst = binary.BigEndian.AppendUint64(dst, p.num^signFlip)
		default:
			dst = binary.BigEndian.AppendUint64(dst, p.num)
		}
	}
	return dst
}

// Decode parses an encoded key.
func Decode(b []byte) (Key, error) {
	var parts []Part
	for len(b) > 0 {
		kind := Kind(b[0])
		b = b[1:]
		switch kind {
		case KindString:
			var s []byte
			done := false
			for i := 0; i < len(b); i++ {
				if b[i] != escByte {
					s = append(s, b[i])
					continue
				}
				if i+1 >= len(b) {
					return Key{}, dberrors.Corruptf("key: truncated string escape")
				}
				switch b[i+1] {
				case escEscape:
					s = append(s, escByte)
					i++
				case escTerm:
					b = b[i+2:]
					done = true
				default:
					return Key{}, dberrors.Corruptf("key: bad string escape 0x%02x", b[i+1])
				}
				if done {
					break
				}
			}
			if !done {
				return Key{}, dberrors.Corruptf("key: unterminated string part")
			}
			parts = append(parts, Part{kind: KindString, str: string(s)})
		case KindInt, KindTimestamp, KindNumeral, KindVersion:
			if len(b) < 8 {
				return Key{}, dberrors.Corruptf("key: truncated %s part", kind)
			}
			v := binary.BigEndian.Uint64(b[:8])
			if kind == KindInt || kind == KindTimestamp {
				v ^= signFlip
			}
			parts = append(parts, Part{kind: kind, num: v})
			b = b[8:]
		default:
			return Key{}, dberrors.Corruptf("key: unknown part tag 0x%02x", byte(kind))
		}
	}
	return Key{parts: parts}, nil
}

// MustDecode is Decode for data produced by this process.
func MustDecode(b []byte) Key {
	k, err := Decode(b)
	if err != nil {
		panic(err)
	}
	return k
}
