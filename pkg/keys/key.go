// Package keys implements RecordKey: an ordered sequence of typed parts with
// a prefix-free binary encoding whose byte order matches logical key order.
package keys

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"layerdb/pkg/types"
)

// Kind is the type tag of a key part. Tags double as the cross-type sort
// order, so their numeric values are part of the on-disk format.
type Kind uint8

const (
	KindVersion   Kind = 0x05
	KindString    Kind = 0x10
	KindInt       Kind = 0x20
	KindNumeral   Kind = 0x30
	KindTimestamp Kind = 0x40
)

func (k Kind) String() string {
	switch k {
	case KindVersion:
		return "version"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindNumeral:
		return "numeral"
	case KindTimestamp:
		return "timestamp"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Part is a single typed component of a Key.
type Part struct {
	kind Kind
	str  string
	num  uint64
}

// String returns a string part.
func String(s string) Part { return Part{kind: KindString, str: s} }

// Int returns a signed integer part.
func Int(v int64) Part { return Part{kind: KindInt, num: uint64(v)} }

// Numeral returns a fixed-width unsigned numeral part.
func Numeral(v uint64) Part { return Part{kind: KindNumeral, num: v} }

// Timestamp returns a user timestamp part in unix nanoseconds.
func Timestamp(t time.Time) Part { return Part{kind: KindTimestamp, num: uint64(t.UnixNano())} }

// Version returns the hidden attribute timestamp appended by the snapshot
// stage. It sorts before every other kind so that all versions of a key are
// adjacent and precede the key's extensions.
func Version(ts types.Timestamp) Part { return Part{kind: KindVersion, num: uint64(ts)} }

func (p Part) Kind() Kind { return p.kind }

// Str returns the value of a string part.
func (p Part) Str() string { return p.str }

// Int64 returns the value of an int or timestamp part.
func (p Part) Int64() int64 { return int64(p.num) }

// Uint64 returns the value of a numeral or version part.
func (p Part) Uint64() uint64 { return p.num }

// Time returns the value of a timestamp part.
func (p Part) Time() time.Time { return time.Unix(0, int64(p.num)).UTC() }

func (p Part) String() string {
	switch p.kind {
	case KindString:
		return p.str
	case KindInt:
		return strconv.FormatInt(int64(p.num), 10)
	case KindNumeral:
		return fmt.Sprintf("%020d", p.num)
	case KindTimestamp:
		return "@" + strconv.FormatInt(int64(p.num), 10)
	case KindVersion:
		return fmt.Sprintf("#%016x", p.num)
	default:
		return "?"
	}
}

func comparePart(a, b Part) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindString:
		return strings.Compare(a.str, b.str)
	case KindInt, KindTimestamp:
		return cmpInt(int64(a.num), int64(b.num))
	default:
		return cmpUint(a.num, b.num)
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Key is an immutable RecordKey. The zero value is the empty key, which sorts
// before every other key.
type Key struct {
	parts []Part
}

// New builds a key from parts.
func New(parts ...Part) Key {
	return Key{parts: append([]Part(nil), parts...)}
}

// Append returns a new key extended by parts; k is left untouched.
func (k Key) Append(parts ...Part) Key {
	out := make([]Part, 0, len(k.parts)+len(parts))
	out = append(out, k.parts...)
	out = append(out, parts...)
	return Key{parts: out}
}

// AppendParsed appends the parts of a "/"-delimited string.
func (k Key) AppendParsed(s string) Key {
	return k.Append(Parse(s).parts...)
}

func (k Key) Len() int { return len(k.parts) }

func (k Key) IsEmpty() bool { return len(k.parts) == 0 }

// Part returns the i-th part.
func (k Key) Part(i int) Part { return k.parts[i] }

// Parts returns a copy of the parts.
func (k Key) Parts() []Part { return append([]Part(nil), k.parts...) }

// Last returns the final part.
func (k Key) Last() (Part, bool) {
	if len(k.parts) == 0 {
		return Part{}, false
	}
	return k.parts[len(k.parts)-1], true
}

// Prefix returns the first n parts.
func (k Key) Prefix(n int) Key {
	if n >= len(k.parts) {
		return k
	}
	return Key{parts: k.parts[:n:n]}
}

// IsSubkeyOf reports whether prefix's parts are a leading run of k's parts.
func (k Key) IsSubkeyOf(prefix Key) bool {
	if len(prefix.parts) > len(k.parts) {
		return false
	}
	for i, p := range prefix.parts {
		if comparePart(p, k.parts[i]) != 0 {
			return false
		}
	}
	return true
}

func (k Key) Equal(o Key) bool { return Compare(k, o) == 0 }

// Compare orders keys part by part; a shorter prefix sorts first.
func Compare(a, b Key) int {
	n := len(a.parts)
	if len(b.parts) < n {
		n = len(b.parts)
	}
	for i := 0; i < n; i++ {
		if c := comparePart(a.parts[i], b.parts[i]); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(a.parts)), int64(len(b.parts)))
}

func (k Key) String() string {
	strs := make([]string, len(k.parts))
	for i, p := range k.parts {
		strs[i] = p.String()
	}
	return strings.Join(strs, "/")
}

// Parse builds a key of string parts from a "/"-delimited string.
func Parse(s string) Key { return ParseWith(s, "/") }

// ParseWith builds a key of string parts split on sep. The empty string
// parses to the empty key.
func ParseWith(s, sep string) Key {
	if s == "" {
		return Key{}
	}
	fields := strings.Split(s, sep)
	parts := make([]Part, len(fields))
	for i, f := range fields {
		parts[i] = String(f)
	}
	return Key{parts: parts}
}
