package keys

import "bytes"

// prefixEnd sorts after every encoding that extends a given prefix: part tags
// never reach 0xFF.
const prefixEnd = 0xFF

// Range selects keys between two optional bounds.
type Range struct {
	Low, High                   Key
	HasLow, HasHigh             bool
	LowExclusive, HighExclusive bool
	// HighIsPrefix extends the high bound to every key that has High as a
	// prefix.
	HighIsPrefix bool
}

// All is the unbounded range.
func All() Range { return Range{} }

// Between selects lo <= k <= hi.
func Between(lo, hi Key) Range {
	return Range{Low: lo, High: hi, HasLow: true, HasHigh: true}
}

// From selects k >= lo.
func From(lo Key) Range { return Range{Low: lo, HasLow: true} }

// Through selects k <= hi.
func Through(hi Key) Range { return Range{High: hi, HasHigh: true} }

// WithPrefix selects every key that has p as a prefix, p included.
func WithPrefix(p Key) Range {
	return Range{Low: p, High: p, HasLow: true, HasHigh: true, HighIsPrefix: true}
}

// Contains reports whether k falls inside r.
func (r Range) Contains(k Key) bool {
	if r.HasLow {
		c := Compare(k, r.Low)
		if c < 0 || (c == 0 && r.LowExclusive) {
			return false
		}
	}
	if r.HasHigh {
		if r.HighIsPrefix {
			return k.IsSubkeyOf(r.High) || Compare(k, r.High) < 0
		}
		c := Compare(k, r.High)
		if c > 0 || (c == 0 && r.HighExclusive) {
			return false
		}
	}
	return true
}

// Bounds returns r in encoded form.
func (r Range) Bounds() Bounds {
	var b Bounds
	if r.HasLow {
		b.Low = r.Low.Encode()
		b.LowExclusive = r.LowExclusive
	}
	if r.HasHigh {
		b.High = r.High.Encode()
		b.HighExclusive = r.HighExclusive
		if r.HighIsPrefix {
			b.High = append(b.High, prefixEnd)
			b.HighExclusive = true
		}
	}
	return b
}

// Bounds is a range over encoded keys. A nil bound is unbounded.
type Bounds struct {
	Low, High                   []byte
	LowExclusive, HighExclusive bool
}

// AboveLow reports whether k satisfies the low bound.
func (b Bounds) AboveLow(k []byte) bool {
	if b.Low == nil {
		return true
	}
	c := bytes.Compare(k, b.Low)
	return c > 0 || (c == 0 && !b.LowExclusive)
}

// BelowHigh reports whether k satisfies the high bound.
func (b Bounds) BelowHigh(k []byte) bool {
	if b.High == nil {
		return true
	}
	c := bytes.Compare(k, b.High)
	return c < 0 || (c == 0 && !b.HighExclusive)
}

func (b Bounds) Contains(k []byte) bool { return b.AboveLow(k) && b.BelowHigh(k) }

// Overlaps reports whether the closed interval [lo, hi] intersects b.
func (b Bounds) Overlaps(lo, hi []byte) bool {
	return b.AboveLow(hi) && b.BelowHigh(lo)
}
