// Package record defines the value side of the data model: RecordUpdate (what
// a write stores) and RecordData (what a read resolves to).
package record

import (
	"encoding/binary"
	"fmt"

	"layerdb/pkg/dberrors"
	"layerdb/pkg/keys"
)

// UpdateKind is the state of a stored update.
type UpdateKind uint8

const (
	// Full carries a payload.
	Full UpdateKind = iota + 1
	// Tombstone marks a logical deletion. It is a record in its own right and
	// survives storage and merge.
	Tombstone
	// Sub wraps another encoded update, used by stages that layer their own
	// semantics over the engine.
	Sub
)

func (k UpdateKind) String() string {
	switch k {
	case Full:
		return "FULL"
	case Tombstone:
		return "DELETION_TOMBSTONE"
	case Sub:
		return "SUB"
	default:
		return fmt.Sprintf("UpdateKind(%d)", uint8(k))
	}
}

// Update is a RecordUpdate.
type Update struct {
	Kind    UpdateKind
	Payload []byte
}

// WithPayload returns a full update.
func WithPayload(p []byte) Update { return Update{Kind: Full, Payload: p} }

// WithString returns a full update carrying s.
func WithString(s string) Update { return WithPayload([]byte(s)) }

// DeletionTombstone returns a tombstone update.
func DeletionTombstone() Update { return Update{Kind: Tombstone} }

// Wrap returns a sub update holding inner.
func Wrap(inner Update) Update { return Update{Kind: Sub, Payload: EncodeUpdate(inner)} }

// Unwrap decodes the inner update of a Sub update.
func (u Update) Unwrap() (Update, error) {
	if u.Kind != Sub {
		return Update{}, dberrors.Invariantf("unwrap of %s update", u.Kind)
	}
	return DecodeUpdate(u.Payload)
}

func (u Update) IsTombstone() bool { return u.Kind == Tombstone }

func (u Update) String() string {
	switch u.Kind {
	case Full:
		return fmt.Sprintf("FULL:%q", u.Payload)
	case Sub:
		inner, err := u.Unwrap()
		if err != nil {
			return "SUB:<corrupt>"
		}
		return "SUB(" + inner.String() + ")"
	default:
		return u.Kind.String()
	}
}

// EncodedLen is the size of the update's encoding.
func (u Update) EncodedLen() int {
	var tmp [binary.MaxVarintLen64]byte
	return 1 + binary.PutUvarint(tmp[:], uint64(len(u.Payload))) + len(u.Payload)
}

// EncodeUpdate serializes u as kind byte, uvarint length and payload.
func EncodeUpdate(u Update) []byte {
	return AppendUpdate(make([]byte, 0, u.EncodedLen()), u)
}

// AppendUpdate appends the encoding of u to dst.
func AppendUpdate(dst []byte, u Update) []byte {
	dst = append(dst, byte(u.Kind))
	dst = binary.AppendUvarint(dst, uint64(len(u.Payload)))
	return append(dst, u.Payload...)
}

// DecodeUpdate parses a full buffer produced by EncodeUpdate.
func DecodeUpdate(b []byte) (Update, error) {
	u, n, err := ReadUpdate(b)
	if err != nil {
		return Update{}, err
	}
	if n != len(b) {
		return Update{}, dberrors.Corruptf("update: %d trailing bytes", len(b)-n)
	}
	return u, nil
}

// ReadUpdate parses one update from the head of b and returns the bytes used.
func ReadUpdate(b []byte) (Update, int, error) {
	if len(b) < 1 {
		return Update{}, 0, dberrors.Corruptf("update: empty buffer")
	}
	kind := UpdateKind(b[0])
	if kind < Full || kind > Sub {
		return Update{}, 0, dberrors.Corruptf("update: unknown kind %d", b[0])
	}
	l, n := binary.Uvarint(b[1:])
	if n <= 0 {
		return Update{}, 0, dberrors.Corruptf("update: bad payload length")
	}
	start := 1 + n
	if uint64(len(b)-start) < l {
		return Update{}, 0, dberrors.Corruptf("update: payload truncated (want %d, have %d)", l, len(b)-start)
	}
	end := start + int(l)
	u := Update{Kind: kind}
	if l > 0 {
		u.Payload = append([]byte(nil), b[start:end]...)
	}
	if kind == Tombstone && l != 0 {
		return Update{}, 0, dberrors.Corruptf("update: tombstone with payload")
	}
	return u, end, nil
}

// DataState is the resolved state of a key.
type DataState uint8

const (
	NotProvided DataState = iota
	Present
	Deleted
)

func (s DataState) String() string {
	switch s {
	case NotProvided:
		return "NOT_PROVIDED"
	case Present:
		return "PRESENT"
	case Deleted:
		return "DELETED"
	default:
		return fmt.Sprintf("DataState(%d)", uint8(s))
	}
}

// Data is a materialized RecordData.
type Data struct {
	State   DataState
	Key     keys.Key
	Payload []byte
}

// NewData returns the "no prior state" value for key.
func NewData(key keys.Key) Data { return Data{State: NotProvided, Key: key} }

// Apply resolves u on top of d and returns the new state.
func (d Data) Apply(u Update) (Data, error) {
	switch u.Kind {
	case Full:
		return Data{State: Present, Key: d.Key, Payload: u.Payload}, nil
	case Tombstone:
		return Data{State: Deleted, Key: d.Key}, nil
	case Sub:
		inner, err := u.Unwrap()
		if err != nil {
			return Data{}, err
		}
		return d.Apply(inner)
	default:
		return Data{}, dberrors.Corruptf("apply: unknown update kind %d", u.Kind)
	}
}

// Resolve applies u against no prior state.
func Resolve(key keys.Key, u Update) (Data, error) {
	return NewData(key).Apply(u)
}

func (d Data) String() string {
	if d.State == Present {
		return fmt.Sprintf("%s=%q", d.Key, d.Payload)
	}
	return fmt.Sprintf("%s:%s", d.Key, d.State)
}
