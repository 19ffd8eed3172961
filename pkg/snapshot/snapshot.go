// Package snapshot layers multi-version reads over a key/value store. Every
// write is stored under its key plus a trailing version part, and a frozen
// view only sees versions at or below the boundary it was frozen at.
package snapshot

import (
	"sync"

	"github.com/cockroachdb/errors"

	"layerdb/pkg/clock"
	"layerdb/pkg/dberrors"
	"layerdb/pkg/engine"
	"layerdb/pkg/keys"
	"layerdb/pkg/record"
	"layerdb/pkg/types"
)

// Rows is a scan cursor. Next must be called before the first row.
type Rows interface {
	Next() bool
	Key() keys.Key
	Update() record.Update
	Err() error
	Close() error
}

// Store is the capability set a stage exposes to the stage above it.
type Store interface {
	SetValue(key keys.Key, u record.Update) error
	ScanForward(r keys.Range) (Rows, error)
	ScanBackward(r keys.Range) (Rows, error)
}

// SnapshotStore is a Store that can hand out frozen views of itself.
type SnapshotStore interface {
	Store
	GetSnapshot() SnapshotStore
}

// EngineStore adapts an engine to Store.
type EngineStore struct {
	E *engine.Engine
}

func (s EngineStore) SetValue(key keys.Key, u record.Update) error { return s.E.SetValue(key, u) }

func (s EngineStore) ScanForward(r keys.Range) (Rows, error) {
	rows, err := s.E.ScanForward(r)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s EngineStore) ScanBackward(r keys.Range) (Rows, error) {
	rows, err := s.E.ScanBackward(r)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Stage is the snapshot stage. The live stage writes at its current
// version; views returned by GetSnapshot are frozen and read only.
type Stage struct {
	next  Store
	clock clock.Clock

	// mu orders writes against the version swap in GetSnapshot.
	mu      sync.RWMutex
	current types.Timestamp

	frozen   bool
	boundary types.Timestamp
}

// New wraps next. Versions come from clk, which must not go backwards
// across restarts of the same store.
func New(next Store, clk clock.Clock) *Stage {
	return &Stage{next: next, clock: clk, current: clk.Next(), boundary: types.MaxTimestamp}
}

func (s *Stage) Frozen() bool { return s.frozen }

// Boundary is the highest version the stage reads.
func (s *Stage) Boundary() types.Timestamp { return s.boundary }

func (s *Stage) SetValue(key keys.Key, u record.Update) error {
	if s.frozen {
		return dberrors.Invariantf("snapshot: write not permitted on a frozen view (version %d)", s.boundary)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next.SetValue(key.Append(keys.Version(s.current)), record.Wrap(u))
}

func (s *Stage) SetValueParsed(k, value string) error {
	return s.SetValue(keys.Parse(k), record.WithString(value))
}

func (s *Stage) Delete(key keys.Key) error {
	return s.SetValue(key, record.DeletionTombstone())
}

// GetSnapshot freezes the writes made so far. Later writes through s get a
// newer version and stay invisible to the returned view.
func (s *Stage) GetSnapshot() SnapshotStore {
	return s.Snapshot()
}

// Snapshot is GetSnapshot with the concrete type.
func (s *Stage) Snapshot() *Stage {
	if s.frozen {
		return s
	}
	s.mu.Lock()
	at := s.current
	s.current = s.clock.Next()
	s.mu.Unlock()
	return &Stage{next: s.next, clock: s.clock, current: at, frozen: true, boundary: at}
}

func (s *Stage) ScanForward(r keys.Range) (Rows, error) { return s.scan(r, false) }

func (s *Stage) ScanBackward(r keys.Range) (Rows, error) { return s.scan(r, true) }

func (s *Stage) scan(r keys.Range, backward bool) (Rows, error) {
	// Stored keys carry a version part below their logical key, so the
	// high bound has to take in everything under it. Rows outside r are
	// dropped after the version part is stripped.
	under := r
	if under.HasHigh {
		under.HighIsPrefix = true
		under.HighExclusive = false
	}
	var (
		src Rows
		err error
	)
	if backward {
		src, err = s.next.ScanBackward(under)
	} else {
		src, err = s.next.ScanForward(under)
	}
	if err != nil {
		return nil, err
	}
	return &versionRows{src: src, r: r, boundary: s.boundary}, nil
}

// Get returns the visible update for key.
func (s *Stage) Get(key keys.Key) (record.Update, error) {
	rows, err := s.ScanForward(keys.Between(key, key))
	if err != nil {
		return record.Update{}, err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Update(), nil
	}
	if err := rows.Err(); err != nil {
		return record.Update{}, err
	}
	return record.Update{}, errors.Wrapf(dberrors.ErrKeyNotFound, "snapshot get %s", key)
}

// FindNext returns the first visible row after key, or at key when
// inclusive.
func (s *Stage) FindNext(key keys.Key, inclusive bool) (keys.Key, record.Update, error) {
	r := keys.From(key)
	r.LowExclusive = !inclusive
	return s.first(r, false, key)
}

// FindPrev returns the last visible row before key, or at key when
// inclusive.
func (s *Stage) FindPrev(key keys.Key, inclusive bool) (keys.Key, record.Update, error) {
	r := keys.Through(key)
	r.HighExclusive = !inclusive
	return s.first(r, true, key)
}

func (s *Stage) first(r keys.Range, backward bool, from keys.Key) (keys.Key, record.Update, error) {
	rows, err := s.scan(r, backward)
	if err != nil {
		return keys.Key{}, record.Update{}, err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Key(), rows.Update(), nil
	}
	if err := rows.Err(); err != nil {
		return keys.Key{}, record.Update{}, err
	}
	return keys.Key{}, record.Update{}, errors.Wrapf(dberrors.ErrKeyNotFound, "snapshot find from %s", from)
}

// versionRows collapses runs of versioned rows into one row per logical
// key: the newest version at or below boundary, unless that is a delete.
type versionRows struct {
	src      Rows
	r        keys.Range
	boundary types.Timestamp

	have      bool // src is positioned on an unread row
	exhausted bool

	key keys.Key
	upd record.Update
	err error
}

func splitVersion(k keys.Key) (keys.Key, types.Timestamp, error) {
	last, ok := k.Last()
	if !ok || last.Kind() != keys.KindVersion {
		return keys.Key{}, 0, dberrors.Corruptf("snapshot: row %s has no version part", k)
	}
	return k.Prefix(k.Len() - 1), types.Timestamp(last.Uint64()), nil
}

func (v *versionRows) fail(err error) bool {
	v.err = err
	v.exhausted = true
	v.have = false
	return false
}

// advance moves src on and reports whether it has another row.
func (v *versionRows) advance() bool {
	if v.src.Next() {
		v.have = true
		return true
	}
	v.have = false
	v.exhausted = true
	v.err = v.src.Err()
	return false
}

func (v *versionRows) Next() bool {
	for {
		if !v.have && (v.exhausted || !v.advance()) {
			return false
		}
		clean, ts, err := splitVersion(v.src.Key())
		if err != nil {
			return v.fail(err)
		}
		var (
			best   record.Update
			bestTS types.Timestamp
			found  bool
		)
		for {
			if ts <= v.boundary && (!found || ts > bestTS) {
				best, bestTS, found = v.src.Update(), ts, true
			}
			if !v.advance() {
				if v.err != nil {
					return false
				}
				break
			}
			next, nts, err := splitVersion(v.src.Key())
			if err != nil {
				return v.fail(err)
			}
			if !next.Equal(clean) {
				break
			}
			ts = nts
		}
		if !found || !v.r.Contains(clean) {
			continue
		}
		data, err := record.Resolve(clean, best)
		if err != nil {
			return v.fail(err)
		}
		if data.State != record.Present {
			continue
		}
		v.key, v.upd = clean, record.WithPayload(data.Payload)
		return true
	}
}

func (v *versionRows) Key() keys.Key         { return v.key }
func (v *versionRows) Update() record.Update { return v.upd }
func (v *versionRows) Err() error            { return v.err }
func (v *versionRows) Close() error          { return v.src.Close() }
