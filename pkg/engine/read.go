package engine

import (
	"github.com/cockroachdb/errors"

	"layerdb/pkg/dberrors"
	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
	"layerdb/pkg/record"
)

// Rows is a cursor over a scan. Call Next before the first row; Close must
// be called to release the segments the scan holds.
type Rows struct {
	it      iterator.Iterator
	visible func(encKey []byte, u record.Update) bool

	key     keys.Key
	upd     record.Update
	err     error
	started bool
	done    bool
}

func (r *Rows) Next() bool {
	if r.done {
		return false
	}
	if r.started {
		r.it.Next()
	}
	r.started = true
	for ; r.it.Valid(); r.it.Next() {
		k, u := r.it.Key(), r.it.Value()
		if r.visible != nil && !r.visible(k, u) {
			continue
		}
		key, err := keys.Decode(k)
		if err != nil {
			r.err = dberrors.MarkCorrupt(err, "scan: undecodable key %x", k)
			r.done = true
			return false
		}
		r.key, r.upd = key, u
		return true
	}
	r.err = r.it.Err()
	r.done = true
	return false
}

func (r *Rows) Key() keys.Key         { return r.key }
func (r *Rows) Update() record.Update { return r.upd }

// Data resolves the current row.
func (r *Rows) Data() (record.Data, error) { return record.Resolve(r.key, r.upd) }

func (r *Rows) Err() error { return r.err }

func (r *Rows) Close() error {
	r.done = true
	if r.it == nil {
		return nil
	}
	err := r.it.Close()
	r.it = nil
	return err
}

// userVisible hides tombstones and the reserved namespace.
func userVisible(encKey []byte, u record.Update) bool {
	return !u.IsTombstone() && !isReserved(encKey)
}

// mergedScan merges every layer and every live segment overlapping b,
// newest first. Layers are captured before the catalog: a checkpoint maps
// its segments before it drops the layer they came from, so the pair never
// misses data.
func (e *Engine) mergedScan(b keys.Bounds, dir iterator.Direction) (iterator.Iterator, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	layers := e.stack.Layers()

	e.releaseMu.RLock()
	defer e.releaseMu.RUnlock()
	cat, err := e.currentCatalog()
	if err != nil {
		return nil, err
	}
	refs := cat.overlapping(b)
	sources := make([]iterator.Iterator, 0, len(layers)+len(refs))
	for _, l := range layers {
		sources = append(sources, l.Scan(b, dir))
	}
	for _, ref := range refs {
		h, err := e.readers.Acquire(ref.region)
		if err != nil {
			for _, s := range sources {
				_ = s.Close()
			}
			return nil, dberrors.MarkCorrupt(err, "scan: generation %d maps to unreadable region %d", ref.gen, ref.region)
		}
		sources = append(sources, h.Scan(b, dir))
	}
	e.metrics.IncCounter("layerdb_scans_total", nil, 1)
	return iterator.Merge(dir, sources...), nil
}

func (e *Engine) scanRows(r keys.Range, dir iterator.Direction, visible func([]byte, record.Update) bool) (*Rows, error) {
	it, err := e.mergedScan(r.Bounds(), dir)
	if err != nil {
		return nil, err
	}
	return &Rows{it: it, visible: visible}, nil
}

// ScanForward returns the live rows in r in ascending key order.
func (e *Engine) ScanForward(r keys.Range) (*Rows, error) {
	return e.scanRows(r, iterator.Forward, userVisible)
}

// ScanBackward returns the live rows in r in descending key order.
func (e *Engine) ScanBackward(r keys.Range) (*Rows, error) {
	return e.scanRows(r, iterator.Backward, userVisible)
}

// lookup resolves the newest update stored for encKey, tombstones included.
func (e *Engine) lookup(encKey []byte) (record.Update, error) {
	for _, l := range e.stack.Layers() {
		if u, ok := l.Get(encKey); ok {
			return u, nil
		}
	}

	e.releaseMu.RLock()
	defer e.releaseMu.RUnlock()
	cat, err := e.currentCatalog()
	if err != nil {
		return record.Update{}, err
	}
	point := keys.Bounds{Low: encKey, High: encKey}
	for _, ref := range cat.overlapping(point) {
		u, ok, err := e.getFromSegment(ref, encKey)
		if err != nil {
			return record.Update{}, err
		}
		if ok {
			return u, nil
		}
	}
	return record.Update{}, dberrors.ErrKeyNotFound
}

func (e *Engine) getFromSegment(ref *segmentRef, encKey []byte) (record.Update, bool, error) {
	h, err := e.readers.Acquire(ref.region)
	if err != nil {
		return record.Update{}, false, dberrors.MarkCorrupt(err, "get: generation %d maps to unreadable region %d", ref.gen, ref.region)
	}
	defer h.Release()
	return h.Reader().Get(encKey)
}

// GetRecord returns the live update for key. A missing or deleted key is
// ErrKeyNotFound.
func (e *Engine) GetRecord(key keys.Key) (record.Update, error) {
	if err := e.checkOpen(); err != nil {
		return record.Update{}, err
	}
	e.metrics.IncCounter("layerdb_gets_total", nil, 1)
	u, err := e.lookup(key.Encode())
	if err != nil {
		if errors.Is(err, dberrors.ErrKeyNotFound) {
			return record.Update{}, errors.Wrapf(err, "get %s", key)
		}
		return record.Update{}, err
	}
	if u.IsTombstone() {
		return record.Update{}, errors.Wrapf(dberrors.ErrKeyNotFound, "get %s: deleted", key)
	}
	return u, nil
}

// GetNextRecord returns the first stored record at or after key (before,
// when forward is false), skipping key itself unless inclusive. Tombstones
// and reserved records are returned like any other record.
func (e *Engine) GetNextRecord(key keys.Key, forward, inclusive bool) (keys.Key, record.Update, error) {
	return e.findFirst(key, forward, inclusive, nil)
}

// FindNext returns the first live row after key, or at key when inclusive.
func (e *Engine) FindNext(key keys.Key, inclusive bool) (keys.Key, record.Update, error) {
	return e.findFirst(key, true, inclusive, userVisible)
}

// FindPrev returns the last live row before key, or at key when inclusive.
func (e *Engine) FindPrev(key keys.Key, inclusive bool) (keys.Key, record.Update, error) {
	return e.findFirst(key, false, inclusive, userVisible)
}

func (e *Engine) findFirst(key keys.Key, forward, inclusive bool, visible func([]byte, record.Update) bool) (keys.Key, record.Update, error) {
	var (
		r   keys.Range
		dir = iterator.Forward
	)
	if forward {
		r = keys.From(key)
		r.LowExclusive = !inclusive
	} else {
		r = keys.Through(key)
		r.HighExclusive = !inclusive
		dir = iterator.Backward
	}
	rows, err := e.scanRows(r, dir, visible)
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
	return keys.Key{}, record.Update{}, errors.Wrapf(dberrors.ErrKeyNotFound, "find from %s", key)
}
