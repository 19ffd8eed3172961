// Package memtable holds the mutable in-memory layers that sit on top of the
// immutable segments.
package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"layerdb/pkg/dberrors"
	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
	"layerdb/pkg/record"
)

type concurrentSet = skipmap.FuncMap[[]byte, record.Update]

// entryOverhead approximates per-entry bookkeeping in the skipmap.
const entryOverhead = 32

// Layer is one sorted in-memory layer keyed by encoded record keys. A layer
// receives writes only while it is the working layer of its stack.
type Layer struct {
	id     uint64
	set    *concurrentSet
	size   atomic.Int64
	frozen atomic.Bool

	// writeMu pairs the lookup of a replaced update with the store, so the
	// size delta always matches what was replaced. Readers do not take it.
	writeMu sync.Mutex
}

func NewLayer(id uint64) *Layer {
	return &Layer{
		id: id,
		set: skipmap.NewFunc[[]byte, record.Update](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (l *Layer) ID() uint64 { return l.id }

// Set stores u under key, replacing any earlier update in this layer.
func (l *Layer) Set(key []byte, u record.Update) error {
	if l.frozen.Load() {
		return dberrors.Invariantf("memtable: write to frozen layer %d", l.id)
	}
	delta := int64(len(key) + u.EncodedLen() + entryOverhead)
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if old, ok := l.set.Load(key); ok {
		delta -= int64(len(key) + old.EncodedLen() + entryOverhead)
	}
	l.set.Store(key, u)
	l.size.Add(delta)
	return nil
}

func (l *Layer) Get(key []byte) (record.Update, bool) {
	return l.set.Load(key)
}

func (l *Layer) RowCount() int { return l.set.Len() }

func (l *Layer) ApproximateSize() int64 { return l.size.Load() }

func (l *Layer) IsEmpty() bool { return l.set.Len() == 0 }

func (l *Layer) freeze() { l.frozen.Store(true) }

// Scan returns the pairs inside b in direction dir. The pairs are copied out
// of the skipmap when the scan starts.
func (l *Layer) Scan(b keys.Bounds, dir iterator.Direction) iterator.Iterator {
	var items []iterator.Item
	l.set.Range(func(k []byte, v record.Update) bool {
		if !b.AboveLow(k) {
			return true
		}
		if !b.BelowHigh(k) {
			return false
		}
		items = append(items, iterator.Item{Key: k, Value: v})
		return true
	})
	if dir == iterator.Backward {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	return iterator.FromSlice(items)
}

// SortedWalk iterates the whole layer in key order.
func (l *Layer) SortedWalk() iterator.Iterator {
	return l.Scan(keys.Bounds{}, iterator.Forward)
}
