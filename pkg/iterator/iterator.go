// Package iterator defines the pull iterator shared by memtable layers,
// segments and the engine read path, plus slice and k-way merge iterators.
package iterator

import (
	"bytes"

	"layerdb/pkg/record"
)

// Iterator walks (encoded key, update) pairs in one direction. It starts
// positioned on the first pair; check Valid before reading. Key is only valid
// until the next call to Next.
type Iterator interface {
	Valid() bool
	Key() []byte
	Value() record.Update
	Next()
	Err() error
	Close() error
}

// Item is a materialized pair.
type Item struct {
	Key   []byte
	Value record.Update
}

// Direction of a scan.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// cmp orders encoded keys in scan order.
func (d Direction) cmp(a, b []byte) int {
	if d == Backward {
		return bytes.Compare(b, a)
	}
	return bytes.Compare(a, b)
}

type sliceIter struct {
	items []Item
	pos   int
}

// FromSlice iterates items in the given order.
func FromSlice(items []Item) Iterator {
	return &sliceIter{items: items}
}

func (s *sliceIter) Valid() bool          { return s.pos < len(s.items) }
func (s *sliceIter) Key() []byte          { return s.items[s.pos].Key }
func (s *sliceIter) Value() record.Update { return s.items[s.pos].Value }
func (s *sliceIter) Next()                { s.pos++ }
func (s *sliceIter) Err() error           { return nil }
func (s *sliceIter) Close() error         { return nil }

type errIter struct{ err error }

// Error returns an exhausted iterator that reports err.
func Error(err error) Iterator { return errIter{err} }

func (e errIter) Valid() bool          { return false }
func (e errIter) Key() []byte          { return nil }
func (e errIter) Value() record.Update { return record.Update{} }
func (e errIter) Next()                {}
func (e errIter) Err() error           { return e.err }
func (e errIter) Close() error         { return nil }

// Collect drains and closes it.
func Collect(it Iterator) ([]Item, error) {
	defer it.Close()
	var out []Item
	for ; it.Valid(); it.Next() {
		out = append(out, Item{Key: append([]byte(nil), it.Key()...), Value: it.Value()})
	}
	return out, it.Err()
}

type filterIter struct {
	Iterator
	keep func(key []byte, v record.Update) bool
}

// Filter hides pairs for which keep returns false.
func Filter(it Iterator, keep func(key []byte, v record.Update) bool) Iterator {
	f := &filterIter{Iterator: it, keep: keep}
	f.skip()
	return f
}

func (f *filterIter) skip() {
	for f.Iterator.Valid() && !f.keep(f.Iterator.Key(), f.Iterator.Value()) {
		f.Iterator.Next()
	}
}

func (f *filterIter) Next() {
	f.Iterator.Next()
	f.skip()
}
