package iterator

import (
	"container/heap"

	"github.com/cockroachdb/errors"

	"layerdb/pkg/record"
)

type mergeHeap struct {
	dir   Direction
	iters []Iterator
	order []int // heap of indexes into iters
}

func (h *mergeHeap) Len() int { return len(h.order) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.order[i], h.order[j]
	if c := h.dir.cmp(h.iters[a].Key(), h.iters[b].Key()); c != 0 {
		return c < 0
	}
	// equal keys: the earlier source has priority
	return a < b
}

func (h *mergeHeap) Swap(i, j int) { h.order[i], h.order[j] = h.order[j], h.order[i] }
func (h *mergeHeap) Push(x any)   { h.order = append(h.order, x.(int)) }

func (h *mergeHeap) Pop() any {
	n := len(h.order)
	x := h.order[n-1]
	h.order = h.order[:n-1]
	return x
}

// MergeIter is a k-way merge over sorted sources. When several sources hold
// the same key only the pair from the earliest source is produced.
type MergeIter struct {
	h   mergeHeap
	key []byte
	val record.Update
	ok  bool
	err error
}

// Merge combines sources that are each sorted in direction dir. Sources are
// given highest priority first.
func Merge(dir Direction, sources ...Iterator) *MergeIter {
	m := &MergeIter{h: mergeHeap{dir: dir, iters: sources}}
	for i, it := range sources {
		if it.Valid() {
			m.h.order = append(m.h.order, i)
		} else if err := it.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	m.advance()
	return m
}

func (m *MergeIter) advance() {
	m.ok = false
	if m.err != nil || m.h.Len() == 0 {
		return
	}
	top := m.h.iters[m.h.order[0]]
	m.key = append(m.key[:0], top.Key()...)
	m.val = top.Value()
	m.ok = true

	// Step every source positioned on this key past it.
	for m.h.Len() > 0 {
		idx := m.h.order[0]
		it := m.h.iters[idx]
		if m.h.dir.cmp(it.Key(), m.key) != 0 {
			break
		}
		it.Next()
		if it.Valid() {
			heap.Fix(&m.h, 0)
			continue
		}
		heap.Pop(&m.h)
		if err := it.Err(); err != nil {
			m.err = err
			return
		}
	}
}

func (m *MergeIter) Valid() bool          { return m.ok }
func (m *MergeIter) Key() []byte          { return m.key }
func (m *MergeIter) Value() record.Update { return m.val }
func (m *MergeIter) Next()                { m.advance() }
func (m *MergeIter) Err() error           { return m.err }

func (m *MergeIter) Close() error {
	var err error
	for _, it := range m.h.iters {
		err = errors.CombineErrors(err, it.Close())
	}
	return err
}
