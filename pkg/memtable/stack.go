package memtable

import (
	"sync"
	"sync/atomic"
)

// Stack is the working layer plus the detached layers still waiting to be
// written out, newest first.
//
// Writers hold the read lock (WithWorking) across their log append and the
// in-memory apply, and Rotate takes the write lock. A log record therefore
// always lands in the layer that was working when it was appended.
type Stack struct {
	mu      sync.RWMutex
	working *Layer
	older   []*Layer
	nextID  uint64
	version atomic.Uint64
}

func NewStack() *Stack {
	s := &Stack{}
	s.working = s.newLayer()
	return s
}

func (s *Stack) newLayer() *Layer {
	s.nextID++
	return NewLayer(s.nextID)
}

// WithWorking runs fn against the working layer while holding the read lock.
func (s *Stack) WithWorking(fn func(*Layer) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.working)
}

func (s *Stack) Working() *Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.working
}

// Layers returns every layer, working layer first.
func (s *Stack) Layers() []*Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Layer, 0, len(s.older)+1)
	out = append(out, s.working)
	return append(out, s.older...)
}

// Detached returns the layers that are no longer receiving writes, newest
// first.
func (s *Stack) Detached() []*Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Layer(nil), s.older...)
}

// Rotate installs a fresh working layer and returns the detached one.
// beforeSwap, when given, runs under the write lock first; if it fails the
// stack is unchanged.
func (s *Stack) Rotate(beforeSwap func() error) (*Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if beforeSwap != nil {
		if err := beforeSwap(); err != nil {
			return nil, err
		}
	}
	detached := s.working
	detached.freeze()
	s.older = append([]*Layer{detached}, s.older...)
	s.working = s.newLayer()
	s.version.Add(1)
	return detached, nil
}

// Drop removes a detached layer. It reports false if l is not detached.
func (s *Stack) Drop(l *Layer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.older {
		if o == l {
			s.older = append(s.older[:i:i], s.older[i+1:]...)
			s.version.Add(1)
			return true
		}
	}
	return false
}

// DropOldest removes the oldest detached layer.
func (s *Stack) DropOldest() (*Layer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.older) == 0 {
		return nil, false
	}
	oldest := s.older[len(s.older)-1]
	s.older = s.older[:len(s.older)-1]
	s.version.Add(1)
	return oldest, true
}

// Version changes whenever the set of layers changes.
func (s *Stack) Version() uint64 { return s.version.Load() }

// ApproximateSize sums every layer.
func (s *Stack) ApproximateSize() int64 {
	var n int64
	for _, l := range s.Layers() {
		n += l.ApproximateSize()
	}
	return n
}

// Exclusive runs fn with the write lock held, so no writer can touch any
// layer. detached is newest first.
func (s *Stack) Exclusive(fn func(working *Layer, detached []*Layer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.working, append([]*Layer(nil), s.older...))
}
