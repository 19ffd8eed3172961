// Package clock provides the injectable monotonic counters used for MVCC
// timestamps. Each engine or stage owns its own clock instance.
package clock

import (
	"sync/atomic"
	"time"

	"layerdb/pkg/types"
)

// Clock hands out strictly increasing timestamps.
type Clock interface {
	Val() types.Timestamp
	Next() types.Timestamp
}

type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init types.Timestamp) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

// NewWallSeeded returns an atomic clock starting at the current wall time in
// nanoseconds, so timestamps keep increasing across process restarts.
func NewWallSeeded() *AtomicClock {
	return NewAtomic(types.Timestamp(time.Now().UnixNano()))
}

func (ac *AtomicClock) Val() types.Timestamp {
	return types.Timestamp(ac.Load())
}

func (ac *AtomicClock) Next() types.Timestamp {
	return types.Timestamp(ac.Add(1))
}

func (ac *AtomicClock) Set(t types.Timestamp) {
	ac.Store(uint64(t))
}

// Advance moves the clock forward to at least t.
func (ac *AtomicClock) Advance(t types.Timestamp) {
	for {
		cur := ac.Load()
		if cur >= uint64(t) || ac.CompareAndSwap(cur, uint64(t)) {
			return
		}
	}
}
