package clock

import (
	"sync"
	"testing"

	"layerdb/pkg/types"
)

func TestAtomicClockConcurrentNextIsUnique(t *testing.T) {
	c := NewAtomic(10)
	const workers, perWorker = 8, 500

	var (
		mu   sync.Mutex
		seen = make(map[types.Timestamp]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ts := c.Next()
				mu.Lock()
				if _, dup := seen[ts]; dup {
					mu.Unlock()
					t.Errorf("duplicate timestamp %d", ts)
					return
				}
				seen[ts] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := c.Val(); got != 10+workers*perWorker {
		t.Fatalf("expected %d, got %d", 10+workers*perWorker, got)
	}
}

func TestAdvanceNeverMovesBackwards(t *testing.T) {
	c := NewAtomic(100)
	c.Advance(50)
	if c.Val() != 100 {
		t.Fatalf("clock moved backwards to %d", c.Val())
	}
	c.Advance(200)
	if c.Val() != 200 {
		t.Fatalf("expected 200, got %d", c.Val())
	}
}
