package segment

import (
	"sync"
	"sync/atomic"

	"layerdb/pkg/iterator"
	"layerdb/pkg/types"
)

type blockKey struct {
	region types.RegionAddr
	block  int
}

// BlockCache is an LRU of decoded blocks shared by every open segment.
// Capacity counts blocks.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[blockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits, misses atomic.Uint64
}

type cacheItem struct {
	key   blockKey
	value []iterator.Item
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache returns nil for a non-positive capacity; a nil cache is
// valid and caches nothing.
func NewBlockCache(capacity int) *BlockCache {
	if capacity <= 0 {
		return nil
	}
	return &BlockCache{
		capacity: capacity,
		items:    make(map[blockKey]*cacheItem),
	}
}

func (bc *BlockCache) get(k blockKey) ([]iterator.Item, bool) {
	if bc == nil {
		return nil, false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[k]
	if !found {
		bc.misses.Add(1)
		return nil, false
	}
	bc.hits.Add(1)
	bc.moveToHead(item)
	return item.value, true
}

func (bc *BlockCache) set(k blockKey, value []iterator.Item) {
	if bc == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[k]; found {
		item.value = value
		bc.moveToHead(item)
		return
	}
	item := &cacheItem{key: k, value: value}
	bc.addToHead(item)
	bc.items[k] = item
	if len(bc.items) > bc.capacity {
		bc.evictLRU()
	}
}

// Invalidate drops every block of a region.
func (bc *BlockCache) Invalidate(region types.RegionAddr) {
	if bc == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	for k, item := range bc.items {
		if k.region == region {
			bc.unlink(item)
			delete(bc.items, k)
		}
	}
}

func (bc *BlockCache) Len() int {
	if bc == nil {
		return 0
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.items)
}

// Stats returns hit and miss counts.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	if bc == nil {
		return 0, 0
	}
	return bc.hits.Load(), bc.misses.Load()
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		bc.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head
	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item
	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) evictLRU() {
	if bc.tail == nil {
		return
	}
	victim := bc.tail
	bc.unlink(victim)
	delete(bc.items, victim.key)
}
