package segment

import (
	"sync"

	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
	"layerdb/pkg/types"
)

// OpenFunc opens the segment stored in a region.
type OpenFunc func(addr types.RegionAddr) (*Reader, error)

// ReaderCache shares open readers between concurrent scans. A reader is
// closed once it has been invalidated and its last handle released, so a
// region can be deleted while a scan over it is still running.
type ReaderCache struct {
	open OpenFunc

	mu      sync.Mutex
	readers map[types.RegionAddr]*cachedReader
}

type cachedReader struct {
	r       *Reader
	refs    int
	evicted bool
}

func NewReaderCache(open OpenFunc) *ReaderCache {
	return &ReaderCache{open: open, readers: make(map[types.RegionAddr]*cachedReader)}
}

// Handle is a counted reference to an open reader.
type Handle struct {
	reader *Reader
	c    *ReaderCache
	addr types.RegionAddr
	cr   *cachedReader
	once sync.Once
}

// Acquire returns a handle on the reader for addr, opening it if needed.
func (c *ReaderCache) Acquire(addr types.RegionAddr) (*Handle, error) {
	c.mu.Lock()
	cr, ok := c.readers[addr]
	if ok {
		cr.refs++
		c.mu.Unlock()
		return &Handle{reader: cr.r, c: c, addr: addr, cr: cr}, nil
	}
	c.mu.Unlock()

	r, err := c.open(addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cr, ok := c.readers[addr]; ok {
		// lost a race with another opener
		_ = r.Close()
		cr.refs++
		return &Handle{reader: cr.r, c: c, addr: addr, cr: cr}, nil
	}
	cr = &cachedReader{r: r, refs: 1}
	c.readers[addr] = cr
	return &Handle{reader: r, c: c, addr: addr, cr: cr}, nil
}

func (h *Handle) Reader() *Reader { return h.reader }

// Release drops the reference. It is safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.c.mu.Lock()
		defer h.c.mu.Unlock()
		h.cr.refs--
		if h.cr.refs == 0 && h.cr.evicted {
			_ = h.cr.r.Close()
		}
	})
}

// Scan returns an iterator that releases the handle when closed.
func (h *Handle) Scan(b keys.Bounds, dir iterator.Direction) iterator.Iterator {
	return &releasingIter{Iterator: h.reader.Scan(b, dir), h: h}
}

type releasingIter struct {
	iterator.Iterator
	h *Handle
}

func (it *releasingIter) Close() error {
	err := it.Iterator.Close()
	it.h.Release()
	return err
}

// Invalidate forgets the reader for addr; it is closed once unused.
func (c *ReaderCache) Invalidate(addr types.RegionAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(addr)
}

func (c *ReaderCache) evictLocked(addr types.RegionAddr) {
	cr, ok := c.readers[addr]
	if !ok {
		return
	}
	delete(c.readers, addr)
	cr.evicted = true
	if cr.refs == 0 {
		_ = cr.r.Close()
	}
}

// Purge invalidates every reader.
func (c *ReaderCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr := range c.readers {
		c.evictLocked(addr)
	}
}

// Len is the number of cached readers.
func (c *ReaderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readers)
}
