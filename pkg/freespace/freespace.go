// Package freespace hands out regions for new segments. Addresses come from
// a bump pointer that is persisted in the store itself, under
// .ROOT/FREELIST/HEAD, by the same transaction that maps the region.
package freespace

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"layerdb/pkg/dberrors"
	"layerdb/pkg/keys"
	"layerdb/pkg/record"
	"layerdb/pkg/region"
	"layerdb/pkg/types"
)

// HeadKey is where the next free address is recorded.
var HeadKey = keys.New(keys.String(".ROOT"), keys.String("FREELIST"), keys.String("HEAD"))

// Writer is the transactional write the allocator needs.
type Writer interface {
	SetValue(key keys.Key, u record.Update) error
}

func EncodeHead(addr types.RegionAddr) record.Update {
	return record.WithPayload(binary.BigEndian.AppendUint64(nil, uint64(addr)))
}

func DecodeHead(payload []byte) (types.RegionAddr, error) {
	if len(payload) != 8 {
		return 0, dberrors.Corruptf("freespace: head record has %d bytes", len(payload))
	}
	return types.RegionAddr(binary.BigEndian.Uint64(payload)), nil
}

type Stats struct {
	Head    types.RegionAddr
	Regions int
	Bytes   int64
	Limit   int64
}

type Manager struct {
	regions *region.Manager
	logger  *slog.Logger
	limit   int64

	mu    sync.Mutex
	head  types.RegionAddr
	sizes map[types.RegionAddr]int64
	total int64
}

// Open builds the allocator from the persisted head. Region files at or
// above the head were created by allocations that never committed; they are
// removed. limit caps the bytes held by live regions (0 means unlimited).
func Open(regions *region.Manager, head types.RegionAddr, limit int64, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		regions: regions,
		logger:  logger.With("component", "freespace"),
		limit:   limit,
		head:    head,
		sizes:   make(map[types.RegionAddr]int64),
	}
	addrs, err := regions.List()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if addr >= head {
			m.logger.Warn("removing uncommitted region", "region", addr, "head", head)
			if err := regions.Release(addr); err != nil {
				return nil, err
			}
			continue
		}
		r, err := regions.Open(addr)
		if err != nil {
			return nil, err
		}
		m.sizes[addr] = r.Size()
		m.total += r.Size()
		_ = r.Close()
	}
	return m, nil
}

// AllocateNewSegment reserves size bytes of address space, records the new
// head through tx and returns the region to fill.
func (m *Manager) AllocateNewSegment(tx Writer, size int64) (*region.Writer, error) {
	if size <= 0 {
		return nil, dberrors.Invariantf("freespace: allocation of %d bytes", size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limit > 0 && m.total+size > m.limit {
		return nil, dberrors.Exhaustedf("freespace: %d bytes in use, limit %d, request %d",
			m.total, m.limit, size)
	}
	addr := m.head
	next := addr + types.RegionAddr(size)
	if err := tx.SetValue(HeadKey, EncodeHead(next)); err != nil {
		return nil, err
	}
	// The head only moves forward; an aborted transaction leaves a gap.
	m.head = next

	w, err := m.regions.Create(addr, size)
	if err != nil {
		return nil, err
	}
	m.sizes[addr] = size
	m.total += size
	m.logger.Debug("region allocated", "region", addr, "size", size)
	return w, nil
}

// Sealed records the final size of a filled region.
func (m *Manager) Sealed(addr types.RegionAddr, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sizes[addr]; ok {
		m.total += size - old
		m.sizes[addr] = size
	}
}

// Release frees a region that is no longer mapped.
func (m *Manager) Release(addr types.RegionAddr) error {
	if err := m.regions.Release(addr); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total -= m.sizes[addr]
	delete(m.sizes, addr)
	return nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Head: m.head, Regions: len(m.sizes), Bytes: m.total, Limit: m.limit}
}
