package engine

import (
	"bytes"
	"container/heap"
	"encoding/binary"

	"github.com/google/btree"

	"layerdb/pkg/dberrors"
	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
	"layerdb/pkg/merge"
	"layerdb/pkg/record"
	"layerdb/pkg/segment"
	"layerdb/pkg/types"
)

// Reserved namespace. Application keys must not start with .ROOT.
var (
	rootPrefix        = keys.New(keys.String(".ROOT"))
	genPrefix         = rootPrefix.Append(keys.String("GEN"))
	numGenerationsKey = rootPrefix.Append(keys.String("VARS"), keys.String("NUMGENERATIONS"))
	instanceKey       = rootPrefix.Append(keys.String("VARS"), keys.String("INSTANCE"))

	rootPrefixEnc = rootPrefix.Encode()
	genBounds     = keys.WithPrefix(genPrefix).Bounds()
)

// firstGeneration is the first number handed out by allocNewGeneration;
// generation 0 is reserved for merge output that covers the oldest data.
const firstGeneration types.Generation = 1

func isReserved(encKey []byte) bool { return bytes.HasPrefix(encKey, rootPrefixEnc) }

const mappingVersion = 1

// mapping is the value of a .ROOT/GEN/<gen>/<low>/<high> record.
type mapping struct {
	region     types.RegionAddr
	size       int64
	entries    int
	tombstones int
}

func (m mapping) encode() []byte {
	b := []byte{mappingVersion}
	b = binary.AppendUvarint(b, uint64(m.region))
	b = binary.AppendUvarint(b, uint64(m.size))
	b = binary.AppendUvarint(b, uint64(m.entries))
	return binary.AppendUvarint(b, uint64(m.tombstones))
}

func decodeMapping(b []byte) (mapping, error) {
	if len(b) == 0 || b[0] != mappingVersion {
		return mapping{}, dberrors.Corruptf("rangemap: unsupported mapping version")
	}
	b = b[1:]
	var fields [4]uint64
	for i := range fields {
		v, n := binary.Uvarint(b)
		if n <= 0 {
			return mapping{}, dberrors.Corruptf("rangemap: truncated mapping")
		}
		fields[i], b = v, b[n:]
	}
	if len(b) != 0 {
		return mapping{}, dberrors.Corruptf("rangemap: %d trailing mapping bytes", len(b))
	}
	return mapping{
		region:     types.RegionAddr(fields[0]),
		size:       int64(fields[1]),
		entries:    int(fields[2]),
		tombstones: int(fields[3]),
	}, nil
}

func mappingKey(gen types.Generation, low, high []byte) keys.Key {
	return genPrefix.Append(keys.Numeral(uint64(gen)), keys.String(string(low)), keys.String(string(high)))
}

// segmentRef is one live generation-to-region mapping.
type segmentRef struct {
	gen       types.Generation
	low, high []byte
	key       []byte // encoded mapping key
	mapping
}

func parseMappingRecord(encKey []byte, u record.Update) (*segmentRef, error) {
	k, err := keys.Decode(encKey)
	if err != nil {
		return nil, err
	}
	if k.Len() != genPrefix.Len()+3 ||
		k.Part(genPrefix.Len()).Kind() != keys.KindNumeral ||
		k.Part(genPrefix.Len()+1).Kind() != keys.KindString ||
		k.Part(genPrefix.Len()+2).Kind() != keys.KindString {
		return nil, dberrors.Corruptf("rangemap: malformed mapping key %s", k)
	}
	m, err := decodeMapping(u.Payload)
	if err != nil {
		return nil, err
	}
	return &segmentRef{
		gen:     types.Generation(k.Part(genPrefix.Len()).Uint64()),
		low:     []byte(k.Part(genPrefix.Len() + 1).Str()),
		high:    []byte(k.Part(genPrefix.Len() + 2).Str()),
		key:     append([]byte(nil), encKey...),
		mapping: m,
	}, nil
}

// catalog is the resolved set of live segments, newest generation first.
type catalog struct {
	tree    *btree.BTreeG[*segmentRef]
	version catalogVersion
}

type catalogVersion struct {
	root, stack uint64
}

func lessRef(a, b *segmentRef) bool {
	if a.gen != b.gen {
		return a.gen > b.gen
	}
	if c := bytes.Compare(a.low, b.low); c != 0 {
		return c < 0
	}
	return a.region < b.region
}

func newCatalog(v catalogVersion) *catalog {
	return &catalog{tree: btree.NewG[*segmentRef](8, lessRef), version: v}
}

// overlapping returns the segments that may hold keys inside b, newest
// generation first.
func (c *catalog) overlapping(b keys.Bounds) []*segmentRef {
	var out []*segmentRef
	c.tree.Ascend(func(ref *segmentRef) bool {
		if b.Overlaps(ref.low, ref.high) {
			out = append(out, ref)
		}
		return true
	})
	return out
}

func (c *catalog) all() []*segmentRef {
	out := make([]*segmentRef, 0, c.tree.Len())
	c.tree.Ascend(func(ref *segmentRef) bool {
		out = append(out, ref)
		return true
	})
	return out
}

// generations summarizes live generations, oldest first.
func (c *catalog) generations() []merge.GenerationInfo {
	var out []merge.GenerationInfo
	c.tree.Descend(func(ref *segmentRef) bool {
		if n := len(out); n == 0 || out[n-1].Generation != ref.gen {
			out = append(out, merge.GenerationInfo{Generation: ref.gen})
		}
		g := &out[len(out)-1]
		g.Segments++
		g.Entries += ref.entries
		g.Tombstones += ref.tombstones
		g.Bytes += ref.size
		return true
	})
	return out
}

func (c *catalog) segmentsOf(gen types.Generation) []*segmentRef {
	var out []*segmentRef
	c.tree.AscendGreaterOrEqual(&segmentRef{gen: gen}, func(ref *segmentRef) bool {
		if ref.gen != gen {
			return false
		}
		out = append(out, ref)
		return true
	})
	return out
}

type refHeap []*segmentRef

func (h refHeap) Len() int           { return len(h) }
func (h refHeap) Less(i, j int) bool { return h[i].gen > h[j].gen }
func (h refHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *refHeap) Push(x any)        { *h = append(*h, x.(*segmentRef)) }

func (h *refHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// currentCatalog returns the cached catalog, resolving it again when a
// reserved key was written or the layer stack changed since.
func (e *Engine) currentCatalog() (*catalog, error) {
	v := catalogVersion{root: e.rootVersion.Load(), stack: e.stack.Version()}
	e.catMu.Lock()
	defer e.catMu.Unlock()
	if e.cat != nil && e.cat.version == v {
		return e.cat, nil
	}
	cat, err := e.resolveCatalog(v)
	if err != nil {
		return nil, err
	}
	e.cat = cat
	e.metrics.SetGauge("layerdb_live_segments", nil, float64(cat.tree.Len()))
	return cat, nil
}

// resolveCatalog walks the .ROOT/GEN namespace through the layer stack and
// then through the segments it names. A mapping record is only ever
// shadowed by records in a layer or in a newer generation, so visiting
// segments newest generation first and keeping the first record seen per
// key yields exactly the live mappings.
func (e *Engine) resolveCatalog(v catalogVersion) (*catalog, error) {
	cat := newCatalog(v)
	seen := make(map[string]struct{})
	pending := &refHeap{}

	visit := func(it iterator.Iterator) error {
		defer it.Close()
		for ; it.Valid(); it.Next() {
			k := it.Key()
			if _, ok := seen[string(k)]; ok {
				continue
			}
			seen[string(k)] = struct{}{}
			u := it.Value()
			if u.Kind != record.Full {
				continue
			}
			ref, err := parseMappingRecord(k, u)
			if err != nil {
				return err
			}
			cat.tree.ReplaceOrInsert(ref)
			heap.Push(pending, ref)
		}
		return it.Err()
	}

	for _, l := range e.stack.Layers() {
		if err := visit(l.Scan(genBounds, iterator.Forward)); err != nil {
			return nil, err
		}
	}
	for pending.Len() > 0 {
		ref := heap.Pop(pending).(*segmentRef)
		h, err := e.readers.Acquire(ref.region)
		if err != nil {
			return nil, dberrors.MarkCorrupt(err, "rangemap: generation %d maps to unreadable region %d", ref.gen, ref.region)
		}
		if err := visit(h.Scan(genBounds, iterator.Forward)); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

// invalidateCatalog forces the next read to resolve the catalog again.
func (e *Engine) invalidateCatalog() {
	e.rootVersion.Add(1)
}

// allocNewGeneration reserves the next generation number under tx. Callers
// hold the maintenance lock.
func (e *Engine) allocNewGeneration(tx *Txn) (types.Generation, error) {
	gen := types.Generation(e.nextGen.Load())
	if err := tx.SetValue(numGenerationsKey, record.WithPayload(binary.BigEndian.AppendUint64(nil, uint64(gen+1)))); err != nil {
		return 0, err
	}
	e.nextGen.Store(uint64(gen + 1))
	return gen, nil
}

// mapGenerationToRegion records that [low, high] of generation gen lives in
// the segment described by info.
func (e *Engine) mapGenerationToRegion(tx *Txn, gen types.Generation, addr types.RegionAddr, info segment.WriteInfo) ([]byte, error) {
	k := mappingKey(gen, info.StartKey, info.EndKey)
	m := mapping{region: addr, size: info.Size, entries: info.Entries, tombstones: info.Tombstones}
	if err := tx.SetValue(k, record.WithPayload(m.encode())); err != nil {
		return nil, err
	}
	e.logger.Debug("segment mapped", "gen", gen, "region", addr, "rows", info.Entries)
	return k.Encode(), nil
}

// unmapSegment removes a mapping by writing a tombstone over its key.
func (e *Engine) unmapSegment(tx *Txn, encKey []byte) error {
	k, err := keys.Decode(encKey)
	if err != nil {
		return err
	}
	return tx.SetValue(k, record.DeletionTombstone())
}

// GenCount is the number of live generations.
func (e *Engine) GenCount() (int, error) {
	cat, err := e.currentCatalog()
	if err != nil {
		return 0, err
	}
	return len(cat.generations()), nil
}

// Generations summarizes live generations, oldest first.
func (e *Engine) Generations() ([]merge.GenerationInfo, error) {
	cat, err := e.currentCatalog()
	if err != nil {
		return nil, err
	}
	return cat.generations(), nil
}
