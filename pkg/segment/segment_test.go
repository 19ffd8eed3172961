package segment

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"

	"layerdb/pkg/compression"
	"layerdb/pkg/dberrors"
	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
	"layerdb/pkg/record"
	"layerdb/pkg/region"
	"layerdb/pkg/types"
)

func pairs(n int) []iterator.Item {
	out := make([]iterator.Item, 0, n)
	for i := 0; i < n; i++ {
		k := keys.New(keys.String("row"), keys.Int(int64(i))).Encode()
		u := record.WithString(fmt.Sprintf("value-%04d", i))
		if i%7 == 0 {
			u = record.DeletionTombstone()
		}
		out = append(out, iterator.Item{Key: k, Value: u})
	}
	return out
}

type env struct {
	regions *region.Manager
	next    types.RegionAddr
}

func newEnv(t *testing.T) *env {
	t.Helper()
	m, err := region.NewManager(vfs.NewMem(), "db", nil)
	if err != nil {
		t.Fatal(err)
	}
	return &env{regions: m}
}

// writeAll drains w into as many regions as needed.
func (e *env) writeAll(t *testing.T, w *Writer, capacity int64) ([]types.RegionAddr, []WriteInfo) {
	t.Helper()
	var addrs []types.RegionAddr
	var infos []WriteInfo
	for w.HasMoreData() {
		rw, err := e.regions.Create(e.next, capacity)
		if err != nil {
			t.Fatal(err)
		}
		info, err := w.WriteTo(rw, capacity)
		if err != nil {
			t.Fatalf("WriteTo: %v", err)
		}
		if info.Size > capacity || info.Size != rw.Written() {
			t.Fatalf("segment size %d, written %d, capacity %d", info.Size, rw.Written(), capacity)
		}
		if err := rw.Seal(); err != nil {
			t.Fatal(err)
		}
		addrs = append(addrs, e.next)
		infos = append(infos, info)
		e.next += types.RegionAddr(capacity)
	}
	if err := w.Err(); err != nil {
		t.Fatal(err)
	}
	return addrs, infos
}

func (e *env) open(t *testing.T, addr types.RegionAddr, opts Options) *Reader {
	t.Helper()
	rg, err := e.regions.Open(addr)
	if err != nil {
		t.Fatal(err)
	}
	r, err := Open(rg, opts)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func assertItems(t *testing.T, got, want []iterator.Item) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i].Key, want[i].Key) || got[i].Value.Kind != want[i].Value.Kind ||
			!bytes.Equal(got[i].Value.Payload, want[i].Value.Payload) {
			t.Fatalf("item %d: got %s=%v, want %s=%v", i,
				keys.MustDecode(got[i].Key), got[i].Value, keys.MustDecode(want[i].Key), want[i].Value)
		}
	}
}

func TestPairCodec(t *testing.T) {
	in := pairs(20)
	out, err := DecodePairs(EncodePairs(in))
	if err != nil {
		t.Fatal(err)
	}
	assertItems(t, out, in)

	if _, err := DecodePairs([]byte{5, 1}); !errors.Is(err, dberrors.ErrCorruptData) {
		t.Fatalf("truncated pairs: %v", err)
	}
}

func TestScanFidelity(t *testing.T) {
	e := newEnv(t)
	src := []iterator.Item{
		{Key: keys.Parse("a/b/c/d").Encode(), Value: record.WithString("1")},
		{Key: keys.Parse("b/c/d/e").Encode(), Value: record.WithString("2")},
	}
	addrs, infos := e.writeAll(t, NewWriter(iterator.FromSlice(src), Options{}), DefaultCapacity)
	if len(addrs) != 1 || infos[0].Entries != 2 {
		t.Fatalf("unexpected write: %v %+v", addrs, infos)
	}
	if !bytes.Equal(infos[0].StartKey, src[0].Key) || !bytes.Equal(infos[0].EndKey, src[1].Key) {
		t.Fatal("write info bounds wrong")
	}

	r := e.open(t, addrs[0], Options{})
	got, err := iterator.Collect(r.Walk())
	if err != nil {
		t.Fatal(err)
	}
	assertItems(t, got, src)
	if keys.MustDecode(got[0].Key).String() != "a/b/c/d" || keys.MustDecode(got[1].Key).String() != "b/c/d/e" {
		t.Fatal("keys did not decode back to their parts")
	}
}

func TestMultiBlockLookupsAndScans(t *testing.T) {
	for _, codec := range []compression.Codec{compression.None, compression.Zstd} {
		t.Run(codec.String(), func(t *testing.T) {
			e := newEnv(t)
			src := pairs(2000)
			opts := Options{BlockSize: 1024, Codec: codec, Cache: NewBlockCache(16)}
			addrs, infos := e.writeAll(t, NewWriter(iterator.FromSlice(src), opts), DefaultCapacity)
			if len(addrs) != 1 {
				t.Fatalf("expected one segment, got %d", len(addrs))
			}
			wantTombs := 0
			for _, p := range src {
				if p.Value.IsTombstone() {
					wantTombs++
				}
			}
			if infos[0].Tombstones != wantTombs {
				t.Fatalf("tombstones = %d, want %d", infos[0].Tombstones, wantTombs)
			}

			r := e.open(t, addrs[0], opts)
			if len(r.handles) < 10 {
				t.Fatalf("expected many blocks, got %d", len(r.handles))
			}
			if r.Entries() != len(src) || r.Tombstones() != wantTombs {
				t.Fatalf("reader counts %d/%d", r.Entries(), r.Tombstones())
			}

			for _, i := range []int{0, 1, 500, 1999} {
				u, ok, err := r.Get(src[i].Key)
				if err != nil || !ok || u.Kind != src[i].Value.Kind || !bytes.Equal(u.Payload, src[i].Value.Payload) {
					t.Fatalf("Get(%d) = %v, %v, %v", i, u, ok, err)
				}
			}
			if _, ok, err := r.Get(keys.Parse("zzz").Encode()); ok || err != nil {
				t.Fatalf("unexpected hit: %v %v", ok, err)
			}

			lo, hi := src[300].Key, src[1200].Key
			fwd, err := iterator.Collect(r.Scan(keys.Bounds{Low: lo, High: hi, HighExclusive: true}, iterator.Forward))
			if err != nil {
				t.Fatal(err)
			}
			assertItems(t, fwd, src[300:1200])

			back, err := iterator.Collect(r.Scan(keys.Bounds{Low: lo, LowExclusive: true, High: hi}, iterator.Backward))
			if err != nil {
				t.Fatal(err)
			}
			want := make([]iterator.Item, 0, 900)
			for i := 1200; i > 300; i-- {
				want = append(want, src[i])
			}
			assertItems(t, back, want)

			if hits, _ := opts.Cache.Stats(); hits == 0 {
				t.Fatal("block cache never hit")
			}
		})
	}
}

func TestCapacityOverflowSplitsSegments(t *testing.T) {
	e := newEnv(t)
	src := pairs(3000)
	const capacity = 8 << 10
	addrs, infos := e.writeAll(t, NewWriter(iterator.FromSlice(src), Options{BlockSize: 1024}), capacity)
	if len(addrs) < 2 {
		t.Fatalf("expected several segments, got %d", len(addrs))
	}

	var all []iterator.Item
	total := 0
	for i, addr := range addrs {
		got, err := iterator.Collect(e.open(t, addr, Options{}).Walk())
		if err != nil {
			t.Fatal(err)
		}
		total += infos[i].Entries
		all = append(all, got...)
	}
	if total != len(src) {
		t.Fatalf("entries across segments = %d", total)
	}
	assertItems(t, all, src)
}

func TestOversizedPairIsExhausted(t *testing.T) {
	e := newEnv(t)
	big := []iterator.Item{{Key: keys.Parse("big").Encode(), Value: record.WithPayload(make([]byte, 4096))}}
	w := NewWriter(iterator.FromSlice(big), Options{})
	rw, err := e.regions.Create(0, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteTo(rw, 1024); !errors.Is(err, dberrors.ErrResourceExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if !w.HasMoreData() {
		t.Fatal("pair should remain pending")
	}
}

func TestCorruptTrailerRejected(t *testing.T) {
	fs := vfs.NewMem()
	regions, _ := region.NewManager(fs, "db", nil)
	e := &env{regions: regions}
	addrs, infos := e.writeAll(t, NewWriter(iterator.FromSlice(pairs(50)), Options{}), DefaultCapacity)

	// Rewrite the region with one flipped byte inside the index.
	rg, err := regions.Open(addrs[0])
	if err != nil {
		t.Fatal(err)
	}
	data, err := rg.NewBlockAccessor(0, rg.Size())
	if err != nil {
		t.Fatal(err)
	}
	_ = rg.Close()
	data[infos[0].Size-footerSize-2] ^= 0xFF
	if err := regions.Release(addrs[0]); err != nil {
		t.Fatal(err)
	}
	rw, err := regions.Create(addrs[0], DefaultCapacity)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := rw.Seal(); err != nil {
		t.Fatal(err)
	}

	rg, err = regions.Open(addrs[0])
	if err != nil {
		t.Fatal(err)
	}
	defer rg.Close()
	if _, err := Open(rg, Options{}); !errors.Is(err, dberrors.ErrCorruptData) {
		t.Fatalf("expected corruption, got %v", err)
	}
}

func TestBloomFilterHasNoFalseNegatives(t *testing.T) {
	bf := newBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	decoded, err := decodeBloomFilter(bf.appendTo(nil))
	if err != nil {
		t.Fatal(err)
	}
	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if !decoded.MayContain([]byte(fmt.Sprintf("key-%d", i))) {
			t.Fatalf("false negative for key-%d", i)
		}
		if decoded.MayContain([]byte(fmt.Sprintf("other-%d", i))) {
			falsePositives++
		}
	}
	if falsePositives > 50 {
		t.Fatalf("false positive rate too high: %d/1000", falsePositives)
	}
}

func TestBloomFilterFalsePositiveRate(t *testing.T) {
	tests := []struct {
		items int
		rate  float64
	}{
		{items: 1000, rate: 0.01},
		{items: 5000, rate: 0.01},
		{items: 2000, rate: 0.05},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%g", tt.items, tt.rate), func(t *testing.T) {
			bf := newBloomFilter(tt.items, tt.rate)
			for i := 0; i < tt.items; i++ {
				bf.Add(keys.Parse(fmt.Sprintf("user/%06d", i)).Encode())
			}
			const lookups = 20000
			falsePositives := 0
			for i := 0; i < lookups; i++ {
				if bf.MayContain(keys.Parse(fmt.Sprintf("user/%06d", tt.items+i)).Encode()) {
					falsePositives++
				}
			}
			if got := float64(falsePositives) / lookups; got > 2*tt.rate {
				t.Fatalf("false positive rate %.4f exceeds twice the target %.4f", got, tt.rate)
			}
		})
	}
}

func TestBlockCacheEviction(t *testing.T) {
	c := NewBlockCache(2)
	c.set(blockKey{1, 0}, nil)
	c.set(blockKey{1, 1}, nil)
	c.get(blockKey{1, 0})
	c.set(blockKey{2, 0}, nil)
	if _, ok := c.get(blockKey{1, 1}); ok {
		t.Fatal("least recently used block survived")
	}
	if _, ok := c.get(blockKey{1, 0}); !ok {
		t.Fatal("recently used block evicted")
	}
	c.Invalidate(1)
	if c.Len() != 1 {
		t.Fatalf("Len after invalidate = %d", c.Len())
	}
}

func TestReaderCacheRefCounting(t *testing.T) {
	e := newEnv(t)
	addrs, _ := e.writeAll(t, NewWriter(iterator.FromSlice(pairs(10)), Options{}), DefaultCapacity)

	opened := 0
	c := NewReaderCache(func(addr types.RegionAddr) (*Reader, error) {
		opened++
		rg, err := e.regions.Open(addr)
		if err != nil {
			return nil, err
		}
		return Open(rg, Options{})
	})

	h1, err := c.Acquire(addrs[0])
	if err != nil {
		t.Fatal(err)
	}
	h2, err := c.Acquire(addrs[0])
	if err != nil {
		t.Fatal(err)
	}
	if opened != 1 || h1.Reader() != h2.Reader() {
		t.Fatal("reader not shared")
	}

	it := h1.Scan(keys.Bounds{}, iterator.Forward)
	c.Invalidate(addrs[0])
	if c.Len() != 0 {
		t.Fatal("invalidated reader still cached")
	}
	// The region goes away while the scan is still open.
	if err := e.regions.Release(addrs[0]); err != nil {
		t.Fatal(err)
	}
	items, err := iterator.Collect(it)
	if err != nil || len(items) != 10 {
		t.Fatalf("scan after invalidate: %d items, %v", len(items), err)
	}
	h2.Release()
	h2.Release()

	if _, err := c.Acquire(addrs[0]); !errors.Is(err, dberrors.ErrCorruptData) {
		t.Fatalf("acquire of released region: %v", err)
	}
}
