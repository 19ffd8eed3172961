package engine

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"

	"layerdb/pkg/batch"
	"layerdb/pkg/config"
	"layerdb/pkg/dberrors"
	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
	"layerdb/pkg/merge"
	"layerdb/pkg/record"
	"layerdb/pkg/segment"
	"layerdb/pkg/types"
	"layerdb/pkg/wal"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage.Dir = "db"
	cfg.Storage.SegmentSize = 64 << 10
	cfg.Storage.BlockSize = 1024
	cfg.Maintenance.Enabled = false
	cfg.HTTP.Enabled = false
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openEngine(t *testing.T, fs vfs.FS, cfg config.Config, mode types.InitMode, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithFS(fs), WithLogger(quietLogger())}, opts...)
	e, err := Open(cfg, mode, opts...)
	if err != nil {
		t.Fatalf("Open(%s): %v", mode, err)
	}
	return e
}

func mustGet(t *testing.T, e *Engine, k string) string {
	t.Helper()
	u, err := e.GetRecord(keys.Parse(k))
	if err != nil {
		t.Fatalf("GetRecord(%s): %v", k, err)
	}
	return string(u.Payload)
}

func expectMissing(t *testing.T, e *Engine, k string) {
	t.Helper()
	_, err := e.GetRecord(keys.Parse(k))
	if !errors.Is(err, dberrors.ErrKeyNotFound) {
		t.Fatalf("GetRecord(%s) err = %v, want ErrKeyNotFound", k, err)
	}
}

// dump returns every live row in forward order as k=v.
func dump(t *testing.T, e *Engine) []string {
	t.Helper()
	rows, err := e.ScanForward(keys.All())
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		out = append(out, rows.Key().String()+"="+string(rows.Update().Payload))
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func expected(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	// test keys are fixed width, so string order is key order
	sort.Strings(out)
	return out
}

func equalRows(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d rows, want %d\ngot:  %v\nwant: %v", len(got), len(want), got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("row %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSetGetDelete(t *testing.T) {
	e := openEngine(t, vfs.NewMem(), testConfig(), types.NewRegion)
	defer e.Close()

	if err := e.SetValueParsed("a/b/c", "1"); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, e, "a/b/c"); got != "1" {
		t.Fatalf("got %q", got)
	}
	if err := e.SetValueParsed("a/b/c", "2"); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, e, "a/b/c"); got != "2" {
		t.Fatalf("got %q after overwrite", got)
	}
	if err := e.Delete(keys.Parse("a/b/c")); err != nil {
		t.Fatal(err)
	}
	expectMissing(t, e, "a/b/c")
	expectMissing(t, e, "never/written")
}

func TestOpenModes(t *testing.T) {
	fs := vfs.NewMem()
	if _, err := Open(testConfig(), types.Resume, WithFS(fs), WithLogger(quietLogger())); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("resume of an empty dir: %v", err)
	}
	e := openEngine(t, fs, testConfig(), types.NewRegion)
	id := e.InstanceID()
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(testConfig(), types.NewRegion, WithFS(fs), WithLogger(quietLogger())); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("second NewRegion: %v", err)
	}
	e = openEngine(t, fs, testConfig(), types.Resume)
	defer e.Close()
	if e.InstanceID() != id {
		t.Fatalf("instance id changed across restart: %s != %s", e.InstanceID(), id)
	}
}

func TestCheckpointSurvivesRestart(t *testing.T) {
	fs := vfs.NewMem()
	e := openEngine(t, fs, testConfig(), types.NewRegion)
	for i := 0; i < 100; i++ {
		if err := e.SetValueParsed(fmt.Sprintf("user/%03d", i), fmt.Sprint(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.FlushWorkingSegment(); err != nil {
		t.Fatal(err)
	}
	if n, err := e.GenCount(); err != nil || n != 1 {
		t.Fatalf("GenCount = %d, %v", n, err)
	}
	// committed after the checkpoint, recovered from the log alone
	if err := e.SetValueParsed("user/100", "100"); err != nil {
		t.Fatal(err)
	}
	if err := e.Delete(keys.Parse("user/000")); err != nil {
		t.Fatal(err)
	}
	before := dump(t, e)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e = openEngine(t, fs, testConfig(), types.Resume)
	equalRows(t, dump(t, e), before)
	if got := mustGet(t, e, "user/050"); got != "50" {
		t.Fatalf("user/050 = %q", got)
	}
	expectMissing(t, e, "user/000")
	st, err := e.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.WAL.Rewrites != 1 {
		t.Fatalf("log rewrites = %d, want 1", st.WAL.Rewrites)
	}

	// The compacted log must replay to the same state.
	if err := e.FlushWorkingSegment(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	e = openEngine(t, fs, testConfig(), types.Resume)
	defer e.Close()
	equalRows(t, dump(t, e), before)
}

func TestWriteBatch(t *testing.T) {
	fs := vfs.NewMem()
	e := openEngine(t, fs, testConfig(), types.NewRegion)
	if err := e.SetValueParsed("acct/b", "old"); err != nil {
		t.Fatal(err)
	}

	b := batch.New()
	b.PutParsed("acct/a", "10")
	b.PutParsed("acct/c", "30")
	b.Delete(keys.Parse("acct/b"))
	b.PutParsed("acct/a", "11")
	if err := e.Write(b); err != nil {
		t.Fatal(err)
	}
	want := []string{"acct/a=11", "acct/c=30"}
	equalRows(t, dump(t, e), want)

	// an empty batch commits without logging anything
	if err := e.Write(batch.New()); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	e = openEngine(t, fs, testConfig(), types.Resume)
	defer e.Close()
	equalRows(t, dump(t, e), want)

	tx := e.NewTxn()
	if err := tx.Abort(); err != nil {
		t.Fatal(err)
	}
	if err := tx.ApplyBatch(b); !errors.Is(err, dberrors.ErrInvariantViolation) {
		t.Fatalf("ApplyBatch after abort err = %v", err)
	}
}

func TestRestartWithDetachedLayer(t *testing.T) {
	fs := vfs.NewMem()
	e := openEngine(t, fs, testConfig(), types.NewRegion)
	if err := e.SetValueParsed("k/1", "v1"); err != nil {
		t.Fatal(err)
	}
	// A checkpoint that never got to CHECKPOINT_DROP.
	if _, err := e.stack.Rotate(func() error {
		_, err := e.log.AddCommand(wal.KindCheckpoint, nil)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.SetValueParsed("k/2", "v2"); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e = openEngine(t, fs, testConfig(), types.Resume)
	defer e.Close()
	if n := len(e.stack.Detached()); n != 1 {
		t.Fatalf("detached layers after replay = %d, want 1", n)
	}
	if err := e.FlushWorkingSegment(); err != nil {
		t.Fatal(err)
	}
	if n := len(e.stack.Detached()); n != 0 {
		t.Fatalf("detached layers after flush = %d", n)
	}
	if n, _ := e.GenCount(); n != 2 {
		t.Fatalf("GenCount = %d, want 2", n)
	}
	equalRows(t, dump(t, e), []string{"k/1=v1", "k/2=v2"})
}

func TestScanHidesTombstonesAndReserved(t *testing.T) {
	e := openEngine(t, vfs.NewMem(), testConfig(), types.NewRegion)
	defer e.Close()
	for _, k := range []string{"a/1", "a/2", "a/3", "b/1"} {
		if err := e.SetValueParsed(k, "x"); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.FlushWorkingSegment(); err != nil {
		t.Fatal(err)
	}
	if err := e.Delete(keys.Parse("a/2")); err != nil {
		t.Fatal(err)
	}
	equalRows(t, dump(t, e), []string{"a/1=x", "a/3=x", "b/1=x"})

	rows, err := e.ScanBackward(keys.WithPrefix(keys.Parse("a")))
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for rows.Next() {
		got = append(got, rows.Key().String())
	}
	if err := rows.Close(); err != nil {
		t.Fatal(err)
	}
	equalRows(t, got, []string{"a/3", "a/1"})

	// The raw primitive still sees the tombstone.
	k, u, err := e.GetNextRecord(keys.Parse("a/2"), true, true)
	if err != nil {
		t.Fatal(err)
	}
	if k.String() != "a/2" || !u.IsTombstone() {
		t.Fatalf("GetNextRecord = %s %s", k, u)
	}
}

func TestFindNextPrev(t *testing.T) {
	e := openEngine(t, vfs.NewMem(), testConfig(), types.NewRegion)
	defer e.Close()
	for _, k := range []string{"k/1", "k/3", "k/5"} {
		if err := e.SetValueParsed(k, k); err != nil {
			t.Fatal(err)
		}
	}
	tests := []struct {
		name      string
		key       string
		forward   bool
		inclusive bool
		want      string
	}{
		{"next inclusive hit", "k/3", true, true, "k/3"},
		{"next exclusive", "k/3", true, false, "k/5"},
		{"next between", "k/2", true, false, "k/3"},
		{"prev inclusive hit", "k/3", false, true, "k/3"},
		{"prev exclusive", "k/3", false, false, "k/1"},
		{"next past end", "k/5", true, false, ""},
		{"prev before start", "k/1", false, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			find := e.FindNext
			if !tt.forward {
				find = e.FindPrev
			}
			k, _, err := find(keys.Parse(tt.key), tt.inclusive)
			if tt.want == "" {
				if !errors.Is(err, dberrors.ErrKeyNotFound) {
					t.Fatalf("err = %v, want ErrKeyNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if k.String() != tt.want {
				t.Fatalf("got %s, want %s", k, tt.want)
			}
		})
	}
	// The reserved namespace is skipped.
	if k, _, err := e.FindNext(keys.Key{}, true); err != nil || k.String() != "k/1" {
		t.Fatalf("FindNext(empty) = %s, %v", k, err)
	}
}

func TestTxnLifecycle(t *testing.T) {
	e := openEngine(t, vfs.NewMem(), testConfig(), types.NewRegion)
	defer e.Close()

	tx := e.NewTxn()
	if err := tx.SetValueParsed("t/1", "a"); err != nil {
		t.Fatal(err)
	}
	if got := e.PendingTxns(); len(got) != 1 || got[0] != tx.ID() {
		t.Fatalf("PendingTxns = %v", got)
	}
	// visible before commit
	if got := mustGet(t, e, "t/1"); got != "a" {
		t.Fatalf("uncommitted read = %q", got)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); !errors.Is(err, dberrors.ErrInvariantViolation) {
		t.Fatalf("second commit: %v", err)
	}
	if err := tx.SetValueParsed("t/2", "b"); !errors.Is(err, dberrors.ErrInvariantViolation) {
		t.Fatalf("write after commit: %v", err)
	}
	if err := tx.Close(); err != nil {
		t.Fatalf("close after commit: %v", err)
	}

	aborted := e.NewTxn()
	if err := aborted.SetValueParsed("t/3", "c"); err != nil {
		t.Fatal(err)
	}
	if err := aborted.Abort(); err != nil {
		t.Fatal(err)
	}
	if aborted.State() != Aborted {
		t.Fatalf("state = %s", aborted.State())
	}
	// abort is not a rollback
	if got := mustGet(t, e, "t/3"); got != "c" {
		t.Fatalf("aborted write = %q", got)
	}

	leaked := e.NewTxn()
	if err := leaked.Close(); !errors.Is(err, dberrors.ErrInvariantViolation) {
		t.Fatalf("closing a pending txn: %v", err)
	}
	if got := e.PendingTxns(); len(got) != 0 {
		t.Fatalf("PendingTxns after close = %v", got)
	}
}

func TestFailedInitLeavesNoPendingTxn(t *testing.T) {
	e := openEngine(t, vfs.NewMem(), testConfig(), types.NewRegion)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.initVars(); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("initVars on a closed engine: %v", err)
	}
	if got := e.PendingTxns(); len(got) != 0 {
		t.Fatalf("PendingTxns = %v", got)
	}
}

func TestReplayCopiesLogBuffer(t *testing.T) {
	e := openEngine(t, vfs.NewMem(), testConfig(), types.NewRegion)
	defer e.Close()

	key := keys.Parse("replay/k").Encode()
	payload := segment.EncodePairs([]iterator.Item{{Key: key, Value: record.WithString("value")}})
	if err := (receiver{e}).HandleCommand(wal.KindUpdate, payload); err != nil {
		t.Fatal(err)
	}
	for i := range payload {
		payload[i] = 0xEE
	}
	if got := mustGet(t, e, "replay/k"); got != "value" {
		t.Fatalf("value after buffer reuse = %q", got)
	}
	k, _, err := e.FindNext(keys.Parse("replay"), false)
	if err != nil || k.String() != "replay/k" {
		t.Fatalf("FindNext = %s, %v", k, err)
	}
}

// writeGenerations applies rounds of random sets and deletes, each round
// checkpointed into its own generation, and returns the expected content.
func writeGenerations(t *testing.T, e *Engine, rounds, perRound int, seed int64) map[string]string {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	want := make(map[string]string)
	for r := 0; r < rounds; r++ {
		for i := 0; i < perRound; i++ {
			k := fmt.Sprintf("row/%04d", rng.Intn(perRound*2))
			if rng.Intn(5) == 0 {
				if err := e.Delete(keys.Parse(k)); err != nil {
					t.Fatal(err)
				}
				delete(want, k)
				continue
			}
			v := fmt.Sprintf("r%d-%d", r, i)
			if err := e.SetValueParsed(k, v); err != nil {
				t.Fatal(err)
			}
			want[k] = v
		}
		if err := e.FlushWorkingSegment(); err != nil {
			t.Fatal(err)
		}
	}
	return want
}

func TestMergeAllPreservesContent(t *testing.T) {
	for _, drop := range []bool{false, true} {
		t.Run(fmt.Sprintf("drop_tombstones=%v", drop), func(t *testing.T) {
			fs := vfs.NewMem()
			cfg := testConfig()
			cfg.Merge.DropTombstones = drop
			e := openEngine(t, fs, cfg, types.NewRegion)
			want := expected(writeGenerations(t, e, 5, 200, 7))
			equalRows(t, dump(t, e), want)

			if err := e.MergeAllSegments(); err != nil {
				t.Fatal(err)
			}
			gens, err := e.Generations()
			if err != nil {
				t.Fatal(err)
			}
			if len(gens) != 1 || gens[0].Generation != types.BaseGeneration {
				t.Fatalf("generations after merge = %+v", gens)
			}
			if drop && gens[0].Tombstones != 0 {
				t.Fatalf("%d tombstones survived a dropping merge", gens[0].Tombstones)
			}
			equalRows(t, dump(t, e), want)

			// Re-merging a single generation changes nothing.
			if err := e.MergeAllSegments(); err != nil {
				t.Fatal(err)
			}
			equalRows(t, dump(t, e), want)

			// Superseded regions are gone.
			addrs, err := e.regions.List()
			if err != nil {
				t.Fatal(err)
			}
			cat, err := e.currentCatalog()
			if err != nil {
				t.Fatal(err)
			}
			if len(addrs) != cat.tree.Len() {
				t.Fatalf("%d region files for %d live segments", len(addrs), cat.tree.Len())
			}

			if err := e.Close(); err != nil {
				t.Fatal(err)
			}
			e = openEngine(t, fs, cfg, types.Resume)
			defer e.Close()
			equalRows(t, dump(t, e), want)
		})
	}
}

func TestPerformMergeNewestRun(t *testing.T) {
	cfg := testConfig()
	e := openEngine(t, vfs.NewMem(), cfg, types.NewRegion,
		WithMergePolicy(merge.NewestRun{MaxGenerations: 2, FanIn: 2}))
	defer e.Close()
	want := expected(writeGenerations(t, e, 4, 50, 11))

	c, ok, err := e.GetBestCandidate()
	if err != nil || !ok {
		t.Fatalf("GetBestCandidate = %v, %v, %v", c, ok, err)
	}
	if len(c.Generations) != 2 || c.Newest() != 4 {
		t.Fatalf("candidate = %v", c.Generations)
	}
	if err := e.PerformMerge(c); err != nil {
		t.Fatal(err)
	}
	gens, err := e.Generations()
	if err != nil {
		t.Fatal(err)
	}
	var nums []types.Generation
	for _, g := range gens {
		nums = append(nums, g.Generation)
	}
	if fmt.Sprint(nums) != "[1 2 4]" {
		t.Fatalf("generations = %v", nums)
	}
	equalRows(t, dump(t, e), want)

	if err := e.PerformMerge(merge.Candidate{Generations: []types.Generation{1, 4}}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("non-contiguous candidate: %v", err)
	}
}

func TestCheckpointOverflowsIntoManySegments(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.SegmentSize = 4096
	cfg.Storage.BlockSize = 512
	cfg.Storage.Compression = "none"
	e := openEngine(t, vfs.NewMem(), cfg, types.NewRegion)
	defer e.Close()

	want := make(map[string]string)
	for i := 0; i < 600; i++ {
		k, v := fmt.Sprintf("bulk/%05d", i), strings.Repeat("v", 20)
		if err := e.SetValueParsed(k, v); err != nil {
			t.Fatal(err)
		}
		want[k] = v
	}
	if err := e.FlushWorkingSegment(); err != nil {
		t.Fatal(err)
	}
	cat, err := e.currentCatalog()
	if err != nil {
		t.Fatal(err)
	}
	segs := cat.segmentsOf(1)
	if len(segs) < 2 {
		t.Fatalf("checkpoint produced %d segments", len(segs))
	}
	sort.Slice(segs, func(i, j int) bool { return bytes.Compare(segs[i].low, segs[j].low) < 0 })
	for i := 1; i < len(segs); i++ {
		if bytes.Compare(segs[i-1].high, segs[i].low) >= 0 {
			t.Fatalf("segments %d and %d overlap", i-1, i)
		}
	}
	equalRows(t, dump(t, e), expected(want))
}

func TestMissingRegionIsCorruption(t *testing.T) {
	fs := vfs.NewMem()
	e := openEngine(t, fs, testConfig(), types.NewRegion)
	if err := e.SetValueParsed("x", "1"); err != nil {
		t.Fatal(err)
	}
	if err := e.FlushWorkingSegment(); err != nil {
		t.Fatal(err)
	}
	addrs, err := e.regions.List()
	if err != nil || len(addrs) != 1 {
		t.Fatalf("regions = %v, %v", addrs, err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := fs.Remove(fs.PathJoin("db", "regions", fmt.Sprintf("%016x.seg", uint64(addrs[0])))); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(testConfig(), types.Resume, WithFS(fs), WithLogger(quietLogger())); !errors.Is(err, dberrors.ErrCorruptData) {
		t.Fatalf("resume with a missing region: %v", err)
	}
}

func TestConcurrentWritesDuringMaintenance(t *testing.T) {
	e := openEngine(t, vfs.NewMem(), testConfig(), types.NewRegion)
	defer e.Close()

	const writers, perWriter = 4, 150
	errs := make(chan error, writers+2)
	var writersWG, loopsWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func(w int) {
			defer writersWG.Done()
			for i := 0; i < perWriter; i++ {
				if err := e.SetValueParsed(fmt.Sprintf("w%d/%04d", w, i), "v"); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}

	done := make(chan struct{})
	loop := func(fn func() error) {
		loopsWG.Add(1)
		go func() {
			defer loopsWG.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if err := fn(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	loop(func() error {
		if err := e.FlushWorkingSegment(); err != nil {
			return err
		}
		return e.MergeAllSegments()
	})
	loop(func() error {
		rows, err := e.ScanForward(keys.All())
		if err != nil {
			return err
		}
		defer rows.Close()
		prev := ""
		for rows.Next() {
			k := rows.Key().String()
			if k <= prev {
				return fmt.Errorf("scan out of order: %s after %s", k, prev)
			}
			prev = k
		}
		return rows.Err()
	})

	writersWG.Wait()
	close(done)
	loopsWG.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if n := countRows(e); n != writers*perWriter {
		t.Fatalf("rows = %d, want %d", n, writers*perWriter)
	}
}

func countRows(e *Engine) int {
	rows, err := e.ScanForward(keys.All())
	if err != nil {
		return -1
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	return n
}

func TestDebugDump(t *testing.T) {
	e := openEngine(t, vfs.NewMem(), testConfig(), types.NewRegion)
	defer e.Close()
	if err := e.SetValueParsed("d/1", "one"); err != nil {
		t.Fatal(err)
	}
	if err := e.FlushWorkingSegment(); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := e.DebugDump(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"--- layer", "--- gen 1", "d/1", "NUMGENERATIONS"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump lacks %q:\n%s", want, out)
		}
	}
}

func TestClosedEngine(t *testing.T) {
	e := openEngine(t, vfs.NewMem(), testConfig(), types.NewRegion)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.SetValueParsed("a", "b"); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
	if _, err := e.GetRecord(keys.Parse("a")); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
