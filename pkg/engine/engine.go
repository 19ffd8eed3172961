// Package engine is the layer manager: it owns the write-ahead log, the
// stack of in-memory layers, the self-hosted rangemap of on-disk segments,
// and the checkpoint and merge protocols that move data between them.
package engine

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"

	"layerdb/pkg/config"
	"layerdb/pkg/dberrors"
	"layerdb/pkg/freespace"
	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
	"layerdb/pkg/memtable"
	"layerdb/pkg/merge"
	"layerdb/pkg/metrics"
	"layerdb/pkg/record"
	"layerdb/pkg/region"
	"layerdb/pkg/segment"
	"layerdb/pkg/types"
	"layerdb/pkg/wal"
)

type Option func(*options)

type options struct {
	fs      vfs.FS
	logger  *slog.Logger
	policy  merge.Policy
	metrics metrics.Collector
}

// WithFS replaces the filesystem (vfs.Default); tests pass vfs.NewMem().
func WithFS(fs vfs.FS) Option { return func(o *options) { o.fs = fs } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMergePolicy overrides the policy built from the merge config.
func WithMergePolicy(p merge.Policy) Option { return func(o *options) { o.policy = p } }

func WithMetrics(c metrics.Collector) Option { return func(o *options) { o.metrics = c } }

type Engine struct {
	cfg     config.Config
	fs      vfs.FS
	dir     string
	logger  *slog.Logger
	metrics metrics.Collector
	policy  merge.Policy

	log   *wal.Log
	stack *memtable.Stack

	txns   *skipmap.FuncMap[types.TxnID, *Txn]
	txnSeq atomic.Uint64

	regions *region.Manager
	free    *freespace.Manager
	blocks  *segment.BlockCache
	readers *segment.ReaderCache
	segOpts segment.Options

	// maint serializes checkpoints, merges and log compaction.
	maint   sync.Mutex
	nextGen atomic.Uint64

	// releaseMu keeps regions alive while a reader turns a catalog into
	// open handles.
	releaseMu sync.RWMutex

	rootVersion atomic.Uint64
	catMu       sync.Mutex
	cat         *catalog

	instance uuid.UUID
	closed   atomic.Bool
}

// Open opens the store in cfg.Storage.Dir. NewRegion initializes an empty
// store and fails if one exists; Resume replays the log of an existing one.
func Open(cfg config.Config, mode types.InitMode, opts ...Option) (*Engine, error) {
	o := options{fs: vfs.Default, logger: slog.Default(), metrics: metrics.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.policy == nil {
		p, err := cfg.Merge.NewPolicy()
		if err != nil {
			return nil, err
		}
		o.policy = p
	}

	e := &Engine{
		cfg:     cfg,
		fs:      o.fs,
		dir:     cfg.Storage.Dir,
		logger:  o.logger.With("component", "engine"),
		metrics: o.metrics,
		policy:  o.policy,
		stack:   memtable.NewStack(),
		txns: skipmap.NewFunc[types.TxnID, *Txn](func(a, b types.TxnID) bool {
			return a < b
		}),
		blocks: segment.NewBlockCache(cfg.Storage.BlockCacheCapacity),
	}
	e.segOpts = segment.Options{
		BlockSize: cfg.Storage.BlockSize,
		Codec:     cfg.Storage.Codec(),
		BloomRate: cfg.Storage.BloomFPRate,
		Cache:     e.blocks,
	}
	e.readers = segment.NewReaderCache(e.openSegment)

	if err := e.fs.MkdirAll(e.dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "engine: create %s", e.dir)
	}
	var err error
	if e.regions, err = region.NewManager(e.fs, e.dir, o.logger); err != nil {
		return nil, err
	}
	if e.log, err = wal.Open(e.fs, e.dir, mode, receiver{e}, o.logger); err != nil {
		return nil, err
	}

	if err := e.bootstrap(mode); err != nil {
		_ = e.log.Close()
		return nil, err
	}
	if mode == types.Resume {
		if err := e.CompactLog(); err != nil {
			_ = e.log.Close()
			return nil, err
		}
	}
	e.logger.Info("engine opened",
		"mode", mode, "dir", e.dir, "instance", e.instance,
		"next_gen", e.nextGen.Load(), "layers", len(e.stack.Layers()))
	return e, nil
}

// bootstrap initializes or loads the reserved variables and the allocator.
func (e *Engine) bootstrap(mode types.InitMode) error {
	if mode == types.NewRegion {
		if err := e.initVars(); err != nil {
			return err
		}
	}

	id, err := e.readVar(instanceKey)
	if err != nil {
		return err
	}
	if e.instance, err = uuid.FromBytes(id); err != nil {
		return dberrors.MarkCorrupt(err, "engine: instance id")
	}
	next, err := e.readVar(numGenerationsKey)
	if err != nil {
		return err
	}
	if len(next) != 8 {
		return dberrors.Corruptf("engine: NUMGENERATIONS has %d bytes", len(next))
	}
	e.nextGen.Store(binary.BigEndian.Uint64(next))

	var head types.RegionAddr
	raw, err := e.readVar(freespace.HeadKey)
	switch {
	case err == nil:
		if head, err = freespace.DecodeHead(raw); err != nil {
			return err
		}
	case !dberrors.IsNotFound(err):
		return err
	}
	e.free, err = freespace.Open(e.regions, head, e.cfg.Storage.MaxBytes, e.logger)
	if err != nil {
		return err
	}

	// Resolving the catalog opens every live segment, so a mapping that
	// names a missing region fails here.
	cat, err := e.currentCatalog()
	if err != nil {
		return err
	}
	return e.sweepRegions(cat)
}

// initVars writes the variables of a fresh store in one transaction.
func (e *Engine) initVars() error {
	tx := e.NewTxn()
	defer func() {
		if tx.State() == Pending {
			_ = tx.Abort()
		}
	}()
	e.instance = uuid.New()
	if err := tx.SetValue(instanceKey, record.WithPayload(e.instance[:])); err != nil {
		return err
	}
	if err := tx.SetValue(numGenerationsKey, record.WithPayload(binary.BigEndian.AppendUint64(nil, uint64(firstGeneration)))); err != nil {
		return err
	}
	return tx.Commit()
}

// sweepRegions frees regions that no live mapping names. They are left
// behind by a crash between a merge commit and the release of its inputs.
func (e *Engine) sweepRegions(cat *catalog) error {
	live := make(map[types.RegionAddr]struct{}, cat.tree.Len())
	for _, ref := range cat.all() {
		live[ref.region] = struct{}{}
	}
	addrs, err := e.regions.List()
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if _, ok := live[addr]; ok {
			continue
		}
		e.logger.Warn("removing unmapped region", "region", addr)
		e.readers.Invalidate(addr)
		if err := e.free.Release(addr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) readVar(k keys.Key) ([]byte, error) {
	u, err := e.lookup(k.Encode())
	if err != nil {
		return nil, err
	}
	if u.Kind != record.Full {
		return nil, dberrors.NotFoundf("engine: %s", k)
	}
	return u.Payload, nil
}

func (e *Engine) openSegment(addr types.RegionAddr) (*segment.Reader, error) {
	r, err := e.regions.Open(addr)
	if err != nil {
		return nil, err
	}
	sr, err := segment.Open(r, e.segOpts)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return sr, nil
}

// InstanceID identifies the store; it is fixed when the store is created.
func (e *Engine) InstanceID() uuid.UUID { return e.instance }

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	return nil
}

// Close flushes the log and releases every open segment. In-memory layers
// are not written out; Resume rebuilds them from the log.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.maint.Lock()
	defer e.maint.Unlock()

	var pending []types.TxnID
	e.txns.Range(func(id types.TxnID, _ *Txn) bool {
		pending = append(pending, id)
		return true
	})
	if len(pending) > 0 {
		e.logger.Warn("closing with pending transactions", "txns", pending)
	}
	err := e.log.Close()
	e.readers.Purge()
	e.logger.Info("engine closed", "dir", e.dir)
	return err
}

// CompactLog rewrites the log so that it holds only what the layer stack
// still needs: every detached layer followed by its CHECKPOINT, then the
// working layer. Records of checkpoints that completed are gone afterwards.
func (e *Engine) CompactLog() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.maint.Lock()
	defer e.maint.Unlock()
	return e.stack.Exclusive(func(working *memtable.Layer, detached []*memtable.Layer) error {
		if err := e.log.Sync(); err != nil {
			return err
		}
		return e.log.Rewrite(func(add func(wal.Kind, []byte)) error {
			for i := len(detached) - 1; i >= 0; i-- {
				if err := emitLayer(detached[i], add); err != nil {
					return err
				}
				add(wal.KindCheckpoint, nil)
			}
			return emitLayer(working, add)
		})
	})
}

// compactBatchSize bounds one UPDATE record written by CompactLog.
const compactBatchSize = 1 << 20

func emitLayer(l *memtable.Layer, add func(wal.Kind, []byte)) error {
	it := l.SortedWalk()
	defer it.Close()
	var batch []iterator.Item
	size := 0
	for ; it.Valid(); it.Next() {
		batch = append(batch, iterator.Item{Key: it.Key(), Value: it.Value()})
		size += len(it.Key()) + it.Value().EncodedLen()
		if size >= compactBatchSize {
			add(wal.KindUpdate, segment.EncodePairs(batch))
			batch, size = batch[:0], 0
		}
	}
	if len(batch) > 0 {
		add(wal.KindUpdate, segment.EncodePairs(batch))
	}
	return it.Err()
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Instance         string                 `json:"instance"`
	Layers           int                    `json:"layers"`
	WorkingRows      int                    `json:"working_rows"`
	MemBytes         int64                  `json:"mem_bytes"`
	Generations      []merge.GenerationInfo `json:"generations"`
	Segments         int                    `json:"segments"`
	NextGeneration   types.Generation       `json:"next_generation"`
	PendingTxns      int                    `json:"pending_txns"`
	WAL              wal.Stats              `json:"wal"`
	Freespace        freespace.Stats        `json:"freespace"`
	OpenReaders      int                    `json:"open_readers"`
	BlockCacheHits   uint64                 `json:"block_cache_hits"`
	BlockCacheMisses uint64                 `json:"block_cache_misses"`
	Policy           string                 `json:"merge_policy"`
}

func (e *Engine) Stats() (Stats, error) {
	if err := e.checkOpen(); err != nil {
		return Stats{}, err
	}
	cat, err := e.currentCatalog()
	if err != nil {
		return Stats{}, err
	}
	hits, misses := e.blocks.Stats()
	st := Stats{
		Instance:         e.instance.String(),
		Layers:           len(e.stack.Layers()),
		WorkingRows:      e.stack.Working().RowCount(),
		MemBytes:         e.stack.ApproximateSize(),
		Generations:      cat.generations(),
		Segments:         cat.tree.Len(),
		NextGeneration:   types.Generation(e.nextGen.Load()),
		PendingTxns:      len(e.PendingTxns()),
		WAL:              e.log.Stats(),
		Freespace:        e.free.Stats(),
		OpenReaders:      e.readers.Len(),
		BlockCacheHits:   hits,
		BlockCacheMisses: misses,
		Policy:           e.policy.Name(),
	}
	e.metrics.SetGauge("layerdb_mem_bytes", nil, float64(st.MemBytes))
	e.metrics.SetGauge("layerdb_generations", nil, float64(len(st.Generations)))
	return st, nil
}

// WorkingSize is the approximate byte size of the working layer.
func (e *Engine) WorkingSize() int64 { return e.stack.Working().ApproximateSize() }
