package engine

import (
	"time"

	"github.com/cockroachdb/errors"

	"layerdb/pkg/iterator"
	"layerdb/pkg/memtable"
	"layerdb/pkg/segment"
	"layerdb/pkg/types"
	"layerdb/pkg/wal"
)

// writtenSegment is one sealed region produced by writeSegments.
type writtenSegment struct {
	addr types.RegionAddr
	info segment.WriteInfo
}

// writeSegments drains src into as many fresh regions as it takes. Regions
// are sealed before they are returned; on failure the ones already sealed
// are released again, since nothing maps them yet.
func (e *Engine) writeSegments(tx *Txn, src iterator.Iterator) ([]writtenSegment, error) {
	defer src.Close()
	w := segment.NewWriter(src, e.segOpts)
	var out []writtenSegment
	fail := func(err error) ([]writtenSegment, error) {
		for _, s := range out {
			if rerr := e.free.Release(s.addr); rerr != nil {
				e.logger.Warn("releasing unmapped region failed", "region", s.addr, "err", rerr)
			}
		}
		return nil, err
	}
	for w.HasMoreData() {
		rw, err := e.free.AllocateNewSegment(tx, e.cfg.Storage.SegmentSize)
		if err != nil {
			return fail(err)
		}
		info, err := w.WriteTo(rw, rw.Capacity())
		if err == nil {
			err = rw.Seal()
		}
		if err != nil {
			if derr := rw.Discard(); derr != nil {
				err = errors.CombineErrors(err, derr)
			}
			_ = e.free.Release(rw.StartAddress())
			return fail(err)
		}
		e.free.Sealed(rw.StartAddress(), info.Size)
		out = append(out, writtenSegment{addr: rw.StartAddress(), info: info})
	}
	if err := w.Err(); err != nil {
		return fail(err)
	}
	return out, nil
}

// FlushWorkingSegment checkpoints the working layer: it is swapped for an
// empty one, written out as a new generation and dropped once that
// generation is durably mapped. An empty working layer is left alone.
// Layers detached by an earlier failed checkpoint go first.
func (e *Engine) FlushWorkingSegment() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.maint.Lock()
	defer e.maint.Unlock()

	for {
		detached := e.stack.Detached()
		if len(detached) == 0 {
			break
		}
		if err := e.checkpoint(detached[len(detached)-1]); err != nil {
			return err
		}
	}
	if e.stack.Working().IsEmpty() {
		return nil
	}
	layer, err := e.stack.Rotate(func() error {
		_, err := e.log.AddCommand(wal.KindCheckpoint, nil)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "checkpoint: rotate")
	}
	return e.checkpoint(layer)
}

// checkpoint writes a detached layer as a new generation. It must be the
// oldest detached layer: replay drops layers oldest first.
func (e *Engine) checkpoint(layer *memtable.Layer) error {
	start := time.Now()
	rows := layer.RowCount()
	tx := e.NewTxn()
	err := func() error {
		gen, err := e.allocNewGeneration(tx)
		if err != nil {
			return err
		}
		segs, err := e.writeSegments(tx, layer.SortedWalk())
		if err != nil {
			return errors.Wrapf(err, "checkpoint: write generation %d", gen)
		}
		written := 0
		for _, s := range segs {
			if _, err := e.mapGenerationToRegion(tx, gen, s.addr, s.info); err != nil {
				return err
			}
			written += s.info.Entries
		}
		if written != rows || layer.RowCount() != rows {
			e.logger.Warn("checkpoint row count mismatch",
				"gen", gen, "layer", layer.ID(), "rows", rows, "written", written, "now", layer.RowCount())
		}
		if err := tx.AddCommand(wal.KindCheckpointDrop, nil); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		e.logger.Info("checkpoint written",
			"gen", gen, "layer", layer.ID(), "rows", written, "segments", len(segs), "took", time.Since(start))
		return nil
	}()
	if err != nil {
		if tx.State() == Pending {
			_ = tx.Abort()
		}
		e.metrics.IncCounter("layerdb_flush_failures_total", nil, 1)
		return err
	}
	e.stack.Drop(layer)
	e.metrics.IncCounter("layerdb_flushes_total", nil, 1)
	e.metrics.ObserveHistogram("layerdb_flush_seconds", nil, time.Since(start).Seconds())
	return nil
}
