package engine

import (
	"time"

	"github.com/cockroachdb/errors"

	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
	"layerdb/pkg/merge"
	"layerdb/pkg/record"
	"layerdb/pkg/types"
)

// GetBestCandidate asks the merge policy for the next run of generations.
func (e *Engine) GetBestCandidate() (merge.Candidate, bool, error) {
	gens, err := e.Generations()
	if err != nil {
		return merge.Candidate{}, false, err
	}
	c, ok := e.policy.SelectCandidate(gens)
	return c, ok, nil
}

// MergeAllSegments merges every live generation into generation 0.
func (e *Engine) MergeAllSegments() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.maint.Lock()
	defer e.maint.Unlock()
	cat, err := e.currentCatalog()
	if err != nil {
		return err
	}
	gens := cat.generations()
	if len(gens) == 0 {
		return nil
	}
	var c merge.Candidate
	for _, g := range gens {
		c.Generations = append(c.Generations, g.Generation)
	}
	return e.mergeLocked(cat, c)
}

// PerformMerge rewrites the candidate generations as one. The output takes
// generation 0 when the run reaches the oldest live generation and the
// run's newest generation otherwise, so it keeps its place in the shadowing
// order either way.
func (e *Engine) PerformMerge(c merge.Candidate) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.maint.Lock()
	defer e.maint.Unlock()
	cat, err := e.currentCatalog()
	if err != nil {
		return err
	}
	return e.mergeLocked(cat, c)
}

func (e *Engine) mergeLocked(cat *catalog, c merge.Candidate) error {
	gens := cat.generations()
	if err := merge.Validate(c, gens); err != nil {
		return err
	}
	start := time.Now()
	reachesOldest := c.Contains(gens[0].Generation)
	out := c.Newest()
	if reachesOldest {
		out = types.BaseGeneration
	}
	dropTombstones := e.cfg.Merge.DropTombstones && reachesOldest

	var inputs []*segmentRef
	for i := len(c.Generations) - 1; i >= 0; i-- {
		inputs = append(inputs, cat.segmentsOf(c.Generations[i])...)
	}
	sources := make([]iterator.Iterator, 0, len(inputs))
	for _, ref := range inputs {
		h, err := e.readers.Acquire(ref.region)
		if err != nil {
			for _, s := range sources {
				_ = s.Close()
			}
			return errors.Wrapf(err, "merge: open region %d of generation %d", ref.region, ref.gen)
		}
		sources = append(sources, h.Scan(keys.Bounds{}, iterator.Forward))
	}
	var src iterator.Iterator = iterator.Merge(iterator.Forward, sources...)
	if dropTombstones {
		src = iterator.Filter(src, func(_ []byte, u record.Update) bool { return !u.IsTombstone() })
	}

	tx := e.NewTxn()
	segs, err := e.writeSegments(tx, src)
	if err != nil {
		_ = tx.Abort()
		return errors.Wrapf(err, "merge: write generation %d", out)
	}

	// Readers resolve the catalog under the read side of releaseMu, so they
	// see either every old mapping or every new one.
	err = func() error {
		e.releaseMu.Lock()
		defer e.releaseMu.Unlock()
		rewritten := make(map[string]struct{}, len(segs))
		for _, s := range segs {
			k, err := e.mapGenerationToRegion(tx, out, s.addr, s.info)
			if err != nil {
				return err
			}
			rewritten[string(k)] = struct{}{}
		}
		for _, ref := range inputs {
			if _, ok := rewritten[string(ref.key)]; ok {
				continue
			}
			if err := e.unmapSegment(tx, ref.key); err != nil {
				return err
			}
		}
		return nil
	}()
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		if tx.State() == Pending {
			_ = tx.Abort()
		}
		e.metrics.IncCounter("layerdb_merge_failures_total", nil, 1)
		return errors.Wrapf(err, "merge: install generation %d", out)
	}

	e.releaseInputs(inputs)
	written := 0
	for _, s := range segs {
		written += s.info.Entries
	}
	e.logger.Info("merge finished",
		"gens", c.Generations, "gen", out, "inputs", len(inputs), "segments", len(segs),
		"rows", written, "drop_tombstones", dropTombstones, "took", time.Since(start))
	e.metrics.IncCounter("layerdb_merges_total", nil, 1)
	e.metrics.ObserveHistogram("layerdb_merge_seconds", nil, time.Since(start).Seconds())
	return nil
}

// releaseInputs frees the regions of superseded segments. Scans that
// already hold one keep reading it until they close.
func (e *Engine) releaseInputs(inputs []*segmentRef) {
	e.invalidateCatalog()
	e.releaseMu.Lock()
	defer e.releaseMu.Unlock()
	for _, ref := range inputs {
		e.readers.Invalidate(ref.region)
		e.blocks.Invalidate(ref.region)
		if err := e.free.Release(ref.region); err != nil {
			e.logger.Warn("releasing merged region failed", "region", ref.region, "err", err)
		}
	}
}
