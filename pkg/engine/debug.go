package engine

import (
	"fmt"
	"io"

	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
)

// DebugDump writes every layer and every live segment with its rows,
// newest first.
func (e *Engine) DebugDump(w io.Writer) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	d := &dumper{w: w}
	for _, l := range e.stack.Layers() {
		d.printf("--- layer %d (%d rows, ~%d bytes)\n", l.ID(), l.RowCount(), l.ApproximateSize())
		d.rows(l.SortedWalk())
	}

	e.releaseMu.RLock()
	defer e.releaseMu.RUnlock()
	cat, err := e.currentCatalog()
	if err != nil {
		return err
	}
	for _, ref := range cat.all() {
		d.printf("--- gen %d region %d [%s .. %s] (%d rows, %d tombstones, %d bytes)\n",
			ref.gen, ref.region, keyString(ref.low), keyString(ref.high), ref.entries, ref.tombstones, ref.size)
		h, err := e.readers.Acquire(ref.region)
		if err != nil {
			return err
		}
		d.rows(h.Scan(keys.Bounds{}, iterator.Forward))
	}
	return d.err
}

type dumper struct {
	w   io.Writer
	err error
}

func (d *dumper) printf(format string, args ...any) {
	if d.err == nil {
		_, d.err = fmt.Fprintf(d.w, format, args...)
	}
}

func (d *dumper) rows(it iterator.Iterator) {
	defer it.Close()
	for ; it.Valid() && d.err == nil; it.Next() {
		d.printf("  %s : %s\n", keyString(it.Key()), it.Value())
	}
	if err := it.Err(); err != nil && d.err == nil {
		d.err = err
	}
}

func keyString(enc []byte) string {
	k, err := keys.Decode(enc)
	if err != nil {
		return fmt.Sprintf("%x", enc)
	}
	return k.String()
}
