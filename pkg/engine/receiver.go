package engine

import (
	"bytes"

	"layerdb/pkg/dberrors"
	"layerdb/pkg/memtable"
	"layerdb/pkg/record"
	"layerdb/pkg/segment"
	"layerdb/pkg/wal"
)

// receiver rebuilds the layer stack while the log is replayed.
type receiver struct{ e *Engine }

func (r receiver) HandleCommand(kind wal.Kind, payload []byte) error {
	e := r.e
	switch kind {
	case wal.KindUpdate:
		items, err := segment.DecodePairs(payload)
		if err != nil {
			return dberrors.MarkCorrupt(err, "replay: update record")
		}
		reserved := false
		err = e.stack.WithWorking(func(l *memtable.Layer) error {
			for _, it := range items {
				// The log reuses its read buffer, so keep nothing that points into it.
				u := record.Update{Kind: it.Value.Kind, Payload: bytes.Clone(it.Value.Payload)}
				if err := l.Set(bytes.Clone(it.Key), u); err != nil {
					return err
				}
				reserved = reserved || isReserved(it.Key)
			}
			return nil
		})
		if reserved {
			e.invalidateCatalog()
		}
		return err
	case wal.KindCheckpoint:
		_, err := e.stack.Rotate(nil)
		return err
	case wal.KindCheckpointDrop:
		l, ok := e.stack.DropOldest()
		if !ok {
			return dberrors.Corruptf("replay: checkpoint drop without a detached layer")
		}
		e.logger.Debug("replay dropped layer", "layer", l.ID(), "rows", l.RowCount())
		return nil
	default:
		return dberrors.Corruptf("replay: unknown command %s", kind)
	}
}
