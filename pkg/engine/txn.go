package engine

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/errors"

	"layerdb/pkg/batch"
	"layerdb/pkg/dberrors"
	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
	"layerdb/pkg/memtable"
	"layerdb/pkg/record"
	"layerdb/pkg/segment"
	"layerdb/pkg/types"
	"layerdb/pkg/wal"
)

type TxnState int32

const (
	Pending TxnState = iota
	Committed
	Aborted
)

func (s TxnState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Txn groups writes behind one durability barrier. Writes are applied to
// the working layer as they are made, so other readers see them before
// Commit; Commit only makes them durable. Abort does not roll back.
type Txn struct {
	e  *Engine
	id types.TxnID

	mu    sync.Mutex
	state TxnState
	last  types.WaitToken
	wrote bool
}

// NewTxn starts a transaction and registers it until it finishes.
func (e *Engine) NewTxn() *Txn {
	t := &Txn{e: e, id: types.TxnID(e.txnSeq.Add(1))}
	e.txns.Store(t.id, t)
	return t
}

// PendingTxns lists the transactions that have neither committed nor
// aborted, in start order.
func (e *Engine) PendingTxns() []types.TxnID {
	var out []types.TxnID
	e.txns.Range(func(id types.TxnID, _ *Txn) bool {
		out = append(out, id)
		return true
	})
	return out
}

func (t *Txn) ID() types.TxnID { return t.id }

func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Txn) checkPending(op string) error {
	if t.state != Pending {
		return dberrors.Invariantf("txn %d: %s in state %s", t.id, op, t.state)
	}
	return nil
}

func (t *Txn) SetValue(key keys.Key, u record.Update) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkPending("set"); err != nil {
		return err
	}
	u.Payload = bytes.Clone(u.Payload)
	tok, err := t.e.apply([]iterator.Item{{Key: key.Encode(), Value: u}})
	if err != nil {
		return errors.Wrapf(err, "txn %d: set %s", t.id, key)
	}
	t.note(tok)
	return nil
}

// ApplyBatch logs every write of b as one record and applies them
// together.
func (t *Txn) ApplyBatch(b *batch.Batch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkPending("apply batch"); err != nil {
		return err
	}
	if b.Count() == 0 {
		return nil
	}
	tok, err := t.e.apply(b.Items())
	if err != nil {
		return errors.Wrapf(err, "txn %d: apply batch of %d", t.id, b.Count())
	}
	t.note(tok)
	return nil
}

// SetValueParsed writes value under the slash separated key k.
func (t *Txn) SetValueParsed(k, value string) error {
	return t.SetValue(keys.Parse(k), record.WithString(value))
}

func (t *Txn) Delete(key keys.Key) error {
	return t.SetValue(key, record.DeletionTombstone())
}

// AddCommand logs a raw command under the transaction. Only the log sees
// it; the caller applies its effect.
func (t *Txn) AddCommand(kind wal.Kind, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkPending("add command"); err != nil {
		return err
	}
	tok, err := t.e.log.AddCommand(kind, payload)
	if err != nil {
		return errors.Wrapf(err, "txn %d: add %s", t.id, kind)
	}
	t.note(tok)
	return nil
}

func (t *Txn) note(tok types.WaitToken) {
	if tok > t.last {
		t.last = tok
	}
	t.wrote = true
}

// Commit waits until every command of the transaction is durable. If the
// log cannot get there the transaction ends up aborted.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkPending("commit"); err != nil {
		return err
	}
	if t.wrote {
		if err := t.e.log.FlushThrough(t.last); err != nil {
			t.finish(Aborted)
			return errors.Wrapf(err, "txn %d: commit", t.id)
		}
	}
	t.finish(Committed)
	t.e.metrics.IncCounter("layerdb_txn_commits_total", nil, 1)
	return nil
}

// Abort ends the transaction without a durability guarantee. Writes it
// already applied stay visible.
func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkPending("abort"); err != nil {
		return err
	}
	t.finish(Aborted)
	t.e.metrics.IncCounter("layerdb_txn_aborts_total", nil, 1)
	return nil
}

// Close disposes the transaction. Closing one that is still pending is a
// programming error: it is aborted and reported.
func (t *Txn) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Pending {
		return nil
	}
	t.finish(Aborted)
	t.e.logger.Error("transaction disposed while pending", "txn", t.id)
	return dberrors.Invariantf("txn %d: disposed while pending", t.id)
}

func (t *Txn) finish(s TxnState) {
	t.state = s
	t.e.txns.Delete(t.id)
}

// apply logs items as one UPDATE command and stores them in the working
// layer. Both happen under the stack read lock, so a checkpoint cannot
// separate a record from the layer it belongs to.
func (e *Engine) apply(items []iterator.Item) (types.WaitToken, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	payload := segment.EncodePairs(items)
	var (
		tok      types.WaitToken
		reserved bool
	)
	err := e.stack.WithWorking(func(l *memtable.Layer) error {
		var err error
		if tok, err = e.log.AddCommand(wal.KindUpdate, payload); err != nil {
			return err
		}
		for _, it := range items {
			if err := l.Set(it.Key, it.Value); err != nil {
				return err
			}
			reserved = reserved || isReserved(it.Key)
		}
		return nil
	})
	if reserved {
		e.invalidateCatalog()
	}
	if err != nil {
		return 0, err
	}
	e.metrics.IncCounter("layerdb_writes_total", nil, float64(len(items)))
	return tok, nil
}

// SetValue writes u under key in its own transaction.
func (e *Engine) SetValue(key keys.Key, u record.Update) error {
	tx := e.NewTxn()
	if err := tx.SetValue(key, u); err != nil {
		_ = tx.Abort()
		return err
	}
	return tx.Commit()
}

func (e *Engine) SetValueParsed(k, value string) error {
	return e.SetValue(keys.Parse(k), record.WithString(value))
}

// Write applies b in its own transaction.
func (e *Engine) Write(b *batch.Batch) error {
	tx := e.NewTxn()
	if err := tx.ApplyBatch(b); err != nil {
		_ = tx.Abort()
		return err
	}
	return tx.Commit()
}

// Delete writes a tombstone for key.
func (e *Engine) Delete(key keys.Key) error {
	return e.SetValue(key, record.DeletionTombstone())
}
