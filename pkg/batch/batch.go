// Package batch collects writes that must land together. The engine logs a
// batch as a single record, so recovery applies all of it or none of it.
package batch

import (
	"bytes"

	"layerdb/pkg/iterator"
	"layerdb/pkg/keys"
	"layerdb/pkg/record"
)

// WriteBatch groups multiple mutations atomically.
type WriteBatch interface {
	Put(key keys.Key, u record.Update)
	Delete(key keys.Key)
	Clear()
	Count() int
}

type Batch struct {
	items []iterator.Item
	index map[string]int
}

var _ WriteBatch = (*Batch)(nil)

func New() *Batch {
	return &Batch{index: make(map[string]int)}
}

// Put stages u under key. A later write to the same key replaces it.
func (b *Batch) Put(key keys.Key, u record.Update) {
	enc := key.Encode()
	u.Payload = bytes.Clone(u.Payload)
	if i, ok := b.index[string(enc)]; ok {
		b.items[i].Value = u
		return
	}
	b.index[string(enc)] = len(b.items)
	b.items = append(b.items, iterator.Item{Key: enc, Value: u})
}

func (b *Batch) PutParsed(k, value string) {
	b.Put(keys.Parse(k), record.WithString(value))
}

func (b *Batch) Delete(key keys.Key) {
	b.Put(key, record.DeletionTombstone())
}

func (b *Batch) Clear() {
	b.items = b.items[:0]
	clear(b.index)
}

func (b *Batch) Count() int { return len(b.items) }

// Items returns the staged writes in the order their keys were first
// written. The slice belongs to the batch.
func (b *Batch) Items() []iterator.Item { return b.items }
