package freespace

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"

	"layerdb/pkg/dberrors"
	"layerdb/pkg/keys"
	"layerdb/pkg/record"
	"layerdb/pkg/region"
)

type recordingTx struct {
	writes map[string]record.Update
}

func (tx *recordingTx) SetValue(k keys.Key, u record.Update) error {
	if tx.writes == nil {
		tx.writes = make(map[string]record.Update)
	}
	tx.writes[k.String()] = u
	return nil
}

func TestAllocateBumpsHead(t *testing.T) {
	regions, err := region.NewManager(vfs.NewMem(), "db", nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := Open(regions, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	tx := &recordingTx{}
	w1, err := m.AllocateNewSegment(tx, 100)
	if err != nil {
		t.Fatal(err)
	}
	w2, err := m.AllocateNewSegment(tx, 50)
	if err != nil {
		t.Fatal(err)
	}
	if w1.StartAddress() != 0 || w2.StartAddress() != 100 {
		t.Fatalf("addresses %d, %d", w1.StartAddress(), w2.StartAddress())
	}
	head, err := DecodeHead(tx.writes[HeadKey.String()].Payload)
	if err != nil || head != 150 {
		t.Fatalf("persisted head = %d, %v", head, err)
	}
	if s := m.Stats(); s.Head != 150 || s.Regions != 2 || s.Bytes != 150 {
		t.Fatalf("stats = %+v", s)
	}

	if _, err := w1.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := w1.Seal(); err != nil {
		t.Fatal(err)
	}
	m.Sealed(w1.StartAddress(), w1.Written())
	if err := m.Release(w2.StartAddress()); err != nil {
		t.Fatal(err)
	}
	if s := m.Stats(); s.Regions != 1 || s.Bytes != 3 {
		t.Fatalf("stats after release = %+v", s)
	}
}

func TestLimit(t *testing.T) {
	regions, _ := region.NewManager(vfs.NewMem(), "db", nil)
	m, err := Open(regions, 0, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AllocateNewSegment(&recordingTx{}, 80); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AllocateNewSegment(&recordingTx{}, 40); !errors.Is(err, dberrors.ErrResourceExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
}

func TestOpenRemovesUncommittedRegions(t *testing.T) {
	fs := vfs.NewMem()
	regions, _ := region.NewManager(fs, "db", nil)
	m, _ := Open(regions, 0, 0, nil)
	for i := 0; i < 3; i++ {
		w, err := m.AllocateNewSegment(&recordingTx{}, 10)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Seal(); err != nil {
			t.Fatal(err)
		}
	}

	// Only the first two allocations were committed.
	m2, err := Open(regions, 20, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	addrs, _ := regions.List()
	if len(addrs) != 2 {
		t.Fatalf("regions after reopen: %v", addrs)
	}
	if s := m2.Stats(); s.Regions != 2 || s.Head != 20 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestDecodeHeadRejectsGarbage(t *testing.T) {
	if _, err := DecodeHead([]byte{1, 2}); !errors.Is(err, dberrors.ErrCorruptData) {
		t.Fatalf("got %v", err)
	}
}
