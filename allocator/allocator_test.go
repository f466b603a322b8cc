package allocator

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/nkandpal/vecstore/blockdev"
)

func newTestAllocator(t *testing.T, dimension int) *Allocator {
	dir := t.TempDir()
	dev, err := blockdev.Open(filepath.Join(dir, "store.bin"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })

	width := SlotWidth(dimension, 4096)
	if err := dev.EnsureSize(width); err != nil {
		t.Fatal(err)
	}

	return New(dev, 0, width, dimension)
}

func TestAllocateThenRetrieveRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 8)

	vec := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	if err := a.Allocate(7, vec, []byte("a")); err != nil {
		t.Fatal(err)
	}

	rec, ok, err := a.Retrieve(7)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected vector 7 to be found")
	}
	for i := range vec {
		if rec.Vector[i] != vec[i] {
			t.Fatalf("vector mismatch at %d: %v != %v", i, rec.Vector, vec)
		}
	}
	if string(rec.Metadata) != "a" {
		t.Fatalf("expected metadata %q, got %q", "a", rec.Metadata)
	}
}

func TestAllocateDuplicateIDFails(t *testing.T) {
	a := newTestAllocator(t, 4)
	vec := []float32{1, 2, 3, 4}

	if err := a.Allocate(1, vec, nil); err != nil {
		t.Fatal(err)
	}
	if err := a.Allocate(1, vec, nil); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestDeleteThenReuseSlot(t *testing.T) {
	a := newTestAllocator(t, 4)
	vec := []float32{1, 2, 3, 4}

	if err := a.Allocate(1, vec, nil); err != nil {
		t.Fatal(err)
	}
	if err := a.Allocate(2, vec, nil); err != nil {
		t.Fatal(err)
	}
	if err := a.Allocate(3, vec, nil); err != nil {
		t.Fatal(err)
	}

	if err := a.Delete(2); err != nil {
		t.Fatal(err)
	}

	newVec := []float32{9, 9, 9, 9}
	if err := a.Allocate(4, newVec, nil); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := a.Retrieve(2); ok {
		t.Fatal("expected vector 2 to be gone after delete")
	}

	rec, ok, err := a.Retrieve(4)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected vector 4 to be retrievable")
	}
	for i := range newVec {
		if rec.Vector[i] != newVec[i] {
			t.Fatalf("vector mismatch at %d: %v != %v", i, rec.Vector, newVec)
		}
	}
}

func TestDeleteMissingIDFails(t *testing.T) {
	a := newTestAllocator(t, 4)
	if err := a.Delete(42); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestRetrieveMissingIDReturnsEmpty(t *testing.T) {
	a := newTestAllocator(t, 4)
	_, ok, err := a.Retrieve(42)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected not found")
	}
}

func TestCorruptMagicIsolatesSingleSlot(t *testing.T) {
	a := newTestAllocator(t, 4)
	vec := []float32{1, 2, 3, 4}

	for id := uint64(1); id <= 10; id++ {
		if err := a.Allocate(id, vec, nil); err != nil {
			t.Fatal(err)
		}
	}

	slot, _ := a.ids.Get(5)
	offset := a.slotOffset(slot)
	corrupt, err := a.dev.ReadAt(offset, 1)
	if err != nil {
		t.Fatal(err)
	}
	corrupt[0] ^= 0xFF
	if err := a.dev.WriteAt(offset, corrupt); err != nil {
		t.Fatal(err)
	}

	if _, _, err := a.Retrieve(5); err == nil {
		t.Fatal("expected corrupt record error for vector 5")
	}

	for id := uint64(1); id <= 10; id++ {
		if id == 5 {
			continue
		}
		if _, ok, err := a.Retrieve(id); err != nil || !ok {
			t.Fatalf("expected vector %d to remain retrievable, got ok=%v err=%v", id, ok, err)
		}
	}
}

func TestFooterRoundTripRestoresState(t *testing.T) {
	a := newTestAllocator(t, 4)
	vec := []float32{1, 2, 3, 4}

	for id := uint64(1); id <= 5; id++ {
		if err := a.Allocate(id, vec, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Delete(3); err != nil {
		t.Fatal(err)
	}

	footer := a.Footer()

	b := New(a.dev, a.regionBase, a.slotWidth, a.dimension)
	if err := b.LoadFooter(footer); err != nil {
		t.Fatal(err)
	}

	if b.HighWaterMark() != a.HighWaterMark() {
		t.Fatalf("expected high water mark %d, got %d", a.HighWaterMark(), b.HighWaterMark())
	}
	if b.Len() != a.Len() {
		t.Fatalf("expected %d live ids, got %d", a.Len(), b.Len())
	}
	if _, ok, err := b.Retrieve(3); err != nil || ok {
		t.Fatal("expected vector 3 to remain deleted after footer restore")
	}
	if _, ok, err := b.Retrieve(4); err != nil || !ok {
		t.Fatal("expected vector 4 retrievable after footer restore")
	}
}

func TestLoadFooterRejectsSlotMarkedBothLiveAndFree(t *testing.T) {
	a := newTestAllocator(t, 4)

	ids := newIDMap()
	ids.Put(1, 0)
	footer := encodeFooter(1, []uint64{0}, ids) // slot 0 claimed by both

	if err := a.LoadFooter(footer); err == nil {
		t.Fatal("expected ErrFooterInconsistent for a slot listed both live and free")
	} else if !errors.Is(err, ErrFooterInconsistent) {
		t.Fatalf("expected ErrFooterInconsistent, got %v", err)
	}
}

func TestEncodeRecordLeavesDimensionCheckToCaller(t *testing.T) {
	a := newTestAllocator(t, 4)

	rec := Record{ID: 1, Status: StatusLive, Vector: []float32{1, 2, 3}}
	if _, err := EncodeRecord(rec, int(a.slotWidth)); err != nil {
		// encoding itself does not check dimension; the store façade is
		// responsible for the DIMENSION_MISMATCH check before calling
		// Allocate. This asserts the codec happily encodes whatever
		// length it's given, by design, so the mismatch check lives in
		// exactly one place.
		t.Fatalf("unexpected encode error: %v", err)
	}
}
