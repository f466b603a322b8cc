// Package allocator maps vector IDs to slot indices on a blockdev.Device,
// tracks free slots produced by deletions, and encodes/decodes the
// fixed-width vector record held in each slot.
package allocator

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nkandpal/vecstore/blockdev"
)

var (
	// ErrDuplicateID is returned by Allocate when id already maps to a live slot.
	ErrDuplicateID = errors.New("allocator: duplicate id")
	// ErrNotFound is returned by Delete when id has no live mapping.
	ErrNotFound = errors.New("allocator: not found")
	// ErrFooterInconsistent is returned by LoadFooter when the footer's id
	// map and free list disagree about which slots are live, so the caller
	// should fall back to RebuildFromScan instead of trusting the footer.
	ErrFooterInconsistent = errors.New("allocator: footer liveness check failed")
)

// Allocator owns the slot region of the backing device: the ID-to-slot
// mapping, the free list produced by deletions, and the high-water mark of
// total slots ever allocated.
type Allocator struct {
	dev        *blockdev.Device
	regionBase int64
	slotWidth  int64
	dimension  int

	ids  *idMap
	free []uint64
	high uint64 // number of slots allocated so far (high-water mark)

	liveness *bitset.BitSet    // slot index -> true if LIVE, for footer-validation assertions
	exists   *bloom.BloomFilter // negative fast-path over live vector IDs
}

// New creates an allocator over a freshly initialized, empty slot region.
func New(dev *blockdev.Device, regionBase int64, slotWidth int64, dimension int) *Allocator {
	return &Allocator{
		dev:        dev,
		regionBase: regionBase,
		slotWidth:  slotWidth,
		dimension:  dimension,
		ids:        newIDMap(),
		liveness:   bitset.New(0),
		exists:     bloom.NewWithEstimates(100000, 0.01),
	}
}

// HighWaterMark returns the total number of slots ever allocated (live or
// tombstoned); the slot region always has exactly this many slots.
func (a *Allocator) HighWaterMark() uint64 { return a.high }

// FreeCount returns the number of slots currently on the free list.
func (a *Allocator) FreeCount() int { return len(a.free) }

// Len returns the number of currently live vector IDs.
func (a *Allocator) Len() int { return a.ids.Len() }

func (a *Allocator) slotOffset(slot uint64) int64 {
	return a.regionBase + int64(slot)*a.slotWidth
}

// Allocate writes vec and metadata into a fresh or reused slot for id.
// Returns ErrDuplicateID if id is already live.
func (a *Allocator) Allocate(id uint64, vec []float32, metadata []byte) error {
	if _, ok := a.ids.Get(id); ok {
		return fmt.Errorf("allocator: id %d: %w", id, ErrDuplicateID)
	}

	var slot uint64
	if len(a.free) > 0 {
		slot = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	} else {
		slot = a.high
		a.high++
		if err := a.dev.EnsureSize(a.slotOffset(a.high)); err != nil {
			a.high--
			return fmt.Errorf("allocator: growing device: %w", err)
		}
	}

	rec := Record{ID: id, Status: StatusLive, Vector: vec, Metadata: metadata}
	buf, err := EncodeRecord(rec, int(a.slotWidth))
	if err != nil {
		return fmt.Errorf("allocator: encoding record %d: %w", id, err)
	}

	if err := a.dev.WriteAt(a.slotOffset(slot), buf); err != nil {
		return fmt.Errorf("allocator: writing slot %d: %w", slot, err)
	}

	a.ids.Put(id, slot)
	a.liveness.Set(uint(slot)) // bitset grows its storage automatically
	a.exists.Add(idBytes(id))

	return nil
}

func idBytes(id uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (8 * i))
	}
	return b
}

// Delete writes a TOMBSTONE status byte in place and removes id from the
// mapping, returning its slot to the free list. The rest of the slot is
// left untouched so its vector remains readable for diagnostic recovery.
func (a *Allocator) Delete(id uint64) error {
	slot, ok := a.ids.Get(id)
	if !ok {
		return fmt.Errorf("allocator: id %d: %w", id, ErrNotFound)
	}

	if err := a.dev.WriteAt(a.slotOffset(slot)+StatusOffset(), []byte{byte(StatusTombstone)}); err != nil {
		return fmt.Errorf("allocator: tombstoning slot %d: %w", slot, err)
	}

	a.ids.Delete(id)
	a.free = append(a.free, slot)
	a.liveness.Clear(uint(slot))

	return nil
}

// Retrieve reads and decodes the slot for id. Returns (Record{}, false,
// nil) if id has no live mapping. A magic or status mismatch is reported
// as ErrCorruptRecord so the caller can isolate the slot.
func (a *Allocator) Retrieve(id uint64) (Record, bool, error) {
	if !a.exists.Test(idBytes(id)) {
		return Record{}, false, nil
	}

	slot, ok := a.ids.Get(id)
	if !ok {
		return Record{}, false, nil
	}

	buf, err := a.dev.ReadAt(a.slotOffset(slot), int(a.slotWidth))
	if err != nil {
		return Record{}, false, fmt.Errorf("allocator: reading slot %d: %w", slot, err)
	}

	rec, err := DecodeRecord(buf, a.dimension)
	if err != nil {
		return Record{}, false, err
	}

	if rec.Status != StatusLive || rec.ID != id {
		return Record{}, false, fmt.Errorf("allocator: slot %d: %w", slot, ErrCorruptRecord)
	}

	return rec, true, nil
}

// Footer serializes the allocator's current bookkeeping state.
func (a *Allocator) Footer() []byte {
	return encodeFooter(a.high, a.free, a.ids)
}

// LoadFooter restores allocator state from a previously written footer. The
// id map's and free list's claims about which slots are live are
// cross-checked against a freshly built liveness bitset before anything is
// committed: a footer that marks a slot both live and free, or whose live
// count doesn't match, is ErrFooterInconsistent rather than silently
// accepted, so the caller can fall back to RebuildFromScan.
func (a *Allocator) LoadFooter(region []byte) error {
	decoded, err := decodeFooter(region)
	if err != nil {
		return err
	}

	liveness := bitset.New(uint(decoded.highWaterMark))
	decoded.ids.Each(func(id, slot uint64) {
		liveness.Set(uint(slot))
	})
	for _, slot := range decoded.free {
		if liveness.Test(uint(slot)) {
			return fmt.Errorf("allocator: slot %d is on the free list but also marked live: %w", slot, ErrFooterInconsistent)
		}
	}
	if live := uint64(liveness.Count()); live != uint64(decoded.ids.Len()) {
		return fmt.Errorf("allocator: liveness bitset has %d live slots, id map has %d: %w", live, decoded.ids.Len(), ErrFooterInconsistent)
	}

	a.high = decoded.highWaterMark
	a.free = decoded.free
	a.ids = decoded.ids
	a.liveness = liveness
	decoded.ids.Each(func(id, slot uint64) {
		a.exists.Add(idBytes(id))
	})

	return nil
}

// RebuildFromScan reconstructs allocator state by scanning every slot in
// the region from 0 to highWaterMark, used when the footer is unreadable
// on open. A slot whose record fails to decode (bad magic) is treated as
// FREE rather than aborting the scan, and logged by the caller.
func (a *Allocator) RebuildFromScan(highWaterMark uint64, onCorrupt func(slot uint64, err error)) error {
	a.high = highWaterMark
	a.free = nil
	a.ids = newIDMap()
	a.liveness = bitset.New(uint(highWaterMark))
	a.exists = bloom.NewWithEstimates(100000, 0.01)

	for slot := uint64(0); slot < highWaterMark; slot++ {
		buf, err := a.dev.ReadAt(a.slotOffset(slot), int(a.slotWidth))
		if err != nil {
			return fmt.Errorf("allocator: scanning slot %d: %w", slot, err)
		}

		rec, err := DecodeRecord(buf, a.dimension)
		if err != nil {
			if onCorrupt != nil {
				onCorrupt(slot, err)
			}
			a.free = append(a.free, slot)
			continue
		}

		switch rec.Status {
		case StatusLive:
			a.ids.Put(rec.ID, slot)
			a.liveness.Set(uint(slot))
			a.exists.Add(idBytes(rec.ID))
		case StatusFree, StatusTombstone:
			a.free = append(a.free, slot)
		}
	}

	return nil
}

// AllLiveIDs returns every vector ID currently mapped to a live slot, in
// ascending order.
func (a *Allocator) AllLiveIDs() []uint64 {
	ids := make([]uint64, 0, a.ids.Len())
	a.ids.Each(func(id, slot uint64) {
		ids = append(ids, id)
	})
	return ids
}

// VectorByID implements cluster.VectorSource for the cluster index's
// Recompute/Rebalance passes.
func (a *Allocator) VectorByID(id uint64) ([]float32, bool) {
	rec, ok, err := a.Retrieve(id)
	if err != nil || !ok {
		return nil, false
	}
	return rec.Vector, true
}
