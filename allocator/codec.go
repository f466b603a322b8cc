// Vector record codec: encodes and decodes one fixed-width slot.
//
//	u32 magic              = 0x56524543 ("VREC")
//	u64 vector_id
//	u8  status              (0=FREE, 1=LIVE, 2=TOMBSTONE)
//	u8[3] reserved
//	f32[D] vector           (little-endian)
//	u32 metadata_length
//	u8[metadata_length] metadata
//	u8[pad] zero            (to slot_width)
package allocator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	recordMagic = uint32(0x56524543) // "VREC"

	recordHeaderSize = 4 + 8 + 1 + 3 // magic + id + status + reserved
)

// Status is the single-byte liveness marker of a slot.
type Status byte

const (
	StatusFree      Status = 0
	StatusLive      Status = 1
	StatusTombstone Status = 2
)

// ErrCorruptRecord signals a bad magic or unexpected status when decoding a
// slot; the spec requires this be isolated per-slot, never fatal to the
// whole store.
var ErrCorruptRecord = errors.New("allocator: corrupt record")

// Record is one decoded vector record.
type Record struct {
	ID       uint64
	Status   Status
	Vector   []float32
	Metadata []byte
}

// EncodeRecord serializes a record into a slotWidth-sized buffer, zero
// padded after the metadata. The caller's metadata bytes are written
// verbatim and never reordered; oversize metadata must be rejected by the
// caller before this is invoked.
func EncodeRecord(rec Record, slotWidth int) ([]byte, error) {
	need := recordHeaderSize + 4*len(rec.Vector) + 4 + len(rec.Metadata)
	if need > slotWidth {
		return nil, fmt.Errorf("allocator: record needs %d bytes, slot width is %d", need, slotWidth)
	}

	buf := make([]byte, slotWidth)
	w := bytes.NewBuffer(buf[:0])

	_ = binary.Write(w, binary.LittleEndian, recordMagic)
	_ = binary.Write(w, binary.LittleEndian, rec.ID)
	w.WriteByte(byte(rec.Status))
	w.Write([]byte{0, 0, 0})

	for _, f := range rec.Vector {
		_ = binary.Write(w, binary.LittleEndian, f)
	}

	_ = binary.Write(w, binary.LittleEndian, uint32(len(rec.Metadata)))
	w.Write(rec.Metadata)

	out := buf[:slotWidth]
	copy(out, w.Bytes())
	for i := w.Len(); i < slotWidth; i++ {
		out[i] = 0
	}

	return out, nil
}

// DecodeRecord parses a slotWidth-sized buffer into a Record. The vector
// dimension D must be supplied by the caller (it is fixed store-wide and
// not repeated per slot). A bad magic is reported as ErrCorruptRecord so
// the caller can isolate and skip the slot rather than aborting.
func DecodeRecord(buf []byte, dimension int) (Record, error) {
	if len(buf) < recordHeaderSize+4 {
		return Record{}, fmt.Errorf("allocator: slot too short: %w", ErrCorruptRecord)
	}

	r := bytes.NewReader(buf)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil || magic != recordMagic {
		return Record{}, fmt.Errorf("allocator: bad magic: %w", ErrCorruptRecord)
	}

	var id uint64
	if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
		return Record{}, fmt.Errorf("allocator: reading id: %w", ErrCorruptRecord)
	}

	statusByte, err := r.ReadByte()
	if err != nil {
		return Record{}, fmt.Errorf("allocator: reading status: %w", ErrCorruptRecord)
	}
	status := Status(statusByte)
	if status > StatusTombstone {
		return Record{}, fmt.Errorf("allocator: unknown status %d: %w", statusByte, ErrCorruptRecord)
	}

	if _, err := r.Seek(3, 1); err != nil {
		return Record{}, fmt.Errorf("allocator: skipping reserved bytes: %w", ErrCorruptRecord)
	}

	vector := make([]float32, dimension)
	for i := range vector {
		if err := binary.Read(r, binary.LittleEndian, &vector[i]); err != nil {
			return Record{}, fmt.Errorf("allocator: reading vector component %d: %w", i, ErrCorruptRecord)
		}
	}

	var metaLen uint32
	if err := binary.Read(r, binary.LittleEndian, &metaLen); err != nil {
		return Record{}, fmt.Errorf("allocator: reading metadata length: %w", ErrCorruptRecord)
	}

	remaining := r.Len()
	if int(metaLen) > remaining {
		return Record{}, fmt.Errorf("allocator: metadata length %d exceeds slot remainder %d: %w", metaLen, remaining, ErrCorruptRecord)
	}

	metadata := make([]byte, metaLen)
	if _, err := r.Read(metadata); err != nil {
		return Record{}, fmt.Errorf("allocator: reading metadata: %w", ErrCorruptRecord)
	}

	return Record{ID: id, Status: status, Vector: vector, Metadata: metadata}, nil
}

// SlotWidth computes the smallest multiple of 512 that fits the header (16
// bytes: magic+id+status+reserved), D floats, the 4-byte length prefix, and
// maxMetadataLen bytes of metadata.
func SlotWidth(dimension, maxMetadataLen int) int64 {
	need := int64(recordHeaderSize) + 4*int64(dimension) + 4 + int64(maxMetadataLen)
	width := ((need + 511) / 512) * 512
	if width == 0 {
		width = 512
	}
	return width
}

// StatusOffset returns the byte offset of the status field within a slot,
// used by Delete to perform the single-byte TOMBSTONE write in place
// without re-encoding the whole record.
func StatusOffset() int64 {
	return 4 + 8 // magic + id
}
