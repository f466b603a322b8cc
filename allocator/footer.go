// Allocator footer wire format, written at alloc_footer_offset:
//
//	u32 magic              = 0x56414C4F ("VALO")
//	u64 high_water_mark
//	u32 free_count
//	u64[free_count] free_slot_indices
//	u32 mapping_count
//	(u64 id, u64 slot_index)[mapping_count]
//	u32 crc32
package allocator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const footerMagic = uint32(0x56414C4F) // "VALO"

// ErrCorruptFooter signals the footer failed its magic or CRC check. The
// allocator responds by performing a full slot scan to rebuild its mapping,
// per §4.2's safety net.
var ErrCorruptFooter = errors.New("allocator: corrupt footer")

// encodeFooter serializes the allocator's bookkeeping state.
func encodeFooter(highWaterMark uint64, free []uint64, ids *idMap) []byte {
	var body bytes.Buffer

	_ = binary.Write(&body, binary.LittleEndian, footerMagic)
	_ = binary.Write(&body, binary.LittleEndian, highWaterMark)
	_ = binary.Write(&body, binary.LittleEndian, uint32(len(free)))
	for _, slot := range free {
		_ = binary.Write(&body, binary.LittleEndian, slot)
	}

	_ = binary.Write(&body, binary.LittleEndian, uint32(ids.Len()))
	ids.Each(func(id, slot uint64) {
		_ = binary.Write(&body, binary.LittleEndian, id)
		_ = binary.Write(&body, binary.LittleEndian, slot)
	})

	crc := crc32.ChecksumIEEE(body.Bytes())
	_ = binary.Write(&body, binary.LittleEndian, crc)

	return body.Bytes()
}

// decodedFooter is the parsed result of decodeFooter.
type decodedFooter struct {
	highWaterMark uint64
	free          []uint64
	ids           *idMap
}

// decodeFooter parses a footer region, validating magic and CRC before
// trusting any of its contents.
func decodeFooter(region []byte) (decodedFooter, error) {
	if len(region) < 4+8+4+4+4 {
		return decodedFooter{}, fmt.Errorf("allocator: footer region too short: %w", ErrCorruptFooter)
	}

	r := bytes.NewReader(region)

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil || magic != footerMagic {
		return decodedFooter{}, fmt.Errorf("allocator: bad footer magic: %w", ErrCorruptFooter)
	}

	var highWaterMark uint64
	if err := binary.Read(r, binary.LittleEndian, &highWaterMark); err != nil {
		return decodedFooter{}, fmt.Errorf("allocator: reading high water mark: %w", ErrCorruptFooter)
	}

	var freeCount uint32
	if err := binary.Read(r, binary.LittleEndian, &freeCount); err != nil {
		return decodedFooter{}, fmt.Errorf("allocator: reading free count: %w", ErrCorruptFooter)
	}

	free := make([]uint64, freeCount)
	for i := range free {
		if err := binary.Read(r, binary.LittleEndian, &free[i]); err != nil {
			return decodedFooter{}, fmt.Errorf("allocator: reading free slot %d: %w", i, ErrCorruptFooter)
		}
	}

	var mappingCount uint32
	if err := binary.Read(r, binary.LittleEndian, &mappingCount); err != nil {
		return decodedFooter{}, fmt.Errorf("allocator: reading mapping count: %w", ErrCorruptFooter)
	}

	ids := newIDMap()
	for i := uint32(0); i < mappingCount; i++ {
		var id, slot uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return decodedFooter{}, fmt.Errorf("allocator: reading mapping %d id: %w", i, ErrCorruptFooter)
		}
		if err := binary.Read(r, binary.LittleEndian, &slot); err != nil {
			return decodedFooter{}, fmt.Errorf("allocator: reading mapping %d slot: %w", i, ErrCorruptFooter)
		}
		ids.Put(id, slot)
	}

	consumed := len(region) - r.Len()
	if r.Len() < 4 {
		return decodedFooter{}, fmt.Errorf("allocator: footer missing crc: %w", ErrCorruptFooter)
	}
	storedCRC := binary.LittleEndian.Uint32(region[consumed : consumed+4])
	if crc32.ChecksumIEEE(region[:consumed]) != storedCRC {
		return decodedFooter{}, fmt.Errorf("allocator: footer crc mismatch: %w", ErrCorruptFooter)
	}

	return decodedFooter{highWaterMark: highWaterMark, free: free, ids: ids}, nil
}

// FooterSize returns the exact encoded size of a footer with the given free
// list and mapping population.
func FooterSize(freeCount, mappingCount int) int64 {
	return int64(4+8+4) + int64(freeCount)*8 + 4 + int64(mappingCount)*16 + 4
}
