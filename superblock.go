// Superblock: the fixed 4 KiB header at offset 0 that anchors every other
// region of the backing store.
//
//	u32 magic              = 0x56435453 ("VCTS")
//	u32 version            = 1
//	u32 dimension D
//	u32 cluster_count K
//	u64 slot_width         (multiple of 512)
//	u64 slot_region_offset = 4096
//	u64 slot_region_length
//	u64 alloc_footer_offset
//	u64 cluster_region_offset
//	u64 cluster_region_length
//	u64 live_vector_count
//	u8[...] reserved (zero)
//	u32 crc32   (over bytes 0..superblockSize-4)
package vecstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	superblockSize    = 4096
	superblockMagic   = uint32(0x56435453) // "VCTS"
	superblockVersion = uint32(1)
)

type superblock struct {
	dimension          uint32
	clusterCount       uint32
	slotWidth          uint64
	slotRegionOffset   uint64
	slotRegionLength   uint64
	allocFooterOffset  uint64
	clusterRegionOffset uint64
	clusterRegionLength uint64
	liveVectorCount    uint64
}

func (s *superblock) encode() []byte {
	buf := make([]byte, superblockSize)
	w := bytes.NewBuffer(buf[:0])

	_ = binary.Write(w, binary.LittleEndian, superblockMagic)
	_ = binary.Write(w, binary.LittleEndian, superblockVersion)
	_ = binary.Write(w, binary.LittleEndian, s.dimension)
	_ = binary.Write(w, binary.LittleEndian, s.clusterCount)
	_ = binary.Write(w, binary.LittleEndian, s.slotWidth)
	_ = binary.Write(w, binary.LittleEndian, s.slotRegionOffset)
	_ = binary.Write(w, binary.LittleEndian, s.slotRegionLength)
	_ = binary.Write(w, binary.LittleEndian, s.allocFooterOffset)
	_ = binary.Write(w, binary.LittleEndian, s.clusterRegionOffset)
	_ = binary.Write(w, binary.LittleEndian, s.clusterRegionLength)
	_ = binary.Write(w, binary.LittleEndian, s.liveVectorCount)

	out := buf[:superblockSize]
	copy(out, w.Bytes())
	// reserved bytes between w.Len() and superblockSize-4 are already zero

	crc := crc32.ChecksumIEEE(out[:superblockSize-4])
	binary.LittleEndian.PutUint32(out[superblockSize-4:], crc)

	return out
}

func decodeSuperblock(buf []byte) (*superblock, error) {
	if len(buf) != superblockSize {
		return nil, fmt.Errorf("vecstore: superblock must be %d bytes, got %d", superblockSize, len(buf))
	}

	storedCRC := binary.LittleEndian.Uint32(buf[superblockSize-4:])
	if crc32.ChecksumIEEE(buf[:superblockSize-4]) != storedCRC {
		return nil, fmt.Errorf("vecstore: superblock crc mismatch")
	}

	r := bytes.NewReader(buf)

	var magic, version uint32
	_ = binary.Read(r, binary.LittleEndian, &magic)
	if magic != superblockMagic {
		return nil, fmt.Errorf("vecstore: bad superblock magic")
	}
	_ = binary.Read(r, binary.LittleEndian, &version)
	if version != superblockVersion {
		return nil, fmt.Errorf("vecstore: unsupported superblock version %d", version)
	}

	sb := &superblock{}
	_ = binary.Read(r, binary.LittleEndian, &sb.dimension)
	_ = binary.Read(r, binary.LittleEndian, &sb.clusterCount)
	_ = binary.Read(r, binary.LittleEndian, &sb.slotWidth)
	_ = binary.Read(r, binary.LittleEndian, &sb.slotRegionOffset)
	_ = binary.Read(r, binary.LittleEndian, &sb.slotRegionLength)
	_ = binary.Read(r, binary.LittleEndian, &sb.allocFooterOffset)
	_ = binary.Read(r, binary.LittleEndian, &sb.clusterRegionOffset)
	_ = binary.Read(r, binary.LittleEndian, &sb.clusterRegionLength)
	_ = binary.Read(r, binary.LittleEndian, &sb.liveVectorCount)

	return sb, nil
}
