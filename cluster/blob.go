// Cluster blob wire format.
//
//	ClusterBlob  := u32 magic
//	              | u32 version
//	              | u32 K
//	              | u32 D
//	              | u32 total_bytes        ; self-sizing envelope
//	              | ClusterInfo x K
//	              | u32 crc32
//	ClusterInfo  := u32 info_bytes         ; length-prefix of *this* info
//	              | float32 x D            ; centroid
//	              | u32 member_count
//	              | u64 x member_count     ; member IDs
//
// A ClusterInfo reader MUST consume exactly info_bytes and MUST NOT read
// past that length; the outer reader advances by info_bytes after each
// cluster regardless of how many bytes the inner reader actually parsed.
// This is the fix for the documented nested-container bug, where a prior
// implementation let a short info_bytes value cause the reader to consume
// the remainder of the blob.
package cluster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	blobMagic   = uint32(0x56434C42) // "VCLB"
	blobVersion = uint32(1)
)

// ErrCorruptIndex is returned when the cluster blob fails its magic,
// version, envelope, or CRC checks. Callers must respond by calling
// Rebalance over all live vectors.
var ErrCorruptIndex = errors.New("cluster: corrupt index")

// EncodeBlob serializes the cluster index into the ClusterBlob wire format.
func EncodeBlob(d int, centroids [][]float32, members [][]uint64) []byte {
	k := len(centroids)

	var body bytes.Buffer
	for c := 0; c < k; c++ {
		var info bytes.Buffer
		for _, f := range centroids[c] {
			_ = binary.Write(&info, binary.LittleEndian, f)
		}
		_ = binary.Write(&info, binary.LittleEndian, uint32(len(members[c])))
		for _, id := range members[c] {
			_ = binary.Write(&info, binary.LittleEndian, id)
		}

		infoBytes := uint32(info.Len())
		_ = binary.Write(&body, binary.LittleEndian, infoBytes)
		body.Write(info.Bytes())
	}

	totalBytes := uint32(4 + 4 + 4 + 4 + 4 + body.Len() + 4) // magic+version+K+D+total_bytes+body+crc

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, blobMagic)
	_ = binary.Write(&out, binary.LittleEndian, blobVersion)
	_ = binary.Write(&out, binary.LittleEndian, uint32(k))
	_ = binary.Write(&out, binary.LittleEndian, uint32(d))
	_ = binary.Write(&out, binary.LittleEndian, totalBytes)
	out.Write(body.Bytes())

	crc := crc32.ChecksumIEEE(out.Bytes())
	_ = binary.Write(&out, binary.LittleEndian, crc)

	return out.Bytes()
}

// DecodeBlob parses a ClusterBlob, validating the self-describing envelope
// against the length of the region it was read from before parsing any
// nested ClusterInfo, and refusing to read past each ClusterInfo's own
// declared length.
func DecodeBlob(region []byte) (d int, centroids [][]float32, members [][]uint64, err error) {
	if len(region) < 24 {
		return 0, nil, nil, fmt.Errorf("cluster: region too short (%d bytes): %w", len(region), ErrCorruptIndex)
	}

	r := bytes.NewReader(region)

	var magic, version, k, dim, totalBytes uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil || magic != blobMagic {
		return 0, nil, nil, fmt.Errorf("cluster: bad magic: %w", ErrCorruptIndex)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil || version != blobVersion {
		return 0, nil, nil, fmt.Errorf("cluster: unsupported version: %w", ErrCorruptIndex)
	}
	if err := binary.Read(r, binary.LittleEndian, &k); err != nil {
		return 0, nil, nil, fmt.Errorf("cluster: reading K: %w", ErrCorruptIndex)
	}
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return 0, nil, nil, fmt.Errorf("cluster: reading D: %w", ErrCorruptIndex)
	}
	if err := binary.Read(r, binary.LittleEndian, &totalBytes); err != nil {
		return 0, nil, nil, fmt.Errorf("cluster: reading total_bytes: %w", ErrCorruptIndex)
	}

	// Validate the envelope against the containing region BEFORE parsing
	// any nested ClusterInfo: this is the first half of the bug fix.
	if int(totalBytes) > len(region) {
		return 0, nil, nil, fmt.Errorf("cluster: total_bytes %d exceeds region %d: %w", totalBytes, len(region), ErrCorruptIndex)
	}

	bodyEnd := int(totalBytes) - 4 // exclude trailing crc32
	if bodyEnd < 20 {
		return 0, nil, nil, fmt.Errorf("cluster: envelope too small: %w", ErrCorruptIndex)
	}

	centroids = make([][]float32, k)
	members = make([][]uint64, k)

	pos := 20 // bytes already consumed: magic,version,K,D,total_bytes
	for c := uint32(0); c < k; c++ {
		if pos+4 > bodyEnd {
			return 0, nil, nil, fmt.Errorf("cluster: truncated cluster %d header: %w", c, ErrCorruptIndex)
		}
		infoBytes := binary.LittleEndian.Uint32(region[pos : pos+4])
		infoStart := pos + 4
		infoEnd := infoStart + int(infoBytes)

		if infoBytes < uint32(4*dim+4) || infoEnd > bodyEnd {
			return 0, nil, nil, fmt.Errorf("cluster: cluster %d info_bytes %d out of range: %w", c, infoBytes, ErrCorruptIndex)
		}

		// Parse strictly within [infoStart, infoEnd); never read past it.
		info := region[infoStart:infoEnd]
		ir := bytes.NewReader(info)

		centroid := make([]float32, dim)
		for i := range centroid {
			if err := binary.Read(ir, binary.LittleEndian, &centroid[i]); err != nil {
				return 0, nil, nil, fmt.Errorf("cluster: cluster %d centroid: %w", c, ErrCorruptIndex)
			}
		}

		var memberCount uint32
		if err := binary.Read(ir, binary.LittleEndian, &memberCount); err != nil {
			return 0, nil, nil, fmt.Errorf("cluster: cluster %d member count: %w", c, ErrCorruptIndex)
		}

		memberIDs := make([]uint64, 0, memberCount)
		for i := uint32(0); i < memberCount; i++ {
			var id uint64
			if err := binary.Read(ir, binary.LittleEndian, &id); err != nil {
				return 0, nil, nil, fmt.Errorf("cluster: cluster %d member %d: %w", c, i, ErrCorruptIndex)
			}
			memberIDs = append(memberIDs, id)
		}

		centroids[c] = centroid
		members[c] = memberIDs

		// Advance by info_bytes exactly, never by however much the inner
		// reader actually consumed: this is the second half of the fix.
		pos = infoEnd
	}

	if pos != bodyEnd {
		return 0, nil, nil, fmt.Errorf("cluster: %d trailing bytes before crc: %w", bodyEnd-pos, ErrCorruptIndex)
	}

	storedCRC := binary.LittleEndian.Uint32(region[bodyEnd:totalBytes])
	if crc32.ChecksumIEEE(region[:bodyEnd]) != storedCRC {
		return 0, nil, nil, fmt.Errorf("cluster: crc mismatch: %w", ErrCorruptIndex)
	}

	return int(dim), centroids, members, nil
}
