package cluster

import (
	"math/rand"
	"testing"
)

func TestBlobRoundTrip(t *testing.T) {
	centroids := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	members := [][]uint64{
		{1, 2, 3},
		{},
		{99},
	}

	blob := EncodeBlob(4, centroids, members)

	d, gotCentroids, gotMembers, err := DecodeBlob(blob)
	if err != nil {
		t.Fatal(err)
	}
	if d != 4 {
		t.Fatalf("expected D=4, got %d", d)
	}
	for i := range centroids {
		for j := range centroids[i] {
			if gotCentroids[i][j] != centroids[i][j] {
				t.Fatalf("centroid %d mismatch at %d: %v != %v", i, j, gotCentroids[i], centroids[i])
			}
		}
	}
	if len(gotMembers[1]) != 0 {
		t.Fatalf("expected empty membership for cluster 1, got %v", gotMembers[1])
	}
	if len(gotMembers[2]) != 1 || gotMembers[2][0] != 99 {
		t.Fatalf("expected [99] for cluster 2, got %v", gotMembers[2])
	}
}

// TestBlobDoesNotConsumeTrailingBytesOnUndersizedInfo is the regression
// test for the nested-container bug: a ClusterInfo reader that advanced by
// however many bytes it happened to parse (rather than by the declared
// info_bytes) would swallow the remainder of the blob once any cluster's
// info was shorter than its neighbors assumed. Multiple clusters with
// differing member counts, several of them large, must still decode
// byte-exactly.
func TestBlobDoesNotConsumeTrailingBytesOnUndersizedInfo(t *testing.T) {
	const k, d = 10, 768
	rng := rand.New(rand.NewSource(7))

	centroids := make([][]float32, k)
	members := make([][]uint64, k)
	nextID := uint64(0)
	for c := 0; c < k; c++ {
		v := make([]float32, d)
		for i := range v {
			v[i] = float32(rng.NormFloat64())
		}
		centroids[c] = v

		// Vary membership size sharply, including empty and huge clusters,
		// so info_bytes differs a lot across ClusterInfo entries.
		n := c * 7
		ids := make([]uint64, n)
		for i := range ids {
			ids[i] = nextID
			nextID++
		}
		members[c] = ids
	}

	blob := EncodeBlob(d, centroids, members)

	gotD, gotCentroids, gotMembers, err := DecodeBlob(blob)
	if err != nil {
		t.Fatalf("initialize must succeed on reopen: %v", err)
	}
	if gotD != d {
		t.Fatalf("expected D=%d, got %d", d, gotD)
	}
	if len(gotCentroids) != k {
		t.Fatalf("expected %d clusters, got %d", k, len(gotCentroids))
	}
	for c := 0; c < k; c++ {
		if len(gotMembers[c]) != len(members[c]) {
			t.Fatalf("cluster %d: expected %d members, got %d", c, len(members[c]), len(gotMembers[c]))
		}
		for i := range members[c] {
			if gotMembers[c][i] != members[c][i] {
				t.Fatalf("cluster %d member %d mismatch: %d != %d", c, i, gotMembers[c][i], members[c][i])
			}
		}
	}
}

func TestDecodeBlobRejectsBadMagic(t *testing.T) {
	blob := EncodeBlob(4, [][]float32{{1, 0, 0, 0}}, [][]uint64{{1}})
	blob[0] ^= 0xFF

	if _, _, _, err := DecodeBlob(blob); err == nil {
		t.Fatal("expected corrupt-index error for bad magic")
	}
}

func TestDecodeBlobRejectsCRCMismatch(t *testing.T) {
	blob := EncodeBlob(4, [][]float32{{1, 0, 0, 0}}, [][]uint64{{1}})
	blob[len(blob)-1] ^= 0xFF

	if _, _, _, err := DecodeBlob(blob); err == nil {
		t.Fatal("expected corrupt-index error for CRC mismatch")
	}
}

func TestDecodeBlobRejectsOversizedTotalBytes(t *testing.T) {
	blob := EncodeBlob(4, [][]float32{{1, 0, 0, 0}}, [][]uint64{{1}})

	// Truncate the region as if it were read from an undersized on-disk
	// cluster region; total_bytes now claims more than is available.
	truncated := blob[:len(blob)-8]

	if _, _, _, err := DecodeBlob(truncated); err == nil {
		t.Fatal("expected corrupt-index error when total_bytes exceeds region length")
	}
}
