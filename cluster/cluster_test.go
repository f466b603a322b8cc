package cluster

import (
	"math/rand"
	"testing"
)

type fakeSource struct {
	vectors map[uint64][]float32
}

func (f *fakeSource) VectorByID(id uint64) ([]float32, bool) {
	v, ok := f.vectors[id]
	return v, ok
}

func (f *fakeSource) AllLiveIDs() []uint64 {
	ids := make([]uint64, 0, len(f.vectors))
	for id := range f.vectors {
		ids = append(ids, id)
	}
	return ids
}

func TestAssignPicksHighestSimilarityCluster(t *testing.T) {
	idx := FromBlob(4,
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}},
		[][]uint64{{}, {}},
		rand.New(rand.NewSource(1)))

	idx.Assign(42, []float32{0, 1, 0, 0})

	members := idx.Members(1)
	if len(members) != 1 || members[0] != 42 {
		t.Fatalf("expected vector 42 assigned to cluster 1, got cluster members %v", members)
	}
	if len(idx.Members(0)) != 0 {
		t.Fatalf("expected cluster 0 untouched, got %v", idx.Members(0))
	}
}

func TestUnassignRemovesFromMembership(t *testing.T) {
	idx := FromBlob(4, [][]float32{{1, 0, 0, 0}}, [][]uint64{{1, 2, 3}}, nil)

	idx.Unassign(2)

	members := idx.Members(0)
	if len(members) != 2 {
		t.Fatalf("expected 2 members after unassign, got %v", members)
	}
	for _, id := range members {
		if id == 2 {
			t.Fatal("expected vector 2 removed from membership")
		}
	}
}

func TestCandidateClustersOrdersDescending(t *testing.T) {
	idx := FromBlob(2,
		[][]float32{{1, 0}, {0, 1}, {-1, 0}},
		[][]uint64{{}, {}, {}},
		nil)

	ranked := idx.CandidateClusters([]float32{1, 0}, 3)

	if ranked[0].ClusterID != 0 {
		t.Fatalf("expected cluster 0 ranked first, got %d", ranked[0].ClusterID)
	}
	if ranked[0].Similarity < ranked[1].Similarity || ranked[1].Similarity < ranked[2].Similarity {
		t.Fatalf("expected descending similarity, got %+v", ranked)
	}
}

func TestRecomputeIsIdempotentWhenClean(t *testing.T) {
	src := &fakeSource{vectors: map[uint64][]float32{
		1: {1, 0, 0, 0},
		2: {0.9, 0.1, 0, 0},
	}}

	idx := FromBlob(4, [][]float32{{0, 0, 0, 1}}, [][]uint64{{1, 2}}, nil)
	idx.Assign(1, src.vectors[1]) // marks dirty via Assign path too, but start clean via FromBlob then assign
	idx.Recompute(src)

	first := append([]float32(nil), idx.Centroid(0)...)
	idx.Recompute(src) // no intervening writes: must be a no-op
	second := idx.Centroid(0)

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("expected idempotent recompute, got %v then %v", first, second)
		}
	}
}

func TestRecomputeKeepsEmptyClusterCentroid(t *testing.T) {
	idx := FromBlob(4, [][]float32{{1, 0, 0, 0}}, [][]uint64{{1}}, nil)
	idx.Unassign(1) // empties the only cluster, marks dirty

	src := &fakeSource{vectors: map[uint64][]float32{}}
	idx.Recompute(src)

	c := idx.Centroid(0)
	if c[0] != 1 || c[1] != 0 {
		t.Fatalf("expected centroid retained for emptied cluster, got %v", c)
	}
}

func TestRebalanceReassignsAllMembers(t *testing.T) {
	src := &fakeSource{vectors: map[uint64][]float32{
		1: {1, 0}, 2: {0.95, 0.05},
		3: {0, 1}, 4: {0.05, 0.95},
	}}

	idx := New(2, 2, rand.New(rand.NewSource(3)))
	for id, v := range src.vectors {
		idx.Assign(id, v)
	}

	idx.Rebalance(src)

	total := 0
	for c := 0; c < idx.K(); c++ {
		total += len(idx.Members(c))
	}
	if total != 4 {
		t.Fatalf("expected 4 vectors assigned across clusters after rebalance, got %d", total)
	}
}
