// Package cluster holds the k-means cluster index that narrows similarity
// search to a handful of candidate clusters instead of scanning every
// vector in the store.
package cluster

import (
	"math/rand"
	"sort"
)

// VectorSource resolves a live vector's floats by ID, used during
// Recompute/Rebalance so a cluster never needs to hold anything but IDs.
// Implemented by the store's slot allocator; clusters never hold pointers
// to records, only identifiers.
type VectorSource interface {
	VectorByID(id uint64) ([]float32, bool)
	AllLiveIDs() []uint64
}

type singleCluster struct {
	centroid []float32
	members  []uint64
	dirty    bool
}

// Index is the ordered list of K (centroid, membership) pairs described by
// the data model: K is fixed at construction, every live vector ID appears
// in exactly one cluster's membership, and a cluster with empty membership
// retains its last centroid rather than being dropped.
type Index struct {
	d        int
	clusters []singleCluster
	owner    map[uint64]int // vector ID -> cluster index, for O(1) Unassign
	rng      *rand.Rand

	kMeansMaxIterations int
	kMeansTolerance     float32
}

// SetKMeansParams overrides the Lloyd-iteration cap and convergence
// tolerance used by Rebalance. A zero argument leaves the current value
// (and, absent a prior call, RunKMeans's own defaults) in place.
func (idx *Index) SetKMeansParams(maxIterations int, tolerance float32) {
	if maxIterations > 0 {
		idx.kMeansMaxIterations = maxIterations
	}
	if tolerance > 0 {
		idx.kMeansTolerance = tolerance
	}
}

// New creates an index with k freshly seeded random-unit-vector centroids,
// the policy used on first open of an empty store.
func New(d, k int, rng *rand.Rand) *Index {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	clusters := make([]singleCluster, k)
	for i := range clusters {
		clusters[i] = singleCluster{centroid: randomUnitVector(d, rng)}
	}
	return &Index{d: d, clusters: clusters, owner: make(map[uint64]int), rng: rng}
}

// FromBlob reconstructs an index from a decoded ClusterBlob.
func FromBlob(d int, centroids [][]float32, members [][]uint64, rng *rand.Rand) *Index {
	clusters := make([]singleCluster, len(centroids))
	owner := make(map[uint64]int)
	for i := range centroids {
		ids := append([]uint64(nil), members[i]...)
		clusters[i] = singleCluster{centroid: centroids[i], members: ids}
		for _, id := range ids {
			owner[id] = i
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Index{d: d, clusters: clusters, owner: owner, rng: rng}
}

// K returns the number of clusters, fixed for the lifetime of the index.
func (idx *Index) K() int { return len(idx.clusters) }

// Dimension returns the configured vector dimension D.
func (idx *Index) Dimension() int { return idx.d }

// Blob serializes the current centroids and memberships into a ClusterBlob.
func (idx *Index) Blob() []byte {
	centroids := make([][]float32, len(idx.clusters))
	members := make([][]uint64, len(idx.clusters))
	for i, c := range idx.clusters {
		centroids[i] = c.centroid
		members[i] = c.members
	}
	return EncodeBlob(idx.d, centroids, members)
}

// Assign picks the cluster whose centroid has the highest cosine similarity
// to vec, appends vectorID to its membership, and marks it dirty.
func (idx *Index) Assign(vectorID uint64, vec []float32) {
	best := idx.bestCluster(vec)
	idx.clusters[best].members = append(idx.clusters[best].members, vectorID)
	idx.clusters[best].dirty = true
	idx.owner[vectorID] = best
}

// Unassign removes vectorID from whichever cluster contains it and marks
// that cluster dirty. A no-op if the ID is not currently assigned.
func (idx *Index) Unassign(vectorID uint64) {
	c, ok := idx.owner[vectorID]
	if !ok {
		return
	}
	members := idx.clusters[c].members
	for i, id := range members {
		if id == vectorID {
			idx.clusters[c].members = append(members[:i], members[i+1:]...)
			break
		}
	}
	idx.clusters[c].dirty = true
	delete(idx.owner, vectorID)
}

// ScoredCluster is one entry of a candidate-cluster ranking.
type ScoredCluster struct {
	ClusterID  int
	Similarity float32
}

// CandidateClusters returns the top `probes` clusters ranked by cosine
// similarity of their centroid to query, descending.
func (idx *Index) CandidateClusters(query []float32, probes int) []ScoredCluster {
	scored := make([]ScoredCluster, len(idx.clusters))
	for i, c := range idx.clusters {
		scored[i] = ScoredCluster{ClusterID: i, Similarity: CosineSimilarity(query, c.centroid)}
	}
	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if probes > len(scored) {
		probes = len(scored)
	}
	return scored[:probes]
}

// Members returns the (copied) membership list of a cluster, in the
// iteration order used by the similarity-search path.
func (idx *Index) Members(clusterID int) []uint64 {
	return append([]uint64(nil), idx.clusters[clusterID].members...)
}

// Centroid returns the current centroid of a cluster.
func (idx *Index) Centroid(clusterID int) []float32 {
	return idx.clusters[clusterID].centroid
}

// bestCluster finds the cluster whose centroid maximizes cosine similarity
// to vec.
func (idx *Index) bestCluster(vec []float32) int {
	best, bestSim := 0, CosineSimilarity(vec, idx.clusters[0].centroid)
	for i := 1; i < len(idx.clusters); i++ {
		sim := CosineSimilarity(vec, idx.clusters[i].centroid)
		if sim > bestSim {
			bestSim = sim
			best = i
		}
	}
	return best
}

// Recompute recomputes the centroid of every dirty cluster as the
// normalized mean of its current members, fetched from src, and clears the
// dirty flag. Empty clusters keep their existing centroid. Idempotent:
// calling it twice with no intervening Assign/Unassign is a no-op the
// second time since no cluster remains dirty.
func (idx *Index) Recompute(src VectorSource) {
	for i := range idx.clusters {
		c := &idx.clusters[i]
		if !c.dirty {
			continue
		}
		if len(c.members) == 0 {
			c.dirty = false
			continue
		}

		vectors := make([][]float32, 0, len(c.members))
		for _, id := range c.members {
			if v, ok := src.VectorByID(id); ok {
				vectors = append(vectors, v)
			}
		}
		if len(vectors) > 0 {
			c.centroid = meanOf(vectors, allIndices(len(vectors)))
		}
		c.dirty = false
	}
}

func allIndices(n int) []int {
	idxs := make([]int, n)
	for i := range idxs {
		idxs[i] = i
	}
	return idxs
}

// Rebalance runs k-means from scratch over every live vector in src, using
// the current centroids as the initial seeding, then reassigns all
// memberships and resets every dirty flag.
func (idx *Index) Rebalance(src VectorSource) {
	ids := src.AllLiveIDs()
	if len(ids) == 0 {
		for i := range idx.clusters {
			idx.clusters[i].members = nil
			idx.clusters[i].dirty = false
		}
		idx.owner = make(map[uint64]int)
		return
	}

	vectors := make([][]float32, 0, len(ids))
	liveIDs := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if v, ok := src.VectorByID(id); ok {
			vectors = append(vectors, v)
			liveIDs = append(liveIDs, id)
		}
	}

	seed := make([][]float32, len(idx.clusters))
	for i, c := range idx.clusters {
		seed[i] = c.centroid
	}

	result := RunKMeans(vectors, KMeansParams{
		K:             len(idx.clusters),
		Seed:          seed,
		MaxIterations: idx.kMeansMaxIterations,
		Tolerance:     idx.kMeansTolerance,
	}, idx.rng)

	newMembers := make([][]uint64, len(idx.clusters))
	owner := make(map[uint64]int, len(liveIDs))
	for i, id := range liveIDs {
		c := result.assignments[i]
		newMembers[c] = append(newMembers[c], id)
		owner[id] = c
	}

	for i := range idx.clusters {
		if i < len(result.centroids) {
			idx.clusters[i].centroid = result.centroids[i]
		}
		idx.clusters[i].members = newMembers[i]
		idx.clusters[i].dirty = false
	}
	idx.owner = owner
}
