package cluster

import (
	"math/rand"
)

// KMeansParams bounds a single run of the Lloyd iteration.
type KMeansParams struct {
	K             int
	MaxIterations int
	Tolerance     float32
	// Seed, when non-nil, supplies the initial centroids (len(Seed) == K).
	// When nil, k-means++ seeding is used.
	Seed [][]float32
}

// kMeansResult is the output of a from-scratch k-means run: final centroids
// and, for each input vector (by index into the vectors slice passed to
// RunKMeans), the cluster it was assigned to.
type kMeansResult struct {
	centroids   [][]float32
	assignments []int
}

// RunKMeans clusters vectors into p.K clusters using cosine distance, via
// standard Lloyd iteration. Empty clusters that arise mid-run are re-seeded
// from the farthest vector of the currently largest cluster, so the
// centroid count does not shrink during iteration. Without p.Seed, and with
// fewer vectors than p.K, only len(vectors) centroids are produced.
func RunKMeans(vectors [][]float32, p KMeansParams, rng *rand.Rand) kMeansResult {
	n := len(vectors)
	if n == 0 || p.K <= 0 {
		return kMeansResult{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	k := p.K
	if k > n {
		k = n
	}

	var centroids [][]float32
	if p.Seed != nil {
		centroids = make([][]float32, len(p.Seed))
		for i, c := range p.Seed {
			centroids[i] = append([]float32(nil), c...)
		}
	} else {
		centroids = seedKMeansPlusPlus(vectors, k, rng)
	}

	maxIter := p.MaxIterations
	if maxIter <= 0 {
		maxIter = 25
	}
	tolerance := p.Tolerance
	if tolerance <= 0 {
		tolerance = 1e-4
	}

	assignments := make([]int, n)

	for iter := 0; iter < maxIter; iter++ {
		members := make([][]int, len(centroids))

		for i, v := range vectors {
			best := nearestCentroid(v, centroids)
			assignments[i] = best
			members[best] = append(members[best], i)
		}

		newCentroids := make([][]float32, len(centroids))
		var maxMove float32

		for c := range centroids {
			if len(members[c]) == 0 {
				newCentroids[c] = reseedFromLargestCluster(vectors, members, centroids, rng)
			} else {
				newCentroids[c] = meanOf(vectors, members[c])
			}
			move := l2Distance(newCentroids[c], centroids[c])
			if move > maxMove {
				maxMove = move
			}
		}

		centroids = newCentroids

		if maxMove < tolerance {
			break
		}
	}

	return kMeansResult{centroids: centroids, assignments: assignments}
}

func nearestCentroid(v []float32, centroids [][]float32) int {
	best := 0
	bestDist := cosineDistance(v, centroids[0])
	for i := 1; i < len(centroids); i++ {
		d := cosineDistance(v, centroids[i])
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func meanOf(vectors [][]float32, idxs []int) []float32 {
	d := len(vectors[idxs[0]])
	sum := make([]float32, d)
	for _, i := range idxs {
		v := vectors[i]
		for j := 0; j < d; j++ {
			sum[j] += v[j]
		}
	}
	for j := range sum {
		sum[j] /= float32(len(idxs))
	}
	return normalize(sum)
}

// reseedFromLargestCluster picks the farthest member (by cosine distance to
// its own centroid) of the currently largest cluster as a fresh centroid for
// an emptied-out cluster.
func reseedFromLargestCluster(vectors [][]float32, members [][]int, centroids [][]float32, rng *rand.Rand) []float32 {
	largest := -1
	for c, idxs := range members {
		if largest == -1 || len(idxs) > len(members[largest]) {
			largest = c
		}
	}
	if largest == -1 || len(members[largest]) == 0 {
		return randomUnitVector(len(centroids[0]), rng)
	}

	farthest := members[largest][0]
	farthestDist := cosineDistance(vectors[farthest], centroids[largest])
	for _, i := range members[largest][1:] {
		d := cosineDistance(vectors[i], centroids[largest])
		if d > farthestDist {
			farthestDist = d
			farthest = i
		}
	}

	return append([]float32(nil), vectors[farthest]...)
}

// seedKMeansPlusPlus chooses k initial centroids with probability
// proportional to squared cosine distance from already-chosen centroids.
func seedKMeansPlusPlus(vectors [][]float32, k int, rng *rand.Rand) [][]float32 {
	n := len(vectors)
	centroids := make([][]float32, 0, k)

	first := rng.Intn(n)
	centroids = append(centroids, append([]float32(nil), vectors[first]...))

	dist := make([]float32, n)
	for len(centroids) < k {
		var total float64
		for i, v := range vectors {
			d := cosineDistance(v, centroids[len(centroids)-1])
			if len(centroids) == 1 || d*d < dist[i] {
				dist[i] = d * d
			}
			total += float64(dist[i])
		}

		if total == 0 {
			centroids = append(centroids, randomUnitVector(len(vectors[0]), rng))
			continue
		}

		target := rng.Float64() * total
		var acc float64
		chosen := n - 1
		for i, d := range dist {
			acc += float64(d)
			if acc >= target {
				chosen = i
				break
			}
		}

		centroids = append(centroids, append([]float32(nil), vectors[chosen]...))
	}

	return centroids
}

// randomUnitVector samples a uniformly random direction in D dimensions,
// used both for k-means++ fallback and for the cluster index's initial
// seeding of an empty store.
func randomUnitVector(d int, rng *rand.Rand) []float32 {
	v := make([]float32, d)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	n := norm(v)
	if n == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] /= n
	}
	return v
}
