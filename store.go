// Package vecstore is the store façade: it wires blockdev, allocator,
// cluster, and vlog together behind the public contract (initialize,
// store_vector, retrieve_vector, delete_vector, find_similar_vectors,
// perform_maintenance, save_index, load_index, get_vector_metadata).
package vecstore

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/nkandpal/vecstore/allocator"
	"github.com/nkandpal/vecstore/blockdev"
	"github.com/nkandpal/vecstore/cluster"
	"github.com/nkandpal/vecstore/vlog"
)

const defaultSlotRegionOffset = int64(superblockSize)

// Options holds the store's tunable knobs; zero-valued fields fall back to
// DefaultOptions, the same as config.Load fills in a YAML file's blanks.
type Options struct {
	MaxMetadataLen      int
	ProbeFraction       float64
	KMeansMaxIterations int
	KMeansTolerance     float64
	LogDir              string
	Seed                int64
}

// DefaultOptions returns the documented defaults: 4096-byte metadata cap,
// 0.5 probe fraction, 25 Lloyd iterations, 1e-4 tolerance.
func DefaultOptions() Options {
	return Options{
		MaxMetadataLen:      4096,
		ProbeFraction:       0.5,
		KMeansMaxIterations: 25,
		KMeansTolerance:     1e-4,
		Seed:                1,
	}
}

// ScoredVector is one entry of a FindSimilarVectors result.
type ScoredVector struct {
	ID         uint64
	Similarity float32
}

// Store is the top-level handle on a backing path. It owns the block
// device exclusively for its lifetime; a single instance is not safe for
// concurrent calls from multiple goroutines.
type Store struct {
	dev *blockdev.Device
	log *vlog.Logger

	alloc *allocator.Allocator
	idx   *cluster.Index
	rng   *rand.Rand

	path             string
	dimension        int
	clusterCount     int
	slotWidth        int64
	slotRegionOffset int64
	maxMetadataLen   int
	probeFraction    float64
	kMeansMaxIterations int
	kMeansTolerance     float32

	closed bool
}

// Open initializes the store against path: if no superblock is present
// (the backing store is smaller than one superblock, or its first
// superblock-sized region is all zero bytes), a fresh header and empty
// index are written; otherwise the superblock is decoded (CORRUPT_HEADER if
// it is invalid), its D and K are validated against the arguments, and
// state is restored from the allocator footer and cluster blob (falling
// back to a full slot scan / rebalance if either is unreadable). strategy
// selects the clustering kernel; only "kmeans" is implemented.
func Open(path, strategy string, dimension, clusterCount int, opts Options) (*Store, error) {
	if strategy != "kmeans" {
		return nil, fmt.Errorf("vecstore: unsupported clustering strategy %q", strategy)
	}

	def := DefaultOptions()
	if opts.MaxMetadataLen == 0 {
		opts.MaxMetadataLen = def.MaxMetadataLen
	}
	if opts.ProbeFraction == 0 {
		opts.ProbeFraction = def.ProbeFraction
	}
	if opts.KMeansMaxIterations == 0 {
		opts.KMeansMaxIterations = def.KMeansMaxIterations
	}
	if opts.KMeansTolerance == 0 {
		opts.KMeansTolerance = def.KMeansTolerance
	}
	if opts.Seed == 0 {
		opts.Seed = def.Seed
	}

	dev, err := blockdev.Open(path)
	if err != nil {
		return nil, newErr("initialize", KindIO, err)
	}

	slotWidth := allocator.SlotWidth(dimension, opts.MaxMetadataLen)
	minCapacity := int64(superblockSize) + slotWidth
	if !dev.CanGrow() && dev.Capacity() < minCapacity {
		dev.Close()
		return nil, newErr("initialize", KindCapacityExhausted,
			fmt.Errorf("backing storage is %d bytes, smaller than one superblock (%d bytes) plus one slot (%d bytes)",
				dev.Capacity(), superblockSize, slotWidth))
	}

	if err := acquireLock(dev.Fd()); err != nil {
		dev.Close()
		return nil, err
	}

	logger := vlog.Open(opts.LogDir)
	rng := rand.New(rand.NewSource(opts.Seed))

	s := &Store{
		dev:              dev,
		log:              logger,
		path:             path,
		dimension:        dimension,
		clusterCount:     clusterCount,
		slotWidth:        slotWidth,
		slotRegionOffset:    defaultSlotRegionOffset,
		maxMetadataLen:      opts.MaxMetadataLen,
		probeFraction:       opts.ProbeFraction,
		kMeansMaxIterations: opts.KMeansMaxIterations,
		kMeansTolerance:     float32(opts.KMeansTolerance),
		rng:                 rng,
	}

	fresh := dev.Capacity() < superblockSize
	if !fresh {
		head, err := dev.ReadAt(0, superblockSize)
		if err != nil {
			s.teardownOnFailure()
			return nil, newErr("initialize", KindIO, err)
		}
		fresh = bytes.Equal(head, make([]byte, superblockSize))
	}

	if !fresh {
		if err := s.openExisting(dimension, clusterCount); err != nil {
			s.teardownOnFailure()
			return nil, err
		}
	} else {
		s.alloc = allocator.New(dev, s.slotRegionOffset, s.slotWidth, dimension)
		s.idx = cluster.New(dimension, clusterCount, rng)
		s.idx.SetKMeansParams(s.kMeansMaxIterations, s.kMeansTolerance)
		if err := s.flushMetadata(); err != nil {
			s.teardownOnFailure()
			return nil, newErr("initialize", KindIO, err)
		}
	}

	logger.Info("initialize", "path", path, "dimension", dimension, "cluster_count", clusterCount)
	return s, nil
}

func (s *Store) openExisting(dimension, clusterCount int) error {
	sbBuf, err := s.dev.ReadAt(0, superblockSize)
	if err != nil {
		return newErr("initialize", KindIO, err)
	}
	sb, err := decodeSuperblock(sbBuf)
	if err != nil {
		return newErr("initialize", KindCorruptHeader, err)
	}
	if int(sb.dimension) != dimension || int(sb.clusterCount) != clusterCount {
		return newErr("initialize", KindDimensionMismatch,
			fmt.Errorf("store was created with D=%d K=%d, got D=%d K=%d", sb.dimension, sb.clusterCount, dimension, clusterCount))
	}

	s.slotWidth = int64(sb.slotWidth)
	s.slotRegionOffset = int64(sb.slotRegionOffset)
	s.alloc = allocator.New(s.dev, s.slotRegionOffset, s.slotWidth, dimension)

	highWaterMark := sb.slotRegionLength / sb.slotWidth
	footerLen := int64(sb.clusterRegionOffset) - int64(sb.allocFooterOffset)

	footerLoaded := false
	if footerLen > 0 {
		if footerBuf, err := s.dev.ReadAt(int64(sb.allocFooterOffset), int(footerLen)); err == nil {
			if loadErr := s.alloc.LoadFooter(footerBuf); loadErr == nil {
				footerLoaded = true
			} else if errors.Is(loadErr, allocator.ErrFooterInconsistent) {
				s.log.Warn("allocator_footer_inconsistent", "path", s.path, "error", loadErr)
			}
		}
	}
	if !footerLoaded {
		s.log.Warn("allocator_footer_unreadable", "path", s.path)
		if err := s.alloc.RebuildFromScan(highWaterMark, func(slot uint64, err error) {
			s.log.Warn("corrupt_record_isolated", "slot", slot, "error", err)
		}); err != nil {
			return newErr("initialize", KindIO, err)
		}
	}

	s.idx = cluster.New(dimension, clusterCount, s.rng)
	blobLoaded := false
	if sb.clusterRegionLength > 0 {
		if blobBuf, err := s.dev.ReadAt(int64(sb.clusterRegionOffset), int(sb.clusterRegionLength)); err == nil {
			if d, centroids, members, derr := cluster.DecodeBlob(blobBuf); derr == nil && d == dimension {
				s.idx = cluster.FromBlob(d, centroids, members, s.rng)
				blobLoaded = true
			}
		}
	}
	s.idx.SetKMeansParams(s.kMeansMaxIterations, s.kMeansTolerance)
	if !blobLoaded {
		s.log.Warn("cluster_index_unreadable_rebalancing", "path", s.path)
		s.idx.Rebalance(s.alloc)
	}

	return nil
}

func (s *Store) teardownOnFailure() {
	_ = releaseLock(s.dev.Fd())
	_ = s.dev.Close()
	_ = s.log.Close()
}

// Dimension returns the store's configured vector dimension D.
func (s *Store) Dimension() int { return s.dimension }

// ClusterCount returns the store's fixed cluster count K.
func (s *Store) ClusterCount() int { return s.clusterCount }

// LiveCount returns the number of currently live vector IDs.
func (s *Store) LiveCount() int { return s.alloc.Len() }

// HighWaterMark returns the total number of slots ever allocated.
func (s *Store) HighWaterMark() uint64 { return s.alloc.HighWaterMark() }

// FreeSlotCount returns the number of slots currently on the free list.
func (s *Store) FreeSlotCount() int { return s.alloc.FreeCount() }

// StoreVector writes vec and metadata under id, assigning it to the
// nearest cluster. Rejects a dimension mismatch, a non-finite component,
// oversize metadata, or a duplicate id.
func (s *Store) StoreVector(id uint64, vec []float32, metadata []byte) error {
	if len(vec) != s.dimension {
		return newErr("store_vector", KindDimensionMismatch,
			fmt.Errorf("vector has %d components, want %d", len(vec), s.dimension))
	}
	if !cluster.IsFinite(vec) {
		return newErr("store_vector", KindInvalidVector, fmt.Errorf("vector contains a non-finite value"))
	}
	if len(metadata) > s.maxMetadataLen {
		return newErr("store_vector", KindMetadataTooLarge,
			fmt.Errorf("metadata is %d bytes, max is %d", len(metadata), s.maxMetadataLen))
	}

	if err := s.alloc.Allocate(id, vec, metadata); err != nil {
		if errors.Is(err, allocator.ErrDuplicateID) {
			return newErr("store_vector", KindDuplicateID, err)
		}
		return newErr("store_vector", KindIO, err)
	}

	s.idx.Assign(id, vec)
	s.log.Info("store_vector", "id", id)
	return nil
}

// RetrieveVector reads the vector stored under id. A false return with a
// nil error means id has no live mapping; a corrupt slot is isolated and
// logged rather than returned as an error.
func (s *Store) RetrieveVector(id uint64) ([]float32, bool, error) {
	rec, ok, err := s.alloc.Retrieve(id)
	if err != nil {
		if errors.Is(err, allocator.ErrCorruptRecord) {
			s.log.Warn("corrupt_record", "id", id, "error", err)
			return nil, false, nil
		}
		return nil, false, newErr("retrieve_vector", KindIO, err)
	}
	if !ok {
		return nil, false, nil
	}
	return rec.Vector, true, nil
}

// GetVectorMetadata reads the metadata stored under id, nil if absent.
func (s *Store) GetVectorMetadata(id uint64) ([]byte, error) {
	rec, ok, err := s.alloc.Retrieve(id)
	if err != nil {
		if errors.Is(err, allocator.ErrCorruptRecord) {
			s.log.Warn("corrupt_record", "id", id, "error", err)
			return nil, nil
		}
		return nil, newErr("get_vector_metadata", KindIO, err)
	}
	if !ok {
		return nil, nil
	}
	return rec.Metadata, nil
}

// DeleteVector tombstones id's slot and unassigns it from its cluster.
// Returns NOT_FOUND if id has no live mapping.
func (s *Store) DeleteVector(id uint64) error {
	if err := s.alloc.Delete(id); err != nil {
		if errors.Is(err, allocator.ErrNotFound) {
			return newErr("delete_vector", KindNotFound, err)
		}
		return newErr("delete_vector", KindIO, err)
	}
	s.idx.Unassign(id)
	s.log.Info("delete_vector", "id", id)
	return nil
}

// PerformMaintenance recomputes every dirty cluster's centroid and
// rewrites the on-device footer and cluster blob. Idempotent: a second
// call with no intervening writes recomputes nothing (no cluster remains
// dirty) and rewrites the identical bytes.
func (s *Store) PerformMaintenance() error {
	s.idx.Recompute(s.alloc)
	if err := s.flushMetadata(); err != nil {
		return newErr("perform_maintenance", KindIO, err)
	}
	s.log.Info("perform_maintenance")
	return nil
}

// SaveIndex writes the current cluster blob to an external file,
// atomically (via github.com/natefinch/atomic, so a concurrent reader
// never observes a partially written file), and also rewrites the
// in-store footer and cluster region.
func (s *Store) SaveIndex(path string) error {
	blob := s.idx.Blob()
	if err := atomic.WriteFile(path, bytes.NewReader(blob)); err != nil {
		return newErr("save_index", KindIO, err)
	}
	if err := s.flushMetadata(); err != nil {
		return newErr("save_index", KindIO, err)
	}
	s.log.Info("save_index", "path", path)
	return nil
}

// LoadIndex replaces the in-memory cluster index with the blob read from
// an external file written by SaveIndex.
func (s *Store) LoadIndex(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return newErr("load_index", KindIO, err)
	}
	d, centroids, members, err := cluster.DecodeBlob(data)
	if err != nil {
		return newErr("load_index", KindCorruptIndex, err)
	}
	if d != s.dimension {
		return newErr("load_index", KindDimensionMismatch,
			fmt.Errorf("index dimension %d, store dimension %d", d, s.dimension))
	}
	s.idx = cluster.FromBlob(d, centroids, members, s.rng)
	s.idx.SetKMeansParams(s.kMeansMaxIterations, s.kMeansTolerance)
	s.log.Info("load_index", "path", path)
	return nil
}

// Close flushes the footer and cluster blob, releases the advisory lock,
// and closes the backing device and logger.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.flushMetadata()
	lockErr := releaseLock(s.dev.Fd())
	closeErr := s.dev.Close()
	logErr := s.log.Close()

	for _, err := range []error{flushErr, lockErr, closeErr, logErr} {
		if err != nil {
			return newErr("close", KindIO, err)
		}
	}
	return nil
}

// flushMetadata rewrites the allocator footer and cluster blob at the
// tail of the slot region (right after the current high-water mark) and
// updates the superblock to point at their new offsets. The footer and
// blob are always rewritten together, in full, at the first free byte
// past the live slots — never in place — since the slot region can have
// grown since the last flush.
func (s *Store) flushMetadata() error {
	footerOff := s.slotRegionOffset + int64(s.alloc.HighWaterMark())*s.slotWidth
	footer := s.alloc.Footer()
	clusterOff := footerOff + int64(len(footer))
	blob := s.idx.Blob()

	if err := s.dev.EnsureSize(clusterOff + int64(len(blob))); err != nil {
		return fmt.Errorf("vecstore: growing device for metadata: %w", err)
	}
	if err := s.dev.WriteAt(footerOff, footer); err != nil {
		return fmt.Errorf("vecstore: writing footer: %w", err)
	}
	if err := s.dev.WriteAt(clusterOff, blob); err != nil {
		return fmt.Errorf("vecstore: writing cluster blob: %w", err)
	}

	sb := &superblock{
		dimension:           uint32(s.dimension),
		clusterCount:        uint32(s.clusterCount),
		slotWidth:           uint64(s.slotWidth),
		slotRegionOffset:    uint64(s.slotRegionOffset),
		slotRegionLength:    s.alloc.HighWaterMark() * uint64(s.slotWidth),
		allocFooterOffset:   uint64(footerOff),
		clusterRegionOffset: uint64(clusterOff),
		clusterRegionLength: uint64(len(blob)),
		liveVectorCount:     uint64(s.alloc.Len()),
	}
	if err := s.dev.WriteAt(0, sb.encode()); err != nil {
		return fmt.Errorf("vecstore: writing superblock: %w", err)
	}

	return s.dev.Flush()
}

// probeCount computes max(1, ceil(k * fraction)), capped at k.
func probeCount(k int, fraction float64) int {
	p := int(math.Ceil(float64(k) * fraction))
	if p < 1 {
		p = 1
	}
	if p > k {
		p = k
	}
	return p
}

// scoredEntry is one element of the bounded similarity min-heap.
type scoredEntry struct {
	id         uint64
	similarity float32
}

// similarityHeap keeps its smallest similarity at the root so
// FindSimilarVectors can evict it in O(log k) when a better candidate is
// found while bounding memory to k entries.
type similarityHeap []scoredEntry

func (h similarityHeap) Len() int            { return len(h) }
func (h similarityHeap) Less(i, j int) bool  { return h[i].similarity < h[j].similarity }
func (h similarityHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *similarityHeap) Push(x interface{}) { *h = append(*h, x.(scoredEntry)) }
func (h *similarityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// clusterRadius returns the widest angular distance (radians) from a
// cluster's centroid to any of its current members, used by the
// triangle-inequality early stop. Rescans the cluster's members, which is
// only paid once the heap is already full.
func (s *Store) clusterRadius(clusterID int, members []uint64) float64 {
	centroid := s.idx.Centroid(clusterID)
	maxAngle := 0.0
	for _, id := range members {
		vec, ok := s.alloc.VectorByID(id)
		if !ok {
			continue
		}
		maxAngle = math.Max(maxAngle, angleOf(cluster.CosineSimilarity(centroid, vec)))
	}
	return maxAngle
}

func angleOf(similarity float32) float64 {
	cs := float64(similarity)
	if cs > 1 {
		cs = 1
	}
	if cs < -1 {
		cs = -1
	}
	return math.Acos(cs)
}

// similarityUpperBound returns the best cosine similarity any member of a
// cluster could possibly have with the query, given the cluster's
// centroid similarity and angular radius: angular distance obeys the
// triangle inequality even though cosine similarity itself does not.
func similarityUpperBound(centroidSimilarity float32, radius float64) float32 {
	bound := angleOf(centroidSimilarity) - radius
	if bound < 0 {
		bound = 0
	}
	return float32(math.Cos(bound))
}

// FindSimilarVectors ranks candidate clusters by centroid similarity to
// query, probes the top probes = max(1, ceil(K*probeFraction)) of them in
// order, and returns the k best-scoring live members across those
// clusters, sorted by similarity descending then ID ascending. Stops
// probing further clusters once no member of the remaining clusters could
// possibly beat the current k-th best score.
func (s *Store) FindSimilarVectors(query []float32, k int) ([]ScoredVector, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(query) != s.dimension {
		return nil, newErr("find_similar_vectors", KindDimensionMismatch,
			fmt.Errorf("query has %d components, want %d", len(query), s.dimension))
	}
	if !cluster.IsFinite(query) {
		return nil, newErr("find_similar_vectors", KindInvalidVector, fmt.Errorf("query contains a non-finite value"))
	}

	probes := probeCount(s.idx.K(), s.probeFraction)
	candidates := s.idx.CandidateClusters(query, probes)

	h := &similarityHeap{}
	heap.Init(h)

	for _, cand := range candidates {
		members := s.idx.Members(cand.ClusterID)

		if h.Len() >= k {
			radius := s.clusterRadius(cand.ClusterID, members)
			if similarityUpperBound(cand.Similarity, radius) <= (*h)[0].similarity {
				break
			}
		}

		for _, id := range members {
			vec, ok := s.alloc.VectorByID(id)
			if !ok {
				continue // tombstoned or corrupt; isolated per CORRUPT_RECORD policy
			}
			sim := cluster.CosineSimilarity(query, vec)
			if h.Len() < k {
				heap.Push(h, scoredEntry{id: id, similarity: sim})
			} else if sim > (*h)[0].similarity {
				heap.Pop(h)
				heap.Push(h, scoredEntry{id: id, similarity: sim})
			}
		}
	}

	out := make([]ScoredVector, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		entry := heap.Pop(h).(scoredEntry)
		out[i] = ScoredVector{ID: entry.id, Similarity: entry.similarity}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})

	return out, nil
}
