package pattern

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

// #region memory
// Memory is the clustered embedding index. FindSimilar runs under a read lock; Insert holds the write lock for
// one nearest-centroid scan and at most one merge.
type Memory struct {
	dim int

	mu       sync.RWMutex
	capacity int
	radius   float32
	patterns []*Pattern // ascending id
	nextID   uint64
	merges   uint64

	// generation changes on every mutation; cache keys embed it so stale results are never served.
	generation atomic.Uint64
	cache      *ristretto.Cache
	now        func() time.Time
}

// Option configures a Memory.
type Option func(*options)

type options struct {
	cacheEntries int64
}

// WithCacheEntries bounds the FindSimilar result cache. Zero disables caching.
func WithCacheEntries(n int64) Option {
	return func(o *options) { o.cacheEntries = n }
}

// NewMemory creates a pattern memory for embeddings of length dim.
func NewMemory(dim, capacity int, radius float32, opts ...Option) (*Memory, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", errs.ErrInvalidInput)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", errs.ErrInvalidInput)
	}
	o := options{cacheEntries: 1024}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Memory{
		dim:      dim,
		capacity: capacity,
		radius:   radius,
		nextID:   1,
		now:      time.Now,
	}
	if o.cacheEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: o.cacheEntries * 10,
			MaxCost:     o.cacheEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("pattern cache: %w", err)
		}
		m.cache = cache
	}
	return m, nil
}

// Close releases the result cache.
func (m *Memory) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}

// #endregion memory

// #region insert
// Insert folds an embedding with its quality score into the nearest pattern within the radius, or starts a new
// pattern. It returns the id of the pattern that now holds the embedding.
func (m *Memory) Insert(embedding []float32, score float32) (uint64, error) {
	if err := m.checkVector(embedding); err != nil {
		return 0, err
	}
	if math.IsNaN(float64(score)) || score < 0 || score > 1 {
		return 0, fmt.Errorf("%w: score %v outside [0,1]", errs.ErrInvalidInput, score)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.generation.Add(1)

	now := m.now()
	nearest, dist := m.nearestLocked(embedding)
	if nearest != nil && dist <= float64(m.radius) {
		nearest.MemberCount++
		n := float32(nearest.MemberCount)
		for i, x := range embedding {
			nearest.Centroid[i] += (x - nearest.Centroid[i]) / n
		}
		nearest.AggregateQuality += (score - nearest.AggregateQuality) / n
		nearest.UpdatedAt = now
		return nearest.ID, nil
	}

	p := &Pattern{
		ID:               m.nextID,
		Centroid:         append([]float32(nil), embedding...),
		MemberCount:      1,
		AggregateQuality: score,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.nextID++
	m.patterns = append(m.patterns, p)

	id := p.ID
	for len(m.patterns) > m.capacity {
		survivor, absorbed := m.mergeClosestLocked()
		if absorbed == id {
			id = survivor
		}
	}
	return id, nil
}

// nearestLocked returns the closest pattern by Euclidean distance; ties go to the lower id.
func (m *Memory) nearestLocked(v []float32) (*Pattern, float64) {
	var best *Pattern
	bestDist := math.Inf(1)
	for _, p := range m.patterns {
		d := euclidean(v, p.Centroid)
		if d < bestDist {
			best, bestDist = p, d
		}
	}
	return best, bestDist
}

// mergeClosestLocked merges the closest pair of centroids into the lower id and returns (survivor, absorbed).
func (m *Memory) mergeClosestLocked() (uint64, uint64) {
	bi, bj := 0, 1
	bestDist := math.Inf(1)
	for i := 0; i < len(m.patterns); i++ {
		for j := i + 1; j < len(m.patterns); j++ {
			d := euclidean(m.patterns[i].Centroid, m.patterns[j].Centroid)
			if d < bestDist {
				bi, bj, bestDist = i, j, d
			}
		}
	}

	a, b := m.patterns[bi], m.patterns[bj]
	total := float32(a.MemberCount + b.MemberCount)
	wa := float32(a.MemberCount) / total
	wb := float32(b.MemberCount) / total
	for i := range a.Centroid {
		a.Centroid[i] = a.Centroid[i]*wa + b.Centroid[i]*wb
	}
	a.AggregateQuality = a.AggregateQuality*wa + b.AggregateQuality*wb
	a.MemberCount += b.MemberCount
	a.UpdatedAt = m.now()

	m.patterns = slices.Delete(m.patterns, bj, bj+1)
	m.merges++
	return a.ID, b.ID
}

// #endregion insert

// #region find-similar
// FindSimilar returns at most k patterns ordered by ascending distance, then descending member count, then
// ascending id. An empty memory yields an empty result, not an error.
func (m *Memory) FindSimilar(query []float32, k int) ([]Match, error) {
	if err := m.checkVector(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Match{}, nil
	}

	m.mu.RLock()
	gen := m.generation.Load()
	key := cacheKey(gen, k, query)
	if hit, ok := m.cacheGet(key, gen, k, query); ok {
		m.mu.RUnlock()
		return hit, nil
	}

	matches := make([]Match, len(m.patterns))
	for i, p := range m.patterns {
		matches[i] = Match{Pattern: p.clone(), Distance: float32(euclidean(query, p.Centroid))}
	}
	m.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.Pattern.MemberCount != b.Pattern.MemberCount {
			return a.Pattern.MemberCount > b.Pattern.MemberCount
		}
		return a.Pattern.ID < b.Pattern.ID
	})
	if k < len(matches) {
		matches = matches[:k]
	}

	m.cacheSet(key, gen, k, query, matches)
	return copyMatches(matches), nil
}

// #endregion find-similar

// #region cache
type cachedResult struct {
	generation uint64
	k          int
	query      []float32
	matches    []Match
}

func cacheKey(gen uint64, k int, query []float32) uint64 {
	var buf [8]byte
	d := xxhash.New()
	binary.LittleEndian.PutUint64(buf[:], gen)
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(k))
	_, _ = d.Write(buf[:])
	for _, v := range query {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		_, _ = d.Write(buf[:4])
	}
	return d.Sum64()
}

func (m *Memory) cacheGet(key, gen uint64, k int, query []float32) ([]Match, bool) {
	if m.cache == nil {
		return nil, false
	}
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	cr, ok := v.(*cachedResult)
	if !ok || cr.generation != gen || cr.k != k || !slices.Equal(cr.query, query) {
		return nil, false
	}
	return copyMatches(cr.matches), true
}

func (m *Memory) cacheSet(key, gen uint64, k int, query []float32, matches []Match) {
	if m.cache == nil {
		return
	}
	m.cache.Set(key, &cachedResult{
		generation: gen,
		k:          k,
		query:      append([]float32(nil), query...),
		matches:    copyMatches(matches),
	}, 1)
}

func copyMatches(in []Match) []Match {
	out := make([]Match, len(in))
	for i, mt := range in {
		out[i] = Match{Pattern: mt.Pattern.clone(), Distance: mt.Distance}
	}
	return out
}

// #endregion cache

// #region accessors
// Len returns the number of stored patterns.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.patterns)
}

// Merges returns how many capacity-driven merges have happened.
func (m *Memory) Merges() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.merges
}

// Patterns returns a copy of every pattern in ascending id order.
func (m *Memory) Patterns() []Pattern {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Pattern, len(m.patterns))
	for i, p := range m.patterns {
		out[i] = p.clone()
	}
	return out
}

// SetLimits changes capacity and radius; shrinking capacity merges until the memory fits.
func (m *Memory) SetLimits(capacity int, radius float32) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", errs.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = capacity
	m.radius = radius
	for len(m.patterns) > m.capacity {
		m.mergeClosestLocked()
	}
	m.generation.Add(1)
	return nil
}

// #endregion accessors

// #region helpers
func (m *Memory) checkVector(v []float32) error {
	if len(v) != m.dim {
		return fmt.Errorf("%w: vector length %d, want %d", errs.ErrInvalidInput, len(v), m.dim)
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: element %d is not finite", errs.ErrInvalidInput, i)
		}
	}
	return nil
}

// euclidean computes the L2 distance with a float64 accumulator.
func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// #endregion helpers
