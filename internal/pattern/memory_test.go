package pattern

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

func newMemory(t *testing.T, dim, capacity int, radius float32) *Memory {
	t.Helper()
	m, err := NewMemory(dim, capacity, radius)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestSameEmbeddingCollapsesToOnePattern(t *testing.T) {
	m := newMemory(t, 3, 8, 0.1)
	emb := []float32{0.2, 0.4, 0.6}
	const n = 5
	var id uint64
	for i := 0; i < n; i++ {
		got, err := m.Insert(emb, 0.8)
		require.NoError(t, err)
		if i == 0 {
			id = got
		}
		require.Equal(t, id, got)
	}

	pats := m.Patterns()
	require.Len(t, pats, 1)
	require.Equal(t, n, pats[0].MemberCount)
	require.InDelta(t, 0.8, pats[0].AggregateQuality, 1e-6)
	require.InDeltaSlice(t, emb, pats[0].Centroid, 1e-6)
}

func TestDistantEmbeddingsMakeTwoPatterns(t *testing.T) {
	m := newMemory(t, 2, 8, 0.5)
	a, err := m.Insert([]float32{0, 0}, 0.9)
	require.NoError(t, err)
	b, err := m.Insert([]float32{3, 4}, 0.1)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, m.Len())
}

func TestMergeUpdatesRunningMean(t *testing.T) {
	m := newMemory(t, 1, 8, 1.0)
	_, _ = m.Insert([]float32{0}, 1.0)
	_, _ = m.Insert([]float32{0.5}, 0.0)

	p := m.Patterns()[0]
	require.Equal(t, 2, p.MemberCount)
	require.InDelta(t, 0.25, p.Centroid[0], 1e-6)
	require.InDelta(t, 0.5, p.AggregateQuality, 1e-6)
}

func TestOverflowMergesClosestPair(t *testing.T) {
	m := newMemory(t, 1, 2, 0.1)
	_, _ = m.Insert([]float32{0}, 0.2)
	_, _ = m.Insert([]float32{10}, 0.4)
	id, err := m.Insert([]float32{10.5}, 0.8)
	require.NoError(t, err)

	require.Equal(t, 2, m.Len())
	require.Equal(t, uint64(1), m.Merges())
	// pattern 3 was absorbed into pattern 2
	require.Equal(t, uint64(2), id)

	pats := m.Patterns()
	require.Equal(t, uint64(1), pats[0].ID)
	require.Equal(t, uint64(2), pats[1].ID)
	require.Equal(t, 2, pats[1].MemberCount)
	require.InDelta(t, 10.25, pats[1].Centroid[0], 1e-5)
	require.InDelta(t, 0.6, pats[1].AggregateQuality, 1e-6)
}

func TestFindSimilarOrdering(t *testing.T) {
	m := newMemory(t, 1, 10, 0.01)
	_, _ = m.Insert([]float32{1}, 0.5)  // id 1
	_, _ = m.Insert([]float32{-1}, 0.5) // id 2, same distance from 0 as id 1
	_, _ = m.Insert([]float32{-1}, 0.5) // joins id 2
	_, _ = m.Insert([]float32{5}, 0.5)  // id 3

	got, err := m.FindSimilar([]float32{0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// equal distance: higher member count first
	require.Equal(t, uint64(2), got[0].Pattern.ID)
	require.Equal(t, uint64(1), got[1].Pattern.ID)
	require.Equal(t, uint64(3), got[2].Pattern.ID)
	require.InDelta(t, 1.0, got[0].Distance, 1e-6)

	top, err := m.FindSimilar([]float32{0}, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, uint64(2), top[0].Pattern.ID)
}

func TestFindSimilarTieBreaksOnID(t *testing.T) {
	m := newMemory(t, 1, 10, 0.01)
	_, _ = m.Insert([]float32{-2}, 0.5)
	_, _ = m.Insert([]float32{2}, 0.5)
	got, err := m.FindSimilar([]float32{0}, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got[0].Pattern.ID)
	require.Equal(t, uint64(2), got[1].Pattern.ID)
}

func TestFindSimilarEmptyAndInvalid(t *testing.T) {
	m := newMemory(t, 2, 4, 0.5)
	got, err := m.FindSimilar([]float32{0, 0}, 3)
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = m.FindSimilar([]float32{0, 0}, 0)
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = m.FindSimilar([]float32{0}, 3)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	_, err = m.Insert([]float32{0, 0}, 2)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestFindSimilarSeesInsertAfterCachedQuery(t *testing.T) {
	m := newMemory(t, 1, 10, 0.01)
	_, _ = m.Insert([]float32{5}, 0.5)
	first, err := m.FindSimilar([]float32{0}, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), first[0].Pattern.ID)

	_, _ = m.Insert([]float32{0.5}, 0.5)
	second, err := m.FindSimilar([]float32{0}, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), second[0].Pattern.ID)
}

func TestResultsAreCopies(t *testing.T) {
	m := newMemory(t, 1, 10, 0.01)
	_, _ = m.Insert([]float32{1}, 0.5)
	got, _ := m.FindSimilar([]float32{0}, 1)
	got[0].Pattern.Centroid[0] = 99

	again, _ := m.FindSimilar([]float32{0}, 1)
	require.InDelta(t, 1.0, again[0].Pattern.Centroid[0], 1e-6)
}

func TestSetLimitsShrinks(t *testing.T) {
	m := newMemory(t, 1, 10, 0.01)
	for _, x := range []float32{0, 1, 2, 10} {
		_, _ = m.Insert([]float32{x}, 0.5)
	}
	require.NoError(t, m.SetLimits(2, 0.01))
	require.Equal(t, 2, m.Len())
	require.ErrorIs(t, m.SetLimits(0, 1), errs.ErrInvalidInput)
}

func TestNoCacheOption(t *testing.T) {
	m, err := NewMemory(1, 4, 0.1, WithCacheEntries(0))
	require.NoError(t, err)
	defer m.Close()
	_, _ = m.Insert([]float32{1}, 0.5)
	got, err := m.FindSimilar([]float32{1}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestConcurrentInsertAndFind(t *testing.T) {
	m := newMemory(t, 2, 16, 0.2)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = m.Insert([]float32{float32(w), float32(i % 5)}, 0.5)
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				res, err := m.FindSimilar([]float32{1, 1}, 3)
				if err != nil || len(res) > 3 {
					t.Errorf("bad result: %v %d", err, len(res))
					return
				}
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, m.Len(), 16)
}
