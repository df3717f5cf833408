package datasets

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDatasetPoolsPartitionSamples(t *testing.T) {
	src := newMockSource([]int{3, 1, 4, 2})
	set, err := NewSetDataset(src, 2, 1)
	require.NoError(t, err)
	require.Equal(t, 4, set.Len())
	assert.Equal(t, 2, set.BatchSize())

	seen := map[int]int{}
	for cl := range set.Len() {
		f, err := set.Fetcher(cl)
		require.NoError(t, err)
		assert.Equal(t, cl, f.Class())
		for _, idx := range f.Indices() {
			assert.Equal(t, cl, src.Label(idx))
			seen[idx]++
		}
	}
	require.Len(t, seen, src.Len(), "pools must cover every sample")
	for idx, n := range seen {
		assert.Equal(t, 1, n, "sample %d is in more than one pool", idx)
	}
}

func TestClassFetcherSmallClassReturnsAllMembers(t *testing.T) {
	src := newMockSource([]int{1, 30})
	set, err := NewSetDataset(src, 21, 1)
	require.NoError(t, err)

	b, err := set.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, []int{0}, b.Indices)

	b, err = set.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 21, b.Len())
}

func TestClassFetcherReshufflesWholePool(t *testing.T) {
	src := newMockSource([]int{10})
	set, err := NewSetDataset(src, 3, 42)
	require.NoError(t, err)

	drawn := map[int]bool{}
	for range 50 {
		b, err := set.Get(context.Background(), 0)
		require.NoError(t, err)
		require.Equal(t, 3, b.Len())
		uniq := map[int]bool{}
		for i, idx := range b.Indices {
			uniq[idx] = true
			drawn[idx] = true
			assert.Equal(t, []float32{float32(idx)}, b.Images[i])
		}
		assert.Len(t, uniq, 3, "no sample repeats within a batch")
	}
	assert.Len(t, drawn, 10, "every member is eventually drawn")
}

func TestClassFetcherSeedIsReproducible(t *testing.T) {
	draw := func() [][]int {
		set, err := NewSetDataset(newMockSource([]int{8, 8}), 4, 99)
		require.NoError(t, err)
		var out [][]int
		for cl := range 2 {
			b, err := set.Get(context.Background(), cl)
			require.NoError(t, err)
			out = append(out, b.Indices)
		}
		return out
	}
	assert.Equal(t, draw(), draw())
}

func TestClassFetcherPropagatesLoadErrors(t *testing.T) {
	src := newMockSource([]int{2, 2})
	src.fail = map[int]error{1: ErrMissingFile}
	set, err := NewSetDataset(src, 2, 1)
	require.NoError(t, err)

	_, err = set.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMissingFile)
	_, err = set.Get(context.Background(), 0)
	assert.NoError(t, err)
}

func TestClassFetcherStopsOnCanceledContext(t *testing.T) {
	set, err := NewSetDataset(newMockSource([]int{4}), 4, 1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = set.Get(ctx, 0)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewSetDatasetConfigurationErrors(t *testing.T) {
	_, err := NewSetDataset(nil, 2, 0)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewSetDataset(newMockSource([]int{2}), 0, 0)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewSetDataset(newMockSource(nil), 2, 0)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewSetDataset(newMockSource([]int{2, 0, 1}), 2, 0)
	assert.ErrorIs(t, err, ErrConfiguration, "an empty class is an error, not skipped")

	set, err := NewSetDataset(newMockSource([]int{1}), 1, 0)
	require.NoError(t, err)
	_, err = set.Fetcher(1)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestSamplerYieldsExactEpisodes(t *testing.T) {
	s, err := NewEpisodicBatchSampler(10, 5, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, s.Len())
	assert.Equal(t, 5, s.NWay())

	n := 0
	for sel := range s.All() {
		n++
		require.Len(t, sel, 5)
		sorted := append([]int(nil), sel...)
		sort.Ints(sorted)
		for i, c := range sorted {
			assert.True(t, c >= 0 && c < 10)
			if i > 0 {
				assert.NotEqual(t, sorted[i-1], c, "classes repeat within an episode")
			}
		}
	}
	assert.Equal(t, 100, n)
}

func TestSamplerFullWayIsPermutation(t *testing.T) {
	s, err := NewEpisodicBatchSampler(6, 6, 3)
	require.NoError(t, err)
	for sel := range s.All() {
		sorted := append([]int(nil), sel...)
		sort.Ints(sorted)
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, sorted)
	}
}

func TestSamplerSeedIsReproducible(t *testing.T) {
	collect := func(seed int64) [][]int {
		s, err := NewEpisodicBatchSampler(20, 4, 10)
		require.NoError(t, err)
		var out [][]int
		for sel := range s.WithSeed(seed).All() {
			out = append(out, sel)
		}
		return out
	}
	assert.Equal(t, collect(7), collect(7))
	assert.NotEqual(t, collect(7), collect(8))
}

func TestSamplerEarlyBreak(t *testing.T) {
	s, err := NewEpisodicBatchSampler(4, 2, 10)
	require.NoError(t, err)
	n := 0
	for range s.All() {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestSamplerConfigurationErrors(t *testing.T) {
	for _, tc := range []struct{ c, n, e int }{
		{3, 5, 10},
		{0, 1, 1},
		{5, 0, 1},
		{5, 2, -1},
	} {
		_, err := NewEpisodicBatchSampler(tc.c, tc.n, tc.e)
		assert.ErrorIs(t, err, ErrConfiguration, "C=%d N=%d E=%d", tc.c, tc.n, tc.e)
	}

	s, err := NewEpisodicBatchSampler(3, 3, 0)
	require.NoError(t, err)
	for range s.All() {
		t.Fatal("zero episodes yields nothing")
	}
}
