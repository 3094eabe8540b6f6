package ann

import (
	"container/heap"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memvault/memvault/blobstore"
)

func newTestIndex(t *testing.T, cfg Config) *Index {
	t.Helper()
	x := NewIndex(blobstore.NewMemoryStore(), nil, nil)
	require.NoError(t, x.Initialize(cfg))
	return x
}

func randomVectors(num, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, num)
	for i := range vectors {
		vectors[i] = make([]float32, dim)
		for j := range vectors[i] {
			vectors[i][j] = r.Float32()
		}
	}
	return vectors
}

func TestIndexAddAndSearch(t *testing.T) {
	x := newTestIndex(t, Config{Dimension: 4, MaxElements: 10, Seed: 42})

	require.NoError(t, x.Add("a", []float32{1, 0, 0, 0}))
	require.NoError(t, x.Add("b", []float32{0, 1, 0, 0}))
	require.NoError(t, x.Add("c", []float32{0.9, 0.1, 0, 0}))

	results, err := x.Search([]float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestIndexCapacityBackpressure(t *testing.T) {
	x := newTestIndex(t, Config{Dimension: 2, MaxElements: 2})

	require.NoError(t, x.Add("one", []float32{1, 0}))
	require.NoError(t, x.Add("two", []float32{0, 1}))

	// Third insert is a no-op with a capacity error.
	err := x.Add("three", []float32{0.5, 0.5})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	assert.Equal(t, 2, x.Stats().CurrentElements)
}

func TestIndexDimensionMismatch(t *testing.T) {
	x := newTestIndex(t, Config{Dimension: 4, MaxElements: 10})

	var dm *ErrDimensionMismatch
	err := x.Add("bad", []float32{1, 2})
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	_, err = x.Search([]float32{1}, 1)
	require.ErrorAs(t, err, &dm)
}

func TestIndexRemoveIsLogical(t *testing.T) {
	x := newTestIndex(t, Config{Dimension: 2, MaxElements: 4})

	require.NoError(t, x.Add("a", []float32{1, 0}))
	require.NoError(t, x.Add("b", []float32{0, 1}))

	require.True(t, x.Remove("a"))
	require.False(t, x.Remove("a"))
	require.False(t, x.Remove("unknown"))

	// Removed id never comes back from search.
	results, err := x.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)

	// The slot is not reclaimed until rebuild.
	stats := x.Stats()
	assert.Equal(t, 1, stats.CurrentElements)
	assert.Equal(t, 1, stats.Removed)
}

func TestIndexRebuildReclaimsCapacity(t *testing.T) {
	x := newTestIndex(t, Config{Dimension: 2, MaxElements: 2})

	require.NoError(t, x.Add("a", []float32{1, 0}))
	require.NoError(t, x.Add("b", []float32{0, 1}))
	require.True(t, x.Remove("a"))

	// Still full structurally: the removed slot holds capacity, but the live
	// count is below max so a new id is accepted.
	require.NoError(t, x.Rebuild([]Entry{
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "c", Vector: []float32{1, 0}},
	}))

	stats := x.Stats()
	assert.Equal(t, 2, stats.CurrentElements)
	assert.Equal(t, 0, stats.Removed)
	require.NotNil(t, stats.LastRebuild)

	results, err := x.Search([]float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c", results[0].ID)
}

func TestIndexReAddReplacesMapping(t *testing.T) {
	x := newTestIndex(t, Config{Dimension: 2, MaxElements: 4})

	require.NoError(t, x.Add("a", []float32{1, 0}))
	require.NoError(t, x.Add("a", []float32{0, 1}))

	results, err := x.Search([]float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 0.0, results[0].Distance, 1e-6)
}

func TestIndexSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()

	x := NewIndex(blobs, nil, nil)
	require.NoError(t, x.Initialize(Config{Dimension: 8, MaxElements: 100, Seed: 7}))

	vectors := randomVectors(20, 8, 7)
	for i, v := range vectors {
		require.NoError(t, x.Add(string(rune('a'+i)), v))
	}
	require.True(t, x.Remove("a"))

	require.NoError(t, x.Save(ctx, "ann"))

	// Both sibling blobs exist.
	names, err := blobs.List(ctx, "ann")
	require.NoError(t, err)
	require.Equal(t, []string{"ann.graph", "ann.map"}, names)

	restored := NewIndex(blobs, nil, nil)
	found, err := restored.Load(ctx, "ann")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, x.Stats().CurrentElements, restored.Stats().CurrentElements)
	assert.Equal(t, x.Stats().Removed, restored.Stats().Removed)

	// Same query, same results.
	want, err := x.Search(vectors[3], 5)
	require.NoError(t, err)
	got, err := restored.Search(vectors[3], 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestIndexLoadMissingReturnsFalse(t *testing.T) {
	x := NewIndex(blobstore.NewMemoryStore(), nil, nil)
	found, err := x.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIndexRecallOnClusteredData(t *testing.T) {
	x := newTestIndex(t, Config{Dimension: 16, MaxElements: 500, Seed: 3})

	vectors := randomVectors(200, 16, 3)
	ids := make([]string, len(vectors))
	for i, v := range vectors {
		ids[i] = string(rune('A')) + string(rune('0'+i%10)) + string(rune('0'+i/10))
		require.NoError(t, x.Add(ids[i], v))
	}

	// Searching for an indexed vector should return it first.
	for _, probe := range []int{0, 57, 123, 199} {
		results, err := x.Search(vectors[probe], 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, ids[probe], results[0].ID)
	}
}

func TestUninitializedIndex(t *testing.T) {
	x := NewIndex(blobstore.NewMemoryStore(), nil, nil)

	require.ErrorIs(t, x.Add("a", []float32{1}), ErrNotInitialized)
	_, err := x.Search([]float32{1}, 1)
	require.ErrorIs(t, err, ErrNotInitialized)
	require.False(t, x.Remove("a"))
	require.ErrorIs(t, x.Rebuild(nil), ErrNotInitialized)
}

func TestSearchHeapOrdering(t *testing.T) {
	push := func(sh *searchHeap, dists ...float32) {
		for i, d := range dists {
			heap.Push(sh, &nodeDist{node: uint32(i), dist: d})
		}
	}

	nearest := &searchHeap{}
	heap.Init(nearest)
	push(nearest, 0.5, 0.1, 0.9)
	assert.Equal(t, float32(0.1), nearest.top().dist)

	farthest := &searchHeap{farthestOnTop: true}
	heap.Init(farthest)
	push(farthest, 0.5, 0.1, 0.9)
	assert.Equal(t, float32(0.9), farthest.top().dist)

	// Popping the root keeps the bound consistent with the ordering.
	item, _ := heap.Pop(farthest).(*nodeDist)
	assert.Equal(t, float32(0.9), item.dist)
	assert.Equal(t, float32(0.5), farthest.top().dist)
	assert.Equal(t, 2, farthest.Len())
}
