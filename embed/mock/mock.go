// Package mock provides a deterministic embedder for tests and local
// development. It derives a pseudo-random unit vector from a text hash, so
// identical text always yields identical embeddings.
package mock

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/memvault/memvault/metric"
	"github.com/memvault/memvault/record"
)

// Embedder is a hash-based mock embedder.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with the engine's default dimension.
func New() *Embedder {
	return &Embedder{dimensions: record.EmbeddingDim}
}

// NewWithDimensions creates a mock embedder with a custom dimension.
func NewWithDimensions(d int) *Embedder {
	return &Embedder{dimensions: d}
}

// Embed creates a deterministic embedding from text.
func (m *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))

	// LCG seeded by the text hash.
	seed := h.Sum64()
	embedding := make([]float32, m.dimensions)
	for i := 0; i < m.dimensions; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	return metric.Normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}
