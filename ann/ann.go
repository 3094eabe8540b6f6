// Package ann provides the approximate nearest-neighbour index over memory
// embeddings: an HNSW graph under cosine distance plus the id-mapping,
// capacity and rebuild lifecycle around it.
package ann

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCapacityExceeded is returned when an insert is skipped because the
	// index is full. Non-fatal: callers rebuild or evict before resuming.
	ErrCapacityExceeded = errors.New("index capacity exceeded")

	// ErrNotInitialized is returned when the index is used before Initialize.
	ErrNotInitialized = errors.New("index not initialized")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Config configures the index at construction time.
type Config struct {
	// Dimension is the fixed vector dimensionality.
	Dimension int `json:"dimension"`
	// MaxElements caps the number of live vectors. Removal is logical, so
	// capacity is only reclaimed by Rebuild.
	MaxElements int `json:"max_elements"`
	// EFConstruction is the candidate list size during insertion.
	EFConstruction int `json:"ef_construction"`
	// M is the graph connectivity.
	M int `json:"m"`
	// Seed feeds the level generator for reproducible graphs.
	Seed int64 `json:"seed"`
}

// DefaultConfig returns the default index configuration for dimension d.
var DefaultConfig = func(d int) Config {
	return Config{
		Dimension:      d,
		MaxElements:    10_000,
		EFConstruction: 200,
		M:              16,
		Seed:           1,
	}
}

// SearchResult is a single KNN match.
type SearchResult struct {
	ID       string
	Distance float32
}

// Stats describes the index state.
type Stats struct {
	CurrentElements int        `json:"current_elements"`
	MaxElements     int        `json:"max_elements"`
	Dimension       int        `json:"dimension"`
	Removed         int        `json:"removed"`
	Indexed         bool       `json:"indexed"`
	LastRebuild     *time.Time `json:"last_rebuild,omitempty"`
}

// Entry is a record id plus its embedding, used for rebuilds.
type Entry struct {
	ID     string
	Vector []float32
}

// VectorIndex is the fixed contract the engine depends on. Backend selection
// happens once at construction; Index is the HNSW-backed implementation.
type VectorIndex interface {
	Initialize(cfg Config) error
	Add(id string, vector []float32) error
	Search(query []float32, k int) ([]SearchResult, error)
	Remove(id string) bool
	Rebuild(entries []Entry) error
	Stats() Stats
	Save(ctx context.Context, name string) error
	Load(ctx context.Context, name string) (bool, error)
}
