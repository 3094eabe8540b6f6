package ann

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/memvault/memvault/blobstore"
	"github.com/memvault/memvault/codec"
	"github.com/memvault/memvault/metric"
)

// Index is the HNSW-backed VectorIndex implementation.
//
// The underlying graph does not support structural deletes: Remove only
// drops the id-to-slot mapping and marks the slot removed. Rebuild is the
// only compaction mechanism.
//
// Index is not safe for concurrent use; the facade actor is its sole owner.
type Index struct {
	cfg     Config
	graph   *hnswGraph
	slots   map[string]uint32 // record id -> graph slot
	ids     map[uint32]string // graph slot -> record id
	removed *roaring.Bitmap   // logically removed slots awaiting rebuild

	blobs       blobstore.Store
	codec       codec.Codec
	logger      *slog.Logger
	lastRebuild *time.Time
}

var _ VectorIndex = (*Index)(nil)

// NewIndex creates an uninitialized index persisting through blobs.
// A nil logger disables logging.
func NewIndex(blobs blobstore.Store, c codec.Codec, logger *slog.Logger) *Index {
	if c == nil {
		c = codec.Default
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Index{
		blobs:  blobs,
		codec:  c,
		logger: logger,
	}
}

// Initialize builds an empty graph for the given configuration.
func (x *Index) Initialize(cfg Config) error {
	if cfg.Dimension <= 0 {
		return fmt.Errorf("invalid dimension: %d", cfg.Dimension)
	}
	def := DefaultConfig(cfg.Dimension)
	if cfg.MaxElements <= 0 {
		cfg.MaxElements = def.MaxElements
	}
	if cfg.EFConstruction <= 0 {
		cfg.EFConstruction = def.EFConstruction
	}
	if cfg.M <= 0 {
		cfg.M = def.M
	}
	if cfg.Seed == 0 {
		cfg.Seed = def.Seed
	}

	x.cfg = cfg
	x.graph = newGraph(cfg.Dimension, graphOptions{
		M:              cfg.M,
		EFConstruction: cfg.EFConstruction,
		Heuristic:      true,
		DistanceFunc:   metric.CosineDistance,
		Seed:           cfg.Seed,
	})
	x.slots = make(map[string]uint32)
	x.ids = make(map[uint32]string)
	x.removed = roaring.New()
	return nil
}

// Ready reports whether the index has been initialized.
func (x *Index) Ready() bool {
	return x.graph != nil
}

// Add inserts a vector under the given record id.
//
// Once the index is full the insert is skipped and ErrCapacityExceeded is
// returned; this is the backpressure point, not a crash. Re-adding an
// existing id replaces its mapping (the old slot is marked removed).
func (x *Index) Add(id string, vector []float32) error {
	if x.graph == nil {
		return ErrNotInitialized
	}

	if old, ok := x.slots[id]; ok {
		x.removed.Add(old)
		delete(x.ids, old)
	} else if x.live() >= x.cfg.MaxElements {
		x.logger.Warn("index at capacity, insert skipped",
			"id", id,
			"max_elements", x.cfg.MaxElements,
		)
		return ErrCapacityExceeded
	}

	slot, err := x.graph.Insert(vector)
	if err != nil {
		return err
	}

	x.slots[id] = slot
	x.ids[slot] = id
	return nil
}

// Search returns up to k live matches ordered nearest-first.
func (x *Index) Search(query []float32, k int) ([]SearchResult, error) {
	if x.graph == nil {
		return nil, ErrNotInitialized
	}
	if k <= 0 {
		return nil, errors.New("k must be positive")
	}

	// Over-fetch to compensate for removed slots still present in the graph.
	fetch := k + int(x.removed.GetCardinality())

	pq, err := x.graph.KNNSearch(query, fetch, x.cfg.EFConstruction)
	if err != nil {
		return nil, err
	}

	// The queue pops worst-first; collect then reverse into nearest-first,
	// dropping the sentinel, removed slots and unmapped slots.
	collected := make([]SearchResult, 0, pq.Len())
	for pq.Len() > 0 {
		item, _ := heap.Pop(pq).(*nodeDist)
		id, ok := x.ids[item.node]
		if !ok || x.removed.Contains(item.node) {
			continue
		}
		collected = append(collected, SearchResult{ID: id, Distance: item.dist})
	}

	results := make([]SearchResult, 0, k)
	for i := len(collected) - 1; i >= 0 && len(results) < k; i-- {
		results = append(results, collected[i])
	}
	return results, nil
}

// Remove logically removes a record id. The slot stays in the graph until
// Rebuild. Returns false when the id is unknown.
func (x *Index) Remove(id string) bool {
	if x.graph == nil {
		return false
	}
	slot, ok := x.slots[id]
	if !ok {
		return false
	}
	delete(x.slots, id)
	delete(x.ids, slot)
	x.removed.Add(slot)
	return true
}

// Rebuild re-initializes the graph from scratch over the given entries,
// reclaiming the capacity held by removed slots.
func (x *Index) Rebuild(entries []Entry) error {
	if x.graph == nil {
		return ErrNotInitialized
	}

	cfg := x.cfg
	if err := x.Initialize(cfg); err != nil {
		return err
	}

	for _, e := range entries {
		if err := x.Add(e.ID, e.Vector); err != nil {
			if errors.Is(err, ErrCapacityExceeded) {
				x.logger.Warn("rebuild hit capacity, remaining entries skipped",
					"max_elements", cfg.MaxElements,
				)
				break
			}
			return err
		}
	}

	now := time.Now().UTC()
	x.lastRebuild = &now
	x.logger.Info("index rebuilt",
		"elements", x.live(),
		"max_elements", cfg.MaxElements,
	)
	return nil
}

// Stats describes the index state.
func (x *Index) Stats() Stats {
	s := Stats{
		MaxElements: x.cfg.MaxElements,
		Dimension:   x.cfg.Dimension,
		Indexed:     x.graph != nil,
		LastRebuild: x.lastRebuild,
	}
	if x.graph != nil {
		s.CurrentElements = x.live()
		s.Removed = int(x.removed.GetCardinality())
	}
	return s
}

func (x *Index) live() int {
	return len(x.slots)
}

// indexMeta is the persisted id-mapping sidecar.
type indexMeta struct {
	Config      Config            `json:"config"`
	Slots       map[string]uint32 `json:"slots"`
	Removed     []byte            `json:"removed"` // roaring-serialized slot set
	LastRebuild *time.Time        `json:"last_rebuild,omitempty"`
}

// Save persists the graph's native bytes and the id-mapping metadata as two
// sibling blobs.
func (x *Index) Save(ctx context.Context, name string) error {
	if x.graph == nil {
		return ErrNotInitialized
	}

	graphBytes, err := x.graph.GobEncode()
	if err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}

	removed, err := x.removed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode removed set: %w", err)
	}

	meta, err := x.codec.Marshal(indexMeta{
		Config:      x.cfg,
		Slots:       x.slots,
		Removed:     removed,
		LastRebuild: x.lastRebuild,
	})
	if err != nil {
		return fmt.Errorf("failed to encode index metadata: %w", err)
	}

	if err := x.blobs.Put(ctx, name+".graph", graphBytes); err != nil {
		return err
	}
	return x.blobs.Put(ctx, name+".map", meta)
}

// Load restores a previously saved index. It returns false (not an error)
// when no prior snapshot exists, which callers treat as "build lazily".
func (x *Index) Load(ctx context.Context, name string) (bool, error) {
	graphBytes, err := x.blobs.Get(ctx, name+".graph")
	if errors.Is(err, blobstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	metaBytes, err := x.blobs.Get(ctx, name+".map")
	if errors.Is(err, blobstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var meta indexMeta
	if err := x.codec.Unmarshal(metaBytes, &meta); err != nil {
		return false, fmt.Errorf("failed to decode index metadata: %w", err)
	}

	graph := &hnswGraph{}
	if err := graph.GobDecode(graphBytes); err != nil {
		return false, fmt.Errorf("failed to decode graph: %w", err)
	}
	// The distance function and level generator are not serializable.
	graph.opts.DistanceFunc = metric.CosineDistance
	graph.rng = rand.New(rand.NewSource(graph.opts.Seed))

	removed := roaring.New()
	if len(meta.Removed) > 0 {
		if err := removed.UnmarshalBinary(meta.Removed); err != nil {
			return false, fmt.Errorf("failed to decode removed set: %w", err)
		}
	}

	x.cfg = meta.Config
	x.graph = graph
	x.slots = meta.Slots
	x.removed = removed
	x.lastRebuild = meta.LastRebuild

	x.ids = make(map[uint32]string, len(meta.Slots))
	for id, slot := range meta.Slots {
		x.ids[slot] = id
	}

	return true, nil
}
