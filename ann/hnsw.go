package ann

import (
	"container/heap"
	"math"
	"math/rand"

	"github.com/bits-and-blooms/bitset"

	"github.com/memvault/memvault/metric"
)

// DistanceFunc represents a function for calculating the distance between two vectors.
type DistanceFunc func(v1, v2 []float32) (float32, error)

// graphNode represents a node in the HNSW graph.
type graphNode struct {
	Connections [][]uint32 // Links to other nodes
	Vector      []float32  // Vector (dimension entries)
	Layer       int        // Layer the node exists in
	ID          uint32     // Dense graph slot
}

// graphOptions configures the HNSW graph.
type graphOptions struct {
	// M is the number of established connections for every new element during
	// construction. 12-48 is fine for most use cases.
	M int

	// EFConstruction is the size of the dynamic candidate list during insertion.
	EFConstruction int

	// Heuristic selects the neighbour-selection algorithm: heuristic (true) or
	// naive top-M (false).
	Heuristic bool

	// DistanceFunc calculates the distance between vectors.
	DistanceFunc DistanceFunc

	// Seed feeds the level generator. Fixed seed means reproducible graphs.
	Seed int64
}

var defaultGraphOptions = graphOptions{
	M:              16,
	EFConstruction: 200,
	Heuristic:      true,
	DistanceFunc:   metric.CosineDistance,
	Seed:           1,
}

// hnswGraph is the hierarchical navigable small world graph.
type hnswGraph struct {
	dimension int
	mmax      int     // Max number of connections per element/per layer
	mmax0     int     // Max for the 0 layer
	ml        float64 // Normalization factor for level generation
	ep        uint32  // Entry point into the top layer
	maxLevel  int     // Current max level in use

	nodes []*graphNode

	rng *rand.Rand

	opts graphOptions
}

// newGraph creates a new HNSW graph for vectors of the given dimension.
// Slot 0 is a zero-vector sentinel; real vectors occupy slots 1..n.
func newGraph(dimension int, opts graphOptions) *hnswGraph {
	if opts.M < 2 {
		// M == 1 would make the level normalization factor divide by zero.
		opts.M = 2
	}

	return &hnswGraph{
		dimension: dimension,
		mmax:      opts.M,
		mmax0:     2 * opts.M,
		ep:        0,
		maxLevel:  0,
		ml:        1 / math.Log(1.0*float64(opts.M)),
		nodes:     []*graphNode{{ID: 0, Layer: 0, Vector: make([]float32, dimension), Connections: make([][]uint32, 2*opts.M+1)}},
		rng:       rand.New(rand.NewSource(opts.Seed)),
		opts:      opts,
	}
}

// Len returns the number of inserted vectors, excluding the sentinel.
func (h *hnswGraph) Len() int {
	return len(h.nodes) - 1
}

// Insert inserts a new vector and returns its graph slot.
func (h *hnswGraph) Insert(v []float32) (uint32, error) {
	if len(v) != h.dimension {
		return 0, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(v)}
	}

	// Copy so later changes by the caller don't mutate the node.
	vectorCopy := make([]float32, len(v))
	copy(vectorCopy, v)

	id := uint32(len(h.nodes))

	node := &graphNode{
		ID:          id,
		Vector:      vectorCopy,
		Layer:       int(math.Floor(-math.Log(h.rng.Float64()) * h.ml)),
		Connections: make([][]uint32, h.mmax+1),
	}

	// Find the closest entry on layers above the node's own layer.
	currObj, currDist, err := h.findShortestPath(node)
	if err != nil {
		return 0, err
	}

	topCandidates := &searchHeap{
		farthestOnTop: false,
	}

	// For all levels at and below the node's layer, collect the closest
	// candidates and link them.
	for level := min(node.Layer, h.maxLevel); level >= 0; level-- {
		if err := h.searchLayer(vectorCopy, &nodeDist{dist: currDist, node: currObj.ID}, topCandidates, h.opts.EFConstruction, level); err != nil {
			return 0, err
		}

		if h.opts.Heuristic {
			if err := h.selectNeighboursHeuristic(topCandidates, h.opts.M, false); err != nil {
				return 0, err
			}
		} else {
			h.selectNeighboursSimple(topCandidates, h.opts.M)
		}

		node.Connections[level] = make([]uint32, topCandidates.Len())

		for i := topCandidates.Len() - 1; i >= 0; i-- {
			candidate, _ := heap.Pop(topCandidates).(*nodeDist)
			node.Connections[level][i] = candidate.node
		}
	}

	h.nodes = append(h.nodes, node)

	// Link the neighbours back, making the node visible.
	for level := min(node.Layer, h.maxLevel); level >= 0; level-- {
		for _, neighbourNode := range node.Connections[level] {
			if err := h.link(neighbourNode, node.ID, level); err != nil {
				return 0, err
			}
		}
	}

	if node.Layer > h.maxLevel {
		h.ep = node.ID
		h.maxLevel = node.Layer
	}

	return node.ID, nil
}

func (h *hnswGraph) findShortestPath(node *graphNode) (*graphNode, float32, error) {
	currObj := h.nodes[h.ep]

	currDist, err := h.opts.DistanceFunc(currObj.Vector, node.Vector)
	if err != nil {
		return nil, 0, err
	}

	for level := currObj.Layer; level > node.Layer; level-- {
		changed := true
		for changed {
			changed = false

			for _, nodeID := range currObj.Connections[level] {
				newObj := h.nodes[nodeID]

				newDist, err := h.opts.DistanceFunc(newObj.Vector, node.Vector)
				if err != nil {
					return nil, 0, err
				}

				if newDist < currDist {
					currObj = newObj
					currDist = newDist
					changed = true
				}
			}
		}
	}

	return currObj, currDist, nil
}

// KNNSearch performs a k-nearest neighbour search, returning up to k slots
// ordered worst-first in the heap.
func (h *hnswGraph) KNNSearch(q []float32, k int, efSearch int) (*searchHeap, error) {
	if len(q) != h.dimension {
		return nil, &ErrDimensionMismatch{Expected: h.dimension, Actual: len(q)}
	}
	if efSearch < k {
		efSearch = k
	}

	topCandidates := &searchHeap{
		farthestOnTop: true,
	}
	heap.Init(topCandidates)

	currObj := h.nodes[h.ep]

	match, currDist, err := h.findEp(q, currObj)
	if err != nil {
		return nil, err
	}

	var node uint32
	if match != nil {
		node = match.ID
	}

	if err := h.searchLayer(q, &nodeDist{dist: currDist, node: node}, topCandidates, efSearch, 0); err != nil {
		return nil, err
	}

	for topCandidates.Len() > k {
		_ = heap.Pop(topCandidates)
	}

	return topCandidates, nil
}

// link adds a connection between two nodes, pruning to the per-level cap.
func (h *hnswGraph) link(first uint32, second uint32, level int) error {
	maxConnections := h.mmax
	// The bottom level allows double the connections.
	if level == 0 {
		maxConnections = h.mmax0
	}

	node := h.nodes[first]
	node.Connections[level] = append(node.Connections[level], second)

	if len(node.Connections[level]) > maxConnections {
		topCandidates := &searchHeap{
			farthestOnTop: false,
		}
		heap.Init(topCandidates)

		for _, id := range node.Connections[level] {
			distance, err := h.opts.DistanceFunc(node.Vector, h.nodes[id].Vector)
			if err != nil {
				return err
			}
			heap.Push(topCandidates, &nodeDist{node: id, dist: distance})
		}

		if h.opts.Heuristic {
			if err := h.selectNeighboursHeuristic(topCandidates, maxConnections, true); err != nil {
				return err
			}
		} else {
			h.selectNeighboursSimple(topCandidates, maxConnections)
		}

		// Reorder the connections best-first.
		node.Connections[level] = make([]uint32, maxConnections)

		for i := maxConnections - 1; i >= 0; i-- {
			item, _ := heap.Pop(topCandidates).(*nodeDist)
			node.Connections[level][i] = item.node
		}
	}

	return nil
}

// searchLayer performs a search in a specified layer of the graph.
func (h *hnswGraph) searchLayer(q []float32, ep *nodeDist, topCandidates *searchHeap, ef int, level int) error {
	var visited bitset.BitSet

	visited.Set(uint(ep.node))

	candidates := &searchHeap{
		farthestOnTop: false,
	}
	heap.Init(candidates)
	heap.Push(candidates, ep)

	topCandidates.farthestOnTop = true
	heap.Init(topCandidates)
	heap.Push(topCandidates, ep)

	for candidates.Len() > 0 {
		lowerBound := topCandidates.top().dist

		candidate, _ := heap.Pop(candidates).(*nodeDist)
		if candidate.dist > lowerBound {
			break
		}

		node := h.nodes[candidate.node]

		if len(node.Connections) > level {
			conns := node.Connections[level]

			for _, n := range conns {
				if !visited.Test(uint(n)) {
					visited.Set(uint(n))

					distance, err := h.opts.DistanceFunc(q, h.nodes[n].Vector)
					if err != nil {
						return err
					}

					topDistance := topCandidates.top().dist

					item := &nodeDist{
						dist: distance,
						node: n,
					}

					if topCandidates.Len() < ef {
						heap.Push(topCandidates, item)
						heap.Push(candidates, item)
					} else if topDistance > distance {
						heap.Pop(topCandidates)
						heap.Push(topCandidates, item)
						heap.Push(candidates, item)
					}
				}
			}
		}
	}

	return nil
}

// selectNeighboursSimple keeps the M nearest neighbours.
func (h *hnswGraph) selectNeighboursSimple(topCandidates *searchHeap, M int) {
	for topCandidates.Len() > M {
		_ = heap.Pop(topCandidates)
	}
}

// selectNeighboursHeuristic keeps neighbours that improve graph connectivity,
// not just the M nearest.
func (h *hnswGraph) selectNeighboursHeuristic(topCandidates *searchHeap, M int, order bool) error {
	if topCandidates.Len() < M {
		return nil
	}

	newCandidates := &searchHeap{}

	tmpCandidates := &searchHeap{farthestOnTop: order}
	heap.Init(tmpCandidates)

	items := make([]*nodeDist, 0, M)

	if !order {
		newCandidates.farthestOnTop = order
		heap.Init(newCandidates)

		for topCandidates.Len() > 0 {
			item, _ := heap.Pop(topCandidates).(*nodeDist)
			heap.Push(newCandidates, item)
		}
	} else {
		newCandidates = topCandidates
	}

	for newCandidates.Len() > 0 {
		if len(items) >= M {
			break
		}

		item, _ := heap.Pop(newCandidates).(*nodeDist)
		hit := true

		// Keep the candidate only if no already-kept item is closer to it
		// than the candidate is to the base node.
		for _, v := range items {
			distance, err := h.opts.DistanceFunc(h.nodes[v.node].Vector, h.nodes[item.node].Vector)
			if err != nil {
				return err
			}
			if distance < item.dist {
				hit = false
				break
			}
		}

		if hit {
			items = append(items, item)
		} else {
			heap.Push(tmpCandidates, item)
		}
	}

	// Backfill from the spilled candidates if needed.
	for len(items) < M && tmpCandidates.Len() > 0 {
		item, _ := heap.Pop(tmpCandidates).(*nodeDist)
		items = append(items, item)
	}

	for _, item := range items {
		heap.Push(topCandidates, item)
	}

	return nil
}

// findEp finds the entry point for a search on the bottom layer.
func (h *hnswGraph) findEp(q []float32, currObj *graphNode) (*graphNode, float32, error) {
	currDist, err := h.opts.DistanceFunc(q, currObj.Vector)
	if err != nil {
		return nil, 0, err
	}

	var match *graphNode

	for level := h.maxLevel; level > 0; level-- {
		scan := true

		for scan {
			scan = false

			for _, nodeID := range currObj.Connections[level] {
				d, err := h.opts.DistanceFunc(h.nodes[nodeID].Vector, q)
				if err != nil {
					return nil, 0, err
				}

				if d < currDist {
					match = h.nodes[nodeID]
					currDist = d
					scan = true
				}
			}
		}
	}

	return match, currDist, nil
}
