package ann

import "container/heap"

var _ heap.Interface = (*searchHeap)(nil)

// nodeDist pairs a graph node with its distance to the current query.
type nodeDist struct {
	node uint32
	dist float32
	idx  int // maintained by heap.Interface
}

// searchHeap is the working set of a layer search: nearest-on-top while
// expanding candidates, farthest-on-top while holding the ef best results,
// where the root bounds what still qualifies.
type searchHeap struct {
	farthestOnTop bool
	items         []*nodeDist
}

func (sh *searchHeap) Len() int { return len(sh.items) }

func (sh *searchHeap) Less(i, j int) bool {
	if sh.farthestOnTop {
		return sh.items[i].dist > sh.items[j].dist
	}
	return sh.items[i].dist < sh.items[j].dist
}

func (sh *searchHeap) Swap(i, j int) {
	sh.items[i], sh.items[j] = sh.items[j], sh.items[i]
	sh.items[i].idx, sh.items[j].idx = i, j
}

func (sh *searchHeap) Push(x any) {
	item, _ := x.(*nodeDist)
	item.idx = len(sh.items)
	sh.items = append(sh.items, item)
}

func (sh *searchHeap) Pop() any {
	old := sh.items
	n := len(old)
	if n == 0 {
		return nil
	}
	item := old[n-1]
	old[n-1] = nil
	item.idx = -1
	sh.items = old[:n-1]
	return item
}

// top returns the root without removing it.
func (sh *searchHeap) top() *nodeDist {
	return sh.items[0]
}
