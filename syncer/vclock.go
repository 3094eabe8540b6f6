package syncer

// VectorClock tracks one sequence number per device.
type VectorClock map[string]uint64

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	OrderEqual Ordering = iota
	OrderBefore
	OrderAfter
	OrderConcurrent
)

// Clone returns an independent copy.
func (c VectorClock) Clone() VectorClock {
	cp := make(VectorClock, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

// Tick advances the given device's entry and returns the new value.
func (c VectorClock) Tick(deviceID string) uint64 {
	c[deviceID]++
	return c[deviceID]
}

// Merge folds other into c, taking the pointwise maximum. Merging the same
// clock twice is a no-op.
func (c VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > c[k] {
			c[k] = v
		}
	}
}

// Compare orders c against other causally.
func (c VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool
	for k, v := range c {
		switch o := other[k]; {
		case v < o:
			less = true
		case v > o:
			greater = true
		}
	}
	for k, o := range other {
		if _, ok := c[k]; !ok && o > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return OrderConcurrent
	case less:
		return OrderBefore
	case greater:
		return OrderAfter
	default:
		return OrderEqual
	}
}
