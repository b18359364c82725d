package resolver

// Ordering is the result of a causal comparison between two vector clocks.
type Ordering int

const (
	// OrderConcurrent means neither clock precedes the other.
	OrderConcurrent Ordering = iota
	// OrderBefore means the receiver causally precedes the other clock.
	OrderBefore
	// OrderAfter means the receiver causally follows the other clock.
	OrderAfter
	// OrderEqual means both clocks have identical history.
	OrderEqual
)

// VectorClock tracks per-node write counts for causal ordering of entity
// versions.
type VectorClock map[string]uint64

// Increment records one more write by node.
func (vc VectorClock) Increment(node string) {
	vc[node]++
}

// Compare returns the causal relation between vc and other. Either may be
// nil, which compares as an empty history.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool
	for node, v := range vc {
		ov := other[node]
		if v < ov {
			less = true
		} else if v > ov {
			greater = true
		}
	}
	for node, ov := range other {
		if vc[node] < ov {
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

// Merge returns the pointwise maximum of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := make(VectorClock, len(vc)+len(other))
	for node, v := range vc {
		merged[node] = v
	}
	for node, v := range other {
		if v > merged[node] {
			merged[node] = v
		}
	}
	return merged
}

// Clone returns a deep copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	cp := make(VectorClock, len(vc))
	for node, v := range vc {
		cp[node] = v
	}
	return cp
}
