package resolver

import (
	"encoding/json"

	"github.com/c360/syncengine/errors"
)

// CRDT type tags used in the crdtEnvelope.
const (
	CRDTGCounter    = "gcounter"
	CRDTLWWRegister = "lww-register"
	CRDTORSet       = "orset"
)

// GCounter is a grow-only counter merged by taking the per-node maximum.
type GCounter map[string]int64

// Increment adds delta to node's share of the counter.
func (g GCounter) Increment(node string, delta int64) {
	g[node] += delta
}

// Value returns the total across all nodes.
func (g GCounter) Value() int64 {
	var total int64
	for _, v := range g {
		total += v
	}
	return total
}

// Merge returns the pointwise maximum of g and other.
func (g GCounter) Merge(other GCounter) GCounter {
	merged := make(GCounter, len(g)+len(other))
	for node, v := range g {
		merged[node] = v
	}
	for node, v := range other {
		if v > merged[node] {
			merged[node] = v
		}
	}
	return merged
}

// LWWRegister is a last-writer-wins register. Merge keeps the write with the
// higher timestamp, breaking ties on node ID.
type LWWRegister struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	NodeID    string          `json:"node_id"`
}

// Merge returns the winning register of r and other.
func (r LWWRegister) Merge(other LWWRegister) LWWRegister {
	if other.Timestamp > r.Timestamp ||
		(other.Timestamp == r.Timestamp && other.NodeID > r.NodeID) {
		return other
	}
	return r
}

// ORSet is an observed-remove set. Adds and removes are tag sets per
// element; an element is present while it has an add tag not yet observed
// removed. Merge unions both sides, so removals never resurrect.
type ORSet struct {
	Adds    map[string]map[string]bool `json:"adds"`
	Removes map[string]map[string]bool `json:"removes"`
}

// NewORSet creates an empty observed-remove set.
func NewORSet() *ORSet {
	return &ORSet{
		Adds:    make(map[string]map[string]bool),
		Removes: make(map[string]map[string]bool),
	}
}

// Add inserts element with a unique tag.
func (s *ORSet) Add(element, tag string) {
	if s.Adds[element] == nil {
		s.Adds[element] = make(map[string]bool)
	}
	s.Adds[element][tag] = true
}

// Remove marks every currently observed add tag of element as removed.
func (s *ORSet) Remove(element string) {
	if s.Removes[element] == nil {
		s.Removes[element] = make(map[string]bool)
	}
	for tag := range s.Adds[element] {
		s.Removes[element][tag] = true
	}
}

// Contains reports whether element has a surviving add tag.
func (s *ORSet) Contains(element string) bool {
	for tag := range s.Adds[element] {
		if !s.Removes[element][tag] {
			return true
		}
	}
	return false
}

// Elements returns the present elements, unordered.
func (s *ORSet) Elements() []string {
	var out []string
	for elem := range s.Adds {
		if s.Contains(elem) {
			out = append(out, elem)
		}
	}
	return out
}

// Merge returns the union of s and other.
func (s *ORSet) Merge(other *ORSet) *ORSet {
	merged := NewORSet()
	for _, src := range []*ORSet{s, other} {
		for elem, tags := range src.Adds {
			for tag := range tags {
				merged.Add(elem, tag)
			}
		}
		for elem, tags := range src.Removes {
			if merged.Removes[elem] == nil {
				merged.Removes[elem] = make(map[string]bool)
			}
			for tag := range tags {
				merged.Removes[elem][tag] = true
			}
		}
	}
	return merged
}

// crdtEnvelope wraps a serialized CRDT state with its type tag.
type crdtEnvelope struct {
	CRDT  string          `json:"crdt"`
	State json.RawMessage `json:"state"`
}

// CRDTMerge structurally merges two documents carrying the same CRDT type.
// The merge is commutative, associative and idempotent, so replicas converge
// regardless of delivery order.
type CRDTMerge struct{}

// Name implements Strategy.
func (CRDTMerge) Name() string { return "crdt-merge" }

// Resolve implements Strategy.
func (CRDTMerge) Resolve(local, remote Document) (*Resolution, error) {
	var le, re crdtEnvelope
	if err := json.Unmarshal(local.Data, &le); err != nil {
		return nil, errors.WrapUnresolvable(errors.ErrConflictEscalate,
			"resolver", "CRDTMerge", "local document is not a CRDT envelope")
	}
	if err := json.Unmarshal(remote.Data, &re); err != nil {
		return nil, errors.WrapUnresolvable(errors.ErrConflictEscalate,
			"resolver", "CRDTMerge", "remote document is not a CRDT envelope")
	}
	if le.CRDT != re.CRDT {
		return nil, errors.WrapUnresolvable(errors.ErrConflictEscalate,
			"resolver", "CRDTMerge", "mismatched CRDT types "+le.CRDT+" and "+re.CRDT)
	}

	state, err := mergeCRDTState(le.CRDT, le.State, re.State)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(crdtEnvelope{CRDT: le.CRDT, State: state})
	if err != nil {
		return nil, errors.Wrap(err, "resolver", "CRDTMerge", "encode merged state")
	}
	return &Resolution{Merged: data}, nil
}

func mergeCRDTState(kind string, local, remote json.RawMessage) (json.RawMessage, error) {
	switch kind {
	case CRDTGCounter:
		var l, r GCounter
		if err := json.Unmarshal(local, &l); err != nil {
			return nil, errors.WrapUnresolvable(err, "resolver", "CRDTMerge", "decode local gcounter")
		}
		if err := json.Unmarshal(remote, &r); err != nil {
			return nil, errors.WrapUnresolvable(err, "resolver", "CRDTMerge", "decode remote gcounter")
		}
		return json.Marshal(l.Merge(r))
	case CRDTLWWRegister:
		var l, r LWWRegister
		if err := json.Unmarshal(local, &l); err != nil {
			return nil, errors.WrapUnresolvable(err, "resolver", "CRDTMerge", "decode local register")
		}
		if err := json.Unmarshal(remote, &r); err != nil {
			return nil, errors.WrapUnresolvable(err, "resolver", "CRDTMerge", "decode remote register")
		}
		return json.Marshal(l.Merge(r))
	case CRDTORSet:
		l, r := NewORSet(), NewORSet()
		if err := json.Unmarshal(local, l); err != nil {
			return nil, errors.WrapUnresolvable(err, "resolver", "CRDTMerge", "decode local orset")
		}
		if err := json.Unmarshal(remote, r); err != nil {
			return nil, errors.WrapUnresolvable(err, "resolver", "CRDTMerge", "decode remote orset")
		}
		return json.Marshal(l.Merge(r))
	default:
		return nil, errors.WrapUnresolvable(errors.ErrConflictEscalate,
			"resolver", "CRDTMerge", "unknown CRDT type "+kind)
	}
}
