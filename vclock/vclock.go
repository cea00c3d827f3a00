// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package vclock implements the vector-clock algebra used to order rows
// replicated across multiple xlog streams.
package vclock

import "fmt"

// V is a vector clock: a mapping from replica id to the last seen LSN for
// that replica. The zero value is the empty clock.
type V map[uint32]int64

// New returns an empty vector clock.
func New() V {
	return make(V)
}

// Clone returns a deep copy of v.
func (v V) Clone() V {
	if v == nil {
		return New()
	}
	out := make(V, len(v))
	for k, lsn := range v {
		out[k] = lsn
	}
	return out
}

// Get returns the LSN known for replicaID, or 0 if absent.
func (v V) Get(replicaID uint32) int64 {
	return v[replicaID]
}

// Signature returns signature(V) = sum of all LSNs, used as the sort key
// for segment file names.
func (v V) Signature() uint64 {
	var sum int64
	for _, lsn := range v {
		sum += lsn
	}
	return uint64(sum)
}

// Set returns a copy of v with replicaID's LSN set to lsn.
func (v V) Set(replicaID uint32, lsn int64) V {
	out := v.Clone()
	out[replicaID] = lsn
	return out
}

// Order describes the result of comparing two vector clocks.
type Order int

const (
	// Equal means every key in both clocks agrees.
	Equal Order = iota
	// Less means v <= w and v != w.
	Less
	// Greater means v >= w and v != w.
	Greater
	// Incomparable means neither v <= w nor w <= v holds.
	Incomparable
)

// Compare orders v against w. V <= w iff for every key k present in v,
// w[k] >= v[k]. Two clocks are comparable only if one is <= the other.
func Compare(v, w V) Order {
	vLEw := true
	for k, lsn := range v {
		if w.Get(k) < lsn {
			vLEw = false
			break
		}
	}
	wLEv := true
	for k, lsn := range w {
		if v.Get(k) < lsn {
			wLEv = false
			break
		}
	}
	switch {
	case vLEw && wLEv:
		return Equal
	case vLEw:
		return Less
	case wLEv:
		return Greater
	default:
		return Incomparable
	}
}

// LessOrEqual reports whether v <= w.
func LessOrEqual(v, w V) bool {
	o := Compare(v, w)
	return o == Equal || o == Less
}

// Merge returns the pointwise maximum of v and w (the join in the vclock
// lattice). Used when a gap is downgraded to a warning and recovery still
// needs to fast-forward its position.
func Merge(v, w V) V {
	out := v.Clone()
	for k, lsn := range w {
		if lsn > out.Get(k) {
			out[k] = lsn
		}
	}
	return out
}

// Follow advances v's entry for replicaID to lsn if lsn is greater than the
// currently recorded value. It is always monotonic and never retreats.
func Follow(v V, replicaID uint32, lsn int64) V {
	if lsn <= v.Get(replicaID) {
		return v
	}
	return v.Set(replicaID, lsn)
}

// Equals reports whether v and w contain exactly the same entries.
func Equals(v, w V) bool {
	if len(v) != len(w) {
		return false
	}
	for k, lsn := range v {
		if w.Get(k) != lsn {
			return false
		}
	}
	return true
}

// String renders a vclock for logging, e.g. "{1: 40, 2: 12}".
func (v V) String() string {
	if len(v) == 0 {
		return "{}"
	}
	s := "{"
	first := true
	for _, k := range sortedKeys(v) {
		if !first {
			s += ", "
		}
		first = false
		s += fmt.Sprintf("%d: %d", k, v[k])
	}
	return s + "}"
}

func sortedKeys(v V) []uint32 {
	keys := make([]uint32, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	// insertion sort: vclocks are tiny (one entry per replica in a cluster)
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
