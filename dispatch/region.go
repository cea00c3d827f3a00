// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dispatch

// Region is a scratch bump allocator for staging a native call's packed
// argument bytes: Alloc hands out successive slices from a growable
// backing buffer, and Truncate resets the high-water mark back to a
// savepoint instead of freeing anything, so the buffer is reused across
// calls on the same task. Callers truncate on return regardless of the
// call's outcome.
type Region struct {
	buf []byte
}

// Mark returns a savepoint that Truncate can later roll back to.
func (r *Region) Mark() int { return len(r.buf) }

// Truncate resets the region's high-water mark to a prior Mark, reusing
// the backing array on the next Alloc.
func (r *Region) Truncate(mark int) { r.buf = r.buf[:mark] }

// Alloc returns a zeroed slice of n bytes carved from the region, growing
// the backing buffer if needed.
func (r *Region) Alloc(n int) []byte {
	start := len(r.buf)
	if cap(r.buf)-start < n {
		grown := make([]byte, start, (start+n)*2+64)
		copy(grown, r.buf)
		r.buf = grown
	}
	r.buf = r.buf[:start+n]
	region := r.buf[start : start+n : start+n]
	for i := range region {
		region[i] = 0
	}
	return region
}
