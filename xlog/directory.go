// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package xlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/google/uuid"

	"github.com/dreamsxin/boxcore/vclock"
)

// Entry describes one segment found during a directory scan.
type Entry struct {
	Path      string
	Header    Header
	Signature uint64
}

// Directory is an ordered index of segments keyed by signature(vclock).
// Scans replace the whole index atomically so a reader mid-iteration never
// observes a half-updated view: the index is an immutable sorted map swapped
// in with atomic.Value, and readers never block a concurrent Scan.
type Directory struct {
	path         string
	instanceUUID uuid.UUID

	// segments holds *immutable.SortedMap[uint64, Entry], swapped
	// atomically by Scan.
	segments atomic.Value
}

// NewDirectory constructs a Directory rooted at path, validating segments
// against instanceUUID. Scan must be called before Match/Next/First/Last
// are meaningful.
func NewDirectory(path string, instanceUUID uuid.UUID) *Directory {
	d := &Directory{path: path, instanceUUID: instanceUUID}
	d.segments.Store(&immutable.SortedMap[uint64, Entry]{})
	return d
}

// ErrDuplicateSignature is a fatal directory error: two distinct segments
// produced the same signature. Every valid segment has a unique starting
// vclock, so two distinct vclocks summing to the same value means the
// directory is corrupt, not a recoverable condition.
var ErrDuplicateSignature = errors.New("xlog: duplicate segment signature in directory")

// Scan re-reads the directory from disk and atomically replaces the index.
// Files that don't parse as segments, or whose header UUID doesn't match
// this instance, are silently treated as directory noise.
func (d *Directory) Scan() error {
	ents, err := os.ReadDir(d.path)
	if err != nil {
		return fmt.Errorf("xlog: scanning %s: %w", d.path, err)
	}

	out := &immutable.SortedMap[uint64, Entry]{}
	for _, de := range ents {
		if de.IsDir() {
			continue
		}
		full := filepath.Join(d.path, de.Name())
		c, err := Open(full, &d.instanceUUID)
		if err != nil {
			if errors.Is(err, ErrNotASegment) {
				continue
			}
			// Real I/O errors (permission, read failure) propagate; only a
			// bad magic or UUID mismatch is treated as pure noise.
			return fmt.Errorf("xlog: opening candidate segment %s: %w", full, err)
		}
		sig := c.Meta().Signature()
		_ = c.Close()

		if existing, dup := out.Get(sig); dup && existing.Path != full {
			return fmt.Errorf("%w: %s and %s both have signature %d", ErrDuplicateSignature, existing.Path, full, sig)
		}
		out = out.Set(sig, Entry{Path: full, Header: c.Meta(), Signature: sig})
	}
	d.segments.Store(out)
	return nil
}

func (d *Directory) snapshot() *immutable.SortedMap[uint64, Entry] {
	return d.segments.Load().(*immutable.SortedMap[uint64, Entry])
}

// Match returns the entry with the greatest starting signature <= v's
// signature: the segment a replay positioned at v must start reading from.
// ok is false if no such segment exists.
func (d *Directory) Match(v vclock.V) (Entry, bool) {
	target := v.Signature()
	snap := d.snapshot()
	it := snap.Iterator()
	var best Entry
	found := false
	for !it.Done() {
		sig, e, _ := it.Next()
		if sig > target {
			break
		}
		best, found = e, true
	}
	return best, found
}

// Lookup returns the entry with exactly the given signature, if any. Used
// by the recovery driver to re-find the directory entry matching a cursor
// it already has open.
func (d *Directory) Lookup(signature uint64) (Entry, bool) {
	snap := d.snapshot()
	return snap.Get(signature)
}

// Next returns the entry immediately following e in signature order.
func (d *Directory) Next(e Entry) (Entry, bool) {
	snap := d.snapshot()
	it := snap.Iterator()
	for !it.Done() {
		sig, next, _ := it.Next()
		if sig > e.Signature {
			return next, true
		}
	}
	return Entry{}, false
}

// First returns the starting vclock of the earliest segment.
func (d *Directory) First() (vclock.V, bool) {
	snap := d.snapshot()
	it := snap.Iterator()
	if it.Done() {
		return nil, false
	}
	_, e, _ := it.Next()
	return e.Header.Vclock, true
}

// Last returns the starting vclock of the latest segment.
func (d *Directory) Last() (vclock.V, bool) {
	snap := d.snapshot()
	it := snap.Iterator()
	it.Last()
	if it.Done() {
		return nil, false
	}
	_, e, _ := it.Prev()
	return e.Header.Vclock, true
}

// All returns every entry currently indexed, in signature order. Used by
// tests and by Recovery.Scan's end-vclock computation.
func (d *Directory) All() []Entry {
	snap := d.snapshot()
	out := make([]Entry, 0, snap.Len())
	it := snap.Iterator()
	for !it.Done() {
		_, e, _ := it.Next()
		out = append(out, e)
	}
	return out
}

// Path returns the directory's root path.
func (d *Directory) Path() string { return d.path }
