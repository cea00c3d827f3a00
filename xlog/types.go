// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package xlog implements the log-segment cursor and the log directory
// index: reading one append-only segment file in order, and keeping an
// ordered index of all segments in a directory keyed by the signature of
// their starting vector clock.
package xlog

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dreamsxin/boxcore/vclock"
)

// LocalGroup is the group_id used for rows originated by this instance, as
// opposed to rows relayed from another replica.
const LocalGroup uint8 = 0

// Row is one logged record. replica_id == 0 iff group_id == LocalGroup.
type Row struct {
	ReplicaID uint32
	LSN       int64
	GroupID   uint8
	Timestamp int64 // unix nanoseconds
	Body      []byte
}

// Valid reports whether the replica/group invariant holds for r.
func (r Row) Valid() bool {
	return (r.ReplicaID == 0) == (r.GroupID == LocalGroup)
}

// Header is the metadata stored at the start of a segment file.
type Header struct {
	InstanceUUID uuid.UUID
	Vclock       vclock.V
	// PrevVclock is the ending vclock of the segment's predecessor. Unset
	// (HasPrevVclock == false) for legacy segments written before this
	// field existed.
	PrevVclock    vclock.V
	HasPrevVclock bool
}

// Signature is the sort/lookup key for a segment: signature(vclock_at_start).
func (h Header) Signature() uint64 {
	return h.Vclock.Signature()
}

// Name returns the canonical on-disk basename for a segment with the given
// starting vclock.
func Name(v vclock.V) string {
	return fmt.Sprintf("%020d.xlog", v.Signature())
}

// ErrCorruption is returned by Cursor.Next on structural/checksum failures
// in strict mode.
var ErrCorruption = fmt.Errorf("xlog: corruption detected")

// ErrGap is returned by the directory/recovery layer when the segment chain
// has a discontinuity; defined here since both xlog and recovery need to
// recognize it.
var ErrGap = fmt.Errorf("xlog: gap in segment chain")
