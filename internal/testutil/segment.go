// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package testutil holds small fixtures shared across this module's test
// files: writing xlog segments to disk and terse row/vclock constructors.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/boxcore/vclock"
	"github.com/dreamsxin/boxcore/xlog"
)

// WriteSegment writes a complete (or deliberately incomplete) segment file
// to dir and returns its path.
func WriteSegment(t *testing.T, dir string, id uuid.UUID, h xlog.Header, rows []xlog.Row, withEOF bool) string {
	t.Helper()
	path := filepath.Join(dir, xlog.Name(h.Vclock))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	h.InstanceUUID = id
	require.NoError(t, xlog.WriteHeader(f, h))
	for _, r := range rows {
		require.NoError(t, xlog.WriteRow(f, r))
	}
	if withEOF {
		require.NoError(t, xlog.WriteEOF(f))
	}
	return path
}

// AppendRow opens an existing segment file in append mode and writes one
// more row frame, simulating a primary still writing its tail segment.
func AppendRow(t *testing.T, path string, r xlog.Row) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, xlog.WriteRow(f, r))
}

// Row is a small constructor to keep call sites in tests terse. Non-local
// rows (replicaID != 0) get a non-zero group id to satisfy the replica/group
// invariant checked by Row.Valid.
func Row(replicaID uint32, lsn int64, body string) xlog.Row {
	group := xlog.LocalGroup
	if replicaID != 0 {
		group = 1
	}
	return xlog.Row{ReplicaID: replicaID, LSN: lsn, GroupID: group, Body: []byte(body)}
}

// V is a terse vclock.V constructor for tests.
func V(pairs ...int64) vclock.V {
	v := vclock.New()
	for i := 0; i+1 < len(pairs); i += 2 {
		v = v.Set(uint32(pairs[i]), pairs[i+1])
	}
	return v
}
