// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package xlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// State is the lifecycle state of a Cursor: NEW until opened, OPEN while
// rows remain, EOF once the terminal marker is read, CLOSED after Close.
type State int

const (
	StateNew State = iota
	StateOpen
	StateEOF
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateOpen:
		return "OPEN"
	case StateEOF:
		return "EOF"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Cursor reads rows from a single segment file in order. Not safe for
// concurrent use; a Recovery driver owns exactly one open cursor at a time.
type Cursor struct {
	path  string
	state State
	meta  Header

	f  *os.File
	br *bufio.Reader

	// off is the file offset of the next unread frame. When a read tears
	// mid-frame the cursor seeks back here, so a retry after the writer
	// appends more bytes starts frame-aligned instead of mid-frame.
	off int64

	// truncated records whether the last read hit a torn trailing frame
	// instead of a clean EOF marker; such a cursor stays OPEN (not EOF) so
	// the watcher can retry once the writer appends more bytes.
	truncated bool

	logger log.Logger
	// warnedOff is the offset of the last frame a corruption warning was
	// emitted for, so a follow loop retrying the same frame doesn't spam.
	warnedOff int64
}

// OpenOption configures a Cursor at Open time.
type OpenOption func(*Cursor)

// WithLogger sets the logger used for permissive-mode corruption warnings.
func WithLogger(l log.Logger) OpenOption {
	return func(c *Cursor) { c.logger = l }
}

// Meta returns the parsed segment header. Valid only once the cursor has
// been opened.
func (c *Cursor) Meta() Header { return c.meta }

// State reports the cursor's current lifecycle state.
func (c *Cursor) State() State { return c.state }

// IsEOF reports whether the cursor has latched EOF: once Next returns
// io.EOF, every subsequent call also returns io.EOF without touching the
// file again.
func (c *Cursor) IsEOF() bool { return c.state == StateEOF }

// Open opens the segment file at path and parses its header. expectedUUID,
// if non-nil, causes Open to reject any file whose header UUID doesn't
// match as directory noise, returning ErrNotASegment: a segment written by
// another instance is not an error, it just isn't ours.
func Open(path string, expectedUUID *uuid.UUID, opts ...OpenOption) (*Cursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	meta, ok, err := ReadHeader(br)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !ok {
		f.Close()
		return nil, ErrNotASegment
	}
	if expectedUUID != nil && meta.InstanceUUID != *expectedUUID {
		f.Close()
		return nil, ErrNotASegment
	}
	c := &Cursor{
		path:      path,
		state:     StateOpen,
		meta:      meta,
		f:         f,
		br:        br,
		off:       headerWireSize(meta),
		logger:    log.NewNopLogger(),
		warnedOff: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ErrNotASegment marks a file that parses as directory noise rather than a
// real segment (bad magic or UUID mismatch).
var ErrNotASegment = errors.New("xlog: not a segment file for this instance")

// Next returns the next row in file order. It returns io.EOF once the
// segment's terminal EOF marker is read (state latches to EOF) or, for a
// torn trailing segment, once the bytes run out without a marker (state
// stays OPEN so a subsequent Next after more bytes are appended can make
// progress). In strict mode a checksum/structural failure is returned as
// ErrCorruption; in permissive mode the corruption is logged and the
// remaining bytes are treated as an unterminated tail — the frame format
// carries no resync marker, so there is no safe way to scan forward past
// a corrupt length-prefixed frame to the next boundary.
func (c *Cursor) Next(permissive bool) (Row, error) {
	switch c.state {
	case StateEOF, StateClosed:
		return Row{}, io.EOF
	}

	kind, err := readFrameKind(c.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Ran out of bytes without a terminal marker: the writer
			// hasn't finished (or crashed mid-segment). Stay OPEN.
			return Row{}, c.rewind()
		}
		return Row{}, fmt.Errorf("xlog: reading frame kind: %w", err)
	}

	switch kind {
	case frameEOF:
		c.state = StateEOF
		c.off += eofWireSize
		return Row{}, io.EOF
	case frameRow:
		row, err := readRowFrame(c.br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Row{}, c.rewind()
			}
			if !permissive {
				return Row{}, err
			}
			// Permissive: we can't safely resync past a corrupt
			// length-prefixed frame, so treat remaining bytes as an
			// unterminated tail, same as a torn write.
			c.warnCorruption(err)
			return Row{}, c.rewind()
		}
		c.off += rowWireSize(row)
		c.truncated = false
		return row, nil
	default:
		if !permissive {
			return Row{}, fmt.Errorf("%w: unknown frame kind %d", ErrCorruption, kind)
		}
		// Can't know this frame's length, so permissive mode can't skip
		// past it either; treat as a torn tail.
		c.warnCorruption(fmt.Errorf("%w: unknown frame kind %d", ErrCorruption, kind))
		return Row{}, c.rewind()
	}
}

// warnCorruption logs one warning per corrupt frame offset; a follow loop
// retrying the same parked frame stays quiet after the first hit.
func (c *Cursor) warnCorruption(err error) {
	if c.off == c.warnedOff {
		return
	}
	c.warnedOff = c.off
	level.Warn(c.logger).Log("msg", "corrupt row frame, treating remainder of segment as unterminated", "path", c.path, "offset", c.off, "err", err)
}

// rewind seeks back to the start of the torn frame and resets the buffered
// reader, so the next call re-reads it frame-aligned once the writer has
// appended the rest. Always returns io.EOF for the caller to hand up.
func (c *Cursor) rewind() error {
	c.truncated = true
	if _, err := c.f.Seek(c.off, io.SeekStart); err != nil {
		return fmt.Errorf("xlog: rewinding torn frame in %s: %w", c.path, err)
	}
	c.br.Reset(c.f)
	return io.EOF
}

// Truncated reports whether the cursor ended because of unterminated
// trailing bytes rather than a clean EOF marker.
func (c *Cursor) Truncated() bool { return c.truncated }

// Close releases the underlying file descriptor. Idempotent.
func (c *Cursor) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	if c.f == nil {
		return nil
	}
	return c.f.Close()
}
