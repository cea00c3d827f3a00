// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package recovery replays a log directory in deterministic order into a
// sink, detects gaps in the segment chain, and can transition from a
// bounded initial replay into a hot-standby loop that follows new segments
// as a primary produces them.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/boxcore/fswatch"
	"github.com/dreamsxin/boxcore/vclock"
	"github.com/dreamsxin/boxcore/xlog"
)

// Mode is the driver's high-level phase.
type Mode int

const (
	// ModeInitial replays to a bound (or to the end of the directory).
	ModeInitial Mode = iota
	// ModeFollow replays to the end, then subscribes for more.
	ModeFollow
)

func (m Mode) String() string {
	if m == ModeFollow {
		return "FOLLOW"
	}
	return "INITIAL"
}

// Sink receives rows in deterministic replay order. In production this is
// the stream feeding the database engine; tests record rows directly.
type Sink interface {
	Write(xlog.Row) error
}

// CloseLogTrigger is invoked each time the driver finishes with one
// segment, cleanly or otherwise.
type CloseLogTrigger func(entry xlog.Entry, clean bool)

// Driver holds the replay position and the single open cursor for one log
// directory. The vclock only ever advances; it never retreats, even across
// permissive-mode warnings.
type Driver struct {
	mu sync.Mutex

	instanceUUID uuid.UUID
	dir          *xlog.Directory
	permissive   bool
	rescanDelay  time.Duration

	vclock vclock.V
	mode   Mode

	cursor      *xlog.Cursor
	curEntry    xlog.Entry
	everOpened  bool
	prevEnd     vclock.V
	havePrevEnd bool

	watcher *fswatch.Watcher

	onCloseTriggers []CloseLogTrigger

	logger  log.Logger
	metrics *recoveryMetrics

	closed bool
}

// Option configures a Driver at construction time.
type Option func(*Driver)

// WithPermissive enables permissive mode: gaps and corruption are
// downgraded to warnings instead of fatal errors.
func WithPermissive(v bool) Option { return func(d *Driver) { d.permissive = v } }

// WithLogger sets the structured logger used for warnings.
func WithLogger(l log.Logger) Option { return func(d *Driver) { d.logger = l } }

// WithRegisterer attaches prometheus metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Driver) { d.metrics = newRecoveryMetrics(reg) }
}

// WithRescanDelay sets the hot-standby loop's timeout between forced
// rescans.
func WithRescanDelay(dur time.Duration) Option {
	return func(d *Driver) { d.rescanDelay = dur }
}

// WithOnCloseTrigger registers a trigger run whenever the driver finishes
// with a segment.
func WithOnCloseTrigger(fn CloseLogTrigger) Option {
	return func(d *Driver) { d.onCloseTriggers = append(d.onCloseTriggers, fn) }
}

// New constructs a Driver rooted at a log directory, starting replay from
// the given vclock (the recovered checkpoint position).
func New(dirPath string, instanceUUID uuid.UUID, start vclock.V, opts ...Option) *Driver {
	d := &Driver{
		instanceUUID: instanceUUID,
		dir:          xlog.NewDirectory(dirPath, instanceUUID),
		vclock:       start.Clone(),
		rescanDelay:  time.Second,
		logger:       log.NewNopLogger(),
		metrics:      newRecoveryMetrics(prometheus.NewRegistry()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Vclock returns a copy of the driver's current position.
func (d *Driver) Vclock() vclock.V {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vclock.Clone()
}

// Mode returns the driver's current phase.
func (d *Driver) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Scan computes the directory's end vclock (the most advanced position any
// segment reaches) and its gc vclock (the earliest position still covered)
// without mutating the driver's own position, by reading only the last
// segment's rows.
func (d *Driver) Scan() (end, gc vclock.V, err error) {
	if err := d.dir.Scan(); err != nil {
		return nil, nil, err
	}
	all := d.dir.All()
	if len(all) == 0 {
		cur := d.Vclock()
		return cur, cur, nil
	}
	first, _ := d.dir.First()
	last := all[len(all)-1]

	c, err := xlog.Open(last.Path, &d.instanceUUID, xlog.WithLogger(d.logger))
	if err != nil {
		return nil, nil, err
	}
	defer c.Close()

	endV := last.Header.Vclock.Clone()
	for {
		row, err := c.Next(true)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		endV = vclock.Follow(endV, row.ReplicaID, row.LSN)
	}
	return endV, first, nil
}

// Replay replays the directory from the driver's current position into
// sink. If stop is non-nil, replay halts once the position reaches it
// (success) or returns a gap error if the directory is exhausted without
// reaching it. If rescan is true the directory is re-scanned from disk
// first.
func (d *Driver) Replay(ctx context.Context, sink Sink, stop *vclock.V, rescan bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.replayLocked(ctx, sink, stop, rescan)
}

// replayLocked walks directory entries in signature order, with one
// wrinkle for resuming a cursor that's already open from a previous call:
// the "resuming" flag jumps past the gap-check and reopen logic on the
// first entry when a cursor already exists.
func (d *Driver) replayLocked(ctx context.Context, sink Sink, stop *vclock.V, rescan bool) error {
	if rescan {
		if err := d.dir.Scan(); err != nil {
			return wrap(KindSystemError, err)
		}
	}

	var entry xlog.Entry
	var ok bool
	resuming := false

	if d.cursor != nil {
		if e, found := d.dir.Lookup(d.curEntry.Signature); found {
			entry, ok = e, true
			resuming = true
		} else {
			// The segment we have open vanished from the directory between
			// calls. Log and fall back to matching from the current vclock,
			// same as if no cursor were open.
			level.Error(d.logger).Log("msg", "segment disappeared from directory while open", "path", d.curEntry.Path)
			entry, ok = d.dir.Match(d.vclock)
		}
	} else {
		entry, ok = d.dir.Match(d.vclock)
	}

	if err := ctx.Err(); err != nil && !resuming {
		// Cancellation is not honored mid-replay, to preserve clock
		// monotonicity; we only check it up front so a caller that passed
		// an already-cancelled context doesn't spin on an empty directory
		// forever.
		return err
	}

	for ok {
		if stop != nil && entry.Signature >= stop.Signature() {
			break
		}

		if !resuming {
			// After an earlier open, a nil cursor means the last segment has
			// already been closed; replay never goes back to it or to an
			// earlier one.
			consumed := d.everOpened && (d.cursor == nil || d.cursor.IsEOF())
			if consumed && d.curEntry.Signature >= entry.Signature {
				// Already fully consumed this or an earlier segment; the
				// directory just hasn't caught up to our position yet.
				next, hasNext := d.dir.Next(entry)
				entry, ok = next, hasNext
				continue
			}
			if err := d.openSegment(entry); err != nil {
				return err
			}
		}
		resuming = false

		if err := d.drainRows(sink, stop); err != nil {
			return err
		}

		next, hasNext := d.dir.Next(entry)
		entry, ok = next, hasNext
	}

	if d.cursor != nil && d.cursor.IsEOF() {
		d.closeLogLocked(false)
	}

	if stop != nil && !vclock.Equals(d.vclock, *stop) {
		d.metrics.gapsDetected.WithLabelValues("fatal").Inc()
		return wrap(KindXlogGap, fmt.Errorf("recovery: %w: expected to reach %v, stopped at %v", xlog.ErrGap, *stop, d.vclock))
	}
	return nil
}

// openSegment opens entry as the driver's current cursor and runs the gap
// check against the previous segment's end position.
func (d *Driver) openSegment(entry xlog.Entry) error {
	next, err := xlog.Open(entry.Path, &d.instanceUUID, xlog.WithLogger(d.logger))
	if err != nil {
		return wrap(KindSystemError, err)
	}

	// Close the outgoing cursor first: closeLogLocked captures its end
	// position (prevEnd), which is what the incoming segment's prev_vclock
	// must match.
	if d.cursor != nil {
		d.closeLogLocked(true)
	}

	gap := false
	if !d.everOpened {
		switch vclock.Compare(entry.Header.Vclock, d.vclock) {
		case vclock.Greater, vclock.Incomparable:
			gap = true
		}
	} else if entry.Header.HasPrevVclock && d.havePrevEnd {
		if !vclock.Equals(entry.Header.PrevVclock, d.prevEnd) {
			gap = true
		}
	}

	if gap {
		if d.permissive {
			d.metrics.gapsDetected.WithLabelValues("warning").Inc()
			level.Warn(d.logger).Log("msg", "ignoring a gap in the xlog chain", "segment", entry.Path, "vclock", d.vclock.String(), "segment_vclock", entry.Header.Vclock.String())
		} else {
			next.Close()
			d.metrics.gapsDetected.WithLabelValues("fatal").Inc()
			return wrap(KindXlogGap, fmt.Errorf("recovery: %w: segment %s starts at %v but recovery is at %v", xlog.ErrGap, entry.Path, entry.Header.Vclock, d.vclock))
		}
	}

	// Advance the position to at least the segment's starting vclock
	// regardless of the gap outcome, so segments created later still sort
	// after everything already replayed.
	d.vclock = vclock.Merge(d.vclock, entry.Header.Vclock)

	d.cursor = next
	d.curEntry = entry
	d.everOpened = true
	d.metrics.segmentRotates.Inc()
	return nil
}

// drainRows iterates the currently open segment until it returns io.EOF
// (clean or torn) or the stop vclock is reached.
func (d *Driver) drainRows(sink Sink, stop *vclock.V) error {
	for {
		if stop != nil && d.vclock.Signature() >= stop.Signature() {
			return nil
		}

		row, err := d.cursor.Next(d.permissive)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return wrap(KindCorruption, fmt.Errorf("recovery: reading %s: %w", d.curEntry.Path, err))
		}

		if row.LSN <= d.vclock.Get(row.ReplicaID) {
			d.metrics.rowsSkipped.Inc()
			continue
		}

		// Advance before emission so a dropped write in permissive mode
		// still advances the clock.
		d.vclock = vclock.Follow(d.vclock, row.ReplicaID, row.LSN)

		if err := sink.Write(row); err != nil {
			if !d.permissive {
				return wrap(KindSystemError, fmt.Errorf("recovery: sink rejected row: %w", err))
			}
			d.metrics.sinkWriteErrors.Inc()
			level.Warn(d.logger).Log("msg", "sink rejected row, continuing in permissive mode", "err", err)
			continue
		}
		d.metrics.rowsEmitted.Inc()
	}
}

func (d *Driver) closeLogLocked(reopening bool) {
	if d.cursor == nil {
		return
	}
	// The clock's current value is exactly where replay left off in this
	// segment: record it as the end position the next segment's prev_vclock
	// is checked against.
	d.prevEnd = d.vclock.Clone()
	d.havePrevEnd = true
	clean := d.cursor.IsEOF()
	if clean {
		level.Info(d.logger).Log("msg", "done replaying segment", "path", d.curEntry.Path)
	} else if !reopening {
		level.Warn(d.logger).Log("msg", "segment wasn't correctly closed", "path", d.curEntry.Path)
	}
	_ = d.cursor.Close()
	for _, trig := range d.onCloseTriggers {
		trig(d.curEntry, clean)
	}
	d.cursor = nil
}

// Close releases the driver's open cursor and watcher. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.closeLogLocked(false)
	if d.watcher != nil {
		d.watcher.Cancel()
		err := d.watcher.Close()
		d.watcher = nil
		return err
	}
	return nil
}
