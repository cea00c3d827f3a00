// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package recovery

import (
	"context"
	"errors"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/dreamsxin/boxcore/fswatch"
)

// Run drives a Driver through both of its phases: an initial replay to the
// end of the directory, then a transition into FOLLOW mode where it
// subscribes to filesystem events and keeps replaying new segments as a
// primary produces them. Run blocks until ctx is cancelled or a fatal
// error occurs.
func (d *Driver) Run(ctx context.Context, sink Sink) error {
	if err := d.Replay(ctx, sink, nil, true); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.mode = ModeFollow
	w, err := fswatch.Subscribe(d.dir.Path(), fswatch.WithLogger(d.logger))
	if err != nil {
		d.mu.Unlock()
		return wrap(KindSystemError, err)
	}
	d.watcher = w
	d.mu.Unlock()

	// The watcher's Wait already respects ctx, but a second goroutine
	// cancelling it directly on ctx.Done lets the follow loop unblock
	// immediately rather than waiting out whatever Wait call is in flight,
	// and gives errgroup a real join-on-shutdown to perform.
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egCtx.Done()
		w.Cancel()
		return nil
	})
	eg.Go(func() error {
		return d.followLoop(ctx, sink, w)
	})
	return eg.Wait()
}

// followLoop is the hot-standby loop: replay until blocked, point the
// watcher at whatever we're blocked on, park, repeat.
func (d *Driver) followLoop(ctx context.Context, sink Sink, w *fswatch.Watcher) error {
	rescan := true
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		// Inner loop: keep replaying while the previous pass made progress
		// and left no cursor open. A partially-written tail segment leaves
		// a cursor open (not EOF), and progress from then on blocks on the
		// watcher rather than on a tight rescan spin.
		for {
			before := d.Vclock().Signature()
			if err := d.Replay(ctx, sink, nil, rescan); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				return err
			}
			rescan = false

			d.mu.Lock()
			cursorOpen := d.cursor != nil
			d.mu.Unlock()
			after := d.Vclock().Signature()

			if cursorOpen || after == before {
				break
			}
		}

		d.mu.Lock()
		var filePath string
		if d.cursor != nil {
			filePath = d.curEntry.Path
		}
		d.mu.Unlock()
		if err := w.SetFile(filePath); err != nil {
			return wrap(KindSystemError, err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, d.rescanDelay)
		flags, err := w.Wait(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, fswatch.ErrCancelled) {
				return nil
			}
			return wrap(KindSystemError, err)
		}

		if err := ctx.Err(); err != nil {
			return nil
		}

		timedOut := flags == 0
		rescan = timedOut || flags&fswatch.Rotate != 0

		if timedOut {
			level.Info(d.logger).Log("msg", "rescan delay elapsed, forcing a directory rescan")
		}
	}
}
