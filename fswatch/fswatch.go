// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package fswatch implements a single-threaded cooperative FS watcher: it
// wakes a waiter on directory or file stat changes so the
// recovery driver's hot-standby loop knows when to rescan or resume
// reading the open segment. Modeled on the fsnotify-based hot-reload
// watcher pattern used elsewhere in the ecosystem (a directory watch that
// coalesces filesystem events into a small flag set a consumer polls with
// a timeout).
package fswatch

import (
	"context"
	"errors"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Flags is a bitmask of the events observed since the last Wait call.
type Flags uint8

const (
	// Rotate is set for every event other than a write or chmod of the
	// currently watched file: a new segment appearing, a rename, a removal,
	// or a change to another file in the directory.
	Rotate Flags = 1 << iota
	// Write is set when the currently watched file reports a write or a
	// chmod.
	Write
)

// ErrCancelled is returned by Wait when the watcher was cancelled while
// parked, so callers can tell a shutdown apart from a timeout.
var ErrCancelled = errors.New("fswatch: cancelled")

// Watcher is a single-threaded cooperative subscription over one directory
// and, optionally, one file within it. It is not safe for concurrent use:
// exactly one goroutine drives Wait at a time.
type Watcher struct {
	logger log.Logger

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	pending  Flags
	filePath string

	cancel    chan struct{}
	cancelled bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger used for non-fatal watcher errors.
func WithLogger(l log.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// Subscribe installs a directory watch on dirPath and returns a Watcher
// ready for SetFile/Wait.
func Subscribe(dirPath string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dirPath); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		logger: log.NewNopLogger(),
		fsw:    fsw,
		cancel: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// SetFile replaces the currently watched file. path == "" clears it. A
// no-op if path is unchanged.
func (w *Watcher) SetFile(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if path == w.filePath {
		return nil
	}
	if w.filePath != "" {
		// Best effort: fsnotify returns an error if the watch was already
		// removed (e.g. the file was deleted), which is not fatal here.
		_ = w.fsw.Remove(w.filePath)
	}
	if path != "" {
		if err := w.fsw.Add(path); err != nil {
			return err
		}
	}
	w.filePath = path
	return nil
}

// Wait blocks until an event is observed, the timeout elapses, or the
// watcher is cancelled, then atomically clears and returns the pending
// flag set. A spurious wake (Wait returning 0 flags with no timeout and no
// cancellation) is possible; callers handle it by re-entering their loop.
func (w *Watcher) Wait(ctx context.Context) (Flags, error) {
	for {
		w.mu.Lock()
		if w.pending != 0 {
			f := w.pending
			w.pending = 0
			w.mu.Unlock()
			return f, nil
		}
		if w.cancelled {
			w.mu.Unlock()
			return 0, ErrCancelled
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, nil // timeout: caller treats as "rescan"
		case <-w.cancel:
			return 0, ErrCancelled
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return 0, ErrCancelled
			}
			w.observe(ev)
			// loop back around to drain `pending` under the lock
		case err, ok := <-w.fsw.Errors:
			if ok && err != nil {
				level.Error(w.logger).Log("msg", "fs watcher error", "err", err)
			}
		}
	}
}

func (w *Watcher) observe(ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ev.Name == w.filePath && (ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0) {
		w.pending |= Write
	} else {
		w.pending |= Rotate
	}
}

// Cancel unblocks any in-progress or future Wait with ErrCancelled.
func (w *Watcher) Cancel() {
	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	w.cancelled = true
	w.mu.Unlock()
	close(w.cancel)
}

// Close releases the underlying OS watch. Call after Cancel.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
