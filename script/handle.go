// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package script

import (
	"context"
	"sync"

	"github.com/dreamsxin/boxcore/dispatch"
	"github.com/dreamsxin/boxcore/procmodule"
)

// Handle is the foreign-owned object a scripting engine holds after
// cbox.func.load: it owns one load reference against its binding and
// always dereferences through the binding (never caching its address) so
// a concurrent cbox.module.reload is observed by every outstanding
// handle's next Call.
type Handle struct {
	mu       sync.Mutex
	released bool

	name     string
	binding  *procmodule.SymbolBinding
	cache    *procmodule.Cache
	fn       *dispatch.Function
	dispatch *dispatch.Dispatcher
}

// Call invokes the handle's function through the dispatcher.
func (h *Handle) Call(ctx context.Context, task *dispatch.Task, caller dispatch.Identity, args []byte) ([]byte, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil, ErrNoSuchFunction
	}
	h.mu.Unlock()
	return h.dispatch.Call(ctx, task, h.fn, caller, args)
}

// Describe returns the handle's fully qualified function name.
func (h *Handle) Describe() string { return h.name }

// Release drops the handle's load reference; the last reference going
// away unbinds the symbol and lets the cache release the binding's
// storage. Release is idempotent: calling it more than once only
// decrements the load count on the first call, so a script engine's
// finalizer racing an explicit unload can never drive the refcount
// negative. Returns true the one time it actually released the reference.
func (h *Handle) Release() bool {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return false
	}
	h.released = true
	h.mu.Unlock()

	if h.binding.ReleaseLoad() == 0 {
		h.cache.Unbind(h.name)
	}
	return true
}
