// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package script is the scripting bridge: it exposes load/unload/reload
// as callable handles for an embedding scripting engine
// (cbox.func.load/unload, cbox.module.reload). The engine itself (Lua, or
// whatever embeds this) lives elsewhere; this package only needs to be
// callable from Go, by whatever thin per-engine shim the embedder writes.
package script

import (
	"context"

	"github.com/dreamsxin/boxcore/dispatch"
	"github.com/dreamsxin/boxcore/procmodule"
)

// Bridge wires the module cache and dispatcher together behind the
// scripting-surface operations.
type Bridge struct {
	cache    *procmodule.Cache
	dispatch *dispatch.Dispatcher
	acl      map[string]*dispatch.Function // registered function metadata by name, for dispatch
}

// New constructs a Bridge over an already-configured module cache and
// dispatcher.
func New(cache *procmodule.Cache, d *dispatch.Dispatcher) *Bridge {
	return &Bridge{cache: cache, dispatch: d, acl: make(map[string]*dispatch.Function)}
}

// Register associates dispatch metadata (access class, setuid owner, ...)
// with a function name, so Load's returned Handle knows how to invoke it.
// A function must be Registered before it can be Loaded.
func (b *Bridge) Register(fn *dispatch.Function) {
	b.acl[fn.Name] = fn
}

// Load implements cbox.func.load(name) -> handle. It binds the symbol if
// not already bound (loading its module on first use) and returns a
// Handle that owns one load reference against the cached binding.
func (b *Bridge) Load(name string) (*Handle, error) {
	fn, ok := b.acl[name]
	if !ok {
		return nil, ErrNoSuchFunction
	}
	binding, err := b.cache.Bind(name)
	if err != nil {
		return nil, mapBindErr(err)
	}
	fn.Binding = binding
	binding.Acquire()
	return &Handle{name: name, binding: binding, cache: b.cache, fn: fn, dispatch: b.dispatch}, nil
}

// Unload implements cbox.func.unload(name) -> true: it forcibly detaches
// the binding from the cache regardless of any handles still wrapping it
// (they will observe NoSuchFunction on their next Call, since a Handle
// always dereferences through the binding and never caches the address).
func (b *Bridge) Unload(name string) (bool, error) {
	if _, ok := b.acl[name]; !ok {
		return false, ErrNoSuchFunction
	}
	b.cache.Unbind(name)
	return true, nil
}

// Reload implements cbox.module.reload(name) -> true.
func (b *Bridge) Reload(packageName string) (bool, error) {
	_, err := b.cache.Reload(packageName)
	if err != nil {
		return false, mapBindErr(err)
	}
	return true, nil
}

// Call is a convenience one-shot: load (if needed), invoke once, and
// leave the binding's load_count unaffected by the temporary handle it
// creates internally. Mirrors how a script engine might expose a function
// as directly callable without the caller managing a Handle's lifetime.
func (b *Bridge) Call(ctx context.Context, task *dispatch.Task, name string, caller dispatch.Identity, args []byte) ([]byte, error) {
	h, err := b.Load(name)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return h.Call(ctx, task, caller, args)
}
