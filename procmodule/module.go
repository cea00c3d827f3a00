// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package procmodule implements the native stored-procedure loader: it
// dynamically loads user-supplied shared libraries, resolves function
// symbols inside them, and supports live reload of a loaded library while
// callers may be mid-call. Modules are reference-counted by their symbol
// set plus a live-call count; bindings hold a plain *Module back-pointer,
// which is safe because the module is never freed while a binding or an
// in-flight call still references it.
package procmodule

import (
	"sync"
	"sync/atomic"
)

// Handle is an opaque OS dynamic-library reference, analogous to a dlopen
// return value. It is only ever compared/passed, never dereferenced
// directly by this package's callers.
type Handle uintptr

// Module is a loaded shared object plus the set of symbol bindings
// currently resolved into it. Lifetime: created on first Bind requiring
// its package; destroyed when the symbol set is empty AND LiveCalls is 0.
type Module struct {
	mu sync.Mutex

	pkg     string
	handle  Handle
	symbols map[string]*SymbolBinding // keyed by bare symbol name

	liveCalls int32 // guarded by mu; pins the module for an in-flight native call
}

// Package returns the module's package name.
func (m *Module) Package() string { return m.pkg }

// Handle returns the module's OS library handle.
func (m *Module) Handle() Handle { return m.handle }

// LiveCalls returns the number of in-flight native calls currently pinning
// this module. Never negative.
func (m *Module) LiveCalls() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCalls
}

// SymbolCount returns the number of bindings currently resolved into this
// module.
func (m *Module) SymbolCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.symbols)
}

func (m *Module) isEmptyLocked() bool {
	return len(m.symbols) == 0
}

// SymbolBinding is a named association between a qualified function name
// ("package.sym") and an address inside a module. Bind resolves the
// address when it creates the binding, a reload moves it to the new module,
// and AcquireCall resolves it again if it is ever zero. Callers must never
// cache it,
// always dereferencing through the binding so a reload is observed by
// every outstanding handle.
type SymbolBinding struct {
	mu sync.Mutex

	name string // fully qualified "package.sym", or just "sym" if no dot
	pkg  string
	sym  string

	module  *Module // nil once detached
	address uintptr

	loadCount int32 // atomic; the scripting bridge's Handle refcount
}

// Name returns the binding's fully qualified name.
func (b *SymbolBinding) Name() string { return b.name }

// Detached reports whether the binding no longer points into any module
// (Unbind or a forced unload already ran).
func (b *SymbolBinding) Detached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.module == nil
}

// LoadCount returns the binding's current scripting-handle refcount.
func (b *SymbolBinding) LoadCount() int32 {
	return atomic.LoadInt32(&b.loadCount)
}

// Acquire increments the binding's scripting-handle refcount (load_count)
// and returns the new value. Called once per script.Handle created over
// this binding.
func (b *SymbolBinding) Acquire() int32 {
	return atomic.AddInt32(&b.loadCount, 1)
}

// ReleaseLoad decrements load_count and returns the new value. The
// refcount floor is 0: callers must not call ReleaseLoad more times than
// Acquire (script.Handle.Release guards this with its own released flag).
func (b *SymbolBinding) ReleaseLoad() int32 {
	return atomic.AddInt32(&b.loadCount, -1)
}

func splitName(name string) (pkg, sym string) {
	dot := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return name, name
	}
	return name[:dot], name[dot+1:]
}
