// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package procmodule

import (
	"github.com/ebitengine/purego"
)

// AcquireCall resolves b's address if it is still null, then increments
// the owning module's live-call count for the dynamic extent of one call.
// The caller must invoke ReleaseCall with the returned module exactly
// once, on every exit path, including failure.
func (c *Cache) AcquireCall(b *SymbolBinding) (*Module, uintptr, error) {
	b.mu.Lock()
	m := b.module
	addr := b.address
	sym := b.sym
	b.mu.Unlock()

	if m == nil {
		return nil, 0, wrap(KindNoSuchFunction, ErrDetached)
	}

	if addr == 0 {
		resolved, err := c.loader.Sym(m.handle, sym)
		if err != nil {
			return nil, 0, wrap(KindLoadFunction, err)
		}
		b.mu.Lock()
		// Another caller may have resolved and even reloaded concurrently;
		// only adopt our resolution if the binding still points at m.
		if b.module == m {
			b.address = resolved
		}
		b.mu.Unlock()
		addr = resolved
	}

	m.mu.Lock()
	m.liveCalls++
	m.mu.Unlock()
	return m, addr, nil
}

// ReleaseCall decrements m's live-call count and runs GC if the module has
// become unreferenced. A module displaced by a reload is not released
// while any call is still in it, even after the cache entry has already
// been replaced; the last returning call frees it here.
func (c *Cache) ReleaseCall(m *Module) {
	m.mu.Lock()
	m.liveCalls--
	live := m.liveCalls
	m.mu.Unlock()
	if live < 0 {
		panic("procmodule: live_calls went negative")
	}

	c.cacheMu.Lock()
	c.gc(m)
	c.cacheMu.Unlock()
}

// CallNative invokes the native function bound by b via the module's
// dynamic library, following the (ctx, begin, end) -> int exported-symbol
// convention. ctxPtr/begin/end are raw addresses of already-pinned memory;
// the dispatch package is responsible for pinning (via runtime.Pinner) for
// the duration of this call, since it owns the ctx/port layout.
//
// Not directly unit-testable without a real loaded library (purego.SyscallN
// dereferences addr as a real function pointer); AcquireCall/ReleaseCall
// above carry all of the logic this package's tests exercise.
func (c *Cache) CallNative(ctxPtr, begin, end uintptr, b *SymbolBinding) (int32, error) {
	m, addr, err := c.AcquireCall(b)
	if err != nil {
		return 0, err
	}
	defer c.ReleaseCall(m)

	// Success/failure is signalled solely by the callee's return code; the
	// thread-local errno slot SyscallN reports is meaningless for an
	// arbitrary dlsym'd function (a successful callee is not required to
	// clear it, and the value may be stale across OS-thread migration).
	rc, _, _ := purego.SyscallN(addr, ctxPtr, begin, end)
	if rc != 0 {
		c.metrics.nativeCallErrs.Inc()
	}
	return int32(rc), nil
}
