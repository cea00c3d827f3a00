// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package procmodule

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Cache is the process-wide package-name -> Module map. The index is an
// immutable map swapped atomically on every mutation, so bare lookups
// (Find) never block a concurrent Reload; cacheMu serializes Bind, load,
// Reload and Unbind so two mutations never interleave.
type Cache struct {
	cacheMu sync.Mutex // serializes mutating operations; never held across a yield

	modules  atomic.Value              // *immutable.Map[string, *Module]
	bindings map[string]*SymbolBinding // guarded by cacheMu

	loader   Loader
	resolver PathResolver
	tmpDir   string

	logger  log.Logger
	metrics *moduleMetrics
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithLoader overrides the default purego-backed Loader; tests inject a
// fake here.
func WithLoader(l Loader) Option { return func(c *Cache) { c.loader = l } }

// WithResolver sets the PathResolver used to find a package's file.
func WithResolver(r PathResolver) Option { return func(c *Cache) { c.resolver = r } }

// WithTMPDIR overrides the shadow-copy staging directory. Defaults to
// $TMPDIR, falling back to /tmp.
func WithTMPDIR(dir string) Option { return func(c *Cache) { c.tmpDir = dir } }

// WithLogger sets the structured logger used for GC/close failures.
func WithLogger(l log.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithRegisterer attaches prometheus metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) { c.metrics = newModuleMetrics(reg) }
}

// New constructs an empty module cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		bindings: make(map[string]*SymbolBinding),
		loader:   DefaultLoader,
		tmpDir:   defaultTMPDir(),
		logger:   log.NewNopLogger(),
		metrics:  newModuleMetrics(prometheus.NewRegistry()),
	}
	c.modules.Store(&immutable.Map[string, *Module]{})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultTMPDir() string {
	if v := os.Getenv("TMPDIR"); v != "" {
		return v
	}
	return "/tmp"
}

func (c *Cache) snapshot() *immutable.Map[string, *Module] {
	return c.modules.Load().(*immutable.Map[string, *Module])
}

// Find returns the cached module for a package, if loaded. Safe to call
// without holding cacheMu: it only reads the atomically-swapped snapshot.
func (c *Cache) Find(pkg string) (*Module, bool) {
	return c.snapshot().Get(pkg)
}

// EachModule iterates every module currently in the cache in unspecified
// order, calling fn until it returns false. System introspection (listing
// loaded procedures, admin views) walks the live module set through this.
func (c *Cache) EachModule(fn func(pkg string, m *Module) bool) {
	snap := c.snapshot()
	it := snap.Iterator()
	for !it.Done() {
		pkg, m, _ := it.Next()
		if !fn(pkg, m) {
			return
		}
	}
}

// Bind parses name into (package, sym) on the last dot, finds or loads the
// package's module, and resolves the symbol. Calling Bind again with the
// same fully qualified name returns the existing binding rather than
// re-resolving.
func (c *Cache) Bind(name string) (*SymbolBinding, error) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if b, ok := c.bindings[name]; ok {
		return b, nil
	}

	pkg, sym := splitName(name)
	m, err := c.findOrLoadLocked(pkg)
	if err != nil {
		return nil, err
	}

	addr, err := c.loader.Sym(m.handle, sym)
	if err != nil {
		return nil, wrap(KindLoadFunction, err)
	}

	b := &SymbolBinding{name: name, pkg: pkg, sym: sym, module: m, address: addr}
	m.mu.Lock()
	m.symbols[sym] = b
	m.mu.Unlock()
	c.bindings[name] = b
	return b, nil
}

func (c *Cache) findOrLoadLocked(pkg string) (*Module, error) {
	if m, ok := c.snapshot().Get(pkg); ok {
		return m, nil
	}
	m, err := c.load(pkg)
	if err != nil {
		return nil, err
	}
	c.modules.Store(c.snapshot().Set(pkg, m))
	c.metrics.liveModules.Inc()
	return m, nil
}

// load resolves an absolute path for the package, copies the file into a
// fresh temp directory under its original basename, opens the copy, then
// unlinks the copy and removes the temp directory. The open handle keeps
// the file alive on Unix, and the next load of the same package produces a
// distinct OS handle because the copy lives at a fresh path; the OS loader
// dedupes by path and would otherwise return the same handle, which is
// what makes this shadow copy necessary for reload at all.
func (c *Cache) load(pkg string) (*Module, error) {
	if c.resolver == nil {
		return nil, wrap(KindLoadModule, fmt.Errorf("procmodule: no PathResolver configured for package %q", pkg))
	}
	srcPath, err := c.resolver.Resolve(pkg)
	if err != nil {
		c.metrics.loadFailures.Inc()
		return nil, wrap(KindLoadModule, err)
	}

	shadowDir, err := os.MkdirTemp(c.tmpDir, "boxcore-module-*")
	if err != nil {
		c.metrics.loadFailures.Inc()
		return nil, wrap(KindSystemError, err)
	}
	shadowPath := filepath.Join(shadowDir, filepath.Base(srcPath))
	if err := copyFile(srcPath, shadowPath); err != nil {
		os.RemoveAll(shadowDir)
		c.metrics.loadFailures.Inc()
		if os.IsNotExist(err) {
			// The resolved module file is missing: a module load failure.
			return nil, wrap(KindLoadModule, err)
		}
		return nil, wrap(KindSystemError, err)
	}

	handle, openErr := c.loader.Open(shadowPath)
	// Unlink the shadow copy and its directory regardless of whether Open
	// succeeded; a still-open handle keeps the file's inode alive.
	if err := os.Remove(shadowPath); err != nil {
		level.Error(c.logger).Log("msg", "failed to unlink shadow-copy dso", "path", shadowPath, "err", err)
	}
	if err := os.Remove(shadowDir); err != nil {
		level.Error(c.logger).Log("msg", "failed to remove shadow-copy tmpdir", "path", shadowDir, "err", err)
	}
	if openErr != nil {
		c.metrics.loadFailures.Inc()
		return nil, wrap(KindLoadModule, openErr)
	}

	c.metrics.loads.Inc()
	return &Module{pkg: pkg, handle: handle, symbols: make(map[string]*SymbolBinding)}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, st.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Reload is two-phase: prepare (load a fresh shadow copy, try-bind every
// existing binding against it) then commit (move every binding and swap
// the cache entry), with rollback on any prepare failure. Commit cannot
// fail because every binding was already verified in prepare. If the
// package was never loaded, Reload is a success no-op returning (nil, nil).
func (c *Cache) Reload(pkg string) (*Module, error) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	old, ok := c.snapshot().Get(pkg)
	if !ok {
		return nil, nil
	}

	newMod, err := c.load(pkg)
	if err != nil {
		c.metrics.reloads.WithLabelValues("load_failed").Inc()
		return nil, err
	}

	old.mu.Lock()
	oldSymbols := make(map[string]*SymbolBinding, len(old.symbols))
	for k, v := range old.symbols {
		oldSymbols[k] = v
	}
	old.mu.Unlock()

	var moved []movedBinding
	for sym, b := range oldSymbols {
		addr, symErr := c.loader.Sym(newMod.handle, sym)
		if symErr != nil {
			c.rollback(old, moved, pkg, sym, symErr)
			c.closeModule(newMod)
			c.metrics.reloads.WithLabelValues("rolled_back").Inc()
			return nil, wrap(KindLoadFunction, fmt.Errorf("procmodule: reload %s: symbol %s: %w", pkg, sym, symErr))
		}
		moved = append(moved, movedBinding{sym: sym, b: b, addr: addr})
	}

	for _, r := range moved {
		r.b.mu.Lock()
		r.b.module = newMod
		r.b.address = r.addr
		r.b.mu.Unlock()
		newMod.symbols[r.sym] = r.b
	}
	old.mu.Lock()
	old.symbols = make(map[string]*SymbolBinding)
	old.mu.Unlock()

	c.modules.Store(c.snapshot().Set(pkg, newMod))
	c.metrics.liveModules.Inc()
	c.gc(old)
	c.metrics.reloads.WithLabelValues("success").Inc()
	return newMod, nil
}

// movedBinding records one binding already re-resolved against a reload's
// fresh module, so a later prepare failure can roll it back.
type movedBinding struct {
	sym  string
	b    *SymbolBinding
	addr uintptr
}

// rollback re-resolves every binding already moved in this reload attempt
// back against old. Failure here is a fatal invariant breach: old lost a
// symbol it should still have without ever being unloaded.
func (c *Cache) rollback(old *Module, moved []movedBinding, pkg, failedSym string, cause error) {
	for _, r := range moved {
		addr, err := c.loader.Sym(old.handle, r.sym)
		if err != nil {
			panic(fmt.Sprintf("procmodule: reload rollback for package %q failed to restore symbol %q to its old module after %q failed against the new module (%v): %v", pkg, r.sym, failedSym, cause, err))
		}
		r.b.mu.Lock()
		r.b.module = old
		r.b.address = addr
		r.b.mu.Unlock()
	}
}

// closeModule closes a freshly-loaded module that will never be installed
// in the cache (a rollback path). Its symbols map is always empty at this
// point (nothing was ever attached to it), so this is equivalent to gc.
func (c *Cache) closeModule(m *Module) {
	if err := c.loader.Close(m.handle); err != nil {
		level.Error(c.logger).Log("msg", "failed to close abandoned module handle", "package", m.pkg, "err", err)
	}
}

// gc destroys m's handle iff its symbol set is empty and no call is
// currently in flight. Must be called with cacheMu held, since it may
// remove m from circulation entirely.
func (c *Cache) gc(m *Module) {
	m.mu.Lock()
	empty := m.isEmptyLocked()
	live := m.liveCalls
	m.mu.Unlock()
	if !empty || live != 0 {
		return
	}
	if err := c.loader.Close(m.handle); err != nil {
		level.Error(c.logger).Log("msg", "failed to close module handle during gc", "package", m.pkg, "err", err)
	}
	c.metrics.gcRuns.Inc()
	c.metrics.liveModules.Dec()
}

// Unbind detaches the binding for name and drops it from the cache. Used
// both by the scripting bridge's Handle.Release when the last load
// reference goes away and by func.unload's forced removal.
func (c *Cache) Unbind(name string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.unbindLocked(name)
}

func (c *Cache) unbindLocked(name string) {
	b, ok := c.bindings[name]
	if !ok {
		return
	}
	delete(c.bindings, name)

	b.mu.Lock()
	m := b.module
	b.module = nil
	b.mu.Unlock()
	if m == nil {
		return
	}

	m.mu.Lock()
	delete(m.symbols, b.sym)
	empty := m.isEmptyLocked()
	m.mu.Unlock()

	if empty {
		if snapM, ok := c.snapshot().Get(m.pkg); ok && snapM == m {
			c.modules.Store(c.snapshot().Delete(m.pkg))
		}
		c.gc(m)
	}
}

// lookupBinding returns the still-registered binding for name, if any.
func (c *Cache) lookupBinding(name string) (*SymbolBinding, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	b, ok := c.bindings[name]
	return b, ok
}
