// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package procmodule

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// puregoLoader is the production Loader: it shells out to the host's
// dlopen/dlsym/dlclose via github.com/ebitengine/purego, avoiding cgo
// entirely (purego does this by calling into libdl/libc through the
// platform's own FFI trampoline). RTLD_NOW|RTLD_LOCAL: resolve everything
// up front, keep the module out of the global symbol namespace.
type puregoLoader struct{}

// DefaultLoader is the Loader used when a Cache is constructed without an
// explicit WithLoader option.
var DefaultLoader Loader = puregoLoader{}

func (puregoLoader) Open(path string) (Handle, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return 0, fmt.Errorf("procmodule: dlopen %s: %w", path, err)
	}
	return Handle(h), nil
}

func (puregoLoader) Sym(h Handle, name string) (uintptr, error) {
	addr, err := purego.Dlsym(uintptr(h), name)
	if err != nil {
		return 0, fmt.Errorf("procmodule: dlsym %s: %w", name, err)
	}
	return addr, nil
}

func (puregoLoader) Close(h Handle) error {
	if err := purego.Dlclose(uintptr(h)); err != nil {
		return fmt.Errorf("procmodule: dlclose: %w", err)
	}
	return nil
}
