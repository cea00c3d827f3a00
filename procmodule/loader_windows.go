// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

//go:build windows

package procmodule

import "errors"

// puregoLoader has no Windows implementation: purego's Dlopen/Dlsym/Dlclose
// wrap dlfcn.h, which Windows doesn't have. The native stored-procedure
// loader is a Unix-only feature of this module.
type puregoLoader struct{}

var DefaultLoader Loader = puregoLoader{}

var errUnsupported = errors.New("procmodule: native module loading is not supported on windows")

func (puregoLoader) Open(path string) (Handle, error)           { return 0, errUnsupported }
func (puregoLoader) Sym(h Handle, name string) (uintptr, error) { return 0, errUnsupported }
func (puregoLoader) Close(h Handle) error                       { return errUnsupported }
