// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package procmodule

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// PathResolver resolves a package name to an absolute path on disk,
// standing in for the host scripting environment's library search
// function. This package only needs the narrow Resolve(name) -> path
// contract; the embedding environment supplies the search semantics.
type PathResolver interface {
	Resolve(packageName string) (string, error)
}

// ErrModuleNotFound is returned by a PathResolver (and surfaces as
// KindLoadModule) when no candidate file exists for a package name.
var ErrModuleNotFound = errors.New("procmodule: module not found on search path")

// libExt is the conventional dynamic-library suffix for the host platform.
func libExt() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// SearchPathResolver is a minimal, dependency-free PathResolver: it looks
// for "<package><libExt>" in each of a configured list of directories, in
// order, the same shape as a C library search path or Lua's package.cpath.
type SearchPathResolver struct {
	Dirs []string
}

// NewSearchPathResolver builds a resolver over dirs, in search order.
func NewSearchPathResolver(dirs ...string) *SearchPathResolver {
	return &SearchPathResolver{Dirs: dirs}
}

func (r *SearchPathResolver) Resolve(packageName string) (string, error) {
	name := packageName + libExt()
	for _, dir := range r.Dirs {
		candidate := filepath.Join(dir, name)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			abs, err := filepath.Abs(candidate)
			if err != nil {
				return "", err
			}
			return abs, nil
		}
	}
	return "", ErrModuleNotFound
}
