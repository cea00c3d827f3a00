// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package procmodule

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchPathResolverFindsFirstMatchInOrder(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	ext := libExt()
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "mymod"+ext), []byte{}, 0o755))

	r := NewSearchPathResolver(dirA, dirB)
	path, err := r.Resolve("mymod")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dirB, "mymod"+ext), path)
}

func TestSearchPathResolverNotFound(t *testing.T) {
	r := NewSearchPathResolver(t.TempDir())
	_, err := r.Resolve("nope")
	require.ErrorIs(t, err, ErrModuleNotFound)
}

func TestLibExtMatchesHostConvention(t *testing.T) {
	switch runtime.GOOS {
	case "darwin":
		require.Equal(t, ".dylib", libExt())
	case "windows":
		require.Equal(t, ".dll", libExt())
	default:
		require.Equal(t, ".so", libExt())
	}
}
