// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherTimeoutYieldsZeroFlags(t *testing.T) {
	dir := t.TempDir()
	w, err := Subscribe(dir)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f, err := w.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, Flags(0), f)
}

func TestWatcherRotateOnDirectoryEvent(t *testing.T) {
	dir := t.TempDir()
	w, err := Subscribe(dir)
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, "seg.xlog")
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = os.WriteFile(path, []byte("x"), 0o644)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := w.Wait(ctx)
	require.NoError(t, err)
	require.NotZero(t, f&Rotate)
}

func TestWatcherCancel(t *testing.T) {
	dir := t.TempDir()
	w, err := Subscribe(dir)
	require.NoError(t, err)
	defer w.Close()

	w.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = w.Wait(ctx)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestSetFileNoOpWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	w, err := Subscribe(dir)
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, "tail.xlog")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.NoError(t, w.SetFile(path))
	require.NoError(t, w.SetFile(path))
}
