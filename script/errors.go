// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package script

import (
	"errors"

	"github.com/dreamsxin/boxcore/procmodule"
)

// The scripting-surface error set: cbox.func.load, cbox.func.unload and
// cbox.module.reload report failures as one of these rather than leaking
// procmodule's internal Kind values to an embedder.
var (
	ErrIllegalParams  = errors.New("script: illegal params")
	ErrNoSuchFunction = errors.New("script: no such function")
	ErrNoSuchModule   = errors.New("script: no such module")
	ErrOutOfMemory    = errors.New("script: out of memory")
	ErrLoadModule     = errors.New("script: failed to load module")
	ErrLoadFunction   = errors.New("script: failed to load function")
)

// mapBindErr translates a procmodule.Error's Kind into the scripting
// surface's own sentinel set; both the sentinel and the underlying cause
// stay reachable through errors.Is/errors.As.
func mapBindErr(err error) error {
	var perr *procmodule.Error
	if !errors.As(err, &perr) {
		return err
	}
	switch perr.Kind {
	case procmodule.KindOutOfMemory:
		return joinf(ErrOutOfMemory, perr)
	case procmodule.KindLoadModule:
		return joinf(ErrLoadModule, perr)
	case procmodule.KindLoadFunction:
		return joinf(ErrLoadFunction, perr)
	case procmodule.KindNoSuchModule:
		return joinf(ErrNoSuchModule, perr)
	case procmodule.KindNoSuchFunction:
		return joinf(ErrNoSuchFunction, perr)
	case procmodule.KindIllegalParams:
		return joinf(ErrIllegalParams, perr)
	default:
		return joinf(ErrLoadModule, perr)
	}
}

func joinf(sentinel error, cause error) error {
	return &scriptError{sentinel: sentinel, cause: cause}
}

type scriptError struct {
	sentinel error
	cause    error
}

func (e *scriptError) Error() string { return e.sentinel.Error() + ": " + e.cause.Error() }
func (e *scriptError) Unwrap() []error { return []error{e.sentinel, e.cause} }
