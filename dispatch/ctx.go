// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dispatch

// nativeRetBufSize bounds the fixed out-buffer a native call writes its
// MessagePack-encoded return value into. A fixed-size out-param inside ctx
// keeps the whole ABI within the one (ctx, begin, end) -> int signature
// while still letting a callee hand back a result, without requiring a
// second exported entry point the callee would call back into (which would
// need either RTLD_GLOBAL, ruled out by the loader, or a callback
// trampoline baked into every loaded library).
const nativeRetBufSize = 4096

// NativeCtx is the memory handed to a native function as its `ctx`
// parameter. The callee (compiled against boxcore's native-function
// header) writes its MessagePack-encoded result into RetBuf and sets
// RetLen, or sets ErrCode/ErrMsg and returns non-zero to report a
// callee-side error.
type NativeCtx struct {
	RetBuf  [nativeRetBufSize]byte
	RetLen  uint32
	ErrCode int32
	ErrMsg  [256]byte
}

// Err returns the callee-reported error, if ErrCode is non-zero.
func (c *NativeCtx) Err() error {
	if c.ErrCode == 0 {
		return nil
	}
	n := 0
	for n < len(c.ErrMsg) && c.ErrMsg[n] != 0 {
		n++
	}
	msg := string(c.ErrMsg[:n])
	if msg == "" {
		msg = "unknown error"
	}
	return &calleeError{code: c.ErrCode, msg: msg}
}

type calleeError struct {
	code int32
	msg  string
}

func (e *calleeError) Error() string { return e.msg }
