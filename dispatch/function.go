// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"sync"

	"github.com/dreamsxin/boxcore/procmodule"
)

// FuncKind is a function's implementation language, selecting which vtable
// entry the dispatcher invokes.
type FuncKind int

const (
	// KindNative is a dlopen'd C-ABI symbol (procmodule.SymbolBinding).
	KindNative FuncKind = iota
	// KindScript is an embedded scripting-engine closure.
	KindScript
	// KindSQLBuiltin is a registered SQL builtin.
	KindSQLBuiltin
)

func (k FuncKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindScript:
		return "script"
	case KindSQLBuiltin:
		return "sql_builtin"
	default:
		return "unknown"
	}
}

// Callback is the shape of a script or SQL-builtin function
// implementation: a plain Go closure. Those language bindings live
// elsewhere and need no FFI machinery here.
type Callback func(ctx context.Context, args []byte) ([]byte, error)

// Function is the dispatcher's callable unit: the authorization metadata
// plus the vtable entry appropriate to its kind.
type Function struct {
	Name string

	// EntityClass is the ACL class this function belongs to (e.g.
	// "function"), checked by EntityClassACL before the per-function ACL.
	EntityClass string

	// Setuid marks a function that executes with its owner's identity
	// rather than the caller's.
	Setuid  bool
	OwnerID uint32

	VKind      FuncKind
	Binding    *procmodule.SymbolBinding // set iff VKind == KindNative
	Script     Callback                  // set iff VKind == KindScript
	SQLBuiltin Callback                  // set iff VKind == KindSQLBuiltin

	mu            sync.Mutex
	ownerIdentity Identity // lazily resolved and cached, per func_call
}
