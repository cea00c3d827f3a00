// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/boxcore/procmodule"
)

// NativeInvoker is the narrow surface the dispatcher needs from the module
// cache to run a native call: procmodule.Cache satisfies it.
type NativeInvoker interface {
	CallNative(ctxPtr, begin, end uintptr, b *procmodule.SymbolBinding) (int32, error)
}

// Dispatcher authorizes, identity-switches, invokes, and restores around
// every function call.
type Dispatcher struct {
	modules     NativeInvoker
	classACL    EntityClassACL
	funcACL     FunctionACL
	credentials CredentialResolver
	metrics     *dispatchMetrics
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithRegisterer attaches prometheus metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) { d.metrics = newDispatchMetrics(reg) }
}

// New constructs a Dispatcher. modules, classACL, funcACL and credentials
// are the narrow surfaces of subsystems that live elsewhere; any of the
// ACL/credential collaborators may be nil when that layer isn't deployed.
func New(modules NativeInvoker, classACL EntityClassACL, funcACL FunctionACL, credentials CredentialResolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		modules:     modules,
		classACL:    classACL,
		funcACL:     funcACL,
		credentials: credentials,
		metrics:     newDispatchMetrics(prometheus.NewRegistry()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call runs the four dispatch steps: access check, identity switch,
// invoke, restore. Restore is unconditional (deferred) on every exit path.
func (d *Dispatcher) Call(ctx context.Context, task *Task, fn *Function, caller Identity, args []byte) (ret []byte, err error) {
	if err := d.checkAccess(caller, fn); err != nil {
		d.metrics.accessDenied.Inc()
		d.metrics.calls.WithLabelValues(fn.VKind.String(), "denied").Inc()
		return nil, err
	}

	if fn.Setuid {
		owner, rerr := d.resolveOwner(fn)
		if rerr != nil {
			d.metrics.calls.WithLabelValues(fn.VKind.String(), "error").Inc()
			return nil, wrap(KindIllegalParams, rerr)
		}
		prev := task.SetIdentity(owner)
		d.metrics.setuidSwitches.Inc()
		defer task.SetIdentity(prev)
	}

	task.ClearDiagnostic()
	switch fn.VKind {
	case KindNative:
		ret, err = d.callNative(task, fn, args)
	case KindScript:
		ret, err = d.invokeCallback(ctx, task, fn.Script, args)
	case KindSQLBuiltin:
		ret, err = d.invokeCallback(ctx, task, fn.SQLBuiltin, args)
	default:
		err = wrap(KindIllegalParams, fmt.Errorf("dispatch: unknown function kind %q for %q", fn.VKind, fn.Name))
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.calls.WithLabelValues(fn.VKind.String(), outcome).Inc()
	return ret, err
}

// checkAccess subtracts universal privileges, then entity-class
// privileges, then per-function ACL privileges from the required set; any
// bit still missing is a denial.
func (d *Dispatcher) checkAccess(caller Identity, fn *Function) error {
	universal := caller.UniversalPrivileges()
	if universal&Required == Required {
		return nil
	}
	missing := Required &^ universal
	if d.classACL != nil {
		missing &^= d.classACL.ClassPrivileges(fn.EntityClass, caller.ID())
	}
	if missing == 0 {
		return nil
	}
	if d.funcACL != nil {
		missing &^= d.funcACL.FunctionPrivileges(fn.Name, caller.ID())
	}
	if missing != 0 {
		return wrap(KindAccessDenied, fmt.Errorf("dispatch: access denied to function %q", fn.Name))
	}
	return nil
}

func (d *Dispatcher) resolveOwner(fn *Function) (Identity, error) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	if fn.ownerIdentity != nil {
		return fn.ownerIdentity, nil
	}
	if d.credentials == nil {
		return nil, errors.New("dispatch: no CredentialResolver configured for a setuid function")
	}
	id, err := d.credentials.ResolveOwner(fn.OwnerID)
	if err != nil {
		return nil, err
	}
	fn.ownerIdentity = id
	return id, nil
}

// callNative packs args into the task's scratch region, pins it and a
// NativeCtx for the dynamic extent of the call, invokes through
// procmodule, and synthesizes a generic error if the callee failed without
// setting a diagnostic.
func (d *Dispatcher) callNative(task *Task, fn *Function, args []byte) ([]byte, error) {
	if fn.Binding == nil {
		return nil, wrap(KindIllegalParams, fmt.Errorf("dispatch: function %q has no native binding", fn.Name))
	}

	mark := task.Region.Mark()
	defer task.Region.Truncate(mark)
	argsBuf := task.Region.Alloc(len(args))
	copy(argsBuf, args)

	var cctx NativeCtx
	pinner := new(runtime.Pinner)
	defer pinner.Unpin()
	pinner.Pin(&cctx)

	var begin, end uintptr
	if len(argsBuf) > 0 {
		pinner.Pin(&argsBuf[0])
		begin = uintptr(unsafe.Pointer(&argsBuf[0]))
		end = begin + uintptr(len(argsBuf))
	}
	ctxPtr := uintptr(unsafe.Pointer(&cctx))

	rc, err := d.modules.CallNative(ctxPtr, begin, end, fn.Binding)
	if err != nil {
		task.SetDiagnostic(wrap(KindProcFailure, err))
		return nil, task.Diagnostic()
	}
	if rc != 0 {
		if calleeErr := cctx.Err(); calleeErr != nil {
			task.SetDiagnostic(wrap(KindProcFailure, calleeErr))
		} else {
			d.metrics.unknownErrors.Inc()
			task.SetDiagnostic(wrap(KindProcFailure, errors.New("dispatch: unknown error")))
		}
		return nil, task.Diagnostic()
	}

	out := make([]byte, cctx.RetLen)
	copy(out, cctx.RetBuf[:cctx.RetLen])
	return out, nil
}

// invokeCallback runs a script or SQL-builtin function, both plain Go
// closures out of scope for FFI concerns.
func (d *Dispatcher) invokeCallback(ctx context.Context, task *Task, fn Callback, args []byte) ([]byte, error) {
	if fn == nil {
		return nil, wrap(KindIllegalParams, errors.New("dispatch: function has no implementation for its kind"))
	}
	ret, err := fn(ctx, args)
	if err != nil {
		task.SetDiagnostic(err)
		return nil, task.Diagnostic()
	}
	return ret, nil
}
