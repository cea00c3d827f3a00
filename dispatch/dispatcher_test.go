// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/boxcore/procmodule"
)

type fakeIdentity struct {
	id        uint32
	universal Privilege
}

func (f fakeIdentity) ID() uint32                     { return f.id }
func (f fakeIdentity) UniversalPrivileges() Privilege { return f.universal }

type fakeClassACL struct{ grant Privilege }

func (a fakeClassACL) ClassPrivileges(class string, id uint32) Privilege { return a.grant }

type fakeFuncACL struct{ grant map[string]Privilege }

func (a fakeFuncACL) FunctionPrivileges(name string, id uint32) Privilege { return a.grant[name] }

type fakeCredentials struct {
	owners map[uint32]Identity
	calls  int
}

func (c *fakeCredentials) ResolveOwner(ownerID uint32) (Identity, error) {
	c.calls++
	id, ok := c.owners[ownerID]
	if !ok {
		return nil, errors.New("no such owner")
	}
	return id, nil
}

type fakeInvoker struct {
	rc    int32
	err   error
	calls int
}

func (f *fakeInvoker) CallNative(ctxPtr, begin, end uintptr, b *procmodule.SymbolBinding) (int32, error) {
	f.calls++
	return f.rc, f.err
}

func newDispatcherForTest(invoker NativeInvoker, classACL EntityClassACL, funcACL FunctionACL, cred CredentialResolver) *Dispatcher {
	return New(invoker, classACL, funcACL, cred)
}

func TestCheckAccessUniversalBypassesChecks(t *testing.T) {
	d := newDispatcherForTest(nil, nil, nil, nil)
	caller := fakeIdentity{id: 1, universal: Required}
	fn := &Function{Name: "f", VKind: KindScript, Script: func(context.Context, []byte) ([]byte, error) { return []byte("ok"), nil }}

	ret, err := d.Call(context.Background(), NewTask(caller), fn, caller, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), ret)
}

func TestCheckAccessDeniedWithNoGrants(t *testing.T) {
	d := newDispatcherForTest(nil, fakeClassACL{grant: 0}, fakeFuncACL{grant: map[string]Privilege{}}, nil)
	caller := fakeIdentity{id: 1, universal: 0}
	fn := &Function{Name: "f", VKind: KindScript}

	_, err := d.Call(context.Background(), NewTask(caller), fn, caller, nil)
	require.Error(t, err)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, KindAccessDenied, derr.Kind)
}

func TestCheckAccessGrantedByEntityClass(t *testing.T) {
	d := newDispatcherForTest(nil, fakeClassACL{grant: Required}, fakeFuncACL{grant: map[string]Privilege{}}, nil)
	caller := fakeIdentity{id: 1, universal: 0}
	fn := &Function{Name: "f", VKind: KindScript, Script: func(context.Context, []byte) ([]byte, error) { return nil, nil }}

	_, err := d.Call(context.Background(), NewTask(caller), fn, caller, nil)
	require.NoError(t, err)
}

func TestCheckAccessGrantedByPerFunctionACL(t *testing.T) {
	d := newDispatcherForTest(nil, fakeClassACL{grant: 0}, fakeFuncACL{grant: map[string]Privilege{"f": Required}}, nil)
	caller := fakeIdentity{id: 1, universal: 0}
	fn := &Function{Name: "f", VKind: KindScript, Script: func(context.Context, []byte) ([]byte, error) { return nil, nil }}

	_, err := d.Call(context.Background(), NewTask(caller), fn, caller, nil)
	require.NoError(t, err)
}

func TestSetuidSwitchesAndRestoresIdentityEvenOnFailure(t *testing.T) {
	owner := fakeIdentity{id: 99, universal: Required}
	caller := fakeIdentity{id: 1, universal: Required}
	cred := &fakeCredentials{owners: map[uint32]Identity{99: owner}}
	d := newDispatcherForTest(nil, nil, nil, cred)

	var observedDuringCall Identity
	fn := &Function{
		Name: "f", VKind: KindScript, Setuid: true, OwnerID: 99,
	}
	task := NewTask(caller)
	fn.Script = func(context.Context, []byte) ([]byte, error) {
		observedDuringCall = task.Identity()
		return nil, errors.New("boom")
	}

	_, err := d.Call(context.Background(), task, fn, caller, nil)
	require.Error(t, err)
	require.Equal(t, owner, observedDuringCall)
	require.Equal(t, caller, task.Identity()) // restored despite the callee's error
	require.Equal(t, 1, cred.calls)

	// Second call reuses the cached owner identity rather than resolving
	// again.
	_, _ = d.Call(context.Background(), task, fn, caller, nil)
	require.Equal(t, 1, cred.calls)
}

func TestCallDoesNotOverwriteCalleeSetDiagnostic(t *testing.T) {
	caller := fakeIdentity{id: 1, universal: Required}
	d := newDispatcherForTest(nil, nil, nil, nil)
	task := NewTask(caller)
	calleeErr := errors.New("specific callee failure")
	fn := &Function{Name: "f", VKind: KindScript, Script: func(context.Context, []byte) ([]byte, error) {
		return nil, calleeErr
	}}

	_, err := d.Call(context.Background(), task, fn, caller, nil)
	require.Error(t, err)
	require.ErrorIs(t, task.Diagnostic(), calleeErr)
}

func TestNativeCallSuccessReturnsRetBuf(t *testing.T) {
	caller := fakeIdentity{id: 1, universal: Required}
	invoker := &fakeInvoker{rc: 0}
	d := newDispatcherForTest(invoker, nil, nil, nil)
	fn := &Function{Name: "f", VKind: KindNative, Binding: &procmodule.SymbolBinding{}}

	ret, err := d.Call(context.Background(), NewTask(caller), fn, caller, []byte("args"))
	require.NoError(t, err)
	require.Equal(t, 1, invoker.calls)
	// fakeInvoker never writes into the ctx's RetBuf, so an empty result
	// is expected; this test exercises the plumbing, not msgpack content.
	require.Empty(t, ret)
}

func TestNativeCallNonZeroReturnSynthesizesGenericError(t *testing.T) {
	caller := fakeIdentity{id: 1, universal: Required}
	invoker := &fakeInvoker{rc: 1}
	d := newDispatcherForTest(invoker, nil, nil, nil)
	fn := &Function{Name: "f", VKind: KindNative, Binding: &procmodule.SymbolBinding{}}

	_, err := d.Call(context.Background(), NewTask(caller), fn, caller, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown error")
}

func TestNativeCallSyscallFailurePropagatesAsProcFailure(t *testing.T) {
	caller := fakeIdentity{id: 1, universal: Required}
	invoker := &fakeInvoker{err: errors.New("syscall blew up")}
	d := newDispatcherForTest(invoker, nil, nil, nil)
	fn := &Function{Name: "f", VKind: KindNative, Binding: &procmodule.SymbolBinding{}}

	_, err := d.Call(context.Background(), NewTask(caller), fn, caller, nil)
	require.Error(t, err)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, KindProcFailure, derr.Kind)
}

func TestUnknownFunctionKindIsIllegalParams(t *testing.T) {
	caller := fakeIdentity{id: 1, universal: Required}
	d := newDispatcherForTest(nil, nil, nil, nil)
	fn := &Function{Name: "f", VKind: FuncKind(99)}

	_, err := d.Call(context.Background(), NewTask(caller), fn, caller, nil)
	require.Error(t, err)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, KindIllegalParams, derr.Kind)
}
