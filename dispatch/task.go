// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dispatch

import "sync"

// Task is the per-caller execution scope: it carries the executing
// identity (switched for setuid calls and always restored), the single
// active diagnostic a call chain may set, and a scratch Region for packing
// call arguments. One Task exists per logical caller; it is not safe for
// concurrent use by more than one in-flight call at a time.
type Task struct {
	mu         sync.Mutex
	identity   Identity
	diagnostic error
	Region     Region
}

// NewTask constructs a Task executing as identity.
func NewTask(identity Identity) *Task {
	return &Task{identity: identity}
}

// Identity returns the task's current effective identity.
func (t *Task) Identity() Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// SetIdentity replaces the task's effective identity, returning the
// previous one so callers can restore it later.
func (t *Task) SetIdentity(id Identity) Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.identity
	t.identity = id
	return prev
}

// SetDiagnostic records err as the task's active diagnostic, unless one is
// already set: a callee-set diagnostic must never be overwritten by a
// synthetic one.
func (t *Task) SetDiagnostic(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.diagnostic == nil {
		t.diagnostic = err
	}
}

// Diagnostic returns the task's currently active diagnostic, if any.
func (t *Task) Diagnostic() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.diagnostic
}

// ClearDiagnostic resets the task's diagnostic slot, called once a caller
// has consumed (returned) the error.
func (t *Task) ClearDiagnostic() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.diagnostic = nil
}
