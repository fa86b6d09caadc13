// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package dataexecutor

import "sync"

// Runner is anything that can execute a catalog operation. Worker and Pool
// both satisfy it.
type Runner interface {
	Execute(op OpType, payload any) (any, error)
}

// BindingState is the observable state of one binding instance. Busy flips
// true synchronously when a call starts; data or error, busy=false and the
// completion count are applied together when the response lands.
type BindingState struct {
	Data      any
	Err       error
	Busy      bool
	Completed uint64
}

// Binding bridges asynchronous task responses into observable state for a
// reactive consumer. Each instance owns its state exclusively; state changes
// only when a call starts, a response lands, or the consumer cancels, resets
// or closes the binding.
type Binding struct {
	runner Runner
	owned  *Worker // Set when the binding created its own worker

	mu       sync.Mutex
	state    BindingState
	gen      uint64 // Current logical call; stale responses are discarded
	closed   bool
	onChange func(BindingState)
}

// NewBinding attaches to a shared runner. Closing the binding does not
// terminate the runner.
func NewBinding(runner Runner) *Binding {
	return &Binding{runner: runner}
}

// NewWorkerBinding creates a binding that owns a private worker. Close
// terminates the worker, exactly once.
func NewWorkerBinding(opts ...Option) (*Binding, error) {
	w, err := NewWorker(opts...)
	if err != nil {
		return nil, err
	}
	return &Binding{runner: w, owned: w}, nil
}

// OnChange registers the callback invoked after every state change. The
// callback receives a snapshot and runs outside the binding's lock.
func (b *Binding) OnChange(fn func(BindingState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// State returns a snapshot of the binding's current state.
func (b *Binding) State() BindingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute starts a call. Busy becomes true before Execute returns; the
// result is applied when the response resolves, unless the call was
// cancelled, superseded by a newer call, or the binding was closed in the
// meantime. Executing on a closed binding reports ErrWorkerTerminated
// through the state and never resurrects the worker.
func (b *Binding) Execute(op OpType, payload any) {
	b.mu.Lock()
	if b.closed {
		b.state.Err = ErrWorkerTerminated
		b.state.Busy = false
		b.notifyAndUnlock()
		return
	}
	b.gen++
	gen := b.gen
	b.state.Busy = true
	b.state.Err = nil
	b.notifyAndUnlock()

	go func() {
		result, err := b.runner.Execute(op, payload)
		b.mu.Lock()
		if b.closed || gen != b.gen {
			b.mu.Unlock()
			return
		}
		b.state.Busy = false
		if err != nil {
			b.state.Err = err
		} else {
			b.state.Data = result
			b.state.Completed++
		}
		b.notifyAndUnlock()
	}()
}

// Cancel abandons the current logical call: the binding stops waiting and
// clears Busy. This is visibility cancellation only; the in-flight
// computation in the worker is not interrupted.
func (b *Binding) Cancel() {
	b.mu.Lock()
	b.gen++
	b.state.Busy = false
	b.notifyAndUnlock()
}

// Reset clears data and error without touching the completion count.
func (b *Binding) Reset() {
	b.mu.Lock()
	b.state.Data = nil
	b.state.Err = nil
	b.notifyAndUnlock()
}

// Close tears the binding down. The first call releases the owned worker, if
// any; repeated calls are no-ops.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.gen++
	b.state.Busy = false
	owned := b.owned
	b.notifyAndUnlock()
	if owned != nil {
		owned.Terminate()
	}
}

// notifyAndUnlock snapshots the state, releases the lock and invokes the
// change callback. Must be called with the lock held.
func (b *Binding) notifyAndUnlock() {
	fn := b.onChange
	snapshot := b.state
	b.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}
