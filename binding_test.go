// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package dataexecutor

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBinding_ExecuteUpdatesState(t *testing.T) {
	b, err := NewWorkerBinding(WithEngine(mockEngineFactory()))
	if err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}
	defer b.Close()

	var mu sync.Mutex
	var transitions []BindingState
	b.OnChange(func(s BindingState) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	b.Execute(OpFilter, nil)

	// Busy flips synchronously when the call starts.
	if s := b.State(); !s.Busy && s.Completed == 0 {
		t.Error("binding should be busy immediately after Execute")
	}

	waitFor(t, 2*time.Second, func() bool { return b.State().Completed == 1 })

	s := b.State()
	if s.Busy {
		t.Error("binding should not be busy after completion")
	}
	if s.Err != nil {
		t.Errorf("unexpected error: %v", s.Err)
	}
	if s.Data != "ok" {
		t.Errorf("data = %v, want ok", s.Data)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 2 {
		t.Fatalf("expected at least busy and completed transitions, got %d", len(transitions))
	}
	if !transitions[0].Busy {
		t.Error("first transition should be busy")
	}
	last := transitions[len(transitions)-1]
	if last.Busy || last.Completed != 1 {
		t.Errorf("last transition = %+v", last)
	}
}

func TestBinding_ErrorState(t *testing.T) {
	factory := func() (Engine, error) {
		return &mockEngine{
			executeFunc: func(req *TaskRequest) (*TaskResponse, error) {
				return nil, errors.New("compute failed")
			},
		}, nil
	}
	b, err := NewWorkerBinding(WithEngine(factory))
	if err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}
	defer b.Close()

	b.Execute(OpFilter, nil)
	waitFor(t, 2*time.Second, func() bool { return b.State().Err != nil })

	s := b.State()
	if !errors.Is(s.Err, ErrTaskFailed) {
		t.Errorf("err = %v, want ErrTaskFailed", s.Err)
	}
	if s.Completed != 0 || s.Busy {
		t.Errorf("state after failure = %+v", s)
	}
}

func TestBinding_Cancel_IsAdvisory(t *testing.T) {
	gate := make(chan struct{})
	factory := func() (Engine, error) {
		return &mockEngine{
			executeFunc: func(req *TaskRequest) (*TaskResponse, error) {
				<-gate
				return okResponse(req, "late")
			},
		}, nil
	}
	b, err := NewWorkerBinding(WithEngine(factory))
	if err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}
	defer b.Close()

	b.Execute(OpFilter, nil)
	waitFor(t, 2*time.Second, func() bool { return b.State().Busy })

	b.Cancel()
	if b.State().Busy {
		t.Error("cancel should clear busy immediately")
	}

	// The underlying computation finishes anyway; its result is discarded.
	close(gate)
	time.Sleep(50 * time.Millisecond)
	s := b.State()
	if s.Data != nil || s.Completed != 0 {
		t.Errorf("cancelled call leaked its result: %+v", s)
	}
}

// fakeRunner drives the binding directly, without a worker underneath.
type fakeRunner struct {
	fn func(op OpType, payload any) (any, error)
}

func (f *fakeRunner) Execute(op OpType, payload any) (any, error) {
	return f.fn(op, payload)
}

func TestBinding_NewCallSupersedesOldOne(t *testing.T) {
	releaseOld := make(chan struct{})
	releaseNew := make(chan struct{})
	runner := &fakeRunner{fn: func(op OpType, payload any) (any, error) {
		if payload == "old" {
			<-releaseOld
		} else {
			<-releaseNew
		}
		return payload, nil
	}}

	b := NewBinding(runner)
	defer b.Close()

	b.Execute(OpFilter, "old")
	b.Execute(OpFilter, "new")

	// The old call resolves after being superseded: its result is discarded.
	close(releaseOld)
	time.Sleep(50 * time.Millisecond)
	if s := b.State(); s.Completed != 0 || s.Data != nil {
		t.Errorf("superseded call leaked its result: %+v", s)
	}

	close(releaseNew)
	waitFor(t, 2*time.Second, func() bool { return b.State().Completed == 1 })
	if s := b.State(); s.Data != "new" {
		t.Errorf("data = %v, want new", s.Data)
	}
}

func TestBinding_Close_Idempotent(t *testing.T) {
	b, err := NewWorkerBinding(WithEngine(mockEngineFactory()))
	if err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}

	w := b.owned
	b.Close()
	b.Close() // Must be a no-op

	if w.State() != StateTerminated {
		t.Errorf("owned worker state = %s, want terminated", w.State())
	}

	// Executing after close reports the error through state and never
	// resurrects the worker.
	b.Execute(OpFilter, nil)
	if s := b.State(); !errors.Is(s.Err, ErrWorkerTerminated) {
		t.Errorf("err after close = %v, want ErrWorkerTerminated", s.Err)
	}
	if w.State() != StateTerminated {
		t.Error("closed binding must not recreate its worker")
	}
}

func TestBinding_SharedRunnerSurvivesClose(t *testing.T) {
	pool, err := NewPool(WithPoolSize(1), WithEngine(mockEngineFactory()))
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	defer pool.Terminate()

	b := NewBinding(pool)
	b.Close()

	if _, err := pool.Execute(OpFilter, nil); err != nil {
		t.Errorf("shared pool should survive binding close, got %v", err)
	}
}

func TestBinding_Reset(t *testing.T) {
	b, err := NewWorkerBinding(WithEngine(mockEngineFactory()))
	if err != nil {
		t.Fatalf("failed to create binding: %v", err)
	}
	defer b.Close()

	b.Execute(OpFilter, nil)
	waitFor(t, 2*time.Second, func() bool { return b.State().Completed == 1 })

	b.Reset()
	s := b.State()
	if s.Data != nil || s.Err != nil {
		t.Errorf("state after reset = %+v", s)
	}
	if s.Completed != 1 {
		t.Errorf("reset must not clear the completion count, got %d", s.Completed)
	}
}
