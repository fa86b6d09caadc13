// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package dataexecutor

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerState_String(t *testing.T) {
	tests := []struct {
		state    WorkerState
		expected string
	}{
		{StateStarting, "starting"},
		{StateReady, "ready"},
		{StateBusy, "busy"},
		{StateTerminated, "terminated"},
		{WorkerState(999), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("WorkerState(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestNewWorker_FactoryError(t *testing.T) {
	_, err := NewWorker(WithEngine(func() (Engine, error) {
		return nil, errors.New("factory error")
	}))
	if err == nil || !strings.Contains(err.Error(), "factory error") {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestWorker_PostCatalogOperation(t *testing.T) {
	w, err := NewWorker()
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	defer w.Terminate()

	if w.State() != StateReady {
		t.Errorf("state = %s, want ready", w.State())
	}

	result, err := w.Post(OpAggregate, &AggregateParams{
		Items:      []Row{{"v": 1}, {"v": 2}, {"v": 3}},
		Operations: []AggregateOp{{Type: "sum", Field: "v"}},
	})
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result = %T, want map", result)
	}
	if got, _ := asFloat(m["v_sum"]); got != 6 {
		t.Errorf("v_sum = %v, want 6", m["v_sum"])
	}
}

func TestWorker_Post_UnsupportedOperation(t *testing.T) {
	engine := &mockEngine{}
	w, err := NewWorker(WithEngine(func() (Engine, error) { return engine, nil }))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	defer w.Terminate()

	_, err = w.Post(OpType("transmogrify"), nil)
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("expected ErrUnsupportedOperation, got %v", err)
	}
	// Validation happens before the boundary: nothing reached the engine.
	if engine.executedCount() != 0 {
		t.Errorf("engine executed %d requests, want 0", engine.executedCount())
	}
}

func TestWorker_Post_SerializationError(t *testing.T) {
	w, err := NewWorker(WithEngine(mockEngineFactory()))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	defer w.Terminate()

	_, err = w.Post(OpFilter, map[string]any{"fn": func() {}})
	if !errors.Is(err, ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

func TestWorker_Post_Timeout(t *testing.T) {
	factory := func() (Engine, error) {
		return &mockEngine{
			executeFunc: func(req *TaskRequest) (*TaskResponse, error) {
				time.Sleep(300 * time.Millisecond)
				return okResponse(req, "late")
			},
		}, nil
	}
	w, err := NewWorker(WithEngine(factory), WithTaskTimeout(30*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	defer w.Terminate()

	_, err = w.Post(OpFilter, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The late response must be dropped and counted, not delivered.
	waitFor(t, 2*time.Second, func() bool { return w.DroppedResponses() == 1 })
}

func TestWorker_Terminate_Idempotent(t *testing.T) {
	w, err := NewWorker(WithEngine(mockEngineFactory()))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	w.Terminate()
	w.Terminate() // Must be a no-op, not a panic

	if w.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", w.State())
	}
	if _, err := w.Post(OpFilter, nil); !errors.Is(err, ErrWorkerTerminated) {
		t.Errorf("post after terminate = %v, want ErrWorkerTerminated", err)
	}
}

func TestWorker_Terminate_RejectsInFlight(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	factory := func() (Engine, error) {
		return &mockEngine{
			executeFunc: func(req *TaskRequest) (*TaskResponse, error) {
				<-gate
				return okResponse(req, "ok")
			},
		}, nil
	}
	w, err := NewWorker(WithEngine(factory))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Post(OpFilter, nil)
		errCh <- err
	}()

	waitFor(t, 2*time.Second, func() bool { return w.State() == StateBusy })
	w.Terminate()

	if err := <-errCh; !errors.Is(err, ErrWorkerTerminated) {
		t.Errorf("in-flight post = %v, want ErrWorkerTerminated", err)
	}
}

func TestWorker_Restart(t *testing.T) {
	var created atomic.Int32
	factory := func() (Engine, error) {
		created.Add(1)
		return &mockEngine{}, nil
	}
	w, err := NewWorker(WithEngine(factory))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	defer w.Terminate()

	if err := w.Restart(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if w.State() != StateReady {
		t.Errorf("state after restart = %s, want ready", w.State())
	}
	if created.Load() != 2 {
		t.Errorf("engine factory called %d times, want 2", created.Load())
	}
	if _, err := w.Post(OpFilter, nil); err != nil {
		t.Errorf("post after restart failed: %v", err)
	}
}

func TestWorker_Restart_AfterTerminate(t *testing.T) {
	w, err := NewWorker(WithEngine(mockEngineFactory()))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	w.Terminate()

	if err := w.Restart(); !errors.Is(err, ErrWorkerTerminated) {
		t.Errorf("restart after terminate = %v, want ErrWorkerTerminated", err)
	}
	if w.State() != StateTerminated {
		t.Errorf("terminated worker must not be resurrected, state = %s", w.State())
	}
}

func TestWorker_Terminate_DuringRestart(t *testing.T) {
	var live atomic.Int32
	factory := func() (Engine, error) {
		time.Sleep(20 * time.Millisecond) // Keep the restart in flight
		live.Add(1)
		return &mockEngine{closeFunc: func() error {
			live.Add(-1)
			return nil
		}}, nil
	}
	w, err := NewWorker(WithEngine(factory))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}

	restartDone := make(chan error, 1)
	go func() { restartDone <- w.Restart() }()
	time.Sleep(5 * time.Millisecond)
	w.Terminate()
	<-restartDone

	// Whichever side wins the race, terminate is final: the worker ends up
	// terminated and no engine instance survives.
	if w.State() != StateTerminated {
		t.Errorf("state after terminate = %s, want terminated", w.State())
	}
	waitFor(t, 2*time.Second, func() bool { return live.Load() == 0 })

	if _, err := w.Post(OpFilter, nil); !errors.Is(err, ErrWorkerTerminated) {
		t.Errorf("post after terminate = %v, want ErrWorkerTerminated", err)
	}
}

func TestWorker_EnginePanic_FailsOnlyCurrentRequest(t *testing.T) {
	var calls atomic.Int32
	factory := func() (Engine, error) {
		return &mockEngine{
			executeFunc: func(req *TaskRequest) (*TaskResponse, error) {
				if calls.Add(1) == 1 {
					panic("boom")
				}
				return okResponse(req, "ok")
			},
		}, nil
	}
	w, err := NewWorker(WithEngine(factory))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	defer w.Terminate()

	_, err = w.Post(OpFilter, nil)
	if !errors.Is(err, ErrTaskFailed) || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic to surface as ErrTaskFailed, got %v", err)
	}

	// The worker survives the fault.
	if _, err := w.Post(OpFilter, nil); err != nil {
		t.Errorf("post after panic failed: %v", err)
	}
}

func TestWorker_AutoRestart_RecreatesEngine(t *testing.T) {
	var created atomic.Int32
	factory := func() (Engine, error) {
		n := created.Add(1)
		return &mockEngine{
			executeFunc: func(req *TaskRequest) (*TaskResponse, error) {
				if n == 1 {
					panic("boom")
				}
				return okResponse(req, "ok")
			},
		}, nil
	}
	w, err := NewWorker(WithEngine(factory), WithAutoRestart(true))
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	defer w.Terminate()

	// The crashed request fails and is not retried.
	if _, err := w.Post(OpFilter, nil); !errors.Is(err, ErrTaskFailed) {
		t.Fatalf("expected ErrTaskFailed, got %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return created.Load() == 2 })

	result, err := w.Post(OpFilter, nil)
	if err != nil {
		t.Fatalf("post on recreated engine failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want ok", result)
	}
}
