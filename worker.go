// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package dataexecutor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// WorkerState is the lifecycle state of a worker.
type WorkerState int32

const (
	StateStarting WorkerState = iota
	StateReady
	StateBusy
	StateTerminated
)

// String returns the string representation of a WorkerState.
func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// isoContext is one generation of a worker's isolated side: the channels the
// orchestrator uses to talk to the context goroutine. Restart replaces the
// whole generation; closing stop rejects every caller waiting on it.
type isoContext struct {
	inbox  chan []byte   // Encoded requests into the context
	outbox chan []byte   // Encoded responses out of the context
	stop   chan struct{} // Closed on terminate/restart
	initCh chan error    // Engine construction handshake
	exited chan struct{} // Closed when the context goroutine returns
}

// Worker is an isolated execution unit. The engine lives on a dedicated
// goroutine and communicates with callers only through encoded request and
// response envelopes; requests are correlated by id, and each call carries
// its own timeout. The public contract is one outstanding call at a time.
type Worker struct {
	name string
	cfg  *Config

	state atomic.Int32

	mu      sync.Mutex // Guards ctx and pending
	ctx     *isoContext
	pending map[string]chan *TaskResponse

	slot chan struct{} // Serializes callers: one outstanding request

	lifecycle     sync.Mutex // Serializes Terminate and Restart
	terminated    chan struct{}
	terminateOnce sync.Once

	dropped atomic.Uint64 // Responses that arrived for retired ids
}

// NewWorker creates a worker and starts its isolated context. Engine
// construction failure is fatal to the worker and is returned here; the
// worker does not retry on its own.
func NewWorker(opts ...Option) (*Worker, error) {
	cfg := newConfig(opts...)
	return newWorker(cfg, cfg.workerName)
}

func newWorker(cfg *Config, name string) (*Worker, error) {
	w := &Worker{
		name:       name,
		cfg:        cfg,
		pending:    make(map[string]chan *TaskResponse),
		slot:       make(chan struct{}, 1),
		terminated: make(chan struct{}),
	}
	w.state.Store(int32(StateStarting))
	if err := w.spawn(); err != nil {
		w.state.Store(int32(StateTerminated))
		return nil, fmt.Errorf("worker %s initialization failed: %w", name, err)
	}
	w.state.Store(int32(StateReady))
	return w, nil
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// DroppedResponses returns how many responses arrived for ids that were
// already retired by a timeout, restart or termination.
func (w *Worker) DroppedResponses() uint64 { return w.dropped.Load() }

// Post sends one operation to the isolated context and waits for its result.
// It fails with ErrUnsupportedOperation before any message is sent if op is
// outside the worker's operation set, ErrSerialization if the payload cannot
// be encoded, ErrTimeout after the configured task timeout, and
// ErrWorkerTerminated if the worker is shut down while the call is in flight.
func (w *Worker) Post(op OpType, payload any) (any, error) {
	var out any
	if err := w.PostInto(op, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostInto is Post with the result decoded into dst.
func (w *Worker) PostInto(op OpType, payload any, dst any) error {
	if !w.cfg.operations[op] {
		return fmt.Errorf("%w: %q", ErrUnsupportedOperation, op)
	}
	id := uuid.NewString()
	buf, err := encodeRequest(id, op, payload)
	if err != nil {
		return err
	}
	resp, err := w.send(id, buf)
	if err != nil {
		return err
	}
	return decodeResult(resp, dst)
}

// Execute makes Worker usable wherever a Runner is expected.
func (w *Worker) Execute(op OpType, payload any) (any, error) {
	return w.Post(op, payload)
}

// Terminate releases the isolated context. The first call wins; repeated
// calls are no-ops. In-flight and subsequent calls fail with
// ErrWorkerTerminated. The context goroutine exits after finishing the task
// it is currently running; a terminated worker is never recreated.
func (w *Worker) Terminate() {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	w.terminateOnce.Do(func() {
		w.state.Store(int32(StateTerminated))
		close(w.terminated)
		w.mu.Lock()
		c := w.ctx
		w.ctx = nil
		w.pending = make(map[string]chan *TaskResponse)
		w.mu.Unlock()
		if c != nil {
			close(c.stop)
		}
		w.cfg.logger.Debug("Worker terminated", "worker", w.name)
	})
}

// Restart tears down the current context and starts a fresh one. In-flight
// requests are rejected with ErrWorkerTerminated. Restarting a terminated
// worker fails with ErrWorkerTerminated; engine construction failure leaves
// the worker terminated and is returned to the caller. Restart and Terminate
// serialize: a Terminate issued mid-restart takes effect once the restart
// finishes, tearing down the fresh context.
func (w *Worker) Restart() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.State() == StateTerminated {
		return ErrWorkerTerminated
	}
	w.mu.Lock()
	c := w.ctx
	w.ctx = nil
	w.pending = make(map[string]chan *TaskResponse)
	w.mu.Unlock()
	if c != nil {
		close(c.stop)
	}

	w.state.Store(int32(StateStarting))
	if err := w.spawn(); err != nil {
		w.state.Store(int32(StateTerminated))
		return fmt.Errorf("worker %s restart failed: %w", w.name, err)
	}
	w.state.Store(int32(StateReady))
	w.cfg.logger.Debug("Worker restarted", "worker", w.name)
	return nil
}

// spawn starts a new context generation and waits for the engine handshake.
func (w *Worker) spawn() error {
	c := &isoContext{
		inbox:  make(chan []byte, 1),
		outbox: make(chan []byte, 1),
		stop:   make(chan struct{}),
		initCh: make(chan error, 1),
		exited: make(chan struct{}),
	}
	go w.runContext(c)
	if err := <-c.initCh; err != nil {
		return err
	}
	go w.runResponseLoop(c)

	w.mu.Lock()
	w.ctx = c
	w.mu.Unlock()
	return nil
}

// send delivers an encoded request and waits for the correlated response.
func (w *Worker) send(id string, buf []byte) (*TaskResponse, error) {
	select {
	case w.slot <- struct{}{}:
	case <-w.terminated:
		return nil, ErrWorkerTerminated
	}
	defer func() { <-w.slot }()

	w.mu.Lock()
	c := w.ctx
	if c == nil {
		w.mu.Unlock()
		if w.State() == StateTerminated {
			return nil, ErrWorkerTerminated
		}
		return nil, ErrWorkerNotInitialized
	}
	respCh := make(chan *TaskResponse, 1)
	w.pending[id] = respCh
	w.mu.Unlock()

	w.state.CompareAndSwap(int32(StateReady), int32(StateBusy))
	defer w.state.CompareAndSwap(int32(StateBusy), int32(StateReady))

	select {
	case c.inbox <- buf:
	case <-c.stop:
		w.retire(id)
		return nil, ErrWorkerTerminated
	}

	timer := time.NewTimer(w.cfg.taskTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrTaskFailed, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		w.retire(id)
		return nil, fmt.Errorf("%w: task %s after %s", ErrTimeout, id, w.cfg.taskTimeout)
	case <-c.stop:
		w.retire(id)
		return nil, ErrWorkerTerminated
	}
}

// retire removes a request id from the correlation table so that a late
// response is dropped instead of delivered.
func (w *Worker) retire(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// runContext is the isolated side: it owns the engine instance and processes
// one request at a time. It exits when its generation's stop channel closes.
func (w *Worker) runContext(c *isoContext) {
	defer close(c.exited)

	engine, err := w.cfg.engineFactory()
	if err != nil {
		c.initCh <- fmt.Errorf("failed to create engine: %w", err)
		close(c.initCh)
		return
	}
	c.initCh <- nil
	close(c.initCh)

	defer func() {
		if engine != nil {
			if err := engine.Close(); err != nil {
				w.cfg.logger.Error("Failed to close engine", "worker", w.name, "error", err)
			}
		}
	}()

	for {
		select {
		case buf := <-c.inbox:
			resp, crashed := w.runTask(engine, buf)
			out, err := encodeResponse(resp)
			if err != nil {
				w.cfg.logger.Error("Failed to encode response", "worker", w.name, "task", resp.Id, "error", err)
				out, _ = encodeResponse(&TaskResponse{Id: resp.Id, Error: err.Error()})
			}
			select {
			case c.outbox <- out:
			case <-c.stop:
				return
			}
			if crashed && w.cfg.autoRestart {
				if err := engine.Close(); err != nil {
					w.cfg.logger.Error("Failed to close crashed engine", "worker", w.name, "error", err)
				}
				engine, err = w.cfg.engineFactory()
				if err != nil {
					w.cfg.logger.Error("Failed to recreate engine after crash", "worker", w.name, "error", err)
					return
				}
				w.cfg.logger.Debug("Engine recreated after crash", "worker", w.name)
			}
		case <-c.stop:
			return
		}
	}
}

// runTask decodes and executes one request, converting engine errors and
// panics into error responses. A fault fails only the current request.
func (w *Worker) runTask(engine Engine, buf []byte) (resp *TaskResponse, crashed bool) {
	req, err := decodeRequest(buf)
	if err != nil {
		w.cfg.logger.Error("Failed to decode request", "worker", w.name, "error", err)
		return &TaskResponse{Error: err.Error()}, false
	}

	defer func() {
		if r := recover(); r != nil {
			crashed = true
			resp = &TaskResponse{Id: req.Id, Error: fmt.Sprintf("panic in worker %s: %v", w.name, r)}
			w.cfg.logger.Error("Task execution panic", "worker", w.name, "task", req.Id, "error", r)
		}
	}()

	out, err := engine.Execute(req)
	if err != nil {
		return &TaskResponse{Id: req.Id, Error: err.Error()}, false
	}
	if out == nil {
		out = &TaskResponse{}
	}
	out.Id = req.Id
	return out, false
}

// runResponseLoop is the orchestrator side: it decodes responses and delivers
// them through the correlation table. A response for a retired id is dropped
// and counted.
func (w *Worker) runResponseLoop(c *isoContext) {
	for {
		select {
		case buf := <-c.outbox:
			resp, err := decodeResponse(buf)
			if err != nil {
				w.cfg.logger.Error("Failed to decode response", "worker", w.name, "error", err)
				continue
			}
			w.mu.Lock()
			ch, ok := w.pending[resp.Id]
			if ok {
				delete(w.pending, resp.Id)
			}
			w.mu.Unlock()
			if !ok {
				w.dropped.Add(1)
				w.cfg.logger.Debug("Dropping response for retired request", "worker", w.name, "task", resp.Id)
				continue
			}
			ch <- resp
		case <-c.stop:
			return
		}
	}
}

// decodeResult unpacks a successful response into dst.
func decodeResult(resp *TaskResponse, dst any) error {
	if dst == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(resp.Result, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}
