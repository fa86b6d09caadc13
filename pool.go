// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package dataexecutor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// poolTask is one queued unit of work: the encoded request plus the future
// its outcome resolves.
type poolTask struct {
	id  string
	op  OpType
	buf []byte
	fut *Future
}

// taskOutcome is the single resolution of a task: a successful response or an
// error, never both and never more than one.
type taskOutcome struct {
	resp *TaskResponse
	err  error
}

// Future is the pending result of a submitted task. It resolves exactly once;
// Wait may be called any number of times and always returns the same outcome.
type Future struct {
	ch       chan taskOutcome
	mu       sync.Mutex
	resolved bool
	out      taskOutcome
}

func newFuture() *Future {
	return &Future{ch: make(chan taskOutcome, 1)}
}

func (f *Future) resolve(out taskOutcome) {
	f.ch <- out
}

func (f *Future) wait() taskOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.resolved {
		f.out = <-f.ch
		f.resolved = true
	}
	return f.out
}

// Wait blocks until the task resolves and returns its decoded result.
func (f *Future) Wait() (any, error) {
	var out any
	if err := f.WaitInto(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitInto blocks until the task resolves and decodes the result into dst.
func (f *Future) WaitInto(dst any) error {
	o := f.wait()
	if o.err != nil {
		return o.err
	}
	return decodeResult(o.resp, dst)
}

// Pool owns a fixed number of workers, a FIFO queue of pending tasks and a
// scheduler. Tasks are dispatched to workers in submission order; a busy
// worker is never assigned a second task, and a completion is the only event
// that drains the queue. The queue and the ready list are owned exclusively
// by the scheduler goroutine, so they need no locks.
type Pool struct {
	cfg     *Config
	workers []*Worker

	submitCh chan *poolTask
	stopCh   chan struct{}
	stopOnce sync.Once
	exited   chan struct{}

	available atomic.Int64
	queued    atomic.Int64
	processed atomic.Uint64
}

// NewPool creates a pool with the configured number of workers, all started
// before NewPool returns. A pool size below one is a configuration error.
func NewPool(opts ...Option) (*Pool, error) {
	cfg := newConfig(opts...)
	if cfg.poolSize < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", cfg.poolSize)
	}

	p := &Pool{
		cfg:      cfg,
		submitCh: make(chan *poolTask),
		stopCh:   make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for i := 0; i < cfg.poolSize; i++ {
		w, err := newWorker(cfg, fmt.Sprintf("worker-%d", i+1))
		if err != nil {
			for _, created := range p.workers {
				created.Terminate()
			}
			return nil, fmt.Errorf("failed to create worker %d: %w", i+1, err)
		}
		p.workers = append(p.workers, w)
	}
	p.available.Store(int64(len(p.workers)))

	go p.schedule()

	cfg.logger.Debug("Pool started",
		"poolSize", cfg.poolSize,
		"taskTimeout", cfg.taskTimeout,
		"autoRestart", cfg.autoRestart,
	)
	return p, nil
}

// Submit enqueues a task and returns its future. Validation and payload
// encoding happen here, synchronously, so an unsupported operation or an
// unserializable payload never occupies a worker.
func (p *Pool) Submit(op OpType, payload any) *Future {
	fut := newFuture()
	if !p.cfg.operations[op] {
		fut.resolve(taskOutcome{err: fmt.Errorf("%w: %q", ErrUnsupportedOperation, op)})
		return fut
	}
	id := uuid.NewString()
	buf, err := encodeRequest(id, op, payload)
	if err != nil {
		fut.resolve(taskOutcome{err: err})
		return fut
	}

	task := &poolTask{id: id, op: op, buf: buf, fut: fut}
	select {
	case p.submitCh <- task:
	case <-p.stopCh:
		fut.resolve(taskOutcome{err: ErrPoolTerminated})
	}
	return fut
}

// Execute submits a task and waits for its result.
func (p *Pool) Execute(op OpType, payload any) (any, error) {
	return p.Submit(op, payload).Wait()
}

// ExecuteInto submits a task and decodes its result into dst.
func (p *Pool) ExecuteInto(op OpType, payload any, dst any) error {
	return p.Submit(op, payload).WaitInto(dst)
}

// Stats returns a point-in-time snapshot. It never blocks and never mutates
// pool state.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TotalWorkers:        len(p.workers),
		AvailableWorkers:    int(p.available.Load()),
		QueuedTasks:         int(p.queued.Load()),
		TotalTasksProcessed: p.processed.Load(),
	}
}

// Workers returns the pool's workers. Terminating or restarting them directly
// is the pool's job, not the caller's.
func (p *Pool) Workers() []*Worker {
	out := make([]*Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// Terminate shuts the pool down exactly once. Queued tasks that were never
// dispatched are rejected with ErrPoolTerminated; in-flight tasks are
// rejected through each worker's own termination. Repeated calls are no-ops.
func (p *Pool) Terminate() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		<-p.exited
		for _, w := range p.workers {
			w.Terminate()
		}
		p.available.Store(0)
		p.cfg.logger.Debug("Pool terminated", "tasksProcessed", p.processed.Load())
	})
}

// schedule is the pool's event loop and the sole owner of the queue and the
// ready list. Its only triggers are task submission and task completion.
func (p *Pool) schedule() {
	defer close(p.exited)

	doneCh := make(chan *Worker, len(p.workers))
	var queue []*poolTask
	ready := make([]*Worker, len(p.workers))
	copy(ready, p.workers)

	dispatch := func(w *Worker, t *poolTask) {
		go func() {
			resp, err := w.send(t.id, t.buf)
			// The counter tracks tasks the engine completed, with or without
			// a task-level error. Timeouts and termination rejections never
			// produced a result and are not counted.
			if err == nil || errors.Is(err, ErrTaskFailed) {
				p.processed.Add(1)
			}
			t.fut.resolve(taskOutcome{resp: resp, err: err})
			select {
			case doneCh <- w:
			case <-p.stopCh:
			}
		}()
	}

	for {
		select {
		case t := <-p.submitCh:
			if len(ready) > 0 {
				w := ready[0]
				ready = ready[1:]
				p.available.Add(-1)
				dispatch(w, t)
			} else {
				queue = append(queue, t)
				p.queued.Add(1)
			}
		case w := <-doneCh:
			if len(queue) > 0 {
				t := queue[0]
				queue = queue[1:]
				p.queued.Add(-1)
				dispatch(w, t)
			} else {
				ready = append(ready, w)
				p.available.Add(1)
			}
		case <-p.stopCh:
			for _, t := range queue {
				t.fut.resolve(taskOutcome{err: ErrPoolTerminated})
			}
			p.queued.Store(0)
			return
		}
	}
}
