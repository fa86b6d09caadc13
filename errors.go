// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package dataexecutor

import "errors"

// Errors returned by workers, pools and bindings. Callers should match them
// with errors.Is; most are returned wrapped with call-specific detail.
var (
	// ErrWorkerNotInitialized is returned for calls made before a worker
	// finished starting (for example during a restart).
	ErrWorkerNotInitialized = errors.New("worker not initialized")

	// ErrWorkerTerminated is returned for calls made after Terminate, and for
	// in-flight calls that a Terminate or Restart rejected.
	ErrWorkerTerminated = errors.New("worker terminated")

	// ErrPoolTerminated is returned for tasks submitted after pool shutdown
	// and for queued tasks that were never dispatched before shutdown.
	ErrPoolTerminated = errors.New("pool terminated")

	// ErrTimeout is returned when no response arrived within the task
	// timeout. The underlying computation is not guaranteed to have stopped;
	// its request id is retired and a late response is dropped.
	ErrTimeout = errors.New("timeout waiting for task result")

	// ErrSerialization is returned when a payload or result cannot cross the
	// worker boundary.
	ErrSerialization = errors.New("value cannot cross the worker boundary")

	// ErrUnsupportedOperation is returned for operation types outside the
	// configured operation set, before any message is sent to the worker.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrTaskFailed wraps an error reported by the engine for a single task.
	ErrTaskFailed = errors.New("task failed")
)
