// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package dataexecutor

// Engine executes task requests inside an isolated context. Each worker
// creates its own engine instance through an EngineFactory and is the only
// goroutine that ever touches it, so implementations do not need to be safe
// for concurrent use.
type Engine interface {
	// Execute runs a single request and returns its response. An error return
	// fails only the current request; the engine stays usable.
	Execute(req *TaskRequest) (*TaskResponse, error)

	// Close releases the engine's resources.
	Close() error
}

// EngineFactory creates engine instances. It is called once per worker
// context, and again when an auto-restarting worker replaces a crashed
// engine.
type EngineFactory func() (Engine, error)
