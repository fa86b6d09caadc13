// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package gojaengine runs statically registered scripts as catalog
// operations. Scripts are compiled once at engine construction: each must
// define a function named after its operation, and that name becomes the
// operation type callers post. There is no dynamic code loading after
// construction.
package gojaengine

import (
	"fmt"

	dataexecutor "github.com/buke/data-executor"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/vmihailenco/msgpack/v5"
)

// Script is one registered operation: Source must define a function named
// Name taking the decoded payload and returning a serializable value.
type Script struct {
	Name   string
	Source string
}

// Engine implements dataexecutor.Engine on a goja runtime. Each worker
// context gets its own Engine instance, so the runtime is never shared.
type Engine struct {
	rt  *goja.Runtime
	fns map[string]goja.Callable
}

// NewFactory returns an EngineFactory that builds an engine from the given
// scripts. Pair it with dataexecutor.WithOperations(Operations(scripts...))
// so the worker accepts the script operation names.
func NewFactory(scripts ...*Script) dataexecutor.EngineFactory {
	return func() (dataexecutor.Engine, error) {
		return newEngine(scripts)
	}
}

// Operations returns the operation types served by the given scripts.
func Operations(scripts ...*Script) []dataexecutor.OpType {
	ops := make([]dataexecutor.OpType, 0, len(scripts))
	for _, s := range scripts {
		ops = append(ops, dataexecutor.OpType(s.Name))
	}
	return ops
}

func newEngine(scripts []*Script) (*Engine, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	registry := new(require.Registry)
	registry.Enable(rt)
	console.Enable(rt)

	e := &Engine{rt: rt, fns: make(map[string]goja.Callable, len(scripts))}
	for _, s := range scripts {
		if _, err := rt.RunScript(s.Name+".js", s.Source); err != nil {
			return nil, fmt.Errorf("failed to load script %s: %w", s.Name, err)
		}
		fn, ok := goja.AssertFunction(rt.Get(s.Name))
		if !ok {
			return nil, fmt.Errorf("script %s does not define function %q", s.Name, s.Name)
		}
		e.fns[s.Name] = fn
	}
	return e, nil
}

// Execute decodes the request payload, calls the script function of the
// request's type and encodes its exported return value.
func (e *Engine) Execute(req *dataexecutor.TaskRequest) (*dataexecutor.TaskResponse, error) {
	fn, ok := e.fns[req.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", dataexecutor.ErrUnsupportedOperation, req.Type)
	}

	var arg any
	if len(req.Data) > 0 {
		if err := msgpack.Unmarshal(req.Data, &arg); err != nil {
			return nil, fmt.Errorf("%w: %v", dataexecutor.ErrSerialization, err)
		}
	}

	val, err := fn(goja.Undefined(), e.rt.ToValue(arg))
	if err != nil {
		return nil, fmt.Errorf("script %s failed: %w", req.Type, err)
	}

	raw, err := msgpack.Marshal(val.Export())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dataexecutor.ErrSerialization, err)
	}
	return &dataexecutor.TaskResponse{Id: req.Id, Result: raw}, nil
}

// Close releases the runtime.
func (e *Engine) Close() error {
	e.fns = nil
	e.rt = nil
	return nil
}
