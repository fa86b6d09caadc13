// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package dataexecutor

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// TaskRequest is the message sent into an isolated context. Payloads are
// carried pre-encoded so that a request crosses the boundary by value; the
// context never shares mutable memory with the caller.
type TaskRequest struct {
	Id   string             `msgpack:"id"`   // Correlation token, unique per outstanding call
	Type string             `msgpack:"type"` // Operation type name
	Data msgpack.RawMessage `msgpack:"data"` // Encoded operation payload
}

// TaskResponse is the message received back from an isolated context. Exactly
// one of Result and Error is populated. A response whose Id is not in the
// worker's live request table is dropped and counted.
type TaskResponse struct {
	Id     string             `msgpack:"id"`
	Result msgpack.RawMessage `msgpack:"result,omitempty"`
	Error  string             `msgpack:"error,omitempty"`
}

// encodeRequest builds and encodes the request envelope for a call.
// A payload that msgpack cannot represent fails here, synchronously, before
// the request occupies a worker.
func encodeRequest(id string, op OpType, payload any) ([]byte, error) {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	buf, err := msgpack.Marshal(&TaskRequest{Id: id, Type: string(op), Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return buf, nil
}

func decodeRequest(buf []byte) (*TaskRequest, error) {
	req := &TaskRequest{}
	if err := msgpack.Unmarshal(buf, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return req, nil
}

func encodeResponse(resp *TaskResponse) ([]byte, error) {
	buf, err := msgpack.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return buf, nil
}

func decodeResponse(buf []byte) (*TaskResponse, error) {
	resp := &TaskResponse{}
	if err := msgpack.Unmarshal(buf, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return resp, nil
}
