// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher routes operations to worker processes over the line
// protocol and correlates responses by request ID.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	loomerr "github.com/loomctl/loom/pkg/errors"
	"github.com/loomctl/loom/pkg/ipc"
	"github.com/loomctl/loom/pkg/logger"
	"github.com/loomctl/loom/pkg/supervisor"
)

// Client speaks to a single worker process. Multiple goroutines may call
// concurrently; writes are serialized by the codec and responses are
// demultiplexed by request ID. The slots channel keeps the number of
// outstanding requests within the worker's declared capacity.
type Client struct {
	role    string
	proc    *supervisor.Process
	codec   *ipc.Codec
	timeout time.Duration

	slots chan struct{}

	mu      sync.Mutex
	pending map[string]chan *ipc.Response

	dead chan struct{}
}

// NewClient attaches to a started worker process and begins reading its
// responses.
func NewClient(proc *supervisor.Process, timeout time.Duration) *Client {
	c := &Client{
		role:    proc.Role(),
		proc:    proc,
		codec:   proc.Codec(),
		timeout: timeout,
		slots:   make(chan struct{}, proc.MaxInFlight()),
		pending: make(map[string]chan *ipc.Response),
		dead:    make(chan struct{}),
	}

	go c.readLoop()
	go c.watchExit()
	return c
}

// Call sends one request and waits for the correlated response. Transport
// failures surface as WORKER_TIMEOUT or WORKER_DEAD; worker-reported
// failures carry the worker's own error code.
func (c *Client) Call(ctx context.Context, operation string, payload map[string]any) (map[string]any, error) {
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-c.dead:
		return nil, loomerr.Newf(loomerr.CodeWorkerDead, "worker %s is not running", c.role)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var rawPayload json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload for %s: %w", operation, err)
		}
		rawPayload = data
	}

	req := &ipc.Request{
		ID:        uuid.New().String(),
		Type:      operation,
		Payload:   rawPayload,
		Timestamp: time.Now().UnixMilli(),
	}

	respCh := make(chan *ipc.Response, 1)
	c.register(req.ID, respCh)
	defer c.unregister(req.ID)

	if err := c.codec.WriteRecord(req); err != nil {
		return nil, loomerr.Wrap(loomerr.CodeWorkerDead,
			fmt.Sprintf("writing to worker %s", c.role), err)
	}

	select {
	case resp := <-respCh:
		return decodeWorkerResponse(c.role, operation, resp)
	case <-time.After(c.timeout):
		return nil, loomerr.Newf(loomerr.CodeWorkerTimeout,
			"worker %s did not answer %s within %s", c.role, operation, c.timeout)
	case <-c.dead:
		return nil, loomerr.Newf(loomerr.CodeWorkerDead,
			"worker %s exited with request %s outstanding", c.role, operation)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decodeWorkerResponse(role, operation string, resp *ipc.Response) (map[string]any, error) {
	if !resp.Success {
		code := loomerr.CodeInternal
		message := "worker reported failure"
		if resp.Error != nil {
			if resp.Error.Code != "" {
				code = resp.Error.Code
			}
			message = resp.Error.Message
		}
		return nil, loomerr.Newf(code, "worker %s failed %s: %s", role, operation, message)
	}

	if resp.Result == nil {
		return map[string]any{}, nil
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		// Scalar results are wrapped so callers always see an object.
		return map[string]any{"value": resp.Result}, nil
	}
	return result, nil
}

func (c *Client) register(id string, ch chan *ipc.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = ch
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// readLoop demultiplexes worker responses to their waiting callers.
func (c *Client) readLoop() {
	for {
		line, err := c.codec.ReadLine()
		if err != nil {
			return
		}

		var resp ipc.Response
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == "" {
			logger.Warnw("discarding malformed worker line", "role", c.role, "error", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if !ok {
			// Late response after a timeout; nothing is waiting.
			logger.Debugw("dropping uncorrelated response", "role", c.role, "id", resp.ID)
			continue
		}
		ch <- &resp
	}
}

// watchExit fails every outstanding request when the process dies.
func (c *Client) watchExit() {
	<-c.proc.Done()
	close(c.dead)
}
