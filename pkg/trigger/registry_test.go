// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/workflow"
)

type startCall struct {
	workflowID string
	initial    map[string]any
}

// recordingStarter captures StartWorkflow calls from trigger goroutines.
type recordingStarter struct {
	mu    sync.Mutex
	calls []startCall
}

func (s *recordingStarter) StartWorkflow(_ context.Context, workflowID string, initial map[string]any) (*workflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, startCall{workflowID: workflowID, initial: initial})
	return &workflow.Execution{ExecutionID: "e-" + workflowID, WorkflowID: workflowID}, nil
}

func (s *recordingStarter) snapshot() []startCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]startCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func TestBindUnbind(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(&recordingStarter{}, events.NewBus())
	t.Cleanup(reg.Close)

	reg.Bind("contract.created", "wf-b")
	reg.Bind("contract.created", "wf-a")
	reg.Bind("contract.created", "wf-a")

	assert.Equal(t, []string{"wf-a", "wf-b"}, reg.Bindings("contract.created"))

	reg.Unbind("contract.created", "wf-b")
	assert.Equal(t, []string{"wf-a"}, reg.Bindings("contract.created"))

	reg.Unbind("contract.created", "wf-a")
	assert.Empty(t, reg.Bindings("contract.created"))
	assert.Empty(t, reg.All())

	// Unbinding something never bound is a no-op.
	reg.Unbind("ghost.tag", "wf-a")
}

func TestPublishLaunchesBoundWorkflows(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	starter := &recordingStarter{}
	reg := NewRegistry(starter, bus)
	t.Cleanup(reg.Close)

	reg.Bind("invoice.received", "wf-1")
	reg.Bind("invoice.received", "wf-2")

	bus.Publish("invoice.received", map[string]any{"amount": 12.5})

	require.Eventually(t, func() bool {
		return len(starter.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	ids := make([]string, 0, 2)
	for _, call := range starter.snapshot() {
		ids = append(ids, call.workflowID)
		assert.Equal(t, 12.5, call.initial["amount"])
	}
	assert.ElementsMatch(t, []string{"wf-1", "wf-2"}, ids)
}

func TestUnboundTagDoesNotLaunch(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	starter := &recordingStarter{}
	reg := NewRegistry(starter, bus)
	t.Cleanup(reg.Close)

	reg.Bind("bound.tag", "wf-1")
	bus.Publish("other.tag", nil)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, starter.snapshot())
}

func TestCloseDetachesFromBus(t *testing.T) {
	t.Parallel()
	bus := events.NewBus()
	starter := &recordingStarter{}
	reg := NewRegistry(starter, bus)

	reg.Bind("bound.tag", "wf-1")
	reg.Close()
	bus.Publish("bound.tag", nil)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, starter.snapshot())
}

func TestInitialContextFrom(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	evt := events.Event{
		Tag: "contract.created",
		Payload: map[string]any{
			"contract_id": "c-1",
			"urgent":      true,
			"amount":      99.5,
			"nested":      map[string]any{"skip": "me"},
			"list":        []any{"skip"},
		},
		Timestamp: ts,
	}

	initial := initialContextFrom(evt)
	assert.Equal(t, "c-1", initial["contract_id"])
	assert.Equal(t, true, initial["urgent"])
	assert.Equal(t, 99.5, initial["amount"])
	assert.NotContains(t, initial, "nested")
	assert.NotContains(t, initial, "list")
	assert.Equal(t, "contract.created", initial["trigger_event"])
	assert.Equal(t, ts.Format(time.RFC3339Nano), initial["trigger_timestamp"])
}
