// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/approval"
	"github.com/loomctl/loom/pkg/engine"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/storage/sqlite"
	"github.com/loomctl/loom/pkg/workflow"
)

// stubDispatcher stands in for the worker fleet. It records call payloads
// and tracks the peak number of concurrent dispatches.
type stubDispatcher struct {
	mu            sync.Mutex
	calls         int
	concurrent    int
	maxConcurrent int
	payloads      []map[string]any

	delay   time.Duration
	handler func(call int, operation string, payload map[string]any) (map[string]any, error)
}

func (s *stubDispatcher) Dispatch(ctx context.Context, operation string, payload map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.concurrent++
	if s.concurrent > s.maxConcurrent {
		s.maxConcurrent = s.concurrent
	}
	s.payloads = append(s.payloads, payload)
	handler := s.handler
	delay := s.delay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.concurrent--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if handler != nil {
		return handler(call, operation, payload)
	}
	return map[string]any{"ok": true}, nil
}

func (s *stubDispatcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	store     *sqlite.Store
	bus       *events.Bus
	disp      *stubDispatcher
	approvals *approval.Service
	eng       *engine.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := sqlite.OpenStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus()
	disp := &stubDispatcher{}
	approvals := approval.NewService(store, bus)
	eng := engine.New(store, disp, approvals, bus)
	approvals.SetResumer(eng.ResumeExecution)

	return &harness{store: store, bus: bus, disp: disp, approvals: approvals, eng: eng}
}

func (h *harness) register(t *testing.T, def *workflow.Definition) {
	t.Helper()
	require.NoError(t, h.eng.RegisterDefinition(context.Background(), def))
}

func (h *harness) start(t *testing.T, workflowID string, initial map[string]any) string {
	t.Helper()
	exec, err := h.eng.StartWorkflow(context.Background(), workflowID, initial)
	require.NoError(t, err)
	return exec.ExecutionID
}

// waitForStatus polls until the execution reaches the wanted status.
func (h *harness) waitForStatus(t *testing.T, executionID string, want workflow.ExecutionStatus) *workflow.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := h.store.GetExecution(context.Background(), executionID)
		require.NoError(t, err)
		if exec.Status == want {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	exec, _ := h.store.GetExecution(context.Background(), executionID)
	t.Fatalf("execution %s never reached %s, last status %s (%s)",
		executionID, want, exec.Status, exec.ErrorMessage)
	return nil
}

func (h *harness) stepRow(t *testing.T, executionID, stepID string) *workflow.StepExecution {
	t.Helper()
	row, err := h.store.GetStepExecution(context.Background(), executionID, stepID)
	require.NoError(t, err)
	return row
}

func pythonStep(id string, deps ...string) workflow.Step {
	return workflow.Step{
		StepID:       id,
		Type:         workflow.StepTypePythonTask,
		InputMapping: map[string]any{"op": id},
		DependsOn:    deps,
	}
}

func TestSequentialExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.register(t, &workflow.Definition{
		WorkflowID: "seq", Name: "seq", Version: "1",
		Steps: []workflow.Step{pythonStep("s1"), pythonStep("s2"), pythonStep("s3")},
	})
	execID := h.start(t, "seq", nil)
	h.waitForStatus(t, execID, workflow.StatusCompleted)

	rows, err := h.store.ListStepExecutions(context.Background(), execID)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Each step starts only after its predecessor is fully persisted.
	for i := 1; i < len(rows); i++ {
		prev := rows[i-1]
		require.NotNil(t, prev.CompletedAt)
		assert.Equal(t, workflow.StepStatusCompleted, prev.Status)
		assert.False(t, rows[i].StartedAt.Before(*prev.CompletedAt),
			"step %s started before %s completed", rows[i].StepID, prev.StepID)
	}
}

func TestRetryArithmetic(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.disp.handler = func(call int, _ string, _ map[string]any) (map[string]any, error) {
		if call < 3 {
			return nil, errors.New("transient fault")
		}
		return map[string]any{"ok": true}, nil
	}

	h.register(t, &workflow.Definition{
		WorkflowID: "retry", Name: "retry", Version: "1",
		Steps: []workflow.Step{{
			StepID:      "flaky",
			Type:        workflow.StepTypePythonTask,
			RetryPolicy: workflow.RetryPolicy{MaxAttempts: 3, BackoffMs: 10},
			OnFailure:   workflow.FailurePolicyFail,
		}},
	})

	begin := time.Now()
	execID := h.start(t, "retry", nil)
	h.waitForStatus(t, execID, workflow.StatusCompleted)

	row := h.stepRow(t, execID, "flaky")
	assert.Equal(t, workflow.StepStatusCompleted, row.Status)
	assert.Equal(t, 2, row.RetryCount)
	assert.Equal(t, 3, h.disp.callCount())
	// Two backoff sleeps of 10ms separate the three attempts.
	assert.GreaterOrEqual(t, time.Since(begin), 20*time.Millisecond)
}

func TestRetryExhaustionFailsExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.disp.handler = func(int, string, map[string]any) (map[string]any, error) {
		return nil, errors.New("permanent fault")
	}

	h.register(t, &workflow.Definition{
		WorkflowID: "doomed", Name: "doomed", Version: "1",
		Steps: []workflow.Step{
			{
				StepID:      "a",
				Type:        workflow.StepTypePythonTask,
				RetryPolicy: workflow.RetryPolicy{MaxAttempts: 2, BackoffMs: 1},
			},
			pythonStep("b"),
		},
	})
	execID := h.start(t, "doomed", nil)
	exec := h.waitForStatus(t, execID, workflow.StatusFailed)
	assert.Contains(t, exec.ErrorMessage, "a")

	row := h.stepRow(t, execID, "a")
	assert.Equal(t, workflow.StepStatusFailed, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	assert.Equal(t, 2, h.disp.callCount())

	// The later-declared step never started.
	_, err := h.store.GetStepExecution(context.Background(), execID, "b")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSkipPolicyFeedsNullDownstream(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.disp.handler = func(_ int, _ string, payload map[string]any) (map[string]any, error) {
		if payload["op"] == "a" {
			return nil, errors.New("fault absorbed by SKIP")
		}
		return map[string]any{"ok": true}, nil
	}

	h.register(t, &workflow.Definition{
		WorkflowID: "skippy", Name: "skippy", Version: "1",
		Steps: []workflow.Step{
			{
				StepID:       "a",
				Type:         workflow.StepTypePythonTask,
				InputMapping: map[string]any{"op": "a"},
				OnFailure:    workflow.FailurePolicySkip,
			},
			{
				StepID: "b",
				Type:   workflow.StepTypePythonTask,
				InputMapping: map[string]any{
					"op":       "b",
					"upstream": "${a.result}",
				},
			},
		},
	})
	execID := h.start(t, "skippy", nil)
	h.waitForStatus(t, execID, workflow.StatusCompleted)

	assert.Equal(t, workflow.StepStatusSkipped, h.stepRow(t, execID, "a").Status)
	assert.Equal(t, workflow.StepStatusCompleted, h.stepRow(t, execID, "b").Status)

	// The skipped step resolves to a null placeholder downstream.
	h.disp.mu.Lock()
	defer h.disp.mu.Unlock()
	var bPayload map[string]any
	for _, p := range h.disp.payloads {
		if p["op"] == "b" {
			bPayload = p
		}
	}
	require.NotNil(t, bPayload)
	upstream, present := bPayload["upstream"]
	assert.True(t, present)
	assert.Nil(t, upstream)
}

func TestDAGOrdering(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.disp.delay = 10 * time.Millisecond

	h.register(t, &workflow.Definition{
		WorkflowID: "dag", Name: "dag", Version: "1",
		MaxParallelism: 2,
		Steps: []workflow.Step{
			pythonStep("a"),
			pythonStep("b"),
			pythonStep("c", "a", "b"),
		},
	})
	execID := h.start(t, "dag", nil)
	h.waitForStatus(t, execID, workflow.StatusCompleted)

	a := h.stepRow(t, execID, "a")
	b := h.stepRow(t, execID, "b")
	c := h.stepRow(t, execID, "c")
	require.NotNil(t, a.CompletedAt)
	require.NotNil(t, b.CompletedAt)

	// Dependency edges order timestamps; a and b themselves are unordered.
	assert.False(t, c.StartedAt.Before(*a.CompletedAt))
	assert.False(t, c.StartedAt.Before(*b.CompletedAt))
}

func TestDAGParallelismCap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.disp.delay = 20 * time.Millisecond

	h.register(t, &workflow.Definition{
		WorkflowID: "capped", Name: "capped", Version: "1",
		MaxParallelism: 1,
		Steps: []workflow.Step{
			pythonStep("root"),
			pythonStep("a", "root"),
			pythonStep("b", "root"),
			pythonStep("c", "root"),
		},
	})
	execID := h.start(t, "capped", nil)
	h.waitForStatus(t, execID, workflow.StatusCompleted)

	h.disp.mu.Lock()
	defer h.disp.mu.Unlock()
	assert.LessOrEqual(t, h.disp.maxConcurrent, 1)
}

func TestDAGFailurePropagation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.disp.handler = func(_ int, _ string, payload map[string]any) (map[string]any, error) {
		if payload["op"] == "a" {
			return nil, errors.New("root cause")
		}
		return map[string]any{"ok": true}, nil
	}

	h.register(t, &workflow.Definition{
		WorkflowID: "cascade", Name: "cascade", Version: "1",
		Steps: []workflow.Step{
			pythonStep("a"),
			pythonStep("b", "a"),
			pythonStep("c", "b"),
		},
	})
	execID := h.start(t, "cascade", nil)
	h.waitForStatus(t, execID, workflow.StatusFailed)

	assert.Equal(t, workflow.StepStatusFailed, h.stepRow(t, execID, "a").Status)
	// Undispatched descendants are marked failed, never dispatched.
	assert.Equal(t, workflow.StepStatusFailed, h.stepRow(t, execID, "b").Status)
	assert.Equal(t, workflow.StepStatusFailed, h.stepRow(t, execID, "c").Status)
	assert.Equal(t, 1, h.disp.callCount())
}

func TestApprovalPauseResumeApprove(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, &workflow.Definition{
		WorkflowID: "hitl", Name: "hitl", Version: "1",
		Steps: []workflow.Step{
			pythonStep("a"),
			{
				StepID:         "h",
				Type:           workflow.StepTypeHumanApproval,
				Prompt:         "proceed?",
				AllowedActions: []string{"APPROVE", "REJECT"},
				TimeoutPolicy:  workflow.TimeoutPolicyWait,
			},
			pythonStep("b"),
		},
	})
	execID := h.start(t, "hitl", nil)
	h.waitForStatus(t, execID, workflow.StatusPausedWaitingForApproval)

	pending, err := h.approvals.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "h", pending[0].StepID)
	assert.Equal(t, "proceed?", pending[0].Prompt)

	resumed, err := h.approvals.Resolve(ctx, execID, "h", "APPROVE", "alice", "ship it")
	require.NoError(t, err)
	assert.True(t, resumed)

	h.waitForStatus(t, execID, workflow.StatusCompleted)

	hRow := h.stepRow(t, execID, "h")
	bRow := h.stepRow(t, execID, "b")
	assert.Equal(t, workflow.StepStatusCompleted, hRow.Status)
	assert.Equal(t, "APPROVE", hRow.Result["decision"])
	assert.Equal(t, "alice", hRow.Result["actor_id"])
	assert.False(t, bRow.StartedAt.Before(hRow.StartedAt))

	// Replaying the resolution hits the idempotency sentinel.
	_, err = h.approvals.Resolve(ctx, execID, "h", "APPROVE", "alice", "ship it")
	require.ErrorIs(t, err, storage.ErrAlreadyResolved)
}

func TestApprovalRejectFailsExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, &workflow.Definition{
		WorkflowID: "veto", Name: "veto", Version: "1",
		Steps: []workflow.Step{
			{
				StepID:         "h",
				Type:           workflow.StepTypeHumanApproval,
				AllowedActions: []string{"APPROVE", "REJECT"},
			},
			pythonStep("b"),
		},
	})
	execID := h.start(t, "veto", nil)
	h.waitForStatus(t, execID, workflow.StatusPausedWaitingForApproval)

	_, err := h.approvals.Resolve(ctx, execID, "h", "REJECT", "bob", "not today")
	require.NoError(t, err)
	h.waitForStatus(t, execID, workflow.StatusFailed)

	assert.Equal(t, workflow.StepStatusFailed, h.stepRow(t, execID, "h").Status)
	_, err = h.store.GetStepExecution(ctx, execID, "b")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, h.disp.callCount())
}

func TestResumeSkipsPersistedSteps(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, &workflow.Definition{
		WorkflowID: "resume", Name: "resume", Version: "1",
		Steps: []workflow.Step{pythonStep("a"), pythonStep("b")},
	})

	// Simulate a crash after step a: execution row running, a completed.
	exec := &workflow.Execution{
		ExecutionID:  "e-crash",
		WorkflowID:   "resume",
		WorkflowName: "resume",
		Status:       workflow.StatusRunning,
		StartedAt:    time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, h.store.CreateExecution(ctx, exec))
	completed := time.Now().UTC().Add(-30 * time.Second)
	require.NoError(t, h.store.UpsertStepExecution(ctx, &workflow.StepExecution{
		ExecutionID: "e-crash",
		StepID:      "a",
		Status:      workflow.StepStatusCompleted,
		Result:      map[string]any{"ok": true},
		StartedAt:   completed.Add(-time.Second),
		CompletedAt: &completed,
	}))

	require.NoError(t, h.eng.ResumeExecution(ctx, "e-crash"))
	h.waitForStatus(t, "e-crash", workflow.StatusCompleted)

	// Only b dispatched; the persisted completion of a was honored.
	assert.Equal(t, 1, h.disp.callCount())
	h.disp.mu.Lock()
	defer h.disp.mu.Unlock()
	assert.Equal(t, "b", h.disp.payloads[0]["op"])
}

func TestResumeRejectsTerminalExecution(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.register(t, &workflow.Definition{
		WorkflowID: "once", Name: "once", Version: "1",
		Steps: []workflow.Step{pythonStep("a")},
	})
	execID := h.start(t, "once", nil)
	h.waitForStatus(t, execID, workflow.StatusCompleted)

	err := h.eng.ResumeExecution(ctx, execID)
	require.ErrorIs(t, err, engine.ErrExecutionNotResumable)
}

// waitForDispatches polls until the stub has seen at least n calls.
func (h *harness) waitForDispatches(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.disp.callCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stub dispatcher never reached %d calls, saw %d", n, h.disp.callCount())
}

func TestShutdownLeavesExecutionResumable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.disp.delay = 2 * time.Second

	h.register(t, &workflow.Definition{
		WorkflowID: "survivor", Name: "survivor", Version: "1",
		Steps: []workflow.Step{pythonStep("a"), pythonStep("b")},
	})
	execID := h.start(t, "survivor", nil)
	h.waitForDispatches(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.eng.Shutdown(ctx)

	// A graceful stop is not a failure: the execution stays persisted
	// running so the next startup's resume pass picks it up.
	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, exec.Status)
	assert.Empty(t, exec.ErrorMessage)

	resumable, err := h.store.GetResumableExecutions(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(resumable))
	for _, r := range resumable {
		ids = append(ids, r.ExecutionID)
	}
	assert.Contains(t, ids, execID)

	// The interrupted step was never settled, so a resume runs it again.
	h.disp.mu.Lock()
	h.disp.delay = 0
	h.disp.mu.Unlock()
	require.NoError(t, h.eng.ResumeExecution(context.Background(), execID))
	h.waitForStatus(t, execID, workflow.StatusCompleted)
}

func TestCancelExecutionFailsIt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.disp.delay = 2 * time.Second

	h.register(t, &workflow.Definition{
		WorkflowID: "doomed-by-user", Name: "doomed-by-user", Version: "1",
		Steps: []workflow.Step{pythonStep("a")},
	})
	execID := h.start(t, "doomed-by-user", nil)
	h.waitForDispatches(t, 1)

	require.NoError(t, h.eng.CancelExecution(execID))
	exec := h.waitForStatus(t, execID, workflow.StatusFailed)
	assert.Equal(t, "cancelled by request", exec.ErrorMessage)
}

func TestZeroBackoffRetriesImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.disp.handler = func(call int, _ string, _ map[string]any) (map[string]any, error) {
		if call == 1 {
			return nil, errors.New("transient fault")
		}
		return map[string]any{"ok": true}, nil
	}

	h.register(t, &workflow.Definition{
		WorkflowID: "eager", Name: "eager", Version: "1",
		Steps: []workflow.Step{{
			StepID:      "flaky",
			Type:        workflow.StepTypePythonTask,
			RetryPolicy: workflow.RetryPolicy{MaxAttempts: 2, BackoffMs: 0},
		}},
	})

	begin := time.Now()
	execID := h.start(t, "eager", nil)
	h.waitForStatus(t, execID, workflow.StatusCompleted)

	// backoff_ms of zero means no sleep between attempts.
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	assert.Equal(t, 2, h.disp.callCount())
	assert.Equal(t, 1, h.stepRow(t, execID, "flaky").RetryCount)
}

func TestStartWorkflowUnknownDefinition(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.eng.StartWorkflow(context.Background(), "ghost", nil)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInternalOpRunsWithoutWorker(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.register(t, &workflow.Definition{
		WorkflowID: "internal", Name: "internal", Version: "1",
		Steps: []workflow.Step{
			{
				StepID:       "prep",
				Type:         workflow.StepTypeInternalOp,
				InputMapping: map[string]any{"constant": 42.0, "from_input": "${input.region}"},
			},
		},
	})
	execID := h.start(t, "internal", map[string]any{"region": "eu-1"})
	h.waitForStatus(t, execID, workflow.StatusCompleted)

	row := h.stepRow(t, execID, "prep")
	assert.Equal(t, map[string]any{"constant": 42.0, "from_input": "eu-1"}, row.Result)
	assert.Equal(t, 0, h.disp.callCount())
}
