// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/logger"
	"github.com/loomctl/loom/pkg/workflow"
)

// stepOutcome is the result of running one step to a terminal status.
type stepOutcome struct {
	status       workflow.StepStatus
	result       map[string]any
	errorMessage string
}

// runStep executes one step to a terminal status and persists every
// transition. For HUMAN_APPROVAL steps without a recorded decision it
// persists the pause and returns errPaused.
func (e *Engine) runStep(ctx context.Context, def *workflow.Definition, exec *workflow.Execution, step *workflow.Step, results map[string]map[string]any) (stepOutcome, error) {
	if step.Type == workflow.StepTypeHumanApproval {
		return e.runApprovalStep(ctx, def, exec, step)
	}

	resolved := ResolveInputs(step.InputMapping, exec.InitialContext, results)

	row := &workflow.StepExecution{
		ExecutionID: exec.ExecutionID,
		StepID:      step.StepID,
		Status:      workflow.StepStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := e.store.UpsertStepExecution(ctx, row); err != nil {
		return stepOutcome{}, fmt.Errorf("persisting step %s start: %w", step.StepID, err)
	}
	e.bus.Publish(events.TagStepStarted, map[string]any{
		"execution_id": exec.ExecutionID,
		"step_id":      step.StepID,
	})

	result, attempts, err := e.executeWithRetry(ctx, step, resolved)
	row.RetryCount = attempts - 1

	if err != nil {
		// A cancelled fiber propagates its cancellation cause instead of
		// settling the step, so the on_failure policy never fires for a
		// shutdown or cancel.
		if cause := context.Cause(ctx); cause != nil {
			return stepOutcome{}, cause
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return stepOutcome{}, err
		}
		return e.settleFailedStep(exec, step, row, err)
	}

	now := time.Now().UTC()
	row.Status = workflow.StepStatusCompleted
	row.Result = result
	row.CompletedAt = &now
	if err := e.store.UpsertStepExecution(ctx, row); err != nil {
		return stepOutcome{}, fmt.Errorf("persisting step %s completion: %w", step.StepID, err)
	}
	e.bus.Publish(events.TagStepCompleted, map[string]any{
		"execution_id": exec.ExecutionID,
		"step_id":      step.StepID,
		"status":       string(workflow.StepStatusCompleted),
	})

	return stepOutcome{status: workflow.StepStatusCompleted, result: result}, nil
}

// executeWithRetry dispatches the step operation, retrying transient
// failures within the step's attempt budget. Returns the result and the
// number of attempts actually made.
func (e *Engine) executeWithRetry(ctx context.Context, step *workflow.Step, payload map[string]any) (map[string]any, int, error) {
	if step.Type == workflow.StepTypeInternalOp {
		// Internal operations transform data inside the core; the resolved
		// input is the result.
		return payload, 1, nil
	}

	maxAttempts := step.EffectiveMaxAttempts()
	// backoff_ms is valid at zero: retry immediately.
	interval := time.Duration(step.RetryPolicy.BackoffMs) * time.Millisecond

	attempts := 0
	operation := func() (map[string]any, error) {
		attempts++
		result, err := e.dispatcher.Dispatch(ctx, string(step.Type), payload)
		if err != nil {
			logger.Warnw("step attempt failed",
				"step_id", step.StepID, "attempt", attempts, "max_attempts", maxAttempts, "error", err)
		}
		return result, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.RandomizationFactor = 0
	b.Multiplier = 1

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)))
	return result, attempts, err
}

// settleFailedStep applies the step's on_failure policy after retry
// exhaustion: SKIP records the step skipped with a nil result placeholder,
// FAIL records it failed.
func (e *Engine) settleFailedStep(exec *workflow.Execution, step *workflow.Step, row *workflow.StepExecution, cause error) (stepOutcome, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	row.CompletedAt = &now
	row.ErrorMessage = cause.Error()

	status := workflow.StepStatusFailed
	if step.EffectiveOnFailure() == workflow.FailurePolicySkip {
		status = workflow.StepStatusSkipped
		logger.Infow("skipping failed step",
			"execution_id", exec.ExecutionID, "step_id", step.StepID, "error", cause)
	}
	row.Status = status
	row.Result = nil

	if err := e.store.UpsertStepExecution(ctx, row); err != nil {
		return stepOutcome{}, fmt.Errorf("persisting step %s failure: %w", step.StepID, err)
	}
	e.bus.Publish(events.TagStepCompleted, map[string]any{
		"execution_id": exec.ExecutionID,
		"step_id":      step.StepID,
		"status":       string(status),
		"error":        cause.Error(),
	})

	return stepOutcome{status: status, errorMessage: cause.Error()}, nil
}

// runApprovalStep drives one HUMAN_APPROVAL step. With a recorded APPROVE
// it completes the step; any other decision fails it. Without a decision it
// records the request (first visit only), parks the execution as
// paused_waiting_for_approval and returns errPaused.
func (e *Engine) runApprovalStep(ctx context.Context, def *workflow.Definition, exec *workflow.Execution, step *workflow.Step) (stepOutcome, error) {
	existing, err := e.approvals.Existing(ctx, exec.ExecutionID, step.StepID)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("looking up approval for step %s: %w", step.StepID, err)
	}

	if existing != nil && existing.Resolved() {
		return e.applyApprovalDecision(ctx, exec, step, existing)
	}

	if existing == nil {
		req := &workflow.ApprovalRequest{
			ExecutionID:    exec.ExecutionID,
			StepID:         step.StepID,
			Prompt:         step.Prompt,
			AllowedActions: step.AllowedActions,
			RequestedAt:    time.Now().UTC(),
		}
		// Persist the request before any acknowledgement so a crash can
		// never lose a pending approval.
		if err := e.approvals.Request(ctx, req, step.TimeoutPolicy, step.TimeoutMs); err != nil {
			return stepOutcome{}, fmt.Errorf("recording approval request for step %s: %w", step.StepID, err)
		}

		row := &workflow.StepExecution{
			ExecutionID: exec.ExecutionID,
			StepID:      step.StepID,
			Status:      workflow.StepStatusRunning,
			StartedAt:   req.RequestedAt,
		}
		if err := e.store.UpsertStepExecution(ctx, row); err != nil {
			return stepOutcome{}, fmt.Errorf("persisting approval step %s start: %w", step.StepID, err)
		}

		e.bus.Publish(events.TagApprovalRequested, map[string]any{
			"execution_id":    exec.ExecutionID,
			"step_id":         step.StepID,
			"workflow_id":     def.WorkflowID,
			"prompt":          step.Prompt,
			"allowed_actions": step.AllowedActions,
		})
	}

	if err := e.store.UpdateExecutionStatus(ctx, exec.ExecutionID,
		workflow.StatusPausedWaitingForApproval, ""); err != nil {
		return stepOutcome{}, fmt.Errorf("parking execution %s: %w", exec.ExecutionID, err)
	}

	logger.Infow("execution paused for approval",
		"execution_id", exec.ExecutionID, "step_id", step.StepID)
	return stepOutcome{}, errPaused
}

// applyApprovalDecision turns a recorded decision into the step's terminal
// status.
func (e *Engine) applyApprovalDecision(ctx context.Context, exec *workflow.Execution, step *workflow.Step, req *workflow.ApprovalRequest) (stepOutcome, error) {
	now := time.Now().UTC()
	row := &workflow.StepExecution{
		ExecutionID: exec.ExecutionID,
		StepID:      step.StepID,
		StartedAt:   req.RequestedAt,
		CompletedAt: &now,
	}

	if req.Decision == workflow.DecisionApprove {
		row.Status = workflow.StepStatusCompleted
		row.Result = map[string]any{
			"decision": req.Decision,
			"actor_id": req.ActorID,
			"comment":  req.Comment,
		}
		if err := e.store.UpsertStepExecution(ctx, row); err != nil {
			return stepOutcome{}, fmt.Errorf("persisting approval step %s completion: %w", step.StepID, err)
		}
		e.bus.Publish(events.TagStepCompleted, map[string]any{
			"execution_id": exec.ExecutionID,
			"step_id":      step.StepID,
			"status":       string(workflow.StepStatusCompleted),
		})
		return stepOutcome{status: workflow.StepStatusCompleted, result: row.Result}, nil
	}

	message := fmt.Sprintf("approval %s by %s", req.Decision, req.ActorID)
	row.Status = workflow.StepStatusFailed
	row.ErrorMessage = message
	if err := e.store.UpsertStepExecution(ctx, row); err != nil {
		return stepOutcome{}, fmt.Errorf("persisting approval step %s rejection: %w", step.StepID, err)
	}
	e.bus.Publish(events.TagStepCompleted, map[string]any{
		"execution_id": exec.ExecutionID,
		"step_id":      step.StepID,
		"status":       string(workflow.StepStatusFailed),
		"error":        message,
	})
	return stepOutcome{status: workflow.StepStatusFailed, errorMessage: message}, nil
}
