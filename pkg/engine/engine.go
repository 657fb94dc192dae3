// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine executes workflow definitions: sequentially when no step
// declares dependencies, and by topological DAG scheduling otherwise.
// Every state transition is persisted before the executor acts on it, so
// any partially executed workflow can be resumed after a restart.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/logger"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/workflow"
)

// StepDispatcher routes a step operation to a worker and returns its result.
type StepDispatcher interface {
	Dispatch(ctx context.Context, operation string, payload map[string]any) (map[string]any, error)
}

// ApprovalGate is the executor's view of the approval service: look up an
// existing request and record a new one. The executor never resolves.
// Request arms the FAIL timeout when the step declares one.
type ApprovalGate interface {
	Existing(ctx context.Context, executionID, stepID string) (*workflow.ApprovalRequest, error)
	Request(ctx context.Context, req *workflow.ApprovalRequest, policy workflow.TimeoutPolicy, timeoutMs int) error
}

// errPaused signals that the execution parked on a HUMAN_APPROVAL step and
// must not be finalized.
var errPaused = errors.New("execution paused waiting for approval")

// errShutdown is the cancellation cause used by Shutdown. An execution
// interrupted this way stays persisted as running so the next startup's
// resume pass relaunches it.
var errShutdown = errors.New("engine shutting down")

// errCancelled is the cancellation cause used by CancelExecution.
var errCancelled = errors.New("cancelled by request")

// ErrExecutionNotResumable is returned by ResumeExecution when the
// execution is terminal or still has a live fiber.
var ErrExecutionNotResumable = errors.New("execution is not resumable")

// Engine is the workflow executor.
type Engine struct {
	store      storage.Store
	dispatcher StepDispatcher
	approvals  ApprovalGate
	bus        *events.Bus

	// defs caches loaded definitions by workflow_id.
	defs sync.Map

	// active maps execution_id to its cancel function while a fiber runs.
	active sync.Map

	wg sync.WaitGroup
}

// New creates a workflow engine.
func New(store storage.Store, dispatcher StepDispatcher, approvals ApprovalGate, bus *events.Bus) *Engine {
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		approvals:  approvals,
		bus:        bus,
	}
}

// RegisterDefinition caches a validated definition and persists it.
func (e *Engine) RegisterDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := e.store.SaveDefinition(ctx, def); err != nil {
		return err
	}
	e.defs.Store(def.WorkflowID, def)
	return nil
}

// Definition returns a cached definition, falling back to the store.
func (e *Engine) Definition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	if cached, ok := e.defs.Load(workflowID); ok {
		return cached.(*workflow.Definition), nil
	}
	def, err := e.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	e.defs.Store(workflowID, def)
	return def, nil
}

// ListDefinitions returns all persisted definitions.
func (e *Engine) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	return e.store.ListDefinitions(ctx)
}

// StartWorkflow creates a new execution and runs it on a background fiber.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string, initialContext map[string]any) (*workflow.Execution, error) {
	def, err := e.Definition(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	exec := &workflow.Execution{
		ExecutionID:    uuid.New().String(),
		WorkflowID:     def.WorkflowID,
		WorkflowName:   def.Name,
		InitialContext: initialContext,
		Status:         workflow.StatusRunning,
		StartedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating execution: %w", err)
	}

	e.bus.Publish(events.TagWorkflowStarted, map[string]any{
		"execution_id": exec.ExecutionID,
		"workflow_id":  exec.WorkflowID,
	})

	e.launch(def, exec)
	return exec, nil
}

// ResumeExecution revives a parked or interrupted execution: after a
// restart, or when an approval decision arrives. Completed steps are never
// re-executed; their persisted results feed input mapping resolution.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string) error {
	if _, running := e.active.Load(executionID); running {
		return fmt.Errorf("%w: %s has a live fiber", ErrExecutionNotResumable, executionID)
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionNotResumable, executionID, exec.Status)
	}

	def, err := e.Definition(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}

	if exec.Status != workflow.StatusRunning {
		if err := e.store.UpdateExecutionStatus(ctx, executionID, workflow.StatusRunning, ""); err != nil {
			return err
		}
		exec.Status = workflow.StatusRunning
	}

	e.launch(def, exec)
	return nil
}

// CancelExecution requests cooperative cancellation of a running fiber.
// The execution observes the cancel at its next scheduling point; a worker
// is never interrupted mid-request.
func (e *Engine) CancelExecution(executionID string) error {
	cancel, ok := e.active.Load(executionID)
	if !ok {
		return storage.ErrNotFound
	}
	cancel.(context.CancelCauseFunc)(errCancelled)
	return nil
}

// Shutdown cancels all running fibers and waits for them to settle. Fibers
// observe the shutdown cause and leave their executions persisted running,
// so nothing that lived through a graceful stop is lost to resumption.
func (e *Engine) Shutdown(ctx context.Context) {
	e.active.Range(func(_, cancel any) bool {
		cancel.(context.CancelCauseFunc)(errShutdown)
		return true
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("shutdown deadline passed with executions still in flight")
	}
}

// launch starts the execution fiber.
func (e *Engine) launch(def *workflow.Definition, exec *workflow.Execution) {
	runCtx, cancel := context.WithCancelCause(context.Background())
	e.active.Store(exec.ExecutionID, cancel)
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer cancel(nil)
		defer e.active.Delete(exec.ExecutionID)
		e.run(runCtx, def, exec)
	}()
}

// run drives one execution to a terminal state or a pause.
func (e *Engine) run(ctx context.Context, def *workflow.Definition, exec *workflow.Execution) {
	logger.Infow("executing workflow",
		"execution_id", exec.ExecutionID, "workflow_id", def.WorkflowID, "dag", def.IsDAG())

	var err error
	if def.IsDAG() {
		err = e.runDAG(ctx, def, exec)
	} else {
		err = e.runSequential(ctx, def, exec)
	}

	switch {
	case err == nil:
		e.finalize(exec, workflow.StatusCompleted, "")
	case errors.Is(err, errPaused):
		// Status already persisted as paused_waiting_for_approval; the
		// fiber ends without a terminal transition.
		e.bus.Publish(events.TagWorkflowPaused, map[string]any{
			"execution_id": exec.ExecutionID,
			"workflow_id":  exec.WorkflowID,
		})
	case errors.Is(err, errShutdown):
		// No terminal transition: the execution stays persisted running
		// and resumes on the next startup.
		logger.Infow("execution interrupted by shutdown",
			"execution_id", exec.ExecutionID, "workflow_id", exec.WorkflowID)
	case errors.Is(err, errCancelled), errors.Is(err, context.Canceled):
		e.finalize(exec, workflow.StatusFailed, "cancelled by request")
	default:
		e.finalize(exec, workflow.StatusFailed, err.Error())
	}
}

// finalize persists the terminal status and publishes the lifecycle event.
func (e *Engine) finalize(exec *workflow.Execution, status workflow.ExecutionStatus, errorMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.store.UpdateExecutionStatus(ctx, exec.ExecutionID, status, errorMessage); err != nil {
		logger.Errorw("failed to persist terminal execution status",
			"execution_id", exec.ExecutionID, "status", status, "error", err)
	}

	tag := events.TagWorkflowCompleted
	if status == workflow.StatusFailed {
		tag = events.TagWorkflowFailed
	}
	e.bus.Publish(tag, map[string]any{
		"execution_id": exec.ExecutionID,
		"workflow_id":  exec.WorkflowID,
		"status":       string(status),
		"error":        errorMessage,
	})

	logger.Infow("workflow finished",
		"execution_id", exec.ExecutionID, "status", status, "error", errorMessage)
}

// runSequential executes steps in declaration order.
func (e *Engine) runSequential(ctx context.Context, def *workflow.Definition, exec *workflow.Execution) error {
	persisted, err := e.loadPersistedSteps(ctx, exec.ExecutionID)
	if err != nil {
		return err
	}

	// Results of terminal steps, for input mapping resolution. Skipped
	// steps contribute a nil placeholder.
	results := make(map[string]map[string]any, len(def.Steps))
	for id, row := range persisted {
		if row.Status == workflow.StepStatusCompleted || row.Status == workflow.StepStatusSkipped {
			results[id] = row.Result
		}
	}

	for i := range def.Steps {
		step := &def.Steps[i]

		if row, ok := persisted[step.StepID]; ok && row.Status.Terminal() {
			if row.Status == workflow.StepStatusFailed {
				return fmt.Errorf("step %s previously failed: %s", step.StepID, row.ErrorMessage)
			}
			// Already completed or skipped in a previous run.
			continue
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
		}

		outcome, err := e.runStep(ctx, def, exec, step, results)
		if err != nil {
			return err
		}

		switch outcome.status {
		case workflow.StepStatusCompleted, workflow.StepStatusSkipped:
			results[step.StepID] = outcome.result
		case workflow.StepStatusFailed:
			return fmt.Errorf("step %s failed: %s", step.StepID, outcome.errorMessage)
		}
	}

	return nil
}

// loadPersistedSteps returns the step rows already persisted for an
// execution, keyed by step_id.
func (e *Engine) loadPersistedSteps(ctx context.Context, executionID string) (map[string]*workflow.StepExecution, error) {
	rows, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("loading persisted steps: %w", err)
	}
	persisted := make(map[string]*workflow.StepExecution, len(rows))
	for _, row := range rows {
		persisted[row.StepID] = row
	}
	return persisted, nil
}
