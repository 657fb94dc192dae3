// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loomctl/loom/pkg/logger"
	"github.com/loomctl/loom/pkg/workflow"
)

// nodeState tracks a step through the DAG scheduler.
type nodeState int

const (
	nodePending nodeState = iota
	nodeScheduled
	nodeDone
)

// dagOutcome carries a finished step back to the scheduler goroutine.
type dagOutcome struct {
	stepID  string
	outcome stepOutcome
	err     error
}

// runDAG schedules steps by dependency order with bounded parallelism.
// A single scheduler goroutine owns all mutable state; worker goroutines
// only execute steps and report back on a channel.
func (e *Engine) runDAG(ctx context.Context, def *workflow.Definition, exec *workflow.Execution) error {
	persisted, err := e.loadPersistedSteps(ctx, exec.ExecutionID)
	if err != nil {
		return err
	}

	states := make(map[string]nodeState, len(def.Steps))
	statuses := make(map[string]workflow.StepStatus, len(def.Steps))
	results := make(map[string]map[string]any, len(def.Steps))
	indeg := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))

	for i := range def.Steps {
		step := &def.Steps[i]
		states[step.StepID] = nodePending
		indeg[step.StepID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.StepID)
		}
	}

	ancestors := ancestorSets(def)

	var (
		failed   bool
		failMsg  string
		paused   bool
		runErr   error
		upstream []string
	)

	// settle marks a step terminal and releases its dependents.
	settle := func(stepID string, status workflow.StepStatus, result map[string]any) {
		states[stepID] = nodeDone
		statuses[stepID] = status
		if status == workflow.StepStatusCompleted || status == workflow.StepStatusSkipped {
			results[stepID] = result
			for _, dep := range dependents[stepID] {
				indeg[dep]--
			}
		}
	}

	// Seed from persisted rows so resumed executions never re-run
	// finished work. Previously failed steps propagate immediately.
	for id, row := range persisted {
		if !row.Status.Terminal() {
			continue
		}
		settle(id, row.Status, row.Result)
		if row.Status == workflow.StepStatusFailed {
			failed = true
			failMsg = fmt.Sprintf("step %s failed: %s", id, row.ErrorMessage)
			upstream = append(upstream, id)
		}
	}

	limit := int64(def.MaxParallelism)
	if limit <= 0 || limit > int64(len(def.Steps)) {
		limit = int64(len(def.Steps))
	}
	sem := semaphore.NewWeighted(limit)
	outcomes := make(chan dagOutcome)
	running := 0

	for {
		if runErr == nil && ctx.Err() != nil {
			runErr = context.Cause(ctx)
		}

		if !failed && !paused && runErr == nil {
			for _, stepID := range readySteps(def, states, indeg) {
				step, _ := def.StepByID(stepID)
				states[stepID] = nodeScheduled
				running++
				go e.dagWorker(ctx, sem, def, exec, step, snapshotAncestors(results, ancestors[stepID]), outcomes)
			}
		}

		if running == 0 {
			break
		}

		out := <-outcomes
		running--

		switch {
		case errors.Is(out.err, errPaused):
			states[out.stepID] = nodePending
			paused = true
		case out.err != nil:
			states[out.stepID] = nodeDone
			statuses[out.stepID] = workflow.StepStatusFailed
			if runErr == nil {
				runErr = out.err
			}
		default:
			settle(out.stepID, out.outcome.status, out.outcome.result)
			if out.outcome.status == workflow.StepStatusFailed {
				failed = true
				failMsg = fmt.Sprintf("step %s failed: %s", out.stepID, out.outcome.errorMessage)
				upstream = append(upstream, out.stepID)
			}
		}
	}

	if runErr != nil {
		return runErr
	}
	if paused {
		return errPaused
	}
	if failed {
		e.failDescendants(exec, def, states, upstream)
		return errors.New(failMsg)
	}

	// Validation rejects cycles, so every step must have settled.
	for id, state := range states {
		if state != nodeDone {
			return fmt.Errorf("scheduler stalled with step %s still pending", id)
		}
	}
	return nil
}

// dagWorker runs one step under the parallelism semaphore.
func (e *Engine) dagWorker(ctx context.Context, sem *semaphore.Weighted, def *workflow.Definition, exec *workflow.Execution, step *workflow.Step, results map[string]map[string]any, outcomes chan<- dagOutcome) {
	if err := sem.Acquire(ctx, 1); err != nil {
		outcomes <- dagOutcome{stepID: step.StepID, err: context.Cause(ctx)}
		return
	}
	defer sem.Release(1)

	outcome, err := e.runStep(ctx, def, exec, step, results)
	outcomes <- dagOutcome{stepID: step.StepID, outcome: outcome, err: err}
}

// readySteps returns pending steps whose dependencies are all satisfied,
// ordered by step_id so scheduling is deterministic.
func readySteps(def *workflow.Definition, states map[string]nodeState, indeg map[string]int) []string {
	var ready []string
	for i := range def.Steps {
		id := def.Steps[i].StepID
		if states[id] == nodePending && indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// failDescendants marks every still-pending transitive descendant of the
// failed steps as failed, so no orphaned work dispatches after the
// execution's fate is sealed.
func (e *Engine) failDescendants(exec *workflow.Execution, def *workflow.Definition, states map[string]nodeState, failedIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doomed := make(map[string]bool, len(failedIDs))
	for _, id := range failedIDs {
		doomed[id] = true
	}

	// Steps appear after their dependencies were declared, but order is
	// arbitrary, so iterate to a fixed point.
	for changed := true; changed; {
		changed = false
		for i := range def.Steps {
			step := &def.Steps[i]
			if doomed[step.StepID] {
				continue
			}
			for _, dep := range step.DependsOn {
				if doomed[dep] {
					doomed[step.StepID] = true
					changed = true
					break
				}
			}
		}
	}

	now := time.Now().UTC()
	for i := range def.Steps {
		id := def.Steps[i].StepID
		if !doomed[id] || states[id] != nodePending {
			continue
		}
		row := &workflow.StepExecution{
			ExecutionID:  exec.ExecutionID,
			StepID:       id,
			Status:       workflow.StepStatusFailed,
			StartedAt:    now,
			CompletedAt:  &now,
			ErrorMessage: "upstream step failed",
		}
		if err := e.store.UpsertStepExecution(ctx, row); err != nil {
			logger.Errorw("failed to persist cancelled descendant step",
				"execution_id", exec.ExecutionID, "step_id", id, "error", err)
		}
	}
}

// ancestorSets computes, for every step, the set of step IDs strictly
// before it in the dependency order. Input mapping may only address those.
func ancestorSets(def *workflow.Definition) map[string]map[string]bool {
	memo := make(map[string]map[string]bool, len(def.Steps))

	var visit func(id string) map[string]bool
	visit = func(id string) map[string]bool {
		if set, ok := memo[id]; ok {
			return set
		}
		set := make(map[string]bool)
		memo[id] = set
		step, ok := def.StepByID(id)
		if !ok {
			return set
		}
		for _, dep := range step.DependsOn {
			set[dep] = true
			for anc := range visit(dep) {
				set[anc] = true
			}
		}
		return set
	}

	for i := range def.Steps {
		visit(def.Steps[i].StepID)
	}
	return memo
}

// snapshotAncestors filters the shared results map down to the step's
// ancestors, taken while the scheduler goroutine owns the map.
func snapshotAncestors(results map[string]map[string]any, ancestors map[string]bool) map[string]map[string]any {
	snapshot := make(map[string]map[string]any, len(ancestors))
	for id := range ancestors {
		if result, ok := results[id]; ok {
			snapshot[id] = result
		}
	}
	return snapshot
}
