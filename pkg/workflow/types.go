// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow defines the declarative workflow model: definitions,
// steps, executions and their validation rules.
package workflow

import "time"

// StepType identifies what kind of work a step performs.
type StepType string

const (
	// StepTypePythonTask dispatches to the python worker.
	StepTypePythonTask StepType = "PYTHON_TASK"

	// StepTypeExternalAPICall dispatches to the network worker.
	StepTypeExternalAPICall StepType = "EXTERNAL_API_CALL"

	// StepTypeInternalOp executes inside the core without a worker.
	StepTypeInternalOp StepType = "INTERNAL_OP"

	// StepTypeHumanApproval suspends the execution until a decision arrives.
	StepTypeHumanApproval StepType = "HUMAN_APPROVAL"
)

// FailurePolicy controls what happens after a step exhausts its retries.
type FailurePolicy string

const (
	// FailurePolicyFail marks the step and the execution failed.
	FailurePolicyFail FailurePolicy = "FAIL"

	// FailurePolicyRetry is expressed through max_attempts > 1; after
	// exhaustion it behaves like FAIL.
	FailurePolicyRetry FailurePolicy = "RETRY"

	// FailurePolicySkip marks the step skipped and continues.
	FailurePolicySkip FailurePolicy = "SKIP"
)

// TimeoutPolicy controls how a HUMAN_APPROVAL step treats elapsed time.
type TimeoutPolicy string

const (
	// TimeoutPolicyWait pauses indefinitely until a decision arrives.
	TimeoutPolicyWait TimeoutPolicy = "WAIT"

	// TimeoutPolicyFail resolves the approval as a system REJECT once
	// timeout_ms elapses without a decision.
	TimeoutPolicyFail TimeoutPolicy = "FAIL"
)

// RetryPolicy bounds step retry behavior.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, at least 1.
	MaxAttempts int `json:"max_attempts"`

	// BackoffMs is the sleep between failed attempts, in milliseconds.
	BackoffMs int `json:"backoff_ms"`
}

// Step is a single unit of work within a workflow definition.
type Step struct {
	// StepID is unique within the workflow.
	StepID string `json:"step_id"`

	// Type selects the worker (or the approval machine).
	Type StepType `json:"type"`

	// InputMapping is the step input. Leaf strings of the form
	// ${step_id.path} or ${input.field} are resolved before dispatch.
	InputMapping map[string]any `json:"input_mapping,omitempty"`

	// RetryPolicy bounds attempts. Zero value means a single attempt.
	RetryPolicy RetryPolicy `json:"retry_policy"`

	// OnFailure applies after retries are exhausted. Defaults to FAIL.
	OnFailure FailurePolicy `json:"on_failure,omitempty"`

	// DependsOn lists step IDs that must reach a terminal state first.
	// A non-empty set anywhere in the workflow selects DAG mode.
	DependsOn []string `json:"depends_on,omitempty"`

	// Prompt is shown to the approver (HUMAN_APPROVAL only).
	Prompt string `json:"prompt,omitempty"`

	// AllowedActions are the decisions the approver may take
	// (HUMAN_APPROVAL only, non-empty).
	AllowedActions []string `json:"allowed_actions,omitempty"`

	// TimeoutPolicy is WAIT or FAIL (HUMAN_APPROVAL only).
	TimeoutPolicy TimeoutPolicy `json:"timeout_policy,omitempty"`

	// TimeoutMs arms the FAIL timeout policy.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// Definition is an immutable workflow definition.
type Definition struct {
	// WorkflowID identifies the definition.
	WorkflowID string `json:"workflow_id"`

	// Name is the human-readable workflow name.
	Name string `json:"name"`

	// Version is the definition version string.
	Version string `json:"version"`

	// Steps execute in declaration order (sequential mode) or by
	// dependency order (DAG mode).
	Steps []Step `json:"steps"`

	// MaxParallelism caps concurrent steps in DAG mode. Zero means
	// unlimited.
	MaxParallelism int `json:"max_parallelism,omitempty"`
}

// IsDAG reports whether any step declares dependencies.
func (d *Definition) IsDAG() bool {
	for i := range d.Steps {
		if len(d.Steps[i].DependsOn) > 0 {
			return true
		}
	}
	return false
}

// StepByID returns the step with the given ID.
func (d *Definition) StepByID(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].StepID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	// StatusRunning indicates the execution is in progress.
	StatusRunning ExecutionStatus = "running"

	// StatusPaused indicates the execution is suspended.
	StatusPaused ExecutionStatus = "paused"

	// StatusPausedWaitingForApproval indicates a HUMAN_APPROVAL step is
	// waiting for a decision.
	StatusPausedWaitingForApproval ExecutionStatus = "paused_waiting_for_approval"

	// StatusCompleted indicates the execution finished successfully.
	StatusCompleted ExecutionStatus = "completed"

	// StatusFailed indicates the execution finished with a failure.
	StatusFailed ExecutionStatus = "failed"
)

// Terminal reports whether the status is final. Terminal statuses are
// monotone: once set they are never overwritten.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is the lifecycle state of one step execution.
type StepStatus string

const (
	// StepStatusRunning indicates the step is executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusCompleted indicates the step finished successfully.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed indicates the step finished with a failure.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was skipped by its
	// on_failure policy. Skipped satisfies dependents like completed.
	StepStatusSkipped StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// Execution is one run of a workflow.
type Execution struct {
	ExecutionID    string          `json:"execution_id"`
	WorkflowID     string          `json:"workflow_id"`
	WorkflowName   string          `json:"workflow_name"`
	InitialContext map[string]any  `json:"initial_context,omitempty"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// StepExecution is the persisted state of one (execution, step) pair.
type StepExecution struct {
	ExecutionID  string         `json:"execution_id"`
	StepID       string         `json:"step_id"`
	Status       StepStatus     `json:"status"`
	RetryCount   int            `json:"retry_count"`
	Result       map[string]any `json:"result,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// ApprovalRequest is the persisted state of a HUMAN_APPROVAL step.
// Resolution fields are non-nil only after a decision is recorded.
type ApprovalRequest struct {
	ExecutionID    string     `json:"execution_id"`
	StepID         string     `json:"step_id"`
	Prompt         string     `json:"prompt"`
	AllowedActions []string   `json:"allowed_actions"`
	RequestedAt    time.Time  `json:"requested_at"`
	Decision       string     `json:"decision,omitempty"`
	ActorID        string     `json:"actor_id,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether a decision has been recorded.
func (a *ApprovalRequest) Resolved() bool {
	return a.ResolvedAt != nil
}

// DecisionApprove is the only decision that lets an execution continue.
const DecisionApprove = "APPROVE"

// DecisionReject is the conventional negative decision; any non-APPROVE
// decision fails the step.
const DecisionReject = "REJECT"

// SystemTimeoutActor is the actor recorded when a FAIL timeout policy
// resolves an approval on the requester's behalf.
const SystemTimeoutActor = "system:timeout"
