// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides domain-specific storage interfaces for loom.
// The persistence layer records and returns state; it never interprets it.
package storage

import (
	"context"
	"time"

	"github.com/loomctl/loom/pkg/workflow"
)

// DefinitionStore persists workflow definitions.
type DefinitionStore interface {
	// SaveDefinition upserts a definition by workflow_id.
	SaveDefinition(ctx context.Context, def *workflow.Definition) error

	// GetDefinition loads a definition by workflow_id.
	GetDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error)

	// ListDefinitions returns all persisted definitions.
	ListDefinitions(ctx context.Context) ([]*workflow.Definition, error)
}

// ExecutionStore persists executions and their step transitions.
type ExecutionStore interface {
	// CreateExecution records a new execution in status running.
	CreateExecution(ctx context.Context, exec *workflow.Execution) error

	// UpdateExecutionStatus transitions an execution. Terminal statuses
	// are monotone: updates against a terminal execution are rejected
	// with ErrAlreadyExists semantics folded into a no-op.
	UpdateExecutionStatus(ctx context.Context, executionID string, status workflow.ExecutionStatus, errorMessage string) error

	// GetExecution loads one execution.
	GetExecution(ctx context.Context, executionID string) (*workflow.Execution, error)

	// ListExecutions returns executions, newest first, optionally
	// filtered by workflow_id. limit <= 0 means no limit.
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*workflow.Execution, error)

	// GetResumableExecutions returns executions whose status is running
	// or paused.
	GetResumableExecutions(ctx context.Context) ([]*workflow.Execution, error)

	// UpsertStepExecution records a step transition.
	UpsertStepExecution(ctx context.Context, step *workflow.StepExecution) error

	// GetStepExecution loads one step row.
	GetStepExecution(ctx context.Context, executionID, stepID string) (*workflow.StepExecution, error)

	// ListStepExecutions returns all step rows for an execution ordered
	// by started_at.
	ListStepExecutions(ctx context.Context, executionID string) ([]*workflow.StepExecution, error)

	// GetLastCompletedStepID returns the step_id of the most recently
	// completed step of an execution, or "" if none completed yet.
	GetLastCompletedStepID(ctx context.Context, executionID string) (string, error)
}

// ApprovalStore persists approval requests and their resolutions.
type ApprovalStore interface {
	// CreateApproval records a new unresolved approval request.
	CreateApproval(ctx context.Context, req *workflow.ApprovalRequest) error

	// ResolveApproval records a decision. Returns ErrAlreadyResolved if
	// a decision already exists and ErrNotFound for unknown requests.
	ResolveApproval(ctx context.Context, executionID, stepID, decision, actorID, comment string) error

	// GetApproval loads one approval request.
	GetApproval(ctx context.Context, executionID, stepID string) (*workflow.ApprovalRequest, error)

	// ListPendingApprovals returns all unresolved requests, oldest first.
	ListPendingApprovals(ctx context.Context) ([]*workflow.ApprovalRequest, error)
}

// AdvisoryDecision is the guardrail outcome recorded in the audit tables.
type AdvisoryDecision string

const (
	// DecisionAllow passes the record through unchanged.
	DecisionAllow AdvisoryDecision = "ALLOW"

	// DecisionFlag passes the record through marked for human review.
	DecisionFlag AdvisoryDecision = "FLAG"

	// DecisionBlock withholds the record.
	DecisionBlock AdvisoryDecision = "BLOCK"
)

// SuggestionAuditRow is one append-only row in ai_suggestion_audit.
type SuggestionAuditRow struct {
	SuggestionID string
	AnalysisType string
	Category     string
	Title        string
	Confidence   float64
	ExecutionID  string
	CreatedAt    time.Time
}

// GuardrailAuditRow is one append-only row in ai_guardrail_audit.
type GuardrailAuditRow struct {
	RecordID    string
	RecordKind  string
	Decision    AdvisoryDecision
	Reason      string
	Confidence  float64
	ExecutionID string
	CreatedAt   time.Time
}

// DraftAuditRow is one append-only row in ai_draft_audit.
type DraftAuditRow struct {
	DraftID     string
	DraftType   string
	ContentHash string
	Decision    AdvisoryDecision
	CreatedAt   time.Time
}

// AdvisoryAuditStore records advisory activity. All three tables are
// append-only: no update path exists at this interface or in the schema.
type AdvisoryAuditStore interface {
	AppendSuggestionAudit(ctx context.Context, row *SuggestionAuditRow) error
	AppendGuardrailAudit(ctx context.Context, row *GuardrailAuditRow) error
	AppendDraftAudit(ctx context.Context, row *DraftAuditRow) error

	// ListGuardrailAudits returns guardrail decisions, newest first.
	// Read-only accessor used by tests and diagnostics.
	ListGuardrailAudits(ctx context.Context, limit int) ([]*GuardrailAuditRow, error)
}

// Store aggregates every persistence concern of the core.
type Store interface {
	DefinitionStore
	ExecutionStore
	ApprovalStore
	AdvisoryAuditStore

	// Close releases the underlying database handle.
	Close() error
}
