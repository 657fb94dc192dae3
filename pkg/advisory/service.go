// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package advisory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	loomerr "github.com/loomctl/loom/pkg/errors"
	"github.com/loomctl/loom/pkg/logger"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/workflow"
)

// Enforcer is the advisory service's view of the guardrail layer. Every
// record passes through it before leaving the process.
type Enforcer interface {
	// FilterSuggestions applies the policy to a batch and returns the
	// records the caller may see, review markers assigned.
	FilterSuggestions(ctx context.Context, analysisType string, records []*Suggestion) []*Suggestion

	// EvaluateDraft applies the policy to one draft. A non-nil error means
	// the draft is blocked and must not be returned.
	EvaluateDraft(ctx context.Context, draft *Draft) error
}

// Service runs the analyzers over persisted state and routes every record
// through the guardrail enforcer.
type Service struct {
	store    storage.Store
	enforcer Enforcer

	// now is a clock hook so analyzer inputs are reproducible in tests.
	now func() time.Time
}

// NewService creates the advisory service.
func NewService(store storage.Store, enforcer Enforcer) *Service {
	return &Service{
		store:    store,
		enforcer: enforcer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Suggest runs one analyzer and returns the policy-filtered suggestions.
// The scope narrows to one workflow or execution when an ID is given.
func (s *Service) Suggest(ctx context.Context, analysisType, workflowID, executionID string) ([]*Suggestion, error) {
	var (
		records []*Suggestion
		err     error
	)

	switch analysisType {
	case AnalysisDefinition:
		records, err = s.suggestFromDefinitions(ctx, workflowID)
	case AnalysisHistory:
		records, err = s.suggestFromHistory(ctx, workflowID, executionID)
	case AnalysisState:
		records, err = s.suggestFromState(ctx)
	default:
		return nil, loomerr.Newf(loomerr.CodeInvalidParams,
			"unknown analysis_type %q (want definition, history or state)", analysisType)
	}
	if err != nil {
		var coded *loomerr.Error
		if errors.As(err, &coded) || errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, loomerr.Wrap(loomerr.CodeAIError, fmt.Sprintf("%s analysis failed", analysisType), err)
	}

	now := s.now()
	for _, rec := range records {
		rec.SuggestionID = uuid.New().String()
		rec.CreatedAt = now
		s.auditSuggestion(ctx, rec)
	}

	return s.enforcer.FilterSuggestions(ctx, analysisType, records), nil
}

// GenerateDraft builds one draft and routes it through the guardrail. A
// blocked draft surfaces as DRAFT_BLOCKED with no payload.
func (s *Service) GenerateDraft(ctx context.Context, draftType string, constraints map[string]any) (*Draft, error) {
	content, err := BuildDraftContent(draftType, constraints)
	if err != nil {
		return nil, err
	}

	draft := &Draft{
		DraftID:     uuid.New().String(),
		DraftType:   draftType,
		Status:      StatusDraftOnly,
		Content:     content,
		ContentHash: HashContent(content),
		Confidence:  confidenceDraft,
		Explanation: Explanation{
			Summary: "Template-generated draft",
			ReasoningSteps: []string{
				fmt.Sprintf("draft_type %s selects a fixed template", draftType),
				"constraints fill template parameters",
			},
			Evidence: []Evidence{{
				Source:    "draft_constraints",
				DataPoint: fmt.Sprintf("%d constraints supplied", len(constraints)),
			}},
		},
		Limitations: Limitations{
			Assumptions: []string{"the template fits the caller's intent"},
			MissingData: []string{"domain context beyond the supplied constraints"},
		},
		CreatedAt: s.now(),
	}

	if err := s.enforcer.EvaluateDraft(ctx, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

func (s *Service) suggestFromDefinitions(ctx context.Context, workflowID string) ([]*Suggestion, error) {
	if workflowID != "" {
		def, err := s.store.GetDefinition(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		return AnalyzeDefinition(def), nil
	}

	defs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].WorkflowID < defs[j].WorkflowID })

	var out []*Suggestion
	for _, def := range defs {
		out = append(out, AnalyzeDefinition(def)...)
	}
	return out, nil
}

func (s *Service) suggestFromHistory(ctx context.Context, workflowID, executionID string) ([]*Suggestion, error) {
	if workflowID == "" && executionID != "" {
		exec, err := s.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		workflowID = exec.WorkflowID
	}
	if workflowID == "" {
		return nil, loomerr.New(loomerr.CodeInvalidParams,
			"history analysis requires workflow_id or execution_id")
	}

	execs, err := s.store.ListExecutions(ctx, workflowID, 0)
	if err != nil {
		return nil, err
	}

	stepsByExecution := make(map[string][]*workflow.StepExecution, len(execs))
	for _, exec := range execs {
		rows, err := s.store.ListStepExecutions(ctx, exec.ExecutionID)
		if err != nil {
			return nil, err
		}
		stepsByExecution[exec.ExecutionID] = rows
	}

	return AnalyzeHistory(workflowID, execs, stepsByExecution), nil
}

func (s *Service) suggestFromState(ctx context.Context) ([]*Suggestion, error) {
	pending, err := s.store.ListPendingApprovals(ctx)
	if err != nil {
		return nil, err
	}
	resumable, err := s.store.GetResumableExecutions(ctx)
	if err != nil {
		return nil, err
	}
	return AnalyzeState(pending, resumable, s.now()), nil
}

// auditSuggestion appends the suggestion audit row. Failures are logged
// and swallowed: the caller still receives the record, and a missing audit
// row is an observability defect rather than a correctness defect.
func (s *Service) auditSuggestion(ctx context.Context, rec *Suggestion) {
	row := &storage.SuggestionAuditRow{
		SuggestionID: rec.SuggestionID,
		AnalysisType: rec.AnalysisType,
		Category:     rec.Category,
		Title:        rec.Title,
		Confidence:   rec.Confidence,
		ExecutionID:  rec.ExecutionID,
		CreatedAt:    rec.CreatedAt,
	}
	if err := s.store.AppendSuggestionAudit(ctx, row); err != nil {
		logger.Errorw("suggestion audit write failed",
			"suggestion_id", rec.SuggestionID, "error", err)
	}
}
