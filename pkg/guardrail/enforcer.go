// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package guardrail

import (
	"context"
	"fmt"
	"time"

	"github.com/loomctl/loom/pkg/advisory"
	loomerr "github.com/loomctl/loom/pkg/errors"
	"github.com/loomctl/loom/pkg/logger"
	"github.com/loomctl/loom/pkg/storage"
)

// Enforcer applies the guardrail policy. The decision order is fixed:
// analysis-type allow-list, category deny-list, confidence threshold,
// then ALLOW.
type Enforcer struct {
	policy Policy
	audits storage.AdvisoryAuditStore
}

// NewEnforcer creates an enforcer over an immutable policy.
func NewEnforcer(policy Policy, audits storage.AdvisoryAuditStore) *Enforcer {
	return &Enforcer{policy: policy, audits: audits}
}

// Policy returns the active policy.
func (e *Enforcer) Policy() Policy {
	return e.policy
}

// FilterSuggestions decides every record in the batch and returns the ones
// the caller may see, in input order. FLAG records carry the human-review
// marker; BLOCK records are silently omitted and visible only in the audit
// log. The surviving set is truncated to max_suggestions_per_request with
// overflow audited as BLOCK.
func (e *Enforcer) FilterSuggestions(ctx context.Context, analysisType string, records []*advisory.Suggestion) []*advisory.Suggestion {
	if !e.policy.analysisAllowed(analysisType) {
		for _, rec := range records {
			e.auditSuggestionDecision(ctx, rec, storage.DecisionBlock,
				fmt.Sprintf("analysis_type %s is not allowed", analysisType))
		}
		return nil
	}

	kept := make([]*advisory.Suggestion, 0, len(records))
	for _, rec := range records {
		switch {
		case e.policy.categoryBlocked(rec.Category):
			e.auditSuggestionDecision(ctx, rec, storage.DecisionBlock,
				fmt.Sprintf("category %s is deny-listed", rec.Category))
		case rec.Confidence < e.policy.MinConfidenceThreshold:
			if !e.policy.RequireHumanReviewBelowThreshold {
				e.auditSuggestionDecision(ctx, rec, storage.DecisionBlock,
					fmt.Sprintf("confidence %.2f below threshold %.2f", rec.Confidence, e.policy.MinConfidenceThreshold))
				continue
			}
			rec.RequiresHumanReview = true
			kept = append(kept, rec)
		default:
			rec.RequiresHumanReview = false
			kept = append(kept, rec)
		}
	}

	max := e.policy.MaxSuggestionsPerRequest
	if len(kept) > max {
		for _, rec := range kept[max:] {
			e.auditSuggestionDecision(ctx, rec, storage.DecisionBlock,
				fmt.Sprintf("batch exceeds max_suggestions_per_request %d", max))
		}
		kept = kept[:max]
	}

	for _, rec := range kept {
		decision := storage.DecisionAllow
		reason := "passed policy"
		if rec.RequiresHumanReview {
			decision = storage.DecisionFlag
			reason = fmt.Sprintf("confidence %.2f below threshold %.2f", rec.Confidence, e.policy.MinConfidenceThreshold)
		}
		e.auditSuggestionDecision(ctx, rec, decision, reason)
	}

	return kept
}

// EvaluateDraft decides one draft. BLOCK surfaces as DRAFT_BLOCKED and the
// caller receives no payload; FLAG marks the draft for human review.
func (e *Enforcer) EvaluateDraft(ctx context.Context, draft *advisory.Draft) error {
	decision := storage.DecisionAllow
	reason := "passed policy"

	switch {
	case e.policy.categoryBlocked(draft.DraftType):
		decision = storage.DecisionBlock
		reason = fmt.Sprintf("draft_type %s is deny-listed", draft.DraftType)
	case draft.Confidence < e.policy.MinConfidenceThreshold:
		if e.policy.RequireHumanReviewBelowThreshold {
			decision = storage.DecisionFlag
			reason = fmt.Sprintf("confidence %.2f below threshold %.2f", draft.Confidence, e.policy.MinConfidenceThreshold)
		} else {
			decision = storage.DecisionBlock
			reason = fmt.Sprintf("confidence %.2f below threshold %.2f", draft.Confidence, e.policy.MinConfidenceThreshold)
		}
	}

	e.auditGuardrail(ctx, &storage.GuardrailAuditRow{
		RecordID:   draft.DraftID,
		RecordKind: "draft",
		Decision:   decision,
		Reason:     reason,
		Confidence: draft.Confidence,
		CreatedAt:  time.Now().UTC(),
	})
	e.auditDraft(ctx, &storage.DraftAuditRow{
		DraftID:     draft.DraftID,
		DraftType:   draft.DraftType,
		ContentHash: draft.ContentHash,
		Decision:    decision,
		CreatedAt:   time.Now().UTC(),
	})

	if decision == storage.DecisionBlock {
		return loomerr.New(loomerr.CodeDraftBlocked, reason)
	}
	draft.RequiresHumanReview = decision == storage.DecisionFlag
	return nil
}

func (e *Enforcer) auditSuggestionDecision(ctx context.Context, rec *advisory.Suggestion, decision storage.AdvisoryDecision, reason string) {
	e.auditGuardrail(ctx, &storage.GuardrailAuditRow{
		RecordID:    rec.SuggestionID,
		RecordKind:  "suggestion",
		Decision:    decision,
		Reason:      reason,
		Confidence:  rec.Confidence,
		ExecutionID: rec.ExecutionID,
		CreatedAt:   time.Now().UTC(),
	})
}

// auditGuardrail writes one decision row. Audit failures are logged and
// swallowed so a broken audit path never withholds an already-decided
// record from the caller.
func (e *Enforcer) auditGuardrail(ctx context.Context, row *storage.GuardrailAuditRow) {
	if err := e.audits.AppendGuardrailAudit(ctx, row); err != nil {
		logger.Errorw("guardrail audit write failed",
			"record_id", row.RecordID, "decision", row.Decision, "error", err)
	}
}

func (e *Enforcer) auditDraft(ctx context.Context, row *storage.DraftAuditRow) {
	if err := e.audits.AppendDraftAudit(ctx, row); err != nil {
		logger.Errorw("draft audit write failed",
			"draft_id", row.DraftID, "decision", row.Decision, "error", err)
	}
}
