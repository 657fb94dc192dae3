// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package advisory produces rule-based suggestions and drafts from
// persisted workflow state. The subsystem is strictly read-only with
// respect to workflow, step and approval state; its only writes are
// append-only audit rows.
package advisory

import "time"

// Analysis types accepted by the suggestion verbs.
const (
	AnalysisDefinition = "definition"
	AnalysisHistory    = "history"
	AnalysisState      = "state"
)

// Draft types accepted by the draft verb.
const (
	DraftWorkflowJSON = "WORKFLOW_JSON"
	DraftChecklist    = "CHECKLIST"
)

// StatusDraftOnly is the only status a draft ever carries. Drafts are
// returned and audited, never executed.
const StatusDraftOnly = "DRAFT_ONLY"

// Evidence is one observed data point backing a suggestion.
type Evidence struct {
	// Source names the table or structure the data point came from.
	Source string `json:"source"`

	// DataPoint is the observation itself, e.g. "step fetch failed 4 times".
	DataPoint string `json:"data_point"`
}

// Explanation makes a suggestion auditable: how the rule reached its
// conclusion, in fixed deterministic wording.
type Explanation struct {
	Summary        string     `json:"summary"`
	ReasoningSteps []string   `json:"reasoning_steps"`
	Evidence       []Evidence `json:"evidence"`
}

// Limitations state what the rule could not see.
type Limitations struct {
	Assumptions []string `json:"assumptions"`
	MissingData []string `json:"missing_data"`
}

// Suggestion is one advisory record. Identical inputs always produce an
// identical suggestion apart from SuggestionID and CreatedAt.
type Suggestion struct {
	SuggestionID string         `json:"suggestion_id"`
	AnalysisType string         `json:"analysis_type"`
	Category     string         `json:"category"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Context      map[string]any `json:"context,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Confidence   float64        `json:"confidence"`
	Explanation  Explanation    `json:"explanation"`
	Limitations  Limitations    `json:"limitations"`

	// RequiresHumanReview is assigned by the guardrail enforcer, never by
	// an analyzer.
	RequiresHumanReview bool `json:"requires_human_review"`

	// ExecutionID links the suggestion to the execution that produced its
	// evidence, when there is one.
	ExecutionID string `json:"execution_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Draft is generated advisory content. It carries a SHA-256 hash of its
// canonical content bytes and is never executable.
type Draft struct {
	DraftID     string         `json:"draft_id"`
	DraftType   string         `json:"draft_type"`
	Status      string         `json:"status"`
	Content     map[string]any `json:"content"`
	ContentHash string         `json:"content_hash"`
	Confidence  float64        `json:"confidence"`
	Explanation Explanation    `json:"explanation"`
	Limitations Limitations    `json:"limitations"`

	RequiresHumanReview bool `json:"requires_human_review"`

	CreatedAt time.Time `json:"created_at"`
}
