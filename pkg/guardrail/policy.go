// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardrail enforces the advisory policy: every suggestion and
// draft leaving the process receives exactly one ALLOW, FLAG or BLOCK
// decision, and every decision lands in the append-only audit log.
package guardrail

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/loomctl/loom/pkg/logger"
)

// Policy is the immutable guardrail configuration. It is loaded once at
// startup and never mutated.
type Policy struct {
	// MinConfidenceThreshold is the confidence below which a record is
	// flagged or blocked.
	MinConfidenceThreshold float64 `json:"min_confidence_threshold"`

	// RequireHumanReviewBelowThreshold selects FLAG over BLOCK for
	// below-threshold records.
	RequireHumanReviewBelowThreshold bool `json:"require_human_review_below_threshold"`

	// MaxSuggestionsPerRequest truncates each response batch; overflow is
	// audited as BLOCK.
	MaxSuggestionsPerRequest int `json:"max_suggestions_per_request"`

	// BlockedSuggestionTypes is a category deny-list.
	BlockedSuggestionTypes []string `json:"blocked_suggestion_types"`

	// AllowedAnalysisTypes restricts which analyzers may emit at all.
	// Empty means all are allowed.
	AllowedAnalysisTypes []string `json:"allowed_analysis_types"`
}

// DefaultPolicy is the policy used when no ai_guardrails.json exists.
func DefaultPolicy() Policy {
	return Policy{
		MinConfidenceThreshold:           0.3,
		RequireHumanReviewBelowThreshold: true,
		MaxSuggestionsPerRequest:         10,
	}
}

// LoadPolicy reads the policy file. A missing file yields the default
// policy; a malformed file is an error so a typo never silently weakens
// the guardrail.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Infow("no guardrail policy file, using defaults", "path", path)
		return DefaultPolicy(), nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("reading guardrail policy: %w", err)
	}

	policy := DefaultPolicy()
	if err := json.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("parsing guardrail policy %s: %w", path, err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate rejects out-of-range policy values.
func (p Policy) Validate() error {
	if p.MinConfidenceThreshold < 0 || p.MinConfidenceThreshold > 1 {
		return fmt.Errorf("min_confidence_threshold %v outside [0, 1]", p.MinConfidenceThreshold)
	}
	if p.MaxSuggestionsPerRequest < 1 {
		return fmt.Errorf("max_suggestions_per_request must be positive, got %d", p.MaxSuggestionsPerRequest)
	}
	return nil
}

// analysisAllowed applies the allow-list; an empty list permits everything.
func (p Policy) analysisAllowed(analysisType string) bool {
	if len(p.AllowedAnalysisTypes) == 0 {
		return true
	}
	for _, allowed := range p.AllowedAnalysisTypes {
		if allowed == analysisType {
			return true
		}
	}
	return false
}

// categoryBlocked applies the deny-list.
func (p Policy) categoryBlocked(category string) bool {
	for _, blocked := range p.BlockedSuggestionTypes {
		if blocked == category {
			return true
		}
	}
	return false
}
