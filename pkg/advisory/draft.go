// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package advisory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	loomerr "github.com/loomctl/loom/pkg/errors"
)

// Draft generation bounds.
const (
	defaultDraftSteps = 3
	maxDraftSteps     = 20

	confidenceDraft = 0.5
)

// BuildDraftContent produces the content payload for a draft type. Pure:
// identical constraints yield identical content, and therefore an
// identical content hash.
func BuildDraftContent(draftType string, constraints map[string]any) (map[string]any, error) {
	switch draftType {
	case DraftWorkflowJSON:
		return buildWorkflowDraft(constraints), nil
	case DraftChecklist:
		return buildChecklistDraft(constraints), nil
	default:
		return nil, loomerr.Newf(loomerr.CodeInvalidParams, "unknown draft_type %q", draftType)
	}
}

// HashContent computes the SHA-256 of the canonical JSON encoding of the
// content. Go marshals map keys in sorted order, so the hash is stable.
func HashContent(content map[string]any) string {
	raw, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func buildWorkflowDraft(constraints map[string]any) map[string]any {
	name := stringConstraint(constraints, "name", "draft_workflow")
	stepCount := intConstraint(constraints, "step_count", defaultDraftSteps)
	if stepCount < 1 {
		stepCount = 1
	}
	if stepCount > maxDraftSteps {
		stepCount = maxDraftSteps
	}

	steps := make([]any, 0, stepCount)
	for i := 1; i <= stepCount; i++ {
		steps = append(steps, map[string]any{
			"step_id":       fmt.Sprintf("step_%d", i),
			"type":          "PYTHON_TASK",
			"input_mapping": map[string]any{},
			"retry_policy":  map[string]any{"max_attempts": 1, "backoff_ms": 0},
			"on_failure":    "FAIL",
		})
	}

	return map[string]any{
		"workflow_id": name,
		"name":        name,
		"version":     "0.1.0",
		"steps":       steps,
	}
}

func buildChecklistDraft(constraints map[string]any) map[string]any {
	title := stringConstraint(constraints, "title", "draft_checklist")
	itemCount := intConstraint(constraints, "item_count", defaultDraftSteps)
	if itemCount < 1 {
		itemCount = 1
	}
	if itemCount > maxDraftSteps {
		itemCount = maxDraftSteps
	}

	items := make([]any, 0, itemCount)
	for i := 1; i <= itemCount; i++ {
		items = append(items, map[string]any{
			"position": i,
			"text":     fmt.Sprintf("item %d", i),
			"done":     false,
		})
	}

	return map[string]any{
		"title": title,
		"items": items,
	}
}

func stringConstraint(constraints map[string]any, key, fallback string) string {
	if s, ok := constraints[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func intConstraint(constraints map[string]any, key string, fallback int) int {
	switch v := constraints[key].(type) {
	case float64:
		// JSON numbers decode as float64.
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
