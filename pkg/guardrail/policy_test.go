// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package guardrail

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPolicy_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	policy, err := LoadPolicy(filepath.Join(t.TempDir(), "ai_guardrails.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), policy)
}

func TestLoadPolicy_FileOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ai_guardrails.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"min_confidence_threshold": 0.7,
		"require_human_review_below_threshold": false,
		"max_suggestions_per_request": 2,
		"blocked_suggestion_types": ["fragile_step"],
		"allowed_analysis_types": ["definition"]
	}`), 0o600))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 0.7, policy.MinConfidenceThreshold)
	assert.False(t, policy.RequireHumanReviewBelowThreshold)
	assert.Equal(t, 2, policy.MaxSuggestionsPerRequest)
	assert.Equal(t, []string{"fragile_step"}, policy.BlockedSuggestionTypes)
	assert.Equal(t, []string{"definition"}, policy.AllowedAnalysisTypes)
}

func TestLoadPolicy_MalformedFileIsAnError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ai_guardrails.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))

	_, err := LoadPolicy(path)
	require.Error(t, err)
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MinConfidenceThreshold: 1.5, MaxSuggestionsPerRequest: 10}.Validate())
	assert.Error(t, Policy{MinConfidenceThreshold: 0.5, MaxSuggestionsPerRequest: 0}.Validate())
}
