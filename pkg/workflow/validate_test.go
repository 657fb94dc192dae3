// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinitionJSON() string {
	return `{
		"workflow_id": "wf-1",
		"name": "test workflow",
		"version": "1.0",
		"steps": [
			{"step_id": "a", "type": "PYTHON_TASK", "input_mapping": {"op": "echo"}},
			{"step_id": "b", "type": "EXTERNAL_API_CALL", "depends_on": ["a"]}
		]
	}`
}

func TestParse_Valid(t *testing.T) {
	t.Parallel()

	def, err := Parse(json.RawMessage(validDefinitionJSON()))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", def.WorkflowID)
	assert.Len(t, def.Steps, 2)
	assert.True(t, def.IsDAG())
}

func TestParse_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "not json",
			raw:  `{"workflow_id": `,
		},
		{
			name: "missing name",
			raw:  `{"workflow_id":"w","version":"1","steps":[{"step_id":"a","type":"PYTHON_TASK"}]}`,
		},
		{
			name: "empty steps",
			raw:  `{"workflow_id":"w","name":"n","version":"1","steps":[]}`,
		},
		{
			name: "invalid step type",
			raw:  `{"workflow_id":"w","name":"n","version":"1","steps":[{"step_id":"a","type":"NOPE"}]}`,
		},
		{
			name: "duplicate step ids",
			raw: `{"workflow_id":"w","name":"n","version":"1","steps":[
				{"step_id":"a","type":"PYTHON_TASK"},
				{"step_id":"a","type":"PYTHON_TASK"}]}`,
		},
		{
			name: "self dependency",
			raw: `{"workflow_id":"w","name":"n","version":"1","steps":[
				{"step_id":"a","type":"PYTHON_TASK","depends_on":["a"]}]}`,
		},
		{
			name: "unknown dependency",
			raw: `{"workflow_id":"w","name":"n","version":"1","steps":[
				{"step_id":"a","type":"PYTHON_TASK","depends_on":["ghost"]}]}`,
		},
		{
			name: "approval without allowed actions",
			raw: `{"workflow_id":"w","name":"n","version":"1","steps":[
				{"step_id":"h","type":"HUMAN_APPROVAL","prompt":"ok?"}]}`,
		},
		{
			name: "approval FAIL timeout without timeout_ms",
			raw: `{"workflow_id":"w","name":"n","version":"1","steps":[
				{"step_id":"h","type":"HUMAN_APPROVAL","allowed_actions":["APPROVE"],"timeout_policy":"FAIL"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(json.RawMessage(tt.raw))
			require.Error(t, err)
		})
	}
}

func TestParse_CircularDependency(t *testing.T) {
	t.Parallel()

	raw := `{"workflow_id":"w","name":"n","version":"1","steps":[
		{"step_id":"a","type":"PYTHON_TASK","depends_on":["c"]},
		{"step_id":"b","type":"PYTHON_TASK","depends_on":["a"]},
		{"step_id":"c","type":"PYTHON_TASK","depends_on":["b"]}]}`

	_, err := Parse(json.RawMessage(raw))
	require.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Contains(t, err.Error(), ErrCircularDependency.Error())
}

func TestValidate_TooManySteps(t *testing.T) {
	t.Parallel()

	def := &Definition{WorkflowID: "w", Name: "n", Version: "1"}
	for i := 0; i <= maxSteps; i++ {
		def.Steps = append(def.Steps, Step{StepID: fmt.Sprintf("s%d", i), Type: StepTypePythonTask})
	}
	require.ErrorIs(t, def.Validate(), ErrInvalidDefinition)
}

func TestEffectivePolicies(t *testing.T) {
	t.Parallel()

	s := &Step{}
	assert.Equal(t, 1, s.EffectiveMaxAttempts())
	assert.Equal(t, FailurePolicyFail, s.EffectiveOnFailure())

	s = &Step{RetryPolicy: RetryPolicy{MaxAttempts: 3}, OnFailure: FailurePolicyRetry}
	assert.Equal(t, 3, s.EffectiveMaxAttempts())
	// RETRY collapses to FAIL once attempts are exhausted.
	assert.Equal(t, FailurePolicyFail, s.EffectiveOnFailure())

	s = &Step{OnFailure: FailurePolicySkip}
	assert.Equal(t, FailurePolicySkip, s.EffectiveOnFailure())
}

func TestExecutionStatus_Terminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusPausedWaitingForApproval.Terminal())

	assert.True(t, StepStatusSkipped.Terminal())
	assert.False(t, StepStatusRunning.Terminal())
}
