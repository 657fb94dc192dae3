// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var definitionSchema string

// Validation sentinel errors, checked with errors.Is.
var (
	// ErrInvalidDefinition covers every structural or semantic defect in
	// a definition. Wrapping errors name the offending field.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrCircularDependency indicates the dependency graph has a cycle.
	ErrCircularDependency = errors.New("circular dependency")
)

// maxSteps caps definition size to prevent resource exhaustion from
// pathologically large workflows.
const maxSteps = 100

var schemaLoader = gojsonschema.NewStringLoader(definitionSchema)

// Parse validates the raw definition against the JSON schema, decodes it
// and runs semantic validation. Rejected definitions never reach the store.
func Parse(raw json.RawMessage) (*Definition, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(details, "; "))
	}

	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate runs the semantic checks the JSON schema cannot express:
// unique step IDs, dependency existence, self-loops, cycles, retry bounds
// and the HUMAN_APPROVAL shape.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: workflow must have at least one step", ErrInvalidDefinition)
	}
	if len(d.Steps) > maxSteps {
		return fmt.Errorf("%w: too many steps: %d (max %d)", ErrInvalidDefinition, len(d.Steps), maxSteps)
	}

	stepIDs := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.StepID == "" {
			return fmt.Errorf("%w: step ID is required", ErrInvalidDefinition)
		}
		if stepIDs[step.StepID] {
			return fmt.Errorf("%w: duplicate step ID: %s", ErrInvalidDefinition, step.StepID)
		}
		stepIDs[step.StepID] = true
	}

	for i := range d.Steps {
		if err := validateStep(&d.Steps[i], stepIDs); err != nil {
			return err
		}
	}

	return validateDependencies(d.Steps)
}

func validateStep(step *Step, validStepIDs map[string]bool) error {
	switch step.Type {
	case StepTypePythonTask, StepTypeExternalAPICall, StepTypeInternalOp:
	case StepTypeHumanApproval:
		if len(step.AllowedActions) == 0 {
			return fmt.Errorf("%w: approval step %s requires allowed_actions", ErrInvalidDefinition, step.StepID)
		}
		switch step.TimeoutPolicy {
		case "", TimeoutPolicyWait:
		case TimeoutPolicyFail:
			if step.TimeoutMs <= 0 {
				return fmt.Errorf("%w: approval step %s with timeout_policy=FAIL requires timeout_ms",
					ErrInvalidDefinition, step.StepID)
			}
		default:
			return fmt.Errorf("%w: invalid timeout_policy %q for step %s",
				ErrInvalidDefinition, step.TimeoutPolicy, step.StepID)
		}
	default:
		return fmt.Errorf("%w: invalid step type %q for step %s", ErrInvalidDefinition, step.Type, step.StepID)
	}

	switch step.OnFailure {
	case "", FailurePolicyFail, FailurePolicyRetry, FailurePolicySkip:
	default:
		return fmt.Errorf("%w: invalid on_failure %q for step %s", ErrInvalidDefinition, step.OnFailure, step.StepID)
	}

	if step.RetryPolicy.MaxAttempts < 0 || step.RetryPolicy.BackoffMs < 0 {
		return fmt.Errorf("%w: negative retry policy for step %s", ErrInvalidDefinition, step.StepID)
	}

	for _, depID := range step.DependsOn {
		if depID == step.StepID {
			return fmt.Errorf("%w: step %s depends on itself", ErrInvalidDefinition, step.StepID)
		}
		if !validStepIDs[depID] {
			return fmt.Errorf("%w: step %s depends on non-existent step %s",
				ErrInvalidDefinition, step.StepID, depID)
		}
	}

	return nil
}

// validateDependencies checks for circular dependencies using DFS.
func validateDependencies(steps []Step) error {
	graph := make(map[string][]string, len(steps))
	for i := range steps {
		graph[steps[i].StepID] = steps[i].DependsOn
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(string) bool
	hasCycle = func(nodeID string) bool {
		visited[nodeID] = true
		recStack[nodeID] = true

		for _, depID := range graph[nodeID] {
			if !visited[depID] {
				if hasCycle(depID) {
					return true
				}
			} else if recStack[depID] {
				return true
			}
		}

		recStack[nodeID] = false
		return false
	}

	for i := range steps {
		if !visited[steps[i].StepID] {
			if hasCycle(steps[i].StepID) {
				return fmt.Errorf("%w: %s: involving step %s",
					ErrInvalidDefinition, ErrCircularDependency, steps[i].StepID)
			}
		}
	}

	return nil
}

// EffectiveMaxAttempts returns the attempt budget for a step, treating a
// zero-valued retry policy as a single attempt.
func (s *Step) EffectiveMaxAttempts() int {
	if s.RetryPolicy.MaxAttempts < 1 {
		return 1
	}
	return s.RetryPolicy.MaxAttempts
}

// EffectiveOnFailure returns the failure policy, defaulting to FAIL. RETRY
// carries no extra semantics beyond the retry policy itself and collapses
// to FAIL after exhaustion.
func (s *Step) EffectiveOnFailure() FailurePolicy {
	switch s.OnFailure {
	case FailurePolicySkip:
		return FailurePolicySkip
	default:
		return FailurePolicyFail
	}
}
