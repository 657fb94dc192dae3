// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package advisory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/loomctl/loom/pkg/workflow"
)

// Per-rule confidence constants. Definition and state rules always emit
// the same confidence so identical inputs yield identical records.
const (
	confidenceParallelization     = 0.7
	confidenceMissingParallelism  = 0.8
	confidenceFragileStep         = 0.9
	confidenceIndefiniteApproval  = 0.6
	confidenceLongPendingApproval = 0.9
	confidenceLongRunningWorkflow = 0.85
)

// History rule thresholds.
const (
	failurePatternMin    = 3
	performanceThreshold = 10 * time.Second
	retryPatternMin      = 1.5
)

// State rule thresholds.
const (
	pendingApprovalAge = time.Hour
	runningWorkflowAge = 2 * time.Hour
)

// Suggestion categories.
const (
	CategoryParallelization     = "parallelization_opportunity"
	CategoryMissingParallelism  = "missing_max_parallelism"
	CategoryFragileStep         = "fragile_step"
	CategoryIndefiniteApproval  = "indefinite_approval_wait"
	CategoryFailurePattern      = "failure_pattern"
	CategoryPerformancePattern  = "performance_pattern"
	CategoryRetryPattern        = "retry_pattern"
	CategoryLongPendingApproval = "long_pending_approval"
	CategoryLongRunningWorkflow = "long_running_workflow"
)

// AnalyzeDefinition inspects one workflow definition for structural
// improvement opportunities. Pure: same definition, same output.
func AnalyzeDefinition(def *workflow.Definition) []*Suggestion {
	var out []*Suggestion

	if !def.IsDAG() && len(def.Steps) > 1 && !anyStepReferencesSibling(def) {
		out = append(out, &Suggestion{
			AnalysisType: AnalysisDefinition,
			Category:     CategoryParallelization,
			Title:        "Steps could run in parallel",
			Message: fmt.Sprintf("Workflow %s runs %d steps sequentially but no step reads another step's output; declaring depends_on would allow parallel execution.",
				def.WorkflowID, len(def.Steps)),
			Context:    map[string]any{"workflow_id": def.WorkflowID},
			Metadata:   map[string]any{"step_count": len(def.Steps)},
			Confidence: confidenceParallelization,
			Explanation: Explanation{
				Summary: "Sequential workflow without inter-step data flow",
				ReasoningSteps: []string{
					"no step declares depends_on",
					"no input_mapping references another step's result",
					"independent steps can execute concurrently",
				},
				Evidence: []Evidence{{
					Source:    "workflow_definition",
					DataPoint: fmt.Sprintf("%d steps, 0 cross-step references", len(def.Steps)),
				}},
			},
			Limitations: Limitations{
				Assumptions: []string{"steps have no side-effect ordering requirements invisible to the definition"},
				MissingData: []string{"runtime data dependencies outside input_mapping"},
			},
		})
	}

	if def.IsDAG() && def.MaxParallelism <= 0 {
		out = append(out, &Suggestion{
			AnalysisType: AnalysisDefinition,
			Category:     CategoryMissingParallelism,
			Title:        "DAG has no parallelism bound",
			Message: fmt.Sprintf("Workflow %s uses depends_on but declares no max_parallelism; all ready steps may dispatch at once.",
				def.WorkflowID),
			Context:    map[string]any{"workflow_id": def.WorkflowID},
			Confidence: confidenceMissingParallelism,
			Explanation: Explanation{
				Summary: "Unbounded DAG fan-out",
				ReasoningSteps: []string{
					"at least one step declares depends_on",
					"max_parallelism is absent or zero",
				},
				Evidence: []Evidence{{
					Source:    "workflow_definition",
					DataPoint: "max_parallelism not set",
				}},
			},
			Limitations: Limitations{
				Assumptions: []string{"worker capacity is finite"},
				MissingData: []string{"actual width of the ready set at runtime"},
			},
		})
	}

	for i := range def.Steps {
		step := &def.Steps[i]

		if step.Type != workflow.StepTypeHumanApproval &&
			step.EffectiveMaxAttempts() == 1 && step.EffectiveOnFailure() == workflow.FailurePolicyFail {
			out = append(out, &Suggestion{
				AnalysisType: AnalysisDefinition,
				Category:     CategoryFragileStep,
				Title:        "Single attempt with on_failure=FAIL",
				Message: fmt.Sprintf("Step %s of workflow %s fails the whole execution on its first error; a retry_policy would absorb transient worker faults.",
					step.StepID, def.WorkflowID),
				Context:    map[string]any{"workflow_id": def.WorkflowID, "step_id": step.StepID},
				Confidence: confidenceFragileStep,
				Explanation: Explanation{
					Summary: "No retry budget on a fatal step",
					ReasoningSteps: []string{
						"max_attempts is 1",
						"on_failure resolves to FAIL",
						"any transient fault terminates the execution",
					},
					Evidence: []Evidence{{
						Source:    "workflow_definition",
						DataPoint: fmt.Sprintf("step %s: max_attempts=1, on_failure=FAIL", step.StepID),
					}},
				},
				Limitations: Limitations{
					Assumptions: []string{"the step's operation is idempotent enough to retry"},
					MissingData: []string{"observed failure rate of this step"},
				},
			})
		}

		if step.Type == workflow.StepTypeHumanApproval && step.TimeoutPolicy != workflow.TimeoutPolicyFail {
			out = append(out, &Suggestion{
				AnalysisType: AnalysisDefinition,
				Category:     CategoryIndefiniteApproval,
				Title:        "Approval step can wait forever",
				Message: fmt.Sprintf("Approval step %s of workflow %s has timeout_policy=WAIT; an unattended request parks the execution indefinitely.",
					step.StepID, def.WorkflowID),
				Context:    map[string]any{"workflow_id": def.WorkflowID, "step_id": step.StepID},
				Confidence: confidenceIndefiniteApproval,
				Explanation: Explanation{
					Summary: "Unbounded human wait",
					ReasoningSteps: []string{
						"step type is HUMAN_APPROVAL",
						"timeout_policy is WAIT",
					},
					Evidence: []Evidence{{
						Source:    "workflow_definition",
						DataPoint: fmt.Sprintf("step %s: timeout_policy=WAIT", step.StepID),
					}},
				},
				Limitations: Limitations{
					Assumptions: []string{"an indefinite pause is unintended"},
					MissingData: []string{"organizational approval turnaround expectations"},
				},
			})
		}
	}

	return out
}

// anyStepReferencesSibling reports whether any input mapping leaf addresses
// another step's result.
func anyStepReferencesSibling(def *workflow.Definition) bool {
	for i := range def.Steps {
		if mappingReferencesStep(def.Steps[i].InputMapping) {
			return true
		}
	}
	return false
}

func mappingReferencesStep(value any) bool {
	switch v := value.(type) {
	case string:
		if !strings.HasPrefix(v, "${") || !strings.HasSuffix(v, "}") {
			return false
		}
		ref := v[2 : len(v)-1]
		head, _, _ := strings.Cut(ref, ".")
		return head != "" && head != "input"
	case map[string]any:
		for _, inner := range v {
			if mappingReferencesStep(inner) {
				return true
			}
		}
	case []any:
		for _, inner := range v {
			if mappingReferencesStep(inner) {
				return true
			}
		}
	}
	return false
}

// stepHistory aggregates one step's behavior across executions.
type stepHistory struct {
	occurrences   int
	failures      int
	totalRetries  int
	totalDuration time.Duration
	timedRuns     int
}

// AnalyzeHistory inspects past executions of one workflow for behavioral
// patterns. Pure over its inputs; iteration order is fixed by sorting.
func AnalyzeHistory(workflowID string, execs []*workflow.Execution, stepsByExecution map[string][]*workflow.StepExecution) []*Suggestion {
	executionCount := len(execs)
	if executionCount == 0 {
		return nil
	}

	stats := make(map[string]*stepHistory)
	for _, exec := range execs {
		for _, row := range stepsByExecution[exec.ExecutionID] {
			h := stats[row.StepID]
			if h == nil {
				h = &stepHistory{}
				stats[row.StepID] = h
			}
			h.occurrences++
			h.totalRetries += row.RetryCount
			if row.Status == workflow.StepStatusFailed {
				h.failures++
			}
			if row.CompletedAt != nil {
				h.totalDuration += row.CompletedAt.Sub(row.StartedAt)
				h.timedRuns++
			}
		}
	}

	stepIDs := make([]string, 0, len(stats))
	for id := range stats {
		stepIDs = append(stepIDs, id)
	}
	sort.Strings(stepIDs)

	var out []*Suggestion
	for _, stepID := range stepIDs {
		h := stats[stepID]
		failureRate := float64(h.failures) / float64(h.occurrences)
		confidence := historyConfidence(executionCount, failureRate)

		if h.failures >= failurePatternMin {
			out = append(out, &Suggestion{
				AnalysisType: AnalysisHistory,
				Category:     CategoryFailurePattern,
				Title:        "Step fails repeatedly",
				Message: fmt.Sprintf("Step %s of workflow %s failed %d times across %d executions.",
					stepID, workflowID, h.failures, executionCount),
				Context:    map[string]any{"workflow_id": workflowID, "step_id": stepID},
				Metadata:   map[string]any{"failures": h.failures, "execution_count": executionCount},
				Confidence: confidence,
				Explanation: Explanation{
					Summary: "Recurring step failure",
					ReasoningSteps: []string{
						fmt.Sprintf("step %s failed %d times", stepID, h.failures),
						fmt.Sprintf("threshold is %d failures", failurePatternMin),
					},
					Evidence: []Evidence{{
						Source:    "workflow_step_execution",
						DataPoint: fmt.Sprintf("%d failed rows for step %s", h.failures, stepID),
					}},
				},
				Limitations: Limitations{
					Assumptions: []string{"past failures predict future failures"},
					MissingData: []string{"worker-side error causes"},
				},
			})
		}

		if h.timedRuns > 0 {
			avg := h.totalDuration / time.Duration(h.timedRuns)
			if avg > performanceThreshold {
				out = append(out, &Suggestion{
					AnalysisType: AnalysisHistory,
					Category:     CategoryPerformancePattern,
					Title:        "Step is slow",
					Message: fmt.Sprintf("Step %s of workflow %s averages %s per run, above the %s threshold.",
						stepID, workflowID, avg.Round(time.Millisecond), performanceThreshold),
					Context:    map[string]any{"workflow_id": workflowID, "step_id": stepID},
					Metadata:   map[string]any{"average_ms": avg.Milliseconds()},
					Confidence: confidence,
					Explanation: Explanation{
						Summary: "Average duration above threshold",
						ReasoningSteps: []string{
							fmt.Sprintf("average duration is %s over %d timed runs", avg.Round(time.Millisecond), h.timedRuns),
							fmt.Sprintf("threshold is %s", performanceThreshold),
						},
						Evidence: []Evidence{{
							Source:    "workflow_step_execution",
							DataPoint: fmt.Sprintf("total %s across %d runs of step %s", h.totalDuration.Round(time.Millisecond), h.timedRuns, stepID),
						}},
					},
					Limitations: Limitations{
						Assumptions: []string{"duration includes only worker time"},
						MissingData: []string{"payload sizes per run"},
					},
				})
			}
		}

		avgRetries := float64(h.totalRetries) / float64(h.occurrences)
		if avgRetries >= retryPatternMin {
			out = append(out, &Suggestion{
				AnalysisType: AnalysisHistory,
				Category:     CategoryRetryPattern,
				Title:        "Step retries heavily",
				Message: fmt.Sprintf("Step %s of workflow %s averages %.1f retries per run.",
					stepID, workflowID, avgRetries),
				Context:    map[string]any{"workflow_id": workflowID, "step_id": stepID},
				Metadata:   map[string]any{"average_retries": avgRetries},
				Confidence: confidence,
				Explanation: Explanation{
					Summary: "High average retry count",
					ReasoningSteps: []string{
						fmt.Sprintf("average retries is %.1f", avgRetries),
						fmt.Sprintf("threshold is %.1f", retryPatternMin),
					},
					Evidence: []Evidence{{
						Source:    "workflow_step_execution",
						DataPoint: fmt.Sprintf("%d retries over %d runs of step %s", h.totalRetries, h.occurrences, stepID),
					}},
				},
				Limitations: Limitations{
					Assumptions: []string{"retries indicate instability rather than deliberate polling"},
					MissingData: []string{"per-attempt error messages"},
				},
			})
		}
	}

	return out
}

// historyConfidence is the fixed confidence formula for history patterns:
// min(1, execution_count/20), plus 0.1 when the failure rate exceeds one
// half, clamped back into [0, 1].
func historyConfidence(executionCount int, failureRate float64) float64 {
	c := float64(executionCount) / 20
	if c > 1 {
		c = 1
	}
	if failureRate > 0.5 {
		c += 0.1
	}
	if c > 1 {
		c = 1
	}
	return c
}

// AnalyzeState inspects live state: stale approvals and long-running
// executions, measured against the supplied clock value.
func AnalyzeState(pending []*workflow.ApprovalRequest, resumable []*workflow.Execution, now time.Time) []*Suggestion {
	var out []*Suggestion

	sorted := make([]*workflow.ApprovalRequest, len(pending))
	copy(sorted, pending)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ExecutionID != sorted[j].ExecutionID {
			return sorted[i].ExecutionID < sorted[j].ExecutionID
		}
		return sorted[i].StepID < sorted[j].StepID
	})

	for _, req := range sorted {
		age := now.Sub(req.RequestedAt)
		if age <= pendingApprovalAge {
			continue
		}
		out = append(out, &Suggestion{
			AnalysisType: AnalysisState,
			Category:     CategoryLongPendingApproval,
			Title:        "Approval pending too long",
			Message: fmt.Sprintf("Approval for step %s of execution %s has been pending for %s.",
				req.StepID, req.ExecutionID, age.Round(time.Minute)),
			Context:     map[string]any{"execution_id": req.ExecutionID, "step_id": req.StepID},
			Confidence:  confidenceLongPendingApproval,
			ExecutionID: req.ExecutionID,
			Explanation: Explanation{
				Summary: "Stale approval request",
				ReasoningSteps: []string{
					fmt.Sprintf("requested at %s", req.RequestedAt.UTC().Format(time.RFC3339)),
					fmt.Sprintf("pending longer than %s", pendingApprovalAge),
				},
				Evidence: []Evidence{{
					Source:    "workflow_approval",
					DataPoint: fmt.Sprintf("unresolved request aged %s", age.Round(time.Minute)),
				}},
			},
			Limitations: Limitations{
				Assumptions: []string{"the approver has been notified"},
				MissingData: []string{"approver availability"},
			},
		})
	}

	sortedExecs := make([]*workflow.Execution, len(resumable))
	copy(sortedExecs, resumable)
	sort.Slice(sortedExecs, func(i, j int) bool {
		return sortedExecs[i].ExecutionID < sortedExecs[j].ExecutionID
	})

	for _, exec := range sortedExecs {
		if exec.Status != workflow.StatusRunning {
			continue
		}
		age := now.Sub(exec.StartedAt)
		if age <= runningWorkflowAge {
			continue
		}
		out = append(out, &Suggestion{
			AnalysisType: AnalysisState,
			Category:     CategoryLongRunningWorkflow,
			Title:        "Execution running too long",
			Message: fmt.Sprintf("Execution %s of workflow %s has been running for %s.",
				exec.ExecutionID, exec.WorkflowID, age.Round(time.Minute)),
			Context:     map[string]any{"execution_id": exec.ExecutionID, "workflow_id": exec.WorkflowID},
			Confidence:  confidenceLongRunningWorkflow,
			ExecutionID: exec.ExecutionID,
			Explanation: Explanation{
				Summary: "Execution age above threshold",
				ReasoningSteps: []string{
					fmt.Sprintf("started at %s", exec.StartedAt.UTC().Format(time.RFC3339)),
					fmt.Sprintf("running longer than %s", runningWorkflowAge),
				},
				Evidence: []Evidence{{
					Source:    "workflow_execution",
					DataPoint: fmt.Sprintf("running execution aged %s", age.Round(time.Minute)),
				}},
			},
			Limitations: Limitations{
				Assumptions: []string{"long runs are anomalous for this workflow"},
				MissingData: []string{"expected duration profile per workflow"},
			},
		})
	}

	return out
}
