// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loomctl/loom/pkg/engine"
	loomerr "github.com/loomctl/loom/pkg/errors"
	"github.com/loomctl/loom/pkg/ipc"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/workflow"
)

// handle routes one parent request to the owning service. Quick verbs run
// inline on the request loop; workflow execution happens on background
// fibers started by the engine.
func (d *Daemon) handle(ctx context.Context, req *ipc.Request) (any, error) {
	switch req.Type {
	case ipc.VerbLoadWorkflow:
		return d.loadWorkflow(ctx, req)
	case ipc.VerbStartWorkflow:
		return d.startWorkflow(ctx, req)
	case ipc.VerbGetWorkflowStatus:
		return d.getWorkflowStatus(ctx, req)
	case ipc.VerbCancelWorkflow:
		return d.cancelWorkflow(ctx, req)
	case ipc.VerbListWorkflows:
		return d.listWorkflows(ctx)
	case ipc.VerbRegisterTrigger:
		return d.registerTrigger(ctx, req)
	case ipc.VerbUnregisterTrigger:
		return d.unregisterTrigger(req)
	case ipc.VerbListTriggers:
		return map[string]any{"triggers": d.triggers.All()}, nil
	case ipc.VerbResolveApproval:
		return d.resolveApproval(ctx, req)
	case ipc.VerbGetPendingApprovals:
		return d.getPendingApprovals(ctx)
	case ipc.VerbGetAISuggestions:
		return d.getAISuggestions(ctx, req)
	case ipc.VerbGenerateDraft:
		return d.generateDraft(ctx, req)
	case ipc.VerbGetExecutionHistory:
		return d.getExecutionHistory(ctx, req)
	case ipc.VerbGetStepExecutions:
		return d.getStepExecutions(ctx, req)
	case ipc.VerbPing, ipc.VerbHealthCheck, ipc.VerbGetStatus:
		return d.workerQuery(ctx, req)
	default:
		// Unknown operations go to the workers; the dispatcher routes
		// them to the python worker unless an override says otherwise.
		return d.workerQuery(ctx, req)
	}
}

func (d *Daemon) loadWorkflow(ctx context.Context, req *ipc.Request) (any, error) {
	var payload struct {
		WorkflowID string          `json:"workflow_id"`
		Definition json.RawMessage `json:"definition"`
	}
	if err := ipc.DecodePayload(req, &payload); err != nil {
		return nil, loomerr.Wrap(loomerr.CodeInvalidParams, "invalid LOAD_WORKFLOW payload", err)
	}
	if len(payload.Definition) == 0 {
		return nil, loomerr.New(loomerr.CodeInvalidParams, "definition is required")
	}

	def, err := workflow.Parse(payload.Definition)
	if err != nil {
		return nil, loomerr.Wrap(loomerr.CodeInvalidParams, "definition rejected", err)
	}
	if payload.WorkflowID != "" && payload.WorkflowID != def.WorkflowID {
		return nil, loomerr.Newf(loomerr.CodeInvalidParams,
			"workflow_id %q does not match definition %q", payload.WorkflowID, def.WorkflowID)
	}

	if err := d.eng.RegisterDefinition(ctx, def); err != nil {
		return nil, mapStorageErr(err)
	}
	return map[string]any{"workflow_id": def.WorkflowID}, nil
}

func (d *Daemon) startWorkflow(ctx context.Context, req *ipc.Request) (any, error) {
	var payload struct {
		WorkflowID     string         `json:"workflow_id"`
		InitialContext map[string]any `json:"initial_context"`
	}
	if err := ipc.DecodePayload(req, &payload); err != nil {
		return nil, loomerr.Wrap(loomerr.CodeInvalidParams, "invalid START_WORKFLOW payload", err)
	}
	if payload.WorkflowID == "" {
		return nil, loomerr.New(loomerr.CodeInvalidParams, "workflow_id is required")
	}

	exec, err := d.eng.StartWorkflow(ctx, payload.WorkflowID, payload.InitialContext)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return map[string]any{
		"execution_id": exec.ExecutionID,
		"workflow_id":  exec.WorkflowID,
	}, nil
}

func (d *Daemon) getWorkflowStatus(ctx context.Context, req *ipc.Request) (any, error) {
	executionID, err := requiredID(req, "execution_id")
	if err != nil {
		return nil, err
	}
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return exec, nil
}

func (d *Daemon) cancelWorkflow(_ context.Context, req *ipc.Request) (any, error) {
	executionID, err := requiredID(req, "execution_id")
	if err != nil {
		return nil, err
	}
	if err := d.eng.CancelExecution(executionID); err != nil {
		return nil, mapStorageErr(err)
	}
	return map[string]any{"execution_id": executionID, "cancelled": true}, nil
}

func (d *Daemon) listWorkflows(ctx context.Context) (any, error) {
	defs, err := d.eng.ListDefinitions(ctx)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	workflows := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		workflows = append(workflows, map[string]any{
			"workflow_id": def.WorkflowID,
			"name":        def.Name,
			"version":     def.Version,
			"step_count":  len(def.Steps),
		})
	}
	return map[string]any{"workflows": workflows, "count": len(workflows)}, nil
}

func (d *Daemon) registerTrigger(ctx context.Context, req *ipc.Request) (any, error) {
	tag, workflowID, err := triggerParams(req)
	if err != nil {
		return nil, err
	}
	// Binding an unknown workflow would only fail later, at event time.
	if _, err := d.eng.Definition(ctx, workflowID); err != nil {
		return nil, mapStorageErr(err)
	}
	d.triggers.Bind(tag, workflowID)
	return map[string]any{"event_tag": tag, "workflow_id": workflowID, "registered": true}, nil
}

func (d *Daemon) unregisterTrigger(req *ipc.Request) (any, error) {
	tag, workflowID, err := triggerParams(req)
	if err != nil {
		return nil, err
	}
	d.triggers.Unbind(tag, workflowID)
	return map[string]any{"event_tag": tag, "workflow_id": workflowID, "unregistered": true}, nil
}

func (d *Daemon) resolveApproval(ctx context.Context, req *ipc.Request) (any, error) {
	var payload struct {
		ExecutionID string `json:"execution_id"`
		StepID      string `json:"step_id"`
		Decision    string `json:"decision"`
		ActorID     string `json:"actor_id"`
		Comment     string `json:"comment"`
	}
	if err := ipc.DecodePayload(req, &payload); err != nil {
		return nil, loomerr.Wrap(loomerr.CodeInvalidParams, "invalid RESOLVE_APPROVAL payload", err)
	}
	if payload.ExecutionID == "" || payload.StepID == "" || payload.Decision == "" {
		return nil, loomerr.New(loomerr.CodeInvalidParams,
			"execution_id, step_id and decision are required")
	}
	if payload.ActorID == "" {
		payload.ActorID = "external"
	}

	resumed, err := d.approvals.Resolve(ctx,
		payload.ExecutionID, payload.StepID, payload.Decision, payload.ActorID, payload.Comment)
	if errors.Is(err, storage.ErrAlreadyResolved) {
		return nil, loomerr.New(loomerr.CodeApprovalError, "approval already resolved")
	}
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return map[string]any{"resumed": resumed}, nil
}

func (d *Daemon) getPendingApprovals(ctx context.Context) (any, error) {
	pending, err := d.approvals.Pending(ctx)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return map[string]any{"approvals": pending, "count": len(pending)}, nil
}

func (d *Daemon) getAISuggestions(ctx context.Context, req *ipc.Request) (any, error) {
	var payload struct {
		AnalysisType string `json:"analysis_type"`
		WorkflowID   string `json:"workflow_id"`
		ExecutionID  string `json:"execution_id"`
	}
	if err := ipc.DecodePayload(req, &payload); err != nil {
		return nil, loomerr.Wrap(loomerr.CodeInvalidParams, "invalid GET_AI_SUGGESTIONS payload", err)
	}

	suggestions, err := d.advisor.Suggest(ctx, payload.AnalysisType, payload.WorkflowID, payload.ExecutionID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return map[string]any{"suggestions": suggestions, "count": len(suggestions)}, nil
}

func (d *Daemon) generateDraft(ctx context.Context, req *ipc.Request) (any, error) {
	var payload struct {
		DraftType   string         `json:"draft_type"`
		Constraints map[string]any `json:"constraints"`
	}
	if err := ipc.DecodePayload(req, &payload); err != nil {
		return nil, loomerr.Wrap(loomerr.CodeInvalidParams, "invalid GENERATE_DRAFT payload", err)
	}
	if payload.DraftType == "" {
		return nil, loomerr.New(loomerr.CodeInvalidParams, "draft_type is required")
	}

	draft, err := d.advisor.GenerateDraft(ctx, payload.DraftType, payload.Constraints)
	if err != nil {
		return nil, err
	}
	return map[string]any{"draft": draft}, nil
}

func (d *Daemon) getExecutionHistory(ctx context.Context, req *ipc.Request) (any, error) {
	var payload struct {
		WorkflowID string `json:"workflow_id"`
		Limit      int    `json:"limit"`
	}
	if len(req.Payload) > 0 {
		if err := ipc.DecodePayload(req, &payload); err != nil {
			return nil, loomerr.Wrap(loomerr.CodeInvalidParams, "invalid GET_EXECUTION_HISTORY payload", err)
		}
	}

	execs, err := d.store.ListExecutions(ctx, payload.WorkflowID, payload.Limit)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return map[string]any{"executions": execs, "count": len(execs)}, nil
}

func (d *Daemon) getStepExecutions(ctx context.Context, req *ipc.Request) (any, error) {
	executionID, err := requiredID(req, "execution_id")
	if err != nil {
		return nil, err
	}
	steps, err := d.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return map[string]any{"execution_id": executionID, "steps": steps, "count": len(steps)}, nil
}

// workerQuery forwards a verb to the workers through the dispatcher.
func (d *Daemon) workerQuery(ctx context.Context, req *ipc.Request) (any, error) {
	var payload map[string]any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return nil, loomerr.Wrap(loomerr.CodeInvalidParams, "invalid payload", err)
		}
	}
	return d.disp.Dispatch(ctx, req.Type, payload)
}

// requiredID extracts a single mandatory identifier field from a payload.
func requiredID(req *ipc.Request, field string) (string, error) {
	var payload map[string]any
	if err := ipc.DecodePayload(req, &payload); err != nil {
		return "", loomerr.Wrap(loomerr.CodeInvalidParams, "invalid payload", err)
	}
	id, _ := payload[field].(string)
	if id == "" {
		return "", loomerr.Newf(loomerr.CodeInvalidParams, "%s is required", field)
	}
	return id, nil
}

func triggerParams(req *ipc.Request) (string, string, error) {
	var payload struct {
		EventTag   string `json:"event_tag"`
		WorkflowID string `json:"workflow_id"`
	}
	if err := ipc.DecodePayload(req, &payload); err != nil {
		return "", "", loomerr.Wrap(loomerr.CodeInvalidParams, "invalid trigger payload", err)
	}
	if payload.EventTag == "" || payload.WorkflowID == "" {
		return "", "", loomerr.New(loomerr.CodeInvalidParams, "event_tag and workflow_id are required")
	}
	return payload.EventTag, payload.WorkflowID, nil
}

// mapStorageErr translates store and engine sentinels to protocol codes.
func mapStorageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return loomerr.Wrap(loomerr.CodeNotFound, "not found", err)
	case errors.Is(err, engine.ErrExecutionNotResumable):
		return loomerr.Wrap(loomerr.CodeWorkflowError, "execution not resumable", err)
	case errors.Is(err, workflow.ErrInvalidDefinition):
		return loomerr.Wrap(loomerr.CodeInvalidParams, "invalid definition", err)
	default:
		return err
	}
}
