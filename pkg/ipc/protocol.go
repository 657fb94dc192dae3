// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the newline-delimited JSON protocol spoken on both
// the parent channel (stdin/stdout of the core) and the worker channels
// (stdin/stdout of each worker subprocess).
package ipc

import (
	"encoding/json"
	"fmt"
)

// Request is a single protocol request line.
type Request struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Response is a single protocol response line, correlated by ID.
type Response struct {
	ID      string       `json:"id"`
	Success bool         `json:"success"`
	Result  any          `json:"result,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail carries a protocol error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReadyRecord is the unsolicited startup record emitted once all components
// are initialized. Workers emit the same record on their stdout.
type ReadyRecord struct {
	Type      string `json:"type"`
	PID       int    `json:"pid,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// TypeReady is the record type of the startup handshake.
const TypeReady = "READY"

// Parent-channel verbs. Codes are part of the protocol contract.
const (
	VerbShutdown            = "SHUTDOWN"
	VerbLoadWorkflow        = "LOAD_WORKFLOW"
	VerbStartWorkflow       = "START_WORKFLOW"
	VerbGetWorkflowStatus   = "GET_WORKFLOW_STATUS"
	VerbCancelWorkflow      = "CANCEL_WORKFLOW"
	VerbListWorkflows       = "LIST_WORKFLOWS"
	VerbRegisterTrigger     = "REGISTER_WORKFLOW_TRIGGER"
	VerbUnregisterTrigger   = "UNREGISTER_WORKFLOW_TRIGGER"
	VerbListTriggers        = "LIST_WORKFLOW_TRIGGERS"
	VerbResolveApproval     = "RESOLVE_APPROVAL"
	VerbGetPendingApprovals = "GET_PENDING_APPROVALS"
	VerbGetAISuggestions    = "GET_AI_SUGGESTIONS"
	VerbGenerateDraft       = "GENERATE_DRAFT"
	VerbGetExecutionHistory = "GET_EXECUTION_HISTORY"
	VerbGetStepExecutions   = "GET_STEP_EXECUTIONS"
)

// Worker-channel verbs routed by the dispatcher.
const (
	VerbPing            = "PING"
	VerbHealthCheck     = "HEALTH_CHECK"
	VerbGetStatus       = "GET_STATUS"
	VerbPythonTask      = "PYTHON_TASK"
	VerbExternalAPICall = "EXTERNAL_API_CALL"
)

// OkResponse builds a successful response for the given request ID.
func OkResponse(id string, result any) *Response {
	return &Response{ID: id, Success: true, Result: result}
}

// ErrResponse builds a failed response for the given request ID.
func ErrResponse(id, code, message string) *Response {
	return &Response{ID: id, Success: false, Error: &ErrorDetail{Code: code, Message: message}}
}

// DecodePayload decodes a request payload into dst, reporting an error for
// absent or malformed payloads.
func DecodePayload(req *Request, dst any) error {
	if len(req.Payload) == 0 {
		return fmt.Errorf("request %s has no payload", req.Type)
	}
	if err := json.Unmarshal(req.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", req.Type, err)
	}
	return nil
}
