// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed error used across loom. The error codes
// are part of the parent protocol contract and must not be renamed.
package errors

import (
	"errors"
	"fmt"
)

// Protocol error codes.
const (
	// CodeInvalidParams is returned when a request carries missing or invalid fields.
	CodeInvalidParams = "INVALID_PARAMS"

	// CodeNotFound is returned when a workflow, execution or approval does not exist.
	CodeNotFound = "NOT_FOUND"

	// CodeWorkflowError is returned when workflow validation or execution fails.
	CodeWorkflowError = "WORKFLOW_ERROR"

	// CodeApprovalError is returned when an approval operation fails.
	CodeApprovalError = "APPROVAL_ERROR"

	// CodeAIError is returned when the advisory service fails.
	CodeAIError = "AI_ERROR"

	// CodeDraftBlocked is returned when the guardrail policy blocks a draft.
	CodeDraftBlocked = "DRAFT_BLOCKED"

	// CodeWorkerTimeout is returned when a worker does not respond in time.
	CodeWorkerTimeout = "WORKER_TIMEOUT"

	// CodeWorkerDead is returned when a worker process exited with requests outstanding.
	CodeWorkerDead = "WORKER_DEAD"

	// CodeSecurityViolation is returned when a request violates a security constraint.
	CodeSecurityViolation = "SECURITY_VIOLATION"

	// CodeParseError is returned when a request line is not valid JSON.
	CodeParseError = "PARSE_ERROR"

	// CodeInternal is returned for unclassified internal failures.
	CodeInternal = "INTERNAL_ERROR"
)

// Error represents an error in the application.
type Error struct {
	// Code is one of the protocol error codes.
	Code string

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with the given code and a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the protocol code from err. Errors that do not carry a
// code map to CodeInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
