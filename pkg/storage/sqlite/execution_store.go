// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/workflow"
)

const executionColumns = `execution_id, workflow_id, workflow_name, initial_context,
		status, started_at, completed_at, error_message`

// CreateExecution records a new execution.
func (s *Store) CreateExecution(ctx context.Context, exec *workflow.Execution) error {
	initialCtx, err := encodeJSON(exec.InitialContext)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_execution (
			execution_id, workflow_id, workflow_name, initial_context,
			status, started_at, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID, exec.WorkflowID, exec.WorkflowName, initialCtx,
		string(exec.Status), formatTime(exec.StartedAt), exec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// UpdateExecutionStatus transitions an execution. Terminal statuses are
// monotone: an update against an already terminal execution is a no-op so
// that late writers (a finishing fiber racing a cancel) cannot flip
// completed to failed or back.
func (s *Store) UpdateExecutionStatus(
	ctx context.Context, executionID string, status workflow.ExecutionStatus, errorMessage string,
) error {
	var completedAt any
	if status.Terminal() {
		completedAt = formatTime(time.Now())
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_execution
		SET status = ?, completed_at = COALESCE(?, completed_at), error_message = ?
		WHERE execution_id = ? AND status NOT IN ('completed', 'failed')`,
		string(status), completedAt, errorMessage, executionID,
	)
	if err != nil {
		return fmt.Errorf("updating execution status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		// Either the execution does not exist or it is already terminal.
		var existing string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM workflow_execution WHERE execution_id = ?`, executionID,
		).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking execution: %w", err)
		}
	}
	return nil
}

// GetExecution loads one execution.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*workflow.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_execution WHERE execution_id = ?`,
		executionID,
	)
	return scanExecution(row)
}

// ListExecutions returns executions newest first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*workflow.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_execution`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return s.queryExecutions(ctx, query, args...)
}

// GetResumableExecutions returns executions whose status is running or paused.
// Executions parked on an approval are not resumable by the startup pass;
// they wait for RESOLVE_APPROVAL.
func (s *Store) GetResumableExecutions(ctx context.Context) ([]*workflow.Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM workflow_execution
		 WHERE status IN ('running', 'paused') ORDER BY started_at`)
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]*workflow.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var execs []*workflow.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating execution rows: %w", err)
	}
	return execs, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanExecution(sc scanner) (*workflow.Execution, error) {
	var (
		exec         workflow.Execution
		initialCtx   sql.NullString
		status       string
		startedAt    string
		completedAt  sql.NullString
		errorMessage sql.NullString
	)

	err := sc.Scan(
		&exec.ExecutionID, &exec.WorkflowID, &exec.WorkflowName, &initialCtx,
		&status, &startedAt, &completedAt, &errorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning execution row: %w", err)
	}

	exec.Status = workflow.ExecutionStatus(status)
	exec.ErrorMessage = errorMessage.String
	if exec.InitialContext, err = decodeJSONMap(initialCtx); err != nil {
		return nil, err
	}
	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if exec.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &exec, nil
}

// UpsertStepExecution records a step transition. The row is keyed by
// (execution_id, step_id); retries update the same row in place.
func (s *Store) UpsertStepExecution(ctx context.Context, step *workflow.StepExecution) error {
	result, err := encodeJSON(step.Result)
	if err != nil {
		return err
	}

	var completedAt any
	if step.CompletedAt != nil {
		completedAt = formatTime(*step.CompletedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_step_execution (
			execution_id, step_id, status, retry_count, result,
			started_at, completed_at, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			result = excluded.result,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message`,
		step.ExecutionID, step.StepID, string(step.Status), step.RetryCount, result,
		formatTime(step.StartedAt), completedAt, step.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("upserting step execution: %w", err)
	}
	return nil
}

// GetStepExecution loads one step row.
func (s *Store) GetStepExecution(ctx context.Context, executionID, stepID string) (*workflow.StepExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, step_id, status, retry_count, result,
		       started_at, completed_at, error_message
		FROM workflow_step_execution
		WHERE execution_id = ? AND step_id = ?`,
		executionID, stepID,
	)
	return scanStepExecution(row)
}

// ListStepExecutions returns all step rows for an execution ordered by
// started_at, then step_id for a stable order among parallel starts.
func (s *Store) ListStepExecutions(ctx context.Context, executionID string) ([]*workflow.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, step_id, status, retry_count, result,
		       started_at, completed_at, error_message
		FROM workflow_step_execution
		WHERE execution_id = ?
		ORDER BY started_at, step_id`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying step executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*workflow.StepExecution
	for rows.Next() {
		step, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating step rows: %w", err)
	}
	return steps, nil
}

// GetLastCompletedStepID returns the step_id of the most recently completed
// step, or "" when nothing has completed yet.
func (s *Store) GetLastCompletedStepID(ctx context.Context, executionID string) (string, error) {
	var stepID string
	err := s.db.QueryRowContext(ctx, `
		SELECT step_id FROM workflow_step_execution
		WHERE execution_id = ? AND status = 'completed'
		ORDER BY completed_at DESC LIMIT 1`,
		executionID,
	).Scan(&stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying last completed step: %w", err)
	}
	return stepID, nil
}

func scanStepExecution(sc scanner) (*workflow.StepExecution, error) {
	var (
		step         workflow.StepExecution
		status       string
		result       sql.NullString
		startedAt    string
		completedAt  sql.NullString
		errorMessage sql.NullString
	)

	err := sc.Scan(
		&step.ExecutionID, &step.StepID, &status, &step.RetryCount, &result,
		&startedAt, &completedAt, &errorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning step row: %w", err)
	}

	step.Status = workflow.StepStatus(status)
	step.ErrorMessage = errorMessage.String
	if step.Result, err = decodeJSONMap(result); err != nil {
		return nil, err
	}
	if step.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if step.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &step, nil
}
