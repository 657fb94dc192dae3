// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/workflow"
)

// CreateApproval records a new unresolved approval request.
func (s *Store) CreateApproval(ctx context.Context, req *workflow.ApprovalRequest) error {
	actions, err := json.Marshal(req.AllowedActions)
	if err != nil {
		return fmt.Errorf("marshaling allowed actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_approval (execution_id, step_id, prompt, allowed_actions, requested_at)
		VALUES (?, ?, ?, ?, ?)`,
		req.ExecutionID, req.StepID, req.Prompt, string(actions), formatTime(req.RequestedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting approval: %w", err)
	}
	return nil
}

// ResolveApproval records a decision exactly once. The WHERE clause makes
// the write idempotent under concurrent resolvers: whichever transaction
// lands first wins, every later one observes zero affected rows and gets
// ErrAlreadyResolved.
func (s *Store) ResolveApproval(
	ctx context.Context, executionID, stepID, decision, actorID, comment string,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE workflow_approval
		SET decision = ?, actor_id = ?, comment = ?, resolved_at = ?
		WHERE execution_id = ? AND step_id = ? AND resolved_at IS NULL`,
		decision, actorID, comment, formatTime(time.Now()),
		executionID, stepID,
	)
	if err != nil {
		return fmt.Errorf("resolving approval: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM workflow_approval WHERE execution_id = ? AND step_id = ?`,
			executionID, stepID,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking approval: %w", err)
		}
		return storage.ErrAlreadyResolved
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const approvalColumns = `execution_id, step_id, prompt, allowed_actions, requested_at,
		decision, actor_id, comment, resolved_at`

// GetApproval loads one approval request.
func (s *Store) GetApproval(ctx context.Context, executionID, stepID string) (*workflow.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM workflow_approval
		 WHERE execution_id = ? AND step_id = ?`,
		executionID, stepID,
	)
	return scanApproval(row)
}

// ListPendingApprovals returns all unresolved requests, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]*workflow.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM workflow_approval
		 WHERE resolved_at IS NULL ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("querying pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reqs []*workflow.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating approval rows: %w", err)
	}
	return reqs, nil
}

func scanApproval(sc scanner) (*workflow.ApprovalRequest, error) {
	var (
		req         workflow.ApprovalRequest
		actionsDoc  string
		requestedAt string
		decision    sql.NullString
		actorID     sql.NullString
		comment     sql.NullString
		resolvedAt  sql.NullString
	)

	err := sc.Scan(
		&req.ExecutionID, &req.StepID, &req.Prompt, &actionsDoc, &requestedAt,
		&decision, &actorID, &comment, &resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning approval row: %w", err)
	}

	if err := json.Unmarshal([]byte(actionsDoc), &req.AllowedActions); err != nil {
		return nil, fmt.Errorf("unmarshaling allowed actions: %w", err)
	}
	req.Decision = decision.String
	req.ActorID = actorID.String
	req.Comment = comment.String
	if req.RequestedAt, err = parseTime(requestedAt); err != nil {
		return nil, err
	}
	if req.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	return &req, nil
}
