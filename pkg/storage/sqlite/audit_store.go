// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"errors"
	"fmt"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/loomctl/loom/pkg/storage"
)

// AppendSuggestionAudit inserts one ai_suggestion_audit row.
func (s *Store) AppendSuggestionAudit(ctx context.Context, row *storage.SuggestionAuditRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_suggestion_audit (
			suggestion_id, analysis_type, category, title, confidence, execution_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.SuggestionID, row.AnalysisType, row.Category, row.Title,
		row.Confidence, nullIfEmpty(row.ExecutionID), formatTime(row.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting suggestion audit: %w", err)
	}
	return nil
}

// AppendGuardrailAudit inserts one ai_guardrail_audit row.
func (s *Store) AppendGuardrailAudit(ctx context.Context, row *storage.GuardrailAuditRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_guardrail_audit (
			record_id, record_kind, decision, reason, confidence, execution_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.RecordID, row.RecordKind, string(row.Decision), row.Reason,
		row.Confidence, nullIfEmpty(row.ExecutionID), formatTime(row.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting guardrail audit: %w", err)
	}
	return nil
}

// AppendDraftAudit inserts one ai_draft_audit row.
func (s *Store) AppendDraftAudit(ctx context.Context, row *storage.DraftAuditRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_draft_audit (draft_id, draft_type, content_hash, decision, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		row.DraftID, row.DraftType, row.ContentHash, string(row.Decision), formatTime(row.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting draft audit: %w", err)
	}
	return nil
}

// ListGuardrailAudits returns guardrail decisions, newest first.
func (s *Store) ListGuardrailAudits(ctx context.Context, limit int) ([]*storage.GuardrailAuditRow, error) {
	query := `SELECT record_id, record_kind, decision, reason, confidence, execution_id, created_at
		FROM ai_guardrail_audit ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying guardrail audits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var audits []*storage.GuardrailAuditRow
	for rows.Next() {
		var (
			row         storage.GuardrailAuditRow
			decision    string
			executionID any
			createdAt   string
		)
		if err := rows.Scan(&row.RecordID, &row.RecordKind, &decision, &row.Reason,
			&row.Confidence, &executionID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning guardrail audit row: %w", err)
		}
		row.Decision = storage.AdvisoryDecision(decision)
		if s, ok := executionID.(string); ok {
			row.ExecutionID = s
		}
		if row.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		audits = append(audits, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating guardrail audit rows: %w", err)
	}
	return audits, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY constraint
// violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
