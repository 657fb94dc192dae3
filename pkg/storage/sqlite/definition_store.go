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

// SaveDefinition upserts a definition by workflow_id. The definition JSON
// is stored whole so resume after restart reloads the exact document.
func (s *Store) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling definition: %w", err)
	}

	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definition (workflow_id, name, version, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		def.WorkflowID, def.Name, def.Version, string(doc), now, now,
	)
	if err != nil {
		return fmt.Errorf("saving definition: %w", err)
	}
	return nil
}

// GetDefinition loads a definition by workflow_id.
func (s *Store) GetDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflow_definition WHERE workflow_id = ?`,
		workflowID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading definition: %w", err)
	}

	var def workflow.Definition
	if err := json.Unmarshal([]byte(doc), &def); err != nil {
		return nil, fmt.Errorf("unmarshaling definition: %w", err)
	}
	return &def, nil
}

// ListDefinitions returns all persisted definitions ordered by workflow_id.
func (s *Store) ListDefinitions(ctx context.Context) ([]*workflow.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM workflow_definition ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("querying definitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []*workflow.Definition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning definition row: %w", err)
		}
		var def workflow.Definition
		if err := json.Unmarshal([]byte(doc), &def); err != nil {
			return nil, fmt.Errorf("unmarshaling definition: %w", err)
		}
		defs = append(defs, &def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating definition rows: %w", err)
	}
	return defs, nil
}
