// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomctl/loom/pkg/storage"
)

// Store implements storage.Store using SQLite.
type Store struct {
	wrapper *DB
	db      *sql.DB
}

// NewStore creates a SQLite-backed Store over an open database.
func NewStore(db *DB) *Store {
	return &Store{wrapper: db, db: db.DB()}
}

// OpenStore opens the database at path and returns a ready Store.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewStore(db), nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.wrapper.Close()
}

var _ storage.Store = (*Store)(nil)

// formatTime renders a timestamp the way every table stores it: UTC RFC 3339.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// parseTimePtr parses a nullable stored timestamp.
func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// encodeJSON marshals v for a TEXT column, mapping nil to SQL NULL.
func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON column: %w", err)
	}
	return string(data), nil
}

// decodeJSONMap unmarshals a nullable TEXT column into a map.
func decodeJSONMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON column: %w", err)
	}
	return m, nil
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
