// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements the loom storage interfaces on an embedded
// SQLite database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection handle.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies all pending
// migrations. Use ":memory:" for an ephemeral store in tests.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := dsnFor(path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection sidesteps SQLITE_BUSY between the short-lived
	// transactional writes the services perform.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Close closes the database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

func dsnFor(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(ON)")
	return "file:" + path + "?" + q.Encode()
}
