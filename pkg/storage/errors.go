// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when a record already exists.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrAlreadyResolved is returned when an approval resolution targets
	// a request that already carries a decision. Resolution is idempotent:
	// the stored decision is never altered.
	ErrAlreadyResolved = errors.New("approval already resolved")
)
