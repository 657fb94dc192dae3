// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingDirectoryUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent"), "/data")
	require.NoError(t, err)

	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.StartupTimeout)
	require.Contains(t, cfg.Workers, WorkerPython)
	require.Contains(t, cfg.Workers, WorkerNetwork)
	assert.Equal(t, 1, cfg.Workers[WorkerPython].MaxInFlight)
}

func TestLoad_WorkersFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workers.json"), []byte(`{
		"workers": {
			"python": {"command": ["python3", "-m", "loom_worker"], "max_in_flight": 4},
			"browser": {"command": ["loom-browser-worker"]}
		},
		"routes": {"SCRAPE_PAGE": "browser"},
		"request_timeout_ms": 5000
	}`), 0o600))

	cfg, err := Load(dir, "/data")
	require.NoError(t, err)

	assert.Equal(t, []string{"python3", "-m", "loom_worker"}, cfg.Workers["python"].Command)
	assert.Equal(t, 4, cfg.Workers["python"].MaxInFlight)

	// Unspecified max_in_flight falls back to 1, and the stock network
	// worker survives a partial override.
	assert.Equal(t, 1, cfg.Workers["browser"].MaxInFlight)
	assert.Contains(t, cfg.Workers, WorkerNetwork)

	assert.Equal(t, "browser", cfg.RouteOverrides["SCRAPE_PAGE"])
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
}

func TestLoad_EmptyCommandIsAnError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workers.json"),
		[]byte(`{"workers": {"python": {"command": []}}}`), 0o600))

	_, err := Load(dir, "/data")
	require.Error(t, err)
}

func TestLoad_MalformedFileIsAnError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workers.json"),
		[]byte(`{broken`), 0o600))

	_, err := Load(dir, "/data")
	require.Error(t, err)
}

func TestPaths(t *testing.T) {
	t.Parallel()

	cfg := Defaults("/cfg", "/data")
	assert.Equal(t, filepath.Join("/cfg", "ai_guardrails.json"), cfg.GuardrailsPath())
	assert.Equal(t, filepath.Join("/data", "loom.db"), cfg.DatabasePath())
}
