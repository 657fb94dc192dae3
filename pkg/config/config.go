// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the loom configuration directory. Every file is
// optional; missing files produce defaults so a bare `loomd` starts with a
// python worker, a network worker and the stock guardrail policy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Well-known worker roles.
const (
	// WorkerPython runs PYTHON_TASK steps and unknown operations.
	WorkerPython = "python"

	// WorkerNetwork performs all network egress on behalf of the core.
	WorkerNetwork = "network"
)

// WorkerConfig describes how to launch one worker subprocess.
type WorkerConfig struct {
	// Command is the argv used to spawn the worker.
	Command []string `mapstructure:"command"`

	// MaxInFlight is the number of concurrent requests the worker accepts.
	// Defaults to 1 unless the worker declares otherwise.
	MaxInFlight int `mapstructure:"max_in_flight"`
}

// Config is the resolved loom configuration.
type Config struct {
	// ConfigDir is the directory the configuration was loaded from.
	ConfigDir string

	// DataDir holds the SQLite store and the instance lock.
	DataDir string

	// Workers maps worker role to its launch configuration.
	Workers map[string]WorkerConfig

	// RouteOverrides maps an operation type to a worker role, overriding
	// the built-in dispatch table.
	RouteOverrides map[string]string

	// RequestTimeout bounds a single worker request.
	RequestTimeout time.Duration

	// StartupTimeout bounds the worker READY handshake.
	StartupTimeout time.Duration

	// ShutdownGrace is the window a worker gets between SHUTDOWN and kill.
	ShutdownGrace time.Duration

	// Debug enables debug logging.
	Debug bool
}

// workersFile is the optional worker-path override file in the config dir.
const workersFile = "workers.json"

// GuardrailsFile is the guardrail policy file name; parsed by the
// guardrail package, located here so path logic stays in one place.
const GuardrailsFile = "ai_guardrails.json"

// Defaults returns the stock configuration rooted at dataDir.
func Defaults(configDir, dataDir string) *Config {
	return &Config{
		ConfigDir: configDir,
		DataDir:   dataDir,
		Workers: map[string]WorkerConfig{
			WorkerPython:  {Command: []string{"loom-python-worker"}, MaxInFlight: 1},
			WorkerNetwork: {Command: []string{"loom-network-worker"}, MaxInFlight: 1},
		},
		RouteOverrides: map[string]string{},
		RequestTimeout: 60 * time.Second,
		StartupTimeout: 10 * time.Second,
		ShutdownGrace:  10 * time.Second,
	}
}

// Load reads the configuration directory, applying defaults for anything
// absent. A missing directory or missing files are not errors.
func Load(configDir, dataDir string) (*Config, error) {
	cfg := Defaults(configDir, dataDir)

	path := filepath.Join(configDir, workersFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", workersFile, err)
	}

	var file struct {
		Workers          map[string]WorkerConfig `mapstructure:"workers"`
		Routes           map[string]string       `mapstructure:"routes"`
		RequestTimeoutMs int                     `mapstructure:"request_timeout_ms"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", workersFile, err)
	}

	for role, wc := range file.Workers {
		if len(wc.Command) == 0 {
			return nil, fmt.Errorf("worker %q has an empty command", role)
		}
		if wc.MaxInFlight <= 0 {
			wc.MaxInFlight = 1
		}
		cfg.Workers[role] = wc
	}
	for op, role := range file.Routes {
		cfg.RouteOverrides[op] = role
	}
	if file.RequestTimeoutMs > 0 {
		cfg.RequestTimeout = time.Duration(file.RequestTimeoutMs) * time.Millisecond
	}

	return cfg, nil
}

// GuardrailsPath returns the path of the guardrail policy file.
func (c *Config) GuardrailsPath() string {
	return filepath.Join(c.ConfigDir, GuardrailsFile)
}

// DatabasePath returns the path of the SQLite store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "loom.db")
}
