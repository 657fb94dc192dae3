// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Loomd is the orchestration core of the loom desktop automation platform.
// It speaks newline-delimited JSON on stdin/stdout to its parent process
// and supervises the worker subprocesses that perform the actual tasks.
package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/daemon"
	"github.com/loomctl/loom/pkg/logger"
)

var (
	configDir string
	dataDir   string
	debug     bool
)

var rootCmd = &cobra.Command{
	Use:   "loomd",
	Short: "Workflow orchestration core",
	Long: `loomd executes declarative workflows against worker subprocesses,
pauses for human approvals, and persists every transition so interrupted
executions resume after a restart. It is driven entirely over stdio by a
parent process; logs go to stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger.Initialize(debug)

		cfg, err := config.Load(configDir, dataDir)
		if err != nil {
			return err
		}
		cfg.Debug = debug

		return daemon.New(cfg).Run(cmd.Context())
	},
}

func init() {
	defaultBase := defaultBaseDir()
	rootCmd.Flags().StringVar(&configDir, "config-dir", filepath.Join(defaultBase, "config"),
		"directory holding workers.json and ai_guardrails.json")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", filepath.Join(defaultBase, "data"),
		"directory holding the database and instance lock")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
