// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon assembles the core: storage, supervisor, dispatcher,
// engine, approvals, triggers, advisory and the parent request loop. It
// owns startup order, the crash-resume pass and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/loomctl/loom/pkg/advisory"
	"github.com/loomctl/loom/pkg/approval"
	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/dispatcher"
	"github.com/loomctl/loom/pkg/engine"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/guardrail"
	"github.com/loomctl/loom/pkg/ipc"
	"github.com/loomctl/loom/pkg/logger"
	"github.com/loomctl/loom/pkg/storage/sqlite"
	"github.com/loomctl/loom/pkg/supervisor"
	"github.com/loomctl/loom/pkg/trigger"
)

// healthInterval is the worker health probe period.
const healthInterval = 30 * time.Second

// lockFile guards the data directory against a second loomd instance.
const lockFile = "loom.lock"

// Daemon is the assembled core process.
type Daemon struct {
	cfg *config.Config

	store     *sqlite.Store
	bus       *events.Bus
	sup       *supervisor.Supervisor
	disp      *dispatcher.Dispatcher
	eng       *engine.Engine
	approvals *approval.Service
	triggers  *trigger.Registry
	advisor   *advisory.Service
	server    *ipc.Server

	lock *flock.Flock

	healthStop   chan struct{}
	shutdownOnce sync.Once
}

// New creates an unstarted daemon.
func New(cfg *config.Config) *Daemon {
	return &Daemon{cfg: cfg, healthStop: make(chan struct{})}
}

// Run initializes every component, resumes interrupted executions, emits
// READY and serves the parent request loop until SHUTDOWN or EOF.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	d.lock = flock.New(filepath.Join(d.cfg.DataDir, lockFile))
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("data directory %s is in use by another instance", d.cfg.DataDir)
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			logger.Warnw("releasing instance lock failed", "error", err)
		}
	}()

	d.store, err = sqlite.OpenStore(ctx, d.cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	policy, err := guardrail.LoadPolicy(d.cfg.GuardrailsPath())
	if err != nil {
		return fmt.Errorf("loading guardrail policy: %w", err)
	}

	d.bus = events.NewBus()
	d.sup = supervisor.New(d.cfg)
	if err := d.sup.Start(ctx); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}
	d.disp = dispatcher.New(d.cfg, d.sup)

	d.approvals = approval.NewService(d.store, d.bus)
	d.eng = engine.New(d.store, d.disp, d.approvals, d.bus)
	d.approvals.SetResumer(d.eng.ResumeExecution)

	d.triggers = trigger.NewRegistry(d.eng, d.bus)

	enforcer := guardrail.NewEnforcer(policy, d.store)
	d.advisor = advisory.NewService(d.store, enforcer)

	if err := d.resumeInterrupted(ctx); err != nil {
		return err
	}
	if err := d.approvals.RearmTimers(ctx); err != nil {
		return err
	}

	go d.healthLoop()

	d.server = ipc.NewServer(os.Stdin, os.Stdout, d.handle, d.shutdown)
	if err := d.server.EmitReady(); err != nil {
		return fmt.Errorf("emitting READY: %w", err)
	}
	logger.Infow("loomd ready",
		"data_dir", d.cfg.DataDir, "workers", d.sup.Roles())

	return d.server.Run(ctx)
}

// resumeInterrupted revives executions persisted as running or paused by a
// previous process. Executions parked on an approval stay parked; their
// timers re-arm separately.
func (d *Daemon) resumeInterrupted(ctx context.Context) error {
	execs, err := d.store.GetResumableExecutions(ctx)
	if err != nil {
		return fmt.Errorf("listing resumable executions: %w", err)
	}
	for _, exec := range execs {
		if err := d.eng.ResumeExecution(ctx, exec.ExecutionID); err != nil {
			logger.Errorw("execution did not resume",
				"execution_id", exec.ExecutionID, "error", err)
			continue
		}
		logger.Infow("resumed interrupted execution",
			"execution_id", exec.ExecutionID, "workflow_id", exec.WorkflowID)
	}
	return nil
}

// healthLoop probes workers until shutdown.
func (d *Daemon) healthLoop() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), healthInterval)
			d.disp.HealthCheckAll(ctx)
			cancel()
		case <-d.healthStop:
			return
		}
	}
}

// shutdown drains the daemon: stop accepting triggers and timers, let
// in-flight executions observe cancellation, stop workers, close the store.
// Idempotent; invoked by the request loop on SHUTDOWN or EOF.
func (d *Daemon) shutdown(ctx context.Context) {
	d.shutdownOnce.Do(func() {
		logger.Info("shutting down")
		close(d.healthStop)

		if d.triggers != nil {
			d.triggers.Close()
		}
		if d.approvals != nil {
			d.approvals.Stop()
		}
		if d.eng != nil {
			d.eng.Shutdown(ctx)
		}
		if d.sup != nil {
			d.sup.Stop(ctx)
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				logger.Errorw("closing store failed", "error", err)
			}
		}
		logger.Info("shutdown complete")
	})
}
