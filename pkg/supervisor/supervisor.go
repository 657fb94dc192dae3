// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/logger"
)

// maxRestarts caps automatic restarts per worker between manual restarts.
const maxRestarts = 3

// restartDelay is the pause before relaunching a crashed worker.
const restartDelay = time.Second

// ExitListener is notified when a worker exits unexpectedly, before any
// restart attempt. The dispatcher uses this to fail outstanding requests.
type ExitListener func(role string)

// RestartListener is notified after a worker restarts successfully, so the
// dispatcher can re-attach to the fresh process.
type RestartListener func(role string, proc *Process)

// Supervisor owns the set of worker subprocesses.
type Supervisor struct {
	cfg *config.Config

	mu        sync.RWMutex
	processes map[string]*Process
	restarts  map[string]int

	onExit    ExitListener
	onRestart RestartListener

	stopping bool
}

// New creates a supervisor for the workers declared in cfg.
func New(cfg *config.Config) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		processes: make(map[string]*Process),
		restarts:  make(map[string]int),
	}
}

// OnExit registers the unexpected-exit listener.
func (s *Supervisor) OnExit(l ExitListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = l
}

// OnRestart registers the restart listener.
func (s *Supervisor) OnRestart(l RestartListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRestart = l
}

// Start launches every configured worker and completes their READY
// handshakes. Roles start in sorted order so startup logs are stable.
func (s *Supervisor) Start(ctx context.Context) error {
	roles := make([]string, 0, len(s.cfg.Workers))
	for role := range s.cfg.Workers {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		proc := NewProcess(role, s.cfg.Workers[role], s.cfg.StartupTimeout, s.cfg.ShutdownGrace)
		if err := proc.Start(ctx); err != nil {
			// Mark stopping first so the watchers of already-started
			// workers do not relaunch them.
			s.mu.Lock()
			s.stopping = true
			s.mu.Unlock()

			stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
			s.stopAll(stopCtx)
			cancel()
			return fmt.Errorf("starting worker %s: %w", role, err)
		}

		s.mu.Lock()
		s.processes[role] = proc
		s.mu.Unlock()

		go s.watch(role, proc)
	}
	return nil
}

// watch restarts a crashed worker with a capped attempt budget.
func (s *Supervisor) watch(role string, proc *Process) {
	<-proc.Done()

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.restarts[role]++
	attempts := s.restarts[role]
	onExit := s.onExit
	s.mu.Unlock()

	if onExit != nil {
		onExit(role)
	}

	if attempts > maxRestarts {
		logger.Errorw("worker exceeded restart budget, giving up", "role", role, "attempts", attempts)
		return
	}

	logger.Warnw("restarting worker", "role", role, "attempt", attempts)
	time.Sleep(restartDelay)

	fresh := NewProcess(role, s.cfg.Workers[role], s.cfg.StartupTimeout, s.cfg.ShutdownGrace)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartupTimeout)
	defer cancel()
	if err := fresh.Start(ctx); err != nil {
		logger.Errorw("worker restart failed", "role", role, "error", err)
		return
	}

	s.mu.Lock()
	s.processes[role] = fresh
	onRestart := s.onRestart
	s.mu.Unlock()

	if onRestart != nil {
		onRestart(role, fresh)
	}
	go s.watch(role, fresh)
}

// Get returns the process currently serving a role.
func (s *Supervisor) Get(role string) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proc, ok := s.processes[role]
	return proc, ok
}

// Roles returns the roles with a live process, sorted.
func (s *Supervisor) Roles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roles := make([]string, 0, len(s.processes))
	for role := range s.processes {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Stop gracefully stops all workers.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.stopAll(ctx)
}

func (s *Supervisor) stopAll(ctx context.Context) {
	s.mu.RLock()
	procs := make([]*Process, 0, len(s.processes))
	for _, proc := range s.processes {
		procs = append(procs, proc)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				logger.Errorw("worker stop failed", "role", p.Role(), "error", err)
			}
		}(proc)
	}
	wg.Wait()
}
