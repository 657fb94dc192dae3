// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor manages worker subprocesses: spawning, the READY
// handshake, restarts and graceful shutdown. Workers are opaque
// collaborators; the core only speaks the line protocol to them.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/ipc"
	"github.com/loomctl/loom/pkg/logger"
)

// ErrStartupTimeout indicates the worker did not publish READY in time.
var ErrStartupTimeout = errors.New("worker did not publish READY before the deadline")

// Process is one running worker subprocess.
type Process struct {
	role string
	cfg  config.WorkerConfig

	startupTimeout time.Duration
	shutdownGrace  time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	codec  *ipc.Codec
	doneCh chan struct{}

	healthy atomic.Bool
	stopped atomic.Bool
}

// NewProcess creates an unstarted worker process for the given role.
func NewProcess(role string, cfg config.WorkerConfig, startupTimeout, shutdownGrace time.Duration) *Process {
	return &Process{
		role:           role,
		cfg:            cfg,
		startupTimeout: startupTimeout,
		shutdownGrace:  shutdownGrace,
	}
}

// Role returns the worker role this process serves.
func (p *Process) Role() string {
	return p.role
}

// MaxInFlight returns the worker's declared concurrent request capacity.
func (p *Process) MaxInFlight() int {
	if p.cfg.MaxInFlight < 1 {
		return 1
	}
	return p.cfg.MaxInFlight
}

// Codec returns the protocol codec over the worker's stdio. Valid only
// after a successful Start.
func (p *Process) Codec() *ipc.Codec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.codec
}

// Start spawns the subprocess and waits for its READY record. If the
// record does not arrive within the startup timeout, the worker is killed
// and an error is returned.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning worker %s: %w", p.role, err)
	}

	p.cmd = cmd
	p.codec = ipc.NewCodec(stdout, stdin)
	p.doneCh = make(chan struct{})
	p.stopped.Store(false)

	go p.mirrorStderr(stderr)
	go func() {
		err := cmd.Wait()
		if err != nil && !p.stopped.Load() {
			logger.Warnw("worker exited", "role", p.role, "error", err)
		}
		p.healthy.Store(false)
		close(p.doneCh)
	}()

	if err := p.awaitReady(ctx); err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	p.healthy.Store(true)
	logger.Infow("worker ready", "role", p.role, "pid", cmd.Process.Pid)
	return nil
}

// awaitReady reads lines from the worker's stdout until a READY record
// arrives or the startup deadline passes.
func (p *Process) awaitReady(ctx context.Context) error {
	type readResult struct {
		ready bool
		err   error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		for {
			line, err := p.codec.ReadLine()
			if err != nil {
				resultCh <- readResult{err: fmt.Errorf("reading worker %s stdout: %w", p.role, err)}
				return
			}
			var record ipc.ReadyRecord
			if err := json.Unmarshal(line, &record); err == nil && record.Type == ipc.TypeReady {
				resultCh <- readResult{ready: true}
				return
			}
			// Anything before READY is noise; ignore it.
		}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return res.err
		}
		return nil
	case <-time.After(p.startupTimeout):
		return fmt.Errorf("%w: worker %s", ErrStartupTimeout, p.role)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mirrorStderr forwards the worker's structured diagnostics into the core log.
func (p *Process) mirrorStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		logger.Debugw("worker stderr", "role", p.role, "line", scanner.Text())
	}
}

// Alive reports whether the subprocess is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	done := p.doneCh
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the subprocess exits.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneCh
}

// RecordHealth stores the outcome of the most recent HEALTH_CHECK.
func (p *Process) RecordHealth(ok bool) {
	p.healthy.Store(ok)
}

// Healthy reports process liveness combined with the latest HEALTH_CHECK.
func (p *Process) Healthy() bool {
	return p.Alive() && p.healthy.Load()
}

// Stop sends a SHUTDOWN request and gives the worker a bounded graceful
// window before force-terminating it.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd := p.cmd
	codec := p.codec
	done := p.doneCh
	p.mu.Unlock()

	if cmd == nil || done == nil {
		return nil
	}
	p.stopped.Store(true)

	select {
	case <-done:
		return nil
	default:
	}

	req := &ipc.Request{
		ID:        uuid.New().String(),
		Type:      ipc.VerbShutdown,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := codec.WriteRecord(req); err != nil {
		logger.Debugw("shutdown write failed, killing worker", "role", p.role, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(p.shutdownGrace):
	case <-ctx.Done():
	}

	logger.Warnw("worker did not exit gracefully, killing", "role", p.role)
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing worker %s: %w", p.role, err)
	}
	<-done
	return nil
}
