// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/config"
	loomerr "github.com/loomctl/loom/pkg/errors"
	"github.com/loomctl/loom/pkg/ipc"
	"github.com/loomctl/loom/pkg/logger"
	"github.com/loomctl/loom/pkg/supervisor"
)

// roleBroadcast is the routing sentinel for operations that fan out to
// every worker.
const roleBroadcast = "*"

// builtinRoutes is the deterministic operation-to-worker mapping. Config
// route overrides take precedence; anything unmapped goes to the python
// worker.
var builtinRoutes = map[string]string{
	ipc.VerbPythonTask:      config.WorkerPython,
	ipc.VerbExternalAPICall: config.WorkerNetwork,
	"LIST_PROVIDERS":        config.WorkerNetwork,
	"GET_PROVIDER_INFO":     config.WorkerNetwork,
	"SAVE_CREDENTIAL":       config.WorkerNetwork,
	"DELETE_CREDENTIAL":     config.WorkerNetwork,
	"GET_RATE_LIMIT_STATUS": config.WorkerNetwork,
	"GET_METRICS":           config.WorkerNetwork,
	ipc.VerbPing:            roleBroadcast,
	ipc.VerbHealthCheck:     roleBroadcast,
	ipc.VerbGetStatus:       roleBroadcast,
	ipc.VerbShutdown:        roleBroadcast,
}

// Dispatcher maps operations to workers and performs the calls.
type Dispatcher struct {
	cfg *config.Config
	sup *supervisor.Supervisor

	mu      sync.RWMutex
	clients map[string]*Client
}

// New creates a dispatcher and attaches a client to every live worker.
// It registers itself for supervisor exit/restart notifications.
func New(cfg *config.Config, sup *supervisor.Supervisor) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		sup:     sup,
		clients: make(map[string]*Client),
	}

	sup.OnExit(func(role string) {
		d.mu.Lock()
		delete(d.clients, role)
		d.mu.Unlock()
	})
	sup.OnRestart(func(role string, proc *supervisor.Process) {
		d.mu.Lock()
		d.clients[role] = NewClient(proc, cfg.RequestTimeout)
		d.mu.Unlock()
		logger.Infow("dispatcher re-attached to restarted worker", "role", role)
	})

	for _, role := range sup.Roles() {
		if proc, ok := sup.Get(role); ok {
			d.clients[role] = NewClient(proc, cfg.RequestTimeout)
		}
	}
	return d
}

// RouteFor resolves the worker role serving an operation.
func (d *Dispatcher) RouteFor(operation string) string {
	if role, ok := d.cfg.RouteOverrides[operation]; ok {
		return role
	}
	if role, ok := builtinRoutes[operation]; ok {
		return role
	}
	// Unknown operations go to the python worker.
	return config.WorkerPython
}

// Dispatch routes one operation to its worker and returns the result.
func (d *Dispatcher) Dispatch(ctx context.Context, operation string, payload map[string]any) (map[string]any, error) {
	role := d.RouteFor(operation)
	if role == roleBroadcast {
		return d.Broadcast(ctx, operation, payload), nil
	}

	client, ok := d.client(role)
	if !ok {
		return nil, loomerr.Newf(loomerr.CodeWorkerDead, "no worker serves role %s", role)
	}
	return client.Call(ctx, operation, payload)
}

// Broadcast sends the operation to every worker and aggregates per-role
// results. Individual failures do not abort the fan-out.
func (d *Dispatcher) Broadcast(ctx context.Context, operation string, payload map[string]any) map[string]any {
	d.mu.RLock()
	clients := make(map[string]*Client, len(d.clients))
	for role, c := range d.clients {
		clients[role] = c
	}
	d.mu.RUnlock()

	results := make(map[string]any, len(clients))
	var wg sync.WaitGroup
	var resultsMu sync.Mutex

	for role, client := range clients {
		wg.Add(1)
		go func(role string, client *Client) {
			defer wg.Done()
			result, err := client.Call(ctx, operation, payload)
			resultsMu.Lock()
			defer resultsMu.Unlock()
			if err != nil {
				results[role] = map[string]any{"error": err.Error()}
				return
			}
			results[role] = result
		}(role, client)
	}
	wg.Wait()
	return results
}

// HealthCheckAll probes every worker and records the outcome with the
// supervisor. Called periodically by the daemon.
func (d *Dispatcher) HealthCheckAll(ctx context.Context) {
	for _, role := range d.sup.Roles() {
		proc, ok := d.sup.Get(role)
		if !ok {
			continue
		}
		client, attached := d.client(role)
		if !attached {
			proc.RecordHealth(false)
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := client.Call(checkCtx, ipc.VerbHealthCheck, nil)
		cancel()
		proc.RecordHealth(err == nil)
		if err != nil {
			logger.Warnw("worker health check failed", "role", role, "error", err)
		}
	}
}

func (d *Dispatcher) client(role string) (*Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[role]
	return c, ok
}
