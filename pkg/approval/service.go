// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package approval implements the human-in-the-loop decision service:
// durable approval requests, idempotent resolution, FAIL timeout timers
// and the resume hook back into the executor.
package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	loomerr "github.com/loomctl/loom/pkg/errors"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/logger"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/workflow"
)

// Resumer revives a parked execution after its approval resolves.
type Resumer func(ctx context.Context, executionID string) error

// Service coordinates approval requests between the executor and external
// decision makers.
type Service struct {
	store storage.Store
	bus   *events.Bus

	mu     sync.Mutex
	timers map[string]*time.Timer

	resume Resumer
}

// NewService creates the approval service.
func NewService(store storage.Store, bus *events.Bus) *Service {
	return &Service{
		store:  store,
		bus:    bus,
		timers: make(map[string]*time.Timer),
	}
}

// SetResumer wires the executor's resume entry point. Must be called before
// any resolution can arrive.
func (s *Service) SetResumer(r Resumer) {
	s.resume = r
}

// Existing returns the approval request for (execution, step), or nil when
// none was ever recorded.
func (s *Service) Existing(ctx context.Context, executionID, stepID string) (*workflow.ApprovalRequest, error) {
	req, err := s.store.GetApproval(ctx, executionID, stepID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Request durably records a new approval request. The record is persisted
// before the caller acknowledges anything, so a crash cannot lose it. A
// FAIL timeout policy arms a timer that resolves the request as a system
// REJECT when it fires.
func (s *Service) Request(ctx context.Context, req *workflow.ApprovalRequest, policy workflow.TimeoutPolicy, timeoutMs int) error {
	err := s.store.CreateApproval(ctx, req)
	if errors.Is(err, storage.ErrAlreadyExists) {
		// A crash between persist and pause can replay the request.
		return nil
	}
	if err != nil {
		return err
	}

	if policy == workflow.TimeoutPolicyFail && timeoutMs > 0 {
		s.armTimer(req.ExecutionID, req.StepID, time.Duration(timeoutMs)*time.Millisecond)
	}
	return nil
}

// Resolve records a decision and resumes the parked execution. Resolution
// is idempotent: a second decision for the same request returns
// storage.ErrAlreadyResolved and changes nothing.
func (s *Service) Resolve(ctx context.Context, executionID, stepID, decision, actorID, comment string) (bool, error) {
	if decision == "" || actorID == "" {
		return false, loomerr.New(loomerr.CodeApprovalError, "decision and actor_id are required")
	}

	req, err := s.store.GetApproval(ctx, executionID, stepID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, loomerr.Newf(loomerr.CodeNotFound,
			"no approval request for execution %s step %s", executionID, stepID)
	}
	if err != nil {
		return false, err
	}

	if actorID != workflow.SystemTimeoutActor && !slices.Contains(req.AllowedActions, decision) {
		return false, loomerr.Newf(loomerr.CodeApprovalError,
			"decision %q is not among allowed actions %v", decision, req.AllowedActions)
	}

	if err := s.store.ResolveApproval(ctx, executionID, stepID, decision, actorID, comment); err != nil {
		return false, err
	}
	s.cancelTimer(executionID, stepID)

	s.bus.Publish(events.TagApprovalResolved, map[string]any{
		"execution_id": executionID,
		"step_id":      stepID,
		"decision":     decision,
		"actor_id":     actorID,
	})
	logger.Infow("approval resolved",
		"execution_id", executionID, "step_id", stepID, "decision", decision, "actor_id", actorID)

	return s.resumeExecution(ctx, executionID), nil
}

// Pending returns all unresolved approval requests, oldest first.
func (s *Service) Pending(ctx context.Context) ([]*workflow.ApprovalRequest, error) {
	return s.store.ListPendingApprovals(ctx)
}

// RearmTimers restores FAIL timeout timers for approvals that were pending
// when the process last stopped. Timers whose deadline already passed fire
// immediately.
func (s *Service) RearmTimers(ctx context.Context) error {
	pending, err := s.store.ListPendingApprovals(ctx)
	if err != nil {
		return fmt.Errorf("listing pending approvals: %w", err)
	}

	for _, req := range pending {
		step, err := s.lookupStep(ctx, req)
		if err != nil {
			logger.Warnw("cannot restore approval timer",
				"execution_id", req.ExecutionID, "step_id", req.StepID, "error", err)
			continue
		}
		if step.TimeoutPolicy != workflow.TimeoutPolicyFail || step.TimeoutMs <= 0 {
			continue
		}

		remaining := time.Until(req.RequestedAt.Add(time.Duration(step.TimeoutMs) * time.Millisecond))
		if remaining < 0 {
			remaining = 0
		}
		s.armTimer(req.ExecutionID, req.StepID, remaining)
	}
	return nil
}

// Stop cancels all armed timers. Pending approvals stay durable; timers
// re-arm on the next start.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}

func (s *Service) lookupStep(ctx context.Context, req *workflow.ApprovalRequest) (*workflow.Step, error) {
	exec, err := s.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	def, err := s.store.GetDefinition(ctx, exec.WorkflowID)
	if err != nil {
		return nil, err
	}
	step, ok := def.StepByID(req.StepID)
	if !ok {
		return nil, fmt.Errorf("step %s not in workflow %s", req.StepID, exec.WorkflowID)
	}
	return step, nil
}

func (s *Service) armTimer(executionID, stepID string, d time.Duration) {
	key := timerKey(executionID, stepID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[key]; ok {
		old.Stop()
	}
	s.timers[key] = time.AfterFunc(d, func() {
		s.fireTimeout(executionID, stepID)
	})
}

func (s *Service) cancelTimer(executionID, stepID string) {
	key := timerKey(executionID, stepID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
}

// fireTimeout resolves an expired approval as a system REJECT. Idempotent
// resolution makes the race against a concurrent human decision harmless.
func (s *Service) fireTimeout(executionID, stepID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.Resolve(ctx, executionID, stepID,
		workflow.DecisionReject, workflow.SystemTimeoutActor, "approval timed out")
	if err != nil && !errors.Is(err, storage.ErrAlreadyResolved) {
		logger.Errorw("approval timeout resolution failed",
			"execution_id", executionID, "step_id", stepID, "error", err)
		return
	}
	if err == nil {
		logger.Warnw("approval timed out, rejected by system",
			"execution_id", executionID, "step_id", stepID)
	}
}

func (s *Service) resumeExecution(ctx context.Context, executionID string) bool {
	if s.resume == nil {
		return false
	}
	if err := s.resume(ctx, executionID); err != nil {
		logger.Warnw("execution did not resume after approval",
			"execution_id", executionID, "error", err)
		return false
	}
	return true
}

func timerKey(executionID, stepID string) string {
	return executionID + "/" + stepID
}
