// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package trigger starts workflows in response to published events. A
// binding maps an event tag to a workflow; the event payload seeds the
// initial execution context.
package trigger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/logger"
	"github.com/loomctl/loom/pkg/workflow"
)

// Starter is the trigger registry's view of the executor.
type Starter interface {
	StartWorkflow(ctx context.Context, workflowID string, initialContext map[string]any) (*workflow.Execution, error)
}

// Registry maps event tags to the workflows they launch.
type Registry struct {
	starter Starter

	mu       sync.RWMutex
	bindings map[string][]string

	unsubscribe func()
}

// NewRegistry creates a registry and subscribes it to the bus.
func NewRegistry(starter Starter, bus *events.Bus) *Registry {
	r := &Registry{
		starter:  starter,
		bindings: make(map[string][]string),
	}
	r.unsubscribe = bus.SubscribeAll(r.handle)
	return r
}

// Bind launches workflowID whenever an event with the given tag is
// published. Duplicate bindings collapse to one.
func (r *Registry) Bind(tag, workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.bindings[tag] {
		if existing == workflowID {
			return
		}
	}
	r.bindings[tag] = append(r.bindings[tag], workflowID)
	sort.Strings(r.bindings[tag])
}

// Unbind removes a binding. Missing bindings are ignored.
func (r *Registry) Unbind(tag, workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.bindings[tag][:0]
	for _, existing := range r.bindings[tag] {
		if existing != workflowID {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		delete(r.bindings, tag)
		return
	}
	r.bindings[tag] = kept
}

// Bindings returns the workflow IDs bound to a tag.
func (r *Registry) Bindings(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.bindings[tag]))
	copy(out, r.bindings[tag])
	return out
}

// All returns a copy of every binding, keyed by event tag.
func (r *Registry) All() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.bindings))
	for tag, ids := range r.bindings {
		copied := make([]string, len(ids))
		copy(copied, ids)
		out[tag] = copied
	}
	return out
}

// Close detaches the registry from the bus.
func (r *Registry) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// handle launches bound workflows off the publisher's goroutine. Bus
// handlers must not block, and a triggered workflow publishing its own
// lifecycle events must not recurse into the trigger path synchronously.
func (r *Registry) handle(evt events.Event) {
	workflowIDs := r.Bindings(evt.Tag)
	if len(workflowIDs) == 0 {
		return
	}

	initial := initialContextFrom(evt)
	for _, workflowID := range workflowIDs {
		go func(workflowID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			exec, err := r.starter.StartWorkflow(ctx, workflowID, initial)
			if err != nil {
				logger.Errorw("triggered workflow failed to start",
					"tag", evt.Tag, "workflow_id", workflowID, "error", err)
				return
			}
			logger.Infow("workflow triggered",
				"tag", evt.Tag, "workflow_id", workflowID, "execution_id", exec.ExecutionID)
		}(workflowID)
	}
}

// initialContextFrom projects an event into an initial execution context.
// Only scalar payload fields carry over; nested structures stay with the
// event. The trigger itself is recorded under reserved keys.
func initialContextFrom(evt events.Event) map[string]any {
	initial := make(map[string]any, len(evt.Payload)+2)
	for key, value := range evt.Payload {
		switch value.(type) {
		case string, bool, int, int64, float64:
			initial[key] = value
		}
	}
	initial["trigger_event"] = evt.Tag
	initial["trigger_timestamp"] = evt.Timestamp.UTC().Format(time.RFC3339Nano)
	return initial
}
