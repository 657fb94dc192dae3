// SPDX-FileCopyrightText: Copyright 2026 Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package events provides the in-process publish/subscribe bus used for
// workflow lifecycle notifications and trigger matching.
package events

import (
	"sync"
	"time"
)

// Lifecycle event tags published by the core. String values are used so
// they round-trip cleanly through JSON payloads.
const (
	// TagWorkflowStarted is published when an execution begins.
	TagWorkflowStarted = "workflow.started"

	// TagWorkflowCompleted is published when an execution completes.
	TagWorkflowCompleted = "workflow.completed"

	// TagWorkflowFailed is published when an execution fails.
	TagWorkflowFailed = "workflow.failed"

	// TagWorkflowPaused is published when an execution pauses for approval.
	TagWorkflowPaused = "workflow.paused"

	// TagStepStarted is published when a step begins execution.
	TagStepStarted = "step.started"

	// TagStepCompleted is published when a step finishes.
	TagStepCompleted = "step.completed"

	// TagApprovalRequested is published when an approval request is recorded.
	TagApprovalRequested = "approval.requested"

	// TagApprovalResolved is published when an approval decision is recorded.
	TagApprovalResolved = "approval.resolved"
)

// Event is a tagged payload delivered to subscribers.
type Event struct {
	// Tag identifies the event kind, e.g. "workflow.completed" or a
	// domain tag such as "contract.created".
	Tag string

	// Payload carries event data. Treated as read-only by subscribers.
	Payload map[string]any

	// Timestamp records when the event was published.
	Timestamp time.Time
}

// Handler consumes a single event. Handlers must not block; long work
// should be handed off to a goroutine by the subscriber.
type Handler func(Event)

// Bus is a minimal synchronous publish/subscribe bus. Publish delivers to
// every matching subscriber on the caller's goroutine so that lifecycle
// ordering is preserved (persist, then publish, then continue).
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
	all  []subscription
	next int
}

type subscription struct {
	id      int
	handler Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for a specific tag and returns an
// unsubscribe function.
func (b *Bus) Subscribe(tag string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	b.subs[tag] = append(b.subs[tag], subscription{id: id, handler: h})

	return func() { b.unsubscribe(tag, id) }
}

// SubscribeAll registers a handler for every published event and returns
// an unsubscribe function.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	b.all = append(b.all, subscription{id: id, handler: h})

	return func() { b.unsubscribe("", id) }
}

// Publish delivers the event to all subscribers of its tag plus wildcard
// subscribers. Delivery order within a tag follows subscription order.
func (b *Bus) Publish(tag string, payload map[string]any) {
	evt := Event{Tag: tag, Payload: payload, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[tag])+len(b.all))
	for _, s := range b.subs[tag] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.all {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

func (b *Bus) unsubscribe(tag string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tag == "" {
		b.all = removeSub(b.all, id)
		return
	}
	b.subs[tag] = removeSub(b.subs[tag], id)
}

func removeSub(subs []subscription, id int) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
