// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"log"
	"os"
	"sync"
	"time"
)

// EventType classifies a WorkflowEvent.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventStatus    EventType = "status"
	EventError     EventType = "error"
	EventComplete  EventType = "complete"
	EventHeartbeat EventType = "heartbeat"
)

// WorkflowEvent is a transient notification about a run. Events are not
// persisted.
type WorkflowEvent struct {
	WorkflowID string                 `json:"workflow_id"`
	Type       EventType              `json:"type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// NewWorkflowEvent stamps an event with the current time.
func NewWorkflowEvent(workflowID string, eventType EventType, payload map[string]interface{}) WorkflowEvent {
	return WorkflowEvent{
		WorkflowID: workflowID,
		Type:       eventType,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// EventHandler receives events for one workflow. Handlers are called
// synchronously from the publisher and should not block.
type EventHandler func(WorkflowEvent)

// Broadcaster is an in-process pub/sub of WorkflowEvents keyed by workflow id.
//
// Without a replay buffer a subscriber only sees events published after it
// subscribed. WithReplayBuffer keeps the last n events per workflow and
// delivers them to new subscribers before any live event.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]map[uint64]*subscriber
	replay      map[string][]WorkflowEvent
	replaySize  int
	nextID      uint64
	logger      *log.Logger
}

type subscriber struct {
	mu      sync.Mutex // serializes delivery to one handler
	handler EventHandler
}

// BroadcasterOption configures the Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithReplayBuffer keeps the last n events of each workflow for late subscribers.
func WithReplayBuffer(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.replaySize = n
		}
	}
}

// WithBroadcasterLogger sets the logger.
func WithBroadcasterLogger(l *log.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = l
	}
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		subscribers: make(map[string]map[uint64]*subscriber),
		replay:      make(map[string][]WorkflowEvent),
		logger:      log.New(os.Stdout, "[EVENTS] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for events of workflowID and returns a
// function that removes it. The returned function is idempotent.
func (b *Broadcaster) Subscribe(workflowID string, handler EventHandler) func() {
	sub := &subscriber{handler: handler}

	// Hold the subscriber lock until the backlog is delivered so live
	// events queue behind it.
	sub.mu.Lock()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subscribers[workflowID] == nil {
		b.subscribers[workflowID] = make(map[uint64]*subscriber)
	}
	b.subscribers[workflowID][id] = sub
	backlog := append([]WorkflowEvent(nil), b.replay[workflowID]...)
	b.mu.Unlock()

	for _, ev := range backlog {
		b.deliver(sub, ev, false)
	}
	sub.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers[workflowID], id)
			if len(b.subscribers[workflowID]) == 0 {
				delete(b.subscribers, workflowID)
			}
		})
	}
}

// Publish delivers event to every current subscriber of event.WorkflowID.
// A panicking handler is logged and does not affect the others.
func (b *Broadcaster) Publish(event WorkflowEvent) {
	b.mu.Lock()
	if b.replaySize > 0 && event.Type != EventHeartbeat {
		buf := append(b.replay[event.WorkflowID], event)
		if len(buf) > b.replaySize {
			buf = append([]WorkflowEvent(nil), buf[len(buf)-b.replaySize:]...)
		}
		b.replay[event.WorkflowID] = buf
	}
	subs := make([]*subscriber, 0, len(b.subscribers[event.WorkflowID]))
	for _, sub := range b.subscribers[event.WorkflowID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, event, true)
	}
}

func (b *Broadcaster) deliver(sub *subscriber, event WorkflowEvent, lock bool) {
	if lock {
		sub.mu.Lock()
		defer sub.mu.Unlock()
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("Handler panic for workflow %s (%s event): %v", event.WorkflowID, event.Type, r)
		}
	}()
	sub.handler(event)
}

// SubscriberCount returns the number of handlers registered for workflowID.
func (b *Broadcaster) SubscriberCount(workflowID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[workflowID])
}

// Forget drops the replay buffer of workflowID.
func (b *Broadcaster) Forget(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.replay, workflowID)
}
