// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"io"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	opts = append(opts, WithBroadcasterLogger(log.New(io.Discard, "", 0)))
	return NewBroadcaster(opts...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []WorkflowEvent
}

func (r *eventRecorder) handle(ev WorkflowEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := quietBroadcaster()
	rec := &eventRecorder{}
	unsubscribe := b.Subscribe("wf-1", rec.handle)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		b.Publish(NewWorkflowEvent("wf-1", EventProgress, map[string]interface{}{"step": i}))
	}
	b.Publish(NewWorkflowEvent("wf-2", EventProgress, nil))
	b.Publish(NewWorkflowEvent("wf-1", EventComplete, map[string]interface{}{"success": true}))

	require.Len(t, rec.events, 6)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, rec.events[i].Payload["step"])
	}
	assert.Equal(t, EventComplete, rec.events[5].Type)
}

func TestBroadcasterHandlerPanicIsolated(t *testing.T) {
	b := quietBroadcaster()
	good := &eventRecorder{}

	b.Subscribe("wf-1", func(WorkflowEvent) { panic("handler bug") })
	b.Subscribe("wf-1", good.handle)

	assert.NotPanics(t, func() {
		b.Publish(NewWorkflowEvent("wf-1", EventStatus, nil))
		b.Publish(NewWorkflowEvent("wf-1", EventComplete, nil))
	})
	assert.Equal(t, []EventType{EventStatus, EventComplete}, good.types())
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := quietBroadcaster()
	rec := &eventRecorder{}

	unsubscribe := b.Subscribe("wf-1", rec.handle)
	assert.Equal(t, 1, b.SubscriberCount("wf-1"))

	b.Publish(NewWorkflowEvent("wf-1", EventProgress, nil))
	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, b.SubscriberCount("wf-1"))

	b.Publish(NewWorkflowEvent("wf-1", EventProgress, nil))
	assert.Len(t, rec.types(), 1)
}

func TestBroadcasterNoReplayByDefault(t *testing.T) {
	b := quietBroadcaster()
	b.Publish(NewWorkflowEvent("wf-1", EventStatus, nil))

	rec := &eventRecorder{}
	b.Subscribe("wf-1", rec.handle)
	assert.Empty(t, rec.types())
}

func TestBroadcasterReplayBuffer(t *testing.T) {
	b := quietBroadcaster(WithReplayBuffer(2))

	b.Publish(NewWorkflowEvent("wf-1", EventStatus, nil))
	b.Publish(NewWorkflowEvent("wf-1", EventProgress, nil))
	b.Publish(NewWorkflowEvent("wf-1", EventHeartbeat, nil))
	b.Publish(NewWorkflowEvent("wf-1", EventComplete, nil))

	rec := &eventRecorder{}
	b.Subscribe("wf-1", rec.handle)
	assert.Equal(t, []EventType{EventProgress, EventComplete}, rec.types(), "last two, heartbeats skipped")

	b.Forget("wf-1")
	late := &eventRecorder{}
	b.Subscribe("wf-1", late.handle)
	assert.Empty(t, late.types())
}

func TestBroadcasterConcurrentPublishers(t *testing.T) {
	b := quietBroadcaster()
	rec := &eventRecorder{}
	b.Subscribe("wf-1", rec.handle)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(NewWorkflowEvent("wf-1", EventProgress, nil))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, rec.types(), 500)
}
