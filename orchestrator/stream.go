// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const (
	// DefaultHeartbeatInterval keeps idle streams alive through proxies.
	DefaultHeartbeatInterval = 30 * time.Second

	// streamBufferSize is how many events a slow client may fall behind
	// before events are dropped for it.
	streamBufferSize = 256
)

// streamHandler serves GET /api/v1/workflows/{id}/stream as server-sent
// events. The stream opens with a "connected" status event and closes after
// the run's complete event or when the client goes away.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, ok := s.ownedRun(w, r, id)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendErrorResponse(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	events := make(chan WorkflowEvent, streamBufferSize)
	unsubscribe := s.engine.Broadcaster().Subscribe(id, func(ev WorkflowEvent) {
		select {
		case events <- ev:
		default:
			log.Printf("[STREAM] Dropping %s event for workflow %s: client too slow", ev.Type, id)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	promStreamClients.Inc()
	defer promStreamClients.Dec()

	if err := writeEvent(w, flusher, NewWorkflowEvent(id, EventStatus, map[string]interface{}{
		"status":  "connected",
		"message": "Connected to workflow stream",
	})); err != nil {
		return
	}

	// Re-read after subscribing so a run that finished in between is not missed.
	if current, err := s.engine.GetStatus(r.Context(), id); err == nil {
		run = current
	} else if errors.Is(err, ErrWorkflowNotFound) {
		return
	}
	if run.Status.IsTerminal() {
		_ = writeEvent(w, flusher, terminalEvent(run))
		return
	}

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := writeEvent(w, flusher, ev); err != nil {
				return
			}
			if ev.Type == EventComplete {
				return
			}
		case <-heartbeat.C:
			if err := writeEvent(w, flusher, NewWorkflowEvent(id, EventHeartbeat, nil)); err != nil {
				return
			}
		}
	}
}

// terminalEvent is the complete event sent to clients that attach after a
// run has finished.
func terminalEvent(run *WorkflowRun) WorkflowEvent {
	payload := map[string]interface{}{
		"success": run.Status == StatusCompleted,
		"status":  string(run.Status),
	}
	if run.Status == StatusCancelled {
		payload["cancelled"] = true
	}
	if run.Error != "" {
		payload["error"] = run.Error
	}
	return NewWorkflowEvent(run.ID, EventComplete, payload)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev WorkflowEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
