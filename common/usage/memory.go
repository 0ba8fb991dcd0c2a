// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"sort"
	"sync"
)

// InMemoryRecorder keeps running totals per owner and pair. Used when no
// database is configured; totals do not survive a restart.
type InMemoryRecorder struct {
	mu     sync.RWMutex
	totals map[string]map[string]*PairSummary
}

// NewInMemoryRecorder creates an empty recorder.
func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{
		totals: make(map[string]map[string]*PairSummary),
	}
}

// RecordLLMRequest adds the event to the owner's totals.
func (r *InMemoryRecorder) RecordLLMRequest(_ context.Context, event LLMRequestEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byPair, ok := r.totals[event.OwnerID]
	if !ok {
		byPair = make(map[string]*PairSummary)
		r.totals[event.OwnerID] = byPair
	}

	p, ok := byPair[event.PairID]
	if !ok {
		p = &PairSummary{PairID: event.PairID}
		byPair[event.PairID] = p
	}

	p.Requests++
	p.PromptTokens += int64(event.PromptTokens)
	p.CompletionTokens += int64(event.CompletionTokens)
	p.TotalTokens += int64(event.TotalTokens)
	return nil
}

// Summary returns the owner's totals ordered by pair id.
func (r *InMemoryRecorder) Summary(_ context.Context, ownerID string) (*Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := &Summary{OwnerID: ownerID, PerPair: []PairSummary{}}
	byPair := r.totals[ownerID]

	ids := make([]string, 0, len(byPair))
	for id := range byPair {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		summary.add(*byPair[id])
	}
	return summary, nil
}
