// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import "context"

// Recorder persists token usage and answers per-owner summaries.
type Recorder interface {
	RecordLLMRequest(ctx context.Context, event LLMRequestEvent) error
	Summary(ctx context.Context, ownerID string) (*Summary, error)
}

// LLMRequestEvent is one successful model call made on behalf of a workflow step
type LLMRequestEvent struct {
	OwnerID          string
	WorkflowID       string // Optional: empty for calls outside a workflow
	StepName         string
	PairID           string // Key/endpoint pair that served the call
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMs        int64
	Attempts         int
}

// Summary aggregates an owner's usage
type Summary struct {
	OwnerID          string        `json:"owner_id"`
	Requests         int64         `json:"requests"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	TotalTokens      int64         `json:"total_tokens"`
	PerPair          []PairSummary `json:"per_pair"`
}

// PairSummary is the slice of a Summary served by one pair
type PairSummary struct {
	PairID           string `json:"pair_id"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

func (s *Summary) add(p PairSummary) {
	s.Requests += p.Requests
	s.PromptTokens += p.PromptTokens
	s.CompletionTokens += p.CompletionTokens
	s.TotalTokens += p.TotalTokens
	s.PerPair = append(s.PerPair, p)
}
