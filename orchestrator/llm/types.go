// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"time"
)

// Role tags a chat message with its author.
type Role string

// Standard chat roles understood by OpenAI-compatible gateways.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged entry of a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Default request parameters, matching what the gateway used historically.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
	DefaultTimeout     = 60 * time.Second
)

// CompletionOptions tunes a single Complete call.
type CompletionOptions struct {
	// Temperature controls randomness (0.0 = deterministic).
	// Nil means DefaultTemperature.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens limits the response length. If 0, DefaultMaxTokens is used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Timeout bounds each individual attempt. If 0, the gateway default is used.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Model overrides the model selector sent to the provider.
	// When empty the pair's endpoint reference is used.
	Model string `json:"model,omitempty"`
}

// Float returns a pointer to v, for optional float fields.
func Float(v float64) *float64 {
	return &v
}

// CompletionRequest is what the gateway hands to a Transport for one attempt.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// CompletionResponse is the normalized answer returned by a Transport.
type CompletionResponse struct {
	// Content is the generated text.
	Content string `json:"content"`

	// Model is the model reported by the provider.
	Model string `json:"model"`

	// FinishReason indicates why generation stopped (e.g. "stop", "length").
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResult is the outcome of a successful Gateway.Complete call.
type CompletionResult struct {
	CompletionResponse

	// PairID identifies the key/endpoint pair that served the request.
	PairID string `json:"pair_id"`

	// Attempts is the number of attempts made, including the successful one.
	Attempts int `json:"attempts"`

	// Latency is the duration of the successful attempt.
	Latency time.Duration `json:"latency"`
}
