// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultVanchinBaseURL is the OpenAI-compatible gateway the pairs route through.
const DefaultVanchinBaseURL = "https://vanchin.streamlake.ai/api/gateway/v1/endpoints"

// Transport performs one chat completion attempt against a specific pair.
// Implementations must be safe for concurrent use. Any returned error is
// treated as a failed attempt by the gateway.
type Transport interface {
	ChatCompletion(ctx context.Context, pair KeyEndpointPair, req CompletionRequest) (*CompletionResponse, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, pair KeyEndpointPair, req CompletionRequest) (*CompletionResponse, error)

// ChatCompletion calls f.
func (f TransportFunc) ChatCompletion(ctx context.Context, pair KeyEndpointPair, req CompletionRequest) (*CompletionResponse, error) {
	return f(ctx, pair, req)
}

// VanchinTransport talks to the OpenAI-compatible Vanchin gateway. The pair's
// endpoint reference is sent as the model selector unless the request names
// one explicitly. SDK-level retries are disabled; the Gateway owns retry.
type VanchinTransport struct {
	baseURL    string
	httpClient *http.Client
	clients    map[string]*openai.Client
	mu         sync.Mutex
}

// VanchinOption configures the VanchinTransport.
type VanchinOption func(*VanchinTransport)

// WithHTTPClient sets the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) VanchinOption {
	return func(t *VanchinTransport) {
		t.httpClient = c
	}
}

// NewVanchinTransport creates a transport for the given base URL.
// An empty baseURL selects DefaultVanchinBaseURL.
func NewVanchinTransport(baseURL string, opts ...VanchinOption) *VanchinTransport {
	if baseURL == "" {
		baseURL = DefaultVanchinBaseURL
	}
	t := &VanchinTransport{
		baseURL: baseURL,
		clients: make(map[string]*openai.Client),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ChatCompletion implements Transport.
func (t *VanchinTransport) ChatCompletion(ctx context.Context, pair KeyEndpointPair, req CompletionRequest) (*CompletionResponse, error) {
	client := t.clientFor(pair)

	model := req.Model
	if model == "" {
		model = pair.EndpointRef
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: convertMessages(req.Messages),
	}
	params.Temperature = openai.Float(req.Temperature)
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		callErr := &ProviderCallError{PairID: pair.ID, Message: err.Error(), Cause: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			callErr.StatusCode = apiErr.StatusCode
		}
		return nil, callErr
	}

	if len(completion.Choices) == 0 {
		return nil, &ProviderCallError{PairID: pair.ID, Message: "response contained no choices"}
	}

	choice := completion.Choices[0]
	return &CompletionResponse{
		Content:      choice.Message.Content,
		Model:        completion.Model,
		FinishReason: string(choice.FinishReason),
		Usage: UsageStats{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

// clientFor returns the cached SDK client of a pair, creating it on first use.
func (t *VanchinTransport) clientFor(pair KeyEndpointPair) *openai.Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[pair.ID]; ok {
		return c
	}

	opts := []option.RequestOption{
		option.WithAPIKey(pair.Credential),
		option.WithBaseURL(t.baseURL),
		option.WithMaxRetries(0),
	}
	if t.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(t.httpClient))
	}

	c := openai.NewClient(opts...)
	t.clients[pair.ID] = &c
	return &c
}

func convertMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			result = append(result, openai.AssistantMessage(msg.Content))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

// String describes the transport for logs.
func (t *VanchinTransport) String() string {
	return fmt.Sprintf("vanchin(%s)", t.baseURL)
}
