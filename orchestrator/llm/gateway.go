// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"time"
)

// Gateway defaults.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 1000 * time.Millisecond
)

// GatewayConfig configures the Gateway. Zero values select the defaults.
type GatewayConfig struct {
	// MaxRetries is the total number of attempts per Complete call.
	MaxRetries int

	// BackoffBase is the delay after the first failed attempt; the delay
	// after attempt i (0-based) is BackoffBase * 2^i.
	BackoffBase time.Duration

	// Timeout bounds each attempt unless the call overrides it.
	Timeout time.Duration

	// Logger is the logger to use. If nil, a default logger is created.
	Logger *log.Logger
}

// Gateway performs one logical chat completion with failover across pairs.
// It is stateless with respect to workflows; every attempt updates the
// balancer's health and usage state.
type Gateway struct {
	balancer    *LoadBalancer
	transport   Transport
	maxRetries  int
	backoffBase time.Duration
	timeout     time.Duration
	logger      *log.Logger

	// sleep waits between attempts; it returns early with ctx.Err().
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a gateway over the given balancer and transport.
func NewGateway(balancer *LoadBalancer, transport Transport, cfg GatewayConfig) *Gateway {
	g := &Gateway{
		balancer:    balancer,
		transport:   transport,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger,
		sleep:       sleepContext,
	}

	if g.maxRetries <= 0 {
		g.maxRetries = DefaultMaxRetries
	}
	if g.backoffBase <= 0 {
		g.backoffBase = DefaultBackoffBase
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.logger == nil {
		g.logger = log.New(os.Stdout, "[GATEWAY] ", log.LstdFlags)
	}

	return g
}

// Balancer returns the underlying load balancer.
func (g *Gateway) Balancer() *LoadBalancer {
	return g.balancer
}

// Complete asks the model for a completion of messages.
//
// Each attempt selects a pair, calls the transport under a per-attempt
// deadline, and on failure reports the pair to the balancer and backs off
// before the next attempt. After MaxRetries failures it returns an
// AllProvidersExhaustedError wrapping the last attempt's error. An empty
// pool fails immediately with NoAvailablePairsError, and cancellation of ctx
// is returned as ctx.Err() without penalizing the pair in use.
func (g *Gateway) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (*CompletionResult, error) {
	req := CompletionRequest{
		Messages:    messages,
		Model:       opts.Model,
		Temperature: DefaultTemperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}

	var lastErr error
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pair, err := g.balancer.Select()
		if err != nil {
			return nil, err
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := g.transport.ChatCompletion(attemptCtx, pair, req)
		cancel()
		elapsed := time.Since(start)
		promAttemptDuration.Observe(float64(elapsed.Milliseconds()))

		if err == nil {
			err = validateResponse(pair.ID, resp)
		}

		if err == nil {
			g.balancer.ReportSuccess(pair.ID)
			promAttempts.WithLabelValues("success").Inc()
			return &CompletionResult{
				CompletionResponse: *resp,
				PairID:             pair.ID,
				Attempts:           attempt + 1,
				Latency:            elapsed,
			}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			promAttempts.WithLabelValues("cancelled").Inc()
			return nil, ctxErr
		}

		lastErr = asProviderCallError(pair.ID, err)
		g.balancer.ReportFailure(pair.ID)
		promAttempts.WithLabelValues("failure").Inc()
		g.logger.Printf("Attempt %d/%d via %s failed after %dms: %v",
			attempt+1, g.maxRetries, pair.ID, elapsed.Milliseconds(), lastErr)

		if attempt < g.maxRetries-1 {
			delay := g.backoffBase * time.Duration(1<<uint(attempt))
			if err := g.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, &AllProvidersExhaustedError{Attempts: g.maxRetries, Last: lastErr}
}

func validateResponse(pairID string, resp *CompletionResponse) error {
	if resp == nil {
		return &ProviderCallError{PairID: pairID, Message: "nil response"}
	}
	if strings.TrimSpace(resp.Content) == "" {
		return &ProviderCallError{PairID: pairID, Message: "empty completion content"}
	}
	return nil
}

func asProviderCallError(pairID string, err error) error {
	var callErr *ProviderCallError
	if errors.As(err, &callErr) {
		return err
	}
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "attempt timed out"
	}
	return &ProviderCallError{PairID: pairID, Message: msg, Cause: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
