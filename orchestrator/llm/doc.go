// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package llm is the AI request path used by the agent pipeline.

# Overview

Every model call made by a workflow step goes through three pieces:

  - KeyPool: the fixed set of key/endpoint pairs loaded at startup
  - LoadBalancer: picks a pair per call and tracks its health and usage
  - Gateway: performs one logical chat completion with failover

# Key Pool

Pairs are loaded once, from numbered environment variables, a YAML file or
an AWS Secrets Manager secret:

	VANCHIN_API_KEY_1=sk-...
	VANCHIN_ENDPOINT_1=ep-...
	VANCHIN_API_KEY_2=sk-...
	VANCHIN_ENDPOINT_2=ep-...

Scanning stops at the first missing index. An empty pool is a
ConfigurationError and the service refuses to start.

# Load Balancing

Two strategies are supported, selected with LLM_ROUTING_STRATEGY:

  - round_robin: cycles through the healthy pairs (default)
  - least_used: the healthy pair with the fewest successful requests

A pair that fails is excluded for a cooldown (5 minutes by default) and then
rejoins the rotation. If every pair is unhealthy the balancer resets all of
them to healthy rather than rejecting traffic.

# Gateway

	gw := llm.NewGateway(balancer, llm.NewVanchinTransport(""), llm.GatewayConfig{})
	result, err := gw.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a helpful assistant."},
		{Role: llm.RoleUser, Content: "Hello"},
	}, llm.CompletionOptions{Temperature: llm.Float(0.3), MaxTokens: 1000})

Complete makes at most MaxRetries attempts, waiting BackoffBase * 2^i after
failed attempt i. When every attempt fails it returns an
AllProvidersExhaustedError carrying the last error.

# Metrics

The package registers Prometheus collectors prefixed with mrprompt_llm_ for
pool health, fail-open resets and attempt outcomes.
*/
package llm
