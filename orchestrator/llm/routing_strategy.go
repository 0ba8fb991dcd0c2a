// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"log"
	"os"
)

// RoutingStrategy defines how the load balancer picks a pair.
type RoutingStrategy string

const (
	// RoutingStrategyRoundRobin cycles through healthy pairs equally (default).
	RoutingStrategyRoundRobin RoutingStrategy = "round_robin"

	// RoutingStrategyLeastUsed picks the healthy pair with the fewest
	// successful requests, oldest last use first.
	RoutingStrategyLeastUsed RoutingStrategy = "least_used"
)

// ValidRoutingStrategies contains all valid routing strategy values.
var ValidRoutingStrategies = []RoutingStrategy{
	RoutingStrategyRoundRobin,
	RoutingStrategyLeastUsed,
}

// IsValidRoutingStrategy checks if a string is a valid routing strategy.
func IsValidRoutingStrategy(s string) bool {
	for _, valid := range ValidRoutingStrategies {
		if RoutingStrategy(s) == valid {
			return true
		}
	}
	return false
}

// LoadRoutingStrategyFromEnv reads LLM_ROUTING_STRATEGY, falling back to
// round_robin when unset or invalid.
func LoadRoutingStrategyFromEnv() RoutingStrategy {
	strategy := RoutingStrategyRoundRobin

	strategyStr := os.Getenv("LLM_ROUTING_STRATEGY")
	if strategyStr == "" {
		return strategy
	}

	if !IsValidRoutingStrategy(strategyStr) {
		log.Printf("[LLM Routing] WARNING: Invalid LLM_ROUTING_STRATEGY '%s', using default '%s'", strategyStr, strategy)
		log.Printf("[LLM Routing] Valid strategies: %v", ValidRoutingStrategies)
		return strategy
	}

	strategy = RoutingStrategy(strategyStr)
	log.Printf("[LLM Routing] Strategy: %s", strategy)
	return strategy
}
