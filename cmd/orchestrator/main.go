// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the Mr.Prompt Orchestrator service.
//
// The Orchestrator turns a product prompt into a project by running a chain
// of AI agents, spreading every model call over a pool of key/endpoint pairs
// with automatic failover.
//
// Usage:
//
//	./orchestrator
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8081)
//	VANCHIN_API_KEY_<n> / VANCHIN_ENDPOINT_<n> - key/endpoint pairs, n = 1, 2, ...
//	VANCHIN_KEYS_FILE - YAML file of pairs (alternative to the numbered variables)
//	VANCHIN_KEYS_SECRET_ID - AWS Secrets Manager secret holding the pairs
//	WORKFLOW_STORE - memory, postgres or redis (default: memory)
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_URL - Redis connection URL
//	JWT_SECRET - Secret for JWT token validation
//	CONFIG_FILE - optional YAML configuration file
package main

import (
	"github.com/donlasahachat6/mrpromth-sub002/orchestrator"
)

func main() {
	orchestrator.Run()
}
