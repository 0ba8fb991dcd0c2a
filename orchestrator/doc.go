// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package orchestrator provides the Mr.Prompt Orchestrator service: it runs a
chain of AI agents over a user's prompt and streams progress back to the
client.

# Overview

A WorkflowRun is one execution of the agent pipeline for one prompt. The
WorkflowEngine executes each run in its own goroutine:

	Start → step 1 → step 2 → ... → step N → completed
	          │         │               │
	          └─────────┴───── error ───┴──→ failed
	Cancel at any step boundary or in flight ──→ cancelled

Every model call goes through llm.Gateway, which spreads requests over the
configured key/endpoint pairs and fails over between them.

# Pipeline

The default pipeline has seven agents, from prompt analysis to deployment.
Each step receives the original prompt plus every earlier step's output.
Pipelines can be replaced with a YAML file:

	apiVersion: mrprompt.io/v1
	kind: Pipeline
	metadata:
	  name: landing-page
	spec:
	  steps:
	    - name: Analyzer
	      system_prompt: You are a product analyst.
	      instruction: List the sections of the page.
	      temperature: 0.3
	      max_tokens: 1000

# State

Runs are persisted through a WorkflowStore (in-memory, PostgreSQL or Redis).
Every write bumps the run's version and writes with a stale version fail
with ErrVersionConflict, so concurrent Cancel calls and step updates never
interleave.

# Events

Progress is published on a Broadcaster and served to clients as
server-sent events:

	GET /api/v1/workflows/{id}/stream

	data: {"workflow_id":"...","type":"status","payload":{"status":"connected"}}
	data: {"workflow_id":"...","type":"progress","payload":{"step":1,"total_steps":7,"status":"running","progress":0}}
	data: {"workflow_id":"...","type":"complete","payload":{"success":true,"duration_ms":81234}}

# HTTP API

	POST /api/v1/workflows              - Start a workflow
	GET  /api/v1/workflows              - List the caller's workflows
	GET  /api/v1/workflows/{id}         - Get a workflow
	POST /api/v1/workflows/{id}/cancel  - Cancel a workflow
	GET  /api/v1/workflows/{id}/stream  - Stream workflow events
	POST /api/v1/workflows/{id}/archive - Archive a finished workflow to S3
	GET  /api/v1/providers/status       - Key pool health
	GET  /api/v1/usage                  - Token usage of the caller

# Metrics

The Orchestrator exposes Prometheus metrics at /prometheus:

  - mrprompt_workflows_started_total - Runs started
  - mrprompt_workflows_finished_total - Runs finished by status
  - mrprompt_workflow_step_duration_milliseconds - Step latency
  - mrprompt_llm_attempts_total - Gateway attempts by outcome
*/
package orchestrator
