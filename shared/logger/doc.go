// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for Mr.Prompt components.

# Overview

Each entry is a single JSON line carrying:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (orchestrator, http, ...)
  - Instance ID and container name
  - Owner ID and workflow ID, when the entry concerns a run
  - Custom fields

# Usage

	log := logger.New("orchestrator")

	log.Info("user-123", "wf-456", "Workflow started", map[string]interface{}{
	    "steps": 7,
	})

	log.ErrorWithCode("user-123", "", "Request failed", 500, err, nil)

# Environment Variables

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

Logger instances are safe for concurrent use.
*/
package logger
