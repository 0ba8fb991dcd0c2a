// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound is returned for unknown run ids.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrVersionConflict is returned when a write carries a stale version.
	ErrVersionConflict = errors.New("workflow version conflict")

	// ErrTerminalState is returned for any mutation of a completed, failed
	// or cancelled run.
	ErrTerminalState = errors.New("workflow is in a terminal state")

	// ErrInvalidTransition is returned for a status or step change the
	// state machine does not allow.
	ErrInvalidTransition = errors.New("invalid workflow transition")

	// ErrNotTerminal is returned when archiving a run that is still active.
	ErrNotTerminal = errors.New("workflow is not in a terminal state")

	// ErrArchiveDisabled is returned when no archiver is configured.
	ErrArchiveDisabled = errors.New("workflow archiving is not configured")

	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("workflow engine is shutting down")

	// ErrEmptyPrompt is returned by Start for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is required")

	// ErrInvalidOptions is returned by Start for out-of-range StartOptions.
	ErrInvalidOptions = errors.New("invalid workflow options")
)

// CancellationError reports that a step's result was discarded because the
// run was cancelled while it was in flight. It is logged, never surfaced to
// the run's owner.
type CancellationError struct {
	WorkflowID string
	Step       string
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("workflow %s cancelled during step %q", e.WorkflowID, e.Step)
}
