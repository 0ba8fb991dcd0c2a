// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"time"
)

// WorkflowStatus is the lifecycle state of a WorkflowRun.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// allowedTransitions is the run state machine. Terminal states have no entry.
var allowedTransitions = map[WorkflowStatus][]WorkflowStatus{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// StepStatus is the state of one pipeline step within a run.
type StepStatus string

const (
	StepIdle      StepStatus = "idle"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
)

// StepResult is one slot of the pipeline inside a WorkflowRun.
type StepResult struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	PairID     string     `json:"pair_id,omitempty"`
	TokensUsed int        `json:"tokens_used,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// WorkflowRun is one end-to-end execution of the agent pipeline for a prompt.
// Only the WorkflowEngine mutates a run; everyone else works on clones.
type WorkflowRun struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	ProjectName string         `json:"project_name,omitempty"`
	Prompt      string         `json:"prompt"`
	Status      WorkflowStatus `json:"status"`
	Steps       []StepResult   `json:"steps"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Version is bumped by the store on every write.
	Version int64 `json:"version"`
}

// NewWorkflowRun creates a pending run with one idle step per name.
func NewWorkflowRun(id, ownerID, prompt string, stepNames []string, now time.Time) *WorkflowRun {
	steps := make([]StepResult, len(stepNames))
	for i, name := range stepNames {
		steps[i] = StepResult{Index: i, Name: name, Status: StepIdle}
	}
	return &WorkflowRun{
		ID:        id,
		OwnerID:   ownerID,
		Prompt:    prompt,
		Status:    StatusPending,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of r.
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = make([]StepResult, len(r.Steps))
	for i, s := range r.Steps {
		c.Steps[i] = s.clone()
	}
	return &c
}

func (s StepResult) clone() StepResult {
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		s.FinishedAt = &t
	}
	return s
}

// CompletedSteps returns the number of steps in StepCompleted.
func (r *WorkflowRun) CompletedSteps() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// transition moves the run to status to. Terminal runs reject every
// transition with ErrTerminalState.
func (r *WorkflowRun) transition(to WorkflowStatus, now time.Time) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", ErrTerminalState, r.ID, r.Status)
	}
	for _, allowed := range allowedTransitions[r.Status] {
		if allowed == to {
			r.Status = to
			r.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
}

// fail moves the run to failed with msg.
func (r *WorkflowRun) fail(msg string, now time.Time) error {
	if err := r.transition(StatusFailed, now); err != nil {
		return err
	}
	r.Error = msg
	return nil
}

// cancel moves the run to cancelled. A step still running is closed as
// errored so no step is left running on a terminal run.
func (r *WorkflowRun) cancel(now time.Time) error {
	if err := r.transition(StatusCancelled, now); err != nil {
		return err
	}
	for i := range r.Steps {
		if r.Steps[i].Status == StepRunning {
			t := now
			r.Steps[i].Status = StepError
			r.Steps[i].Error = "cancelled"
			r.Steps[i].FinishedAt = &t
		}
	}
	return nil
}

// startStep marks step i running. Steps start strictly in order: every
// earlier step must be completed and no other step may be running.
func (r *WorkflowRun) startStep(i int, now time.Time) (StepResult, error) {
	if err := r.checkStepMutable(i); err != nil {
		return StepResult{}, err
	}
	for j := 0; j < i; j++ {
		if r.Steps[j].Status != StepCompleted {
			return StepResult{}, fmt.Errorf("%w: step %d started before step %d completed", ErrInvalidTransition, i, j)
		}
	}
	step := &r.Steps[i]
	if step.Status != StepIdle {
		return StepResult{}, fmt.Errorf("%w: step %d is %s", ErrInvalidTransition, i, step.Status)
	}

	t := now
	step.Status = StepRunning
	step.StartedAt = &t
	r.UpdatedAt = now
	return step.clone(), nil
}

// completeStep stores the output of running step i.
func (r *WorkflowRun) completeStep(i int, output, pairID string, tokens int, now time.Time) (StepResult, error) {
	step, err := r.finishStep(i, now)
	if err != nil {
		return StepResult{}, err
	}
	step.Status = StepCompleted
	step.Output = output
	step.PairID = pairID
	step.TokensUsed = tokens
	return step.clone(), nil
}

// errorStep marks running step i as failed.
func (r *WorkflowRun) errorStep(i int, msg string, now time.Time) (StepResult, error) {
	step, err := r.finishStep(i, now)
	if err != nil {
		return StepResult{}, err
	}
	step.Status = StepError
	step.Error = msg
	return step.clone(), nil
}

func (r *WorkflowRun) finishStep(i int, now time.Time) (*StepResult, error) {
	if err := r.checkStepMutable(i); err != nil {
		return nil, err
	}
	step := &r.Steps[i]
	if step.Status != StepRunning {
		return nil, fmt.Errorf("%w: step %d is %s, not running", ErrInvalidTransition, i, step.Status)
	}
	t := now
	step.FinishedAt = &t
	r.UpdatedAt = now
	return step, nil
}

func (r *WorkflowRun) checkStepMutable(i int) error {
	if r.Status != StatusRunning {
		if r.Status.IsTerminal() {
			return fmt.Errorf("%w: run %s is %s", ErrTerminalState, r.ID, r.Status)
		}
		return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, r.ID, r.Status)
	}
	if i < 0 || i >= len(r.Steps) {
		return fmt.Errorf("step index %d out of range [0,%d)", i, len(r.Steps))
	}
	return nil
}
