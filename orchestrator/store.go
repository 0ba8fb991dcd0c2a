// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// WorkflowStore persists WorkflowRuns with optimistic concurrency.
//
// Every successful write bumps the run's Version. A write whose expected
// version does not match the stored one fails with ErrVersionConflict, so a
// reader can never observe a half-applied change. Implementations return
// deep copies; callers may mutate what they receive.
type WorkflowStore interface {
	// Get returns the run or ErrWorkflowNotFound.
	Get(ctx context.Context, id string) (*WorkflowRun, error)

	// Put creates the run when run.Version is 0, otherwise replaces it if
	// the stored version equals run.Version. On success run.Version is
	// updated to the new version.
	Put(ctx context.Context, run *WorkflowRun) error

	// UpdateStep replaces steps[step.Index] of the run if its version equals
	// expectedVersion and returns the new version.
	UpdateStep(ctx context.Context, id string, step StepResult, expectedVersion int64) (int64, error)

	// List returns the owner's runs, newest first.
	List(ctx context.Context, ownerID string) ([]*WorkflowRun, error)

	// Delete evicts the run.
	Delete(ctx context.Context, id string) error
}

// InMemoryWorkflowStore is a process-local WorkflowStore.
type InMemoryWorkflowStore struct {
	mu   sync.RWMutex
	runs map[string]*WorkflowRun
}

// NewInMemoryWorkflowStore creates an empty store.
func NewInMemoryWorkflowStore() *InMemoryWorkflowStore {
	return &InMemoryWorkflowStore{
		runs: make(map[string]*WorkflowRun),
	}
}

func (s *InMemoryWorkflowStore) Get(_ context.Context, id string) (*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return run.Clone(), nil
}

func (s *InMemoryWorkflowStore) Put(_ context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.runs[run.ID]
	switch {
	case run.Version == 0 && exists:
		return fmt.Errorf("%w: %s already exists", ErrVersionConflict, run.ID)
	case run.Version != 0 && !exists:
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, run.ID)
	case exists && current.Version != run.Version:
		return fmt.Errorf("%w: %s at version %d, write expected %d", ErrVersionConflict, run.ID, current.Version, run.Version)
	}

	stored := run.Clone()
	stored.Version = run.Version + 1
	s.runs[run.ID] = stored
	run.Version = stored.Version
	return nil
}

func (s *InMemoryWorkflowStore) UpdateStep(_ context.Context, id string, step StepResult, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if current.Version != expectedVersion {
		return 0, fmt.Errorf("%w: %s at version %d, write expected %d", ErrVersionConflict, id, current.Version, expectedVersion)
	}
	if step.Index < 0 || step.Index >= len(current.Steps) {
		return 0, fmt.Errorf("step index %d out of range for %s", step.Index, id)
	}

	// Copy-on-write so clones handed out earlier stay consistent.
	next := current.Clone()
	next.Steps[step.Index] = step.clone()
	if step.FinishedAt != nil && step.FinishedAt.After(next.UpdatedAt) {
		next.UpdatedAt = *step.FinishedAt
	} else if step.StartedAt != nil && step.StartedAt.After(next.UpdatedAt) {
		next.UpdatedAt = *step.StartedAt
	}
	next.Version = current.Version + 1
	s.runs[id] = next
	return next.Version, nil
}

func (s *InMemoryWorkflowStore) List(_ context.Context, ownerID string) ([]*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*WorkflowRun, 0)
	for _, run := range s.runs {
		if run.OwnerID == ownerID {
			runs = append(runs, run.Clone())
		}
	}
	sortNewestFirst(runs)
	return runs, nil
}

func (s *InMemoryWorkflowStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	delete(s.runs, id)
	return nil
}

func sortNewestFirst(runs []*WorkflowRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}
