// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// workflowRunsSchema creates the table used by PostgresWorkflowStore.
const workflowRunsSchema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	project_name TEXT NOT NULL DEFAULT '',
	prompt       TEXT NOT NULL,
	status       TEXT NOT NULL,
	steps        JSONB NOT NULL DEFAULT '[]',
	error        TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	version      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_runs_owner ON workflow_runs (owner_id, created_at DESC);
`

// PostgresWorkflowStore keeps runs in the workflow_runs table. Steps are a
// JSONB array; the version column is the compare-and-swap guard.
type PostgresWorkflowStore struct {
	db *sql.DB
}

var _ WorkflowStore = (*PostgresWorkflowStore)(nil)

// NewPostgresWorkflowStore creates a store over db.
func NewPostgresWorkflowStore(db *sql.DB) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

// OpenPostgres opens and pings a lib/pq connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the workflow_runs table if it does not exist.
func (s *PostgresWorkflowStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, workflowRunsSchema); err != nil {
		return fmt.Errorf("failed to create workflow_runs schema: %w", err)
	}
	return nil
}

func (s *PostgresWorkflowStore) Get(ctx context.Context, id string) (*WorkflowRun, error) {
	query := `
		SELECT id, owner_id, project_name, prompt, status, steps, error,
			created_at, updated_at, version
		FROM workflow_runs
		WHERE id = $1`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	return run, nil
}

func (s *PostgresWorkflowStore) Put(ctx context.Context, run *WorkflowRun) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	var newVersion int64
	if run.Version == 0 {
		query := `
			INSERT INTO workflow_runs (
				id, owner_id, project_name, prompt, status, steps, error,
				created_at, updated_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
			ON CONFLICT (id) DO NOTHING
			RETURNING version`

		err = s.db.QueryRowContext(ctx, query,
			run.ID, run.OwnerID, run.ProjectName, run.Prompt, string(run.Status),
			steps, nullableString(run.Error), run.CreatedAt, run.UpdatedAt,
		).Scan(&newVersion)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s already exists", ErrVersionConflict, run.ID)
		}
	} else {
		query := `
			UPDATE workflow_runs SET
				owner_id = $2, project_name = $3, prompt = $4, status = $5,
				steps = $6, error = $7, updated_at = $8, version = version + 1
			WHERE id = $1 AND version = $9
			RETURNING version`

		err = s.db.QueryRowContext(ctx, query,
			run.ID, run.OwnerID, run.ProjectName, run.Prompt, string(run.Status),
			steps, nullableString(run.Error), run.UpdatedAt, run.Version,
		).Scan(&newVersion)
		if errors.Is(err, sql.ErrNoRows) {
			return s.casFailure(ctx, run.ID, run.Version)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", run.ID, err)
	}

	run.Version = newVersion
	return nil
}

func (s *PostgresWorkflowStore) UpdateStep(ctx context.Context, id string, step StepResult, expectedVersion int64) (int64, error) {
	if step.Index < 0 {
		return 0, fmt.Errorf("step index %d out of range for %s", step.Index, id)
	}

	data, err := json.Marshal(step)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal step: %w", err)
	}

	updatedAt := time.Now().UTC()
	if step.FinishedAt != nil {
		updatedAt = *step.FinishedAt
	} else if step.StartedAt != nil {
		updatedAt = *step.StartedAt
	}

	query := `
		UPDATE workflow_runs SET
			steps = jsonb_set(steps, $2::text[], $3::jsonb, false),
			updated_at = GREATEST(updated_at, $4),
			version = version + 1
		WHERE id = $1 AND version = $5 AND jsonb_array_length(steps) > $6
		RETURNING version`

	var newVersion int64
	err = s.db.QueryRowContext(ctx, query,
		id, pq.Array([]string{strconv.Itoa(step.Index)}), data, updatedAt, expectedVersion, step.Index,
	).Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.casFailure(ctx, id, expectedVersion)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update step %d of %s: %w", step.Index, id, err)
	}
	return newVersion, nil
}

// casFailure tells a missing row apart from a stale version.
func (s *PostgresWorkflowStore) casFailure(ctx context.Context, id string, expected int64) error {
	var current int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM workflow_runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read version of %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s at version %d, write expected %d", ErrVersionConflict, id, current, expected)
}

func (s *PostgresWorkflowStore) List(ctx context.Context, ownerID string) ([]*WorkflowRun, error) {
	query := `
		SELECT id, owner_id, project_name, prompt, status, steps, error,
			created_at, updated_at, version
		FROM workflow_runs
		WHERE owner_id = $1
		ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	runs := make([]*WorkflowRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}
	return runs, nil
}

func (s *PostgresWorkflowStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	var (
		status   string
		steps    []byte
		errorMsg sql.NullString
	)

	if err := row.Scan(
		&run.ID, &run.OwnerID, &run.ProjectName, &run.Prompt, &status, &steps, &errorMsg,
		&run.CreatedAt, &run.UpdatedAt, &run.Version,
	); err != nil {
		return nil, err
	}

	run.Status = WorkflowStatus(status)
	run.Error = errorMsg.String
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &run.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
	}
	if run.Steps == nil {
		run.Steps = []StepResult{}
	}
	return run, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
