// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

const usageEventsSchema = `
CREATE TABLE IF NOT EXISTS llm_usage_events (
    id                BIGSERIAL PRIMARY KEY,
    owner_id          TEXT NOT NULL,
    workflow_id       TEXT,
    step_name         TEXT,
    pair_id           TEXT NOT NULL,
    model             TEXT,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens      INTEGER NOT NULL DEFAULT 0,
    latency_ms        BIGINT NOT NULL DEFAULT 0,
    attempts          INTEGER NOT NULL DEFAULT 1,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_llm_usage_events_owner ON llm_usage_events (owner_id, created_at);
`

// UsageRecorder stores usage events in the llm_usage_events table.
type UsageRecorder struct {
	db *sql.DB
}

// NewUsageRecorder creates a recorder backed by db.
func NewUsageRecorder(db *sql.DB) *UsageRecorder {
	return &UsageRecorder{db: db}
}

// EnsureSchema creates the usage table if it does not exist.
func (r *UsageRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, usageEventsSchema); err != nil {
		return fmt.Errorf("failed to create usage schema: %w", err)
	}
	return nil
}

// RecordLLMRequest inserts one usage row.
func (r *UsageRecorder) RecordLLMRequest(ctx context.Context, event LLMRequestEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO llm_usage_events (
			owner_id, workflow_id, step_name, pair_id, model,
			prompt_tokens, completion_tokens, total_tokens, latency_ms, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.OwnerID, nullString(event.WorkflowID), event.StepName, event.PairID, event.Model,
		event.PromptTokens, event.CompletionTokens, event.TotalTokens, event.LatencyMs, event.Attempts)

	if err != nil {
		log.Printf("[USAGE] Failed to record LLM request: %v", err)
	}

	return err
}

// Summary aggregates the owner's rows per pair.
func (r *UsageRecorder) Summary(ctx context.Context, ownerID string) (*Summary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT pair_id, COUNT(*), COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM llm_usage_events
		WHERE owner_id = $1
		GROUP BY pair_id
		ORDER BY pair_id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	summary := &Summary{OwnerID: ownerID, PerPair: []PairSummary{}}
	for rows.Next() {
		var p PairSummary
		if err := rows.Scan(&p.PairID, &p.Requests, &p.PromptTokens, &p.CompletionTokens, &p.TotalTokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		summary.add(p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate usage rows: %w", err)
	}

	return summary, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
