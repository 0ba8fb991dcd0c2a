// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package usage records token usage of model calls made by workflow steps.

Two Recorder implementations are provided:

  - UsageRecorder: rows in the llm_usage_events PostgreSQL table
  - InMemoryRecorder: per-process running totals

Record a call:

	err := recorder.RecordLLMRequest(ctx, usage.LLMRequestEvent{
	    OwnerID:          "user-123",
	    WorkflowID:       "wf-456",
	    StepName:         "Architecture Designer",
	    PairID:           "pair-2",
	    PromptTokens:     150,
	    CompletionTokens: 300,
	    TotalTokens:      450,
	})

Summaries are grouped by the key/endpoint pair that served each call.
Recording failures are logged with the [USAGE] prefix and returned; callers
on the request path treat them as non-fatal.
*/
package usage
