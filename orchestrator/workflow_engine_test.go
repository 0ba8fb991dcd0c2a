// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donlasahachat6/mrpromth-sub002/common/usage"
	"github.com/donlasahachat6/mrpromth-sub002/orchestrator/llm"
)

var testPipeline = []AgentStep{
	{Name: "Analyzer", SystemPrompt: "analyze", Instruction: "Analyze.", Temperature: 0.3, MaxTokens: 100},
	{Name: "Designer", SystemPrompt: "design", Instruction: "Design.", Temperature: 0.4, MaxTokens: 200},
	{Name: "Builder", SystemPrompt: "build", Instruction: "Build.", Temperature: 0.2, MaxTokens: 300},
}

type completerCall struct {
	messages []llm.Message
	opts     llm.CompletionOptions
}

// fakeCompleter answers each call with respond, or with "output N" when
// respond is nil.
type fakeCompleter struct {
	mu      sync.Mutex
	calls   []completerCall
	respond func(ctx context.Context, call int) (*llm.CompletionResult, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []llm.Message, opts llm.CompletionOptions) (*llm.CompletionResult, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, completerCall{messages: messages, opts: opts})
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(ctx, call)
	}
	return completion(fmt.Sprintf("output %d", call)), nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCompleter) call(i int) completerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func completion(content string) *llm.CompletionResult {
	return &llm.CompletionResult{
		CompletionResponse: llm.CompletionResponse{
			Content:      content,
			Model:        "test-model",
			FinishReason: "stop",
			Usage:        llm.UsageStats{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
		PairID:   "pair-1",
		Attempts: 1,
		Latency:  time.Millisecond,
	}
}

func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("wf-%d", atomic.AddInt64(&n, 1))
	}
}

func newTestEngine(t *testing.T, completer ChatCompleter, opts ...EngineOption) (*WorkflowEngine, *InMemoryWorkflowStore) {
	t.Helper()
	store := NewInMemoryWorkflowStore()
	opts = append([]EngineOption{WithPipeline(testPipeline), WithIDGenerator(sequentialIDs())}, opts...)
	engine := NewWorkflowEngine(store, completer, quietBroadcaster(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine, store
}

func waitForStatus(t *testing.T, engine *WorkflowEngine, id string, want WorkflowStatus) *WorkflowRun {
	t.Helper()
	var run *WorkflowRun
	require.Eventually(t, func() bool {
		r, err := engine.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		run = r
		return r.Status == want
	}, 2*time.Second, 5*time.Millisecond, "workflow %s never reached %s", id, want)
	return run
}

func waitIdle(t *testing.T, engine *WorkflowEngine) {
	t.Helper()
	require.Eventually(t, func() bool { return engine.ActiveCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWorkflowEngineRunsAllSteps(t *testing.T) {
	completer := &fakeCompleter{}
	recorder := usage.NewInMemoryRecorder()
	engine, _ := newTestEngine(t, completer, WithUsageRecorder(recorder))

	events := &eventRecorder{}
	engine.Broadcaster().Subscribe("wf-1", events.handle)

	run, err := engine.Start(context.Background(), "owner-1", "build a todo app", StartOptions{ProjectName: "todo"})
	require.NoError(t, err)
	assert.Equal(t, "wf-1", run.ID)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, "todo", run.ProjectName)
	require.Len(t, run.Steps, 3)
	for _, step := range run.Steps {
		assert.Equal(t, StepIdle, step.Status)
	}

	done := waitForStatus(t, engine, run.ID, StatusCompleted)
	waitIdle(t, engine)

	assert.Equal(t, 3, done.CompletedSteps())
	for i, step := range done.Steps {
		assert.Equal(t, StepCompleted, step.Status)
		assert.Equal(t, fmt.Sprintf("output %d", i), step.Output)
		assert.Equal(t, "pair-1", step.PairID)
		assert.Equal(t, 15, step.TokensUsed)
	}
	assert.Empty(t, done.Error)

	require.Equal(t, 3, completer.callCount())
	for i, step := range testPipeline {
		call := completer.call(i)
		assert.Equal(t, step.SystemPrompt, call.messages[0].Content)
		require.NotNil(t, call.opts.Temperature)
		assert.Equal(t, step.Temperature, *call.opts.Temperature)
		assert.Equal(t, step.MaxTokens, call.opts.MaxTokens)
	}
	assert.Contains(t, completer.call(2).messages[1].Content, "output 0")
	assert.Contains(t, completer.call(2).messages[1].Content, "output 1")

	summary, err := recorder.Summary(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Requests)
	assert.Equal(t, int64(45), summary.TotalTokens)

	types := events.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventStatus, types[0])
	assert.Equal(t, EventComplete, types[len(types)-1])
	assert.Len(t, types, 1+2*3+1)

	events.mu.Lock()
	last := events.events[len(events.events)-1]
	events.mu.Unlock()
	assert.Equal(t, true, last.Payload["success"])
}

func TestWorkflowEngineFailFast(t *testing.T) {
	completer := &fakeCompleter{
		respond: func(_ context.Context, call int) (*llm.CompletionResult, error) {
			if call == 1 {
				return nil, &llm.AllProvidersExhaustedError{Attempts: 3, Last: errors.New("every pair failed")}
			}
			return completion("ok"), nil
		},
	}
	engine, _ := newTestEngine(t, completer)

	events := &eventRecorder{}
	engine.Broadcaster().Subscribe("wf-1", events.handle)

	run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
	require.NoError(t, err)

	failed := waitForStatus(t, engine, run.ID, StatusFailed)
	waitIdle(t, engine)

	assert.Equal(t, StepCompleted, failed.Steps[0].Status)
	assert.Equal(t, StepError, failed.Steps[1].Status)
	assert.Contains(t, failed.Steps[1].Error, "every pair failed")
	assert.Equal(t, StepIdle, failed.Steps[2].Status)
	assert.Contains(t, failed.Error, `step "Designer" failed`)
	assert.Equal(t, 2, completer.callCount(), "no step runs after a failure")

	types := events.types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, EventError, types[len(types)-2])
	assert.Equal(t, EventComplete, types[len(types)-1])

	events.mu.Lock()
	errEvent := events.events[len(events.events)-2]
	complete := events.events[len(events.events)-1]
	events.mu.Unlock()
	assert.Equal(t, 2, errEvent.Payload["step"])
	assert.Equal(t, "Designer", errEvent.Payload["step_name"])
	assert.Equal(t, false, complete.Payload["success"])
	assert.Equal(t, string(StatusFailed), complete.Payload["status"])
}

func TestWorkflowEngineCancelDiscardsLateResult(t *testing.T) {
	entered := make(chan struct{})
	completer := &fakeCompleter{
		respond: func(ctx context.Context, call int) (*llm.CompletionResult, error) {
			close(entered)
			<-ctx.Done()
			// A provider that ignores cancellation and answers anyway.
			return completion("late"), nil
		},
	}
	engine, _ := newTestEngine(t, completer)

	events := &eventRecorder{}
	engine.Broadcaster().Subscribe("wf-1", events.handle)

	run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first step never started")
	}

	assert.True(t, engine.Cancel(context.Background(), run.ID))
	waitIdle(t, engine)

	got, err := engine.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, got.Steps[0].Output)
	assert.NotEqual(t, StepCompleted, got.Steps[0].Status)
	assert.Equal(t, StepIdle, got.Steps[1].Status)
	assert.Equal(t, 1, completer.callCount())

	completes := 0
	for _, typ := range events.types() {
		if typ == EventComplete {
			completes++
		}
	}
	assert.Equal(t, 1, completes, "exactly one terminal event")

	assert.False(t, engine.Cancel(context.Background(), run.ID), "already cancelled")
	assert.False(t, engine.Cancel(context.Background(), "unknown"))
}

func TestWorkflowEngineCancelCompletedRun(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeCompleter{})

	run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
	require.NoError(t, err)
	waitForStatus(t, engine, run.ID, StatusCompleted)

	assert.False(t, engine.Cancel(context.Background(), run.ID))
	got, err := engine.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestWorkflowEngineStartValidation(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeCompleter{})

	tests := []struct {
		name    string
		prompt  string
		opts    StartOptions
		wantErr error
	}{
		{"blank prompt", "   ", StartOptions{}, ErrEmptyPrompt},
		{"negative steps", "p", StartOptions{Steps: -1}, ErrInvalidOptions},
		{"negative max tokens", "p", StartOptions{MaxTokens: -5}, ErrInvalidOptions},
		{"temperature too high", "p", StartOptions{Temperature: llm.Float(2.5)}, ErrInvalidOptions},
		{"negative temperature", "p", StartOptions{Temperature: llm.Float(-0.1)}, ErrInvalidOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Start(context.Background(), "owner-1", tt.prompt, tt.opts)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWorkflowEngineStartOptions(t *testing.T) {
	completer := &fakeCompleter{}
	engine, _ := newTestEngine(t, completer)

	run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{
		Steps:       2,
		Temperature: llm.Float(0.9),
		MaxTokens:   77,
	})
	require.NoError(t, err)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, "Designer", run.Steps[1].Name)

	waitForStatus(t, engine, run.ID, StatusCompleted)
	require.Equal(t, 2, completer.callCount())
	for i := 0; i < 2; i++ {
		call := completer.call(i)
		assert.Equal(t, 0.9, *call.opts.Temperature)
		assert.Equal(t, 77, call.opts.MaxTokens)
	}

	// The configured pipeline is untouched.
	assert.Equal(t, 0.3, engine.Pipeline()[0].Temperature)
}

func TestWorkflowEngineIndependentRuns(t *testing.T) {
	completer := &fakeCompleter{
		respond: func(_ context.Context, call int) (*llm.CompletionResult, error) {
			time.Sleep(time.Millisecond)
			return completion(fmt.Sprintf("c%d", call)), nil
		},
	}
	engine, _ := newTestEngine(t, completer)

	const runs = 5
	ids := make([]string, runs)
	for i := 0; i < runs; i++ {
		run, err := engine.Start(context.Background(), fmt.Sprintf("owner-%d", i%2), "prompt", StartOptions{})
		require.NoError(t, err)
		ids[i] = run.ID
	}

	for _, id := range ids {
		done := waitForStatus(t, engine, id, StatusCompleted)
		assert.Equal(t, 3, done.CompletedSteps())
	}
	assert.Equal(t, runs*3, completer.callCount())

	owned, err := engine.List(context.Background(), "owner-0")
	require.NoError(t, err)
	assert.Len(t, owned, 3)
}

func TestWorkflowEngineShutdown(t *testing.T) {
	completer := &fakeCompleter{
		respond: func(ctx context.Context, _ int) (*llm.CompletionResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	engine, _ := newTestEngine(t, completer)

	run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = engine.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 0, engine.ActiveCount())
	got, err := engine.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestWorkflowEngineShutdownWaitsForRuns(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeCompleter{})

	run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
	require.NoError(t, err)

	require.NoError(t, engine.Shutdown(context.Background()))
	got, err := engine.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []*WorkflowRun
	err      error
}

func (a *fakeArchiver) Archive(_ context.Context, run *WorkflowRun) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, run)
	return "s3://bucket/" + run.ID + ".json", nil
}

func TestWorkflowEngineArchive(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		engine, _ := newTestEngine(t, &fakeCompleter{})
		_, err := engine.Archive(context.Background(), "wf-1")
		assert.ErrorIs(t, err, ErrArchiveDisabled)
	})

	t.Run("running run", func(t *testing.T) {
		completer := &fakeCompleter{
			respond: func(ctx context.Context, _ int) (*llm.CompletionResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		engine, _ := newTestEngine(t, completer, WithArchiver(&fakeArchiver{}))
		run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
		require.NoError(t, err)

		_, err = engine.Archive(context.Background(), run.ID)
		assert.ErrorIs(t, err, ErrNotTerminal)
		engine.Cancel(context.Background(), run.ID)
	})

	t.Run("finished run", func(t *testing.T) {
		archiver := &fakeArchiver{}
		engine, _ := newTestEngine(t, &fakeCompleter{}, WithArchiver(archiver))
		run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
		require.NoError(t, err)
		waitForStatus(t, engine, run.ID, StatusCompleted)
		waitIdle(t, engine)

		location, err := engine.Archive(context.Background(), run.ID)
		require.NoError(t, err)
		assert.Equal(t, "s3://bucket/wf-1.json", location)
		require.Len(t, archiver.archived, 1)
		assert.Equal(t, StatusCompleted, archiver.archived[0].Status)

		_, err = engine.GetStatus(context.Background(), run.ID)
		assert.ErrorIs(t, err, ErrWorkflowNotFound)

		_, err = engine.Archive(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("archiver error keeps run", func(t *testing.T) {
		engine, _ := newTestEngine(t, &fakeCompleter{}, WithArchiver(&fakeArchiver{err: errors.New("bucket gone")}))
		run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
		require.NoError(t, err)
		waitForStatus(t, engine, run.ID, StatusCompleted)

		_, err = engine.Archive(context.Background(), run.ID)
		assert.Error(t, err)
		_, err = engine.GetStatus(context.Background(), run.ID)
		assert.NoError(t, err)
	})
}

// flakyStore fails the first n Put calls with a version conflict.
type flakyStore struct {
	*InMemoryWorkflowStore
	conflicts int32
}

func (s *flakyStore) Put(ctx context.Context, run *WorkflowRun) error {
	if run.Version > 0 && atomic.AddInt32(&s.conflicts, -1) >= 0 {
		return ErrVersionConflict
	}
	return s.InMemoryWorkflowStore.Put(ctx, run)
}

func TestWorkflowEngineRetriesVersionConflicts(t *testing.T) {
	store := &flakyStore{InMemoryWorkflowStore: NewInMemoryWorkflowStore(), conflicts: 2}
	engine := NewWorkflowEngine(store, &fakeCompleter{}, quietBroadcaster(),
		WithPipeline(testPipeline), WithIDGenerator(sequentialIDs()))

	run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
	require.NoError(t, err)
	waitForStatus(t, engine, run.ID, StatusCompleted)
	require.NoError(t, engine.Shutdown(context.Background()))
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 0, progressPercent(0, 7))
	assert.Equal(t, 42, progressPercent(3, 7))
	assert.Equal(t, 100, progressPercent(7, 7))
	assert.Equal(t, 100, progressPercent(0, 0))
}

// cancelOnStartStore cancels the run right after its first step is stored
// as running, before the executor publishes the step's progress event.
type cancelOnStartStore struct {
	*InMemoryWorkflowStore
	engine *WorkflowEngine
	once   sync.Once
}

func (s *cancelOnStartStore) UpdateStep(ctx context.Context, id string, step StepResult, expectedVersion int64) (int64, error) {
	version, err := s.InMemoryWorkflowStore.UpdateStep(ctx, id, step, expectedVersion)
	if err == nil && step.Index == 0 && step.Status == StepRunning {
		s.once.Do(func() { s.engine.Cancel(context.Background(), id) })
	}
	return version, err
}

func TestWorkflowEngineCancelBetweenStepWriteAndPublish(t *testing.T) {
	store := &cancelOnStartStore{InMemoryWorkflowStore: NewInMemoryWorkflowStore()}
	engine := NewWorkflowEngine(store, &fakeCompleter{}, quietBroadcaster(),
		WithPipeline(testPipeline), WithIDGenerator(sequentialIDs()))
	store.engine = engine
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	events := &eventRecorder{}
	engine.Broadcaster().Subscribe("wf-1", events.handle)

	run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
	require.NoError(t, err)
	waitIdle(t, engine)

	assert.Equal(t, []EventType{EventStatus, EventStatus, EventComplete}, events.types(),
		"nothing is published after the terminal event")

	got, err := engine.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, StepError, got.Steps[0].Status, "in-flight step is closed")
	assert.Equal(t, "cancelled", got.Steps[0].Error)
	assert.NotNil(t, got.Steps[0].FinishedAt)
	assert.Empty(t, got.Steps[0].Output)
	assert.Equal(t, StepIdle, got.Steps[1].Status)
}

// failWriteStore rejects the write that would mark a run failed.
type failWriteStore struct {
	*InMemoryWorkflowStore
}

func (s *failWriteStore) Put(ctx context.Context, run *WorkflowRun) error {
	if run.Status == StatusFailed {
		return errors.New("disk full")
	}
	return s.InMemoryWorkflowStore.Put(ctx, run)
}

func TestWorkflowEngineUnstoredFailureIsNotAnnounced(t *testing.T) {
	store := &failWriteStore{InMemoryWorkflowStore: NewInMemoryWorkflowStore()}
	completer := &fakeCompleter{
		respond: func(context.Context, int) (*llm.CompletionResult, error) {
			return nil, errors.New("provider down")
		},
	}
	engine := NewWorkflowEngine(store, completer, quietBroadcaster(),
		WithPipeline(testPipeline), WithIDGenerator(sequentialIDs()))
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	events := &eventRecorder{}
	engine.Broadcaster().Subscribe("wf-1", events.handle)

	run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
	require.NoError(t, err)
	waitIdle(t, engine)

	got, err := engine.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.NotContains(t, events.types(), EventComplete)
	assert.NotContains(t, events.types(), EventError)
}

func TestWorkflowEngineReleasesReplayBuffer(t *testing.T) {
	broadcaster := quietBroadcaster(WithReplayBuffer(10))
	engine := NewWorkflowEngine(NewInMemoryWorkflowStore(), &fakeCompleter{}, broadcaster,
		WithPipeline(testPipeline), WithIDGenerator(sequentialIDs()), WithReplayRetention(20*time.Millisecond))
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	run, err := engine.Start(context.Background(), "owner-1", "prompt", StartOptions{})
	require.NoError(t, err)
	waitForStatus(t, engine, run.ID, StatusCompleted)

	require.Eventually(t, func() bool {
		broadcaster.mu.Lock()
		defer broadcaster.mu.Unlock()
		_, ok := broadcaster.replay[run.ID]
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}
