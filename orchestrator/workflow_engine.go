// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/donlasahachat6/mrpromth-sub002/common/usage"
	"github.com/donlasahachat6/mrpromth-sub002/orchestrator/llm"
	"github.com/donlasahachat6/mrpromth-sub002/shared/logger"
)

const (
	// maxWriteAttempts bounds compare-and-swap retries on version conflicts.
	maxWriteAttempts = 5

	// storeTimeout bounds every store call made by the background executor.
	storeTimeout = 10 * time.Second

	// shutdownGrace is how long Shutdown waits for cancelled runs to exit.
	shutdownGrace = 5 * time.Second

	// DefaultReplayRetention is how long replayed events of a finished run
	// are kept for late subscribers.
	DefaultReplayRetention = 5 * time.Minute
)

// ChatCompleter is the part of llm.Gateway the engine depends on.
type ChatCompleter interface {
	Complete(ctx context.Context, messages []llm.Message, opts llm.CompletionOptions) (*llm.CompletionResult, error)
}

var _ ChatCompleter = (*llm.Gateway)(nil)

// StartOptions tunes a single run.
type StartOptions struct {
	// Steps runs only the first N pipeline steps. 0 runs all of them.
	Steps int `json:"steps,omitempty"`

	// Temperature overrides every step's temperature when set.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens overrides every step's token limit when > 0.
	MaxTokens int `json:"max_tokens,omitempty"`

	ProjectName string `json:"project_name,omitempty"`
}

// WorkflowEngine executes the agent pipeline for each run in its own
// goroutine. Steps of a run execute strictly in order; runs are independent
// of each other.
type WorkflowEngine struct {
	store           WorkflowStore
	completer       ChatCompleter
	broadcaster     *Broadcaster
	pipeline        []AgentStep
	usage           usage.Recorder
	archiver        Archiver
	maxContextChars int
	logger          *logger.Logger
	now             func() time.Time
	newID           func() string

	replayRetention time.Duration

	mu      sync.Mutex
	active  map[string]*runHandle
	closing bool
	wg      sync.WaitGroup
}

// runHandle is the engine's hold on a run executing in this process.
// Event handlers must not call Cancel for the run whose event they are
// handling: publication holds mu.
type runHandle struct {
	cancel context.CancelFunc

	// mu orders the run's events; terminal is set once its complete event
	// went out, after which nothing else is published.
	mu       sync.Mutex
	terminal bool
}

// EngineOption configures the WorkflowEngine.
type EngineOption func(*WorkflowEngine)

// WithPipeline replaces the default agent pipeline.
func WithPipeline(steps []AgentStep) EngineOption {
	return func(e *WorkflowEngine) {
		if len(steps) > 0 {
			e.pipeline = append([]AgentStep(nil), steps...)
		}
	}
}

// WithMaxContextChars caps the earlier outputs fed into each step. 0 means
// unbounded.
func WithMaxContextChars(n int) EngineOption {
	return func(e *WorkflowEngine) {
		if n >= 0 {
			e.maxContextChars = n
		}
	}
}

// WithUsageRecorder records token usage of every completed step.
func WithUsageRecorder(r usage.Recorder) EngineOption {
	return func(e *WorkflowEngine) {
		e.usage = r
	}
}

// WithArchiver enables Archive.
func WithArchiver(a Archiver) EngineOption {
	return func(e *WorkflowEngine) {
		e.archiver = a
	}
}

// WithEngineLogger sets the structured logger.
func WithEngineLogger(l *logger.Logger) EngineOption {
	return func(e *WorkflowEngine) {
		e.logger = l
	}
}

// WithReplayRetention sets how long the broadcaster keeps replay events of
// a finished run.
func WithReplayRetention(d time.Duration) EngineOption {
	return func(e *WorkflowEngine) {
		if d > 0 {
			e.replayRetention = d
		}
	}
}

// WithIDGenerator replaces uuid-based run ids.
func WithIDGenerator(fn func() string) EngineOption {
	return func(e *WorkflowEngine) {
		e.newID = fn
	}
}

// NewWorkflowEngine creates an engine. A nil broadcaster gets a private one.
func NewWorkflowEngine(store WorkflowStore, completer ChatCompleter, broadcaster *Broadcaster, opts ...EngineOption) *WorkflowEngine {
	if broadcaster == nil {
		broadcaster = NewBroadcaster()
	}
	e := &WorkflowEngine{
		store:       store,
		completer:   completer,
		broadcaster: broadcaster,
		pipeline:    DefaultPipeline(),
		logger:      logger.New("orchestrator"),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		active:      make(map[string]*runHandle),

		replayRetention: DefaultReplayRetention,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broadcaster returns the event broadcaster runs publish to.
func (e *WorkflowEngine) Broadcaster() *Broadcaster {
	return e.broadcaster
}

// Pipeline returns a copy of the configured steps.
func (e *WorkflowEngine) Pipeline() []AgentStep {
	return append([]AgentStep(nil), e.pipeline...)
}

// Start creates a run in running state and executes it in the background.
// The returned snapshot has every step idle. ctx only bounds the initial
// store write; the run itself outlives the caller's request.
func (e *WorkflowEngine) Start(ctx context.Context, ownerID, prompt string, opts StartOptions) (*WorkflowRun, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if opts.Steps < 0 {
		return nil, fmt.Errorf("%w: steps must not be negative", ErrInvalidOptions)
	}
	if opts.MaxTokens < 0 {
		return nil, fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidOptions)
	}
	if opts.Temperature != nil && (*opts.Temperature < 0 || *opts.Temperature > MaxLLMTemperature) {
		return nil, fmt.Errorf("%w: temperature must be between 0 and %.1f", ErrInvalidOptions, MaxLLMTemperature)
	}

	steps := e.planSteps(opts)
	now := e.now()
	run := NewWorkflowRun(e.newID(), ownerID, prompt, stepNames(steps), now)
	run.ProjectName = opts.ProjectName
	if err := run.transition(StatusRunning, now); err != nil {
		return nil, err
	}

	// Registered before the first write so a Cancel racing the write still
	// finds the handle.
	runCtx, cancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: cancel}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		cancel()
		return nil, ErrShuttingDown
	}
	e.wg.Add(1)
	e.active[run.ID] = h
	e.mu.Unlock()

	if err := e.store.Put(ctx, run); err != nil {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
		cancel()
		e.wg.Done()
		return nil, fmt.Errorf("failed to store workflow: %w", err)
	}

	promWorkflowsStarted.Inc()
	promActiveWorkflows.Inc()
	e.logger.Info(ownerID, run.ID, "Workflow started", map[string]interface{}{
		"steps":        len(steps),
		"project_name": run.ProjectName,
	})
	e.publish(h, NewWorkflowEvent(run.ID, EventStatus, map[string]interface{}{
		"status":      string(StatusRunning),
		"total_steps": len(steps),
	}))

	snapshot := run.Clone()
	go e.execute(runCtx, h, run.ID, run.OwnerID, steps)
	return snapshot, nil
}

// planSteps applies StartOptions to the pipeline.
func (e *WorkflowEngine) planSteps(opts StartOptions) []AgentStep {
	steps := e.Pipeline()
	if opts.Steps > 0 && opts.Steps < len(steps) {
		steps = steps[:opts.Steps]
	}
	for i := range steps {
		if opts.Temperature != nil {
			steps[i].Temperature = *opts.Temperature
		}
		if opts.MaxTokens > 0 {
			steps[i].MaxTokens = opts.MaxTokens
		}
	}
	return steps
}

func (e *WorkflowEngine) execute(ctx context.Context, h *runHandle, id, ownerID string, steps []AgentStep) {
	started := e.now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ownerID, id, "Workflow panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
			e.failRun(h, id, ownerID, -1, fmt.Sprintf("internal error: %v", r))
		}
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
		h.cancel()
		promActiveWorkflows.Dec()
		e.wg.Done()
	}()

	total := len(steps)
	prior := make([]priorOutput, 0, total)

	for i, step := range steps {
		if ctx.Err() != nil {
			e.logCancelled(ownerID, id, step.Name)
			return
		}

		run, err := e.applyStepDetached(id, func(r *WorkflowRun) (StepResult, error) {
			return r.startStep(i, e.now())
		})
		if err != nil {
			e.handleWriteError(h, ownerID, id, i, step.Name, err)
			return
		}

		e.publish(h, NewWorkflowEvent(id, EventProgress, map[string]interface{}{
			"step":        i + 1,
			"step_name":   step.Name,
			"total_steps": total,
			"status":      string(StepRunning),
			"message":     fmt.Sprintf("Running %s", step.Name),
			"progress":    progressPercent(i, total),
		}))

		messages := buildStepMessages(step, run.Prompt, prior, e.maxContextChars)
		stepStart := time.Now()
		result, err := e.completer.Complete(ctx, messages, llm.CompletionOptions{
			Temperature: llm.Float(step.Temperature),
			MaxTokens:   step.MaxTokens,
		})

		if ctx.Err() != nil {
			// Cancel already moved the run to cancelled; drop whatever came back.
			e.logCancelled(ownerID, id, step.Name)
			return
		}
		if err != nil {
			promStepDuration.WithLabelValues("error").Observe(float64(time.Since(stepStart).Milliseconds()))
			e.failRun(h, id, ownerID, i, err.Error())
			return
		}
		promStepDuration.WithLabelValues("completed").Observe(float64(time.Since(stepStart).Milliseconds()))

		_, err = e.applyStepDetached(id, func(r *WorkflowRun) (StepResult, error) {
			return r.completeStep(i, result.Content, result.PairID, result.Usage.TotalTokens, e.now())
		})
		if err != nil {
			e.handleWriteError(h, ownerID, id, i, step.Name, err)
			return
		}

		e.recordUsage(ownerID, id, step.Name, result)
		prior = append(prior, priorOutput{Name: step.Name, Output: result.Content})

		e.logger.InfoWithDuration(ownerID, id, "Step completed", float64(time.Since(stepStart).Milliseconds()), map[string]interface{}{
			"step":     step.Name,
			"pair_id":  result.PairID,
			"attempts": result.Attempts,
			"tokens":   result.Usage.TotalTokens,
		})
		e.publish(h, NewWorkflowEvent(id, EventProgress, map[string]interface{}{
			"step":        i + 1,
			"step_name":   step.Name,
			"total_steps": total,
			"status":      string(StepCompleted),
			"message":     fmt.Sprintf("%s completed", step.Name),
			"progress":    progressPercent(i+1, total),
		}))
	}

	_, err := e.updateDetached(id, func(r *WorkflowRun) error {
		return r.transition(StatusCompleted, e.now())
	})
	if err != nil {
		e.handleWriteError(h, ownerID, id, -1, "", err)
		return
	}

	duration := e.now().Sub(started)
	promWorkflowsFinished.WithLabelValues(string(StatusCompleted)).Inc()
	e.logger.InfoWithDuration(ownerID, id, "Workflow completed", float64(duration.Milliseconds()), nil)
	e.publishTerminal(h, id, NewWorkflowEvent(id, EventComplete, map[string]interface{}{
		"success":     true,
		"status":      string(StatusCompleted),
		"duration_ms": duration.Milliseconds(),
	}))
}

// failRun marks step (when >= 0) as errored and the run as failed in one
// write, then emits error and complete events. Nothing is emitted unless
// the failure was stored.
func (e *WorkflowEngine) failRun(h *runHandle, id, ownerID string, step int, msg string) {
	var stepName string
	_, err := e.updateDetached(id, func(r *WorkflowRun) error {
		now := e.now()
		if step < 0 {
			step = runningStep(r)
		}
		if step >= 0 && step < len(r.Steps) {
			stepName = r.Steps[step].Name
			if r.Steps[step].Status == StepRunning {
				if _, err := r.errorStep(step, msg, now); err != nil {
					return err
				}
			}
		}
		runMsg := msg
		if stepName != "" {
			runMsg = fmt.Sprintf("step %q failed: %s", stepName, msg)
		}
		return r.fail(runMsg, now)
	})
	if err != nil {
		if errors.Is(err, ErrTerminalState) {
			return
		}
		// Nothing was stored, so nothing is announced.
		e.logger.Error(ownerID, id, "Failed to record workflow failure", map[string]interface{}{
			"error":  err.Error(),
			"reason": msg,
		})
		return
	}

	promWorkflowsFinished.WithLabelValues(string(StatusFailed)).Inc()
	e.logger.Error(ownerID, id, "Workflow failed", map[string]interface{}{
		"step":  stepName,
		"error": msg,
	})

	payload := map[string]interface{}{"message": msg}
	if step >= 0 {
		payload["step"] = step + 1
		payload["step_name"] = stepName
	}
	e.publishTerminal(h, id,
		NewWorkflowEvent(id, EventError, payload),
		NewWorkflowEvent(id, EventComplete, map[string]interface{}{
			"success": false,
			"status":  string(StatusFailed),
			"error":   msg,
		}),
	)
}

// handleWriteError stops a run whose store write failed. A terminal run was
// cancelled concurrently and needs nothing more.
func (e *WorkflowEngine) handleWriteError(h *runHandle, ownerID, id string, step int, stepName string, err error) {
	if errors.Is(err, ErrTerminalState) {
		e.logCancelled(ownerID, id, stepName)
		return
	}
	e.failRun(h, id, ownerID, step, fmt.Sprintf("failed to persist workflow state: %v", err))
}

// publish emits ev unless the run's terminal events already went out.
// A nil handle publishes unconditionally.
func (e *WorkflowEngine) publish(h *runHandle, ev WorkflowEvent) {
	if h == nil {
		e.broadcaster.Publish(ev)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal {
		return
	}
	e.broadcaster.Publish(ev)
}

// publishTerminal emits the run's final events once, then schedules its
// replay buffer for release.
func (e *WorkflowEngine) publishTerminal(h *runHandle, id string, events ...WorkflowEvent) {
	if h != nil {
		h.mu.Lock()
		if h.terminal {
			h.mu.Unlock()
			return
		}
		h.terminal = true
		defer h.mu.Unlock()
	}
	for _, ev := range events {
		e.broadcaster.Publish(ev)
	}
	time.AfterFunc(e.replayRetention, func() {
		e.broadcaster.Forget(id)
	})
}

func (e *WorkflowEngine) logCancelled(ownerID, id, stepName string) {
	cerr := &CancellationError{WorkflowID: id, Step: stepName}
	e.logger.Info(ownerID, id, "Discarding step after cancellation", map[string]interface{}{"reason": cerr.Error()})
}

func (e *WorkflowEngine) recordUsage(ownerID, id, stepName string, result *llm.CompletionResult) {
	if e.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := e.usage.RecordLLMRequest(ctx, usage.LLMRequestEvent{
		OwnerID:          ownerID,
		WorkflowID:       id,
		StepName:         stepName,
		PairID:           result.PairID,
		Model:            result.Model,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
		LatencyMs:        result.Latency.Milliseconds(),
		Attempts:         result.Attempts,
	})
	if err != nil {
		e.logger.Warn(ownerID, id, "Failed to record usage", map[string]interface{}{"error": err.Error()})
	}
}

// updateDetached runs update outside any caller context, for the background
// executor.
func (e *WorkflowEngine) updateDetached(id string, mutate func(*WorkflowRun) error) (*WorkflowRun, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return e.update(ctx, id, mutate)
}

func (e *WorkflowEngine) applyStepDetached(id string, mutate func(*WorkflowRun) (StepResult, error)) (*WorkflowRun, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return e.applyStep(ctx, id, mutate)
}

// update applies mutate to the latest stored run and writes it back,
// retrying on version conflicts.
func (e *WorkflowEngine) update(ctx context.Context, id string, mutate func(*WorkflowRun) error) (*WorkflowRun, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		run, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(run); err != nil {
			return nil, err
		}
		err = e.store.Put(ctx, run)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// applyStep is update for a single step slot, written with UpdateStep.
func (e *WorkflowEngine) applyStep(ctx context.Context, id string, mutate func(*WorkflowRun) (StepResult, error)) (*WorkflowRun, error) {
	var lastErr error
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		run, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		step, err := mutate(run)
		if err != nil {
			return nil, err
		}
		version, err := e.store.UpdateStep(ctx, id, step, run.Version)
		if err == nil {
			run.Version = version
			return run, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Cancel moves a pending or running run to cancelled and aborts its
// in-flight step. It returns false for unknown or terminal runs.
func (e *WorkflowEngine) Cancel(ctx context.Context, id string) bool {
	run, err := e.update(ctx, id, func(r *WorkflowRun) error {
		return r.cancel(e.now())
	})
	if err != nil {
		if !errors.Is(err, ErrTerminalState) && !errors.Is(err, ErrWorkflowNotFound) {
			e.logger.Error("", id, "Failed to cancel workflow", map[string]interface{}{"error": err.Error()})
		}
		return false
	}

	e.mu.Lock()
	h := e.active[id]
	e.mu.Unlock()
	if h != nil {
		h.cancel()
	}

	promWorkflowsFinished.WithLabelValues(string(StatusCancelled)).Inc()
	e.logger.Info(run.OwnerID, id, "Workflow cancelled", map[string]interface{}{
		"completed_steps": run.CompletedSteps(),
	})
	e.publishTerminal(h, id,
		NewWorkflowEvent(id, EventStatus, map[string]interface{}{
			"status": string(StatusCancelled),
		}),
		NewWorkflowEvent(id, EventComplete, map[string]interface{}{
			"success":   false,
			"status":    string(StatusCancelled),
			"cancelled": true,
		}),
	)
	return true
}

// GetStatus returns a snapshot of the run.
func (e *WorkflowEngine) GetStatus(ctx context.Context, id string) (*WorkflowRun, error) {
	return e.store.Get(ctx, id)
}

// List returns the owner's runs, newest first.
func (e *WorkflowEngine) List(ctx context.Context, ownerID string) ([]*WorkflowRun, error) {
	return e.store.List(ctx, ownerID)
}

// Archive writes a terminal run to the archiver and evicts it from the
// store. It returns the archive location.
func (e *WorkflowEngine) Archive(ctx context.Context, id string) (string, error) {
	if e.archiver == nil {
		return "", ErrArchiveDisabled
	}
	run, err := e.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !run.Status.IsTerminal() {
		return "", fmt.Errorf("%w: run %s is %s", ErrNotTerminal, id, run.Status)
	}

	location, err := e.archiver.Archive(ctx, run)
	if err != nil {
		return "", err
	}
	if err := e.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrWorkflowNotFound) {
		return "", fmt.Errorf("workflow archived to %s but not evicted: %w", location, err)
	}
	e.broadcaster.Forget(id)

	e.logger.Info(run.OwnerID, id, "Workflow archived", map[string]interface{}{"location": location})
	return location, nil
}

// ActiveCount returns the number of runs still executing.
func (e *WorkflowEngine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown stops accepting runs and waits for running ones. When ctx ends
// first, the remaining runs are cancelled and ctx's error is returned.
func (e *WorkflowEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.Cancel(context.Background(), id)
	}

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		e.logger.Warn("", "", "Workflows still running after shutdown grace period", map[string]interface{}{
			"active": e.ActiveCount(),
		})
	}
	return ctx.Err()
}

// runningStep returns the index of the running step, or -1.
func runningStep(r *WorkflowRun) int {
	for i, s := range r.Steps {
		if s.Status == StepRunning {
			return i
		}
	}
	return -1
}

func progressPercent(done, total int) int {
	if total == 0 {
		return 100
	}
	return done * 100 / total
}
