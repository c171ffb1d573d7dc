package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/model"
	"github.com/taskforge/taskforge/internal/registry"
	"github.com/taskforge/taskforge/internal/runtime"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/track"
)

// awaitPollInterval is how often Await re-reads the tracker.
const awaitPollInterval = 15 * time.Millisecond

// Invocation describes one task call to submit: a registered name plus its
// declared arguments.
type Invocation struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// Engine is the orchestration core. It validates and submits work to the
// runtime, consumes the runtime's at-least-once lifecycle notifications,
// applies retry policy on failure, advances chains, and fires chord
// callbacks exactly once.
//
// The engine never writes task state directly; every transition goes through
// the tracker so there is a single writer per task id.
type Engine struct {
	reg      *registry.Registry
	tracker  *track.Tracker
	rt       runtime.Runtime
	progress *ProgressBroker
	logger   *slog.Logger
	defaults RetryPolicy

	mu     sync.Mutex
	chains map[string]*chainRun
	chords map[string]*chordMember
}

// Compile-time check: the engine is the runtime's notification sink.
var _ runtime.Notifier = (*Engine)(nil)

// New creates an engine. defaults supplies retry parameters for tasks whose
// policy leaves them unset.
func New(reg *registry.Registry, tracker *track.Tracker, rt runtime.Runtime, progress *ProgressBroker, logger *slog.Logger, defaults RetryPolicy) *Engine {
	return &Engine{
		reg:      reg,
		tracker:  tracker,
		rt:       rt,
		progress: progress,
		logger:   logger,
		defaults: defaults,
		chains:   make(map[string]*chainRun),
		chords:   make(map[string]*chordMember),
	}
}

// Progress returns the engine's progress broker.
func (e *Engine) Progress() *ProgressBroker {
	return e.progress
}

// Registry returns the engine's task registry.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Tracker returns the engine's state tracker.
func (e *Engine) Tracker() *track.Tracker {
	return e.tracker
}

// validate resolves an invocation against the registry, failing
// synchronously for unknown names.
func (e *Engine) validate(inv Invocation) error {
	if inv.Name == "" {
		return &CompositionError{Reason: "task name is empty"}
	}
	if _, ok := e.reg.Lookup(inv.Name); !ok {
		return &UnknownTaskError{Name: inv.Name}
	}
	return nil
}

// newTask materializes an invocation into a pending task record.
func newTask(inv Invocation, parentKind, parentID string) *model.Task {
	return &model.Task{
		ID:         model.NewID(),
		Name:       inv.Name,
		Args:       inv.Args,
		Kwargs:     inv.Kwargs,
		Status:     model.StatusPending,
		ParentKind: parentKind,
		ParentID:   parentID,
		CreatedAt:  time.Now().UTC(),
	}
}

// SubmitTask validates, records, and submits a single task.
func (e *Engine) SubmitTask(ctx context.Context, inv Invocation) (*model.Task, error) {
	if err := e.validate(inv); err != nil {
		return nil, err
	}
	t := newTask(inv, "", "")
	if err := e.tracker.RecordCreated(ctx, t); err != nil {
		return nil, fmt.Errorf("record task: %w", err)
	}
	if err := e.submit(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// submit hands a recorded task to the runtime, converting a rejection into a
// FAILURE so the audit trail never shows a task stuck in PENDING forever.
// The rejection flows through afterTerminal like any other terminal, so a
// rejected chord member still decrements its barrier and a rejected chain
// step still aborts the remainder.
func (e *Engine) submit(ctx context.Context, t *model.Task) error {
	if err := e.rt.Submit(ctx, t); err != nil {
		msg := "submission rejected: " + err.Error()
		applied, terr := e.tracker.RecordTerminal(ctx, t.ID, model.StatusFailure, nil, msg)
		if terr != nil {
			e.logger.Error("failed to record rejected submission", "task_id", t.ID, "error", terr)
		}
		if applied {
			tasksCompletedTotal.WithLabelValues(model.StatusFailure).Inc()
			e.afterTerminal(ctx, t.ID, model.StatusFailure, nil, msg)
		}
		return fmt.Errorf("submit task %s: %w", t.ID, err)
	}
	tasksSubmittedTotal.WithLabelValues(t.Name).Inc()
	return nil
}

// policyFor merges a task's registered policy with the engine defaults.
// Zero-valued fields inherit the default; a negative MaxRetries disables
// retries outright.
func (e *Engine) policyFor(name string) (RetryPolicy, func(error) bool) {
	pol := e.defaults
	classify := IsTransient

	entry, ok := e.reg.Lookup(name)
	if !ok {
		return pol, classify
	}
	p := entry.Policy
	switch {
	case p.MaxRetries < 0:
		pol.MaxRetries = 0
	case p.MaxRetries > 0:
		pol.MaxRetries = p.MaxRetries
	}
	if p.BaseDelay > 0 {
		pol.BaseDelay = p.BaseDelay
	}
	if p.MaxBackoff > 0 {
		pol.MaxBackoff = p.MaxBackoff
	}
	if p.Jitter {
		pol.Jitter = true
	}
	if p.Retryable != nil {
		classify = p.Retryable
	}
	return pol, classify
}

// OnStarted records the STARTED transition. Late or duplicated deliveries
// are dropped by the tracker.
func (e *Engine) OnStarted(id string) {
	if _, err := e.tracker.RecordStarted(context.Background(), id); err != nil {
		e.logger.Error("failed to record started", "task_id", id, "error", err)
	}
}

// OnProgress publishes a progress snapshot for an in-flight task.
func (e *Engine) OnProgress(id string, p model.Progress) {
	e.progress.Publish(id, p)
}

// OnSuccess records a successful completion and advances any composition
// the task belongs to. Redeliveries are no-ops: composition advancement
// only happens on the notification that actually performed the terminal
// write.
func (e *Engine) OnSuccess(id string, result any) {
	ctx := context.Background()

	payload, err := json.Marshal(result)
	if err != nil {
		e.logger.Error("failed to encode task result", "task_id", id, "error", err)
		payload = nil
	}

	applied, err := e.tracker.RecordTerminal(ctx, id, model.StatusSuccess, payload, "")
	if err != nil {
		e.logger.Error("failed to record success", "task_id", id, "error", err)
		return
	}
	if !applied {
		return
	}

	tasksCompletedTotal.WithLabelValues(model.StatusSuccess).Inc()
	e.progress.Clear(id)
	e.afterTerminal(ctx, id, model.StatusSuccess, payload, "")
}

// OnFailure applies the retry decision procedure: a retryable failure below
// the retry budget schedules a delayed resubmission; anything else is a
// terminal FAILURE propagated to dependent compositions.
func (e *Engine) OnFailure(id string, taskErr error) {
	ctx := context.Background()

	t, err := e.tracker.Get(ctx, id)
	if err != nil {
		e.logger.Error("failure notification for unknown task", "task_id", id, "error", err)
		return
	}

	pol, classify := e.policyFor(t.Name)
	if e.shouldRetry(taskErr, classify) && t.RetryCount < pol.MaxRetries {
		applied, err := e.tracker.RecordRetry(ctx, id)
		if err != nil {
			e.logger.Error("failed to record retry", "task_id", id, "error", err)
			return
		}
		if applied {
			delay := pol.Delay(t.RetryCount)
			e.logger.Info("scheduling retry",
				"task_id", id,
				"task", t.Name,
				"attempt", t.RetryCount+1,
				"max_retries", pol.MaxRetries,
				"delay", delay,
			)
			taskRetriesTotal.Inc()
			e.scheduleResubmit(id, delay)
		}
		// Not applied means a duplicate failure notification for a cycle
		// already handled, or the task was revoked meanwhile. Either way
		// there is nothing further to do.
		return
	}

	applied, err := e.tracker.RecordTerminal(ctx, id, model.StatusFailure, nil, taskErr.Error())
	if err != nil {
		e.logger.Error("failed to record failure", "task_id", id, "error", err)
		return
	}
	if !applied {
		return
	}

	tasksCompletedTotal.WithLabelValues(model.StatusFailure).Inc()
	e.progress.Clear(id)
	e.afterTerminal(ctx, id, model.StatusFailure, nil, taskErr.Error())
}

// shouldRetry classifies a failure. Hard-limit terminations and revocations
// are never retryable, whatever the task policy says.
func (e *Engine) shouldRetry(err error, classify func(error) bool) bool {
	if errors.Is(err, runtime.ErrHardTimeLimit) || errors.Is(err, runtime.ErrRevoked) {
		return false
	}
	return classify(err)
}

// scheduleResubmit re-fetches the task after the backoff delay and hands it
// back to the runtime for the next attempt.
func (e *Engine) scheduleResubmit(id string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx := context.Background()
		t, err := e.tracker.Get(ctx, id)
		if err != nil {
			e.logger.Error("failed to load task for retry", "task_id", id, "error", err)
			return
		}
		if t.Status != model.StatusRetry {
			// Revoked while waiting out the backoff.
			e.logger.Debug("skipping resubmission", "task_id", id, "status", t.Status)
			return
		}
		if err := e.submit(ctx, t); err != nil {
			e.logger.Error("failed to resubmit task", "task_id", id, "error", err)
		}
	})
}

// Revoke marks a task REVOKED unless it already reached a terminal status,
// in which case the call is a no-op and reports so. With terminate set, the
// runtime is additionally asked to stop a running execution; that signal is
// best-effort and does not affect the recorded state.
func (e *Engine) Revoke(ctx context.Context, id string, terminate bool) (*model.Task, bool, error) {
	applied, err := e.tracker.RecordTerminal(ctx, id, model.StatusRevoked, nil, "revoked")
	if err != nil {
		return nil, false, err
	}
	if applied {
		e.rt.Revoke(id, terminate)
		tasksCompletedTotal.WithLabelValues(model.StatusRevoked).Inc()
		e.progress.Clear(id)
		e.afterTerminal(ctx, id, model.StatusRevoked, nil, "revoked")
	}
	t, err := e.tracker.Get(ctx, id)
	if err != nil {
		return nil, applied, err
	}
	return t, applied, nil
}

// Await blocks until the task reaches a terminal status or the timeout
// elapses.
func (e *Engine) Await(ctx context.Context, id string, timeout time.Duration) (*model.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(awaitPollInterval)
	defer ticker.Stop()

	for {
		t, err := e.tracker.Get(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if err == nil && model.Terminal(t.Status) {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("task %s not terminal within %s: %w", id, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// HealthCheck submits a synthetic probe task and awaits its SUCCESS within
// the timeout, exercising the full submission, execution, and notification
// path.
func (e *Engine) HealthCheck(ctx context.Context, probeTask string, timeout time.Duration) error {
	t, err := e.SubmitTask(ctx, Invocation{Name: probeTask})
	if err != nil {
		return fmt.Errorf("submit health probe: %w", err)
	}
	got, err := e.Await(ctx, t.ID, timeout)
	if err != nil {
		return err
	}
	if got.Status != model.StatusSuccess {
		return fmt.Errorf("health probe %s finished %s: %s", t.ID, got.Status, got.Error)
	}
	return nil
}
