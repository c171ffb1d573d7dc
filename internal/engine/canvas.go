package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/taskforge/taskforge/internal/model"
)

// chainRun tracks the not-yet-submitted remainder of a chain while one step
// executes. The engine's chains map keys it by the active step's task id.
type chainRun struct {
	id        string
	remaining []*model.Task
}

// chordRun is the barrier state for one chord. Each member's first terminal
// notification decrements remaining; the decrement is atomic, so exactly one
// caller observes the zero transition and submits the callback. slots is
// written once per member at its fixed index before the decrement, which the
// atomic operation orders ahead of the zero observer's read.
type chordRun struct {
	id        string
	callback  *model.Task
	remaining atomic.Int64
	slots     []any
	failFast  bool
	fired     atomic.Bool
}

type chordMember struct {
	run *chordRun
	idx int
}

// ChordOption configures chord behavior.
type ChordOption func(*chordRun)

// WithFailFast makes the chord callback fail as soon as any member fails,
// instead of the default policy of aggregating every member outcome (with
// failed members represented as error markers) once all reach a terminal
// state. Remaining members still run to completion either way.
func WithFailFast() ChordOption {
	return func(c *chordRun) { c.failFast = true }
}

// SubmitChain validates and submits a sequential chain. Every step is
// recorded up front so the whole pipeline is visible in the audit trail; the
// final step's id doubles as the chain's result handle. Each step's declared
// arguments are extended with the prior step's result as the first argument.
func (e *Engine) SubmitChain(ctx context.Context, steps []Invocation) ([]*model.Task, error) {
	if len(steps) == 0 {
		return nil, &CompositionError{Reason: "chain has no steps"}
	}
	for _, s := range steps {
		if err := e.validate(s); err != nil {
			return nil, err
		}
	}

	chainID := model.NewID()
	tasks := make([]*model.Task, len(steps))
	for i, s := range steps {
		tasks[i] = newTask(s, model.ParentChain, chainID)
		if err := e.tracker.RecordCreated(ctx, tasks[i]); err != nil {
			return nil, fmt.Errorf("record chain step: %w", err)
		}
	}

	e.mu.Lock()
	e.chains[tasks[0].ID] = &chainRun{id: chainID, remaining: tasks[1:]}
	e.mu.Unlock()

	if err := e.submit(ctx, tasks[0]); err != nil {
		// afterTerminal already aborted the remaining steps.
		return nil, err
	}
	return tasks, nil
}

// SubmitGroup validates and concurrently submits independent members tagged
// with a shared group id. Members succeed and fail independently; the group
// is complete once every member is terminal, which callers observe through
// status queries rather than a callback.
func (e *Engine) SubmitGroup(ctx context.Context, members []Invocation) (string, []*model.Task, error) {
	if len(members) == 0 {
		return "", nil, &CompositionError{Reason: "group has no members"}
	}
	for _, m := range members {
		if err := e.validate(m); err != nil {
			return "", nil, err
		}
	}

	groupID := model.NewID()
	tasks := make([]*model.Task, len(members))
	for i, m := range members {
		tasks[i] = newTask(m, model.ParentGroup, groupID)
		if err := e.tracker.RecordCreated(ctx, tasks[i]); err != nil {
			return "", nil, fmt.Errorf("record group member: %w", err)
		}
	}
	for _, t := range tasks {
		if err := e.submit(ctx, t); err != nil {
			e.logger.Error("group member submission failed", "group_id", groupID, "task_id", t.ID, "error", err)
		}
	}
	return groupID, tasks, nil
}

// SubmitChord submits a group whose completion triggers a callback exactly
// once. The callback receives the ordered list of member outcomes (result,
// or an error marker for failed members, in submission order) prepended to
// its declared arguments.
func (e *Engine) SubmitChord(ctx context.Context, members []Invocation, callback Invocation, opts ...ChordOption) (string, *model.Task, []*model.Task, error) {
	if len(members) == 0 {
		return "", nil, nil, &CompositionError{Reason: "chord has no members"}
	}
	if err := e.validate(callback); err != nil {
		return "", nil, nil, err
	}
	for _, m := range members {
		if err := e.validate(m); err != nil {
			return "", nil, nil, err
		}
	}

	chordID := model.NewID()
	cb := newTask(callback, model.ParentChord, chordID)
	if err := e.tracker.RecordCreated(ctx, cb); err != nil {
		return "", nil, nil, fmt.Errorf("record chord callback: %w", err)
	}

	run := &chordRun{
		id:       chordID,
		callback: cb,
		slots:    make([]any, len(members)),
	}
	run.remaining.Store(int64(len(members)))
	for _, opt := range opts {
		opt(run)
	}

	tasks := make([]*model.Task, len(members))
	for i, m := range members {
		tasks[i] = newTask(m, model.ParentChord, chordID)
		if err := e.tracker.RecordCreated(ctx, tasks[i]); err != nil {
			return "", nil, nil, fmt.Errorf("record chord member: %w", err)
		}
	}

	e.mu.Lock()
	for i, t := range tasks {
		e.chords[t.ID] = &chordMember{run: run, idx: i}
	}
	e.mu.Unlock()

	for _, t := range tasks {
		if err := e.submit(ctx, t); err != nil {
			e.logger.Error("chord member submission failed", "chord_id", chordID, "task_id", t.ID, "error", err)
		}
	}
	return chordID, cb, tasks, nil
}

// afterTerminal advances compositions once a task's terminal write has been
// performed. It runs at most once per task id because the tracker admits a
// single terminal write.
func (e *Engine) afterTerminal(ctx context.Context, id, status string, result []byte, errMsg string) {
	e.mu.Lock()
	chain, isChainStep := e.chains[id]
	if isChainStep {
		delete(e.chains, id)
	}
	member, isChordMember := e.chords[id]
	if isChordMember {
		delete(e.chords, id)
	}
	e.mu.Unlock()

	if isChainStep {
		e.advanceChain(ctx, chain, status, result, errMsg)
	}
	if isChordMember {
		e.arriveAtChord(ctx, member, id, status, result, errMsg)
	}
}

// advanceChain submits the next step with the finished step's result threaded
// in, or aborts the remainder on a non-success terminal.
func (e *Engine) advanceChain(ctx context.Context, run *chainRun, status string, result []byte, errMsg string) {
	if status != model.StatusSuccess {
		reason := fmt.Sprintf("chain aborted: upstream step %s", strings.ToLower(status))
		if errMsg != "" {
			reason += ": " + errMsg
		}
		e.abortChain(ctx, run.id, run.remaining, reason)
		return
	}
	if len(run.remaining) == 0 {
		e.logger.Debug("chain complete", "chain_id", run.id)
		return
	}

	next := run.remaining[0]
	var prev any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &prev); err != nil {
			e.abortChain(ctx, run.id, run.remaining, "chain aborted: undecodable upstream result")
			return
		}
	}
	boundArgs := append([]any{prev}, next.Args...)
	if err := e.tracker.BindArgs(ctx, next.ID, boundArgs); err != nil {
		// The step left PENDING behind our back (revoked); treat as abort.
		e.abortChain(ctx, run.id, run.remaining, "chain aborted: next step no longer pending")
		return
	}

	nextCopy := *next
	nextCopy.Args = boundArgs

	e.mu.Lock()
	e.chains[next.ID] = &chainRun{id: run.id, remaining: run.remaining[1:]}
	e.mu.Unlock()

	if err := e.submit(ctx, &nextCopy); err != nil {
		// afterTerminal for the rejected step aborted the rest of the chain.
		e.logger.Debug("chain step submission rejected", "chain_id", run.id, "task_id", next.ID)
	}
}

// abortChain marks every never-submitted step FAILURE with the propagated
// upstream error, so the chain's final step reflects the step that broke it.
func (e *Engine) abortChain(ctx context.Context, chainID string, remaining []*model.Task, reason string) {
	for _, s := range remaining {
		if _, err := e.tracker.RecordTerminal(ctx, s.ID, model.StatusFailure, nil, reason); err != nil {
			e.logger.Error("failed to abort chain step", "chain_id", chainID, "task_id", s.ID, "error", err)
		}
	}
	if len(remaining) > 0 {
		e.logger.Info("chain aborted", "chain_id", chainID, "skipped_steps", len(remaining), "reason", reason)
	}
}

// arriveAtChord records one member's outcome in its slot and performs the
// barrier decrement. No two decrements can both observe zero, so the
// callback is submitted exactly once no matter how member completions
// interleave across workers.
func (e *Engine) arriveAtChord(ctx context.Context, m *chordMember, id, status string, result []byte, errMsg string) {
	run := m.run

	if status == model.StatusSuccess {
		var v any
		if len(result) > 0 {
			if err := json.Unmarshal(result, &v); err != nil {
				e.logger.Error("undecodable chord member result", "chord_id", run.id, "task_id", id, "error", err)
			}
		}
		run.slots[m.idx] = v
	} else {
		marker := map[string]any{"error": errMsg, "task_id": id}
		if errMsg == "" {
			marker["error"] = strings.ToLower(status)
		}
		run.slots[m.idx] = marker

		if run.failFast && run.fired.CompareAndSwap(false, true) {
			reason := fmt.Sprintf("chord member %s %s", id, strings.ToLower(status))
			if errMsg != "" {
				reason += ": " + errMsg
			}
			if _, err := e.tracker.RecordTerminal(ctx, run.callback.ID, model.StatusFailure, nil, reason); err != nil {
				e.logger.Error("failed to fail chord callback", "chord_id", run.id, "error", err)
			}
		}
	}

	if run.remaining.Add(-1) != 0 {
		return
	}
	if !run.fired.CompareAndSwap(false, true) {
		// Fail-fast already settled the callback.
		return
	}

	cb := *run.callback
	cb.Args = append([]any{append([]any(nil), run.slots...)}, cb.Args...)
	if err := e.tracker.BindArgs(ctx, cb.ID, cb.Args); err != nil {
		e.logger.Error("failed to bind chord callback args", "chord_id", run.id, "error", err)
		return
	}
	chordCallbacksTotal.Inc()
	e.logger.Info("chord barrier released", "chord_id", run.id, "members", len(run.slots))
	if err := e.submit(ctx, &cb); err != nil {
		e.logger.Error("chord callback submission failed", "chord_id", run.id, "error", err)
	}
}
