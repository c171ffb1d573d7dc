// Package track implements the persistent state tracker for task lifecycles.
// It is the single writer of authoritative task status: the runtime's
// at-least-once notifications are funneled through Record* methods, which
// tolerate duplicated and out-of-order delivery and enforce that the first
// terminal write for a task id wins.
package track

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/taskforge/taskforge/internal/model"
	"github.com/taskforge/taskforge/internal/store"
)

// Tracker records task lifecycle transitions into the store.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
}

// StatusCount is one row of an overview status breakdown.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Overview is a read-only snapshot of tracked state.
type Overview struct {
	TotalTasks      int           `json:"total_tasks"`
	StatusBreakdown []StatusCount `json:"status_breakdown"`
	RecentTasks     []*model.Task `json:"recent_tasks"`
}

// New creates a tracker over the given store.
func New(s store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: s, logger: logger}
}

// RecordCreated persists a new task record. Redelivered creation
// notifications for an existing id leave the stored record untouched.
func (t *Tracker) RecordCreated(ctx context.Context, task *model.Task) error {
	if task.Status == "" {
		task.Status = model.StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	created, err := t.store.CreateTask(ctx, task)
	if err != nil {
		return err
	}
	if !created {
		t.logger.Debug("duplicate creation notification ignored", "task_id", task.ID)
	}
	return nil
}

// BindArgs rebinds the stored arguments of a still-pending task. Chain
// advancement uses this to persist the threaded upstream result, keeping the
// audit trail consistent with what executes.
func (t *Tracker) BindArgs(ctx context.Context, id string, args []any) error {
	return t.store.UpdateTaskArgs(ctx, id, args)
}

// RecordStarted marks a task STARTED. A STARTED notification arriving after
// a terminal one is discarded. It reports whether the transition applied.
func (t *Tracker) RecordStarted(ctx context.Context, id string) (bool, error) {
	applied, err := t.store.MarkStarted(ctx, id, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !applied {
		t.logger.Debug("out-of-order started notification dropped", "task_id", id)
	}
	return applied, nil
}

// RecordRetry moves a STARTED task into RETRY, incrementing its retry count.
// The transition applies at most once per retry cycle.
func (t *Tracker) RecordRetry(ctx context.Context, id string) (bool, error) {
	return t.store.MarkRetry(ctx, id)
}

// RecordTerminal writes a terminal status. Repeated identical terminal
// notifications are no-ops; a conflicting terminal notification is logged
// and dropped, leaving the first writer authoritative. It reports whether
// this call performed the terminal write.
func (t *Tracker) RecordTerminal(ctx context.Context, id, status string, result []byte, errMsg string) (bool, error) {
	if !model.Terminal(status) {
		return false, store.ErrInvalidTransition
	}
	applied, err := t.store.MarkTerminal(ctx, id, status, result, errMsg, time.Now().UTC())
	if errors.Is(err, store.ErrAlreadyTerminal) {
		current, getErr := t.store.GetTask(ctx, id)
		currentStatus := "unknown"
		if getErr == nil {
			currentStatus = current.Status
		}
		t.logger.Warn("conflicting terminal notification dropped",
			"task_id", id,
			"attempted", status,
			"recorded", currentStatus,
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Get returns the tracked record for a task id.
func (t *Tracker) Get(ctx context.Context, id string) (*model.Task, error) {
	return t.store.GetTask(ctx, id)
}

// List returns a page of tracked tasks, most recent first.
func (t *Tracker) List(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	return t.store.ListTasks(ctx, limit, offset)
}

// Overview returns the total task count, a per-status breakdown sorted by
// status name, and the most recently created tasks.
func (t *Tracker) Overview(ctx context.Context, recent int) (*Overview, error) {
	stats, err := t.store.GetTaskStats(ctx)
	if err != nil {
		return nil, err
	}
	tasks, _, err := t.store.ListTasks(ctx, recent, 0)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}

	breakdown := make([]StatusCount, 0, len(stats.CountByStatus))
	for status, count := range stats.CountByStatus {
		breakdown = append(breakdown, StatusCount{Status: status, Count: count})
	}
	sort.Slice(breakdown, func(i, j int) bool {
		return breakdown[i].Status < breakdown[j].Status
	})

	return &Overview{
		TotalTasks:      stats.Total,
		StatusBreakdown: breakdown,
		RecentTasks:     tasks,
	}, nil
}
