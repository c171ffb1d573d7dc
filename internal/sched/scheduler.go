// Package sched runs periodic task schedules. Each entry triggers a
// registered task on a crontab expression or a fixed interval; due entries
// are picked up by a sweep loop and submitted through the engine.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskforge/taskforge/internal/engine"
	"github.com/taskforge/taskforge/internal/model"
	"github.com/taskforge/taskforge/internal/store"
)

// Submitter is the slice of the engine the scheduler needs.
type Submitter interface {
	SubmitTask(ctx context.Context, inv engine.Invocation) (*model.Task, error)
}

// Validate checks that an entry names a task and carries exactly one trigger:
// a parseable five-field crontab expression or a positive interval.
func Validate(e *model.ScheduleEntry) error {
	if e.Name == "" {
		return fmt.Errorf("schedule name is empty")
	}
	if e.TaskName == "" {
		return fmt.Errorf("schedule %q: task name is empty", e.Name)
	}
	hasCron := e.Crontab != ""
	hasInterval := e.IntervalS != nil
	if hasCron == hasInterval {
		return fmt.Errorf("schedule %q: exactly one of crontab or interval_seconds required", e.Name)
	}
	if hasCron {
		if _, err := cron.ParseStandard(e.Crontab); err != nil {
			return fmt.Errorf("schedule %q: invalid crontab %q: %w", e.Name, e.Crontab, err)
		}
	}
	if hasInterval && *e.IntervalS <= 0 {
		return fmt.Errorf("schedule %q: interval_seconds must be positive", e.Name)
	}
	return nil
}

// NextRun computes the entry's next firing time after from.
func NextRun(e *model.ScheduleEntry, from time.Time) (time.Time, error) {
	if e.Crontab != "" {
		sched, err := cron.ParseStandard(e.Crontab)
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		return sched.Next(from), nil
	}
	if e.IntervalS == nil {
		return time.Time{}, fmt.Errorf("schedule %q: no trigger configured", e.Name)
	}
	return from.Add(time.Duration(*e.IntervalS) * time.Second), nil
}

// Scheduler sweeps schedule entries and submits the due ones.
type Scheduler struct {
	store  store.Store
	submit Submitter
	logger *slog.Logger
	tick   time.Duration
}

// New creates a scheduler sweeping at the given tick interval.
func New(s store.Store, submit Submitter, logger *slog.Logger, tick time.Duration) *Scheduler {
	return &Scheduler{store: s, submit: submit, logger: logger, tick: tick}
}

// Run sweeps until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now.UTC())
		}
	}
}

// Sweep fires every enabled entry whose next_run has arrived. An entry with
// no next_run yet (just created, or re-enabled) gets one initialized from now
// without firing, so enabling a schedule never causes an immediate burst.
// After a firing, next_run is recomputed from now rather than from the
// previous next_run: a sweep delayed past several periods fires once, not
// once per missed period.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	entries, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("failed to list schedules", "error", err)
		return
	}

	for _, e := range entries {
		if e.NextRun == nil {
			next, err := NextRun(e, now)
			if err != nil {
				s.logger.Error("failed to initialize schedule", "schedule", e.Name, "error", err)
				continue
			}
			if err := s.store.UpdateScheduleRun(ctx, e.Name, nil, next); err != nil {
				s.logger.Error("failed to store next run", "schedule", e.Name, "error", err)
			}
			continue
		}
		if e.NextRun.After(now) {
			continue
		}
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *model.ScheduleEntry, now time.Time) {
	next, err := NextRun(e, now)
	if err != nil {
		s.logger.Error("failed to compute next run", "schedule", e.Name, "error", err)
		return
	}
	// Advance next_run before submitting so a submission failure cannot make
	// the entry fire on every subsequent sweep.
	if err := s.store.UpdateScheduleRun(ctx, e.Name, &now, next); err != nil {
		s.logger.Error("failed to record schedule run", "schedule", e.Name, "error", err)
		return
	}

	task, err := s.submit.SubmitTask(ctx, engine.Invocation{
		Name:   e.TaskName,
		Args:   e.Args,
		Kwargs: e.Kwargs,
	})
	if err != nil {
		s.logger.Error("scheduled submission failed", "schedule", e.Name, "task", e.TaskName, "error", err)
		return
	}
	s.logger.Info("schedule fired",
		"schedule", e.Name,
		"task", e.TaskName,
		"task_id", task.ID,
		"next_run", next,
	)
}
