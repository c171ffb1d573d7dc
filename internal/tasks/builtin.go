// Package tasks provides the builtin task library: arithmetic helpers used
// by composition demos, misbehaving tasks that exercise retry and time-limit
// handling, the chord chunk/aggregate pair, the report generator, and a
// task-record cleanup job.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/taskforge/taskforge/internal/engine"
	"github.com/taskforge/taskforge/internal/model"
	"github.com/taskforge/taskforge/internal/registry"
	"github.com/taskforge/taskforge/internal/store"
)

// Deps carries the services builtin tasks need.
type Deps struct {
	Store  store.Store
	Logger *slog.Logger
}

// Register installs the builtin task library into reg.
func Register(reg *registry.Registry, deps Deps) {
	reg.Register("add", add, registry.Policy{})
	reg.Register("multiply", multiply, registry.Policy{})
	reg.Register("noop", noop, registry.Policy{})
	reg.Register("long_running", longRunning, registry.Policy{
		SoftTimeLimit: 5 * time.Minute,
		HardTimeLimit: 10 * time.Minute,
	})
	reg.Register("flaky", flaky, registry.Policy{
		MaxRetries: 5,
		BaseDelay:  200 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
		Jitter:     true,
	})
	reg.Register("sleepy", sleepy, registry.Policy{
		SoftTimeLimit: 5 * time.Second,
		HardTimeLimit: 30 * time.Second,
	})
	reg.Register("process_chunk", processChunk, registry.Policy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
	})
	reg.Register("aggregate_results", aggregateResults, registry.Policy{})
	reg.Register("generate_report", generateReport(deps), registry.Policy{
		HardTimeLimit: time.Minute,
	})
	reg.Register("cleanup_old_tasks", cleanupOldTasks(deps), registry.Policy{
		HardTimeLimit: time.Minute,
	})
	reg.Register("send_notification", sendNotification(deps), registry.Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
		Jitter:     true,
	})
}

func add(_ context.Context, c *registry.Call) (any, error) {
	sum := float64(0)
	for i, a := range c.Args {
		n, ok := toFloat(a)
		if !ok {
			return nil, fmt.Errorf("add: argument %d is not a number: %v", i, a)
		}
		sum += n
	}
	return sum, nil
}

func multiply(_ context.Context, c *registry.Call) (any, error) {
	product := float64(1)
	for i, a := range c.Args {
		n, ok := toFloat(a)
		if !ok {
			return nil, fmt.Errorf("multiply: argument %d is not a number: %v", i, a)
		}
		product *= n
	}
	return product, nil
}

// noop is the health probe: it exercises the full submission, execution, and
// notification path without doing anything.
func noop(_ context.Context, _ *registry.Call) (any, error) {
	return "ok", nil
}

// longRunning works through a configurable number of steps, publishing
// progress after each one. Kwargs: steps (default 10), step_ms (default 100).
func longRunning(ctx context.Context, c *registry.Call) (any, error) {
	steps := intKwarg(c.Kwargs, "steps", 10)
	stepMS := intKwarg(c.Kwargs, "step_ms", 100)
	if steps <= 0 {
		return nil, fmt.Errorf("long_running: steps must be positive, got %d", steps)
	}

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.SoftDeadline:
			return map[string]any{"steps_completed": i - 1, "partial": true}, nil
		case <-time.After(time.Duration(stepMS) * time.Millisecond):
		}
		if c.Progress != nil {
			c.Progress(i, steps, fmt.Sprintf("step %d of %d", i, steps))
		}
	}
	return map[string]any{"steps_completed": steps}, nil
}

// flaky fails with a transient error at a configurable probability.
// Kwargs: failure_rate (default 0.3).
func flaky(_ context.Context, c *registry.Call) (any, error) {
	rate := floatKwarg(c.Kwargs, "failure_rate", 0.3)
	if rand.Float64() < rate {
		return nil, engine.Transientf("simulated transient failure (rate %.2f)", rate)
	}
	return "survived", nil
}

// sleepy sleeps for duration_ms (default 10s), returning a partial result if
// the soft time limit expires first.
func sleepy(ctx context.Context, c *registry.Call) (any, error) {
	durationMS := intKwarg(c.Kwargs, "duration_ms", 10_000)
	start := time.Now()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.SoftDeadline:
		return map[string]any{
			"slept_ms": time.Since(start).Milliseconds(),
			"partial":  true,
		}, nil
	case <-time.After(time.Duration(durationMS) * time.Millisecond):
	}
	return map[string]any{"slept_ms": int64(durationMS)}, nil
}

// processChunk doubles every number in its first argument. It is the member
// half of the chord demo pair.
func processChunk(_ context.Context, c *registry.Call) (any, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("process_chunk: missing chunk argument")
	}
	chunk, ok := c.Args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("process_chunk: chunk is not a list: %v", c.Args[0])
	}
	out := make([]any, len(chunk))
	for i, item := range chunk {
		n, ok := toFloat(item)
		if !ok {
			return nil, fmt.Errorf("process_chunk: item %d is not a number: %v", i, item)
		}
		out[i] = n * 2
	}
	return out, nil
}

// aggregateResults is the chord callback half of the demo pair. Its first
// argument is the ordered list of member outcomes; failed members appear as
// error-marker objects and are counted rather than summed.
func aggregateResults(_ context.Context, c *registry.Call) (any, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("aggregate_results: missing results argument")
	}
	results, ok := c.Args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("aggregate_results: results is not a list: %v", c.Args[0])
	}

	var total float64
	items, failed := 0, 0
	for _, r := range results {
		switch v := r.(type) {
		case []any:
			for _, item := range v {
				if n, ok := toFloat(item); ok {
					total += n
					items++
				}
			}
		case map[string]any:
			if _, isMarker := v["error"]; isMarker {
				failed++
				continue
			}
			return nil, fmt.Errorf("aggregate_results: unexpected member result: %v", v)
		default:
			if n, ok := toFloat(r); ok {
				total += n
				items++
				continue
			}
			return nil, fmt.Errorf("aggregate_results: unexpected member result: %v", r)
		}
	}
	return map[string]any{
		"total":         total,
		"items":         items,
		"failed_chunks": failed,
	}, nil
}

// generateReport drives a report record through its lifecycle. Kwargs: type
// (TASK, ANALYTICS, or CUSTOM; default TASK), owner. The TASK report body is
// the current aggregate task statistics.
func generateReport(deps Deps) registry.Handler {
	return func(ctx context.Context, c *registry.Call) (any, error) {
		reportType := stringKwarg(c.Kwargs, "type", model.ReportTypeTask)
		switch reportType {
		case model.ReportTypeTask, model.ReportTypeAnalytics, model.ReportTypeCustom:
		default:
			return nil, fmt.Errorf("generate_report: unknown report type %q", reportType)
		}

		r := &model.Report{
			ID:        model.NewID(),
			Type:      reportType,
			Status:    model.ReportPending,
			Owner:     stringKwarg(c.Kwargs, "owner", ""),
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.CreateReport(ctx, r); err != nil {
			return nil, fmt.Errorf("generate_report: %w", err)
		}
		if err := deps.Store.UpdateReportStatus(ctx, r.ID, model.ReportProcessing, nil, nil); err != nil {
			return nil, fmt.Errorf("generate_report: %w", err)
		}

		payload, err := buildReportPayload(ctx, deps.Store, reportType)
		now := time.Now().UTC()
		if err != nil {
			if ferr := deps.Store.UpdateReportStatus(ctx, r.ID, model.ReportFailed, nil, &now); ferr != nil {
				deps.Logger.Error("failed to mark report failed", "report_id", r.ID, "error", ferr)
			}
			return nil, fmt.Errorf("generate_report: %w", err)
		}
		if err := deps.Store.UpdateReportStatus(ctx, r.ID, model.ReportCompleted, payload, &now); err != nil {
			return nil, fmt.Errorf("generate_report: %w", err)
		}
		return map[string]any{"report_id": r.ID, "type": reportType}, nil
	}
}

func buildReportPayload(ctx context.Context, s store.Store, reportType string) ([]byte, error) {
	body := map[string]any{
		"type":         reportType,
		"generated_at": time.Now().UTC(),
	}
	if reportType == model.ReportTypeTask {
		stats, err := s.GetTaskStats(ctx)
		if err != nil {
			return nil, err
		}
		body["stats"] = stats
	}
	return json.Marshal(body)
}

// cleanupOldTasks prunes terminal task records past a retention window,
// keeping the audit trail from growing without bound when run on a schedule.
// Kwargs: max_age_hours (default 24).
func cleanupOldTasks(deps Deps) registry.Handler {
	return func(ctx context.Context, c *registry.Call) (any, error) {
		hours := intKwarg(c.Kwargs, "max_age_hours", 24)
		if hours <= 0 {
			return nil, fmt.Errorf("cleanup_old_tasks: max_age_hours must be positive, got %d", hours)
		}
		cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
		deleted, err := deps.Store.PruneTasks(ctx, cutoff)
		if err != nil {
			return nil, fmt.Errorf("cleanup_old_tasks: %w", err)
		}
		deps.Logger.Info("pruned old tasks", "deleted", deleted, "cutoff", cutoff)
		return map[string]any{"deleted": deleted, "max_age_hours": hours}, nil
	}
}

// sendNotification is a log-delivery stand-in for an outbound notification
// channel. Kwargs: recipient (required), subject.
func sendNotification(deps Deps) registry.Handler {
	return func(_ context.Context, c *registry.Call) (any, error) {
		recipient := stringKwarg(c.Kwargs, "recipient", "")
		if recipient == "" {
			return nil, fmt.Errorf("send_notification: recipient is required")
		}
		subject := stringKwarg(c.Kwargs, "subject", "(no subject)")
		deps.Logger.Info("notification delivered",
			"task_id", c.TaskID,
			"recipient", recipient,
			"subject", subject,
		)
		return map[string]any{"delivered": true, "recipient": recipient}, nil
	}
}

// toFloat normalizes JSON-decoded numeric arguments.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func intKwarg(kwargs map[string]any, key string, def int) int {
	if v, ok := kwargs[key]; ok {
		if n, ok := toFloat(v); ok {
			return int(n)
		}
	}
	return def
}

func floatKwarg(kwargs map[string]any, key string, def float64) float64 {
	if v, ok := kwargs[key]; ok {
		if n, ok := toFloat(v); ok {
			return n
		}
	}
	return def
}

func stringKwarg(kwargs map[string]any, key, def string) string {
	if v, ok := kwargs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}
