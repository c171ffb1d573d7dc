package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskforge/taskforge/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTask(name string) *model.Task {
	return &model.Task{
		ID:        model.NewID(),
		Name:      name,
		Args:      []any{float64(1), float64(2)},
		Kwargs:    map[string]any{"key": "value"},
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateTaskIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := makeTask("add")
	created, err := s.CreateTask(ctx, task)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if !created {
		t.Fatal("first CreateTask reported not created")
	}

	// Redeliver the creation notification with different fields; the stored
	// record must be untouched.
	dup := *task
	dup.Name = "something-else"
	for i := 0; i < 3; i++ {
		created, err = s.CreateTask(ctx, &dup)
		if err != nil {
			t.Fatalf("duplicate CreateTask: %v", err)
		}
		if created {
			t.Fatal("duplicate CreateTask reported created")
		}
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Name != "add" {
		t.Errorf("stored name = %q, want %q", got.Name, "add")
	}
	if got.Status != model.StatusPending {
		t.Errorf("stored status = %q, want PENDING", got.Status)
	}
	if len(got.Args) != 2 || got.Args[0] != float64(1) {
		t.Errorf("stored args = %v, want [1 2]", got.Args)
	}
	if got.Kwargs["key"] != "value" {
		t.Errorf("stored kwargs = %v", got.Kwargs)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMarkStarted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := makeTask("add")
	if _, err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	start := time.Now().UTC()
	applied, err := s.MarkStarted(ctx, task.ID, start)
	if err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if !applied {
		t.Fatal("MarkStarted did not apply to PENDING task")
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusStarted {
		t.Errorf("status = %q, want STARTED", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatal("started_at not set")
	}
}

func TestMarkStartedAfterTerminalIsDropped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := makeTask("add")
	if _, err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.MarkTerminal(ctx, task.ID, model.StatusRevoked, nil, "revoked", time.Now().UTC()); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}

	applied, err := s.MarkStarted(ctx, task.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkStarted after terminal: %v", err)
	}
	if applied {
		t.Fatal("out-of-order STARTED applied over terminal status")
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusRevoked {
		t.Errorf("status = %q, want REVOKED", got.Status)
	}
}

func TestMarkTerminalFirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := makeTask("add")
	if _, err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.MarkStarted(ctx, task.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	applied, err := s.MarkTerminal(ctx, task.ID, model.StatusSuccess, []byte(`30`), "", time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	if !applied {
		t.Fatal("first terminal write did not apply")
	}

	// Identical redelivery is a no-op.
	applied, err = s.MarkTerminal(ctx, task.ID, model.StatusSuccess, []byte(`30`), "", time.Now().UTC())
	if err != nil {
		t.Fatalf("duplicate MarkTerminal: %v", err)
	}
	if applied {
		t.Fatal("duplicate terminal write reported applied")
	}

	// A conflicting terminal status is rejected; the first writer is authoritative.
	_, err = s.MarkTerminal(ctx, task.ID, model.StatusFailure, nil, "boom", time.Now().UTC())
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("conflicting MarkTerminal err = %v, want ErrAlreadyTerminal", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusSuccess {
		t.Errorf("status = %q, want SUCCESS", got.Status)
	}
	if string(got.Result) != `30` {
		t.Errorf("result = %q, want 30", got.Result)
	}
}

func TestMarkRetryIncrementsOncePerCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := makeTask("flaky")
	if _, err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.MarkStarted(ctx, task.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	applied, err := s.MarkRetry(ctx, task.ID)
	if err != nil {
		t.Fatalf("MarkRetry: %v", err)
	}
	if !applied {
		t.Fatal("MarkRetry did not apply to STARTED task")
	}

	// A redelivered failure notification in the same cycle must not bump the count.
	applied, err = s.MarkRetry(ctx, task.ID)
	if err != nil {
		t.Fatalf("duplicate MarkRetry: %v", err)
	}
	if applied {
		t.Fatal("duplicate MarkRetry applied")
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	if got.Status != model.StatusRetry {
		t.Errorf("status = %q, want RETRY", got.Status)
	}

	// Next cycle: RETRY -> STARTED -> RETRY increments again.
	if _, err := s.MarkStarted(ctx, task.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if _, err := s.MarkRetry(ctx, task.ID); err != nil {
		t.Fatalf("MarkRetry: %v", err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", got.RetryCount)
	}
}

func TestListTasksPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task := makeTask("add")
		task.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if _, err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	tasks, total, err := s.ListTasks(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(tasks) != 2 {
		t.Errorf("len(tasks) = %d, want 2", len(tasks))
	}
	if len(tasks) == 2 && tasks[0].CreatedAt.Before(tasks[1].CreatedAt) {
		t.Error("tasks not ordered by created_at DESC")
	}
}

func TestGetTaskStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := makeTask("add")
		if _, err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if _, err := s.MarkStarted(ctx, task.ID, time.Now().UTC()); err != nil {
			t.Fatalf("MarkStarted: %v", err)
		}
		if _, err := s.MarkTerminal(ctx, task.ID, model.StatusSuccess, []byte(`1`), "", time.Now().UTC().Add(50*time.Millisecond)); err != nil {
			t.Fatalf("MarkTerminal: %v", err)
		}
	}
	pending := makeTask("multiply")
	if _, err := s.CreateTask(ctx, pending); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	stats, err := s.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusSuccess] != 3 {
		t.Errorf("SUCCESS count = %d, want 3", stats.CountByStatus[model.StatusSuccess])
	}
	if stats.CountByStatus[model.StatusPending] != 1 {
		t.Errorf("PENDING count = %d, want 1", stats.CountByStatus[model.StatusPending])
	}
	if stats.CountByName["add"] != 3 {
		t.Errorf("add count = %d, want 3", stats.CountByName["add"])
	}
	if stats.AvgDurationMS <= 0 {
		t.Errorf("avg duration = %f, want > 0", stats.AvgDurationMS)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	interval := 300
	now := time.Now().UTC().Truncate(time.Second)
	entry := &model.ScheduleEntry{
		Name:      "nightly-report",
		TaskName:  "generate_report",
		IntervalS: &interval,
		Kwargs:    map[string]any{"report_type": "TASK"},
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateSchedule(ctx, entry); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	got, err := s.GetSchedule(ctx, "nightly-report")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.TaskName != "generate_report" || got.IntervalS == nil || *got.IntervalS != 300 {
		t.Errorf("schedule round trip mismatch: %+v", got)
	}
	if got.Kwargs["report_type"] != "TASK" {
		t.Errorf("kwargs = %v", got.Kwargs)
	}

	last := now
	next := now.Add(5 * time.Minute)
	if err := s.UpdateScheduleRun(ctx, "nightly-report", &last, next); err != nil {
		t.Fatalf("UpdateScheduleRun: %v", err)
	}
	got, _ = s.GetSchedule(ctx, "nightly-report")
	if got.LastRun == nil || !got.LastRun.Equal(last) {
		t.Errorf("last_run = %v, want %v", got.LastRun, last)
	}
	if got.NextRun == nil || !got.NextRun.Equal(next) {
		t.Errorf("next_run = %v, want %v", got.NextRun, next)
	}

	if err := s.SetScheduleEnabled(ctx, "nightly-report", false); err != nil {
		t.Fatalf("SetScheduleEnabled: %v", err)
	}
	enabled, err := s.ListSchedules(ctx, true)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("enabled schedules = %d, want 0", len(enabled))
	}
	all, err := s.ListSchedules(ctx, false)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("all schedules = %d, want 1", len(all))
	}
}

func TestReEnableClearsNextRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	interval := 300
	now := time.Now().UTC().Truncate(time.Second)
	entry := &model.ScheduleEntry{
		Name:      "cleanup",
		TaskName:  "cleanup_old_tasks",
		IntervalS: &interval,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateSchedule(ctx, entry); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if err := s.UpdateScheduleRun(ctx, "cleanup", nil, now.Add(5*time.Minute)); err != nil {
		t.Fatalf("UpdateScheduleRun: %v", err)
	}

	// Enabling an already-enabled entry keeps the deadline.
	if err := s.SetScheduleEnabled(ctx, "cleanup", true); err != nil {
		t.Fatalf("SetScheduleEnabled: %v", err)
	}
	got, _ := s.GetSchedule(ctx, "cleanup")
	if got.NextRun == nil {
		t.Fatal("next_run cleared by enabling an enabled entry")
	}

	// Disable, then re-enable: the stale deadline must be dropped so the
	// scheduler re-initializes instead of firing immediately.
	if err := s.SetScheduleEnabled(ctx, "cleanup", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	got, _ = s.GetSchedule(ctx, "cleanup")
	if got.NextRun == nil {
		t.Fatal("next_run cleared by disabling")
	}
	if err := s.SetScheduleEnabled(ctx, "cleanup", true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	got, _ = s.GetSchedule(ctx, "cleanup")
	if got.NextRun != nil {
		t.Errorf("next_run = %v after re-enable, want nil", got.NextRun)
	}
}

func TestPruneTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	terminal := func(name string, completedAt time.Time) {
		task := makeTask(name)
		if _, err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if _, err := s.MarkStarted(ctx, task.ID, completedAt.Add(-time.Second)); err != nil {
			t.Fatalf("MarkStarted: %v", err)
		}
		if _, err := s.MarkTerminal(ctx, task.ID, model.StatusSuccess, []byte(`1`), "", completedAt); err != nil {
			t.Fatalf("MarkTerminal: %v", err)
		}
	}

	now := time.Now().UTC()
	terminal("old", now.Add(-48*time.Hour))
	terminal("recent", now.Add(-time.Hour))
	stuck := makeTask("stuck")
	stuck.CreatedAt = now.Add(-72 * time.Hour)
	if _, err := s.CreateTask(ctx, stuck); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	deleted, err := s.PruneTasks(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneTasks: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	_, total, err := s.ListTasks(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 2 {
		t.Errorf("remaining tasks = %d, want 2", total)
	}
	// An old but non-terminal task is never pruned.
	if _, err := s.GetTask(ctx, stuck.ID); err != nil {
		t.Errorf("pending task pruned: %v", err)
	}
}

func TestReportLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &model.Report{
		ID:        model.NewID(),
		Type:      model.ReportTypeTask,
		Status:    model.ReportPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateReport(ctx, r); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}

	if err := s.UpdateReportStatus(ctx, r.ID, model.ReportProcessing, nil, nil); err != nil {
		t.Fatalf("to PROCESSING: %v", err)
	}

	now := time.Now().UTC()
	if err := s.UpdateReportStatus(ctx, r.ID, model.ReportCompleted, []byte(`{"rows":10}`), &now); err != nil {
		t.Fatalf("to COMPLETED: %v", err)
	}

	// A completed report is immutable.
	err := s.UpdateReportStatus(ctx, r.ID, model.ReportFailed, nil, &now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("COMPLETED -> FAILED err = %v, want ErrInvalidTransition", err)
	}

	got, err := s.GetReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Status != model.ReportCompleted {
		t.Errorf("status = %q, want COMPLETED", got.Status)
	}
	if string(got.Payload) != `{"rows":10}` {
		t.Errorf("payload = %q", got.Payload)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestUpdateReportStatusSkippingProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &model.Report{
		ID:        model.NewID(),
		Type:      model.ReportTypeCustom,
		Status:    model.ReportPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateReport(ctx, r); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}

	// PENDING -> COMPLETED must be rejected; PROCESSING is mandatory.
	err := s.UpdateReportStatus(ctx, r.ID, model.ReportCompleted, nil, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("PENDING -> COMPLETED err = %v, want ErrInvalidTransition", err)
	}
}
