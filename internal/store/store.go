package store

import (
	"context"
	"errors"
	"time"

	"github.com/taskforge/taskforge/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyTerminal is returned when a terminal write conflicts with an
// earlier, different terminal status. The first terminal write wins.
var ErrAlreadyTerminal = errors.New("task already in a different terminal status")

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByName   map[string]int `json:"count_by_name"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for tasks, schedules, and reports.
//
// Task writes are built for at-least-once notification delivery: CreateTask
// ignores duplicate ids, MarkStarted/MarkRetry/MarkTerminal are guarded
// updates that report whether they applied, and a terminal status can only
// be written once per id.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) (bool, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)
	UpdateTaskArgs(ctx context.Context, id string, args []any) error
	MarkStarted(ctx context.Context, id string, at time.Time) (bool, error)
	MarkRetry(ctx context.Context, id string) (bool, error)
	MarkTerminal(ctx context.Context, id, status string, result []byte, errMsg string, at time.Time) (bool, error)
	PruneTasks(ctx context.Context, before time.Time) (int64, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)

	CreateSchedule(ctx context.Context, e *model.ScheduleEntry) error
	GetSchedule(ctx context.Context, name string) (*model.ScheduleEntry, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*model.ScheduleEntry, error)
	UpdateScheduleRun(ctx context.Context, name string, lastRun *time.Time, nextRun time.Time) error
	SetScheduleEnabled(ctx context.Context, name string, enabled bool) error

	CreateReport(ctx context.Context, r *model.Report) error
	GetReport(ctx context.Context, id string) (*model.Report, error)
	ListReports(ctx context.Context, limit, offset int) ([]*model.Report, int, error)
	UpdateReportStatus(ctx context.Context, id, status string, payload []byte, at *time.Time) error

	Close() error
}
