package model

import "time"

// ScheduleEntry is a periodic trigger for a registered task. Exactly one of
// Crontab (standard five-field expression) or IntervalS must be set while the
// entry is enabled.
type ScheduleEntry struct {
	Name      string         `json:"name"`
	TaskName  string         `json:"task_name"`
	Crontab   string         `json:"crontab,omitempty"`
	IntervalS *int           `json:"interval_seconds,omitempty"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	Enabled   bool           `json:"enabled"`
	LastRun   *time.Time     `json:"last_run,omitempty"`
	NextRun   *time.Time     `json:"next_run,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
