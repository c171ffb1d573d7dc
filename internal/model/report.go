package model

import (
	"encoding/json"
	"time"
)

// Report status constants.
const (
	ReportPending    = "PENDING"
	ReportProcessing = "PROCESSING"
	ReportCompleted  = "COMPLETED"
	ReportFailed     = "FAILED"
)

// Report type constants.
const (
	ReportTypeTask      = "TASK"
	ReportTypeAnalytics = "ANALYTICS"
	ReportTypeCustom    = "CUSTOM"
)

// validReportTransitions mirrors the report lifecycle: created PENDING,
// then PROCESSING, then exactly one of COMPLETED or FAILED. A report in a
// terminal status is immutable.
var validReportTransitions = map[string]map[string]bool{
	ReportPending: {
		ReportProcessing: true,
		ReportFailed:     true,
	},
	ReportProcessing: {
		ReportCompleted: true,
		ReportFailed:    true,
	},
}

// reportStatuses lists every report status in a fixed order.
var reportStatuses = []string{
	ReportPending, ReportProcessing, ReportCompleted, ReportFailed,
}

// ValidReportTransition reports whether a report status change is allowed.
func ValidReportTransition(from, to string) bool {
	targets, ok := validReportTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ReportTransitionSources returns the statuses allowed to transition into to.
// An unknown or initial-only target yields an empty set.
func ReportTransitionSources(to string) []string {
	var from []string
	for _, s := range reportStatuses {
		if ValidReportTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// Report is a generated report tracked through its own small lifecycle.
// Payload holds the JSON-encoded report body once generation completes.
type Report struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Owner       string          `json:"owner,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
