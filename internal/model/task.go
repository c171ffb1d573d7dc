package model

import (
	"encoding/json"
	"time"
)

// Task status constants. The set is closed; transition validity is checked
// through ValidTransition.
const (
	StatusPending = "PENDING"
	StatusStarted = "STARTED"
	StatusRetry   = "RETRY"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusRevoked = "REVOKED"
)

// Composition parent kinds.
const (
	ParentChain = "chain"
	ParentGroup = "group"
	ParentChord = "chord"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusStarted: true,
		StatusFailure: true,
		StatusRevoked: true,
	},
	StatusStarted: {
		StatusSuccess: true,
		StatusFailure: true,
		StatusRetry:   true,
		StatusRevoked: true,
	},
	StatusRetry: {
		StatusStarted: true,
		StatusFailure: true,
		StatusRevoked: true,
	},
}

// taskStatuses lists every status in a fixed order, so derived sets are
// deterministic.
var taskStatuses = []string{
	StatusPending, StatusStarted, StatusRetry,
	StatusSuccess, StatusFailure, StatusRevoked,
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TransitionSources returns the statuses allowed to transition into to. The
// store uses it to build the guard clause of its status updates, keeping the
// transition table here as the single source of truth.
func TransitionSources(to string) []string {
	var from []string
	for _, s := range taskStatuses {
		if ValidTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// Terminal reports whether a status is terminal. Terminal statuses are
// write-once: the first terminal write for a task id is authoritative.
func Terminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailure, StatusRevoked:
		return true
	}
	return false
}

// Task is the persisted record of one submitted unit of work. The id is
// immutable after creation; Result holds the JSON-encoded handler return
// value once the task succeeds, Error the failure message otherwise.
type Task struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Args        []any           `json:"args,omitempty"`
	Kwargs      map[string]any  `json:"kwargs,omitempty"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	ParentKind  string          `json:"parent_kind,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
