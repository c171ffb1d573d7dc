package model

// Progress is a transient, last-write-wins snapshot of an in-flight task.
// It is advisory only and is cleared once the task reaches a terminal status.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}
