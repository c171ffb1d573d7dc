// Package runtime provides the task execution runtime the orchestration core
// is written against: a broker-plus-worker-pool boundary that accepts
// submissions and reports lifecycle notifications back asynchronously, with
// at-least-once delivery semantics.
package runtime

import (
	"context"
	"errors"

	"github.com/taskforge/taskforge/internal/model"
)

// ErrHardTimeLimit marks a failure caused by forcible termination at the
// hard time limit. It is never retryable.
var ErrHardTimeLimit = errors.New("hard time limit exceeded")

// ErrRevoked marks a failure caused by runtime-level termination of a
// revoked task.
var ErrRevoked = errors.New("task revoked")

// ErrQueueFull is returned when a submission is rejected because the work
// queue is at capacity.
var ErrQueueFull = errors.New("task queue full")

// ErrStopped is returned when a submission arrives after shutdown began.
var ErrStopped = errors.New("runtime stopped")

// Notifier receives asynchronous lifecycle notifications from the runtime.
// Delivery is at-least-once: implementations must tolerate duplicates and
// out-of-order arrival per task id.
type Notifier interface {
	OnStarted(id string)
	OnProgress(id string, p model.Progress)
	OnSuccess(id string, result any)
	OnFailure(id string, err error)
}

// Runtime is the submission-side interface of the execution runtime.
type Runtime interface {
	// Submit hands a task to the runtime for execution. Acceptance is
	// synchronous; execution and its outcome are reported via the Notifier.
	Submit(ctx context.Context, t *model.Task) error

	// Revoke removes a queued task before it starts. With terminate set it
	// additionally signals best-effort termination of a running task.
	Revoke(id string, terminate bool)
}
