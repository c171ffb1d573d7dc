// Package registry maps task names to their handlers and execution policies.
// Registration happens once at startup; submission-time lookup is the only
// runtime operation, so unknown task names fail synchronously at submission
// rather than as deferred notifications.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Call carries a single invocation's inputs into a handler, along with the
// cooperative facilities the runtime provides: a progress publisher and a
// soft-deadline channel the handler can observe to return a partial result.
type Call struct {
	TaskID string
	Args   []any
	Kwargs map[string]any

	// Progress publishes a progress snapshot; nil when the runtime does not
	// track progress for this invocation.
	Progress func(current, total int, message string)

	// SoftDeadline is closed when the task's soft time limit expires. The
	// hard limit is enforced through the context deadline instead.
	SoftDeadline <-chan struct{}
}

// Handler is the body of a task. The returned value is JSON-encoded into the
// task record on success.
type Handler func(ctx context.Context, c *Call) (any, error)

// Policy is the execution policy attached to a task at registration time.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxBackoff    time.Duration
	Jitter        bool
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration

	// Retryable classifies a failure as retryable. When nil, the engine's
	// default classification applies (only errors marked transient retry).
	Retryable func(error) bool
}

// Entry pairs a handler with its policy.
type Entry struct {
	Name    string
	Handler Handler
	Policy  Policy
}

// Registry holds registered tasks. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Entry
}

// New creates an empty task registry.
func New() *Registry {
	return &Registry{tasks: make(map[string]*Entry)}
}

// Register adds a task under the given name. Registering a duplicate name is
// a programming error and panics, matching the once-at-startup model.
func (r *Registry) Register(name string, h Handler, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		panic(fmt.Sprintf("registry: task %q registered twice", name))
	}
	r.tasks[name] = &Entry{Name: name, Handler: h, Policy: p}
}

// Lookup returns the entry for a task name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[name]
	return e, ok
}

// List returns all registered task names, sorted for a stable API response.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
