package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskforge/taskforge/internal/model"
	"github.com/taskforge/taskforge/internal/registry"
)

// Compile-time interface satisfaction check.
var _ Runtime = (*Pool)(nil)

// defaultRevokedMarkTTL bounds how long a pre-start revocation mark is kept.
// A mark for a task that never reaches a worker (revoked during retry
// backoff, where the resubmission is skipped upstream) has nothing to consume
// it; without a bound such entries would accumulate for the life of the
// process. An expired mark only loses the early-drop optimization: the stored
// terminal status still discards anything the execution reports.
const defaultRevokedMarkTTL = 10 * time.Minute

// Pool is an in-process worker pool implementing Runtime. Each worker pulls
// tasks off a bounded queue, resolves the handler through the registry, and
// reports outcomes through the Notifier.
type Pool struct {
	reg      *registry.Registry
	logger   *slog.Logger
	workers  int
	jobs     chan *model.Task
	notifier Notifier

	mu         sync.Mutex
	revoked    map[string]bool
	running    map[string]context.CancelFunc
	revokedTTL time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue capacity.
// SetNotifier must be called before Start.
func NewPool(workers, queueSize int, reg *registry.Registry, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		reg:        reg,
		logger:     logger,
		workers:    workers,
		jobs:       make(chan *model.Task, queueSize),
		revoked:    make(map[string]bool),
		running:    make(map[string]context.CancelFunc),
		revokedTTL: defaultRevokedMarkTTL,
		quit:       make(chan struct{}),
	}
}

// SetNotifier wires the notification sink. The pool and its notifier
// reference each other, so the sink is attached after construction.
func (p *Pool) SetNotifier(n Notifier) {
	p.notifier = n
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop shuts the pool down and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	close(p.quit)
	p.wg.Wait()
}

// Submit enqueues a task for execution. The task is copied so the caller may
// keep mutating its own instance.
func (p *Pool) Submit(_ context.Context, t *model.Task) error {
	tCopy := *t
	select {
	case <-p.quit:
		return ErrStopped
	case p.jobs <- &tCopy:
		return nil
	default:
		return ErrQueueFull
	}
}

// Revoke marks a queued task so it is dropped before execution. With
// terminate set, a currently running task has its context canceled;
// interruption is cooperative and best-effort.
func (p *Pool) Revoke(id string, terminate bool) {
	p.mu.Lock()
	cancel, isRunning := p.running[id]
	if !isRunning {
		p.revoked[id] = true
		time.AfterFunc(p.revokedTTL, func() {
			p.mu.Lock()
			delete(p.revoked, id)
			p.mu.Unlock()
		})
	}
	p.mu.Unlock()

	if isRunning && terminate {
		cancel()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case t := <-p.jobs:
			p.execute(t)
		}
	}
}

// execute runs one task invocation: started notification, handler call under
// soft/hard time limits, then exactly one success or failure notification.
func (p *Pool) execute(t *model.Task) {
	p.mu.Lock()
	if p.revoked[t.ID] {
		delete(p.revoked, t.ID)
		p.mu.Unlock()
		p.logger.Debug("dropping revoked task before start", "task_id", t.ID)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running[t.ID] = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.running, t.ID)
		p.mu.Unlock()
		cancel()
	}()

	entry, ok := p.reg.Lookup(t.Name)
	if !ok {
		// Submission-side validation should make this unreachable.
		p.notifier.OnFailure(t.ID, fmt.Errorf("no handler registered for task %q", t.Name))
		return
	}

	p.notifier.OnStarted(t.ID)

	if entry.Policy.HardTimeLimit > 0 {
		var hardCancel context.CancelFunc
		ctx, hardCancel = context.WithTimeout(ctx, entry.Policy.HardTimeLimit)
		defer hardCancel()
	}

	var softCh chan struct{}
	if entry.Policy.SoftTimeLimit > 0 {
		softCh = make(chan struct{})
		timer := time.AfterFunc(entry.Policy.SoftTimeLimit, func() { close(softCh) })
		defer timer.Stop()
	}

	call := &registry.Call{
		TaskID:       t.ID,
		Args:         t.Args,
		Kwargs:       t.Kwargs,
		SoftDeadline: softCh,
		Progress: func(current, total int, message string) {
			percent := 0
			if total > 0 {
				percent = current * 100 / total
			}
			p.notifier.OnProgress(t.ID, model.Progress{
				Current: current,
				Total:   total,
				Percent: percent,
				Message: message,
			})
		},
	}

	result, err := p.runHandler(ctx, entry, call)

	switch {
	case err == nil:
		p.notifier.OnSuccess(t.ID, result)
	case ctx.Err() == context.DeadlineExceeded:
		p.notifier.OnFailure(t.ID, fmt.Errorf("terminated after %s: %w", entry.Policy.HardTimeLimit, ErrHardTimeLimit))
	case ctx.Err() == context.Canceled:
		p.notifier.OnFailure(t.ID, ErrRevoked)
	default:
		p.notifier.OnFailure(t.ID, err)
	}
}

// runHandler invokes the handler, converting a panic into a failure so a
// misbehaving task body cannot take a worker down.
func (p *Pool) runHandler(ctx context.Context, entry *registry.Entry, call *registry.Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task handler panicked", "task", entry.Name, "task_id", call.TaskID, "panic", r)
			err = fmt.Errorf("task %q panicked: %v", entry.Name, r)
		}
	}()
	return entry.Handler(ctx, call)
}
