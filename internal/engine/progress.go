package engine

import (
	"sync"

	"github.com/taskforge/taskforge/internal/model"
)

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Updates are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// ProgressBroker holds the transient, last-write-wins progress snapshot for
// each in-flight task and fans updates out to subscribers. It is safe for
// concurrent use and intentionally not persistent: progress is advisory and
// does not survive a restart.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a task finishes) receive a closed channel instead of
// blocking forever.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[string]*progressTopic
}

type progressTopic struct {
	last   model.Progress
	seen   bool
	subs   map[int]chan model.Progress
	nextID int
	closed bool
}

// NewProgressBroker creates an empty progress broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{topics: make(map[string]*progressTopic)}
}

// Publish overwrites the progress snapshot for a task and notifies
// subscribers. Updates for already-finished tasks are dropped.
func (b *ProgressBroker) Publish(taskID string, p model.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan model.Progress)}
		b.topics[taskID] = t
	}
	if t.closed {
		return
	}
	t.last = p
	t.seen = true

	for _, ch := range t.subs {
		select {
		case ch <- p:
		default:
			// Drop the update for slow subscribers to avoid blocking workers.
		}
	}
}

// Snapshot returns the latest progress for a task, if any was published.
func (b *ProgressBroker) Snapshot(taskID string) (model.Progress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok || !t.seen {
		return model.Progress{}, false
	}
	return t.last, true
}

// Subscribe returns a channel receiving progress updates for the given task
// and an unsubscribe function. If the task has already finished, the
// returned channel is immediately closed.
func (b *ProgressBroker) Subscribe(taskID string) (<-chan model.Progress, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan model.Progress)}
		b.topics[taskID] = t
	}

	ch := make(chan model.Progress, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Clear drops the snapshot for a task that reached a terminal status and
// closes its subscriber channels, leaving a closed marker for late arrivals.
func (b *ProgressBroker) Clear(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &progressTopic{closed: true}
		return
	}
	if t.closed {
		return
	}
	t.closed = true
	t.seen = false
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
