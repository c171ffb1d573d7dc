package engine

import (
	"testing"
	"time"

	"github.com/taskforge/taskforge/internal/model"
)

func TestProgressLastWriteWins(t *testing.T) {
	b := NewProgressBroker()

	b.Publish("t1", model.Progress{Current: 1, Total: 10, Percent: 10})
	b.Publish("t1", model.Progress{Current: 7, Total: 10, Percent: 70, Message: "almost"})

	got, ok := b.Snapshot("t1")
	if !ok {
		t.Fatal("no snapshot after publish")
	}
	if got.Current != 7 || got.Percent != 70 || got.Message != "almost" {
		t.Errorf("snapshot = %+v, want the latest update", got)
	}

	if _, ok := b.Snapshot("unknown"); ok {
		t.Error("snapshot reported for a task with no progress")
	}
}

func TestProgressClearedOnTerminal(t *testing.T) {
	b := NewProgressBroker()

	b.Publish("t1", model.Progress{Current: 5, Total: 10, Percent: 50})
	b.Clear("t1")

	if _, ok := b.Snapshot("t1"); ok {
		t.Error("snapshot survived Clear")
	}

	// Updates for a finished task are dropped.
	b.Publish("t1", model.Progress{Current: 9, Total: 10, Percent: 90})
	if _, ok := b.Snapshot("t1"); ok {
		t.Error("publish after Clear resurrected the snapshot")
	}
}

func TestProgressSubscribe(t *testing.T) {
	b := NewProgressBroker()

	ch, unsubscribe := b.Subscribe("t1")
	defer unsubscribe()

	b.Publish("t1", model.Progress{Current: 3, Total: 4, Percent: 75})

	select {
	case got := <-ch:
		if got.Percent != 75 {
			t.Errorf("received %+v, want percent 75", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered to subscriber")
	}

	b.Clear("t1")
	select {
	case _, open := <-ch:
		if open {
			t.Error("channel still open after Clear")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Clear")
	}
}

func TestProgressLateSubscriberGetsClosedChannel(t *testing.T) {
	b := NewProgressBroker()
	b.Clear("done")

	ch, unsubscribe := b.Subscribe("done")
	defer unsubscribe()

	select {
	case _, open := <-ch:
		if open {
			t.Error("late subscriber received an update for a finished task")
		}
	default:
		t.Error("late subscriber channel not closed")
	}
}
