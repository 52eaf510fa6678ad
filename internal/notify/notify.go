// Package notify publishes confirmed lifecycle transitions to downstream
// consumers. Publishing happens after the store commit and never undoes it.
package notify

import (
	"context"
	"sync"
	"time"
)

const (
	EventTaskCreated      = "task.created"
	EventTaskClaimed      = "task.claimed"
	EventTaskSubmitted    = "task.submitted"
	EventSubmissionReject = "task.submission_rejected"
	EventTaskCompleted    = "task.completed"
	EventTaskSettled      = "task.settled"
	EventTaskReconciled   = "task.reconciled"
	EventReviewRequested  = "review.requested"
	EventReviewResolved   = "review.resolved"
)

type Event struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"taskId"`
	Actor     string         `json:"actor,omitempty"`
	Status    string         `json:"status,omitempty"`
	TxHash    string         `json:"txHash,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of what was published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types lists event types in publish order, optionally for one task.
func (r *Recorder) Types(taskID string) []string {
	var out []string
	for _, ev := range r.Events() {
		if taskID == "" || ev.TaskID == taskID {
			out = append(out, ev.Type)
		}
	}
	return out
}
