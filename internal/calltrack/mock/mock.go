// Package mock provides a recording test double for calltrack.Tracker.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aiphone/aiphone/internal/calltrack"
)

// Event is one recorded tracker call.
type Event struct {
	// Op is "create", "status" or "complete".
	Op      string
	ID      string
	Status  calltrack.Status
	Payload any
}

// Tracker is a mock [calltrack.Tracker].
type Tracker struct {
	mu sync.Mutex

	// ID is returned by CreateCall. Default: "call-1".
	ID string

	// CreateErr, StatusErr and CompleteErr are returned by the matching
	// method. Failed calls are still recorded.
	CreateErr   error
	StatusErr   error
	CompleteErr error

	// Events records every call in order.
	Events []Event
}

var _ calltrack.Tracker = (*Tracker)(nil)

// CreateCall implements [calltrack.Tracker].
func (t *Tracker) CreateCall(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.ID
	if id == "" {
		id = "call-1"
	}
	t.Events = append(t.Events, Event{Op: "create"})
	if t.CreateErr != nil {
		return "", t.CreateErr
	}
	return id, nil
}

// UpdateStatus implements [calltrack.Tracker].
func (t *Tracker) UpdateStatus(_ context.Context, id string, status calltrack.Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Events = append(t.Events, Event{Op: "status", ID: id, Status: status})
	return t.StatusErr
}

// CompleteCall implements [calltrack.Tracker].
func (t *Tracker) CompleteCall(_ context.Context, id string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Events = append(t.Events, Event{Op: "complete", ID: id, Status: calltrack.StatusCompleted, Payload: payload})
	return t.CompleteErr
}

// Snapshot returns a copy of the recorded events.
func (t *Tracker) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.Events...)
}

// Statuses returns the statuses reported through UpdateStatus, in order.
func (t *Tracker) Statuses() []calltrack.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []calltrack.Status
	for _, e := range t.Events {
		if e.Op == "status" {
			out = append(out, e.Status)
		}
	}
	return out
}

// Count returns how many events with op were recorded.
func (t *Tracker) Count(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.Events {
		if e.Op == op {
			n++
		}
	}
	return n
}

// String summarises the events, for test failure messages.
func (t *Tracker) String() string {
	return fmt.Sprint(t.Snapshot())
}
