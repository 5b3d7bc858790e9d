// Package calltrack reports the progress of a call to an external record
// keeper, such as the practice dashboard API or a Postgres table.
//
// Tracking is advisory. The call loop talks to a [Reporter], which logs and
// swallows every failure so that an unreachable tracker can never stall or
// abort a conversation.
package calltrack

import (
	"context"
	"errors"
	"fmt"
)

// Status is the progress of a call. The values are those stored by the call
// API.
type Status string

// Call statuses in the order a healthy call moves through them. Error may be
// reported from any stage.
const (
	StatusInitiated  Status = "initiated"
	StatusGreeting   Status = "greeting"
	StatusListening  Status = "listening"
	StatusProcessing Status = "processing"
	StatusResponding Status = "responding"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusGreeting, StatusListening, StatusProcessing,
		StatusResponding, StatusCompleted, StatusError:
		return true
	}
	return false
}

var (
	// ErrCallTracking is wrapped by every tracker failure.
	ErrCallTracking = errors.New("calltrack: call tracking failed")

	// ErrNoCall means an update was attempted without a call identifier.
	ErrNoCall = errors.New("calltrack: no active call")
)

// Tracker is a call record backend. Implementations wrap failures with
// [ErrCallTracking] and must be safe for concurrent use.
type Tracker interface {
	// CreateCall opens a record in StatusInitiated and returns its ID.
	CreateCall(ctx context.Context) (string, error)

	// UpdateStatus moves the call to status.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// CompleteCall marks the call completed and stores payload (the triage
	// summary) with it.
	CompleteCall(ctx context.Context, id string, payload any) error
}

func trackErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCallTracking, op, err)
}

// Nop is a Tracker that records nothing. Its calls get the ID "local".
type Nop struct{}

var _ Tracker = Nop{}

// CreateCall implements [Tracker].
func (Nop) CreateCall(context.Context) (string, error) { return "local", nil }

// UpdateStatus implements [Tracker].
func (Nop) UpdateStatus(context.Context, string, Status) error { return nil }

// CompleteCall implements [Tracker].
func (Nop) CompleteCall(context.Context, string, any) error { return nil }
