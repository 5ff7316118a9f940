// Package model defines the core domain types for gocall.
package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidUsername is returned for usernames that fail validation.
var ErrInvalidUsername = errors.New("model: username must be 1-32 alphanumeric/underscore/hyphen characters")

// Status is a user's availability as tracked by the directory.
type Status int

const (
	StatusOffline   Status = iota // no live connection
	StatusAvailable               // connected, no ringing or active call
	StatusBusy                    // party to exactly one ringing or active call
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusAvailable:
		return "available"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CallState is the lifecycle state of a single call attempt.
type CallState int

const (
	// StateRequested is the initial state before the first routing decision.
	StateRequested CallState = iota
	// StateQueued means the target was busy and the caller waits in the
	// target's FIFO queue.
	StateQueued
	// StateRinging means the target's shim has been notified of the call.
	StateRinging
	// StateAccepted means the callee accepted; endpoint handoff is underway.
	StateAccepted
	// StateActive means both endpoints were exchanged and audio flows
	// directly between the peers.
	StateActive

	// Terminal states.
	StateEnded         // active call hung up by either side
	StateRejected      // callee rejected while ringing
	StateCancelled     // caller hung up before resolution
	StateTargetGone    // target disconnected mid-attempt
	StateCallerGone    // caller disconnected mid-attempt
	StateHandoffFailed // endpoint exchange did not complete in time
)

func (s CallState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateQueued:
		return "queued"
	case StateRinging:
		return "ringing"
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	case StateTargetGone:
		return "target_gone"
	case StateCallerGone:
		return "caller_gone"
	case StateHandoffFailed:
		return "handoff_failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the state ends the call attempt's lifecycle.
func (s CallState) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateCancelled, StateTargetGone, StateCallerGone, StateHandoffFailed:
		return true
	default:
		return false
	}
}

// Outcome is the terminal result delivered to the parties of a call attempt.
type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeRejected      Outcome = "rejected"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeTargetGone    Outcome = "target_gone"
	OutcomeCallerGone    Outcome = "caller_gone"
	OutcomeHandoffFailed Outcome = "handoff_failed"
	OutcomeEnded         Outcome = "ended"
)

// OutcomeFor maps a terminal call state to the outcome pushed to clients.
// Returns "" for non-terminal states.
func OutcomeFor(s CallState) Outcome {
	switch s {
	case StateEnded:
		return OutcomeEnded
	case StateRejected:
		return OutcomeRejected
	case StateCancelled:
		return OutcomeCancelled
	case StateTargetGone:
		return OutcomeTargetGone
	case StateCallerGone:
		return OutcomeCallerGone
	case StateHandoffFailed:
		return OutcomeHandoffFailed
	default:
		return ""
	}
}

// User is a directory snapshot entry, as returned by `who`.
type User struct {
	Username string `json:"username"`
	Status   Status `json:"status"`
	Peer     string `json:"peer,omitempty"` // peer username when busy
}

// CallRequest tracks one call attempt from creation to terminal resolution.
type CallRequest struct {
	ID        uint32
	Caller    string
	Target    string
	State     CallState
	CreatedAt time.Time
	QueuedAt  time.Time // zero if the call never queued
	RingingAt time.Time // zero until the target was notified
	EndedAt   time.Time // zero until terminal
}

// Involves reports whether the named user is a party to this call.
func (c *CallRequest) Involves(username string) bool {
	return c.Caller == username || c.Target == username
}

// Other returns the opposite party of the named user.
func (c *CallRequest) Other(username string) string {
	if c.Caller == username {
		return c.Target
	}
	return c.Caller
}

// QueueWait returns how long the caller waited in the target's queue,
// or zero if the call was never queued.
func (c *CallRequest) QueueWait() time.Duration {
	if c.QueuedAt.IsZero() || c.RingingAt.IsZero() {
		return 0
	}
	return c.RingingAt.Sub(c.QueuedAt)
}

// Endpoint is a reachable UDP address for the direct audio path.
type Endpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Valid reports whether the endpoint has a usable address and port.
func (e Endpoint) Valid() bool {
	return e.Address != "" && e.Port > 0 && e.Port < 65536
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// CallRecord is a persisted call-history entry, written on every terminal
// transition. Live presence and queues are never persisted; history is
// additive only.
type CallRecord struct {
	ID        int64
	Caller    string
	Target    string
	Outcome   Outcome
	Queued    bool          // the attempt spent time in a wait queue
	QueueWait time.Duration // time between enqueue and ringing
	CreatedAt time.Time
	EndedAt   time.Time
}

// ValidateUsername checks that a username is 1-32 characters of
// [a-zA-Z0-9_-].
func ValidateUsername(name string) error {
	if len(name) == 0 || len(name) > 32 {
		return ErrInvalidUsername
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return ErrInvalidUsername
		}
	}
	return nil
}
