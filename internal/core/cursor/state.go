package cursor

import (
	"errors"
	"time"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateIdle: {StateRunning},
	StateRunning: {
		StateRunning,
		StateCompleted,
		StatePartial,
		StateAbortedRateLimit,
		StateAbortedError,
	},
	StateCompleted:        {StateRunning},
	StatePartial:          {StateRunning},
	StateAbortedRateLimit: {StateRunning},
	StateAbortedError:     {StateRunning},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateIdle:
		return "Idle - no run since process start"
	case StateRunning:
		return "Running - fetching pages"
	case StateCompleted:
		return "Completed - reached the end, nothing to resume"
	case StatePartial:
		return "Partial - stopped at the page limit, checkpoint kept"
	case StateAbortedRateLimit:
		return "Aborted (rate limit) - budget exhausted, checkpoint kept"
	case StateAbortedError:
		return "Aborted (error) - failed or cancelled, checkpoint kept"
	default:
		return "Unknown state"
	}
}
