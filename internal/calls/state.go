package calls

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("calls: invalid transition")

// transitions lists every status reachable from a non-terminal status.
//
// The success path may skip intermediate states (a provider can drop the ringing
// or answered callback), but nothing moves backwards and terminal states have no
// outgoing edges.
var transitions = map[CallStatus]map[CallStatus]bool{
	StatusPlacing: {
		StatusRinging:   true,
		StatusAnswered:  true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusNoAnswer:  true,
		StatusCanceled:  true,
	},
	StatusRinging: {
		StatusAnswered:  true,
		StatusCompleted: true,
		StatusNoAnswer:  true,
		StatusDropped:   true,
		StatusCanceled:  true,
	},
	StatusAnswered: {
		StatusCompleted: true,
		StatusDropped:   true,
		StatusCanceled:  true,
	},
}

// IsTerminal reports whether no further transition can leave s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusDropped, StatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	switch s {
	case StatusPlacing, StatusRinging, StatusAnswered:
		return true
	default:
		return s.IsTerminal()
	}
}

// Transition validates a status change. Same-status events are duplicates and
// are reported as invalid so callers can drop them.
func Transition(from, to CallStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from == to {
		return fmt.Errorf("%w: duplicate %s", ErrInvalidTransition, to)
	}
	if !transitions[from][to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
