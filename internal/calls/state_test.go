package calls

import (
	"errors"
	"testing"
)

func TestTransition_AllowedEdges(t *testing.T) {
	cases := []struct {
		from, to CallStatus
	}{
		{StatusPlacing, StatusRinging},
		{StatusPlacing, StatusFailed},
		{StatusPlacing, StatusNoAnswer},
		{StatusPlacing, StatusCanceled},
		{StatusRinging, StatusAnswered},
		{StatusRinging, StatusNoAnswer},
		{StatusRinging, StatusDropped},
		{StatusRinging, StatusCanceled},
		{StatusAnswered, StatusCompleted},
		{StatusAnswered, StatusDropped},
		{StatusAnswered, StatusCanceled},
		// forward skips when a provider callback goes missing
		{StatusPlacing, StatusAnswered},
		{StatusRinging, StatusCompleted},
	}
	for _, tc := range cases {
		if err := Transition(tc.from, tc.to); err != nil {
			t.Fatalf("%s -> %s: expected allowed, got %v", tc.from, tc.to, err)
		}
	}
}

func TestTransition_RejectsUnreachable(t *testing.T) {
	cases := []struct {
		from, to CallStatus
	}{
		{StatusFailed, StatusCompleted},
		{StatusCompleted, StatusRinging},
		{StatusNoAnswer, StatusAnswered},
		{StatusAnswered, StatusRinging},
		{StatusAnswered, StatusNoAnswer},
		{StatusRinging, StatusFailed},
		{StatusAnswered, StatusFailed},
		{StatusCanceled, StatusCanceled},
		{StatusRinging, StatusRinging},
		{StatusPlacing, CallStatus("busy")},
	}
	for _, tc := range cases {
		err := Transition(tc.from, tc.to)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []CallStatus{StatusPlacing, StatusRinging, StatusAnswered, StatusCompleted, StatusFailed, StatusNoAnswer, StatusDropped, StatusCanceled}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			if Transition(from, to) == nil {
				t.Fatalf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}
