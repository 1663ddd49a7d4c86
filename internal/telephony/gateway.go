package telephony

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"outbound-dialer/internal/calls"
)

var (
	// ErrRejected marks a synchronous refusal by the provider (bad number, 4xx).
	ErrRejected      = errors.New("telephony: provider rejected call")
	ErrInvalidNumber = errors.New("telephony: invalid E.164 number")
)

// Gateway is the provider-agnostic voice adapter used by the dispatcher.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - PlaceCall returns once the provider accepted or refused the call; progress
//   is reported later through StatusEvents.
type Gateway interface {
	Name() string
	HealthCheck(ctx context.Context) error

	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	Hangup(ctx context.Context, providerRef string) error
}

type PlaceCallRequest struct {
	// CallID is the internal call id; adapters echo it back on status events.
	CallID string `json:"call_id"`

	To       string `json:"to"`
	CallerID string `json:"caller_id,omitempty"`
}

type PlaceCallResult struct {
	ProviderRef string `json:"provider_ref"`
}

// StatusEvent is one asynchronous status push from the provider.
// Delivery is at-least-once and unordered across calls.
type StatusEvent struct {
	ProviderRef string `json:"provider_ref"`
	// CallID is set when the provider echoes our id back (callback query string).
	CallID string `json:"call_id,omitempty"`

	Status          calls.CallStatus `json:"status"`
	DurationSeconds int              `json:"duration_seconds,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// EventSink accepts status events for processing.
type EventSink interface {
	Submit(ctx context.Context, ev StatusEvent) error
}

// NormalizeE164 strips formatting from a phone number and checks it is E.164.
// A leading international "00" prefix is rewritten to "+".
func NormalizeE164(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	if !strings.HasPrefix(s, "+") {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}

	var b strings.Builder
	b.WriteByte('+')
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
		}
	}

	out := b.String()
	digits := len(out) - 1
	if digits < 8 || digits > 15 || out[1] == '0' {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	return out, nil
}
