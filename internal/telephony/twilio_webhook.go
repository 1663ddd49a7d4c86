package telephony

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	twclient "github.com/twilio/twilio-go/client"

	"outbound-dialer/internal/calls"
)

// TwilioStatusForm captures the status callback fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	CallSid      string
	AccountSid   string
	CallStatus   string
	CallDuration string
	Timestamp    string
	SequenceNo   string

	// CallID is our id, echoed back through the callback URL query string.
	CallID string
}

var ErrMissingCallSid = errors.New("telephony: CallSid is required")

func ParseTwilioStatusForm(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	f := TwilioStatusForm{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:   r.PostFormValue("AccountSid"),
		CallStatus:   strings.TrimSpace(r.PostFormValue("CallStatus")),
		CallDuration: r.PostFormValue("CallDuration"),
		Timestamp:    r.PostFormValue("Timestamp"),
		SequenceNo:   r.PostFormValue("SequenceNumber"),
		CallID:       r.URL.Query().Get("call_id"),
	}
	if f.CallSid == "" {
		return TwilioStatusForm{}, ErrMissingCallSid
	}
	return f, nil
}

// MapTwilioStatus translates Twilio's call status vocabulary. ok is false for
// statuses that carry no transition.
func MapTwilioStatus(s string) (calls.CallStatus, bool) {
	switch s {
	case "queued", "initiated":
		return calls.StatusPlacing, true
	case "ringing":
		return calls.StatusRinging, true
	case "in-progress", "answered":
		return calls.StatusAnswered, true
	case "completed":
		return calls.StatusCompleted, true
	case "busy", "no-answer":
		return calls.StatusNoAnswer, true
	case "failed":
		return calls.StatusFailed, true
	case "canceled":
		return calls.StatusCanceled, true
	default:
		return "", false
	}
}

// ToStatusEvent converts the form. receivedAt is used when Twilio omits or
// mangles the Timestamp field.
func (f TwilioStatusForm) ToStatusEvent(receivedAt time.Time) (StatusEvent, bool) {
	st, ok := MapTwilioStatus(f.CallStatus)
	if !ok {
		return StatusEvent{}, false
	}
	ts := receivedAt
	if f.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC1123Z, f.Timestamp); err == nil {
			ts = parsed.UTC()
		}
	}
	dur, _ := strconv.Atoi(f.CallDuration)
	return StatusEvent{
		ProviderRef:     f.CallSid,
		CallID:          f.CallID,
		Status:          st,
		DurationSeconds: dur,
		Timestamp:       ts,
	}, true
}

// TwilioSignatureValidator checks the X-Twilio-Signature header.
// Ref: https://www.twilio.com/docs/usage/security#validating-requests
type TwilioSignatureValidator struct {
	AuthToken string
	// PublicBaseURL must match the scheme and host Twilio used to reach us.
	PublicBaseURL string
}

const headerTwilioSignature = "X-Twilio-Signature"

// Validate must run after r.ParseForm. Twilio status callbacks never repeat a
// form key, so only the first value of each is signed.
func (v TwilioSignatureValidator) Validate(r *http.Request) bool {
	got := r.Header.Get(headerTwilioSignature)
	if got == "" {
		return false
	}
	fullURL := strings.TrimRight(v.PublicBaseURL, "/") + r.URL.RequestURI()
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	rv := twclient.NewRequestValidator(v.AuthToken)
	return rv.Validate(fullURL, params, got)
}
