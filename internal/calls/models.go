package calls

import "time"

// Call is one outbound call attempt placed by the dispatcher.
//
// Identity fields (CallID, ContactID, AgentID, CampaignID, Direction, To) are fixed once
// the call is created. Only Status, the timestamps, DurationSeconds and DispositionID
// change afterwards, and only through the dispatcher or the disposition recorder.
//
// ProviderRef is empty until the telephony gateway accepts the call.
type Call struct {
	CallID      string `json:"call_id" db:"call_id"`
	ProviderRef string `json:"provider_ref,omitempty" db:"provider_ref"`

	ContactID  string `json:"contact_id" db:"contact_id"`
	AgentID    string `json:"agent_id" db:"agent_id"`
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`

	Direction Direction `json:"direction" db:"direction"`
	To        string    `json:"to" db:"to_number"`

	Status CallStatus `json:"status" db:"status"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// DurationSeconds is the connected talk time reported by the provider,
	// or derived from AnsweredAt/EndedAt when the provider omits it.
	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	// DispositionID points at the latest disposition recorded for the call.
	DispositionID string `json:"disposition_id,omitempty" db:"disposition_id"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Connected reports whether the callee ever picked up.
func (c Call) Connected() bool { return c.AnsweredAt != nil }

type Direction string

const DirectionOutbound Direction = "outbound"

type CallStatus string

const (
	StatusPlacing   CallStatus = "placing"
	StatusRinging   CallStatus = "ringing"
	StatusAnswered  CallStatus = "answered"
	StatusCompleted CallStatus = "completed"
	StatusFailed    CallStatus = "failed"
	StatusNoAnswer  CallStatus = "no-answer"
	StatusDropped   CallStatus = "dropped"
	StatusCanceled  CallStatus = "canceled"
)

// Disposition is the recorded outcome of a call.
//
// Dispositions are append-only. A correction is a new row for the same call with a
// higher Sequence; the latest sequence is the effective outcome.
type Disposition struct {
	ID       string `json:"id" db:"id"`
	CallID   string `json:"call_id" db:"call_id"`
	Sequence int    `json:"sequence" db:"sequence"`

	Category string `json:"category" db:"category"`
	Notes    string `json:"notes,omitempty" db:"notes"`

	FollowUpAt *time.Time `json:"follow_up_at,omitempty" db:"follow_up_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
