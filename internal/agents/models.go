package agents

import "time"

type Kind string

const (
	KindHuman     Kind = "human"
	KindAutomated Kind = "automated"
)

func (k Kind) Valid() bool { return k == KindHuman || k == KindAutomated }

type Availability string

const (
	AvailabilityIdle    Availability = "idle"
	AvailabilityOnCall  Availability = "on-call"
	AvailabilityOffline Availability = "offline"
)

// Agent is a caller that can hold exactly one active call.
//
// CurrentCallID is set iff Availability is on-call. Endpoint is where the
// callee gets bridged once the call is answered (a SIP URI or an E.164 number).
type Agent struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	Availability  Availability `json:"availability"`
	CurrentCallID string       `json:"current_call_id,omitempty"`

	// CampaignID is the campaign whose pacing loop may pick this agent.
	CampaignID string `json:"campaign_id,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`

	IdleSince time.Time `json:"idle_since,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
