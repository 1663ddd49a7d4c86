package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Actor capture is best-effort; do not block dialing on audit failures.
//
// Storage (Postgres): table audit_events, INSERT only.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the operator causing the event; empty for engine events.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	CallID     string `json:"call_id,omitempty" db:"call_id"`

	// Message is a short human-readable description for ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCampaignCommand   EventType = "campaign_command"
	EventTypeCampaignDegraded  EventType = "campaign_degraded"
	EventTypeCampaignCompleted EventType = "campaign_completed"
	EventTypeCallCanceled      EventType = "call_canceled"
	EventTypeResultsRecomputed EventType = "results_recomputed"
)

// Actor identifies who issued a command.
type Actor struct {
	UserID string
	Role   string
}
