package campaigns

import "time"

type ContactStatus string

const (
	ContactNew         ContactStatus = "new"
	ContactContacted   ContactStatus = "contacted"
	ContactQualified   ContactStatus = "qualified"
	ContactConverted   ContactStatus = "converted"
	ContactUnreachable ContactStatus = "unreachable"
)

type Assignment string

const (
	AssignedNone      Assignment = "unassigned"
	AssignedAutomated Assignment = "automated"
	AssignedHuman     Assignment = "human"
)

// Contact is the CRM record a campaign dials. The engine only writes back
// Status, AssignedTo and LastContactedAt.
type Contact struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name,omitempty" db:"name"`
	Phone string `json:"phone" db:"phone"` // E.164
	Email string `json:"email,omitempty" db:"email"`

	LeadScore int `json:"lead_score" db:"lead_score"`

	Status          ContactStatus `json:"status" db:"status"`
	AssignedTo      Assignment    `json:"assigned_to" db:"assigned_to"`
	LastContactedAt *time.Time    `json:"last_contacted_at,omitempty" db:"last_contacted_at"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Dialable reports whether the pacing loop may call the contact.
func (c Contact) Dialable() bool {
	return c.Status != ContactUnreachable && c.Status != ContactConverted
}

type Type string

const (
	TypeAutomated Type = "automated"
	TypeHuman     Type = "human"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Results are derived only from terminal calls of the campaign.
type Results struct {
	Contacted   int `json:"contacted" db:"contacted"`
	Converted   int `json:"converted" db:"converted"`
	Unreachable int `json:"unreachable" db:"unreachable"`
}

func (r Results) Total() int { return r.Contacted + r.Converted + r.Unreachable }

func (r Results) Add(o Results) Results {
	return Results{
		Contacted:   r.Contacted + o.Contacted,
		Converted:   r.Converted + o.Converted,
		Unreachable: r.Unreachable + o.Unreachable,
	}
}

// Campaign is one bounded run over an ordered contact list.
type Campaign struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
	Type Type   `json:"type" db:"type"`

	Status Status `json:"status" db:"status"`

	// ContactIDs is the dial queue; order is dial priority.
	ContactIDs []string `json:"contact_ids"`

	Results Results `json:"results"`

	// DegradedReason is set when the engine auto-paused the campaign.
	DegradedReason string `json:"degraded_reason,omitempty" db:"degraded_reason"`

	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Progress is the share of queued contacts with a terminal call outcome.
func (c Campaign) Progress() float64 {
	if len(c.ContactIDs) == 0 {
		return 0
	}
	p := float64(c.Results.Total()) / float64(len(c.ContactIDs))
	if p > 1 {
		return 1
	}
	return p
}

// FollowUp is a contact to redial once DueAt passes.
type FollowUp struct {
	ID         string    `json:"id" db:"id"`
	CampaignID string    `json:"campaign_id,omitempty" db:"campaign_id"`
	ContactID  string    `json:"contact_id" db:"contact_id"`
	CallID     string    `json:"call_id" db:"call_id"`
	DueAt      time.Time `json:"due_at" db:"due_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
