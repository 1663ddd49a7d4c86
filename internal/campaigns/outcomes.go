package campaigns

import (
	"context"
	"errors"
	"time"

	"outbound-dialer/internal/calls"
)

// OnCallTerminal is called by the dispatcher exactly once per call. It is the
// only place results grow, so a replayed provider event can never count twice.
func (m *Manager) OnCallTerminal(ctx context.Context, c calls.Call) {
	if c.CampaignID != "" {
		delta := Results{Unreachable: 1}
		if c.Connected() {
			delta = Results{Contacted: 1}
		}
		if _, err := m.repo.AdjustResults(ctx, c.CampaignID, delta); err != nil {
			m.log.Error("campaign results update failed", "campaign_id", c.CampaignID, "call_id", c.CallID, "err", err)
		}
	}

	m.writeBackContact(ctx, c)

	if r := m.runner(c.CampaignID); r != nil {
		r.onTerminal(c.CallID)
	}
}

// writeBackContact never downgrades a converted contact. A failed dial marks
// any other contact unreachable, including one reached on an earlier call.
func (m *Manager) writeBackContact(ctx context.Context, c calls.Call) {
	typ := Type("")
	if c.CampaignID != "" {
		typ = m.campaignType(ctx, c.CampaignID)
	}

	unlock := m.lockContact(c.ContactID)
	defer unlock()

	contact, err := m.repo.GetContact(ctx, c.ContactID)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		m.log.Error("contact lookup failed", "contact_id", c.ContactID, "err", err)
		return
	}

	switch {
	case c.Connected():
		if contact.Status == ContactNew || contact.Status == ContactUnreachable {
			contact.Status = ContactContacted
		}
	case c.Status == calls.StatusFailed:
		if contact.Status != ContactConverted {
			contact.Status = ContactUnreachable
		}
	}

	if typ != "" {
		contact.AssignedTo = Assignment(typ)
	}

	ended := m.now().UTC()
	if c.EndedAt != nil {
		ended = *c.EndedAt
	}
	contact.LastContactedAt = &ended
	contact.UpdatedAt = m.now().UTC()
	if err := m.repo.UpsertContact(ctx, contact); err != nil {
		m.log.Error("contact write-back failed", "contact_id", c.ContactID, "err", err)
	}
}

func (m *Manager) campaignType(ctx context.Context, id string) Type {
	if r := m.runner(id); r != nil {
		return r.typ
	}
	c, err := m.repo.GetCampaign(ctx, id)
	if err != nil {
		return ""
	}
	return c.Type
}

// ApplyConversion moves one call between the contacted and converted buckets
// when its effective disposition starts or stops being a conversion.
func (m *Manager) ApplyConversion(ctx context.Context, c calls.Call, converted bool) error {
	if c.CampaignID != "" {
		delta := Results{Contacted: -1, Converted: 1}
		if !converted {
			delta = Results{Contacted: 1, Converted: -1}
		}
		if _, err := m.repo.AdjustResults(ctx, c.CampaignID, delta); err != nil {
			return err
		}
	}

	unlock := m.lockContact(c.ContactID)
	defer unlock()

	contact, err := m.repo.GetContact(ctx, c.ContactID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if converted {
		contact.Status = ContactConverted
	} else if contact.Status == ContactConverted {
		contact.Status = ContactContacted
	}
	contact.UpdatedAt = m.now().UTC()
	return m.repo.UpsertContact(ctx, contact)
}

// ScheduleFollowUp stores a redial for the call's contact and hands it to the
// campaign loop, which dials it once due.
func (m *Manager) ScheduleFollowUp(ctx context.Context, c calls.Call, dueAt time.Time) (FollowUp, error) {
	now := m.now().UTC()
	f := FollowUp{
		ID:         m.newID(),
		CampaignID: c.CampaignID,
		ContactID:  c.ContactID,
		CallID:     c.CallID,
		DueAt:      dueAt.UTC(),
		CreatedAt:  now,
	}
	if err := m.repo.AddFollowUp(ctx, f); err != nil {
		return FollowUp{}, err
	}

	unlock := m.lockContact(c.ContactID)
	contact, err := m.repo.GetContact(ctx, c.ContactID)
	switch {
	case err == nil:
		contact.LastContactedAt = &now
		contact.UpdatedAt = now
		err = m.repo.UpsertContact(ctx, contact)
	case errors.Is(err, ErrNotFound):
		err = nil
	}
	unlock()
	if err != nil {
		return f, err
	}

	if r := m.runner(c.CampaignID); r != nil {
		r.addFollowUp(f)
	}
	return f, nil
}

func (m *Manager) ListFollowUps(ctx context.Context, campaignID string) ([]FollowUp, error) {
	return m.repo.ListFollowUps(ctx, campaignID)
}
