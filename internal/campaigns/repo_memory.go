package campaigns

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu sync.Mutex

	campaigns map[string]Campaign
	contacts  map[string]Contact
	followUps map[string]FollowUp
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		campaigns: map[string]Campaign{},
		contacts:  map[string]Contact{},
		followUps: map[string]FollowUp{},
	}
}

func cloneCampaign(c Campaign) Campaign {
	c.ContactIDs = append([]string(nil), c.ContactIDs...)
	return c
}

func (r *MemoryRepo) CreateCampaign(ctx context.Context, c Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (r *MemoryRepo) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (r *MemoryRepo) ListCampaigns(ctx context.Context, status Status) ([]Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Campaign, 0)
	for _, c := range r.campaigns {
		if status == "" || c.Status == status {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) SaveCampaignState(ctx context.Context, c Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.campaigns[c.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = c.Status
	cur.DegradedReason = c.DegradedReason
	cur.StartedAt = c.StartedAt
	cur.CompletedAt = c.CompletedAt
	cur.UpdatedAt = c.UpdatedAt
	r.campaigns[c.ID] = cur
	return nil
}

func (r *MemoryRepo) AdjustResults(ctx context.Context, campaignID string, delta Results) (Results, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return Results{}, ErrNotFound
	}
	c.Results = c.Results.Add(delta)
	r.campaigns[campaignID] = c
	return c.Results, nil
}

func (r *MemoryRepo) SetResults(ctx context.Context, campaignID string, res Results) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return ErrNotFound
	}
	c.Results = res
	r.campaigns[campaignID] = c
	return nil
}

func (r *MemoryRepo) UpsertContact(ctx context.Context, c Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[c.ID] = c
	return nil
}

func (r *MemoryRepo) GetContact(ctx context.Context, id string) (Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) AddFollowUp(ctx context.Context, f FollowUp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.followUps[f.ID] = f
	return nil
}

func (r *MemoryRepo) ListFollowUps(ctx context.Context, campaignID string) ([]FollowUp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FollowUp, 0)
	for _, f := range r.followUps {
		if f.CampaignID == campaignID {
			out = append(out, f)
		}
	}
	sortFollowUps(out)
	return out, nil
}

func (r *MemoryRepo) DeleteFollowUp(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.followUps, id)
	return nil
}

func sortFollowUps(fs []FollowUp) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].DueAt.Equal(fs[j].DueAt) {
			return fs[i].ID < fs[j].ID
		}
		return fs[i].DueAt.Before(fs[j].DueAt)
	})
}
