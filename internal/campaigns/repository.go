package campaigns

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("campaigns: not found")
	ErrInvalidState = errors.New("campaigns: invalid state for command")
	ErrValidation   = errors.New("campaigns: validation failed")
)

// Repository is the contact and campaign store. It is the source of truth for
// queue contents; running campaigns keep their own cursor in memory.
type Repository interface {
	CreateCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaigns(ctx context.Context, status Status) ([]Campaign, error)
	// SaveCampaignState writes status, timestamps and degraded reason. Results
	// are never written through here.
	SaveCampaignState(ctx context.Context, c Campaign) error

	// AdjustResults atomically adds delta to the campaign counters.
	AdjustResults(ctx context.Context, campaignID string, delta Results) (Results, error)
	// SetResults overwrites the counters. Only the recompute repair tool uses it.
	SetResults(ctx context.Context, campaignID string, r Results) error

	UpsertContact(ctx context.Context, c Contact) error
	GetContact(ctx context.Context, id string) (Contact, error)

	AddFollowUp(ctx context.Context, f FollowUp) error
	ListFollowUps(ctx context.Context, campaignID string) ([]FollowUp, error)
	DeleteFollowUp(ctx context.Context, id string) error
}
