package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only; there are no update or delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByCampaign(ctx context.Context, campaignID string) ([]Event, error)
}

// Service records operator commands and engine notices.
// Callers treat audit as best-effort: failures are logged, never returned.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log.With("component", "audit"), clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) record(ctx context.Context, e Event) {
	if err := s.Append(ctx, e); err != nil {
		s.log.Error("audit append failed", "type", e.Type, "campaign_id", e.CampaignID, "call_id", e.CallID, "err", err)
	}
}

// CampaignCommand records start, pause, resume or cancel issued by an operator.
func (s *Service) CampaignCommand(ctx context.Context, actor Actor, campaignID, command string) {
	s.record(ctx, Event{
		Type:        EventTypeCampaignCommand,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		CampaignID:  campaignID,
		Message:     command,
	})
}

// CampaignDegraded records an auto-pause after dispatch retries ran out.
func (s *Service) CampaignDegraded(ctx context.Context, campaignID, reason string) {
	s.record(ctx, Event{Type: EventTypeCampaignDegraded, CampaignID: campaignID, Message: reason})
}

func (s *Service) CampaignCompleted(ctx context.Context, campaignID string) {
	s.record(ctx, Event{Type: EventTypeCampaignCompleted, CampaignID: campaignID, Message: "queue exhausted"})
}

func (s *Service) CallCanceled(ctx context.Context, actor Actor, campaignID, callID string) {
	s.record(ctx, Event{
		Type:        EventTypeCallCanceled,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		CampaignID:  campaignID,
		CallID:      callID,
		Message:     "operator hangup",
	})
}

func (s *Service) ResultsRecomputed(ctx context.Context, actor Actor, campaignID, message string) {
	s.record(ctx, Event{
		Type:        EventTypeResultsRecomputed,
		ActorUserID: actor.UserID,
		ActorRole:   actor.Role,
		CampaignID:  campaignID,
		Message:     message,
	})
}

func (s *Service) ListByCampaign(ctx context.Context, campaignID string) ([]Event, error) {
	return s.repo.ListByCampaign(ctx, campaignID)
}
