package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"outbound-dialer/internal/audit"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/dispositions"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// CallSource is the read side of the call log.
type CallSource interface {
	ListCallsByCampaign(ctx context.Context, campaignID string) ([]calls.Call, error)
	ListDispositions(ctx context.Context, callID string) ([]calls.Disposition, error)
}

type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	SetResults(ctx context.Context, campaignID string, res campaigns.Results) error
}

type Auditor interface {
	ResultsRecomputed(ctx context.Context, actor audit.Actor, campaignID, message string)
}

// Service derives reports from immutable sources: the call log and the
// append-only dispositions.
type Service struct {
	calls     CallSource
	campaigns CampaignStore
	audit     Auditor
	log       *slog.Logger
}

func NewService(callSource CallSource, campaignStore CampaignStore, auditor Auditor, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		calls:     callSource,
		campaigns: campaignStore,
		audit:     auditor,
		log:       log.With("component", "reporting"),
	}
}

type callOutcome struct {
	call     calls.Call
	category string
}

func (s *Service) outcomes(ctx context.Context, campaignID string) ([]callOutcome, error) {
	if campaignID == "" {
		return nil, ErrInvalidRequest
	}
	if _, err := s.campaigns.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	rows, err := s.calls.ListCallsByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	out := make([]callOutcome, 0, len(rows))
	for _, c := range rows {
		o := callOutcome{call: c}
		if c.DispositionID != "" {
			ds, err := s.calls.ListDispositions(ctx, c.CallID)
			if err != nil {
				return nil, err
			}
			if d, ok := dispositions.Latest(ds); ok {
				o.category = d.Category
			}
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Service) CallsSummary(ctx context.Context, campaignID string) (CallsSummary, error) {
	rows, err := s.outcomes(ctx, campaignID)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{CampaignID: campaignID, Dispositions: map[string]int{}}
	for _, o := range rows {
		c := o.call
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		if c.Connected() {
			out.ConnectedCalls++
		}
		if o.category != "" {
			out.Dispositions[o.category]++
		}
		if o.category == dispositions.CategoryConverted {
			out.Conversions++
		}
		switch c.Status {
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		case calls.StatusNoAnswer:
			out.NoAnswerCalls++
		case calls.StatusDropped:
			out.DroppedCalls++
		case calls.StatusCanceled:
			out.CanceledCalls++
		default:
			out.InFlightCalls++
		}
	}
	if out.ConnectedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.ConnectedCalls
	}
	if ended := out.TotalCalls - out.InFlightCalls; ended > 0 {
		out.ConnectionRate = float64(out.ConnectedCalls) / float64(ended)
		out.ConversionRate = float64(out.Conversions) / float64(ended)
	}
	return out, nil
}

// RecomputeResults rebuilds a campaign's counters from its ended calls and
// their effective dispositions, then overwrites the stored counters.
//
// Calls still in flight are skipped; their terminal update adds them as usual.
func (s *Service) RecomputeResults(ctx context.Context, actor audit.Actor, campaignID string) (Recomputation, error) {
	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return Recomputation{}, err
	}
	rows, err := s.outcomes(ctx, campaignID)
	if err != nil {
		return Recomputation{}, err
	}

	var res campaigns.Results
	for _, o := range rows {
		switch {
		case !o.call.Status.IsTerminal():
		case o.category == dispositions.CategoryConverted:
			res.Converted++
		case o.call.Connected():
			res.Contacted++
		default:
			res.Unreachable++
		}
	}

	out := Recomputation{CampaignID: campaignID, Before: c.Results, After: res, Changed: res != c.Results}
	if err := s.campaigns.SetResults(ctx, campaignID, res); err != nil {
		return Recomputation{}, fmt.Errorf("reporting: store results: %w", err)
	}

	msg := fmt.Sprintf("contacted %d->%d converted %d->%d unreachable %d->%d",
		c.Results.Contacted, res.Contacted, c.Results.Converted, res.Converted, c.Results.Unreachable, res.Unreachable)
	s.audit.ResultsRecomputed(ctx, actor, campaignID, msg)
	if out.Changed {
		s.log.Warn("campaign results repaired", "campaign_id", campaignID, "change", msg)
	}
	return out, nil
}
