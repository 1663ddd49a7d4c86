package dispositions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
)

var (
	ErrValidation = errors.New("dispositions: validation failed")
	// ErrNotCallAgent is returned when an agent dispositions a call placed for someone else.
	ErrNotCallAgent = errors.New("dispositions: call belongs to another agent")
)

// CategoryConverted is the category that moves a call into the converted bucket.
const CategoryConverted = "converted"

var (
	DefaultCategories = []string{
		"no-answer",
		"callback-requested",
		"not-interested",
		CategoryConverted,
		"voicemail",
		"wrong-number",
		"not-interested-via-voicemail",
	}
	// DefaultNonConnected are the categories allowed on calls nobody picked up.
	DefaultNonConnected = []string{
		"no-answer",
		"not-interested-via-voicemail",
		"wrong-number",
		"voicemail",
	}
)

// Outcomes receives the campaign-side effects of a disposition.
type Outcomes interface {
	ApplyConversion(ctx context.Context, c calls.Call, converted bool) error
	ScheduleFollowUp(ctx context.Context, c calls.Call, dueAt time.Time) (campaigns.FollowUp, error)
}

type Config struct {
	Categories   []string
	NonConnected []string
}

type Request struct {
	CallID     string     `json:"call_id"`
	Category   string     `json:"category"`
	Notes      string     `json:"notes,omitempty"`
	FollowUpAt *time.Time `json:"follow_up_at,omitempty"`

	// AgentID, when set, must match the agent the call was placed for.
	AgentID string `json:"-"`
}

// Recorder validates and stores call outcomes.
//
// Dispositions are append-only; a correction is recorded as a new disposition
// with the next sequence and the latest one is the effective outcome.
type Recorder struct {
	store    calls.Store
	outcomes Outcomes
	log      *slog.Logger

	categories   map[string]bool
	nonConnected map[string]bool

	now   func() time.Time
	newID func() string

	// mu keeps the previous/next comparison for conversions consistent.
	mu sync.Mutex
}

func NewRecorder(cfg Config, store calls.Store, outcomes Outcomes, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories
	}
	if cfg.NonConnected == nil {
		cfg.NonConnected = DefaultNonConnected
	}

	r := &Recorder{
		store:        store,
		outcomes:     outcomes,
		log:          log.With("component", "dispositions"),
		categories:   map[string]bool{},
		nonConnected: map[string]bool{},
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, c := range cfg.Categories {
		if c = strings.TrimSpace(c); c != "" {
			r.categories[c] = true
		}
	}
	for _, c := range cfg.NonConnected {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !r.categories[c] {
			return nil, fmt.Errorf("dispositions: non-connected category %q is not a configured category", c)
		}
		// Conversions move a call out of the contacted bucket, which only
		// connected calls are in.
		if c == CategoryConverted {
			return nil, fmt.Errorf("dispositions: %q cannot be a non-connected category", c)
		}
		r.nonConnected[c] = true
	}
	return r, nil
}

// Record validates req against the call and appends the disposition.
func (r *Recorder) Record(ctx context.Context, req Request) (calls.Disposition, error) {
	req.CallID = strings.TrimSpace(req.CallID)
	req.Category = strings.TrimSpace(req.Category)
	if req.CallID == "" {
		return calls.Disposition{}, fmt.Errorf("%w: call_id is required", ErrValidation)
	}
	if req.Category == "" {
		return calls.Disposition{}, fmt.Errorf("%w: category is required", ErrValidation)
	}
	if !r.categories[req.Category] {
		return calls.Disposition{}, fmt.Errorf("%w: unknown category %q", ErrValidation, req.Category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	call, err := r.store.GetCall(ctx, req.CallID)
	if err != nil {
		return calls.Disposition{}, err
	}
	if req.AgentID != "" && req.AgentID != call.AgentID {
		return calls.Disposition{}, ErrNotCallAgent
	}
	if !call.Status.IsTerminal() {
		return calls.Disposition{}, fmt.Errorf("%w: call %s has not ended (%s)", ErrValidation, call.CallID, call.Status)
	}
	if !call.Connected() && !r.nonConnected[req.Category] {
		return calls.Disposition{}, fmt.Errorf("%w: category %q needs a connected call", ErrValidation, req.Category)
	}

	wasConverted, err := r.converted(ctx, call.CallID)
	if err != nil {
		return calls.Disposition{}, err
	}

	d, err := r.store.AppendDisposition(ctx, calls.Disposition{
		ID:         r.newID(),
		CallID:     call.CallID,
		Category:   req.Category,
		Notes:      strings.TrimSpace(req.Notes),
		FollowUpAt: req.FollowUpAt,
		CreatedAt:  r.now().UTC(),
	})
	if err != nil {
		return calls.Disposition{}, err
	}

	log := r.log.With("call_id", call.CallID, "campaign_id", call.CampaignID, "sequence", d.Sequence)

	if isConverted := req.Category == CategoryConverted; isConverted != wasConverted {
		if err := r.outcomes.ApplyConversion(ctx, call, isConverted); err != nil {
			log.Error("conversion update failed", "err", err)
		}
	}
	if req.FollowUpAt != nil {
		if _, err := r.outcomes.ScheduleFollowUp(ctx, call, *req.FollowUpAt); err != nil {
			log.Error("follow-up scheduling failed", "err", err)
		}
	}

	log.Info("disposition recorded", "category", d.Category)
	return d, nil
}

// List returns every disposition of a call, oldest first.
func (r *Recorder) List(ctx context.Context, callID string) ([]calls.Disposition, error) {
	if _, err := r.store.GetCall(ctx, callID); err != nil {
		return nil, err
	}
	return r.store.ListDispositions(ctx, callID)
}

// Latest returns the effective disposition of a call, if any.
func Latest(ds []calls.Disposition) (calls.Disposition, bool) {
	if len(ds) == 0 {
		return calls.Disposition{}, false
	}
	latest := ds[0]
	for _, d := range ds[1:] {
		if d.Sequence > latest.Sequence {
			latest = d
		}
	}
	return latest, true
}

func (r *Recorder) converted(ctx context.Context, callID string) (bool, error) {
	ds, err := r.store.ListDispositions(ctx, callID)
	if err != nil {
		return false, err
	}
	d, ok := Latest(ds)
	return ok && d.Category == CategoryConverted, nil
}
