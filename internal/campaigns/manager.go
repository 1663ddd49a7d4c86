package campaigns

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/audit"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/dispatch"
	"outbound-dialer/internal/telephony"
)

// Dialer is the dispatcher as seen from a pacing loop.
type Dialer interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.CallHandle, error)
}

// AgentSource lists agents a campaign may dial with.
type AgentSource interface {
	IdleAgents(campaignID string, kind agents.Kind) []agents.Agent
}

type CallLister interface {
	ListCallsByCampaign(ctx context.Context, campaignID string) ([]calls.Call, error)
}

type Auditor interface {
	CampaignCommand(ctx context.Context, actor audit.Actor, campaignID, command string)
	CampaignDegraded(ctx context.Context, campaignID, reason string)
	CampaignCompleted(ctx context.Context, campaignID string)
}

type Config struct {
	// BackoffInterval is the pause after a capacity or agent race.
	BackoffInterval time.Duration
	// MaxDispatchRetries consecutive races auto-pause the campaign.
	MaxDispatchRetries int
	// IdlePollInterval bounds how long a loop sleeps without a wake-up.
	IdlePollInterval time.Duration

	Pacing PacerFactory
}

func (c Config) withDefaults() Config {
	out := c
	if out.BackoffInterval <= 0 {
		out.BackoffInterval = 2 * time.Second
	}
	if out.MaxDispatchRetries <= 0 {
		out.MaxDispatchRetries = 10
	}
	if out.IdlePollInterval <= 0 {
		out.IdlePollInterval = 5 * time.Second
	}
	if out.Pacing == nil {
		out.Pacing = func() Pacer { return AgentDriven{} }
	}
	return out
}

// Manager owns every campaign's lifecycle and runs one pacing loop per
// running campaign.
type Manager struct {
	cfg    Config
	repo   Repository
	dialer Dialer
	agents AgentSource
	calls  CallLister
	audit  Auditor
	log    *slog.Logger

	now   func() time.Time
	newID func() string

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	// mu serializes campaign status changes.
	mu      sync.Mutex
	runners map[string]*runner

	// contactMu stripes read-modify-write cycles on contact records.
	contactMu [32]sync.Mutex
}

func (m *Manager) lockContact(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &m.contactMu[h.Sum32()%uint32(len(m.contactMu))]
	mu.Lock()
	return mu.Unlock
}

func NewManager(cfg Config, repo Repository, dialer Dialer, agentSource AgentSource, callLister CallLister, auditor Auditor, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	root, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg.withDefaults(),
		repo:    repo,
		dialer:  dialer,
		agents:  agentSource,
		calls:   callLister,
		audit:   auditor,
		log:     log.With("component", "campaigns"),
		now:     time.Now,
		newID:   uuid.NewString,
		root:    root,
		stop:    stop,
		runners: map[string]*runner{},
	}
}

// Run blocks until ctx is canceled, then stops every pacing loop.
func (m *Manager) Run(ctx context.Context) error {
	<-ctx.Done()
	m.stop()
	m.wg.Wait()
	m.log.Info("campaign loops stopped")
	return nil
}

// UpsertContact normalizes the phone number and stores the contact.
func (m *Manager) UpsertContact(ctx context.Context, c Contact) (Contact, error) {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		c.ID = m.newID()
	}
	phone, err := telephony.NormalizeE164(c.Phone)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	c.Phone = phone
	if c.Status == "" {
		c.Status = ContactNew
	}
	if c.AssignedTo == "" {
		c.AssignedTo = AssignedNone
	}
	c.UpdatedAt = m.now().UTC()
	unlock := m.lockContact(c.ID)
	defer unlock()
	if err := m.repo.UpsertContact(ctx, c); err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (m *Manager) GetContact(ctx context.Context, id string) (Contact, error) {
	return m.repo.GetContact(ctx, id)
}

// CreateCampaign stores a draft campaign. Duplicate contact ids keep their
// first position.
func (m *Manager) CreateCampaign(ctx context.Context, name string, typ Type, contactIDs []string) (Campaign, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Campaign{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if typ != TypeAutomated && typ != TypeHuman {
		return Campaign{}, fmt.Errorf("%w: type must be automated or human", ErrValidation)
	}

	seen := map[string]bool{}
	queue := make([]string, 0, len(contactIDs))
	for _, id := range contactIDs {
		if id == "" || seen[id] {
			continue
		}
		if _, err := m.repo.GetContact(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return Campaign{}, fmt.Errorf("%w: unknown contact %s", ErrValidation, id)
			}
			return Campaign{}, err
		}
		seen[id] = true
		queue = append(queue, id)
	}

	now := m.now().UTC()
	c := Campaign{
		ID:         m.newID(),
		Name:       name,
		Type:       typ,
		Status:     StatusDraft,
		ContactIDs: queue,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.repo.CreateCampaign(ctx, c); err != nil {
		return Campaign{}, err
	}
	return c, nil
}

func (m *Manager) Get(ctx context.Context, id string) (Campaign, error) {
	return m.repo.GetCampaign(ctx, id)
}

func (m *Manager) List(ctx context.Context, status Status) ([]Campaign, error) {
	return m.repo.ListCampaigns(ctx, status)
}

// Start moves a draft campaign to running and starts its pacing loop.
func (m *Manager) Start(ctx context.Context, actor audit.Actor, id string) (Campaign, error) {
	m.mu.Lock()
	c, err := m.repo.GetCampaign(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return Campaign{}, err
	}
	if c.Status != StatusDraft {
		m.mu.Unlock()
		return c, fmt.Errorf("%w: cannot start a %s campaign", ErrInvalidState, c.Status)
	}
	now := m.now().UTC()
	c.Status = StatusRunning
	c.StartedAt = &now
	c.UpdatedAt = now
	if err := m.repo.SaveCampaignState(ctx, c); err != nil {
		m.mu.Unlock()
		return Campaign{}, err
	}
	r, err := m.buildRunner(ctx, c)
	if err != nil {
		m.mu.Unlock()
		return Campaign{}, err
	}
	m.runners[id] = r
	r.setWanted(true)
	m.mu.Unlock()

	r.activate(m.root)
	m.audit.CampaignCommand(ctx, actor, id, "start")
	m.log.Info("campaign started", "campaign_id", id, "contacts", len(c.ContactIDs))
	return c, nil
}

// Pause stops new dispatches. In-flight calls finish normally.
func (m *Manager) Pause(ctx context.Context, actor audit.Actor, id string) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.repo.GetCampaign(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	if c.Status != StatusRunning {
		return c, fmt.Errorf("%w: cannot pause a %s campaign", ErrInvalidState, c.Status)
	}
	c.Status = StatusPaused
	c.UpdatedAt = m.now().UTC()
	if err := m.repo.SaveCampaignState(ctx, c); err != nil {
		return Campaign{}, err
	}
	if r := m.runners[id]; r != nil {
		r.stop()
	}
	m.audit.CampaignCommand(ctx, actor, id, "pause")
	m.log.Info("campaign paused", "campaign_id", id)
	return c, nil
}

// Resume restarts a paused campaign and clears any degraded notice.
func (m *Manager) Resume(ctx context.Context, actor audit.Actor, id string) (Campaign, error) {
	m.mu.Lock()
	c, err := m.repo.GetCampaign(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return Campaign{}, err
	}
	if c.Status != StatusPaused {
		m.mu.Unlock()
		return c, fmt.Errorf("%w: cannot resume a %s campaign", ErrInvalidState, c.Status)
	}
	c.Status = StatusRunning
	c.DegradedReason = ""
	c.UpdatedAt = m.now().UTC()
	if err := m.repo.SaveCampaignState(ctx, c); err != nil {
		m.mu.Unlock()
		return Campaign{}, err
	}
	r := m.runners[id]
	if r == nil {
		if r, err = m.buildRunner(ctx, c); err != nil {
			m.mu.Unlock()
			return Campaign{}, err
		}
		m.runners[id] = r
	}
	r.setWanted(true)
	m.mu.Unlock()

	r.activate(m.root)
	m.audit.CampaignCommand(ctx, actor, id, "resume")
	m.log.Info("campaign resumed", "campaign_id", id)
	return c, nil
}

// Cancel ends a running or paused campaign for good. Calls already placed are
// not hung up; their outcomes still count.
func (m *Manager) Cancel(ctx context.Context, actor audit.Actor, id string) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.repo.GetCampaign(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	if c.Status != StatusRunning && c.Status != StatusPaused {
		return c, fmt.Errorf("%w: cannot cancel a %s campaign", ErrInvalidState, c.Status)
	}
	now := m.now().UTC()
	c.Status = StatusCancelled
	c.CompletedAt = &now
	c.UpdatedAt = now
	if err := m.repo.SaveCampaignState(ctx, c); err != nil {
		return Campaign{}, err
	}
	if r := m.runners[id]; r != nil {
		r.stop()
		delete(m.runners, id)
	}
	m.audit.CampaignCommand(ctx, actor, id, "cancel")
	m.log.Info("campaign cancelled", "campaign_id", id)
	return c, nil
}

// Wake nudges a campaign's pacing loop, e.g. when one of its agents turns idle.
func (m *Manager) Wake(campaignID string) {
	if r := m.runner(campaignID); r != nil {
		r.wake()
	}
}

// OnAgentIdle adapts Wake to the agent registry's idle notifier.
func (m *Manager) OnAgentIdle(a agents.Agent) {
	if a.CampaignID != "" {
		m.Wake(a.CampaignID)
	}
}

func (m *Manager) runner(id string) *runner {
	if id == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[id]
}

// Recover rebuilds pacing state for running and paused campaigns and restarts
// the running ones. The dispatcher must have recovered first.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	list, err := m.repo.ListCampaigns(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("campaigns: recover: %w", err)
	}

	started := make([]*runner, 0)
	m.mu.Lock()
	for _, c := range list {
		if c.Status != StatusRunning && c.Status != StatusPaused {
			continue
		}
		if _, ok := m.runners[c.ID]; ok {
			continue
		}
		r, err := m.buildRunner(ctx, c)
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
		m.runners[c.ID] = r
		if c.Status == StatusRunning {
			r.setWanted(true)
			started = append(started, r)
		}
	}
	m.mu.Unlock()

	for _, r := range started {
		r.activate(m.root)
	}
	m.log.Info("campaigns recovered", "running", len(started))
	return len(started), nil
}

// buildRunner derives the pacing state from the stores: contacts already
// dialed in this campaign leave the queue and live calls count as in flight.
func (m *Manager) buildRunner(ctx context.Context, c Campaign) (*runner, error) {
	existing, err := m.calls.ListCallsByCampaign(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("campaigns: list calls: %w", err)
	}
	followUps, err := m.repo.ListFollowUps(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	dialed := map[string]bool{}
	inFlight := map[string]string{}
	for _, call := range existing {
		dialed[call.ContactID] = true
		if !call.Status.IsTerminal() {
			inFlight[call.CallID] = call.ContactID
		}
	}
	queue := make([]string, 0, len(c.ContactIDs))
	for _, id := range c.ContactIDs {
		if !dialed[id] {
			queue = append(queue, id)
		}
	}
	return newRunner(m, c, queue, inFlight, followUps), nil
}
