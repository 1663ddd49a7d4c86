package agents

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound            = errors.New("agents: not found")
	ErrInvalidAgent        = errors.New("agents: invalid agent")
	ErrAgentOnCall         = errors.New("agents: agent is on a call")
	ErrInvalidAvailability = errors.New("agents: invalid availability")
)

// IdleNotifier is invoked after an agent becomes idle. It runs outside the
// agent's lock and must not block.
type IdleNotifier func(a Agent)

type entry struct {
	mu sync.Mutex
	a  Agent
}

// Registry owns agent availability. Every state change is a compare-and-set
// under the agent's own mutex; the registry lock only guards the map.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry

	log    *slog.Logger
	now    func() time.Time
	onIdle IdleNotifier
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		agents: map[string]*entry{},
		log:    log.With("component", "agents"),
		now:    time.Now,
	}
}

// SetIdleNotifier must be called before the registry is shared.
func (r *Registry) SetIdleNotifier(fn IdleNotifier) { r.onIdle = fn }

func (r *Registry) entry(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	return e, ok
}

func (r *Registry) notifyIdle(a Agent) {
	if r.onIdle != nil {
		r.onIdle(a)
	}
}

// Register adds an agent, or updates kind, endpoint and campaign of a known one.
// A re-registration never changes availability, so an agent restored on-call
// after a restart keeps its call.
func (r *Registry) Register(a Agent) (Agent, error) {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return Agent{}, fmt.Errorf("%w: id is required", ErrInvalidAgent)
	}
	if !a.Kind.Valid() {
		return Agent{}, fmt.Errorf("%w: kind must be human or automated", ErrInvalidAgent)
	}
	if a.Availability == "" {
		a.Availability = AvailabilityIdle
	}
	if a.Availability == AvailabilityOnCall {
		return Agent{}, fmt.Errorf("%w: cannot register on-call", ErrInvalidAvailability)
	}

	now := r.now()

	r.mu.Lock()
	e, ok := r.agents[a.ID]
	if !ok {
		a.CurrentCallID = ""
		a.UpdatedAt = now
		if a.Availability == AvailabilityIdle {
			a.IdleSince = now
		}
		r.agents[a.ID] = &entry{a: a}
		r.mu.Unlock()
		r.log.Info("agent registered", "agent_id", a.ID, "kind", a.Kind)
		if a.Availability == AvailabilityIdle {
			r.notifyIdle(a)
		}
		return a, nil
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.a.Kind = a.Kind
	e.a.Endpoint = a.Endpoint
	if a.CampaignID != "" {
		e.a.CampaignID = a.CampaignID
	}
	e.a.UpdatedAt = now
	out := e.a
	e.mu.Unlock()
	return out, nil
}

// Deregister removes an agent that is not on a call.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.a.Availability == AvailabilityOnCall {
		return ErrAgentOnCall
	}
	delete(r.agents, id)
	return nil
}

func (r *Registry) Get(id string) (Agent, error) {
	e, ok := r.entry(id)
	if !ok {
		return Agent{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.a, nil
}

func (r *Registry) List() []Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.a)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assign points the agent at a campaign. An empty campaignID unassigns it.
func (r *Registry) Assign(id, campaignID string) (Agent, error) {
	e, ok := r.entry(id)
	if !ok {
		return Agent{}, ErrNotFound
	}
	e.mu.Lock()
	e.a.CampaignID = campaignID
	e.a.UpdatedAt = r.now()
	out := e.a
	e.mu.Unlock()

	if out.Availability == AvailabilityIdle && campaignID != "" {
		r.notifyIdle(out)
	}
	return out, nil
}

// SetAvailability moves an agent between idle and offline. On-call is owned by
// Reserve/Release and cannot be set or left through here.
func (r *Registry) SetAvailability(id string, av Availability) (Agent, error) {
	if av != AvailabilityIdle && av != AvailabilityOffline {
		return Agent{}, fmt.Errorf("%w: %q", ErrInvalidAvailability, av)
	}
	e, ok := r.entry(id)
	if !ok {
		return Agent{}, ErrNotFound
	}

	e.mu.Lock()
	if e.a.Availability == AvailabilityOnCall {
		e.mu.Unlock()
		return Agent{}, ErrAgentOnCall
	}
	becameIdle := e.a.Availability != AvailabilityIdle && av == AvailabilityIdle
	e.a.Availability = av
	if becameIdle {
		e.a.IdleSince = r.now()
	}
	e.a.UpdatedAt = r.now()
	out := e.a
	e.mu.Unlock()

	if becameIdle {
		r.notifyIdle(out)
	}
	return out, nil
}

// Reserve marks an idle agent on-call for callID. It never blocks; false means
// the agent is unknown or was not idle.
func (r *Registry) Reserve(id, callID string) bool {
	e, ok := r.entry(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.a.Availability != AvailabilityIdle {
		return false
	}
	e.a.Availability = AvailabilityOnCall
	e.a.CurrentCallID = callID
	e.a.UpdatedAt = r.now()
	return true
}

// Release moves an on-call or offline agent to idle, clearing its call.
func (r *Registry) Release(id string) (Agent, error) {
	e, ok := r.entry(id)
	if !ok {
		return Agent{}, ErrNotFound
	}
	e.mu.Lock()
	if e.a.Availability == AvailabilityIdle {
		out := e.a
		e.mu.Unlock()
		return out, nil
	}
	r.toIdleLocked(e)
	out := e.a
	e.mu.Unlock()

	r.notifyIdle(out)
	return out, nil
}

// ReleaseCall releases the agent only if it is still on callID. It returns
// false when the call was already released, which makes duplicate terminal
// handling harmless.
func (r *Registry) ReleaseCall(id, callID string) bool {
	e, ok := r.entry(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	if e.a.Availability != AvailabilityOnCall || e.a.CurrentCallID != callID {
		e.mu.Unlock()
		return false
	}
	r.toIdleLocked(e)
	out := e.a
	e.mu.Unlock()

	r.notifyIdle(out)
	return true
}

func (r *Registry) toIdleLocked(e *entry) {
	now := r.now()
	e.a.Availability = AvailabilityIdle
	e.a.CurrentCallID = ""
	e.a.IdleSince = now
	e.a.UpdatedAt = now
}

// Restore marks an agent on-call for a call found in flight after a restart.
// Unknown agents are registered as human until they re-register.
func (r *Registry) Restore(id, callID string) error {
	if id == "" || callID == "" {
		return fmt.Errorf("%w: agent id and call id are required", ErrInvalidAgent)
	}
	now := r.now()

	r.mu.Lock()
	e, ok := r.agents[id]
	if !ok {
		e = &entry{a: Agent{ID: id, Kind: KindHuman}}
		r.agents[id] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.a.Availability == AvailabilityOnCall && e.a.CurrentCallID != callID {
		r.log.Warn("agent restored with two open calls", "agent_id", id, "call_id", e.a.CurrentCallID, "other_call_id", callID)
		return ErrAgentOnCall
	}
	e.a.Availability = AvailabilityOnCall
	e.a.CurrentCallID = callID
	e.a.UpdatedAt = now
	return nil
}

// IdleAgents returns idle agents, longest idle first. Empty filters match all.
func (r *Registry) IdleAgents(campaignID string, kind Kind) []Agent {
	out := make([]Agent, 0)
	for _, a := range r.List() {
		if a.Availability != AvailabilityIdle {
			continue
		}
		if campaignID != "" && a.CampaignID != campaignID {
			continue
		}
		if kind != "" && a.Kind != kind {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IdleSince.Equal(out[j].IdleSince) {
			return out[i].ID < out[j].ID
		}
		return out[i].IdleSince.Before(out[j].IdleSince)
	})
	return out
}
