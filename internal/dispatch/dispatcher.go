package dispatch

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
	"outbound-dialer/internal/telephony"
)

var (
	ErrCapacityExceeded = errors.New("dispatch: capacity exceeded")
	ErrAgentUnavailable = errors.New("dispatch: agent unavailable")
	ErrContactInFlight  = errors.New("dispatch: contact already has a call in flight")
	ErrGatewayRejected  = errors.New("dispatch: gateway rejected call")
	ErrInvalidRequest   = errors.New("dispatch: invalid request")
	ErrCallEnded        = errors.New("dispatch: call already ended")
)

// AgentPool is the slice of the agent registry the dispatcher needs.
type AgentPool interface {
	Reserve(agentID, callID string) bool
	ReleaseCall(agentID, callID string) bool
	Restore(agentID, callID string) error
}

// CallObserver is told about every call exactly once, when it turns terminal.
type CallObserver interface {
	OnCallTerminal(ctx context.Context, c calls.Call)
}

type Config struct {
	CallerID string

	// PlaceTimeout bounds the synchronous provider request.
	PlaceTimeout time.Duration

	StuckCallTimeout time.Duration
	SweepInterval    time.Duration

	EventShards int
	EventBuffer int
}

func (c Config) withDefaults() Config {
	out := c
	if out.PlaceTimeout <= 0 {
		out.PlaceTimeout = 15 * time.Second
	}
	if out.StuckCallTimeout <= 0 {
		out.StuckCallTimeout = 2 * time.Minute
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 15 * time.Second
	}
	if out.EventShards <= 0 {
		out.EventShards = 8
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = 256
	}
	return out
}

type Request struct {
	ContactID  string `json:"contact_id"`
	AgentID    string `json:"agent_id"`
	CampaignID string `json:"campaign_id,omitempty"`
	To         string `json:"to"`
}

// CallHandle identifies an accepted dispatch. It is not proof the callee is ringing.
type CallHandle struct {
	CallID      string           `json:"call_id"`
	ProviderRef string           `json:"provider_ref,omitempty"`
	Status      calls.CallStatus `json:"status"`
}

// activeCall serializes everything that touches one live call.
type activeCall struct {
	mu   sync.Mutex
	call calls.Call
	done bool
	// placed is closed once the gateway has answered PlaceCall. Nil for calls
	// restored from the store.
	placed chan struct{}
}

func (ac *activeCall) placing() bool {
	if ac.placed == nil {
		return false
	}
	select {
	case <-ac.placed:
		return false
	default:
		return true
	}
}

// Dispatcher owns line capacity and the lifecycle of every live call.
type Dispatcher struct {
	cfg      Config
	store    calls.Store
	gateway  telephony.Gateway
	agents   AgentPool
	lines    LineLimiter
	observer CallObserver
	log      *slog.Logger

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	active   map[string]*activeCall // call id
	byRef    map[string]string      // provider ref -> call id
	contacts map[string]string      // contact id -> call id

	shards []chan telephony.StatusEvent
}

func New(cfg Config, store calls.Store, gateway telephony.Gateway, agents AgentPool, lines LineLimiter, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		agents:   agents,
		lines:    lines,
		log:      log.With("component", "dispatcher"),
		now:      time.Now,
		newID:    uuid.NewString,
		active:   map[string]*activeCall{},
		byRef:    map[string]string{},
		contacts: map[string]string{},
		shards:   make([]chan telephony.StatusEvent, cfg.EventShards),
	}
	for i := range d.shards {
		d.shards[i] = make(chan telephony.StatusEvent, cfg.EventBuffer)
	}
	return d
}

// SetObserver must be called before Run.
func (d *Dispatcher) SetObserver(o CallObserver) { d.observer = o }

// Dispatch reserves a line and the agent, records the call in placing and asks
// the gateway to place it.
//
// On ErrGatewayRejected the returned handle still names the call, which is
// already failed and has released its agent and line.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (CallHandle, error) {
	req.ContactID = strings.TrimSpace(req.ContactID)
	req.AgentID = strings.TrimSpace(req.AgentID)
	req.To = strings.TrimSpace(req.To)
	if req.ContactID == "" || req.AgentID == "" || req.To == "" {
		return CallHandle{}, fmt.Errorf("%w: contact_id, agent_id and to are required", ErrInvalidRequest)
	}

	ok, err := d.lines.Acquire(ctx)
	if err != nil {
		return CallHandle{}, err
	}
	if !ok {
		return CallHandle{}, ErrCapacityExceeded
	}

	callID := d.newID()

	d.mu.Lock()
	if _, busy := d.contacts[req.ContactID]; busy {
		d.mu.Unlock()
		d.releaseLine(ctx)
		return CallHandle{}, ErrContactInFlight
	}
	d.contacts[req.ContactID] = callID
	d.mu.Unlock()

	if !d.agents.Reserve(req.AgentID, callID) {
		d.forgetContact(req.ContactID, callID)
		d.releaseLine(ctx)
		return CallHandle{}, ErrAgentUnavailable
	}

	now := d.now().UTC()
	ac := &activeCall{call: calls.Call{
		CallID:     callID,
		ContactID:  req.ContactID,
		AgentID:    req.AgentID,
		CampaignID: req.CampaignID,
		Direction:  calls.DirectionOutbound,
		To:         req.To,
		Status:     calls.StatusPlacing,
		StartedAt:  now,
		UpdatedAt:  now,
	}, placed: make(chan struct{})}

	if err := d.store.UpsertCall(ctx, ac.call); err != nil {
		d.agents.ReleaseCall(req.AgentID, callID)
		d.forgetContact(req.ContactID, callID)
		d.releaseLine(ctx)
		return CallHandle{}, fmt.Errorf("dispatch: record call: %w", err)
	}

	d.mu.Lock()
	d.active[callID] = ac
	d.mu.Unlock()
	defer close(ac.placed)

	placeCtx, cancel := context.WithTimeout(ctx, d.cfg.PlaceTimeout)
	res, placeErr := d.gateway.PlaceCall(placeCtx, telephony.PlaceCallRequest{
		CallID:   callID,
		To:       req.To,
		CallerID: d.cfg.CallerID,
	})
	cancel()

	ac.mu.Lock()
	defer ac.mu.Unlock()

	if placeErr != nil {
		d.log.Warn("gateway rejected call", "call_id", callID, "contact_id", req.ContactID, "err", placeErr)
		if !ac.done {
			d.finishLocked(ctx, ac, calls.StatusFailed, d.now().UTC(), 0)
		}
		return CallHandle{CallID: callID, Status: ac.call.Status}, fmt.Errorf("%w: %v", ErrGatewayRejected, placeErr)
	}

	if ac.done {
		// A terminal callback arrived before the placement response; the
		// provider leg may still be up.
		if err := d.gateway.Hangup(context.WithoutCancel(ctx), res.ProviderRef); err != nil {
			d.log.Warn("hangup of ended call failed", "call_id", callID, "provider_ref", res.ProviderRef, "err", err)
		}
		return CallHandle{CallID: callID, ProviderRef: res.ProviderRef, Status: ac.call.Status}, ErrCallEnded
	}

	if ac.call.ProviderRef == "" {
		ac.call.ProviderRef = res.ProviderRef
	}
	d.mu.Lock()
	d.byRef[res.ProviderRef] = callID
	d.mu.Unlock()

	ac.call.UpdatedAt = d.now().UTC()
	if err := d.store.UpsertCall(ctx, ac.call); err != nil {
		d.log.Error("persist provider ref failed", "call_id", callID, "err", err)
	}

	d.log.Info("call dispatched", "call_id", callID, "provider_ref", res.ProviderRef, "agent_id", req.AgentID, "campaign_id", req.CampaignID)
	return CallHandle{CallID: callID, ProviderRef: res.ProviderRef, Status: ac.call.Status}, nil
}

// Cancel hangs up a live call at the provider and marks it canceled. A call
// still being placed is canceled once the gateway returns its ref.
func (d *Dispatcher) Cancel(ctx context.Context, callID string) (calls.Call, error) {
	d.mu.Lock()
	ac := d.active[callID]
	d.mu.Unlock()

	if ac != nil && ac.placed != nil {
		select {
		case <-ac.placed:
		case <-ctx.Done():
			return calls.Call{}, ctx.Err()
		}
	}

	if ac == nil {
		c, err := d.store.GetCall(ctx, callID)
		if err != nil {
			return calls.Call{}, err
		}
		if c.Status.IsTerminal() {
			return c, ErrCallEnded
		}
		return c, fmt.Errorf("dispatch: call %s is not tracked by this instance", callID)
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.done {
		return ac.call, ErrCallEnded
	}
	if ac.call.ProviderRef != "" {
		if err := d.gateway.Hangup(ctx, ac.call.ProviderRef); err != nil {
			return ac.call, fmt.Errorf("dispatch: hangup: %w", err)
		}
	}
	d.finishLocked(ctx, ac, calls.StatusCanceled, d.now().UTC(), 0)
	d.log.Info("call canceled", "call_id", callID)
	return ac.call, nil
}

// ActiveCount reports live calls tracked by this instance.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) Lines() LineLimiter { return d.lines }

// finishLocked applies a terminal status exactly once. Caller holds ac.mu.
func (d *Dispatcher) finishLocked(ctx context.Context, ac *activeCall, status calls.CallStatus, at time.Time, duration int) {
	ctx = context.WithoutCancel(ctx)
	c := &ac.call
	c.Status = status
	c.EndedAt = &at
	c.UpdatedAt = at
	if duration <= 0 && c.AnsweredAt != nil {
		duration = int(at.Sub(*c.AnsweredAt) / time.Second)
	}
	if duration < 0 {
		duration = 0
	}
	c.DurationSeconds = duration
	ac.done = true

	if err := d.store.UpsertCall(ctx, *c); err != nil {
		d.log.Error("persist terminal call failed", "call_id", c.CallID, "status", status, "err", err)
	}

	d.mu.Lock()
	delete(d.active, c.CallID)
	if c.ProviderRef != "" {
		delete(d.byRef, c.ProviderRef)
	}
	if d.contacts[c.ContactID] == c.CallID {
		delete(d.contacts, c.ContactID)
	}
	d.mu.Unlock()
	d.releaseLine(ctx)

	// Released last: the agent's idle notification may trigger the next dial
	// right away, which needs the line and contact guard already freed.
	if !d.agents.ReleaseCall(c.AgentID, c.CallID) {
		d.log.Warn("agent was not on this call", "call_id", c.CallID, "agent_id", c.AgentID)
	}

	d.log.Info("call ended", "call_id", c.CallID, "status", status, "duration_seconds", duration, "campaign_id", c.CampaignID)
	if d.observer != nil {
		d.observer.OnCallTerminal(ctx, *c)
	}
}

func (d *Dispatcher) forgetContact(contactID, callID string) {
	d.mu.Lock()
	if d.contacts[contactID] == callID {
		delete(d.contacts, contactID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) releaseLine(ctx context.Context) {
	if err := d.lines.Release(context.WithoutCancel(ctx)); err != nil {
		d.log.Error("line release failed", "err", err)
	}
}
