package campaigns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/dispatch"
)

type stepResult int

const (
	stepNext stepResult = iota
	stepIdle
	stepBackoff
	stepStop
)

// runner is the pacing state of one campaign. The loop goroutine is the only
// writer of the queue head; mu guards what event handlers also touch.
type runner struct {
	m     *Manager
	id    string
	typ   Type
	pacer Pacer
	log   *slog.Logger

	mu        sync.Mutex
	queue     []string
	inFlight  map[string]string // call id -> contact id
	ended     map[string]bool   // calls that ended before the loop recorded them
	followUps []FollowUp

	retries int
	wakeCh  chan struct{}

	// loopMu serializes activations; ctl guards the current loop's handle.
	loopMu sync.Mutex
	ctl    sync.Mutex
	wanted bool
	cancel context.CancelFunc
	done   chan struct{}
}

func newRunner(m *Manager, c Campaign, queue []string, inFlight map[string]string, followUps []FollowUp) *runner {
	fs := append([]FollowUp(nil), followUps...)
	sortFollowUps(fs)
	return &runner{
		m:         m,
		id:        c.ID,
		typ:       c.Type,
		pacer:     m.cfg.Pacing(),
		log:       m.log.With("campaign_id", c.ID),
		queue:     queue,
		inFlight:  inFlight,
		ended:     map[string]bool{},
		followUps: fs,
		wakeCh:    make(chan struct{}, 1),
	}
}

func (r *runner) setWanted(v bool) {
	r.ctl.Lock()
	r.wanted = v
	r.ctl.Unlock()
}

// stop cancels the loop; it returns before the loop has exited.
func (r *runner) stop() {
	r.ctl.Lock()
	r.wanted = false
	if r.cancel != nil {
		r.cancel()
	}
	r.ctl.Unlock()
}

// activate waits for any previous loop to exit, then starts a new one unless
// the campaign was stopped in between.
func (r *runner) activate(root context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	r.ctl.Lock()
	prev := r.done
	r.ctl.Unlock()
	if prev != nil {
		<-prev
	}

	r.ctl.Lock()
	defer r.ctl.Unlock()
	if !r.wanted {
		return
	}
	ctx, cancel := context.WithCancel(root)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.retries = 0

	r.m.wg.Add(1)
	go func() {
		defer r.m.wg.Done()
		defer close(done)
		defer cancel()
		r.run(ctx)
	}()
}

func (r *runner) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *runner) run(ctx context.Context) {
	r.log.Debug("pacing loop started")
	defer r.log.Debug("pacing loop stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		switch r.step(ctx) {
		case stepNext:
		case stepIdle:
			r.sleep(ctx, r.m.cfg.IdlePollInterval, true)
		case stepBackoff:
			r.sleep(ctx, r.m.cfg.BackoffInterval, false)
		case stepStop:
			return
		}
	}
}

func (r *runner) sleep(ctx context.Context, d time.Duration, wakeable bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	var wakeCh <-chan struct{}
	if wakeable {
		wakeCh = r.wakeCh
	}
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-wakeCh:
	}
}

// pick is the next contact to dial: a due follow-up, or the queue head.
type pick struct {
	contactID string
	followUp  *FollowUp
}

func (r *runner) next(now time.Time) (pick, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.followUps) > 0 && !r.followUps[0].DueAt.After(now) {
		f := r.followUps[0]
		return pick{contactID: f.ContactID, followUp: &f}, len(r.inFlight), true
	}
	if len(r.queue) > 0 {
		return pick{contactID: r.queue[0]}, len(r.inFlight), true
	}
	return pick{}, len(r.inFlight), false
}

// consume advances past p; it runs only after a definitive dispatch outcome.
func (r *runner) consume(ctx context.Context, p pick) {
	r.mu.Lock()
	if p.followUp != nil {
		for i, f := range r.followUps {
			if f.ID == p.followUp.ID {
				r.followUps = append(r.followUps[:i], r.followUps[i+1:]...)
				break
			}
		}
	} else if len(r.queue) > 0 && r.queue[0] == p.contactID {
		r.queue = r.queue[1:]
	}
	r.mu.Unlock()

	if p.followUp != nil {
		if err := r.m.repo.DeleteFollowUp(ctx, p.followUp.ID); err != nil {
			r.log.Error("follow-up delete failed", "follow_up_id", p.followUp.ID, "err", err)
		}
	}
}

// toTail defers a contact that is busy on another campaign's call.
func (r *runner) toTail(p pick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.followUp != nil {
		for i := range r.followUps {
			if r.followUps[i].ID == p.followUp.ID {
				r.followUps[i].DueAt = r.m.now().Add(r.m.cfg.BackoffInterval)
			}
		}
		sortFollowUps(r.followUps)
		return
	}
	if len(r.queue) > 0 && r.queue[0] == p.contactID {
		r.queue = append(r.queue[1:], p.contactID)
	}
}

func (r *runner) accepted(callID, contactID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended[callID] {
		delete(r.ended, callID)
		return
	}
	r.inFlight[callID] = contactID
}

func (r *runner) onTerminal(callID string) {
	r.mu.Lock()
	if _, ok := r.inFlight[callID]; ok {
		delete(r.inFlight, callID)
	} else {
		r.ended[callID] = true
	}
	r.mu.Unlock()
	r.wake()
}

func (r *runner) addFollowUp(f FollowUp) {
	r.mu.Lock()
	r.followUps = append(r.followUps, f)
	sortFollowUps(r.followUps)
	r.mu.Unlock()
	r.wake()
}

func (r *runner) step(ctx context.Context) stepResult {
	p, inFlight, ok := r.next(r.m.now())
	if !ok {
		if inFlight > 0 {
			return stepIdle
		}
		if r.m.complete(ctx, r) {
			return stepStop
		}
		return stepIdle
	}

	idle := r.m.agents.IdleAgents(r.id, agents.Kind(r.typ))
	if len(idle) == 0 {
		return stepIdle
	}

	contact, err := r.m.repo.GetContact(ctx, p.contactID)
	if errors.Is(err, ErrNotFound) {
		r.log.Warn("queued contact missing, skipped", "contact_id", p.contactID)
		r.consume(ctx, p)
		return stepNext
	}
	if err != nil {
		return r.retry(ctx, fmt.Sprintf("contact lookup: %v", err))
	}
	if !contact.Dialable() {
		r.consume(ctx, p)
		return stepNext
	}

	if err := r.pacer.Wait(ctx); err != nil {
		return stepStop
	}

	// A pause must not abort a placement already in progress.
	h, err := r.m.dialer.Dispatch(context.WithoutCancel(ctx), dispatch.Request{
		ContactID:  contact.ID,
		AgentID:    idle[0].ID,
		CampaignID: r.id,
		To:         contact.Phone,
	})
	switch {
	case err == nil:
		r.accepted(h.CallID, contact.ID)
		r.consume(ctx, p)
		r.retries = 0
		return stepNext
	case errors.Is(err, dispatch.ErrGatewayRejected), errors.Is(err, dispatch.ErrCallEnded):
		if h.CallID != "" {
			r.accepted(h.CallID, contact.ID)
		}
		r.consume(ctx, p)
		r.retries = 0
		r.log.Info("contact unreachable", "contact_id", contact.ID, "err", err)
		return stepNext
	case errors.Is(err, dispatch.ErrContactInFlight):
		r.toTail(p)
		return stepBackoff
	case errors.Is(err, dispatch.ErrCapacityExceeded), errors.Is(err, dispatch.ErrAgentUnavailable):
		return r.retry(ctx, err.Error())
	case errors.Is(err, dispatch.ErrInvalidRequest):
		r.log.Warn("contact not dialable, skipped", "contact_id", contact.ID, "err", err)
		r.consume(ctx, p)
		return stepNext
	default:
		return r.retry(ctx, err.Error())
	}
}

// retry counts a failed attempt; the contact stays at the head of the queue.
func (r *runner) retry(ctx context.Context, reason string) stepResult {
	r.retries++
	if r.retries > r.m.cfg.MaxDispatchRetries {
		if r.m.autoPause(ctx, r, fmt.Sprintf("dispatch retries exhausted: %s", reason)) || ctx.Err() != nil {
			return stepStop
		}
	}
	r.log.Debug("dispatch backoff", "attempt", r.retries, "reason", reason)
	return stepBackoff
}

// complete finishes the campaign unless it was stopped or gained work meanwhile.
func (m *Manager) complete(ctx context.Context, r *runner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if _, inFlight, ok := r.next(m.now()); ok || inFlight > 0 {
		return false
	}

	c, err := m.repo.GetCampaign(ctx, r.id)
	if err != nil || c.Status != StatusRunning {
		return false
	}
	now := m.now().UTC()
	c.Status = StatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now
	if err := m.repo.SaveCampaignState(ctx, c); err != nil {
		m.log.Error("campaign completion save failed", "campaign_id", r.id, "err", err)
		return false
	}
	delete(m.runners, r.id)
	m.audit.CampaignCompleted(ctx, r.id)
	m.log.Info("campaign completed", "campaign_id", r.id, "results", c.Results)
	return true
}

// autoPause parks a campaign whose dispatches keep losing races and records a
// degraded notice for operators.
func (m *Manager) autoPause(ctx context.Context, r *runner, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c, err := m.repo.GetCampaign(ctx, r.id)
	if err != nil {
		m.log.Error("campaign auto-pause lookup failed", "campaign_id", r.id, "err", err)
		return false
	}
	if c.Status != StatusRunning {
		return true
	}
	c.Status = StatusPaused
	c.DegradedReason = reason
	c.UpdatedAt = m.now().UTC()
	if err := m.repo.SaveCampaignState(ctx, c); err != nil {
		m.log.Error("campaign auto-pause save failed", "campaign_id", r.id, "err", err)
		return false
	}
	r.setWanted(false)
	m.audit.CampaignDegraded(ctx, r.id, reason)
	m.log.Warn("campaign auto-paused", "campaign_id", r.id, "reason", reason)
	return true
}
