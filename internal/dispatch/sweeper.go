package dispatch

import (
	"context"
	"fmt"

	"outbound-dialer/internal/calls"
)

// Sweep ends calls stuck in placing or ringing past StuckCallTimeout as
// no-answer, covering providers that silently drop a callback. Calls whose
// placement request is still in flight are left to Dispatch. It returns the
// number of calls it ended.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	cutoff := d.now().Add(-d.cfg.StuckCallTimeout)

	d.mu.Lock()
	candidates := make([]*activeCall, 0, len(d.active))
	for _, ac := range d.active {
		candidates = append(candidates, ac)
	}
	d.mu.Unlock()

	swept := 0
	for _, ac := range candidates {
		if ac.placing() {
			continue
		}
		ac.mu.Lock()
		c := ac.call
		stuck := !ac.done &&
			(c.Status == calls.StatusPlacing || c.Status == calls.StatusRinging) &&
			c.UpdatedAt.Before(cutoff)
		if stuck {
			if c.ProviderRef != "" {
				if err := d.gateway.Hangup(ctx, c.ProviderRef); err != nil {
					d.log.Warn("hangup of stuck call failed", "call_id", c.CallID, "err", err)
				}
			}
			d.log.Warn("stuck call swept", "call_id", c.CallID, "status", c.Status, "since", c.UpdatedAt)
			d.finishLocked(ctx, ac, calls.StatusNoAnswer, d.now().UTC(), 0)
			swept++
		}
		ac.mu.Unlock()
	}
	return swept
}

// Recover rebuilds live-call tracking, agent reservations and line usage from
// the non-terminal calls in the store. It must run before Run and before any
// campaign resumes dispatching.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	open, err := d.store.ListNonTerminalCalls(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch: recover: %w", err)
	}

	restored := 0
	d.mu.Lock()
	for _, c := range open {
		if _, ok := d.active[c.CallID]; ok {
			continue
		}
		if err := d.agents.Restore(c.AgentID, c.CallID); err != nil {
			d.log.Warn("recovered call has a conflicting agent", "call_id", c.CallID, "agent_id", c.AgentID, "err", err)
		}
		d.active[c.CallID] = &activeCall{call: c}
		if c.ProviderRef != "" {
			d.byRef[c.ProviderRef] = c.CallID
		}
		d.contacts[c.ContactID] = c.CallID
		restored++
	}
	inUse := len(d.active)
	d.mu.Unlock()

	if err := d.lines.Restore(ctx, inUse); err != nil {
		return restored, err
	}
	d.log.Info("dispatcher recovered", "calls", restored)
	return restored, nil
}
