package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/telephony"
)

var ErrInvalidEvent = errors.New("dispatch: event has no call reference")

// Submit queues a provider status event. Events are sharded by provider ref,
// so one call's events are applied in receipt order while different calls
// proceed in parallel. Submit blocks only while the shard is full.
func (d *Dispatcher) Submit(ctx context.Context, ev telephony.StatusEvent) error {
	key := ev.ProviderRef
	if key == "" {
		key = ev.CallID
	}
	if key == "" {
		return ErrInvalidEvent
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	shard := d.shards[int(h.Sum32()%uint32(len(d.shards)))]

	select {
	case shard <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events and sweeps stuck calls until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	done := make(chan struct{})
	for _, ch := range d.shards {
		go func(ch <-chan telephony.StatusEvent) {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-ch:
					d.HandleEvent(ctx, ev)
				}
			}
		}(ch)
	}

	d.log.Info("dispatcher started", "shards", len(d.shards), "sweep_interval", d.cfg.SweepInterval.String())
	t := time.NewTicker(d.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			for range d.shards {
				<-done
			}
			d.log.Info("dispatcher stopped")
			return nil
		case <-t.C:
			d.Sweep(ctx)
		}
	}
}

// HandleEvent applies one status event. Unknown references, duplicates and
// transitions the state machine does not allow are logged and dropped.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev telephony.StatusEvent) {
	log := d.log.With("provider_ref", ev.ProviderRef, "call_id", ev.CallID, "status", ev.Status)

	ac := d.lookup(ev)
	if ac == nil {
		d.logUntracked(ctx, ev)
		return
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()

	if ac.done {
		log.Debug("event after terminal dropped")
		return
	}

	c := &ac.call
	if c.ProviderRef == "" && ev.ProviderRef != "" {
		c.ProviderRef = ev.ProviderRef
		d.mu.Lock()
		d.byRef[ev.ProviderRef] = c.CallID
		d.mu.Unlock()
	}

	if err := calls.Transition(c.Status, ev.Status); err != nil {
		if c.Status == ev.Status {
			log.Debug("duplicate event dropped")
		} else {
			log.Warn("anomalous event dropped", "current", c.Status, "err", err)
		}
		return
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = d.now()
	}
	at = at.UTC()

	if ev.Status == calls.StatusAnswered || (ev.Status == calls.StatusCompleted && c.AnsweredAt == nil) {
		answered := at
		if ev.Status == calls.StatusCompleted && ev.DurationSeconds > 0 {
			answered = at.Add(-time.Duration(ev.DurationSeconds) * time.Second)
		}
		c.AnsweredAt = &answered
	}

	if ev.Status.IsTerminal() {
		d.finishLocked(ctx, ac, ev.Status, at, ev.DurationSeconds)
		return
	}

	c.Status = ev.Status
	c.UpdatedAt = at
	if err := d.store.UpsertCall(ctx, *c); err != nil {
		log.Error("persist call status failed", "err", err)
	}
}

func (d *Dispatcher) lookup(ev telephony.StatusEvent) *activeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.CallID != "" {
		if ac, ok := d.active[ev.CallID]; ok {
			return ac
		}
	}
	if id, ok := d.byRef[ev.ProviderRef]; ok {
		return d.active[id]
	}
	return nil
}

func (d *Dispatcher) logUntracked(ctx context.Context, ev telephony.StatusEvent) {
	var (
		c   calls.Call
		err error
	)
	if ev.CallID != "" {
		c, err = d.store.GetCall(ctx, ev.CallID)
	} else {
		c, err = d.store.GetCallByProviderRef(ctx, ev.ProviderRef)
	}
	switch {
	case errors.Is(err, calls.ErrNotFound):
		d.log.Warn("event for unknown call dropped", "provider_ref", ev.ProviderRef, "call_id", ev.CallID, "status", ev.Status)
	case err != nil:
		d.log.Error("event lookup failed", "provider_ref", ev.ProviderRef, "err", err)
	case c.Status.IsTerminal() && endedLocally(c.Status) && liveAtProvider(ev.Status) && ev.ProviderRef != "":
		// Typically a placement that timed out here but was accepted upstream.
		d.log.Warn("provider leg of ended call hung up", "call_id", c.CallID, "provider_ref", ev.ProviderRef, "status", ev.Status, "current", c.Status)
		if err := d.gateway.Hangup(ctx, ev.ProviderRef); err != nil {
			d.log.Error("hangup of orphaned provider call failed", "provider_ref", ev.ProviderRef, "err", err)
		}
	case c.Status.IsTerminal():
		d.log.Debug("event for ended call dropped", "call_id", c.CallID, "status", ev.Status, "current", c.Status)
	default:
		d.log.Warn("event for call owned elsewhere dropped", "call_id", c.CallID, "status", ev.Status)
	}
}

// endedLocally reports terminal statuses the engine assigns itself, as opposed
// to ones reported by the provider.
func endedLocally(s calls.CallStatus) bool {
	return s == calls.StatusFailed || s == calls.StatusCanceled || s == calls.StatusNoAnswer
}

func liveAtProvider(s calls.CallStatus) bool {
	return s == calls.StatusRinging || s == calls.StatusAnswered
}
