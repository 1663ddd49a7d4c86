package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/telephony"
)

type fakeGateway struct {
	mu      sync.Mutex
	placed  []telephony.PlaceCallRequest
	hangups []string
	reject  error
}

func (g *fakeGateway) Name() string                          { return "fake" }
func (g *fakeGateway) HealthCheck(ctx context.Context) error { return nil }

func (g *fakeGateway) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reject != nil {
		return telephony.PlaceCallResult{}, g.reject
	}
	g.placed = append(g.placed, req)
	return telephony.PlaceCallResult{ProviderRef: fmt.Sprintf("CA%d", len(g.placed))}, nil
}

func (g *fakeGateway) Hangup(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hangups = append(g.hangups, ref)
	return nil
}

type countingObserver struct {
	mu    sync.Mutex
	ended []calls.Call
}

func (o *countingObserver) OnCallTerminal(ctx context.Context, c calls.Call) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, c)
}

func (o *countingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ended)
}

type fixture struct {
	d        *Dispatcher
	store    *calls.MemoryStore
	gateway  *fakeGateway
	registry *agents.Registry
	lines    *AtomicLimiter
	observer *countingObserver
	now      time.Time
}

func newFixture(t *testing.T, ceiling int, agentIDs ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    calls.NewMemoryStore(),
		gateway:  &fakeGateway{},
		registry: agents.NewRegistry(nil),
		lines:    NewAtomicLimiter(ceiling),
		observer: &countingObserver{},
		now:      time.Unix(1700000000, 0).UTC(),
	}
	for _, id := range agentIDs {
		if _, err := f.registry.Register(agents.Agent{ID: id, Kind: agents.KindHuman}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	f.d = New(Config{}, f.store, f.gateway, f.registry, f.lines, nil)
	f.d.now = func() time.Time { return f.now }
	seq := 0
	f.d.newID = func() string { seq++; return fmt.Sprintf("call-%d", seq) }
	f.d.SetObserver(f.observer)
	return f
}

func (f *fixture) event(ref string, st calls.CallStatus) {
	f.d.HandleEvent(context.Background(), telephony.StatusEvent{ProviderRef: ref, Status: st, Timestamp: f.now})
}

func TestDispatch_ReservesAgentAndLine(t *testing.T) {
	f := newFixture(t, 2, "a1")
	ctx := context.Background()

	h, err := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", CampaignID: "camp", To: "+15551234567"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if h.ProviderRef != "CA1" || h.Status != calls.StatusPlacing {
		t.Fatalf("unexpected handle: %+v", h)
	}

	a, _ := f.registry.Get("a1")
	if a.Availability != agents.AvailabilityOnCall || a.CurrentCallID != h.CallID {
		t.Fatalf("agent not on call: %+v", a)
	}
	if n, _ := f.lines.InUse(ctx); n != 1 {
		t.Fatalf("expected 1 line in use, got %d", n)
	}
	c, _ := f.store.GetCall(ctx, h.CallID)
	if c.ProviderRef != "CA1" || c.CampaignID != "camp" {
		t.Fatalf("call not persisted with ref: %+v", c)
	}
}

func TestDispatch_CapacityExceededAtCeiling(t *testing.T) {
	f := newFixture(t, 1, "a1", "a2")
	ctx := context.Background()

	h, err := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.event(h.ProviderRef, calls.StatusRinging)

	_, err = f.d.Dispatch(ctx, Request{ContactID: "ct2", AgentID: "a2", CampaignID: "other", To: "+15557654321"})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	a2, _ := f.registry.Get("a2")
	if a2.Availability != agents.AvailabilityIdle {
		t.Fatalf("rejected dispatch must not reserve the agent")
	}
}

func TestDispatch_AgentUnavailableReleasesLine(t *testing.T) {
	f := newFixture(t, 5, "a1")
	ctx := context.Background()

	if _, err := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := f.d.Dispatch(ctx, Request{ContactID: "ct2", AgentID: "a1", To: "+15551234567"}); !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}
	if n, _ := f.lines.InUse(ctx); n != 1 {
		t.Fatalf("expected line released after agent race, got %d in use", n)
	}
}

func TestDispatch_ContactInFlight(t *testing.T) {
	f := newFixture(t, 5, "a1", "a2")
	ctx := context.Background()

	if _, err := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a2", To: "+15551234567"}); !errors.Is(err, ErrContactInFlight) {
		t.Fatalf("expected ErrContactInFlight, got %v", err)
	}
}

func TestDispatch_GatewayRejectedFailsCallAndReleases(t *testing.T) {
	f := newFixture(t, 1, "a1")
	f.gateway.reject = fmt.Errorf("%w: bad number", telephony.ErrRejected)
	ctx := context.Background()

	h, err := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", CampaignID: "camp", To: "+1"})
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	c, _ := f.store.GetCall(ctx, h.CallID)
	if c.Status != calls.StatusFailed || c.EndedAt == nil {
		t.Fatalf("expected failed call, got %+v", c)
	}
	a, _ := f.registry.Get("a1")
	if a.Availability != agents.AvailabilityIdle {
		t.Fatalf("expected agent released, got %s", a.Availability)
	}
	if n, _ := f.lines.InUse(ctx); n != 0 {
		t.Fatalf("expected line released, got %d", n)
	}
	if f.observer.count() != 1 {
		t.Fatalf("expected one terminal notification, got %d", f.observer.count())
	}
}

func TestEvents_DuplicateRingingThenCompletedReleasesOnce(t *testing.T) {
	f := newFixture(t, 1, "a1")
	ctx := context.Background()

	h, _ := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"})
	f.event(h.ProviderRef, calls.StatusRinging)
	f.event(h.ProviderRef, calls.StatusRinging)
	f.now = f.now.Add(40 * time.Second)
	f.d.HandleEvent(ctx, telephony.StatusEvent{ProviderRef: h.ProviderRef, Status: calls.StatusCompleted, DurationSeconds: 30, Timestamp: f.now})
	f.event(h.ProviderRef, calls.StatusCompleted)

	if f.observer.count() != 1 {
		t.Fatalf("expected exactly one terminal update, got %d", f.observer.count())
	}
	c, _ := f.store.GetCall(ctx, h.CallID)
	if c.Status != calls.StatusCompleted || c.DurationSeconds != 30 || c.AnsweredAt == nil {
		t.Fatalf("unexpected call: %+v", c)
	}
	if n, _ := f.lines.InUse(ctx); n != 0 {
		t.Fatalf("expected line released once, got %d in use", n)
	}
	if f.d.ActiveCount() != 0 {
		t.Fatalf("expected no active calls")
	}
}

func TestEvents_StaleRingingCannotResurrect(t *testing.T) {
	f := newFixture(t, 1, "a1")
	ctx := context.Background()

	h, _ := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"})
	f.event(h.ProviderRef, calls.StatusNoAnswer)
	f.event(h.ProviderRef, calls.StatusRinging)

	c, _ := f.store.GetCall(ctx, h.CallID)
	if c.Status != calls.StatusNoAnswer {
		t.Fatalf("terminal call resurrected: %s", c.Status)
	}
}

func TestEvents_InvalidTransitionIgnored(t *testing.T) {
	f := newFixture(t, 1, "a1")
	ctx := context.Background()

	h, _ := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"})
	f.event(h.ProviderRef, calls.StatusAnswered)
	f.event(h.ProviderRef, calls.StatusNoAnswer)

	c, _ := f.store.GetCall(ctx, h.CallID)
	if c.Status != calls.StatusAnswered {
		t.Fatalf("expected answered to stand, got %s", c.Status)
	}
	if f.observer.count() != 0 {
		t.Fatalf("ignored event must not end the call")
	}
}

func TestEvents_UnknownRefDropped(t *testing.T) {
	f := newFixture(t, 1)
	f.event("CA-nope", calls.StatusCompleted)
	if f.observer.count() != 0 {
		t.Fatalf("unknown ref must not notify")
	}
}

func TestSubmit_RunsEventsInOrder(t *testing.T) {
	f := newFixture(t, 1, "a1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, _ := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"})

	stopped := make(chan struct{})
	go func() {
		_ = f.d.Run(ctx)
		close(stopped)
	}()

	for _, st := range []calls.CallStatus{calls.StatusRinging, calls.StatusAnswered, calls.StatusCompleted} {
		if err := f.d.Submit(ctx, telephony.StatusEvent{ProviderRef: h.ProviderRef, Status: st, Timestamp: f.now}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for f.observer.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	c, _ := f.store.GetCall(context.Background(), h.CallID)
	if c.Status != calls.StatusCompleted {
		t.Fatalf("expected completed, got %s", c.Status)
	}

	cancel()
	<-stopped

	if err := f.d.Submit(context.Background(), telephony.StatusEvent{}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestCancel_HangsUpAndEnds(t *testing.T) {
	f := newFixture(t, 1, "a1")
	ctx := context.Background()

	h, _ := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"})
	f.event(h.ProviderRef, calls.StatusAnswered)

	c, err := f.d.Cancel(ctx, h.CallID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if c.Status != calls.StatusCanceled {
		t.Fatalf("expected canceled, got %s", c.Status)
	}
	if len(f.gateway.hangups) != 1 || f.gateway.hangups[0] != h.ProviderRef {
		t.Fatalf("expected provider hangup, got %v", f.gateway.hangups)
	}
	if _, err := f.d.Cancel(ctx, h.CallID); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("expected ErrCallEnded, got %v", err)
	}
	if _, err := f.d.Cancel(ctx, "missing"); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected calls.ErrNotFound, got %v", err)
	}
}

func TestSweep_EndsStuckCalls(t *testing.T) {
	f := newFixture(t, 2, "a1", "a2")
	ctx := context.Background()

	stuck, _ := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"})
	live, _ := f.d.Dispatch(ctx, Request{ContactID: "ct2", AgentID: "a2", To: "+15551234568"})
	f.event(live.ProviderRef, calls.StatusAnswered)

	f.now = f.now.Add(10 * time.Minute)
	if n := f.d.Sweep(ctx); n != 1 {
		t.Fatalf("expected 1 swept call, got %d", n)
	}
	c, _ := f.store.GetCall(ctx, stuck.CallID)
	if c.Status != calls.StatusNoAnswer {
		t.Fatalf("expected no-answer, got %s", c.Status)
	}
	c, _ = f.store.GetCall(ctx, live.CallID)
	if c.Status != calls.StatusAnswered {
		t.Fatalf("answered call must not be swept, got %s", c.Status)
	}
}

func TestRecover_RebuildsStateFromStore(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	_ = f.store.UpsertCall(ctx, calls.Call{CallID: "old-1", ProviderRef: "CA9", ContactID: "ct1", AgentID: "a1", Status: calls.StatusRinging, StartedAt: f.now, UpdatedAt: f.now})
	_ = f.store.UpsertCall(ctx, calls.Call{CallID: "old-2", ContactID: "ct2", AgentID: "a2", Status: calls.StatusCompleted, StartedAt: f.now})

	n, err := f.d.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 recovered call, got %d err=%v", n, err)
	}
	a, err := f.registry.Get("a1")
	if err != nil || a.Availability != agents.AvailabilityOnCall || a.CurrentCallID != "old-1" {
		t.Fatalf("agent not restored on call: %+v err=%v", a, err)
	}
	if used, _ := f.lines.InUse(ctx); used != 1 {
		t.Fatalf("expected 1 line restored, got %d", used)
	}

	f.event("CA9", calls.StatusCompleted)
	a, _ = f.registry.Get("a1")
	if a.Availability != agents.AvailabilityIdle {
		t.Fatalf("expected recovered agent released on completion")
	}
	if used, _ := f.lines.InUse(ctx); used != 0 {
		t.Fatalf("expected line released, got %d", used)
	}
}

// blockingGateway holds PlaceCall until release is closed.
type blockingGateway struct {
	fakeGateway
	started chan struct{}
	release chan struct{}
}

func newBlockingGateway() *blockingGateway {
	return &blockingGateway{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *blockingGateway) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	close(g.started)
	<-g.release
	return g.fakeGateway.PlaceCall(ctx, req)
}

func (g *blockingGateway) hungUp() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.hangups...)
}

func (d *Dispatcher) refCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byRef)
}

type dispatchResult struct {
	h   CallHandle
	err error
}

func TestCancel_DuringPlacementHangsUpOnceRefIsKnown(t *testing.T) {
	f := newFixture(t, 1, "a1")
	gw := newBlockingGateway()
	f.d.gateway = gw
	ctx := context.Background()

	placed := make(chan dispatchResult, 1)
	go func() {
		h, err := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"})
		placed <- dispatchResult{h, err}
	}()
	<-gw.started

	canceled := make(chan error, 1)
	go func() {
		_, err := f.d.Cancel(ctx, "call-1")
		canceled <- err
	}()
	select {
	case err := <-canceled:
		t.Fatalf("cancel returned before placement finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if n, _ := f.lines.InUse(ctx); n != 1 {
		t.Fatalf("line must stay held while placing, got %d in use", n)
	}

	close(gw.release)
	if r := <-placed; r.err != nil || r.h.ProviderRef != "CA1" {
		t.Fatalf("dispatch: %+v err=%v", r.h, r.err)
	}
	if err := <-canceled; err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := gw.hungUp(); len(got) != 1 || got[0] != "CA1" {
		t.Fatalf("expected provider hangup of CA1, got %v", got)
	}
	c, _ := f.store.GetCall(ctx, "call-1")
	if c.Status != calls.StatusCanceled {
		t.Fatalf("expected canceled, got %s", c.Status)
	}
	if n, _ := f.lines.InUse(ctx); n != 0 {
		t.Fatalf("expected line released, got %d", n)
	}
	if n := f.d.refCount(); n != 0 {
		t.Fatalf("expected no tracked refs, got %d", n)
	}
}

func TestSweep_SkipsCallStillBeingPlaced(t *testing.T) {
	f := newFixture(t, 1, "a1")
	gw := newBlockingGateway()
	f.d.gateway = gw
	ctx := context.Background()

	placed := make(chan dispatchResult, 1)
	go func() {
		h, err := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"})
		placed <- dispatchResult{h, err}
	}()
	<-gw.started

	f.now = f.now.Add(10 * time.Minute)
	if n := f.d.Sweep(ctx); n != 0 {
		t.Fatalf("in-flight placement must not be swept, got %d", n)
	}

	close(gw.release)
	if r := <-placed; r.err != nil || r.h.Status != calls.StatusPlacing {
		t.Fatalf("dispatch: %+v err=%v", r.h, r.err)
	}
	if n := f.d.refCount(); n != 1 {
		t.Fatalf("expected live ref tracked, got %d", n)
	}
}

func TestDispatch_EndedDuringPlacementDropsProviderLeg(t *testing.T) {
	f := newFixture(t, 1, "a1")
	gw := newBlockingGateway()
	f.d.gateway = gw
	ctx := context.Background()

	placed := make(chan dispatchResult, 1)
	go func() {
		h, err := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"})
		placed <- dispatchResult{h, err}
	}()
	<-gw.started

	f.d.HandleEvent(ctx, telephony.StatusEvent{CallID: "call-1", Status: calls.StatusFailed, Timestamp: f.now})
	close(gw.release)

	r := <-placed
	if !errors.Is(r.err, ErrCallEnded) || r.h.Status != calls.StatusFailed {
		t.Fatalf("expected ErrCallEnded with failed status, got %+v err=%v", r.h, r.err)
	}
	if got := gw.hungUp(); len(got) != 1 || got[0] != "CA1" {
		t.Fatalf("expected provider hangup of CA1, got %v", got)
	}
	if n := f.d.refCount(); n != 0 {
		t.Fatalf("ended call must not leave a tracked ref, got %d", n)
	}
	if f.observer.count() != 1 {
		t.Fatalf("expected one terminal notification, got %d", f.observer.count())
	}
}

func TestHandleEvent_HangsUpLegAcceptedAfterPlacementTimeout(t *testing.T) {
	f := newFixture(t, 1, "a1")
	ctx := context.Background()
	f.gateway.reject = context.DeadlineExceeded

	if _, err := f.d.Dispatch(ctx, Request{ContactID: "ct1", AgentID: "a1", To: "+15551234567"}); !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}

	f.d.HandleEvent(ctx, telephony.StatusEvent{CallID: "call-1", ProviderRef: "CA7", Status: calls.StatusRinging, Timestamp: f.now})
	if len(f.gateway.hangups) != 1 || f.gateway.hangups[0] != "CA7" {
		t.Fatalf("expected late provider leg hung up, got %v", f.gateway.hangups)
	}

	f.d.HandleEvent(ctx, telephony.StatusEvent{CallID: "call-1", ProviderRef: "CA7", Status: calls.StatusCompleted, Timestamp: f.now})
	if len(f.gateway.hangups) != 1 {
		t.Fatalf("terminal event must not trigger another hangup, got %v", f.gateway.hangups)
	}
	c, _ := f.store.GetCall(ctx, "call-1")
	if c.Status != calls.StatusFailed {
		t.Fatalf("stored status must stay failed, got %s", c.Status)
	}
}
