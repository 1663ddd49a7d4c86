package campaigns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/audit"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/dispatch"
	"outbound-dialer/internal/telephony"
)

type placed struct {
	callID, ref, to string
}

type fakeGateway struct {
	mu     sync.Mutex
	calls  []placed
	reject map[string]bool
}

func (g *fakeGateway) Name() string                                 { return "fake" }
func (g *fakeGateway) HealthCheck(ctx context.Context) error        { return nil }
func (g *fakeGateway) Hangup(ctx context.Context, ref string) error { return nil }

func (g *fakeGateway) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reject[req.To] {
		return telephony.PlaceCallResult{}, fmt.Errorf("%w: invalid number", telephony.ErrRejected)
	}
	ref := fmt.Sprintf("CA%d", len(g.calls)+1)
	g.calls = append(g.calls, placed{callID: req.CallID, ref: ref, to: req.To})
	return telephony.PlaceCallResult{ProviderRef: ref}, nil
}

func (g *fakeGateway) placed() []placed {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]placed(nil), g.calls...)
}

type env struct {
	t        *testing.T
	repo     *MemoryRepo
	store    *calls.MemoryStore
	registry *agents.Registry
	gateway  *fakeGateway
	d        *dispatch.Dispatcher
	m        *Manager
	audit    *audit.MemoryRepo
}

func newEnv(t *testing.T, ceiling int, cfg Config) *env {
	t.Helper()
	e := &env{
		t:        t,
		repo:     NewMemoryRepo(),
		store:    calls.NewMemoryStore(),
		registry: agents.NewRegistry(nil),
		gateway:  &fakeGateway{reject: map[string]bool{}},
		audit:    audit.NewMemoryRepo(),
	}
	e.d = dispatch.New(dispatch.Config{}, e.store, e.gateway, e.registry, dispatch.NewAtomicLimiter(ceiling), nil)

	if cfg.IdlePollInterval == 0 {
		cfg.IdlePollInterval = 5 * time.Millisecond
	}
	if cfg.BackoffInterval == 0 {
		cfg.BackoffInterval = 2 * time.Millisecond
	}
	if cfg.MaxDispatchRetries == 0 {
		cfg.MaxDispatchRetries = 1000
	}
	e.m = NewManager(cfg, e.repo, e.d, e.registry, e.store, audit.NewService(e.audit, nil), nil)
	e.d.SetObserver(e.m)
	e.registry.SetIdleNotifier(e.m.OnAgentIdle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func (e *env) contacts(n int, prefix string) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		c, err := e.m.UpsertContact(context.Background(), Contact{ID: fmt.Sprintf("%s%d", prefix, i), Phone: fmt.Sprintf("+1555000%04d", len(prefix)*100+i)})
		if err != nil {
			e.t.Fatalf("upsert contact: %v", err)
		}
		ids = append(ids, c.ID)
	}
	return ids
}

func (e *env) agent(id, campaignID string, kind agents.Kind) {
	if _, err := e.registry.Register(agents.Agent{ID: id, Kind: kind, CampaignID: campaignID}); err != nil {
		e.t.Fatalf("register agent: %v", err)
	}
}

func (e *env) finish(p placed, st calls.CallStatus) {
	ctx := context.Background()
	if st == calls.StatusCompleted {
		e.d.HandleEvent(ctx, telephony.StatusEvent{CallID: p.callID, ProviderRef: p.ref, Status: calls.StatusAnswered, Timestamp: time.Now()})
	}
	e.d.HandleEvent(ctx, telephony.StatusEvent{CallID: p.callID, ProviderRef: p.ref, Status: st, Timestamp: time.Now()})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (e *env) status(id string) Status {
	c, err := e.repo.GetCampaign(context.Background(), id)
	if err != nil {
		e.t.Fatalf("get campaign: %v", err)
	}
	return c.Status
}

func TestManager_SequentialWithOneAgentAndOneLine(t *testing.T) {
	e := newEnv(t, 1, Config{})
	ctx := context.Background()

	c, err := e.m.CreateCampaign(ctx, "spring", TypeHuman, e.contacts(3, "ct"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.agent("a1", c.ID, agents.KindHuman)

	if _, err := e.m.Start(ctx, audit.Actor{UserID: "u1"}, c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 1; i <= 3; i++ {
		waitFor(t, fmt.Sprintf("dial %d", i), func() bool { return len(e.gateway.placed()) == i })
		time.Sleep(20 * time.Millisecond)
		if got := len(e.gateway.placed()); got != i {
			t.Fatalf("dial %d issued before call %d ended (%d placed)", i+1, i, got)
		}
		e.finish(e.gateway.placed()[i-1], calls.StatusCompleted)
	}

	waitFor(t, "completion", func() bool { return e.status(c.ID) == StatusCompleted })
	got, _ := e.repo.GetCampaign(ctx, c.ID)
	if got.Results.Contacted != 3 || got.Results.Total() != 3 {
		t.Fatalf("unexpected results: %+v", got.Results)
	}
	if got.Progress() != 1 {
		t.Fatalf("expected full progress, got %v", got.Progress())
	}
	want := []string{"+15550000201", "+15550000202", "+15550000203"}
	for i, p := range e.gateway.placed() {
		if p.to != want[i] {
			t.Fatalf("dial order broken at %d: %s", i, p.to)
		}
	}
	contact, _ := e.repo.GetContact(ctx, "ct1")
	if contact.Status != ContactContacted || contact.AssignedTo != AssignedHuman || contact.LastContactedAt == nil {
		t.Fatalf("contact not written back: %+v", contact)
	}
}

func TestManager_PauseStopsNewDispatches(t *testing.T) {
	e := newEnv(t, 5, Config{})
	ctx := context.Background()

	c, _ := e.m.CreateCampaign(ctx, "paused", TypeAutomated, e.contacts(2, "ct"))
	e.agent("bot", c.ID, agents.KindAutomated)
	_, _ = e.m.Start(ctx, audit.Actor{}, c.ID)
	waitFor(t, "first dial", func() bool { return len(e.gateway.placed()) == 1 })

	if _, err := e.m.Pause(ctx, audit.Actor{UserID: "sup"}, c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	e.finish(e.gateway.placed()[0], calls.StatusCompleted)

	time.Sleep(50 * time.Millisecond)
	if got := len(e.gateway.placed()); got != 1 {
		t.Fatalf("paused campaign dialed again (%d calls)", got)
	}
	got, _ := e.repo.GetCampaign(ctx, c.ID)
	if got.Results.Contacted != 1 {
		t.Fatalf("in-flight call outcome must still count while paused: %+v", got.Results)
	}

	if _, err := e.m.Resume(ctx, audit.Actor{}, c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "second dial", func() bool { return len(e.gateway.placed()) == 2 })
	if e.gateway.placed()[1].to == e.gateway.placed()[0].to {
		t.Fatalf("resume redialed the first contact")
	}
}

func TestManager_CapacityRaceRequeuesContact(t *testing.T) {
	e := newEnv(t, 1, Config{})
	ctx := context.Background()

	a, _ := e.m.CreateCampaign(ctx, "a", TypeHuman, e.contacts(1, "a"))
	b, _ := e.m.CreateCampaign(ctx, "b", TypeHuman, e.contacts(1, "bb"))
	e.agent("agent-a", a.ID, agents.KindHuman)
	e.agent("agent-b", b.ID, agents.KindHuman)

	_, _ = e.m.Start(ctx, audit.Actor{}, a.ID)
	waitFor(t, "campaign a dial", func() bool { return len(e.gateway.placed()) == 1 })
	first := e.gateway.placed()[0]
	e.d.HandleEvent(ctx, telephony.StatusEvent{CallID: first.callID, ProviderRef: first.ref, Status: calls.StatusRinging, Timestamp: time.Now()})

	_, _ = e.m.Start(ctx, audit.Actor{}, b.ID)
	time.Sleep(30 * time.Millisecond)
	if got := len(e.gateway.placed()); got != 1 {
		t.Fatalf("ceiling of 1 exceeded: %d calls", got)
	}

	e.finish(first, calls.StatusNoAnswer)
	waitFor(t, "campaign b dial", func() bool { return len(e.gateway.placed()) == 2 })
	if to := e.gateway.placed()[1].to; !strings.HasSuffix(to, "0201") {
		t.Fatalf("expected b's contact to be dialed after requeue, got %s", to)
	}
	waitFor(t, "campaign a completion", func() bool { return e.status(a.ID) == StatusCompleted })
	got, _ := e.repo.GetCampaign(ctx, a.ID)
	if got.Results.Unreachable != 1 {
		t.Fatalf("expected no-answer counted unreachable: %+v", got.Results)
	}
}

func TestManager_AutoPausesAfterRetries(t *testing.T) {
	e := newEnv(t, 0, Config{MaxDispatchRetries: 3})
	ctx := context.Background()

	c, _ := e.m.CreateCampaign(ctx, "starved", TypeHuman, e.contacts(1, "ct"))
	e.agent("a1", c.ID, agents.KindHuman)
	_, _ = e.m.Start(ctx, audit.Actor{}, c.ID)

	waitFor(t, "auto-pause", func() bool { return e.status(c.ID) == StatusPaused })
	got, _ := e.repo.GetCampaign(ctx, c.ID)
	if !strings.Contains(got.DegradedReason, "capacity exceeded") {
		t.Fatalf("expected degraded reason, got %q", got.DegradedReason)
	}
	evs := e.audit.Events()
	found := false
	for _, ev := range evs {
		if ev.Type == audit.EventTypeCampaignDegraded && ev.CampaignID == c.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected degraded audit event, got %+v", evs)
	}

	resumed, err := e.m.Resume(ctx, audit.Actor{}, c.ID)
	if err != nil || resumed.DegradedReason != "" {
		t.Fatalf("resume must clear degraded notice: %+v err=%v", resumed, err)
	}
}

func TestManager_GatewayRejectionMarksUnreachableAndContinues(t *testing.T) {
	e := newEnv(t, 1, Config{})
	ctx := context.Background()

	ids := e.contacts(2, "ct")
	bad, _ := e.repo.GetContact(ctx, ids[0])
	e.gateway.reject[bad.Phone] = true

	c, _ := e.m.CreateCampaign(ctx, "mixed", TypeAutomated, ids)
	e.agent("bot", c.ID, agents.KindAutomated)
	_, _ = e.m.Start(ctx, audit.Actor{}, c.ID)

	waitFor(t, "second contact dial", func() bool { return len(e.gateway.placed()) == 1 })
	e.finish(e.gateway.placed()[0], calls.StatusCompleted)
	waitFor(t, "completion", func() bool { return e.status(c.ID) == StatusCompleted })

	got, _ := e.repo.GetCampaign(ctx, c.ID)
	if got.Results.Unreachable != 1 || got.Results.Contacted != 1 {
		t.Fatalf("unexpected results: %+v", got.Results)
	}
	contact, _ := e.repo.GetContact(ctx, ids[0])
	if contact.Status != ContactUnreachable {
		t.Fatalf("expected rejected contact unreachable, got %s", contact.Status)
	}
}

func TestManager_FailedRedialMarksPreviouslyContactedUnreachable(t *testing.T) {
	e := newEnv(t, 1, Config{})
	ctx := context.Background()

	ids := e.contacts(1, "ct")
	seen, _ := e.repo.GetContact(ctx, ids[0])
	seen.Status = ContactContacted
	if _, err := e.m.UpsertContact(ctx, seen); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	e.gateway.reject[seen.Phone] = true

	c, _ := e.m.CreateCampaign(ctx, "redial", TypeAutomated, ids)
	e.agent("bot", c.ID, agents.KindAutomated)
	_, _ = e.m.Start(ctx, audit.Actor{}, c.ID)
	waitFor(t, "completion", func() bool { return e.status(c.ID) == StatusCompleted })

	contact, _ := e.repo.GetContact(ctx, ids[0])
	if contact.Status != ContactUnreachable {
		t.Fatalf("expected unreachable after failed redial, got %s", contact.Status)
	}
}

// gatedRepo parks the first contact read until release is closed.
type gatedRepo struct {
	*MemoryRepo
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRepo) GetContact(ctx context.Context, id string) (Contact, error) {
	c, err := r.MemoryRepo.GetContact(ctx, id)
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return c, err
}

func TestManager_ConversionNotLostToConcurrentWriteBack(t *testing.T) {
	repo := &gatedRepo{MemoryRepo: NewMemoryRepo(), entered: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(Config{}, repo, nil, nil, nil, nil, nil)
	ctx := context.Background()

	if err := repo.MemoryRepo.UpsertContact(ctx, Contact{ID: "ct1", Phone: "+15550000001", Status: ContactContacted}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ended := time.Now().UTC()
	call := calls.Call{CallID: "call-1", ContactID: "ct1", Status: calls.StatusCompleted, AnsweredAt: &ended, EndedAt: &ended}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.OnCallTerminal(ctx, call)
	}()
	<-repo.entered
	go func() {
		defer wg.Done()
		if err := m.ApplyConversion(ctx, call, true); err != nil {
			t.Errorf("apply conversion: %v", err)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	close(repo.release)
	wg.Wait()

	contact, _ := repo.MemoryRepo.GetContact(ctx, "ct1")
	if contact.Status != ContactConverted {
		t.Fatalf("expected converted to survive write-back, got %s", contact.Status)
	}
	if contact.LastContactedAt == nil {
		t.Fatalf("expected last contacted time written back")
	}
}

func TestManager_CancelKeepsInFlightOutcome(t *testing.T) {
	e := newEnv(t, 2, Config{})
	ctx := context.Background()

	c, _ := e.m.CreateCampaign(ctx, "cancel", TypeHuman, e.contacts(3, "ct"))
	e.agent("a1", c.ID, agents.KindHuman)
	_, _ = e.m.Start(ctx, audit.Actor{}, c.ID)
	waitFor(t, "first dial", func() bool { return len(e.gateway.placed()) == 1 })

	if _, err := e.m.Cancel(ctx, audit.Actor{}, c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := e.m.Resume(ctx, audit.Actor{}, c.ID); err == nil {
		t.Fatalf("cancelled campaign must not resume")
	}
	e.finish(e.gateway.placed()[0], calls.StatusCompleted)
	time.Sleep(30 * time.Millisecond)

	if got := len(e.gateway.placed()); got != 1 {
		t.Fatalf("cancelled campaign dialed again")
	}
	got, _ := e.repo.GetCampaign(ctx, c.ID)
	if got.Status != StatusCancelled || got.Results.Contacted != 1 {
		t.Fatalf("unexpected campaign after cancel: %+v", got)
	}
}

func TestManager_RecoverResumesRunningCampaign(t *testing.T) {
	e := newEnv(t, 1, Config{})
	ctx := context.Background()

	ids := e.contacts(2, "ct")
	now := time.Now().UTC()
	_ = e.repo.CreateCampaign(ctx, Campaign{ID: "camp", Name: "restart", Type: TypeHuman, Status: StatusRunning, ContactIDs: ids, StartedAt: &now})
	_ = e.store.UpsertCall(ctx, calls.Call{CallID: "old", ProviderRef: "CA-old", ContactID: ids[0], AgentID: "a1", CampaignID: "camp", Status: calls.StatusAnswered, StartedAt: now, UpdatedAt: now})
	e.agent("a1", "camp", agents.KindHuman)

	if _, err := e.d.Recover(ctx); err != nil {
		t.Fatalf("dispatcher recover: %v", err)
	}
	n, err := e.m.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 resumed campaign, got %d err=%v", n, err)
	}

	time.Sleep(20 * time.Millisecond)
	if len(e.gateway.placed()) != 0 {
		t.Fatalf("agent busy on recovered call must not be redialed")
	}

	e.d.HandleEvent(ctx, telephony.StatusEvent{ProviderRef: "CA-old", Status: calls.StatusCompleted, Timestamp: time.Now()})
	waitFor(t, "second contact dial", func() bool { return len(e.gateway.placed()) == 1 })
	if to := e.gateway.placed()[0].to; !strings.HasSuffix(to, "0202") {
		t.Fatalf("expected second contact dialed, got %s", to)
	}
}

func TestManager_FollowUpIsDialedWhenDue(t *testing.T) {
	e := newEnv(t, 1, Config{})
	ctx := context.Background()

	c, _ := e.m.CreateCampaign(ctx, "callbacks", TypeHuman, e.contacts(1, "ct"))
	e.agent("a1", c.ID, agents.KindHuman)
	_, _ = e.m.Start(ctx, audit.Actor{}, c.ID)
	waitFor(t, "first dial", func() bool { return len(e.gateway.placed()) == 1 })

	first := e.gateway.placed()[0]
	if _, err := e.m.ScheduleFollowUp(ctx, calls.Call{CallID: first.callID, CampaignID: c.ID, ContactID: "ct1"}, time.Now()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	e.finish(first, calls.StatusCompleted)

	waitFor(t, "follow-up dial", func() bool { return len(e.gateway.placed()) == 2 })
	if e.gateway.placed()[1].to != first.to {
		t.Fatalf("expected follow-up to redial the same contact")
	}
	waitFor(t, "follow-up removal", func() bool {
		fs, _ := e.repo.ListFollowUps(ctx, c.ID)
		return len(fs) == 0
	})
}

func TestManager_ApplyConversionShiftsBuckets(t *testing.T) {
	e := newEnv(t, 1, Config{})
	ctx := context.Background()
	ids := e.contacts(1, "ct")
	_ = e.repo.CreateCampaign(ctx, Campaign{ID: "camp", Name: "x", Type: TypeHuman, Status: StatusCompleted, ContactIDs: ids})
	_, _ = e.repo.AdjustResults(ctx, "camp", Results{Contacted: 1})

	call := calls.Call{CallID: "c1", CampaignID: "camp", ContactID: ids[0]}
	if err := e.m.ApplyConversion(ctx, call, true); err != nil {
		t.Fatalf("convert: %v", err)
	}
	got, _ := e.repo.GetCampaign(ctx, "camp")
	if got.Results.Contacted != 0 || got.Results.Converted != 1 {
		t.Fatalf("unexpected results after conversion: %+v", got.Results)
	}
	contact, _ := e.repo.GetContact(ctx, ids[0])
	if contact.Status != ContactConverted {
		t.Fatalf("expected contact converted, got %s", contact.Status)
	}

	_ = e.m.ApplyConversion(ctx, call, false)
	got, _ = e.repo.GetCampaign(ctx, "camp")
	if got.Results.Contacted != 1 || got.Results.Converted != 0 {
		t.Fatalf("correction must move the call back: %+v", got.Results)
	}
}

func TestManager_StateMachineRejectsBadCommands(t *testing.T) {
	e := newEnv(t, 1, Config{})
	ctx := context.Background()
	c, _ := e.m.CreateCampaign(ctx, "draft", TypeHuman, nil)

	if _, err := e.m.Pause(ctx, audit.Actor{}, c.ID); err == nil {
		t.Fatalf("draft campaign must not pause")
	}
	if _, err := e.m.CreateCampaign(ctx, "bad", TypeHuman, []string{"ghost"}); err == nil {
		t.Fatalf("unknown contact must fail validation")
	}
	if _, err := e.m.Start(ctx, audit.Actor{}, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
