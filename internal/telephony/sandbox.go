package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"outbound-dialer/internal/calls"
)

// SandboxGateway is a local stand-in for a real carrier. It accepts any valid
// E.164 number and plays a scripted status sequence into the event sink.
type SandboxGateway struct {
	// Script is the status sequence played for every call.
	Script []calls.CallStatus
	// Step is the delay between scripted events.
	Step time.Duration
	// TalkTime is reported as the duration of completed calls.
	TalkTime time.Duration

	log *slog.Logger

	mu      sync.Mutex
	sink    EventSink
	running map[string]context.CancelFunc
}

func NewSandboxGateway(log *slog.Logger) *SandboxGateway {
	if log == nil {
		log = slog.Default()
	}
	return &SandboxGateway{
		Script:   []calls.CallStatus{calls.StatusRinging, calls.StatusAnswered, calls.StatusCompleted},
		Step:     2 * time.Second,
		TalkTime: 30 * time.Second,
		log:      log.With("component", "sandbox_gateway"),
		running:  map[string]context.CancelFunc{},
	}
}

// SetSink wires the consumer of scripted events. Calls placed while no sink
// is set produce no events.
func (g *SandboxGateway) SetSink(s EventSink) {
	g.mu.Lock()
	g.sink = s
	g.mu.Unlock()
}

func (g *SandboxGateway) Name() string { return "sandbox" }

func (g *SandboxGateway) HealthCheck(ctx context.Context) error { return nil }

func (g *SandboxGateway) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if _, err := NormalizeE164(req.To); err != nil {
		return PlaceCallResult{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	ref := "SB" + uuid.NewString()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sink != nil {
		playCtx, cancel := context.WithCancel(context.Background())
		g.running[ref] = cancel
		go g.play(playCtx, g.sink, ref, req.CallID)
	}
	return PlaceCallResult{ProviderRef: ref}, nil
}

// Hangup stops the script of a running call. Hanging up a finished call is a no-op.
func (g *SandboxGateway) Hangup(ctx context.Context, providerRef string) error {
	if providerRef == "" {
		return errors.New("telephony: provider ref is required")
	}
	g.mu.Lock()
	cancel, ok := g.running[providerRef]
	delete(g.running, providerRef)
	g.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (g *SandboxGateway) active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}

func (g *SandboxGateway) play(ctx context.Context, sink EventSink, ref, callID string) {
	defer func() {
		g.mu.Lock()
		delete(g.running, ref)
		g.mu.Unlock()
	}()

	t := time.NewTimer(g.Step)
	defer t.Stop()
	for _, st := range g.Script {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ev := StatusEvent{ProviderRef: ref, CallID: callID, Status: st, Timestamp: time.Now().UTC()}
		if st == calls.StatusCompleted {
			ev.DurationSeconds = int(g.TalkTime / time.Second)
		}
		if err := sink.Submit(ctx, ev); err != nil {
			g.log.Warn("sandbox event dropped", "provider_ref", ref, "status", st, "err", err)
			return
		}
		t.Reset(g.Step)
	}
}
