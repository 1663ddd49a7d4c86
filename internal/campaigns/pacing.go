package campaigns

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Pacer decides when the next dial may happen once an agent is idle.
type Pacer interface {
	Wait(ctx context.Context) error
}

const (
	PacingAgentDriven = "agent"
	PacingFixedRate   = "fixed"
)

// AgentDriven dials as soon as an agent is idle; agents are the only throttle.
type AgentDriven struct{}

func (AgentDriven) Wait(ctx context.Context) error { return ctx.Err() }

// FixedRate caps dial attempts per campaign on top of agent availability.
type FixedRate struct {
	lim *rate.Limiter
}

func NewFixedRate(dialsPerMinute float64, burst int) *FixedRate {
	if burst <= 0 {
		burst = 1
	}
	every := time.Duration(float64(time.Minute) / dialsPerMinute)
	return &FixedRate{lim: rate.NewLimiter(rate.Every(every), burst)}
}

func (p *FixedRate) Wait(ctx context.Context) error { return p.lim.Wait(ctx) }

// PacerFactory builds a fresh pacer for each campaign runner.
type PacerFactory func() Pacer

func NewPacerFactory(strategy string, dialsPerMinute float64) (PacerFactory, error) {
	switch strategy {
	case "", PacingAgentDriven:
		return func() Pacer { return AgentDriven{} }, nil
	case PacingFixedRate:
		if dialsPerMinute <= 0 {
			return nil, fmt.Errorf("campaigns: fixed pacing needs a positive dial rate, got %v", dialsPerMinute)
		}
		return func() Pacer { return NewFixedRate(dialsPerMinute, 1) }, nil
	default:
		return nil, fmt.Errorf("campaigns: unknown pacing strategy %q", strategy)
	}
}
