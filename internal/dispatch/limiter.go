package dispatch

import (
	"context"
	"sync/atomic"
)

// LineLimiter enforces the global ceiling on concurrent calls.
type LineLimiter interface {
	// Acquire takes a line slot. It never blocks; false means the ceiling is reached.
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	// Restore seeds usage after a restart from the calls found in flight.
	Restore(ctx context.Context, inUse int) error
	InUse(ctx context.Context) (int, error)
	Limit() int
}

// AtomicLimiter is an in-process limiter backed by a single atomic counter.
type AtomicLimiter struct {
	limit int64
	inUse atomic.Int64
}

func NewAtomicLimiter(limit int) *AtomicLimiter {
	return &AtomicLimiter{limit: int64(limit)}
}

func (l *AtomicLimiter) Acquire(ctx context.Context) (bool, error) {
	for {
		cur := l.inUse.Load()
		if cur >= l.limit {
			return false, nil
		}
		if l.inUse.CompareAndSwap(cur, cur+1) {
			return true, nil
		}
	}
}

func (l *AtomicLimiter) Release(ctx context.Context) error {
	for {
		cur := l.inUse.Load()
		if cur <= 0 {
			return nil
		}
		if l.inUse.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

func (l *AtomicLimiter) Restore(ctx context.Context, inUse int) error {
	l.inUse.Store(int64(inUse))
	return nil
}

func (l *AtomicLimiter) InUse(ctx context.Context) (int, error) {
	return int(l.inUse.Load()), nil
}

func (l *AtomicLimiter) Limit() int { return int(l.limit) }
