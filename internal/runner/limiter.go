package runner

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxActiveRuns caps concurrent runs when no limit is configured.
const DefaultMaxActiveRuns = 10

// Limiter bounds the number of runs active at once across every runner.
// Acquire blocks for a free slot rather than rejecting the run.
type Limiter struct {
	sem    *semaphore.Weighted
	size   int
	active atomic.Int64
}

// NewLimiter allows n concurrent runs.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = DefaultMaxActiveRuns
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// Acquire waits for a slot or ctx.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.active.Add(1)
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	l.active.Add(-1)
	l.sem.Release(1)
}

// Active reports the number of held slots.
func (l *Limiter) Active() int { return int(l.active.Load()) }

// Size reports the configured capacity.
func (l *Limiter) Size() int { return l.size }
