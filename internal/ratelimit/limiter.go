// Package ratelimit implements a sliding-window rate limiter shared across
// every component that talks to a quota-bound resource.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedhound/feedhound/internal/metrics"
)

// Quota caps a resource at MaxRequests admissions per rolling Window.
type Quota struct {
	MaxRequests int
	Window      time.Duration
}

const (
	// waitSlack is added to the computed wait so the re-check lands after
	// the oldest timestamp has actually left the window.
	waitSlack = 100 * time.Millisecond
	// maxSleepChunk caps each sleep so a waiter re-checks instead of
	// oversleeping a window that has already drained.
	maxSleepChunk = 5 * time.Second
)

// Limiter admits calls against per-resource sliding-window quotas. One
// instance is constructed at process start and handed to every caller;
// admission order is first-come-first-served with revalidation, not FIFO.
type Limiter struct {
	mu      sync.Mutex
	quotas  map[string]Quota
	history map[string][]time.Time
	granted map[string]int64

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// Option customizes a Limiter, mainly for tests.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleeper replaces the wait primitive.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// New creates a Limiter with the provided quota table. Resources absent from
// the table are admitted unconditionally.
func New(quotas map[string]Quota, logger *zap.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		quotas:  make(map[string]Quota, len(quotas)),
		history: make(map[string][]time.Time),
		granted: make(map[string]int64),
		now:     func() time.Time { return time.Now() },
		sleep:   sleepCtx,
		logger:  logger,
	}
	for name, q := range quotas {
		l.quotas[name] = q
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire blocks until weight units can be admitted for the resource, or the
// context ends. Unknown resources are admitted immediately (fail open).
func (l *Limiter) Acquire(ctx context.Context, resource string, weight int) error {
	quota, ok := l.quotas[resource]
	if !ok {
		return nil
	}
	if weight <= 0 {
		weight = 1
	}
	// A weight beyond the window capacity can never be admitted; waiting
	// for it would spin forever.
	if weight > quota.MaxRequests {
		return fmt.Errorf("acquire %s: weight %d exceeds window capacity %d", resource, weight, quota.MaxRequests)
	}

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("acquire %s: %w", resource, err)
		}

		wait, admitted := l.tryAdmit(resource, quota, weight)
		if admitted {
			return nil
		}

		l.logger.Debug("rate limit wait",
			zap.String("resource", resource),
			zap.Duration("wait", wait),
		)
		chunk := wait + waitSlack
		if chunk > maxSleepChunk {
			chunk = maxSleepChunk
		}
		start := l.now()
		if err := l.sleep(ctx, chunk); err != nil {
			return fmt.Errorf("acquire %s: %w", resource, err)
		}
		metrics.ObserveRateLimitDelay(resource, l.now().Sub(start))
	}
}

// tryAdmit evicts expired timestamps and either records the admission or
// returns how long until the oldest entry leaves the window.
func (l *Limiter) tryAdmit(resource string, quota Quota, weight int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	history := l.evictLocked(resource, quota, now)

	if len(history)+weight <= quota.MaxRequests {
		for i := 0; i < weight; i++ {
			history = append(history, now)
		}
		l.history[resource] = history
		l.granted[resource] += int64(weight)
		return 0, true
	}

	wait := quota.Window - now.Sub(history[0])
	if wait < 0 {
		wait = 0
	}
	return wait, false
}

func (l *Limiter) evictLocked(resource string, quota Quota, now time.Time) []time.Time {
	history := l.history[resource]
	cut := 0
	for cut < len(history) && now.Sub(history[cut]) >= quota.Window {
		cut++
	}
	if cut > 0 {
		history = history[cut:]
		l.history[resource] = history
	}
	return history
}

// Remaining reports current headroom for the resource without blocking.
// Unlimited resources report a large sentinel headroom.
func (l *Limiter) Remaining(resource string) int {
	quota, ok := l.quotas[resource]
	if !ok {
		return int(^uint(0) >> 1)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.evictLocked(resource, quota, l.now())
	remaining := quota.MaxRequests - len(history)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Stats returns per-resource admission totals and current headroom.
func (l *Limiter) Stats() map[string]int64 {
	l.mu.Lock()
	granted := make(map[string]int64, len(l.granted))
	for resource, count := range l.granted {
		granted[resource] = count
	}
	l.mu.Unlock()

	out := make(map[string]int64, len(granted)+len(l.quotas))
	for resource, count := range granted {
		out[resource+"_granted"] = count
	}
	for resource := range l.quotas {
		out[resource+"_remaining"] = int64(l.Remaining(resource))
	}
	return out
}
