package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTime is an adjustable clock whose sleeper advances it instead of
// blocking, so waits are deterministic.
type fakeTime struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeTime() *fakeTime {
	return &fakeTime{now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeTime) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	f.mu.Unlock()
	return nil
}

func newTestLimiter(quotas map[string]Quota, ft *fakeTime) *Limiter {
	return New(quotas, zap.NewNop(), WithClock(ft.Now), WithSleeper(ft.Sleep))
}

func TestAcquireUnderQuotaIsImmediate(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(map[string]Quota{"extraction": {MaxRequests: 3, Window: time.Minute}}, ft)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx, "extraction", 1))
	}
	require.Empty(t, ft.sleeps, "no acquire should have waited")
	require.Equal(t, 0, l.Remaining("extraction"))
}

func TestAcquireOverQuotaWaitsForWindow(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(map[string]Quota{"extraction": {MaxRequests: 2, Window: time.Minute}}, ft)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "extraction", 1))
	ft.Advance(10 * time.Second)
	require.NoError(t, l.Acquire(ctx, "extraction", 1))

	// Third acquire must block until the oldest admission leaves the
	// window: 60s - 10s elapsed = 50s of waiting.
	start := ft.Now()
	require.NoError(t, l.Acquire(ctx, "extraction", 1))
	waited := ft.Now().Sub(start)
	require.GreaterOrEqual(t, waited, 50*time.Second)
	require.NotEmpty(t, ft.sleeps)
}

func TestAcquireSleepsInCappedChunks(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(map[string]Quota{"feed_fetch": {MaxRequests: 1, Window: time.Minute}}, ft)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "feed_fetch", 1))
	require.NoError(t, l.Acquire(ctx, "feed_fetch", 1))

	for _, d := range ft.sleeps {
		require.LessOrEqual(t, d, maxSleepChunk)
	}
}

func TestSlidingWindowPreventsBoundaryBurst(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(map[string]Quota{"extraction": {MaxRequests: 4, Window: time.Minute}}, ft)

	ctx := context.Background()
	// Fill the window just before a fixed-window implementation would
	// reset, then verify the next acquire still has to wait rather than
	// admitting a second full burst.
	ft.Advance(59 * time.Second)
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Acquire(ctx, "extraction", 1))
	}
	ft.Advance(2 * time.Second)
	require.Equal(t, 0, l.Remaining("extraction"))

	require.NoError(t, l.Acquire(ctx, "extraction", 1))
	require.NotEmpty(t, ft.sleeps, "boundary acquire should have waited")
}

func TestAcquireWeight(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(map[string]Quota{"extraction": {MaxRequests: 5, Window: time.Minute}}, ft)

	require.NoError(t, l.Acquire(context.Background(), "extraction", 3))
	require.Equal(t, 2, l.Remaining("extraction"))
}

func TestAcquireRejectsWeightBeyondCapacity(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(map[string]Quota{"extraction": {MaxRequests: 5, Window: time.Minute}}, ft)

	// A request heavier than the whole window can never be admitted and
	// must fail instead of waiting, even against an empty history.
	err := l.Acquire(context.Background(), "extraction", 6)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds window capacity")
	require.Empty(t, ft.sleeps)
	require.Equal(t, 5, l.Remaining("extraction"))
}

func TestUnknownResourceAdmitsUnconditionally(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(map[string]Quota{}, ft)

	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Acquire(context.Background(), "mystery", 1))
	}
	require.Empty(t, ft.sleeps)
	require.Positive(t, l.Remaining("mystery"))
}

func TestRemainingEvictsExpired(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(map[string]Quota{"feed_fetch": {MaxRequests: 2, Window: time.Minute}}, ft)

	require.NoError(t, l.Acquire(context.Background(), "feed_fetch", 2))
	require.Equal(t, 0, l.Remaining("feed_fetch"))

	ft.Advance(61 * time.Second)
	require.Equal(t, 2, l.Remaining("feed_fetch"))
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(map[string]Quota{"extraction": {MaxRequests: 1, Window: time.Hour}}, ft)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Acquire(ctx, "extraction", 1))

	cancel()
	err := l.Acquire(ctx, "extraction", 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStatsReportsGrantsAndHeadroom(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	l := newTestLimiter(map[string]Quota{"extraction": {MaxRequests: 10, Window: time.Minute}}, ft)

	require.NoError(t, l.Acquire(context.Background(), "extraction", 4))

	stats := l.Stats()
	require.Equal(t, int64(4), stats["extraction_granted"])
	require.Equal(t, int64(6), stats["extraction_remaining"])
}
