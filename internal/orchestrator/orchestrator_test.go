package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedhound/feedhound/internal/ingest"
)

type fakePoller struct {
	mu      sync.Mutex
	calls   int
	err     error
	perCall time.Duration
	advance func(time.Duration)
}

func (p *fakePoller) Poll(context.Context) (ingest.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.perCall > 0 && p.advance != nil {
		p.advance(p.perCall)
	}
	if p.err != nil {
		return ingest.PollResult{}, p.err
	}
	return ingest.PollResult{}, nil
}

type fakeDrainer struct {
	mu    sync.Mutex
	calls int
	limit int
	err   error
}

func (d *fakeDrainer) Drain(_ context.Context, limit int) (ingest.DrainResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.limit = limit
	if d.err != nil {
		return ingest.DrainResult{}, d.err
	}
	return ingest.DrainResult{}, nil
}

type fakeSeeder struct {
	name  string
	calls int
	err   error
}

func (s *fakeSeeder) Name() string { return s.name }

func (s *fakeSeeder) Seed(context.Context) error {
	s.calls++
	return s.err
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *fakeAnalyzer) Name() string { return "niche-stats" }

func (a *fakeAnalyzer) Analyze(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.err
}

// fakeTime drives the orchestrator clock; sleeps advance it instantly.
type fakeTime struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeTime() *fakeTime {
	return &fakeTime{now: time.Unix(1_700_000_000, 0).UTC()}
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
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func TestRunExecutesSeedersOnce(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	seeder := &fakeSeeder{name: "feed-catalog"}
	o := New(
		&fakePoller{}, &fakeDrainer{}, []ingest.Seeder{seeder}, nil,
		Config{MaxCycles: 3, CycleInterval: time.Minute},
		zap.NewNop(),
		WithClock(ft), WithSleeper(ft.Sleep),
	)

	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, 1, seeder.calls)
}

func TestRunStopsAtMaxCycles(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	poller := &fakePoller{}
	drainer := &fakeDrainer{}
	o := New(
		poller, drainer, nil, nil,
		Config{MaxCycles: 4, CycleInterval: time.Minute, DrainLimit: 50},
		zap.NewNop(),
		WithClock(ft), WithSleeper(ft.Sleep),
	)

	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, 4, poller.calls)
	require.Equal(t, 4, drainer.calls)
	require.Equal(t, 50, drainer.limit)
	// No sleep after the final cycle.
	require.Len(t, ft.sleeps, 3)
}

func TestRunSleepsRemainderOfInterval(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	poller := &fakePoller{perCall: 20 * time.Second, advance: ft.Advance}
	o := New(
		poller, &fakeDrainer{}, nil, nil,
		Config{MaxCycles: 2, CycleInterval: time.Minute},
		zap.NewNop(),
		WithClock(ft), WithSleeper(ft.Sleep),
	)

	require.NoError(t, o.Run(context.Background()))
	require.Len(t, ft.sleeps, 1)
	require.Equal(t, 40*time.Second, ft.sleeps[0])
}

func TestRunSkipsSleepWhenCycleOverruns(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	poller := &fakePoller{perCall: 90 * time.Second, advance: ft.Advance}
	o := New(
		poller, &fakeDrainer{}, nil, nil,
		Config{MaxCycles: 2, CycleInterval: time.Minute},
		zap.NewNop(),
		WithClock(ft), WithSleeper(ft.Sleep),
	)

	require.NoError(t, o.Run(context.Background()))
	require.Empty(t, ft.sleeps)
}

func TestRunAnalyticsOnOwnInterval(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	analyzer := &fakeAnalyzer{}
	o := New(
		&fakePoller{}, &fakeDrainer{}, nil, []ingest.Analyzer{analyzer},
		Config{MaxCycles: 4, CycleInterval: time.Minute, AnalyticsInterval: 2 * time.Minute},
		zap.NewNop(),
		WithClock(ft), WithSleeper(ft.Sleep),
	)

	require.NoError(t, o.Run(context.Background()))
	// Analytics run on the first cycle and then every two minutes of
	// clock time: cycles 1 and 3.
	require.Equal(t, 2, analyzer.calls)
}

func TestRunAnalyzerFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	analyzer := &fakeAnalyzer{err: errors.New("sparse data")}
	poller := &fakePoller{}
	o := New(
		poller, &fakeDrainer{}, nil, []ingest.Analyzer{analyzer},
		Config{MaxCycles: 2, CycleInterval: time.Minute},
		zap.NewNop(),
		WithClock(ft), WithSleeper(ft.Sleep),
	)

	require.NoError(t, o.Run(context.Background()))
	require.Equal(t, 2, poller.calls)
}

func TestRunPollFailureIsFatal(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	o := New(
		&fakePoller{err: errors.New("store unreachable")}, &fakeDrainer{}, nil, nil,
		Config{MaxCycles: 3, CycleInterval: time.Minute},
		zap.NewNop(),
		WithClock(ft), WithSleeper(ft.Sleep),
	)

	err := o.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "store unreachable")
}

func TestRunDrainFailureIsFatal(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	drainer := &fakeDrainer{err: errors.New("store unreachable")}
	o := New(
		&fakePoller{}, drainer, nil, nil,
		Config{MaxCycles: 3, CycleInterval: time.Minute},
		zap.NewNop(),
		WithClock(ft), WithSleeper(ft.Sleep),
	)

	err := o.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "queue drain")
}

func TestRunSeederFailureIsFatal(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	poller := &fakePoller{}
	o := New(
		poller, &fakeDrainer{}, []ingest.Seeder{&fakeSeeder{name: "feed-catalog", err: errors.New("catalog missing")}}, nil,
		Config{MaxCycles: 3, CycleInterval: time.Minute},
		zap.NewNop(),
		WithClock(ft), WithSleeper(ft.Sleep),
	)

	err := o.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "feed-catalog")
	require.Zero(t, poller.calls)
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	ctx, cancel := context.WithCancel(context.Background())
	poller := &fakePoller{}
	o := New(
		poller, &fakeDrainer{}, nil, nil,
		Config{CycleInterval: time.Minute},
		zap.NewNop(),
		WithClock(ft),
		WithSleeper(func(sleepCtx context.Context, d time.Duration) error {
			cancel()
			return sleepCtx.Err()
		}),
	)

	require.NoError(t, o.Run(ctx))
	require.Equal(t, 1, poller.calls)
}
