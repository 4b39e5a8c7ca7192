// Package orchestrator runs the continuous ingestion loop: seed once, then
// poll, drain, and analyze on fixed cadences until stopped.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/feedhound/feedhound/internal/ingest"
	"github.com/feedhound/feedhound/internal/metrics"
)

// Poller runs one polling pass.
type Poller interface {
	Poll(ctx context.Context) (ingest.PollResult, error)
}

// Drainer drains pending extraction work.
type Drainer interface {
	Drain(ctx context.Context, limit int) (ingest.DrainResult, error)
}

// Config controls cycle cadence.
type Config struct {
	CycleInterval     time.Duration
	AnalyticsInterval time.Duration
	DrainLimit        int
	// MaxCycles stops the loop after that many cycles. Zero means run
	// until the context finishes.
	MaxCycles int
}

const (
	defaultCycleInterval     = 5 * time.Minute
	defaultAnalyticsInterval = time.Hour
)

// Option customizes an Orchestrator, mainly for tests.
type Option func(*Orchestrator)

// WithClock replaces the wall clock.
func WithClock(clock ingest.Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithSleeper replaces the wait primitive.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// Orchestrator drives the pipeline. Persistence failures abort the loop;
// collaborator failures (feed fetches, analyzers) are absorbed and logged.
type Orchestrator struct {
	poller    Poller
	drainer   Drainer
	seeders   []ingest.Seeder
	analyzers []ingest.Analyzer
	cfg       Config
	logger    *zap.Logger

	clock ingest.Clock
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an Orchestrator.
func New(
	poller Poller,
	drainer Drainer,
	seeders []ingest.Seeder,
	analyzers []ingest.Analyzer,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = defaultCycleInterval
	}
	if cfg.AnalyticsInterval <= 0 {
		cfg.AnalyticsInterval = defaultAnalyticsInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		poller:    poller,
		drainer:   drainer,
		seeders:   seeders,
		analyzers: analyzers,
		cfg:       cfg,
		logger:    logger,
		clock:     systemClock{},
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run seeds sources once, then loops poll-drain-analyze until the context
// finishes or MaxCycles is reached. It returns nil on a clean stop and an
// error only for persistence failures.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.setup(ctx); err != nil {
		return err
	}

	lastAnalytics := time.Time{}
	cycles := 0

	for {
		if ctx.Err() != nil {
			o.logger.Info("orchestrator stopping", zap.Int("cycles", cycles))
			return nil
		}

		start := o.clock.Now()
		if err := o.runCycle(ctx, start, &lastAnalytics); err != nil {
			return err
		}
		duration := o.clock.Now().Sub(start)
		metrics.ObserveCycleDuration(duration)

		cycles++
		o.logger.Info("cycle complete",
			zap.Int("cycle", cycles),
			zap.Duration("duration", duration),
		)
		if o.cfg.MaxCycles > 0 && cycles >= o.cfg.MaxCycles {
			o.logger.Info("cycle limit reached", zap.Int("cycles", cycles))
			return nil
		}

		// A cycle that overran its interval starts the next one
		// immediately; the cadence never goes negative.
		if wait := o.cfg.CycleInterval - duration; wait > 0 {
			if err := o.sleep(ctx, wait); err != nil {
				o.logger.Info("orchestrator stopping", zap.Int("cycles", cycles))
				return nil
			}
		}
	}
}

// setup runs each seeder exactly once before the first cycle.
func (o *Orchestrator) setup(ctx context.Context) error {
	for _, seeder := range o.seeders {
		o.logger.Info("running seeder", zap.String("seeder", seeder.Name()))
		if err := seeder.Seed(ctx); err != nil {
			return fmt.Errorf("seeder %s: %w", seeder.Name(), err)
		}
	}
	return nil
}

func (o *Orchestrator) runCycle(ctx context.Context, now time.Time, lastAnalytics *time.Time) error {
	pollResult, err := o.poller.Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll pass: %w", err)
	}

	drainResult, err := o.drainer.Drain(ctx, o.cfg.DrainLimit)
	if err != nil {
		return fmt.Errorf("queue drain: %w", err)
	}

	o.logger.Info("pipeline pass",
		zap.Int("new_items", len(pollResult.NewItems)),
		zap.Int("sources_failed", pollResult.SourcesFailed),
		zap.Int("extracted", drainResult.Processed),
		zap.Int("extraction_failed", drainResult.Failed),
	)

	if now.Sub(*lastAnalytics) >= o.cfg.AnalyticsInterval {
		o.runAnalyzers(ctx)
		*lastAnalytics = now
	}
	return nil
}

// runAnalyzers invokes each analytics collaborator. Their failures never
// stop the pipeline.
func (o *Orchestrator) runAnalyzers(ctx context.Context) {
	for _, analyzer := range o.analyzers {
		if err := analyzer.Analyze(ctx); err != nil {
			o.logger.Warn("analyzer failed",
				zap.String("analyzer", analyzer.Name()),
				zap.Error(err),
			)
		}
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
