// Package app initializes and holds the long-lived pipeline services,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/feedhound/feedhound/internal/api"
	"github.com/feedhound/feedhound/internal/clock/system"
	"github.com/feedhound/feedhound/internal/config"
	"github.com/feedhound/feedhound/internal/extract"
	"github.com/feedhound/feedhound/internal/fetch"
	"github.com/feedhound/feedhound/internal/id/uuid"
	"github.com/feedhound/feedhound/internal/ingest"
	"github.com/feedhound/feedhound/internal/logging"
	"github.com/feedhound/feedhound/internal/orchestrator"
	"github.com/feedhound/feedhound/internal/poller"
	pubmemory "github.com/feedhound/feedhound/internal/publisher/memory"
	"github.com/feedhound/feedhound/internal/publisher/pubsub"
	"github.com/feedhound/feedhound/internal/queue"
	"github.com/feedhound/feedhound/internal/ratelimit"
	"github.com/feedhound/feedhound/internal/storage/memory"
	"github.com/feedhound/feedhound/internal/storage/postgres"
)

// App holds every shared service of the pipeline. It is built once at
// startup and torn down by Close.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        ingest.Store
	limiter      *ratelimit.Limiter
	orchestrator *orchestrator.Orchestrator
	server       *http.Server
	closers      []func()
}

// New builds the full service graph from configuration. It fails fast when
// any critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	store, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store

	quotas := make(map[string]ratelimit.Quota, len(cfg.RateLimits))
	for name, q := range cfg.RateLimits {
		quotas[name] = ratelimit.Quota{
			MaxRequests: q.MaxRequests,
			Window:      time.Duration(q.WindowSeconds) * time.Second,
		}
	}
	a.limiter = ratelimit.New(quotas, logger)

	fetcher := fetch.New(fetch.Config{
		UserAgent: cfg.Poller.UserAgent,
		Timeout:   time.Duration(cfg.Poller.FetchTimeoutSeconds) * time.Second,
	})

	extractor, err := a.buildExtractor()
	if err != nil {
		return nil, err
	}

	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	clk := system.New()
	idGen := uuid.NewUUIDGenerator()

	feedPoller := poller.New(store, fetcher, a.limiter, publisher, idGen, clk, poller.Config{
		BatchSize:    cfg.Poller.BatchSize,
		FetchTimeout: time.Duration(cfg.Poller.FetchTimeoutSeconds) * time.Second,
		BatchPause:   time.Duration(cfg.Poller.BatchPauseSeconds) * time.Second,
		Topic:        cfg.PubSub.DetectionsTopic,
	}, logger)

	drainer := queue.New(store, extractor, a.limiter, publisher, clk, queue.Config{
		Workers: cfg.Queue.Workers,
		Topic:   cfg.PubSub.CompletionsTopic,
	}, logger)

	var seeders []ingest.Seeder
	if len(cfg.Sources) > 0 {
		seeders = append(seeders, NewCatalogSeeder(store, cfg.Sources, logger))
	}
	analyzers := []ingest.Analyzer{NewStatsAnalyzer(store, logger)}

	a.orchestrator = orchestrator.New(feedPoller, drainer, seeders, analyzers, orchestrator.Config{
		CycleInterval:     cfg.Orchestrator.CycleInterval(),
		AnalyticsInterval: cfg.Orchestrator.AnalyticsInterval(),
		DrainLimit:        cfg.Queue.DrainLimit,
		MaxCycles:         cfg.Orchestrator.MaxCycles,
	}, logger)

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(store, a.limiter, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the persistence layer.
func (a *App) Store() ingest.Store {
	return a.store
}

// Run starts the observability server and drives the orchestrator until the
// context finishes or the cycle limit is reached.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting http server", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	runErr := a.orchestrator.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown", zap.Error(err))
	}

	select {
	case err := <-serverErr:
		if runErr == nil {
			return fmt.Errorf("http server: %w", err)
		}
	default:
	}
	return runErr
}

// Close tears down the services in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if err := a.logger.Sync(); err != nil {
		// Best effort; stderr may already be gone.
		_ = err
	}
}

func (a *App) buildStore(ctx context.Context) (ingest.Store, error) {
	switch a.cfg.Store.Backend {
	case "postgres":
		a.logger.Info("connecting to postgres")
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "memory":
		a.logger.Info("using in-memory store, state is not persisted")
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
}

func (a *App) buildExtractor() (ingest.Extractor, error) {
	if a.cfg.Extraction.Endpoint == "" {
		a.logger.Info("no extraction endpoint configured, using no-op extractor")
		return extract.NoOp{}, nil
	}
	client, err := extract.NewClient(extract.Config{
		Endpoint: a.cfg.Extraction.Endpoint,
		Timeout:  time.Duration(a.cfg.Extraction.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize extraction client: %w", err)
	}
	return client, nil
}

func (a *App) buildPublisher(ctx context.Context) (ingest.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no pubsub project configured, using in-memory publisher")
		return pubmemory.New(), nil
	}
	a.logger.Info("connecting to pubsub", zap.String("project", a.cfg.PubSub.ProjectID))
	pub, err := pubsub.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("initialize pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := pub.Close(); err != nil {
			a.logger.Warn("close pubsub publisher", zap.Error(err))
		}
	})
	return pub, nil
}
