package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedhound/feedhound/internal/config"
	"github.com/feedhound/feedhound/internal/ingest"
	"github.com/feedhound/feedhound/internal/storage/memory"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewBuildsMemoryBackedApp(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Logging.Development = false

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Store())
	require.NotNil(t, a.Logger())
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Store.Backend = "dynamo"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestCatalogSeederRegistersSources(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	seeder := NewCatalogSeeder(store, []config.SourceConfig{
		{ID: "src-1", FeedURL: "https://a.example.com/feed", SiteID: "a", Kind: "rss", FetchIntervalSeconds: 900},
		{ID: "src-2", FeedURL: "https://b.example.com/feed", SiteID: "b", Kind: "atom"},
	}, zap.NewNop())

	require.Equal(t, "source-catalog", seeder.Name())
	require.NoError(t, seeder.Seed(context.Background()))

	sources, err := store.ListSourcesByStatus(context.Background(), []ingest.SourceStatus{ingest.SourceStatusActive})
	require.NoError(t, err)
	require.Len(t, sources, 2)

	// Seeding again is a no-op for known IDs.
	require.NoError(t, seeder.Seed(context.Background()))
	sources, err = store.ListSourcesByStatus(context.Background(), []ingest.SourceStatus{ingest.SourceStatusActive})
	require.NoError(t, err)
	require.Len(t, sources, 2)
}

func TestStatsAnalyzerReadsStore(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	_, err := store.InsertItemIfAbsent(context.Background(), ingest.Item{ID: "item-1", DedupeKey: "g1"})
	require.NoError(t, err)

	analyzer := NewStatsAnalyzer(store, zap.NewNop())
	require.Equal(t, "pipeline-stats", analyzer.Name())
	require.NoError(t, analyzer.Analyze(context.Background()))
}
