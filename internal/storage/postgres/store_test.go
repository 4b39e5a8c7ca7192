package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/feedhound/feedhound/internal/ingest"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	store.now = func() time.Time { return time.Unix(1_700_000_000, 0).UTC() }
	return store, mock
}

func TestCreateSourceInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO sources").
		WithArgs("src-1", "https://example.com/feed.xml", "site-1", "rss", "active", "", 0, "", 900).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateSource(context.Background(), ingest.Source{
		ID:            "src-1",
		FeedURL:       "https://example.com/feed.xml",
		SiteID:        "site-1",
		Kind:          "rss",
		FetchInterval: 15 * time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSourcesByStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	fetched := time.Unix(1_600_000_000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"id", "feed_url", "site_id", "kind", "status", "last_key",
		"error_count", "last_error", "last_fetched", "fetch_interval_seconds",
	}).
		AddRow("src-1", "https://a.example.com/feed", "site-1", "rss", "active", "g9", 0, "", &fetched, 900).
		AddRow("src-2", "https://b.example.com/feed", "site-2", "atom", "error", "", 4, "timeout", (*time.Time)(nil), 0)

	mock.ExpectQuery("SELECT (.+) FROM sources").
		WithArgs([]string{"active", "error"}).
		WillReturnRows(rows)

	sources, err := store.ListSourcesByStatus(context.Background(), []ingest.SourceStatus{
		ingest.SourceStatusActive,
		ingest.SourceStatusError,
	})
	require.NoError(t, err)
	require.Len(t, sources, 2)
	require.Equal(t, ingest.SourceStatusActive, sources[0].Status)
	require.Equal(t, "g9", sources[0].LastKey)
	require.Equal(t, 15*time.Minute, sources[0].FetchInterval)
	require.Equal(t, 4, sources[1].ErrorCount)
	require.Nil(t, sources[1].LastFetched)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSourceHealthFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE sources").
		WithArgs("src-1", "connection refused", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateSourceHealth(context.Background(), "src-1", ingest.HealthUpdate{Err: "connection refused"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSourceHealthSuccessAdvancesKey(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE sources").
		WithArgs("src-1", "g1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateSourceHealth(context.Background(), "src-1", ingest.HealthUpdate{LastKey: "g1"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSourceHealthUnknownSource(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE sources").
		WithArgs("missing", "boom", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateSourceHealth(context.Background(), "missing", ingest.HealthUpdate{Err: "boom"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestInsertItemIfAbsent(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	published := time.Unix(1_699_999_000, 0).UTC()
	item := ingest.Item{
		ID:             "item-1",
		SourceID:       "src-1",
		SiteID:         "site-1",
		DedupeKey:      "g1",
		URL:            "https://example.com/posts/1",
		Title:          "Post one",
		PublishedAt:    published,
		DiscoveredAt:   published.Add(time.Minute),
		PublishHour:    published.Hour(),
		PublishWeekday: int(published.Weekday()),
	}

	mock.ExpectExec("INSERT INTO items").
		WithArgs(
			item.ID, item.SourceID, item.SiteID, item.DedupeKey, item.URL,
			item.Title, item.Niche, item.PublishedAt, item.DiscoveredAt,
			item.PublishHour, item.PublishWeekday, item.Extracted, []byte(`{}`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := store.InsertItemIfAbsent(context.Background(), item)
	require.NoError(t, err)
	require.True(t, inserted)

	// A conflicting dedupe key affects zero rows and reports no insert.
	mock.ExpectExec("INSERT INTO items").
		WithArgs(
			item.ID, item.SourceID, item.SiteID, item.DedupeKey, item.URL,
			item.Title, item.Niche, item.PublishedAt, item.DiscoveredAt,
			item.PublishHour, item.PublishWeekday, item.Extracted, []byte(`{}`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err = store.InsertItemIfAbsent(context.Background(), item)
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemExistsByKey(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("g1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := store.ItemExistsByKey(context.Background(), "g1")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTerminalCountsAttempt(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE queue_entries").
		WithArgs("item-1", "completed", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.MarkTerminal(context.Background(), "item-1", ingest.QueueStatusCompleted, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTerminalRejectsPendingStatus(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)

	err := store.MarkTerminal(context.Background(), "item-1", ingest.QueueStatusPending, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not terminal")
}

func TestMarkTerminalAlreadyTerminal(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE queue_entries").
		WithArgs("item-1", "error", "boom", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.MarkTerminal(context.Background(), "item-1", ingest.QueueStatusError, "boom")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not pending")
}

func TestEnqueueIsIdempotent(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO queue_entries").
		WithArgs("item-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO queue_entries").
		WithArgs("item-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.Enqueue(context.Background(), "item-1"))
	require.NoError(t, store.Enqueue(context.Background(), "item-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingWithLimit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT item_id FROM queue_entries").
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"item_id"}).AddRow("item-1").AddRow("item-2"))

	ids, err := store.ListPending(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, []string{"item-1", "item-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStatsAggregates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\), COUNT\(\*\) FILTER \(WHERE extracted\) FROM items`).
		WillReturnRows(pgxmock.NewRows([]string{"count", "extracted"}).AddRow(10, 7))
	mock.ExpectQuery("FROM queue_entries").
		WillReturnRows(pgxmock.NewRows([]string{"pending", "completed", "error"}).AddRow(2, 7, 1))
	mock.ExpectQuery("FROM sources GROUP BY status").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).AddRow("active", 4).AddRow("dead", 1))
	mock.ExpectQuery("FROM items WHERE niche").
		WillReturnRows(pgxmock.NewRows([]string{"niche", "count"}).AddRow("finance", 6))

	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, stats.TotalItems)
	require.Equal(t, 7, stats.ExtractedItems)
	require.Equal(t, 2, stats.PendingQueue)
	require.Equal(t, 1, stats.ErroredQueue)
	require.Equal(t, 4, stats.SourcesByStatus["active"])
	require.Equal(t, 6, stats.ItemsByNiche["finance"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStatsQueryError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\), COUNT\(\*\) FILTER \(WHERE extracted\) FROM items`).
		WillReturnError(errors.New("connection reset"))

	_, err := store.GetStats(context.Background())
	require.Error(t, err)
}

func TestEnsureSchemaRunsAllStatements(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sources").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS items").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue_entries").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_sources_status").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_items_dedupe_key").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_queue_status_queued").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
