// Package postgres provides the Postgres-backed persistence layer for the
// ingestion pipeline.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedhound/feedhound/internal/ingest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements ingest.Store on top of Postgres.
type Store struct {
	pool dbPool
	now  func() time.Time
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the pipeline tables and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	feed_url TEXT NOT NULL,
	site_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	last_key TEXT NOT NULL DEFAULT '',
	error_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	last_fetched TIMESTAMPTZ,
	fetch_interval_seconds INTEGER NOT NULL DEFAULT 0
)`,
		`CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	site_id TEXT NOT NULL DEFAULT '',
	dedupe_key TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	title TEXT NOT NULL,
	niche TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ NOT NULL,
	discovered_at TIMESTAMPTZ NOT NULL,
	publish_hour INTEGER NOT NULL,
	publish_weekday INTEGER NOT NULL,
	extracted BOOLEAN NOT NULL DEFAULT FALSE,
	metrics JSONB NOT NULL DEFAULT '{}'::jsonb
)`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
	item_id TEXT PRIMARY KEY REFERENCES items(id),
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	queued_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS idx_sources_status ON sources (status)`,
		`CREATE INDEX IF NOT EXISTS idx_items_dedupe_key ON items (dedupe_key)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status_queued ON queue_entries (status, queued_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateSource registers a feed source. Re-registering an existing ID is a
// no-op so seeders stay idempotent.
func (s *Store) CreateSource(ctx context.Context, source ingest.Source) error {
	if source.ID == "" {
		return fmt.Errorf("source id is required")
	}
	status := source.Status
	if status == "" {
		status = ingest.SourceStatusActive
	}
	query := `
INSERT INTO sources (id, feed_url, site_id, kind, status, last_key, error_count, last_error, fetch_interval_seconds)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		source.ID,
		source.FeedURL,
		source.SiteID,
		source.Kind,
		string(status),
		source.LastKey,
		source.ErrorCount,
		source.LastError,
		int(source.FetchInterval/time.Second),
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// ListSourcesByStatus returns sources whose status matches any of the given
// values, oldest-fetched first.
func (s *Store) ListSourcesByStatus(ctx context.Context, statuses []ingest.SourceStatus) ([]ingest.Source, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	query := `
SELECT id, feed_url, site_id, kind, status, last_key, error_count, last_error, last_fetched, fetch_interval_seconds
FROM sources
WHERE status = ANY($1)
ORDER BY last_fetched NULLS FIRST, id`
	rows, err := s.pool.Query(ctx, query, values)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []ingest.Source
	for rows.Next() {
		var (
			src             ingest.Source
			status          string
			lastFetched     *time.Time
			intervalSeconds int
		)
		if err := rows.Scan(
			&src.ID, &src.FeedURL, &src.SiteID, &src.Kind, &status,
			&src.LastKey, &src.ErrorCount, &src.LastError, &lastFetched, &intervalSeconds,
		); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.Status = ingest.SourceStatus(status)
		src.LastFetched = lastFetched
		src.FetchInterval = time.Duration(intervalSeconds) * time.Second
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return sources, nil
}

// UpdateSourceHealth applies the outcome of one poll attempt. A success
// resets the consecutive-error count; a failure increments it and degrades
// the status at the fixed thresholds. Dead sources never come back.
func (s *Store) UpdateSourceHealth(ctx context.Context, sourceID string, update ingest.HealthUpdate) error {
	now := s.now()
	if update.Err != "" {
		query := fmt.Sprintf(`
UPDATE sources
SET error_count = error_count + 1,
	last_error = $2,
	last_fetched = $3,
	status = CASE
		WHEN error_count + 1 >= %d THEN 'dead'
		WHEN error_count + 1 >= %d THEN 'error'
		ELSE status
	END
WHERE id = $1`, ingest.DeadStatusThreshold, ingest.ErrorStatusThreshold)
		tag, err := s.pool.Exec(ctx, query, sourceID, update.Err, now)
		if err != nil {
			return fmt.Errorf("record source failure: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("source %s not found", sourceID)
		}
		return nil
	}

	query := `
UPDATE sources
SET error_count = 0,
	last_error = '',
	last_fetched = $3,
	last_key = COALESCE(NULLIF($2, ''), last_key),
	status = CASE WHEN status = 'dead' THEN 'dead' ELSE 'active' END
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, sourceID, update.LastKey, now)
	if err != nil {
		return fmt.Errorf("record source success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s not found", sourceID)
	}
	return nil
}

// InsertItemIfAbsent inserts the item unless its dedupe key is already
// known. It reports whether a row was written.
func (s *Store) InsertItemIfAbsent(ctx context.Context, item ingest.Item) (bool, error) {
	if item.ID == "" {
		return false, fmt.Errorf("item id is required")
	}
	if item.DedupeKey == "" {
		return false, fmt.Errorf("item dedupe key is required")
	}
	metricsJSON, err := json.Marshal(itemMetrics(item.Metrics))
	if err != nil {
		return false, fmt.Errorf("marshal item metrics: %w", err)
	}
	query := `
INSERT INTO items (id, source_id, site_id, dedupe_key, url, title, niche, published_at, discovered_at, publish_hour, publish_weekday, extracted, metrics)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (dedupe_key) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query,
		item.ID,
		item.SourceID,
		item.SiteID,
		item.DedupeKey,
		item.URL,
		item.Title,
		item.Niche,
		item.PublishedAt,
		item.DiscoveredAt,
		item.PublishHour,
		item.PublishWeekday,
		item.Extracted,
		metricsJSON,
	)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ItemExistsByKey reports whether any item carries the dedupe key.
func (s *Store) ItemExistsByKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM items WHERE dedupe_key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dedupe key: %w", err)
	}
	return exists, nil
}

// GetItem loads one item by ID.
func (s *Store) GetItem(ctx context.Context, itemID string) (ingest.Item, error) {
	query := `
SELECT id, source_id, site_id, dedupe_key, url, title, niche, published_at, discovered_at, publish_hour, publish_weekday, extracted, metrics
FROM items
WHERE id = $1`
	var (
		item        ingest.Item
		metricsJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, itemID).Scan(
		&item.ID, &item.SourceID, &item.SiteID, &item.DedupeKey, &item.URL,
		&item.Title, &item.Niche, &item.PublishedAt, &item.DiscoveredAt,
		&item.PublishHour, &item.PublishWeekday, &item.Extracted, &metricsJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Item{}, fmt.Errorf("item %s not found", itemID)
	}
	if err != nil {
		return ingest.Item{}, fmt.Errorf("get item: %w", err)
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &item.Metrics); err != nil {
			return ingest.Item{}, fmt.Errorf("unmarshal item metrics: %w", err)
		}
	}
	return item, nil
}

// MarkItemExtracted flips the extracted flag on an item.
func (s *Store) MarkItemExtracted(ctx context.Context, itemID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE items SET extracted = TRUE WHERE id = $1`, itemID)
	if err != nil {
		return fmt.Errorf("mark item extracted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s not found", itemID)
	}
	return nil
}

// Enqueue creates the pending queue entry for an item. Enqueuing an item
// that already has an entry is a no-op.
func (s *Store) Enqueue(ctx context.Context, itemID string) error {
	query := `
INSERT INTO queue_entries (item_id, status, queued_at)
VALUES ($1, 'pending', $2)
ON CONFLICT (item_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, itemID, s.now()); err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	return nil
}

// ListPending returns pending item IDs in enqueue order. limit <= 0 returns
// everything pending.
func (s *Store) ListPending(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT item_id FROM queue_entries WHERE status = 'pending' ORDER BY queued_at, item_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending queue: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return ids, nil
}

// MarkTerminal moves a pending entry to its terminal state and counts the
// attempt. Entries already terminal are left untouched.
func (s *Store) MarkTerminal(ctx context.Context, itemID string, status ingest.QueueStatus, errText string) error {
	if status != ingest.QueueStatusCompleted && status != ingest.QueueStatusError {
		return fmt.Errorf("status %q is not terminal", status)
	}
	query := `
UPDATE queue_entries
SET status = $2,
	last_error = $3,
	retry_count = retry_count + 1,
	processed_at = $4
WHERE item_id = $1 AND status = 'pending'`
	tag, err := s.pool.Exec(ctx, query, itemID, string(status), errText, s.now())
	if err != nil {
		return fmt.Errorf("mark queue entry terminal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %s not pending", itemID)
	}
	return nil
}

// GetStats aggregates pipeline totals for the stats endpoint.
func (s *Store) GetStats(ctx context.Context) (ingest.Stats, error) {
	stats := ingest.Stats{
		SourcesByStatus: map[string]int{},
		ItemsByNiche:    map[string]int{},
	}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE extracted) FROM items`,
	).Scan(&stats.TotalItems, &stats.ExtractedItems)
	if err != nil {
		return ingest.Stats{}, fmt.Errorf("count items: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'error')
FROM queue_entries`,
	).Scan(&stats.PendingQueue, &stats.CompletedQueue, &stats.ErroredQueue)
	if err != nil {
		return ingest.Stats{}, fmt.Errorf("count queue entries: %w", err)
	}

	if err := s.countGrouped(ctx, `SELECT status, COUNT(*) FROM sources GROUP BY status`, stats.SourcesByStatus); err != nil {
		return ingest.Stats{}, err
	}
	if err := s.countGrouped(ctx, `SELECT niche, COUNT(*) FROM items WHERE niche <> '' GROUP BY niche`, stats.ItemsByNiche); err != nil {
		return ingest.Stats{}, err
	}
	return stats, nil
}

func (s *Store) countGrouped(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("count grouped: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan grouped count: %w", err)
		}
		into[key] = count
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate grouped counts: %w", err)
	}
	return nil
}

func itemMetrics(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
