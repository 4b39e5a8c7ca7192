// Package poller implements periodic feed polling with duplicate suppression
// and source health tracking.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/feedhound/feedhound/internal/ingest"
	"github.com/feedhound/feedhound/internal/metrics"
)

// ResourceFeedFetch is the rate-limiter resource guarding outbound feed
// requests.
const ResourceFeedFetch = "feed_fetch"

// Config controls batching and timeouts for one poll pass.
type Config struct {
	BatchSize    int
	FetchTimeout time.Duration
	BatchPause   time.Duration
	Topic        string
}

const (
	defaultBatchSize    = 20
	defaultFetchTimeout = 10 * time.Second
	defaultBatchPause   = 2 * time.Second
)

// Poller runs one bounded polling pass over all live sources per invocation.
type Poller struct {
	store     ingest.Store
	fetcher   ingest.FeedFetcher
	limiter   ingest.Limiter
	publisher ingest.Publisher
	idGen     ingest.IDGenerator
	clock     ingest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Poller.
func New(
	store ingest.Store,
	fetcher ingest.FeedFetcher,
	limiter ingest.Limiter,
	publisher ingest.Publisher,
	idGen ingest.IDGenerator,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = defaultBatchPause
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:     store,
		fetcher:   fetcher,
		limiter:   limiter,
		publisher: publisher,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// sourceOutcome carries the result of polling a single source. fetchErr
// covers fetch and parse failures and only degrades source health; storeErr
// is a persistence failure and aborts the whole pass.
type sourceOutcome struct {
	source   ingest.Source
	newItems []ingest.Item
	fetchErr error
	storeErr error
}

// Poll performs one pass: load live sources, fetch them in concurrent
// batches, detect new items, and update source health. A single source's
// fetch or parse failure never aborts the pass; store failures do.
func (p *Poller) Poll(ctx context.Context) (ingest.PollResult, error) {
	start := p.clock.Now()

	sources, err := p.store.ListSourcesByStatus(ctx, []ingest.SourceStatus{
		ingest.SourceStatusActive,
		ingest.SourceStatusError,
	})
	if err != nil {
		return ingest.PollResult{}, fmt.Errorf("list sources: %w", err)
	}
	if len(sources) == 0 {
		p.logger.Info("no live sources to poll")
		return ingest.PollResult{Duration: p.clock.Now().Sub(start)}, nil
	}

	result := ingest.PollResult{SourcesPolled: len(sources)}

	for offset := 0; offset < len(sources); offset += p.cfg.BatchSize {
		end := offset + p.cfg.BatchSize
		if end > len(sources) {
			end = len(sources)
		}
		batch := sources[offset:end]

		outcomes := p.pollBatch(ctx, batch)
		for _, outcome := range outcomes {
			if outcome.storeErr != nil {
				return ingest.PollResult{}, fmt.Errorf("poll source %s: %w", outcome.source.ID, outcome.storeErr)
			}
			if err := p.recordOutcome(ctx, outcome, &result); err != nil {
				return ingest.PollResult{}, err
			}
		}

		if end < len(sources) && p.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return ingest.PollResult{}, fmt.Errorf("poll interrupted: %w", ctx.Err())
			case <-time.After(p.cfg.BatchPause):
			}
		}
	}

	result.Duration = p.clock.Now().Sub(start)
	metrics.ObserveItemsDetected(len(result.NewItems))
	p.logger.Info("poll pass complete",
		zap.Int("sources", result.SourcesPolled),
		zap.Int("failed", result.SourcesFailed),
		zap.Int("new_items", len(result.NewItems)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// pollBatch fetches a batch of sources concurrently and gathers all
// outcomes before returning. Batches never overlap.
func (p *Poller) pollBatch(ctx context.Context, batch []ingest.Source) []sourceOutcome {
	outcomes := make([]sourceOutcome, len(batch))
	var wg sync.WaitGroup
	for i, source := range batch {
		wg.Add(1)
		go func(i int, source ingest.Source) {
			defer wg.Done()
			outcomes[i] = p.pollSource(ctx, source)
		}(i, source)
	}
	wg.Wait()
	return outcomes
}

func (p *Poller) pollSource(ctx context.Context, source ingest.Source) sourceOutcome {
	outcome := sourceOutcome{source: source}

	if err := p.limiter.Acquire(ctx, ResourceFeedFetch, 1); err != nil {
		outcome.fetchErr = err
		return outcome
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	body, err := p.fetcher.Fetch(fetchCtx, source.FeedURL)
	if err != nil {
		outcome.fetchErr = err
		return outcome
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil || feed == nil {
		// A feed that cannot be parsed at all is treated as a failed fetch.
		outcome.fetchErr = fmt.Errorf("parse feed: %w", err)
		return outcome
	}

	outcome.newItems, outcome.storeErr = p.scanEntries(ctx, source, feed)
	return outcome
}

// scanEntries walks feed entries in document order (assumed newest first)
// and creates Items and QueueEntries for unseen dedupe keys. Scanning stops
// at the source's last-seen key; entries past that point are ignored.
func (p *Poller) scanEntries(ctx context.Context, source ingest.Source, feed *gofeed.Feed) ([]ingest.Item, error) {
	var newItems []ingest.Item

	for _, entry := range feed.Items {
		key := dedupeKey(entry)
		if key == "" {
			continue
		}
		if key == source.LastKey {
			break
		}

		// Defensive duplicate check, independent of the early exit above:
		// feeds replay history and reorder entries.
		exists, err := p.store.ItemExistsByKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check dedupe key: %w", err)
		}
		if exists {
			continue
		}

		item, err := p.buildItem(source, key, entry)
		if err != nil {
			return nil, err
		}
		inserted, err := p.store.InsertItemIfAbsent(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("insert item: %w", err)
		}
		if !inserted {
			continue
		}
		if err := p.store.Enqueue(ctx, item.ID); err != nil {
			return nil, fmt.Errorf("enqueue item: %w", err)
		}
		newItems = append(newItems, item)
	}

	return newItems, nil
}

func (p *Poller) buildItem(source ingest.Source, key string, entry *gofeed.Item) (ingest.Item, error) {
	id, err := p.idGen.NewID()
	if err != nil {
		return ingest.Item{}, fmt.Errorf("generate item id: %w", err)
	}

	now := p.clock.Now()
	published := now
	if entry.PublishedParsed != nil {
		published = *entry.PublishedParsed
	} else if entry.UpdatedParsed != nil {
		published = *entry.UpdatedParsed
	}

	title := entry.Title
	if title == "" {
		title = "Untitled"
	}

	return ingest.Item{
		ID:             id,
		SourceID:       source.ID,
		SiteID:         source.SiteID,
		DedupeKey:      key,
		URL:            entry.Link,
		Title:          title,
		PublishedAt:    published,
		DiscoveredAt:   now,
		PublishHour:    published.Hour(),
		PublishWeekday: int(published.Weekday()),
	}, nil
}

// recordOutcome applies the health transition rule for one source and
// accounts the pass totals.
func (p *Poller) recordOutcome(ctx context.Context, outcome sourceOutcome, result *ingest.PollResult) error {
	source := outcome.source

	if outcome.fetchErr != nil {
		// An operator stop is not a feed problem. The source keeps its
		// health and error count and is simply retried next pass.
		if ctx.Err() != nil && errors.Is(outcome.fetchErr, context.Canceled) {
			p.logger.Debug("source poll interrupted", zap.String("source_id", source.ID))
			return nil
		}
		result.SourcesFailed++
		metrics.ObserveSourcePoll("failed")
		p.logger.Warn("source poll failed",
			zap.String("source_id", source.ID),
			zap.String("feed_url", source.FeedURL),
			zap.Error(outcome.fetchErr),
		)
		if err := p.store.UpdateSourceHealth(ctx, source.ID, ingest.HealthUpdate{Err: outcome.fetchErr.Error()}); err != nil {
			return fmt.Errorf("update source health: %w", err)
		}
		return nil
	}

	metrics.ObserveSourcePoll("ok")
	update := ingest.HealthUpdate{}
	if len(outcome.newItems) > 0 {
		// The first new entry is the most recent one in the feed.
		update.LastKey = outcome.newItems[0].DedupeKey
	}
	if err := p.store.UpdateSourceHealth(ctx, source.ID, update); err != nil {
		return fmt.Errorf("update source health: %w", err)
	}

	result.NewItems = append(result.NewItems, outcome.newItems...)
	p.publishDetections(ctx, outcome.newItems)
	return nil
}

// publishDetections notifies downstream consumers about new items. Publish
// failures are logged, never fatal.
func (p *Poller) publishDetections(ctx context.Context, items []ingest.Item) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	for _, item := range items {
		payload := map[string]any{
			"event":      "item_detected",
			"item_id":    item.ID,
			"source_id":  item.SourceID,
			"dedupe_key": item.DedupeKey,
			"url":        item.URL,
			"title":      item.Title,
			"published":  item.PublishedAt.Format(time.RFC3339),
		}
		if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
			p.logger.Warn("publish detection failed", zap.String("item_id", item.ID), zap.Error(err))
		}
	}
}

// dedupeKey derives the duplicate-suppression key for a feed entry using
// the GUID when present, falling back to the entry link. gofeed folds both
// RSS guid and Atom id into GUID.
func dedupeKey(entry *gofeed.Item) string {
	if entry.GUID != "" {
		return entry.GUID
	}
	return entry.Link
}
