// Package queue drains pending extraction work through a bounded worker
// pool. Every attempted queue entry reaches a terminal state exactly once;
// failed extractions are recorded, never retried. Entries the drain never
// attempts stay pending.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedhound/feedhound/internal/ingest"
	"github.com/feedhound/feedhound/internal/metrics"
)

// ResourceExtraction is the rate-limiter resource guarding extraction calls.
const ResourceExtraction = "extraction"

// Config controls drain fan-out.
type Config struct {
	Workers int
	Topic   string
}

const defaultWorkers = 5

// Drainer consumes pending queue entries and hands each item to the
// extraction collaborator.
type Drainer struct {
	store     ingest.Store
	extractor ingest.Extractor
	limiter   ingest.Limiter
	publisher ingest.Publisher
	clock     ingest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Drainer.
func New(
	store ingest.Store,
	extractor ingest.Extractor,
	limiter ingest.Limiter,
	publisher ingest.Publisher,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Drainer {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{
		store:     store,
		extractor: extractor,
		limiter:   limiter,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// jobOutcome classifies one worker attempt. The zero value means the entry
// was never attempted and stays pending; err is a persistence failure that
// aborts the drain.
type jobOutcome struct {
	processed bool
	failed    bool
	err       error
}

// Drain takes a snapshot of pending entries, fans them out to the worker
// pool, and blocks until every fed entry has an outcome. Entries enqueued
// after the snapshot wait for the next drain. limit <= 0 drains everything
// pending. Cancellation stops the feed and leaves unattempted entries
// pending; persistence failures abort the drain with an error.
func (d *Drainer) Drain(ctx context.Context, limit int) (ingest.DrainResult, error) {
	start := d.clock.Now()

	pending, err := d.store.ListPending(ctx, limit)
	if err != nil {
		return ingest.DrainResult{}, fmt.Errorf("list pending queue: %w", err)
	}
	if len(pending) == 0 {
		return ingest.DrainResult{Duration: d.clock.Now().Sub(start)}, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan string)
	results := make(chan jobOutcome, len(pending))

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			for itemID := range jobs {
				out := d.processItem(runCtx, itemID)
				if out.err != nil {
					cancel()
				}
				results <- out
			}
		}()
	}

feed:
	for _, itemID := range pending {
		select {
		case jobs <- itemID:
		case <-runCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	result := ingest.DrainResult{}
	var firstErr error
	for out := range results {
		switch {
		case out.err != nil:
			if firstErr == nil {
				firstErr = out.err
			}
		case out.processed:
			result.Processed++
		case out.failed:
			result.Failed++
		}
	}
	result.Skipped = len(pending) - result.Processed - result.Failed
	result.Duration = d.clock.Now().Sub(start)
	if firstErr != nil {
		return result, firstErr
	}

	d.logger.Info("queue drain complete",
		zap.Int("processed", result.Processed),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// processItem runs one extraction and records the terminal state.
func (d *Drainer) processItem(ctx context.Context, itemID string) jobOutcome {
	if ctx.Err() != nil {
		return jobOutcome{}
	}

	item, err := d.store.GetItem(ctx, itemID)
	if err != nil {
		return d.storeFailure(ctx, fmt.Errorf("load item %s: %w", itemID, err))
	}

	if err := d.limiter.Acquire(ctx, ResourceExtraction, 1); err != nil {
		if ctx.Err() != nil {
			return jobOutcome{}
		}
		return d.failEntry(ctx, itemID, fmt.Sprintf("acquire quota: %v", err))
	}

	extractStart := d.clock.Now()
	err = d.extractor.Extract(ctx, item.ID, item.URL, item.Title)
	metrics.ObserveExtractionDuration(d.clock.Now().Sub(extractStart))

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return jobOutcome{}
		}
		d.logger.Warn("extraction failed",
			zap.String("item_id", item.ID),
			zap.String("url", item.URL),
			zap.Error(err),
		)
		return d.failEntry(ctx, itemID, err.Error())
	}

	if err := d.store.MarkItemExtracted(ctx, item.ID); err != nil {
		return d.storeFailure(ctx, fmt.Errorf("mark item extracted %s: %w", item.ID, err))
	}
	if err := d.markTerminal(ctx, itemID, ingest.QueueStatusCompleted, ""); err != nil {
		return d.storeFailure(ctx, err)
	}
	d.publishCompletion(ctx, item)
	return jobOutcome{processed: true}
}

// storeFailure classifies a persistence error. During shutdown the entry is
// left pending for the next drain; otherwise the error aborts the drain.
func (d *Drainer) storeFailure(ctx context.Context, err error) jobOutcome {
	if ctx.Err() != nil {
		return jobOutcome{}
	}
	return jobOutcome{err: err}
}

func (d *Drainer) failEntry(ctx context.Context, itemID, errText string) jobOutcome {
	if err := d.markTerminal(ctx, itemID, ingest.QueueStatusError, errText); err != nil {
		return d.storeFailure(ctx, err)
	}
	return jobOutcome{failed: true}
}

func (d *Drainer) markTerminal(ctx context.Context, itemID string, status ingest.QueueStatus, errText string) error {
	if err := d.store.MarkTerminal(ctx, itemID, status, errText); err != nil {
		return fmt.Errorf("mark queue entry %s %s: %w", itemID, status, err)
	}
	metrics.ObserveQueueTerminal(string(status))
	return nil
}

// publishCompletion notifies downstream consumers that an item's content is
// available. Failures are logged, never fatal.
func (d *Drainer) publishCompletion(ctx context.Context, item ingest.Item) {
	if d.publisher == nil || d.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"event":     "item_extracted",
		"item_id":   item.ID,
		"source_id": item.SourceID,
		"url":       item.URL,
		"extracted": d.clock.Now().UTC().Format(time.RFC3339),
	}
	if _, err := d.publisher.Publish(ctx, d.cfg.Topic, payload); err != nil {
		d.logger.Warn("publish completion failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}
