package ingest

import (
	"context"
	"time"
)

// SourceRegistry persists source descriptions and health state.
type SourceRegistry interface {
	CreateSource(ctx context.Context, source Source) error
	ListSourcesByStatus(ctx context.Context, statuses []SourceStatus) ([]Source, error)
	UpdateSourceHealth(ctx context.Context, sourceID string, update HealthUpdate) error
}

// ItemStore persists canonical item records keyed by dedupe key.
type ItemStore interface {
	// InsertItemIfAbsent inserts the item unless its dedupe key already
	// exists. It reports whether a row was actually written.
	InsertItemIfAbsent(ctx context.Context, item Item) (bool, error)
	ItemExistsByKey(ctx context.Context, key string) (bool, error)
	GetItem(ctx context.Context, itemID string) (Item, error)
	MarkItemExtracted(ctx context.Context, itemID string) error
}

// WorkQueue persists the pending-extraction queue.
type WorkQueue interface {
	Enqueue(ctx context.Context, itemID string) error
	ListPending(ctx context.Context, limit int) ([]string, error)
	MarkTerminal(ctx context.Context, itemID string, status QueueStatus, errText string) error
}

// Store is the full persistence surface consumed by the pipeline.
type Store interface {
	SourceRegistry
	ItemStore
	WorkQueue
	GetStats(ctx context.Context) (Stats, error)
}

// Extractor is the downstream extraction collaborator. A returned error is
// opaque failure text recorded against the queue entry; it is terminal.
type Extractor interface {
	Extract(ctx context.Context, itemID, url, title string) error
}

// Analyzer is a periodic analytics collaborator invoked by the orchestrator
// on the accumulated store.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context) error
}

// Seeder performs one-time setup work (source discovery and registration).
type Seeder interface {
	Name() string
	Seed(ctx context.Context) error
}

// FeedFetcher retrieves the raw bytes of a feed document.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Limiter admits calls against shared per-resource quotas.
type Limiter interface {
	Acquire(ctx context.Context, resource string, weight int) error
	Remaining(resource string) int
}

// Publisher pushes pipeline events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item and source IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
