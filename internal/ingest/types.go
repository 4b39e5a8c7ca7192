// Package ingest defines core types shared across the ingestion pipeline.
package ingest

import (
	"time"
)

// SourceStatus represents the health state of a polled feed source.
type SourceStatus string

// Source status values persisted in the source registry. A dead source is
// permanently excluded from polling; nothing resurrects it.
const (
	SourceStatusActive SourceStatus = "active"
	SourceStatusStale  SourceStatus = "stale"
	SourceStatusError  SourceStatus = "error"
	SourceStatusDead   SourceStatus = "dead"
)

// Error-count thresholds for the one-way status transition rule.
const (
	ErrorStatusThreshold = 3
	DeadStatusThreshold  = 10
)

// StatusForErrorCount maps a consecutive-error count to a source status.
func StatusForErrorCount(count int) SourceStatus {
	switch {
	case count >= DeadStatusThreshold:
		return SourceStatusDead
	case count >= ErrorStatusThreshold:
		return SourceStatusError
	default:
		return SourceStatusActive
	}
}

// Source is one polled feed endpoint with independent health tracking.
type Source struct {
	ID            string        `json:"id"`
	FeedURL       string        `json:"feed_url"`
	SiteID        string        `json:"site_id"`
	Kind          string        `json:"kind"`
	Status        SourceStatus  `json:"status"`
	LastKey       string        `json:"last_key,omitempty"`
	ErrorCount    int           `json:"error_count"`
	LastError     string        `json:"last_error,omitempty"`
	LastFetched   *time.Time    `json:"last_fetched,omitempty"`
	FetchInterval time.Duration `json:"fetch_interval"`
}

// Item is the canonical record of one ingested feed entry. DedupeKey is
// globally unique; an Item is created exactly once no matter how many poll
// cycles observe the same entry.
type Item struct {
	ID             string         `json:"id"`
	SourceID       string         `json:"source_id"`
	SiteID         string         `json:"site_id"`
	DedupeKey      string         `json:"dedupe_key"`
	URL            string         `json:"url"`
	Title          string         `json:"title"`
	Niche          string         `json:"niche,omitempty"`
	PublishedAt    time.Time      `json:"published_at"`
	DiscoveredAt   time.Time      `json:"discovered_at"`
	PublishHour    int            `json:"publish_hour"`
	PublishWeekday int            `json:"publish_weekday"`
	Extracted      bool           `json:"extracted"`
	Metrics        map[string]int `json:"metrics,omitempty"`
}

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

// Queue entry states. An entry reaches a terminal state exactly once and is
// never re-enqueued.
const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusError     QueueStatus = "error"
)

// QueueEntry tracks pending extraction work for one Item. Exactly one entry
// exists per Item, created at Item-creation time.
type QueueEntry struct {
	ItemID      string      `json:"item_id"`
	Status      QueueStatus `json:"status"`
	RetryCount  int         `json:"retry_count"`
	LastError   string      `json:"last_error,omitempty"`
	QueuedAt    time.Time   `json:"queued_at"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
}

// HealthUpdate carries the outcome of one poll attempt against a source.
// Exactly one of the two shapes applies: a successful poll (Err empty,
// LastKey optionally advanced) or a failed one (Err set).
type HealthUpdate struct {
	LastKey string
	Err     string
}

// Stats is the read-only snapshot returned by Store.GetStats.
type Stats struct {
	TotalItems      int            `json:"total_items"`
	ExtractedItems  int            `json:"extracted_items"`
	PendingQueue    int            `json:"pending_queue"`
	CompletedQueue  int            `json:"completed_queue"`
	ErroredQueue    int            `json:"errored_queue"`
	SourcesByStatus map[string]int `json:"sources_by_status"`
	ItemsByNiche    map[string]int `json:"items_by_niche"`
}

// PollResult summarizes one poller invocation.
type PollResult struct {
	SourcesPolled int
	SourcesFailed int
	NewItems      []Item
	Duration      time.Duration
}

// DrainResult summarizes one queue drain. Skipped counts snapshot entries
// that were never attempted because the drain was interrupted; they stay
// pending and are picked up by the next drain.
type DrainResult struct {
	Processed int
	Failed    int
	Skipped   int
	Duration  time.Duration
}
