// Package memory provides an in-memory store implementation for
// development and testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/feedhound/feedhound/internal/ingest"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Store implements ingest.Store entirely in process memory.
type Store struct {
	mu         sync.RWMutex
	sources    map[string]ingest.Source
	items      map[string]ingest.Item
	itemsByKey map[string]string
	queue      map[string]ingest.QueueEntry
	order      []string

	now func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sources:    make(map[string]ingest.Source),
		items:      make(map[string]ingest.Item),
		itemsByKey: make(map[string]string),
		queue:      make(map[string]ingest.QueueEntry),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateSource registers a source. Re-registering an existing ID is a
// no-op so seeders stay idempotent.
func (s *Store) CreateSource(_ context.Context, source ingest.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[source.ID]; exists {
		return nil
	}
	if source.Status == "" {
		source.Status = ingest.SourceStatusActive
	}
	s.sources[source.ID] = source
	return nil
}

// ListSourcesByStatus returns sources whose status matches any of the
// provided statuses, in stable ID order.
func (s *Store) ListSourcesByStatus(_ context.Context, statuses []ingest.SourceStatus) ([]ingest.Source, error) {
	wanted := make(map[ingest.SourceStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Source
	for _, source := range s.sources {
		if wanted[source.Status] {
			out = append(out, source)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateSourceHealth applies one poll outcome: a success resets the error
// count (and may advance the last-seen key); a failure increments it and
// moves status through error and dead, one way only.
func (s *Store) UpdateSourceHealth(_ context.Context, sourceID string, update ingest.HealthUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.sources[sourceID]
	if !ok {
		return ErrNotFound
	}

	now := s.now()
	source.LastFetched = &now
	if update.Err != "" {
		source.ErrorCount++
		source.LastError = update.Err
		source.Status = ingest.StatusForErrorCount(source.ErrorCount)
	} else {
		source.ErrorCount = 0
		source.LastError = ""
		if source.Status != ingest.SourceStatusDead {
			source.Status = ingest.SourceStatusActive
		}
		if update.LastKey != "" {
			source.LastKey = update.LastKey
		}
	}
	s.sources[sourceID] = source
	return nil
}

// InsertItemIfAbsent inserts the item unless its dedupe key is taken.
func (s *Store) InsertItemIfAbsent(_ context.Context, item ingest.Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.itemsByKey[item.DedupeKey]; exists {
		return false, nil
	}
	s.items[item.ID] = item
	s.itemsByKey[item.DedupeKey] = item.ID
	return true, nil
}

// ItemExistsByKey reports whether any item carries the dedupe key.
func (s *Store) ItemExistsByKey(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.itemsByKey[key]
	return exists, nil
}

// GetItem fetches an item by ID.
func (s *Store) GetItem(_ context.Context, itemID string) (ingest.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return ingest.Item{}, ErrNotFound
	}
	return item, nil
}

// MarkItemExtracted flips the extraction flag.
func (s *Store) MarkItemExtracted(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return ErrNotFound
	}
	item.Extracted = true
	s.items[itemID] = item
	return nil
}

// Enqueue creates the pending queue entry for an item, once.
func (s *Store) Enqueue(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queue[itemID]; exists {
		return nil
	}
	s.queue[itemID] = ingest.QueueEntry{
		ItemID:   itemID,
		Status:   ingest.QueueStatusPending,
		QueuedAt: s.now(),
	}
	s.order = append(s.order, itemID)
	return nil
}

// ListPending returns up to limit pending item IDs in enqueue order.
func (s *Store) ListPending(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range s.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		if entry, ok := s.queue[id]; ok && entry.Status == ingest.QueueStatusPending {
			out = append(out, id)
		}
	}
	return out, nil
}

// MarkTerminal moves a queue entry to completed or error, incrementing the
// retry count exactly once.
func (s *Store) MarkTerminal(_ context.Context, itemID string, status ingest.QueueStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.queue[itemID]
	if !ok {
		return ErrNotFound
	}
	if status != ingest.QueueStatusCompleted && status != ingest.QueueStatusError {
		return errors.New("status is not terminal")
	}
	if entry.Status != ingest.QueueStatusPending {
		return errors.New("queue entry is not pending")
	}
	now := s.now()
	entry.Status = status
	entry.LastError = errText
	entry.RetryCount++
	entry.ProcessedAt = &now
	s.queue[itemID] = entry
	return nil
}

// GetEntry returns the queue entry for an item (test helper).
func (s *Store) GetEntry(itemID string) (ingest.QueueEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.queue[itemID]
	return entry, ok
}

// GetSource returns a source snapshot (test helper).
func (s *Store) GetSource(sourceID string) (ingest.Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	source, ok := s.sources[sourceID]
	return source, ok
}

// GetStats assembles the read-only counters snapshot.
func (s *Store) GetStats(_ context.Context) (ingest.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := ingest.Stats{
		SourcesByStatus: make(map[string]int),
		ItemsByNiche:    make(map[string]int),
	}
	for _, source := range s.sources {
		stats.SourcesByStatus[string(source.Status)]++
	}
	for _, item := range s.items {
		stats.TotalItems++
		if item.Extracted {
			stats.ExtractedItems++
		}
		if item.Niche != "" {
			stats.ItemsByNiche[item.Niche]++
		}
	}
	for _, entry := range s.queue {
		switch entry.Status {
		case ingest.QueueStatusPending:
			stats.PendingQueue++
		case ingest.QueueStatusCompleted:
			stats.CompletedQueue++
		case ingest.QueueStatusError:
			stats.ErroredQueue++
		}
	}
	return stats, nil
}
