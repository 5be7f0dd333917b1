// Package memory provides in-process stores for dry runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// Record is one stored article.
type Record struct {
	StreamKey string
	Item      crawler.RawItem
	Verdict   crawler.Verdict
}

// Store keeps articles, checkpoints and failures in maps. It implements
// crawler.ArticleStore, crawler.CheckpointStore and crawler.FailureRegistry.
type Store struct {
	mu          sync.RWMutex
	articles    map[string]Record
	order       []string
	checkpoints map[string]time.Time
	failures    map[string]crawler.FailureRecord
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		articles:    make(map[string]Record),
		checkpoints: make(map[string]time.Time),
		failures:    make(map[string]crawler.FailureRecord),
	}
}

// Exists reports whether identifier is stored.
func (s *Store) Exists(_ context.Context, identifier string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.articles[identifier]
	return ok, nil
}

// Insert stores item unless its identifier is already present.
func (s *Store) Insert(_ context.Context, streamKey string, item crawler.RawItem, verdict crawler.Verdict) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.articles[item.Identifier]; ok {
		return false, nil
	}
	s.articles[item.Identifier] = Record{StreamKey: streamKey, Item: item, Verdict: verdict}
	s.order = append(s.order, item.Identifier)
	return true, nil
}

// MaxDate returns the latest publication date stored for streamKey.
func (s *Store) MaxDate(_ context.Context, streamKey string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	for _, rec := range s.articles {
		if rec.StreamKey == streamKey && rec.Item.Published.After(latest) {
			latest = rec.Item.Published
		}
	}
	if latest.IsZero() {
		return time.Time{}, crawler.ErrNoCheckpoint
	}
	return latest, nil
}

// Records returns stored articles in insertion order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.articles[id])
	}
	return out
}

// Checkpoint returns the stored checkpoint for streamKey.
func (s *Store) Checkpoint(_ context.Context, streamKey string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.checkpoints[streamKey]
	if !ok {
		return time.Time{}, crawler.ErrNoCheckpoint
	}
	return at, nil
}

// AdvanceCheckpoint keeps the later of the stored value and at.
func (s *Store) AdvanceCheckpoint(_ context.Context, streamKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.checkpoints[streamKey]; !ok || at.After(current) {
		s.checkpoints[streamKey] = at
	}
	return nil
}

// RecordFailure registers a failed pass. Repeated failures bump the retry count.
func (s *Store) RecordFailure(_ context.Context, streamKey, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.failures[streamKey]
	if ok {
		rec.RetryCount++
		rec.LastRetry = at
	} else {
		rec = crawler.FailureRecord{StreamKey: streamKey}
	}
	rec.Reason = reason
	rec.FailedAt = at
	s.failures[streamKey] = rec
	return nil
}

// ClearFailure drops streamKey from the registry.
func (s *Store) ClearFailure(_ context.Context, streamKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, streamKey)
	return nil
}

// ListFailures returns the registry sorted by stream key.
func (s *Store) ListFailures(_ context.Context) ([]crawler.FailureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.FailureRecord, 0, len(s.failures))
	for _, rec := range s.failures {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out, nil
}
