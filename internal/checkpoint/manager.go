// Package checkpoint derives per-stream crawl windows and advances them after
// successful passes.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
	"github.com/JakeFAU/journal-crawler/internal/metrics"
)

// DefaultLookback is the window length used for streams without history.
const DefaultLookback = 7 * 24 * time.Hour

// Manager reads and commits stream checkpoints.
type Manager struct {
	store    crawler.CheckpointStore
	articles crawler.ArticleStore
	clock    crawler.Clock
	lookback time.Duration
	override *crawler.Window
	logger   *zap.Logger
}

// NewManager builds a Manager. articles may be nil, in which case streams
// without a checkpoint start from the lookback window.
func NewManager(
	store crawler.CheckpointStore,
	articles crawler.ArticleStore,
	clock crawler.Clock,
	lookback time.Duration,
	logger *zap.Logger,
) *Manager {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		articles: articles,
		clock:    clock,
		lookback: lookback,
		logger:   logger,
	}
}

// WithOverride returns a copy of m that hands out w for every stream.
func (m *Manager) WithOverride(w crawler.Window) *Manager {
	cp := *m
	cp.override = &w
	return &cp
}

// NextWindow returns the window the next pass of stream should cover.
func (m *Manager) NextWindow(ctx context.Context, stream crawler.Stream) (time.Time, time.Time, error) {
	now := m.clock.Now().UTC()
	key := stream.Key()
	switch {
	case m.override != nil:
		return m.override.Start, m.override.End, nil
	case stream.Window != nil:
		return stream.Window.Start, stream.Window.End, nil
	}

	at, err := m.store.Checkpoint(ctx, key)
	switch {
	case err == nil:
		return at, now, nil
	case !errors.Is(err, crawler.ErrNoCheckpoint):
		return time.Time{}, time.Time{}, fmt.Errorf("read checkpoint %s: %w", key, err)
	}

	if m.articles != nil {
		maxDate, err := m.articles.MaxDate(ctx, key)
		switch {
		case err == nil:
			m.logger.Info("checkpoint seeded from stored items",
				zap.String("stream", key),
				zap.Time("max_date", maxDate),
			)
			return maxDate, now, nil
		case !errors.Is(err, crawler.ErrNoCheckpoint):
			return time.Time{}, time.Time{}, fmt.Errorf("read max date %s: %w", key, err)
		}
	}
	return now.Add(-m.lookback), now, nil
}

// Commit advances the checkpoint of stream to seen. Stores keep the later of
// the current value and seen, so a commit never moves a checkpoint backwards.
// A zero seen is a no-op.
func (m *Manager) Commit(ctx context.Context, stream crawler.Stream, seen time.Time) error {
	if seen.IsZero() {
		return nil
	}
	key := stream.Key()
	if err := m.store.AdvanceCheckpoint(ctx, key, seen.UTC()); err != nil {
		return fmt.Errorf("advance checkpoint %s: %w", key, err)
	}
	metrics.ObserveCheckpoint(key, seen)
	m.logger.Debug("checkpoint committed", zap.String("stream", key), zap.Time("at", seen))
	return nil
}
