package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// RecordFailures syncs the failure registry with a run: failed streams are
// recorded (bumping their retry count), succeeded streams are cleared.
func RecordFailures(ctx context.Context, registry crawler.FailureRegistry, summary crawler.RunSummary, at time.Time) error {
	var errs []error
	for _, outcome := range summary.Outcomes {
		var err error
		if outcome.Failed {
			err = registry.RecordFailure(ctx, outcome.StreamKey, outcome.FailureReason, at)
		} else {
			err = registry.ClearFailure(ctx, outcome.StreamKey)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failure registry %s: %w", outcome.StreamKey, err))
		}
	}
	return errors.Join(errs...)
}

// OnlyFailed keeps the streams that have an entry in the registry.
func OnlyFailed(ctx context.Context, registry crawler.FailureRegistry, streams []crawler.Stream) ([]crawler.Stream, error) {
	records, err := registry.ListFailures(ctx)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	failed := make(map[string]struct{}, len(records))
	for _, r := range records {
		failed[r.StreamKey] = struct{}{}
	}
	var kept []crawler.Stream
	for _, s := range streams {
		if _, ok := failed[s.Key()]; ok {
			kept = append(kept, s)
		}
	}
	return kept, nil
}
