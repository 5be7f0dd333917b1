package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

func TestStoreInsertIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	item := crawler.RawItem{Identifier: "10.1016/j.immuni.2025.08.001", Published: time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC)}

	inserted, err := s.Insert(ctx, "cell/immunity", item, crawler.Verdict{ItemID: item.Identifier, Relevant: true})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.Insert(ctx, "cell/immunity", item, crawler.Verdict{ItemID: item.Identifier})
	require.NoError(t, err)
	require.False(t, inserted)
	require.Len(t, s.Records(), 1)
	require.True(t, s.Records()[0].Verdict.Relevant, "the first write wins")

	exists, err := s.Exists(ctx, item.Identifier)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestStoreMaxDate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	_, err := s.MaxDate(ctx, "cell/immunity")
	require.ErrorIs(t, err, crawler.ErrNoCheckpoint)

	for i, d := range []int{3, 9, 5} {
		item := crawler.RawItem{
			Identifier: string(rune('a' + i)),
			Published:  time.Date(2025, 9, d, 0, 0, 0, 0, time.UTC),
		}
		_, err := s.Insert(ctx, "cell/immunity", item, crawler.Verdict{})
		require.NoError(t, err)
	}
	_, err = s.Insert(ctx, "science/science", crawler.RawItem{
		Identifier: "z",
		Published:  time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
	}, crawler.Verdict{})
	require.NoError(t, err)

	got, err := s.MaxDate(ctx, "cell/immunity")
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 9, 9, 0, 0, 0, 0, time.UTC), got)
}

func TestStoreCheckpointIsMonotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	_, err := s.Checkpoint(ctx, "k")
	require.ErrorIs(t, err, crawler.ErrNoCheckpoint)

	later := time.Date(2025, 9, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AdvanceCheckpoint(ctx, "k", later))
	require.NoError(t, s.AdvanceCheckpoint(ctx, "k", later.AddDate(0, 0, -3)))
	got, err := s.Checkpoint(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, later, got)
}

func TestStoreFailureRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore()
	first := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	second := first.Add(24 * time.Hour)

	require.NoError(t, s.RecordFailure(ctx, "science/science", "blocked", first))
	require.NoError(t, s.RecordFailure(ctx, "cell/immunity", "timeout", first))
	require.NoError(t, s.RecordFailure(ctx, "cell/immunity", "all 3 subdivision fetches failed", second))

	list, err := s.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "cell/immunity", list[0].StreamKey)
	require.Equal(t, 1, list[0].RetryCount)
	require.Equal(t, second, list[0].LastRetry)
	require.Equal(t, "all 3 subdivision fetches failed", list[0].Reason)
	require.Zero(t, list[1].RetryCount)

	require.NoError(t, s.ClearFailure(ctx, "cell/immunity"))
	list, err = s.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
