package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func sub(ref, date string) crawler.Subdivision {
	s := crawler.Subdivision{Ref: ref, Label: ref}
	if date != "" {
		s.Start = day(date)
	}
	return s
}

func refs(subs []crawler.Subdivision) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Ref)
	}
	return out
}

func TestResolveKeepsInsideDropsOutside(t *testing.T) {
	t.Parallel()

	index := Index{Groups: []Group{{
		Year: 2025,
		Subdivisions: []crawler.Subdivision{
			sub("issue-17", "2025-08-21"),
			sub("issue-18", "2025-09-04"),
			sub("issue-19", "2025-09-18"),
		},
	}}}
	got := NewResolver(0, nil).Resolve(index, day("2025-09-01"), day("2025-09-10"))
	require.False(t, got.Fallback)
	require.Equal(t, []string{"issue-18"}, refs(got.Subdivisions))
	require.Equal(t, day("2025-09-01"), got.Window.Start)
}

func TestResolveCoarseYearFilter(t *testing.T) {
	t.Parallel()

	index := Index{Groups: []Group{
		// A mislabeled group is dropped by year even if a date would match.
		{Year: 2024, Subdivisions: []crawler.Subdivision{sub("old", "2025-09-02")}},
		{Year: 0, Subdivisions: []crawler.Subdivision{sub("unknown-year", "2025-09-03")}},
		{Year: 2025, Subdivisions: []crawler.Subdivision{sub("current", "2025-09-04")}},
	}}
	got := NewResolver(2, nil).Resolve(index, day("2025-09-01"), day("2025-09-30"))
	require.Equal(t, []string{"unknown-year", "current"}, refs(got.Subdivisions))
}

func TestResolveRangeSubdivisionsIntersect(t *testing.T) {
	t.Parallel()

	monthly := crawler.Subdivision{Ref: "sept", Start: day("2025-09-01"), End: day("2025-09-30")}
	index := Index{Groups: []Group{{Subdivisions: []crawler.Subdivision{monthly}}}}
	got := NewResolver(2, nil).Resolve(index, day("2025-09-15"), day("2025-09-16"))
	require.False(t, got.Fallback)
	require.Equal(t, []string{"sept"}, refs(got.Subdivisions))
}

func TestResolveFallbackScenario(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	index := Index{Groups: []Group{{
		Year: 2025,
		Subdivisions: []crawler.Subdivision{
			sub("aug-28", "2025-08-28"),
			sub("sep-05", "2025-09-05"),
		},
	}}}
	got := NewResolver(2, zap.New(core)).Resolve(index, day("2025-09-01"), day("2025-09-02"))
	require.True(t, got.Fallback)
	// Both are four days from the floored midpoint; discovery order breaks the tie.
	require.Equal(t, []string{"aug-28", "sep-05"}, refs(got.Subdivisions))

	entries := logs.FilterMessage("nearest-match fallback used").All()
	require.Len(t, entries, 1)
	require.Equal(t, true, entries[0].ContextMap()["fallback"])
}

func TestResolveFallbackPicksNearest(t *testing.T) {
	t.Parallel()

	index := Index{Groups: []Group{
		{Year: 2024, Subdivisions: []crawler.Subdivision{sub("dec", "2024-12-20")}},
		{Year: 2025, Subdivisions: []crawler.Subdivision{
			sub("jan-02", "2025-01-02"),
			sub("feb-20", "2025-02-20"),
			sub("jan-30", "2025-01-30"),
		}},
	}}
	got := NewResolver(1, nil).Resolve(index, day("2025-01-10"), day("2025-01-20"))
	require.True(t, got.Fallback)
	require.Equal(t, []string{"jan-02"}, refs(got.Subdivisions))

	got = NewResolver(2, nil).Resolve(index, day("2025-01-10"), day("2025-01-20"))
	require.Equal(t, []string{"jan-02", "jan-30"}, refs(got.Subdivisions))

	// Limits above two are clamped.
	got = NewResolver(5, nil).Resolve(index, day("2025-01-10"), day("2025-01-20"))
	require.Len(t, got.Subdivisions, 2)
}

func TestResolveUndatedAndDuplicates(t *testing.T) {
	t.Parallel()

	index := Index{Groups: []Group{{
		Subdivisions: []crawler.Subdivision{
			sub("a", "2025-09-02"),
			sub("a", "2025-09-02"),
			sub("special-issue", ""),
		},
	}}}
	got := NewResolver(2, nil).Resolve(index, day("2025-09-01"), day("2025-09-03"))
	require.Equal(t, []string{"a"}, refs(got.Subdivisions))
	require.Equal(t, 1, got.Undated)

	empty := NewResolver(2, nil).Resolve(Index{Groups: []Group{{Subdivisions: []crawler.Subdivision{sub("x", "")}}}},
		day("2025-09-01"), day("2025-09-03"))
	require.Empty(t, empty.Subdivisions)
	require.False(t, empty.Fallback, "undated subdivisions are never fallback candidates")
}

func TestResolveSwapsReversedWindow(t *testing.T) {
	t.Parallel()

	index := Index{Groups: []Group{{Subdivisions: []crawler.Subdivision{sub("a", "2025-09-02")}}}}
	got := NewResolver(2, nil).Resolve(index, day("2025-09-03"), day("2025-09-01"))
	require.Equal(t, []string{"a"}, refs(got.Subdivisions))
	require.Equal(t, day("2025-09-01"), got.Window.Start)
}

func TestIndexMergeRenumbers(t *testing.T) {
	t.Parallel()

	a := Index{Groups: []Group{{Year: 2024, Subdivisions: []crawler.Subdivision{sub("a", "2024-12-01")}}}}
	b := Index{Groups: []Group{{Year: 2025, Subdivisions: []crawler.Subdivision{sub("b", "2025-01-01"), sub("c", "2025-02-01")}}}}
	merged := a.Merge(b)
	require.Equal(t, 3, merged.Len())
	require.Equal(t, 1, merged.Groups[1].Subdivisions[0].Seq)
	require.Equal(t, 2, merged.Groups[1].Subdivisions[1].Seq)
	require.Zero(t, b.Groups[0].Subdivisions[1].Seq, "merge must not mutate its argument")
}

func TestYearPages(t *testing.T) {
	t.Parallel()

	pattern := "https://www.science.org/loi/science/group/d{decade}.y{year}"
	require.Equal(t, []string{
		"https://www.science.org/loi/science/group/d2010.y2019",
		"https://www.science.org/loi/science/group/d2020.y2020",
	}, YearPages(day("2019-12-20"), day("2020-01-05"), pattern))
	require.Len(t, YearPages(day("2025-09-01"), day("2025-09-02"), pattern), 1)
	require.Nil(t, YearPages(day("2025-09-01"), day("2025-09-02"), ""))
}
